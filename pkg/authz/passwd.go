package authz

import (
	"github.com/gridauth/proxyvault/pkg/creds"
	"github.com/gridauth/proxyvault/pkg/protocol"
)

const passphrasePrompt = "Enter MyProxy pass phrase:"

// Passwd authorizes by the passphrase that was set when the credential
// was deposited. It is also the method used for the inline fast path,
// where the passphrase rides in the initial request and no challenge
// round happens at all.
type Passwd struct{}

func (Passwd) ID() MethodID { return MethodPasswd }

func (Passwd) Name() string { return "password" }

func (Passwd) Challenge() (string, error) {
	return passphrasePrompt, nil
}

func (Passwd) Verify(serverData string, clientData []byte, cred *creds.Credential, peerDN string) error {
	if len(clientData) < protocol.MinPassLen {
		return ErrBadProof
	}
	if !cred.CheckPassphrase(string(clientData)) {
		return ErrBadProof
	}
	return nil
}
