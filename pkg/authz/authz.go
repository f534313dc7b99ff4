package authz

import (
	"errors"

	"github.com/gridauth/proxyvault/pkg/creds"
)

var (
	ErrBadProof       = errors.New("authorization proof rejected")
	ErrUnknownMethod  = errors.New("unknown authorization method")
	ErrNoMethods      = errors.New("no authorization methods available")
	ErrMalformedProof = errors.New("malformed authorization data")
)

// MethodID is the wire code of an authorization method. The values are
// fixed by the protocol.
type MethodID int

const (
	MethodPasswd MethodID = 1
	MethodCert   MethodID = 2
)

// Method is one way a client can prove it may use a credential. Challenge
// produces the server data shown to the client; Verify checks the proof
// the client sent back. serverData is the same string Challenge returned
// for this negotiation, so methods stay stateless between the two calls.
type Method interface {
	ID() MethodID
	Name() string
	Challenge() (string, error)
	Verify(serverData string, clientData []byte, cred *creds.Credential, peerDN string) error
}
