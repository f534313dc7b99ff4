package authz

import (
	"errors"
	"fmt"

	"github.com/gridauth/proxyvault/pkg/creds"
	"github.com/gridauth/proxyvault/pkg/protocol"
)

var ErrChallengeExhausted = errors.New("authorization challenge already issued")

// Proof is one collected piece of authorization evidence, gathered either
// inline from the request or through a challenge round. It is collected
// before policy checks run and verified after them, so a policy denial is
// reported ahead of a bad proof.
type Proof struct {
	Method     Method
	ServerData string
	ClientData []byte
}

// Outcome is the result of a verified proof.
type Outcome struct {
	Method  MethodID
	Renewal bool
}

// Negotiator drives proof collection for a single connection. At most one
// challenge round is issued per connection.
type Negotiator struct {
	registry *Registry
	pending  []protocol.AuthorizationData
	issued   bool
}

func NewNegotiator(registry *Registry) *Negotiator {
	return &Negotiator{registry: registry}
}

// Inline returns a passphrase proof taken directly from the request,
// skipping the challenge round. An empty passphrase yields no proof.
func (n *Negotiator) Inline(passphrase string) (Proof, bool) {
	if passphrase == "" {
		return Proof{}, false
	}
	return Proof{
		Method:     Passwd{},
		ClientData: []byte(passphrase),
	}, true
}

// Challenges produces the authorization data block for a challenge
// response, one entry per offered method, each with fresh server data.
func (n *Negotiator) Challenges() ([]protocol.AuthorizationData, error) {
	if n.issued {
		return nil, ErrChallengeExhausted
	}
	methods := n.registry.Methods()
	if len(methods) == 0 {
		return nil, ErrNoMethods
	}
	n.pending = n.pending[:0]
	for _, m := range methods {
		data, err := m.Challenge()
		if err != nil {
			return nil, err
		}
		n.pending = append(n.pending, protocol.AuthorizationData{
			Method:     int(m.ID()),
			ServerData: data,
		})
	}
	n.issued = true
	return n.pending, nil
}

// Accept parses the client's challenge reply. The first byte selects the
// method, the remainder is the method's proof data.
func (n *Negotiator) Accept(reply []byte) (Proof, error) {
	if len(reply) < 2 {
		return Proof{}, ErrMalformedProof
	}
	id := MethodID(reply[0])
	method, ok := n.registry.ByID(id)
	if !ok {
		return Proof{}, fmt.Errorf("%w: %d", ErrUnknownMethod, id)
	}
	for _, p := range n.pending {
		if p.Method == int(id) {
			return Proof{
				Method:     method,
				ServerData: p.ServerData,
				ClientData: reply[1:],
			}, nil
		}
	}
	return Proof{}, fmt.Errorf("%w: method %d was not challenged", ErrUnknownMethod, id)
}

// Verify checks the collected proof against the credential and the
// connection's peer identity.
func (n *Negotiator) Verify(p Proof, cred *creds.Credential, peerDN string) (Outcome, error) {
	if p.Method == nil {
		return Outcome{}, ErrNoMethods
	}
	if err := p.Method.Verify(p.ServerData, p.ClientData, cred, peerDN); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Method:  p.Method.ID(),
		Renewal: p.Method.ID() == MethodCert,
	}, nil
}
