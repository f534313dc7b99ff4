package delegation

import (
	"context"
	"encoding/pem"
	"errors"

	"github.com/gridauth/proxyvault/pkg/server/transport"
)

var (
	ErrNoMaterial = errors.New("no credential material received")
	ErrBadPEM     = errors.New("credential material is not a certificate and key bundle")
)

// Delegator moves credential material between the server and a client
// once a command has been authorized. Delegate ships stored material to
// a retrieving client; Accept takes deposited material from a storing
// client. Material is treated as an opaque PEM bundle; only its shape is
// validated, never its contents.
type Delegator interface {
	Delegate(ctx context.Context, ch transport.Channel, material []byte, lifetime int) error
	Accept(ctx context.Context, ch transport.Channel) ([]byte, error)
}

type passthrough struct{}

// NewPassthrough returns a Delegator that exchanges the PEM bundle in a
// single token each way.
func NewPassthrough() Delegator {
	return passthrough{}
}

func (passthrough) Delegate(ctx context.Context, ch transport.Channel, material []byte, lifetime int) error {
	if err := validateBundle(material); err != nil {
		return err
	}
	return ch.Send(material)
}

func (passthrough) Accept(ctx context.Context, ch transport.Channel) ([]byte, error) {
	material, err := ch.Recv()
	if err != nil {
		return nil, err
	}
	if len(material) == 0 {
		return nil, ErrNoMaterial
	}
	if err := validateBundle(material); err != nil {
		return nil, err
	}
	return material, nil
}

// validateBundle requires at least one certificate and one private key
// block so garbage never reaches the repository.
func validateBundle(material []byte) error {
	var haveCert, haveKey bool
	rest := material
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			haveCert = true
		case "RSA PRIVATE KEY", "EC PRIVATE KEY", "PRIVATE KEY":
			haveKey = true
		}
	}
	if !haveCert || !haveKey {
		return ErrBadPEM
	}
	return nil
}
