package transport

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gridauth/proxyvault/pkg/protocol"
	"github.com/gridauth/proxyvault/pkg/utils"
)

var ErrTokenTooLarge = errors.New("token exceeds maximum message size")

// Channel is one authenticated client connection, seen as a sequence of
// framed tokens plus the peer's verified identity string.
type Channel interface {
	Peer() string
	Recv() ([]byte, error)
	Send([]byte) error
	Close() error
}

type connChannel struct {
	conn net.Conn
	peer string
}

// NewConn wraps an already-authenticated byte stream as a Channel. Each
// token is framed by a 4-byte big-endian length.
func NewConn(conn net.Conn, peer string) Channel {
	return &connChannel{conn: conn, peer: peer}
}

// NewTLS completes the handshake on a mutually-authenticated TLS
// connection and derives the peer identity from the client certificate
// subject.
func NewTLS(conn *tls.Conn) (Channel, error) {
	if err := conn.Handshake(); err != nil {
		return nil, fmt.Errorf("tls handshake failed: %w", err)
	}
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("no client certificate presented")
	}
	peer := utils.DNFromName(state.PeerCertificates[0].Subject)
	return &connChannel{conn: conn, peer: peer}, nil
}

func (c *connChannel) Peer() string {
	return c.peer
}

func (c *connChannel) Recv() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > protocol.MaxTokenLen {
		return nil, ErrTokenTooLarge
	}
	token := make([]byte, n)
	if _, err := io.ReadFull(c.conn, token); err != nil {
		return nil, err
	}
	return token, nil
}

func (c *connChannel) Send(token []byte) error {
	if len(token) > protocol.MaxTokenLen {
		return ErrTokenTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(token)))
	if _, err := c.conn.Write(header[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(token)
	return err
}

func (c *connChannel) Close() error {
	return c.conn.Close()
}

// Pipe returns two connected in-memory channels with the given peer
// identities, for exercising the protocol without a network listener.
func Pipe(peerA, peerB string) (Channel, Channel) {
	a, b := net.Pipe()
	return NewConn(a, peerB), NewConn(b, peerA)
}
