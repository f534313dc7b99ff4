package authz

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"github.com/gridauth/proxyvault/pkg/creds"
	"github.com/gridauth/proxyvault/pkg/utils"
)

const nonceLen = 16

// Cert authorizes by proof of possession of a certificate and its key.
// The server challenges with a random nonce; the client answers with a
// signature over the nonce followed by its certificate chain. A proof
// accepted by this method marks the request as a renewal.
type Cert struct {
	roots *x509.CertPool
}

func NewCert(roots *x509.CertPool) *Cert {
	return &Cert{roots: roots}
}

func (*Cert) ID() MethodID { return MethodCert }

func (*Cert) Name() string { return "X509_certificate" }

func (*Cert) Challenge() (string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return hex.EncodeToString(nonce), nil
}

// Verify checks the client proof against the nonce issued for this
// negotiation. The proof is a 4-byte big-endian signature length, the
// signature over the nonce, and the signer's PEM certificate chain.
func (m *Cert) Verify(serverData string, clientData []byte, cred *creds.Credential, peerDN string) error {
	if len(clientData) < 4 {
		return ErrMalformedProof
	}
	sigLen := int(binary.BigEndian.Uint32(clientData[:4]))
	if sigLen <= 0 || 4+sigLen > len(clientData) {
		return ErrMalformedProof
	}
	sig := clientData[4 : 4+sigLen]

	chain, err := parseChain(clientData[4+sigLen:])
	if err != nil {
		return err
	}
	leaf := chain[0]

	if err := checkNonceSignature(leaf, []byte(serverData), sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadProof, err)
	}

	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	opts := x509.VerifyOptions{
		Roots:         m.roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("%w: untrusted chain: %v", ErrBadProof, err)
	}

	subject := utils.DNFromName(leaf.Subject)
	if subject != cred.OwnerDN {
		return fmt.Errorf("%w: certificate subject %q does not own the credential", ErrBadProof, subject)
	}
	return nil
}

func parseChain(raw []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, ErrMalformedProof
	}
	return chain, nil
}

// checkNonceSignature tries the signature algorithms clients are known
// to use. The nonce is signed directly, hashed per the algorithm.
func checkNonceSignature(leaf *x509.Certificate, nonce, sig []byte) error {
	algs := []x509.SignatureAlgorithm{
		x509.SHA256WithRSA,
		x509.ECDSAWithSHA256,
		x509.SHA1WithRSA,
	}
	var err error
	for _, alg := range algs {
		if err = leaf.CheckSignature(alg, nonce, sig); err == nil {
			return nil
		}
	}
	return err
}
