package creds

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Credential is one stored delegation, keyed by (Username, Name). The
// owner DN is fixed at store time and never changes afterwards.
type Credential struct {
	Username string
	Name     string // optional credential name, "" for the default

	OwnerDN        string
	PassphraseHash string
	Lifetime       int // maximum delegation lifetime, seconds
	Description    string

	Retrievers        string
	Renewers          string
	TrustedRetrievers string
	KeyRetrievers     string

	// Location is the repository's handle to the credential material.
	Location string

	// Validity window of the stored material, zero if unknown.
	StartTime time.Time
	EndTime   time.Time
}

// saltLen is the number of trailing owner-DN bytes used as the passphrase
// salt. The short, owner-derived salt is a legacy scheme kept for
// storage compatibility.
const saltLen = 3

// HashPassphrase computes the salted passphrase digest stored in the
// metadata record. The salt is the trailing bytes of the owner DN.
func HashPassphrase(ownerDN, passphrase string) string {
	salt := ownerDN
	if len(salt) > saltLen {
		salt = salt[len(salt)-saltLen:]
	}
	sum := sha256.Sum256([]byte(salt + passphrase))
	return hex.EncodeToString(sum[:])
}

// CheckPassphrase recomputes the salted digest for a candidate passphrase
// and compares it to the stored hash. An empty stored hash never matches:
// credentials stored without a passphrase cannot be retrieved with one.
func (c *Credential) CheckPassphrase(passphrase string) bool {
	if c.PassphraseHash == "" || passphrase == "" {
		return false
	}
	return HashPassphrase(c.OwnerDN, passphrase) == c.PassphraseHash
}
