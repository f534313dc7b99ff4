package creds

import (
	"fmt"
	"testing"
)

func TestHashPassphraseSaltDerivation(t *testing.T) {
	// The salt is the trailing bytes of the owner identity, so the same
	// passphrase hashes differently under owners with different
	// suffixes, and identically under the same owner.
	a := HashPassphrase("/O=Grid/CN=alice", "secret-phrase")
	b := HashPassphrase("/O=Grid/CN=alice", "secret-phrase")
	c := HashPassphrase("/O=Grid/CN=bob", "secret-phrase")
	if a != b {
		t.Error("hash is not deterministic")
	}
	if a == c {
		t.Error("different owner suffixes produced the same hash")
	}
}

func TestCheckPassphrase(t *testing.T) {
	owner := "/O=Grid/CN=alice"
	cred := Credential{
		OwnerDN:        owner,
		PassphraseHash: HashPassphrase(owner, "correct horse"),
	}
	empty := Credential{OwnerDN: owner}

	testCases := []struct {
		name       string
		cred       *Credential
		passphrase string
		want       bool
	}{
		{"matching passphrase", &cred, "correct horse", true},
		{"wrong passphrase", &cred, "battery staple", false},
		{"empty candidate", &cred, "", false},
		{"renewal-only credential never matches", &empty, "correct horse", false},
		{"renewal-only credential rejects empty", &empty, "", false},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("Testing %s", tc.name), func(t *testing.T) {
			if got := tc.cred.CheckPassphrase(tc.passphrase); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
