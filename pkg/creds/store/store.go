package store

import (
	"context"
	"errors"

	"github.com/gridauth/proxyvault/pkg/creds"
)

var (
	ErrNotFound      = errors.New("credential not found")
	ErrAlreadyExists = errors.New("credential already exists")
	ErrIntegrity     = errors.New("credential storage integrity failure")
)

// Repository persists credential records plus their material. Creation and
// deletion of the two artifacts behind a key are atomic with respect to
// each other: no credential is ever observable with only one artifact.
type Repository interface {
	// Store writes metadata and material for a new credential. It fails
	// with ErrAlreadyExists when the key is taken, unless overwrite is
	// set. Ownership of an existing record is the caller's concern.
	Store(ctx context.Context, c creds.Credential, material []byte, overwrite bool) error

	// Retrieve loads the metadata record for a key. It fails with
	// ErrNotFound if either artifact is missing. No passphrase checking
	// happens here.
	Retrieve(ctx context.Context, username, credname string) (creds.Credential, error)

	// Material loads the stored credential material (an opaque blob to
	// this package).
	Material(ctx context.Context, username, credname string) ([]byte, error)

	// RetrieveAllForOwner lists every credential stored under username
	// whose owner equals ownerDN. Foreign or partially written files in
	// the storage directory are skipped, not fatal.
	RetrieveAllForOwner(ctx context.Context, username, ownerDN string) ([]creds.Credential, error)

	// Exists reports whether both artifacts are present for the key.
	Exists(ctx context.Context, username, credname string) (bool, error)

	// IsOwner reports whether the stored owner equals clientDN, by exact
	// string comparison.
	IsOwner(ctx context.Context, username, credname, clientDN string) (bool, error)

	// Delete removes both artifacts.
	Delete(ctx context.Context, username, credname string) error

	// ChangePassphrase replaces the stored passphrase hash.
	ChangePassphrase(ctx context.Context, username, credname, newHash string) error
}
