package api

import (
	"context"
	"errors"
	"io/ioutil"
	"path/filepath"
	"sync"
	"time"

	"github.com/gridauth/proxyvault/pkg/creds"
	"github.com/gridauth/proxyvault/pkg/creds/store"
	"github.com/gridauth/proxyvault/pkg/policy"
	"github.com/gridauth/proxyvault/pkg/protocol"
)

var (
	ErrNotAuthorized      = errors.New("authorization failed")
	ErrCredNotFound       = errors.New("credentials do not exist")
	ErrCredExpired        = errors.New("requested credentials have expired")
	ErrNotOwner           = errors.New("credentials are owned by another identity")
	ErrPassphraseTooShort = errors.New("passphrase is too short")
	ErrEmptyUsername      = errors.New("no username specified")
)

// Service executes repository commands after the dispatcher has resolved
// authorization. Authorize applies the per-command policy rules and is
// the only method that consults the policy engine.
type Service interface {
	Health(ctx context.Context) bool
	Authorize(ctx context.Context, peerDN string, cmd protocol.Command, username string, credname string, renewal bool) (creds.Credential, bool, error)
	Retrieve(ctx context.Context, username string, credname string, lifetime int) ([]byte, int, error)
	Deposit(ctx context.Context, peerDN string, req *protocol.Request, material []byte) error
	Info(ctx context.Context, peerDN string, username string) ([]protocol.CredInfo, error)
	Destroy(ctx context.Context, username string, credname string) error
	ChangePassphrase(ctx context.Context, username string, credname string, ownerDN string, newPassphrase string) error
	TrustedCerts(ctx context.Context) ([]protocol.TrustedFile, error)
}

type vaultService struct {
	mtx            sync.RWMutex
	repository     store.Repository
	serverPolicy   *policy.ServerPolicy
	trustedCertDir string
}

func NewVaultService(repository store.Repository, serverPolicy *policy.ServerPolicy, trustedCertDir string) Service {
	return &vaultService{
		repository:     repository,
		serverPolicy:   serverPolicy,
		trustedCertDir: trustedCertDir,
	}
}

func (s *vaultService) Health(ctx context.Context) bool {
	return true
}

// Retrieve loads the credential material and clamps the delegation
// lifetime to every configured ceiling.
func (s *vaultService) Retrieve(ctx context.Context, username string, credname string, lifetime int) ([]byte, int, error) {
	c, err := s.repository.Retrieve(ctx, username, credname)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, ErrCredNotFound
		}
		return nil, 0, err
	}
	if !c.EndTime.IsZero() && c.EndTime.Before(time.Now()) {
		return nil, 0, ErrCredExpired
	}
	material, err := s.repository.Material(ctx, username, credname)
	if err != nil {
		return nil, 0, err
	}
	return material, s.clampLifetime(lifetime, c.Lifetime), nil
}

func (s *vaultService) clampLifetime(requested int, credMax int) int {
	effective := requested
	if credMax > 0 && (effective <= 0 || credMax < effective) {
		effective = credMax
	}
	if ceiling := s.serverPolicy.MaxProxyLifetime; ceiling > 0 && (effective <= 0 || ceiling < effective) {
		effective = ceiling
	}
	return effective
}

// Deposit stores uploaded material under the peer's identity. Ownership
// of an existing record was already established by Authorize, so an
// existing credential is replaced, not rejected.
func (s *vaultService) Deposit(ctx context.Context, peerDN string, req *protocol.Request, material []byte) error {
	if req.Username == "" {
		return ErrEmptyUsername
	}
	if err := s.checkPassphraseQuality(req.Passphrase); err != nil {
		return err
	}
	hash := ""
	if req.Passphrase != "" {
		hash = creds.HashPassphrase(peerDN, req.Passphrase)
	}
	c := creds.Credential{
		Username:          req.Username,
		Name:              req.CredName,
		OwnerDN:           peerDN,
		PassphraseHash:    hash,
		Lifetime:          req.Lifetime,
		Description:       req.CredDesc,
		Retrievers:        req.Retrievers,
		Renewers:          req.Renewers,
		TrustedRetrievers: req.TrustedRetrievers,
		KeyRetrievers:     req.KeyRetrievers,
	}
	return s.repository.Store(ctx, c, material, true)
}

// checkPassphraseQuality allows an empty passphrase, which restricts the
// credential to renewal, but rejects a short non-empty one.
func (s *vaultService) checkPassphraseQuality(passphrase string) error {
	if passphrase == "" {
		return nil
	}
	min := s.serverPolicy.MinPassphraseLength
	if min <= 0 {
		min = protocol.MinPassLen
	}
	if len(passphrase) < min {
		return ErrPassphraseTooShort
	}
	return nil
}

func (s *vaultService) Info(ctx context.Context, peerDN string, username string) ([]protocol.CredInfo, error) {
	all, err := s.repository.RetrieveAllForOwner(ctx, username, peerDN)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCredNotFound
		}
		return nil, err
	}
	out := make([]protocol.CredInfo, 0, len(all))
	for _, c := range all {
		info := protocol.CredInfo{
			Name:        c.Name,
			Owner:       c.OwnerDN,
			Description: c.Description,
		}
		if !c.StartTime.IsZero() {
			info.StartTime = c.StartTime.Unix()
			info.EndTime = c.EndTime.Unix()
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *vaultService) Destroy(ctx context.Context, username string, credname string) error {
	err := s.repository.Delete(ctx, username, credname)
	if errors.Is(err, store.ErrNotFound) {
		return ErrCredNotFound
	}
	return err
}

func (s *vaultService) ChangePassphrase(ctx context.Context, username string, credname string, ownerDN string, newPassphrase string) error {
	if err := s.checkPassphraseQuality(newPassphrase); err != nil {
		return err
	}
	hash := ""
	if newPassphrase != "" {
		hash = creds.HashPassphrase(ownerDN, newPassphrase)
	}
	err := s.repository.ChangePassphrase(ctx, username, credname, hash)
	if errors.Is(err, store.ErrNotFound) {
		return ErrCredNotFound
	}
	return err
}

// TrustedCerts collects the CA bundle files shipped to clients that set
// the trusted-certificates flag. An unconfigured directory yields an
// empty bundle, not an error.
func (s *vaultService) TrustedCerts(ctx context.Context) ([]protocol.TrustedFile, error) {
	if s.trustedCertDir == "" {
		return nil, nil
	}
	entries, err := ioutil.ReadDir(s.trustedCertDir)
	if err != nil {
		return nil, err
	}
	var out []protocol.TrustedFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := ioutil.ReadFile(filepath.Join(s.trustedCertDir, entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, protocol.TrustedFile{Name: entry.Name(), Data: data})
	}
	return out, nil
}
