package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	credsfile "github.com/gridauth/proxyvault/pkg/creds/store/file"
	"github.com/gridauth/proxyvault/pkg/policy"
	"github.com/gridauth/proxyvault/pkg/protocol"

	"github.com/go-kit/kit/log"
)

const (
	aliceDN  = "/O=Grid/CN=alice"
	bobDN    = "/O=Grid/CN=bob"
	carolDN  = "/O=Grid/CN=carol"
	portalDN = "/O=Grid/CN=portal"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	dir := t.TempDir()
	if err := os.Chmod(dir, 0700); err != nil {
		t.Fatal(err)
	}
	repo, err := credsfile.NewFile(dir, log.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	serverPolicy := &policy.ServerPolicy{
		AcceptedCredentials: policy.List{"/O=Grid/*"},
		TrustedRetrievers:   policy.List{"*/CN=portal"},
		MaxProxyLifetime:    86400,
	}
	return NewVaultService(repo, serverPolicy, "")
}

func deposit(t *testing.T, s Service, owner string, req *protocol.Request) {
	t.Helper()
	if err := s.Deposit(context.Background(), owner, req, []byte("material")); err != nil {
		t.Fatal(err)
	}
}

func TestRetrieverPolicyDecidesRetrieval(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	deposit(t, s, aliceDN, &protocol.Request{
		Username:   "alice",
		Passphrase: "p@ssw0rd",
		Retrievers: "*/CN=bob",
	})

	testCases := []struct {
		name string
		peer string
		ok   bool
	}{
		{"listed retriever", bobDN, true},
		{"unlisted retriever", carolDN, false},
		{"owner not implicitly allowed", aliceDN, false},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("Testing %s", tc.name), func(t *testing.T) {
			_, _, err := s.Authorize(ctx, tc.peer, protocol.CmdGet, "alice", "", false)
			if tc.ok && err != nil {
				t.Errorf("expected success, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrNotAuthorized) {
				t.Errorf("expected ErrNotAuthorized, got %v", err)
			}
		})
	}
}

func TestRenewalUsesRenewerPolicy(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	deposit(t, s, aliceDN, &protocol.Request{
		Username:   "alice",
		Passphrase: "p@ssw0rd",
		Retrievers: "*/CN=bob",
		Renewers:   "*/CN=carol",
	})

	// carol is a renewer but not a retriever.
	if _, _, err := s.Authorize(ctx, carolDN, protocol.CmdGet, "alice", "", true); err != nil {
		t.Errorf("renewal by listed renewer failed: %v", err)
	}
	if _, _, err := s.Authorize(ctx, carolDN, protocol.CmdGet, "alice", "", false); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("retrieval by non-retriever should be denied, got %v", err)
	}
	if _, _, err := s.Authorize(ctx, bobDN, protocol.CmdGet, "alice", "", true); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("renewal by non-renewer should be denied, got %v", err)
	}
}

func TestTrustedRetrieverBypass(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	deposit(t, s, aliceDN, &protocol.Request{
		Username:   "alice",
		Passphrase: "p@ssw0rd",
		Retrievers: "*/CN=bob",
	})

	_, trusted, err := s.Authorize(ctx, portalDN, protocol.CmdGet, "alice", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if !trusted {
		t.Error("portal should have matched the trusted-retriever tier")
	}
	_, trusted, _ = s.Authorize(ctx, bobDN, protocol.CmdGet, "alice", "", false)
	if trusted {
		t.Error("plain retriever must not get the bypass")
	}
}

func TestStorageRequiresAcceptedCredentials(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, _, err := s.Authorize(ctx, "/O=Other/CN=eve", protocol.CmdPut, "eve", "", false); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized for foreign organization, got %v", err)
	}
	if _, _, err := s.Authorize(ctx, aliceDN, protocol.CmdPut, "alice", "", false); err != nil {
		t.Errorf("accepted identity rejected: %v", err)
	}
}

func TestOwnershipPreventsSquatting(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	deposit(t, s, aliceDN, &protocol.Request{Username: "shared", Passphrase: "p@ssw0rd"})

	if _, _, err := s.Authorize(ctx, bobDN, protocol.CmdPut, "shared", "", false); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected squatting attempt to be denied, got %v", err)
	}
	// The owner may update its own record.
	if _, _, err := s.Authorize(ctx, aliceDN, protocol.CmdPut, "shared", "", false); err != nil {
		t.Errorf("owner update rejected: %v", err)
	}
}

func TestLifetimeClamping(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	deposit(t, s, aliceDN, &protocol.Request{
		Username:   "alice",
		Passphrase: "p@ssw0rd",
		Lifetime:   7200,
	})

	testCases := []struct {
		name      string
		requested int
		want      int
	}{
		{"request above credential max", 36000, 7200},
		{"request below credential max", 3600, 3600},
		{"zero request takes credential max", 0, 7200},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("Testing %s", tc.name), func(t *testing.T) {
			_, effective, err := s.Retrieve(ctx, "alice", "", tc.requested)
			if err != nil {
				t.Fatal(err)
			}
			if effective != tc.want {
				t.Errorf("effective lifetime %d, want %d", effective, tc.want)
			}
		})
	}
}

func TestInfoEnumeratesOnlyOwnedCredentials(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	deposit(t, s, aliceDN, &protocol.Request{Username: "alice", Passphrase: "p@ssw0rd"})
	deposit(t, s, aliceDN, &protocol.Request{Username: "alice", Passphrase: "p@ssw0rd", CredName: "backup"})
	deposit(t, s, bobDN, &protocol.Request{Username: "alice", Passphrase: "p@ssw0rd", CredName: "intruder"})

	infos, err := s.Info(ctx, aliceDN, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(infos))
	}
	for _, info := range infos {
		if info.Owner != aliceDN {
			t.Errorf("credential %q owned by %q leaked", info.Name, info.Owner)
		}
	}
}

func TestChangePassphrase(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	deposit(t, s, aliceDN, &protocol.Request{Username: "alice", Passphrase: "old-secret"})

	cred, _, err := s.Authorize(ctx, aliceDN, protocol.CmdChangePassphrase, "alice", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if !cred.CheckPassphrase("old-secret") {
		t.Fatal("stored credential does not verify old passphrase")
	}

	if err := s.ChangePassphrase(ctx, "alice", "", aliceDN, "short"); !errors.Is(err, ErrPassphraseTooShort) {
		t.Errorf("expected ErrPassphraseTooShort, got %v", err)
	}
	if err := s.ChangePassphrase(ctx, "alice", "", aliceDN, "new-secret"); err != nil {
		t.Fatal(err)
	}

	cred, _, err = s.Authorize(ctx, aliceDN, protocol.CmdChangePassphrase, "alice", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if cred.CheckPassphrase("old-secret") {
		t.Error("old passphrase still verifies")
	}
	if !cred.CheckPassphrase("new-secret") {
		t.Error("new passphrase does not verify")
	}

	if _, _, err := s.Authorize(ctx, bobDN, protocol.CmdChangePassphrase, "alice", "", false); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("non-owner passphrase change should be denied, got %v", err)
	}
}

func TestDestroyMissingCredential(t *testing.T) {
	s := newTestService(t)
	if err := s.Destroy(context.Background(), "nobody", ""); !errors.Is(err, ErrCredNotFound) {
		t.Errorf("expected ErrCredNotFound, got %v", err)
	}
}

func TestDepositRejectsWeakPassphrase(t *testing.T) {
	s := newTestService(t)
	err := s.Deposit(context.Background(), aliceDN, &protocol.Request{Username: "alice", Passphrase: "abc"}, []byte("material"))
	if !errors.Is(err, ErrPassphraseTooShort) {
		t.Errorf("expected ErrPassphraseTooShort, got %v", err)
	}
	// Empty passphrase is allowed: the credential is then renewal-only.
	err = s.Deposit(context.Background(), aliceDN, &protocol.Request{Username: "alice"}, []byte("material"))
	if err != nil {
		t.Errorf("empty passphrase deposit failed: %v", err)
	}
}
