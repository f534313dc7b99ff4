package api

import (
	"context"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/gridauth/proxyvault/pkg/audit"
	"github.com/gridauth/proxyvault/pkg/authz"
	"github.com/gridauth/proxyvault/pkg/delegation"
	"github.com/gridauth/proxyvault/pkg/protocol"
	"github.com/gridauth/proxyvault/pkg/server/transport"

	"github.com/go-kit/kit/log"
)

const serverDN = "/O=Grid/CN=vault"

func testMaterial() []byte {
	out := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("not a real cert")})
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: []byte("not a real key")})...)
	return out
}

func newTestDispatcher(t *testing.T) (*Dispatcher, Service) {
	t.Helper()
	s := newTestService(t)
	return NewDispatcher(s, authz.NewRegistry(nil), delegation.NewPassthrough(), audit.NewNop(), log.NewNopLogger()), s
}

// runSession drives the dispatcher on one end of a pipe and the given
// client script on the other.
func runSession(t *testing.T, d *Dispatcher, peer string, client func(ch transport.Channel)) {
	t.Helper()
	clientCh, serverCh := transport.Pipe(peer, serverDN)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Handle(context.Background(), serverCh)
	}()
	client(clientCh)
	clientCh.Close()
	<-done
}

func sendRequest(t *testing.T, ch transport.Channel, req *protocol.Request) {
	t.Helper()
	token, err := protocol.EncodeRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(token); err != nil {
		t.Fatal(err)
	}
}

func recvResponse(t *testing.T, ch transport.Channel) *protocol.Response {
	t.Helper()
	token, err := ch.Recv()
	if err != nil {
		t.Fatal(err)
	}
	resp, err := protocol.DecodeResponse(token)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestPutThenGetSession(t *testing.T) {
	d, s := newTestDispatcher(t)

	runSession(t, d, aliceDN, func(ch transport.Channel) {
		sendRequest(t, ch, &protocol.Request{
			Version:    protocol.Version,
			Command:    protocol.CmdPut,
			Username:   "alice",
			Passphrase: "p@ssw0rd",
			Retrievers: "*/CN=bob",
			Lifetime:   7200,
		})
		if resp := recvResponse(t, ch); resp.Type != protocol.OKResponse {
			t.Fatalf("put not accepted: %s %s", resp.Type, resp.Error())
		}
		if err := ch.Send(testMaterial()); err != nil {
			t.Fatal(err)
		}
		if resp := recvResponse(t, ch); resp.Type != protocol.OKResponse {
			t.Fatalf("put did not complete: %s %s", resp.Type, resp.Error())
		}
	})

	if infos, err := s.Info(context.Background(), aliceDN, "alice"); err != nil || len(infos) != 1 {
		t.Fatalf("stored credential not visible: infos=%v err=%v", infos, err)
	}

	runSession(t, d, bobDN, func(ch transport.Channel) {
		sendRequest(t, ch, &protocol.Request{
			Version:    protocol.Version,
			Command:    protocol.CmdGet,
			Username:   "alice",
			Passphrase: "p@ssw0rd",
			Lifetime:   3600,
		})
		if resp := recvResponse(t, ch); resp.Type != protocol.OKResponse {
			t.Fatalf("get denied: %s %s", resp.Type, resp.Error())
		}
		material, err := ch.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if string(material) != string(testMaterial()) {
			t.Error("delegated material mismatch")
		}
		if resp := recvResponse(t, ch); resp.Type != protocol.OKResponse {
			t.Fatalf("get did not complete: %s %s", resp.Type, resp.Error())
		}
	})
}

func TestGetDeniedIsNonSpecific(t *testing.T) {
	d, s := newTestDispatcher(t)
	if err := s.Deposit(context.Background(), aliceDN, &protocol.Request{
		Username:   "alice",
		Passphrase: "p@ssw0rd",
		Retrievers: "*/CN=bob",
	}, testMaterial()); err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name       string
		peer       string
		passphrase string
	}{
		{"wrong passphrase", bobDN, "not-the-passphrase"},
		{"policy mismatch with right passphrase", carolDN, "p@ssw0rd"},
	}
	for _, tc := range testCases {
		t.Run("Testing "+tc.name, func(t *testing.T) {
			runSession(t, d, tc.peer, func(ch transport.Channel) {
				sendRequest(t, ch, &protocol.Request{
					Version:    protocol.Version,
					Command:    protocol.CmdGet,
					Username:   "alice",
					Passphrase: tc.passphrase,
				})
				resp := recvResponse(t, ch)
				if resp.Type != protocol.ErrorResponse {
					t.Fatalf("expected denial, got %s", resp.Type)
				}
				if resp.Error() != deniedMessage {
					t.Errorf("denial leaked detail: %q", resp.Error())
				}
			})
		})
	}
}

func TestChallengeRound(t *testing.T) {
	d, s := newTestDispatcher(t)
	if err := s.Deposit(context.Background(), aliceDN, &protocol.Request{
		Username:   "alice",
		Passphrase: "p@ssw0rd",
		Retrievers: "*/CN=bob",
	}, testMaterial()); err != nil {
		t.Fatal(err)
	}

	runSession(t, d, bobDN, func(ch transport.Channel) {
		// No inline passphrase forces a challenge round.
		sendRequest(t, ch, &protocol.Request{
			Version:  protocol.Version,
			Command:  protocol.CmdGet,
			Username: "alice",
		})
		resp := recvResponse(t, ch)
		if resp.Type != protocol.AuthorizationResponse {
			t.Fatalf("expected challenge, got %s %s", resp.Type, resp.Error())
		}
		if len(resp.AuthzData) == 0 || resp.AuthzData[0].Method != int(authz.MethodPasswd) {
			t.Fatalf("unexpected challenge set: %+v", resp.AuthzData)
		}
		reply := append([]byte{byte(authz.MethodPasswd)}, []byte("p@ssw0rd")...)
		if err := ch.Send(reply); err != nil {
			t.Fatal(err)
		}
		if resp := recvResponse(t, ch); resp.Type != protocol.OKResponse {
			t.Fatalf("challenge reply rejected: %s %s", resp.Type, resp.Error())
		}
		if _, err := ch.Recv(); err != nil {
			t.Fatal(err)
		}
		if resp := recvResponse(t, ch); resp.Type != protocol.OKResponse {
			t.Fatalf("session did not complete: %s %s", resp.Type, resp.Error())
		}
	})
}

func TestVersionMismatchAborts(t *testing.T) {
	d, _ := newTestDispatcher(t)
	runSession(t, d, aliceDN, func(ch transport.Channel) {
		sendRequest(t, ch, &protocol.Request{
			Version:    "MYPROXYv1",
			Command:    protocol.CmdInfo,
			Username:   "alice",
			Passphrase: "irrelevant",
		})
		resp := recvResponse(t, ch)
		if resp.Type != protocol.ErrorResponse {
			t.Fatalf("expected error response, got %s", resp.Type)
		}
	})
}

func TestUnknownCommandGetsErrorResponse(t *testing.T) {
	d, _ := newTestDispatcher(t)
	runSession(t, d, aliceDN, func(ch transport.Channel) {
		sendRequest(t, ch, &protocol.Request{
			Version:    protocol.Version,
			Command:    protocol.Command(42),
			Username:   "alice",
			Passphrase: "irrelevant",
		})
		resp := recvResponse(t, ch)
		if resp.Type != protocol.ErrorResponse || resp.Error() != "unknown command" {
			t.Fatalf("got %s %q", resp.Type, resp.Error())
		}
	})
}

func TestInfoAndDestroySessions(t *testing.T) {
	d, s := newTestDispatcher(t)
	if err := s.Deposit(context.Background(), aliceDN, &protocol.Request{
		Username:   "alice",
		Passphrase: "p@ssw0rd",
		CredName:   "backup",
	}, testMaterial()); err != nil {
		t.Fatal(err)
	}

	runSession(t, d, aliceDN, func(ch transport.Channel) {
		sendRequest(t, ch, &protocol.Request{
			Version:    protocol.Version,
			Command:    protocol.CmdInfo,
			Username:   "alice",
			Passphrase: "",
		})
		resp := recvResponse(t, ch)
		if resp.Type != protocol.OKResponse {
			t.Fatalf("info denied: %s %s", resp.Type, resp.Error())
		}
		if len(resp.Info) != 1 || resp.Info[0].Name != "backup" {
			t.Fatalf("unexpected info: %+v", resp.Info)
		}
	})

	runSession(t, d, aliceDN, func(ch transport.Channel) {
		sendRequest(t, ch, &protocol.Request{
			Version:    protocol.Version,
			Command:    protocol.CmdDestroy,
			Username:   "alice",
			CredName:   "backup",
			Passphrase: "",
		})
		if resp := recvResponse(t, ch); resp.Type != protocol.OKResponse {
			t.Fatalf("destroy denied: %s %s", resp.Type, resp.Error())
		}
	})

	if _, err := s.Info(context.Background(), aliceDN, "alice"); err == nil {
		t.Error("credential still listed after destroy")
	}
}

func TestChangePassphraseSession(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()
	if err := s.Deposit(ctx, aliceDN, &protocol.Request{
		Username:   "alice",
		Passphrase: "old-secret",
	}, testMaterial()); err != nil {
		t.Fatal(err)
	}

	runSession(t, d, aliceDN, func(ch transport.Channel) {
		sendRequest(t, ch, &protocol.Request{
			Version:       protocol.Version,
			Command:       protocol.CmdChangePassphrase,
			Username:      "alice",
			Passphrase:    "wrong-secret",
			NewPassphrase: "new-secret",
		})
		resp := recvResponse(t, ch)
		if resp.Type != protocol.ErrorResponse {
			t.Fatalf("wrong old passphrase accepted: %s", resp.Type)
		}
		if resp.Error() != deniedMessage {
			t.Errorf("denial leaked detail: %q", resp.Error())
		}
	})

	cred, _, err := s.Authorize(ctx, aliceDN, protocol.CmdChangePassphrase, "alice", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if !cred.CheckPassphrase("old-secret") {
		t.Fatal("stored passphrase changed after a denied request")
	}

	runSession(t, d, aliceDN, func(ch transport.Channel) {
		sendRequest(t, ch, &protocol.Request{
			Version:       protocol.Version,
			Command:       protocol.CmdChangePassphrase,
			Username:      "alice",
			Passphrase:    "old-secret",
			NewPassphrase: "new-secret",
		})
		if resp := recvResponse(t, ch); resp.Type != protocol.OKResponse {
			t.Fatalf("passphrase change denied: %s %s", resp.Type, resp.Error())
		}
	})

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
}

type captureRecorder struct {
	events []audit.Event
}

func (r *captureRecorder) Record(ctx context.Context, ev audit.Event) error {
	r.events = append(r.events, ev)
	return nil
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, audit.Event) error {
	return errors.New("audit sink unavailable")
}

func TestChallengeAbandonedDeniesRequest(t *testing.T) {
	s := newTestService(t)
	rec := &captureRecorder{}
	d := NewDispatcher(s, authz.NewRegistry(nil), delegation.NewPassthrough(), rec, log.NewNopLogger())
	if err := s.Deposit(context.Background(), aliceDN, &protocol.Request{
		Username:   "alice",
		Passphrase: "p@ssw0rd",
		Retrievers: "*/CN=bob",
	}, testMaterial()); err != nil {
		t.Fatal(err)
	}

	runSession(t, d, bobDN, func(ch transport.Channel) {
		sendRequest(t, ch, &protocol.Request{
			Version:  protocol.Version,
			Command:  protocol.CmdGet,
			Username: "alice",
		})
		resp := recvResponse(t, ch)
		if resp.Type != protocol.AuthorizationResponse {
			t.Fatalf("expected challenge, got %s %s", resp.Type, resp.Error())
		}
		// Hang up instead of answering the challenge.
	})

	if len(rec.events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(rec.events))
	}
	if rec.events[0].Allowed {
		t.Error("abandoned challenge was recorded as allowed")
	}
}

func TestAuditFailureDoesNotBlockRequest(t *testing.T) {
	s := newTestService(t)
	d := NewDispatcher(s, authz.NewRegistry(nil), delegation.NewPassthrough(), failingRecorder{}, log.NewNopLogger())

	runSession(t, d, aliceDN, func(ch transport.Channel) {
		sendRequest(t, ch, &protocol.Request{
			Version:    protocol.Version,
			Command:    protocol.CmdPut,
			Username:   "alice",
			Passphrase: "p@ssw0rd",
		})
		if resp := recvResponse(t, ch); resp.Type != protocol.OKResponse {
			t.Fatalf("put not accepted: %s %s", resp.Type, resp.Error())
		}
		if err := ch.Send(testMaterial()); err != nil {
			t.Fatal(err)
		}
		if resp := recvResponse(t, ch); resp.Type != protocol.OKResponse {
			t.Fatalf("put did not complete: %s %s", resp.Type, resp.Error())
		}
	})

	if infos, err := s.Info(context.Background(), aliceDN, "alice"); err != nil || len(infos) != 1 {
		t.Fatalf("credential not stored despite failing audit sink: infos=%v err=%v", infos, err)
	}
}

func TestTrustedRetrieverSkipsChallenge(t *testing.T) {
	d, s := newTestDispatcher(t)
	if err := s.Deposit(context.Background(), aliceDN, &protocol.Request{
		Username:   "alice",
		Passphrase: "p@ssw0rd",
		Retrievers: "*/CN=bob",
	}, testMaterial()); err != nil {
		t.Fatal(err)
	}

	runSession(t, d, portalDN, func(ch transport.Channel) {
		// No inline passphrase and no challenge round for a trusted peer:
		// the first response is already the grant.
		sendRequest(t, ch, &protocol.Request{
			Version:  protocol.Version,
			Command:  protocol.CmdGet,
			Username: "alice",
		})
		resp := recvResponse(t, ch)
		if resp.Type != protocol.OKResponse {
			t.Fatalf("expected immediate grant, got %s %s", resp.Type, resp.Error())
		}
		material, err := ch.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if string(material) != string(testMaterial()) {
			t.Error("delegated material mismatch")
		}
		if resp := recvResponse(t, ch); resp.Type != protocol.OKResponse {
			t.Fatalf("session did not complete: %s %s", resp.Type, resp.Error())
		}
	})
}
