package api

import (
	"context"
	"errors"
	"time"

	"github.com/gridauth/proxyvault/pkg/audit"
	"github.com/gridauth/proxyvault/pkg/authz"
	"github.com/gridauth/proxyvault/pkg/creds"
	"github.com/gridauth/proxyvault/pkg/delegation"
	"github.com/gridauth/proxyvault/pkg/protocol"
	"github.com/gridauth/proxyvault/pkg/server/transport"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// deniedMessage is the only wording authorization and policy failures
// ever reach the peer with. The real reason is logged server-side, so a
// probing client cannot tell a policy miss from a bad proof.
const deniedMessage = "authorization failed"

// Dispatcher runs the per-connection protocol: read one request, collect
// and verify authorization, execute the command, answer, close.
type Dispatcher struct {
	service   Service
	registry  *authz.Registry
	delegator delegation.Delegator
	recorder  audit.Recorder
	logger    log.Logger
}

func NewDispatcher(service Service, registry *authz.Registry, delegator delegation.Delegator, recorder audit.Recorder, logger log.Logger) *Dispatcher {
	return &Dispatcher{
		service:   service,
		registry:  registry,
		delegator: delegator,
		recorder:  recorder,
		logger:    logger,
	}
}

// needsProof reports whether the command requires an authorization proof
// beyond the authenticated transport identity.
func needsProof(cmd protocol.Command) bool {
	switch cmd {
	case protocol.CmdGet, protocol.CmdRetrieveCert, protocol.CmdChangePassphrase:
		return true
	}
	return false
}

// Handle serves one connection to completion. Transport failures at any
// point are fail closed; nothing is executed after a failed read.
func (d *Dispatcher) Handle(ctx context.Context, ch transport.Channel) {
	defer ch.Close()
	peer := ch.Peer()

	token, err := ch.Recv()
	if err != nil {
		level.Error(d.logger).Log("err", err, "peer", peer, "msg", "Could not read request")
		return
	}
	req, err := protocol.DecodeRequest(token)
	if err != nil {
		level.Error(d.logger).Log("err", err, "peer", peer, "msg", "Malformed request")
		d.sendError(ch, "malformed request")
		return
	}
	if req.Version != protocol.Version {
		level.Error(d.logger).Log("peer", peer, "version", req.Version, "msg", "Protocol version mismatch")
		d.sendError(ch, "protocol version mismatch")
		return
	}
	if !req.Command.Known() {
		d.sendError(ch, "unknown command")
		return
	}

	negotiator := authz.NewNegotiator(d.registry)

	proof, ok := negotiator.Inline(req.Passphrase)
	renewal := false

	cred, trusted, authErr := d.service.Authorize(ctx, peer, req.Command, req.Username, req.CredName, renewal)

	// A trusted retriever never sees the challenge round. Everyone else
	// without an inline passphrase answers one before any verdict is sent.
	if !ok && needsProof(req.Command) && !(trusted && authErr == nil) {
		proof, ok = d.challenge(ch, negotiator)
		if !ok {
			d.record(ctx, req, peer, "", false, "challenge round failed")
			return
		}
		// A certificate proof announces a renewal, judged against the
		// renewer tier instead of the retriever tier.
		if proof.Method.ID() == authz.MethodCert {
			renewal = true
			cred, trusted, authErr = d.service.Authorize(ctx, peer, req.Command, req.Username, req.CredName, renewal)
		}
	}
	if authErr != nil {
		d.record(ctx, req, peer, methodName(proof), false, authErr.Error())
		d.sendError(ch, publicMessage(authErr))
		return
	}

	method := methodName(proof)
	if needsProof(req.Command) && !trusted {
		if req.Command == protocol.CmdChangePassphrase && (!ok || proof.Method.ID() != authz.MethodPasswd) {
			d.record(ctx, req, peer, method, false, "passphrase proof required")
			d.sendError(ch, deniedMessage)
			return
		}
		if _, err := negotiator.Verify(proof, &cred, peer); err != nil {
			level.Error(d.logger).Log("err", err, "peer", peer, "username", req.Username, "msg", "Authorization proof rejected")
			d.record(ctx, req, peer, method, false, err.Error())
			d.sendError(ch, deniedMessage)
			return
		}
	}
	if trusted {
		method = "trusted_retriever"
		level.Info(d.logger).Log("peer", peer, "username", req.Username, "msg", "Trusted retriever bypass granted")
	}
	d.record(ctx, req, peer, method, true, "")

	d.execute(ctx, ch, req, peer, &cred)
}

// challenge runs the single allowed challenge round.
func (d *Dispatcher) challenge(ch transport.Channel, negotiator *authz.Negotiator) (authz.Proof, bool) {
	challenges, err := negotiator.Challenges()
	if err != nil {
		level.Error(d.logger).Log("err", err, "msg", "Could not build authorization challenge")
		d.sendError(ch, deniedMessage)
		return authz.Proof{}, false
	}
	resp := &protocol.Response{
		Version:   protocol.Version,
		Type:      protocol.AuthorizationResponse,
		AuthzData: challenges,
	}
	if err := d.send(ch, resp); err != nil {
		return authz.Proof{}, false
	}
	reply, err := ch.Recv()
	if err != nil {
		level.Error(d.logger).Log("err", err, "msg", "Connection lost during authorization")
		return authz.Proof{}, false
	}
	proof, err := negotiator.Accept(reply)
	if err != nil {
		level.Error(d.logger).Log("err", err, "msg", "Bad authorization reply")
		d.sendError(ch, deniedMessage)
		return authz.Proof{}, false
	}
	return proof, true
}

func (d *Dispatcher) execute(ctx context.Context, ch transport.Channel, req *protocol.Request, peer string, cred *creds.Credential) {
	switch req.Command {
	case protocol.CmdGet, protocol.CmdRetrieveCert:
		material, lifetime, err := d.service.Retrieve(ctx, req.Username, req.CredName, req.Lifetime)
		if err != nil {
			d.sendError(ch, publicMessage(err))
			return
		}
		first := &protocol.Response{Version: protocol.Version, Type: protocol.OKResponse}
		if req.WantTrustedCerts {
			files, err := d.service.TrustedCerts(ctx)
			if err != nil {
				level.Error(d.logger).Log("err", err, "msg", "Could not load trusted certificate bundle")
			} else {
				first.TrustedCerts = files
			}
		}
		if err := d.send(ch, first); err != nil {
			return
		}
		if err := d.delegator.Delegate(ctx, ch, material, lifetime); err != nil {
			level.Error(d.logger).Log("err", err, "peer", peer, "msg", "Delegation failed")
			return
		}
		d.sendOK(ch)

	case protocol.CmdPut, protocol.CmdStoreCert:
		if err := d.sendOK(ch); err != nil {
			return
		}
		material, err := d.delegator.Accept(ctx, ch)
		if err != nil {
			level.Error(d.logger).Log("err", err, "peer", peer, "msg", "Could not accept credential material")
			d.sendError(ch, "could not accept credential material")
			return
		}
		if err := d.service.Deposit(ctx, peer, req, material); err != nil {
			d.sendError(ch, publicMessage(err))
			return
		}
		d.sendOK(ch)

	case protocol.CmdInfo:
		infos, err := d.service.Info(ctx, peer, req.Username)
		if err != nil {
			d.sendError(ch, publicMessage(err))
			return
		}
		d.send(ch, &protocol.Response{
			Version: protocol.Version,
			Type:    protocol.OKResponse,
			Info:    infos,
		})

	case protocol.CmdDestroy:
		if err := d.service.Destroy(ctx, req.Username, req.CredName); err != nil {
			d.sendError(ch, publicMessage(err))
			return
		}
		d.sendOK(ch)

	case protocol.CmdChangePassphrase:
		if err := d.service.ChangePassphrase(ctx, req.Username, req.CredName, cred.OwnerDN, req.NewPassphrase); err != nil {
			d.sendError(ch, publicMessage(err))
			return
		}
		d.sendOK(ch)
	}
}

func (d *Dispatcher) send(ch transport.Channel, resp *protocol.Response) error {
	token, err := protocol.EncodeResponse(resp)
	if err != nil {
		level.Error(d.logger).Log("err", err, "msg", "Could not encode response")
		return err
	}
	if err := ch.Send(token); err != nil {
		level.Error(d.logger).Log("err", err, "msg", "Could not send response")
		return err
	}
	return nil
}

func (d *Dispatcher) sendOK(ch transport.Channel) error {
	return d.send(ch, &protocol.Response{Version: protocol.Version, Type: protocol.OKResponse})
}

func (d *Dispatcher) sendError(ch transport.Channel, msg string) {
	d.send(ch, &protocol.Response{
		Version: protocol.Version,
		Type:    protocol.ErrorResponse,
		Errors:  []string{msg},
	})
}

func (d *Dispatcher) record(ctx context.Context, req *protocol.Request, peer string, method string, allowed bool, detail string) {
	err := d.recorder.Record(ctx, audit.Event{
		Timestamp: time.Now(),
		Command:   req.Command.String(),
		Username:  req.Username,
		CredName:  req.CredName,
		PeerDN:    peer,
		Method:    method,
		Allowed:   allowed,
		Detail:    detail,
	})
	if err != nil {
		level.Warn(d.logger).Log("err", err, "msg", "Could not record audit event")
	}
}

func methodName(p authz.Proof) string {
	if p.Method == nil {
		return ""
	}
	return p.Method.Name()
}

// publicMessage maps an execution error to the wording the peer may see.
// Authorization and policy failures collapse to one generic message.
func publicMessage(err error) string {
	if errors.Is(err, ErrNotAuthorized) || errors.Is(err, authz.ErrBadProof) {
		return deniedMessage
	}
	switch {
	case errors.Is(err, ErrCredNotFound),
		errors.Is(err, ErrCredExpired),
		errors.Is(err, ErrPassphraseTooShort),
		errors.Is(err, ErrEmptyUsername):
		return err.Error()
	}
	return "internal server error"
}
