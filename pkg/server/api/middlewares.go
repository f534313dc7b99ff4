package api

import (
	"context"
	"time"

	"github.com/gridauth/proxyvault/pkg/creds"
	"github.com/gridauth/proxyvault/pkg/protocol"

	"github.com/go-kit/kit/log"
)

type Middleware func(Service) Service

func LoggingMiddleware(logger log.Logger) Middleware {
	return func(next Service) Service {
		return &loggingMiddleware{
			next:   next,
			logger: logger,
		}
	}
}

type loggingMiddleware struct {
	next   Service
	logger log.Logger
}

func (mw loggingMiddleware) Health(ctx context.Context) (healthy bool) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Health",
			"took", time.Since(begin),
			"healthy", healthy,
		)
	}(time.Now())
	return mw.next.Health(ctx)
}

func (mw loggingMiddleware) Authorize(ctx context.Context, peerDN string, cmd protocol.Command, username string, credname string, renewal bool) (c creds.Credential, trusted bool, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Authorize",
			"peer", peerDN,
			"command", cmd.String(),
			"username", username,
			"credname", credname,
			"renewal", renewal,
			"trusted", trusted,
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.Authorize(ctx, peerDN, cmd, username, credname, renewal)
}

func (mw loggingMiddleware) Retrieve(ctx context.Context, username string, credname string, lifetime int) (material []byte, effective int, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Retrieve",
			"username", username,
			"credname", credname,
			"lifetime", effective,
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.Retrieve(ctx, username, credname, lifetime)
}

func (mw loggingMiddleware) Deposit(ctx context.Context, peerDN string, req *protocol.Request, material []byte) (err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Deposit",
			"peer", peerDN,
			"username", req.Username,
			"credname", req.CredName,
			"bytes", len(material),
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.Deposit(ctx, peerDN, req, material)
}

func (mw loggingMiddleware) Info(ctx context.Context, peerDN string, username string) (out []protocol.CredInfo, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Info",
			"peer", peerDN,
			"username", username,
			"count", len(out),
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.Info(ctx, peerDN, username)
}

func (mw loggingMiddleware) Destroy(ctx context.Context, username string, credname string) (err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Destroy",
			"username", username,
			"credname", credname,
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.Destroy(ctx, username, credname)
}

func (mw loggingMiddleware) ChangePassphrase(ctx context.Context, username string, credname string, ownerDN string, newPassphrase string) (err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "ChangePassphrase",
			"username", username,
			"credname", credname,
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.ChangePassphrase(ctx, username, credname, ownerDN, newPassphrase)
}

func (mw loggingMiddleware) TrustedCerts(ctx context.Context) (files []protocol.TrustedFile, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "TrustedCerts",
			"count", len(files),
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.TrustedCerts(ctx)
}
