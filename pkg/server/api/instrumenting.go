package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gridauth/proxyvault/pkg/creds"
	"github.com/gridauth/proxyvault/pkg/protocol"

	"github.com/go-kit/kit/metrics"
)

func NewInstrumentingMiddleware(counter metrics.Counter, latency metrics.Histogram) Middleware {
	return func(next Service) Service {
		return &instrumentingMiddleware{
			requestCount:   counter,
			requestLatency: latency,
			next:           next,
		}
	}
}

type instrumentingMiddleware struct {
	requestCount   metrics.Counter
	requestLatency metrics.Histogram
	next           Service
}

func (mw *instrumentingMiddleware) observe(method string, begin time.Time, err error) {
	lvs := []string{"method", method, "error", fmt.Sprint(err != nil)}
	mw.requestCount.With(lvs...).Add(1)
	mw.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
}

func (mw *instrumentingMiddleware) Health(ctx context.Context) bool {
	defer mw.observe("Health", time.Now(), nil)
	return mw.next.Health(ctx)
}

func (mw *instrumentingMiddleware) Authorize(ctx context.Context, peerDN string, cmd protocol.Command, username string, credname string, renewal bool) (c creds.Credential, trusted bool, err error) {
	defer func(begin time.Time) {
		mw.observe("Authorize", begin, err)
	}(time.Now())
	return mw.next.Authorize(ctx, peerDN, cmd, username, credname, renewal)
}

func (mw *instrumentingMiddleware) Retrieve(ctx context.Context, username string, credname string, lifetime int) (material []byte, effective int, err error) {
	defer func(begin time.Time) {
		mw.observe("Retrieve", begin, err)
	}(time.Now())
	return mw.next.Retrieve(ctx, username, credname, lifetime)
}

func (mw *instrumentingMiddleware) Deposit(ctx context.Context, peerDN string, req *protocol.Request, material []byte) (err error) {
	defer func(begin time.Time) {
		mw.observe("Deposit", begin, err)
	}(time.Now())
	return mw.next.Deposit(ctx, peerDN, req, material)
}

func (mw *instrumentingMiddleware) Info(ctx context.Context, peerDN string, username string) (out []protocol.CredInfo, err error) {
	defer func(begin time.Time) {
		mw.observe("Info", begin, err)
	}(time.Now())
	return mw.next.Info(ctx, peerDN, username)
}

func (mw *instrumentingMiddleware) Destroy(ctx context.Context, username string, credname string) (err error) {
	defer func(begin time.Time) {
		mw.observe("Destroy", begin, err)
	}(time.Now())
	return mw.next.Destroy(ctx, username, credname)
}

func (mw *instrumentingMiddleware) ChangePassphrase(ctx context.Context, username string, credname string, ownerDN string, newPassphrase string) (err error) {
	defer func(begin time.Time) {
		mw.observe("ChangePassphrase", begin, err)
	}(time.Now())
	return mw.next.ChangePassphrase(ctx, username, credname, ownerDN, newPassphrase)
}

func (mw *instrumentingMiddleware) TrustedCerts(ctx context.Context) (files []protocol.TrustedFile, err error) {
	defer func(begin time.Time) {
		mw.observe("TrustedCerts", begin, err)
	}(time.Now())
	return mw.next.TrustedCerts(ctx)
}
