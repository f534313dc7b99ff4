package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gridauth/proxyvault/pkg/auth"

	"github.com/gorilla/mux"

	stdjwt "github.com/golang-jwt/jwt/v4"
	"github.com/go-kit/kit/auth/jwt"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/tracing/opentracing"
	"github.com/go-kit/kit/transport"
	httptransport "github.com/go-kit/kit/transport/http"

	stdopentracing "github.com/opentracing/opentracing-go"
)

var ErrBadRouting = errors.New("bad routing")

type errorer interface {
	error() error
}

func HTTPToContext(logger log.Logger) httptransport.RequestFunc {
	return func(ctx context.Context, req *http.Request) context.Context {
		// Try to join to a trace propagated in `req`.
		uberTraceId := req.Header.Values("Uber-Trace-Id")
		if uberTraceId != nil {
			logger = log.With(logger, "span_id", uberTraceId)
		} else {
			span := stdopentracing.SpanFromContext(ctx)
			logger = log.With(logger, "span_id", span)
		}
		return context.WithValue(ctx, "ProxyvaultLogger", logger)
	}
}

// MakeHTTPHandler exposes the administration API: health, credential
// listing, and credential removal. All routes except health require a
// verified bearer token.
func MakeHTTPHandler(s Service, logger log.Logger, a auth.Auth, otTracer stdopentracing.Tracer) http.Handler {
	r := mux.NewRouter()
	e := MakeServerEndpoints(s, otTracer)
	options := []httptransport.ServerOption{
		httptransport.ServerErrorHandler(transport.NewLogErrorHandler(logger)),
		httptransport.ServerErrorEncoder(encodeError),
		httptransport.ServerBefore(jwt.HTTPToContext()),
	}

	r.Methods("GET").Path("/v1/health").Handler(httptransport.NewServer(
		e.HealthEndpoint,
		decodeHealthRequest,
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "Health", logger)),
			httptransport.ServerBefore(HTTPToContext(logger)),
		)...,
	))

	r.Methods("GET").Path("/v1/credentials/{username}").Handler(httptransport.NewServer(
		jwt.NewParser(a.Kf, stdjwt.SigningMethodRS256, a.KeycloakClaimsFactory)(e.GetCredentialsEndpoint),
		decodeGetCredentialsRequest,
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "GetCredentials", logger)),
			httptransport.ServerBefore(HTTPToContext(logger)),
		)...,
	))

	r.Methods("DELETE").Path("/v1/credentials/{username}").Handler(httptransport.NewServer(
		jwt.NewParser(a.Kf, stdjwt.SigningMethodRS256, a.KeycloakClaimsFactory)(e.DeleteCredentialEndpoint),
		decodeDeleteCredentialRequest,
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "DeleteCredential", logger)),
			httptransport.ServerBefore(HTTPToContext(logger)),
		)...,
	))

	return r
}

func decodeHealthRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	var req healthRequest
	return req, nil
}

func decodeGetCredentialsRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	vars := mux.Vars(r)
	username, ok := vars["username"]
	if !ok {
		return nil, ErrBadRouting
	}
	return getCredentialsRequest{
		Username: username,
		Owner:    r.URL.Query().Get("owner"),
	}, nil
}

func decodeDeleteCredentialRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	vars := mux.Vars(r)
	username, ok := vars["username"]
	if !ok {
		return nil, ErrBadRouting
	}
	return deleteCredentialRequest{
		Username: username,
		CredName: r.URL.Query().Get("credname"),
	}, nil
}

func encodeResponse(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	if e, ok := response.(errorer); ok && e.error() != nil {
		// Not a Go kit transport error, but a business-logic error.
		// Provide those as HTTP errors.
		encodeError(ctx, e.error(), w)
		return nil
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	return json.NewEncoder(w).Encode(response)
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	if err == nil {
		panic("encodeError with nil error")
	}
	http.Error(w, err.Error(), codeFrom(err))
}

func codeFrom(err error) int {
	switch err {
	case ErrBadRouting, ErrEmptyUsername:
		return http.StatusBadRequest
	case ErrCredNotFound:
		return http.StatusNotFound
	case ErrNotAuthorized:
		return http.StatusForbidden
	case jwt.ErrTokenExpired, jwt.ErrTokenInvalid, jwt.ErrTokenMalformed, jwt.ErrTokenNotActive, jwt.ErrTokenContextMissing, jwt.ErrUnexpectedSigningMethod:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
