package api

import (
	"context"

	"github.com/gridauth/proxyvault/pkg/protocol"

	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/tracing/opentracing"
	stdopentracing "github.com/opentracing/opentracing-go"
)

type Endpoints struct {
	HealthEndpoint           endpoint.Endpoint
	GetCredentialsEndpoint   endpoint.Endpoint
	DeleteCredentialEndpoint endpoint.Endpoint
}

func MakeServerEndpoints(s Service, otTracer stdopentracing.Tracer) Endpoints {
	var healthEndpoint endpoint.Endpoint
	{
		healthEndpoint = MakeHealthEndpoint(s)
		healthEndpoint = opentracing.TraceServer(otTracer, "Health")(healthEndpoint)
	}
	var getCredentialsEndpoint endpoint.Endpoint
	{
		getCredentialsEndpoint = MakeGetCredentialsEndpoint(s)
		getCredentialsEndpoint = opentracing.TraceServer(otTracer, "GetCredentials")(getCredentialsEndpoint)
	}
	var deleteCredentialEndpoint endpoint.Endpoint
	{
		deleteCredentialEndpoint = MakeDeleteCredentialEndpoint(s)
		deleteCredentialEndpoint = opentracing.TraceServer(otTracer, "DeleteCredential")(deleteCredentialEndpoint)
	}
	return Endpoints{
		HealthEndpoint:           healthEndpoint,
		GetCredentialsEndpoint:   getCredentialsEndpoint,
		DeleteCredentialEndpoint: deleteCredentialEndpoint,
	}
}

func MakeHealthEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		healthy := s.Health(ctx)
		return healthResponse{Healthy: healthy}, nil
	}
}

func MakeGetCredentialsEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(getCredentialsRequest)
		info, e := s.Info(ctx, req.Owner, req.Username)
		return getCredentialsResponse{Credentials: info, Err: e}, nil
	}
}

func MakeDeleteCredentialEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(deleteCredentialRequest)
		e := s.Destroy(ctx, req.Username, req.CredName)
		return deleteCredentialResponse{Err: e}, nil
	}
}

type healthRequest struct{}

type healthResponse struct {
	Healthy bool  `json:"healthy,omitempty"`
	Err     error `json:"err,omitempty"`
}

type getCredentialsRequest struct {
	Username string
	Owner    string
}

type getCredentialsResponse struct {
	Credentials []protocol.CredInfo `json:"credentials,omitempty"`
	Err         error               `json:"err,omitempty"`
}

func (r getCredentialsResponse) error() error { return r.Err }

type deleteCredentialRequest struct {
	Username string
	CredName string
}

type deleteCredentialResponse struct {
	Err error `json:"err,omitempty"`
}

func (r deleteCredentialResponse) error() error { return r.Err }
