package authz

import "crypto/x509"

// Registry holds the authorization methods this server offers, in the
// order they are presented in a challenge.
type Registry struct {
	methods []Method
}

// NewRegistry builds the standard method set. The certificate method is
// offered only when a trust root pool is available.
func NewRegistry(roots *x509.CertPool) *Registry {
	r := &Registry{methods: []Method{Passwd{}}}
	if roots != nil {
		r.methods = append(r.methods, NewCert(roots))
	}
	return r
}

func (r *Registry) Methods() []Method {
	return r.methods
}

func (r *Registry) ByID(id MethodID) (Method, bool) {
	for _, m := range r.methods {
		if m.ID() == id {
			return m, true
		}
	}
	return nil, false
}
