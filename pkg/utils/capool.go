package utils

import (
	"crypto/x509"
	"errors"
	"io/ioutil"
)

// CreateCAPool loads a PEM bundle into a certificate pool for client
// certificate verification.
func CreateCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := ioutil.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("no certificates found in " + caFile)
	}
	return pool, nil
}
