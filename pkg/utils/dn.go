package utils

import (
	"crypto/x509/pkix"
	"fmt"
)

var dnShortNames = map[string]string{
	"2.5.4.3":                    "CN",
	"2.5.4.6":                    "C",
	"2.5.4.7":                    "L",
	"2.5.4.8":                    "ST",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"1.2.840.113549.1.9.1":       "emailAddress",
	"0.9.2342.19200300.100.1.1":  "UID",
	"0.9.2342.19200300.100.1.25": "DC",
}

// DNFromName renders a certificate subject in the slash-separated
// one-line form grid policies are written against, for example
// "/C=ES/O=Grid/CN=alice". Attribute order is preserved as it appears
// in the certificate.
func DNFromName(name pkix.Name) string {
	dn := ""
	for _, atv := range name.Names {
		key, ok := dnShortNames[atv.Type.String()]
		if !ok {
			key = atv.Type.String()
		}
		dn += fmt.Sprintf("/%s=%v", key, atv.Value)
	}
	return dn
}
