package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gridauth/proxyvault/pkg/utils"
)

var (
	ErrMessageTooLarge = errors.New("message exceeds maximum token length")
	ErrMalformedLine   = errors.New("malformed line, expected NAME=value")
	ErrDuplicateField  = errors.New("duplicate field")
	ErrMissingField    = errors.New("required field missing")
	ErrBadNumber       = errors.New("invalid numeric field")
)

// record is one NAME=value line in decode order.
type record struct {
	key   string
	value string
}

// fields that may legally occur more than once in a message.
var repeatable = map[string]bool{
	fieldError:             true,
	fieldAuthorizationData: true,
	fieldCredInfoName:      true,
	fieldCredInfoDesc:      true,
	fieldCredOwner:         true,
	fieldCredStartTime:     true,
	fieldCredEndTime:       true,
}

func parseRecords(data []byte) ([]record, error) {
	if len(data) > MaxTokenLen {
		return nil, ErrMessageTooLarge
	}
	var recs []record
	seen := map[string]bool{}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue // trailing newline variance
		}
		eq := bytes.IndexByte(line, '=')
		if eq < 1 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedLine, string(line))
		}
		key := string(line[:eq])
		if seen[key] && !repeatable[key] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateField, key)
		}
		seen[key] = true
		recs = append(recs, record{key: key, value: string(line[eq+1:])})
	}
	return recs, nil
}

// lookup distinguishes a field that is absent from one present with an
// empty value.
func lookup(recs []record, key string) (string, bool) {
	for _, r := range recs {
		if r.key == key {
			return r.value, true
		}
	}
	return "", false
}

func lookupAll(recs []record, key string) []string {
	var out []string
	for _, r := range recs {
		if r.key == key {
			out = append(out, r.value)
		}
	}
	return out
}

// parseInt is strict decimal: any trailing non-numeric character is a
// decode failure, not a truncation.
func parseInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadNumber, s)
	}
	return n, nil
}

func writeField(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteByte('=')
	buf.WriteString(value)
	buf.WriteByte('\n')
}

// EncodeRequest serializes a request as NAME=value lines.
func EncodeRequest(req *Request) ([]byte, error) {
	if len(req.Passphrase) > MaxPassLen || len(req.NewPassphrase) > MaxPassLen {
		return nil, fmt.Errorf("passphrase longer than %d bytes", MaxPassLen)
	}
	var buf bytes.Buffer
	writeField(&buf, fieldVersion, req.Version)
	writeField(&buf, fieldCommand, strconv.Itoa(int(req.Command)))
	writeField(&buf, fieldUsername, req.Username)
	writeField(&buf, fieldPassphrase, req.Passphrase)
	writeField(&buf, fieldLifetime, strconv.Itoa(req.Lifetime))
	if req.NewPassphrase != "" {
		writeField(&buf, fieldNewPassphrase, req.NewPassphrase)
	}
	if req.Retrievers != "" {
		writeField(&buf, fieldRetriever, req.Retrievers)
	}
	if req.TrustedRetrievers != "" {
		writeField(&buf, fieldTrustedRetriever, req.TrustedRetrievers)
	}
	if req.KeyRetrievers != "" {
		writeField(&buf, fieldKeyRetriever, req.KeyRetrievers)
	}
	if req.Renewers != "" {
		writeField(&buf, fieldRenewer, req.Renewers)
	}
	if req.CredName != "" {
		writeField(&buf, fieldCredName, req.CredName)
	}
	if req.CredDesc != "" {
		writeField(&buf, fieldCredDesc, req.CredDesc)
	}
	if req.WantTrustedCerts {
		writeField(&buf, fieldTrustedCerts, "1")
	}
	if buf.Len() > MaxTokenLen {
		return nil, ErrMessageTooLarge
	}
	return buf.Bytes(), nil
}

// DecodeRequest parses a request message. Unknown keys are ignored; the
// strictness lives in the required fields and numeric parsing.
func DecodeRequest(data []byte) (*Request, error) {
	recs, err := parseRecords(data)
	if err != nil {
		return nil, err
	}

	req := &Request{}

	version, ok := lookup(recs, fieldVersion)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, fieldVersion)
	}
	req.Version = version

	command, ok := lookup(recs, fieldCommand)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, fieldCommand)
	}
	cmd, err := parseInt(command)
	if err != nil {
		return nil, err
	}
	req.Command = Command(cmd)

	username, ok := lookup(recs, fieldUsername)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, fieldUsername)
	}
	req.Username = username

	passphrase, ok := lookup(recs, fieldPassphrase)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, fieldPassphrase)
	}
	if len(passphrase) > MaxPassLen {
		passphrase = passphrase[:MaxPassLen]
	}
	req.Passphrase = passphrase

	if lifetime, ok := lookup(recs, fieldLifetime); ok {
		req.Lifetime, err = parseInt(lifetime)
		if err != nil {
			return nil, err
		}
	}
	if v, ok := lookup(recs, fieldNewPassphrase); ok {
		if len(v) > MaxPassLen {
			v = v[:MaxPassLen]
		}
		req.NewPassphrase = v
	}
	req.Retrievers, _ = lookup(recs, fieldRetriever)
	req.TrustedRetrievers, _ = lookup(recs, fieldTrustedRetriever)
	req.KeyRetrievers, _ = lookup(recs, fieldKeyRetriever)
	req.Renewers, _ = lookup(recs, fieldRenewer)
	req.CredName, _ = lookup(recs, fieldCredName)
	req.CredDesc, _ = lookup(recs, fieldCredDesc)
	if v, ok := lookup(recs, fieldTrustedCerts); ok && v != "0" && v != "" {
		req.WantTrustedCerts = true
	}
	return req, nil
}

// EncodeResponse serializes a response message.
func EncodeResponse(resp *Response) ([]byte, error) {
	var buf bytes.Buffer
	writeField(&buf, fieldVersion, resp.Version)
	writeField(&buf, fieldResponse, strconv.Itoa(int(resp.Type)))
	for _, e := range resp.Errors {
		writeField(&buf, fieldError, e)
	}
	for _, ad := range resp.AuthzData {
		writeField(&buf, fieldAuthorizationData,
			strconv.Itoa(ad.Method)+":"+ad.ServerData)
	}
	// The unnamed default credential leads; named ones follow as
	// CRED_NAME-introduced blocks listed in ADDL_CREDS.
	for _, ci := range resp.Info {
		if ci.Name != "" {
			continue
		}
		writeField(&buf, fieldCredOwner, ci.Owner)
		writeField(&buf, fieldCredStartTime, strconv.FormatInt(ci.StartTime, 10))
		writeField(&buf, fieldCredEndTime, strconv.FormatInt(ci.EndTime, 10))
		if ci.Description != "" {
			writeField(&buf, fieldCredInfoDesc, ci.Description)
		}
		if names := additionalNames(resp.Info); names != "" {
			writeField(&buf, fieldAdditionalCreds, names)
		}
		break
	}
	for _, ci := range resp.Info {
		if ci.Name == "" {
			continue
		}
		writeField(&buf, fieldCredInfoName, ci.Name)
		writeField(&buf, fieldCredOwner, ci.Owner)
		writeField(&buf, fieldCredStartTime, strconv.FormatInt(ci.StartTime, 10))
		writeField(&buf, fieldCredEndTime, strconv.FormatInt(ci.EndTime, 10))
		if ci.Description != "" {
			writeField(&buf, fieldCredInfoDesc, ci.Description)
		}
	}
	if len(resp.TrustedCerts) > 0 {
		names := make([]string, 0, len(resp.TrustedCerts))
		for _, tf := range resp.TrustedCerts {
			names = append(names, tf.Name)
		}
		writeField(&buf, fieldTrustedCerts, strings.Join(names, ","))
		for _, tf := range resp.TrustedCerts {
			writeField(&buf, fieldFileDataPrefix+tf.Name, utils.EncodeB64(string(tf.Data)))
		}
	}
	if buf.Len() > MaxTokenLen {
		return nil, ErrMessageTooLarge
	}
	return buf.Bytes(), nil
}

func additionalNames(info []CredInfo) string {
	var names []string
	for _, ci := range info {
		if ci.Name != "" {
			names = append(names, ci.Name)
		}
	}
	return strings.Join(names, ",")
}

// DecodeResponse parses a response message.
func DecodeResponse(data []byte) (*Response, error) {
	recs, err := parseRecords(data)
	if err != nil {
		return nil, err
	}

	resp := &Response{}

	version, ok := lookup(recs, fieldVersion)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, fieldVersion)
	}
	resp.Version = version

	code, ok := lookup(recs, fieldResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, fieldResponse)
	}
	n, err := parseInt(code)
	if err != nil {
		return nil, err
	}
	resp.Type = ResponseType(n)

	resp.Errors = lookupAll(recs, fieldError)

	for _, v := range lookupAll(recs, fieldAuthorizationData) {
		colon := strings.IndexByte(v, ':')
		if colon < 1 {
			return nil, fmt.Errorf("%w: %s=%q", ErrMalformedLine, fieldAuthorizationData, v)
		}
		method, err := parseInt(v[:colon])
		if err != nil {
			return nil, err
		}
		resp.AuthzData = append(resp.AuthzData, AuthorizationData{
			Method:     method,
			ServerData: v[colon+1:],
		})
	}

	if err := decodeInfo(recs, resp); err != nil {
		return nil, err
	}

	if names, ok := lookup(recs, fieldTrustedCerts); ok && names != "" {
		for _, name := range strings.Split(names, ",") {
			raw, ok := lookup(recs, fieldFileDataPrefix+name)
			if !ok {
				return nil, fmt.Errorf("%w: %s%s", ErrMissingField, fieldFileDataPrefix, name)
			}
			decoded, err := utils.DecodeB64(raw)
			if err != nil {
				return nil, fmt.Errorf("decoding %s%s: %v", fieldFileDataPrefix, name, err)
			}
			resp.TrustedCerts = append(resp.TrustedCerts, TrustedFile{
				Name: name,
				Data: []byte(decoded),
			})
		}
	}
	return resp, nil
}

// decodeInfo reassembles the per-credential blocks. The default
// credential's block precedes the first CRED_NAME record; each CRED_NAME
// starts a named block.
func decodeInfo(recs []record, resp *Response) error {
	var cur *CredInfo
	started := false
	for _, r := range recs {
		switch r.key {
		case fieldCredOwner:
			if !started {
				resp.Info = append(resp.Info, CredInfo{})
				cur = &resp.Info[len(resp.Info)-1]
				started = true
			}
			cur.Owner = r.value
		case fieldCredInfoName:
			resp.Info = append(resp.Info, CredInfo{Name: r.value})
			cur = &resp.Info[len(resp.Info)-1]
			started = true
		case fieldCredStartTime:
			if cur == nil {
				return fmt.Errorf("%w: %s before %s", ErrMalformedLine, r.key, fieldCredOwner)
			}
			n, err := strconv.ParseInt(r.value, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: %q", ErrBadNumber, r.value)
			}
			cur.StartTime = n
		case fieldCredEndTime:
			if cur == nil {
				return fmt.Errorf("%w: %s before %s", ErrMalformedLine, r.key, fieldCredOwner)
			}
			n, err := strconv.ParseInt(r.value, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: %q", ErrBadNumber, r.value)
			}
			cur.EndTime = n
		case fieldCredInfoDesc:
			if cur == nil {
				return fmt.Errorf("%w: %s before %s", ErrMalformedLine, r.key, fieldCredOwner)
			}
			cur.Description = r.value
		}
	}
	return nil
}
