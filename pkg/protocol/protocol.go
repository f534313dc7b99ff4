package protocol

// Version is the protocol version string exchanged in every request and
// response. A mismatch aborts the connection.
const Version = "MYPROXYv2"

const (
	// MaxTokenLen bounds a single wire message. Anything larger is a
	// protocol error, never a truncation.
	MaxTokenLen = 0x100000

	// MaxPassLen bounds the passphrase field regardless of content.
	MaxPassLen = 1024

	// MinPassLen is the shortest passphrase accepted for retrieval.
	// Credentials may be stored with an empty passphrase, but can then
	// only be renewed, not retrieved.
	MinPassLen = 6
)

// Command identifies the operation a client requests. The numeric values
// are wire codes and must not be reordered.
type Command int

const (
	CmdGet Command = iota
	CmdPut
	CmdInfo
	CmdDestroy
	CmdChangePassphrase
	CmdStoreCert
	CmdRetrieveCert
)

func (c Command) String() string {
	switch c {
	case CmdGet:
		return "GET"
	case CmdPut:
		return "PUT"
	case CmdInfo:
		return "INFO"
	case CmdDestroy:
		return "DESTROY"
	case CmdChangePassphrase:
		return "CHANGE_CRED_PASSPHRASE"
	case CmdStoreCert:
		return "STORE_CERT"
	case CmdRetrieveCert:
		return "RETRIEVE_CERT"
	}
	return "UNKNOWN"
}

// Known reports whether c is a command this server understands. Unknown
// commands get an error response, not a connection abort.
func (c Command) Known() bool {
	return c >= CmdGet && c <= CmdRetrieveCert
}

// ResponseType is the server's verdict code.
type ResponseType int

const (
	OKResponse ResponseType = iota
	ErrorResponse
	AuthorizationResponse
)

func (r ResponseType) String() string {
	switch r {
	case OKResponse:
		return "OK"
	case ErrorResponse:
		return "ERROR"
	case AuthorizationResponse:
		return "AUTHORIZATION"
	}
	return "UNKNOWN"
}

// Wire field keys. No key may be a suffix of another.
const (
	fieldVersion           = "VERSION"
	fieldCommand           = "COMMAND"
	fieldUsername          = "USERNAME"
	fieldPassphrase        = "PASSPHRASE"
	fieldNewPassphrase     = "NEW_PHRASE"
	fieldLifetime          = "LIFETIME"
	fieldRetriever         = "RETRIEVER"
	fieldTrustedRetriever  = "RETRIEVER_TRUSTED"
	fieldKeyRetriever      = "KEYRETRIEVERS"
	fieldRenewer           = "RENEWER"
	fieldCredName          = "NAME"
	fieldCredDesc          = "DESC"
	fieldAuthorizationData = "AUTHORIZATION_DATA"
	fieldResponse          = "RESPONSE"
	fieldError             = "ERROR"
	fieldTrustedCerts      = "TRUSTED_CERTS"
	fieldFileDataPrefix    = "FILEDATA_"
	fieldCredOwner         = "CRED_OWNER"
	fieldCredStartTime     = "CRED_START_TIME"
	fieldCredEndTime       = "CRED_END_TIME"
	fieldCredInfoName      = "CRED_NAME"
	fieldCredInfoDesc      = "CRED_DESC"
	fieldAdditionalCreds   = "ADDL_CREDS"
)

// Request is one client command.
type Request struct {
	Version           string
	Command           Command
	Username          string
	Passphrase        string
	NewPassphrase     string
	Lifetime          int // seconds
	Retrievers        string
	TrustedRetrievers string
	KeyRetrievers     string
	Renewers          string
	CredName          string
	CredDesc          string
	WantTrustedCerts  bool
}

// AuthorizationData describes one authorization method offered by the
// server during a challenge round, and later carries the client's proof.
// It is produced fresh per negotiation and never persisted.
type AuthorizationData struct {
	Method     int
	ServerData string
	ClientData []byte
}

// CredInfo is the per-credential metadata returned by INFO.
type CredInfo struct {
	Name        string
	Owner       string
	Description string
	StartTime   int64 // unix seconds, 0 if unknown
	EndTime     int64
}

// TrustedFile is one CA bundle file shipped to clients that asked for
// trusted certificates.
type TrustedFile struct {
	Name string
	Data []byte
}

// Response is one server reply.
type Response struct {
	Version      string
	Type         ResponseType
	Errors       []string
	AuthzData    []AuthorizationData
	Info         []CredInfo
	TrustedCerts []TrustedFile
}

// Error returns the response's error lines joined for human display.
func (r *Response) Error() string {
	out := ""
	for i, e := range r.Errors {
		if i > 0 {
			out += "\n"
		}
		out += e
	}
	return out
}
