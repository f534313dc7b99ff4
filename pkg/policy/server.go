package policy

import (
	"errors"
	"io/ioutil"

	"gopkg.in/yaml.v2"
)

// ServerPolicy is the server-wide trust configuration, loaded from a YAML
// file at startup. Storage commands always require a non-empty
// accepted_credentials list; the remaining lists default to deny when
// absent except where command semantics say otherwise.
type ServerPolicy struct {
	AcceptedCredentials     List `yaml:"accepted_credentials"`
	AuthorizedRetrievers    List `yaml:"authorized_retrievers"`
	DefaultRetrievers       List `yaml:"default_retrievers"`
	AuthorizedRenewers      List `yaml:"authorized_renewers"`
	DefaultRenewers         List `yaml:"default_renewers"`
	AuthorizedKeyRetrievers List `yaml:"authorized_key_retrievers"`
	DefaultKeyRetrievers    List `yaml:"default_key_retrievers"`
	TrustedRetrievers       List `yaml:"trusted_retrievers"`

	// MaxProxyLifetime caps every delegation, in seconds. Zero means no
	// server-wide ceiling.
	MaxProxyLifetime int `yaml:"max_proxy_lifetime"`

	// MinPassphraseLength overrides the protocol default when positive.
	MinPassphraseLength int `yaml:"min_passphrase_length"`
}

var ErrNoAcceptedCredentials = errors.New("policy file configures no accepted_credentials")

// Load reads and validates a server policy file.
func Load(path string) (*ServerPolicy, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse validates a server policy document.
func Parse(raw []byte) (*ServerPolicy, error) {
	var sp ServerPolicy
	if err := yaml.UnmarshalStrict(raw, &sp); err != nil {
		return nil, err
	}
	if sp.AcceptedCredentials.Empty() {
		return nil, ErrNoAcceptedCredentials
	}
	return &sp, nil
}
