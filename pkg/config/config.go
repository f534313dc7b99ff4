package config

import "github.com/kelseyhightower/envconfig"

type Config struct {
	Port      string
	AdminPort string

	CertFile   string
	KeyFile    string
	CACertFile string

	StorageDir      string
	TrustedCertsDir string
	PolicyFile      string

	AuditDB          bool
	PostgresUser     string
	PostgresDB       string
	PostgresPassword string
	PostgresHostname string
	PostgresPort     string

	KeycloakHostname string
	KeycloakPort     string
	KeycloakProtocol string
	KeycloakRealm    string

	OpenapiEnableSecuritySchema     bool
	OpenapiSecurityOidcWellKnownUrl string
}

func NewConfig(prefix string) (error, Config) {
	var cfg Config
	err := envconfig.Process(prefix, &cfg)
	if err != nil {
		return err, Config{}
	}
	return nil, cfg
}
