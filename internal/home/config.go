package home

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default listening ports.  The DNS port is unprivileged by default so that
// the server runs without capabilities; operators redirect port 53 or
// change the setting.
const (
	defaultDNSPort uint16 = 5353
	defaultAPIPort uint16 = 8080
)

// dnsConfig is the dns section of the configuration file.
type dnsConfig struct {
	Bind               string   `yaml:"bind"`
	Upstreams          []string `yaml:"upstreams"`
	AllowedClients     []string `yaml:"allowed_clients"`
	DisallowedClients  []string `yaml:"disallowed_clients"`
	Port               uint16   `yaml:"port"`
	BlockedResponseTTL uint32   `yaml:"blocked_response_ttl"`
	DoHEnabled         bool     `yaml:"doh_enabled"`
	DoTEnabled         bool     `yaml:"dot_enabled"`
}

// apiConfig is the api section of the configuration file.
type apiConfig struct {
	Bind               string   `yaml:"bind"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	Port               uint16   `yaml:"port"`
}

// databaseConfig is the database section of the configuration file.
type databaseConfig struct {
	Path                  string `yaml:"path"`
	QueryLogRetentionDays uint   `yaml:"query_log_retention_days"`
}

// authConfig is the auth section of the configuration file.  It is parsed
// here and handed to the management plane; the DNS path does not use it.
type authConfig struct {
	JWTSecret      string `yaml:"jwt_secret"`
	JWTExpiryHours uint   `yaml:"jwt_expiry_hours"`
}

// loggingConfig is the logging section of the configuration file.
type loggingConfig struct {
	File    string `yaml:"file"`
	Verbose bool   `yaml:"verbose"`
}

// configuration is the whole configuration file.
type configuration struct {
	DNS      dnsConfig      `yaml:"dns"`
	API      apiConfig      `yaml:"api"`
	Database databaseConfig `yaml:"database"`
	Auth     authConfig     `yaml:"auth"`
	Logging  loggingConfig  `yaml:"logging"`
}

// defaultConfig returns the configuration used when no file is given.
func defaultConfig() (conf *configuration) {
	return &configuration{
		DNS: dnsConfig{
			Bind:       "0.0.0.0",
			Port:       defaultDNSPort,
			DoHEnabled: true,
		},
		API: apiConfig{
			Bind: "0.0.0.0",
			Port: defaultAPIPort,
		},
		Database: databaseConfig{
			Path:                  "entdns.db",
			QueryLogRetentionDays: 30,
		},
	}
}

// loadConfig reads the configuration from path, applying defaults for
// absent values.
func loadConfig(path string) (conf *configuration, err error) {
	conf = defaultConfig()
	if path == "" {
		return conf, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err = yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if conf.DNS.Port == 0 {
		conf.DNS.Port = defaultDNSPort
	}
	if conf.API.Port == 0 {
		conf.API.Port = defaultAPIPort
	}
	if conf.Database.Path == "" {
		conf.Database.Path = "entdns.db"
	}

	return conf, nil
}
