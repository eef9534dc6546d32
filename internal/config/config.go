package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "CORATES"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "corates.db"
	defaultBadgerPath    = "corates-actors"
	defaultLogLevel      = "info"
	defaultCookieName    = "app_session"
	defaultSessionIssuer = "corates-web"
	defaultTokenIssuer   = "corates-api"
	defaultTokenAudience = "corates-realtime"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	TokenIssuer          string
	TokenAudience        string
	InternalSharedSecret string
	DatabasePath         string
	BadgerPath           string
	BadgerInMemory       bool
	LogLevel             string
	AllowedOrigins       []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("badger.path", defaultBadgerPath)
	configViper.SetDefault("badger.in_memory", false)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("token.issuer", defaultTokenIssuer)
	configViper.SetDefault("token.audience", defaultTokenAudience)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		TokenIssuer:          configViper.GetString("token.issuer"),
		TokenAudience:        configViper.GetString("token.audience"),
		InternalSharedSecret: configViper.GetString("internal.shared_secret"),
		DatabasePath:         configViper.GetString("database.path"),
		BadgerPath:           configViper.GetString("badger.path"),
		BadgerInMemory:       configViper.GetBool("badger.in_memory"),
		LogLevel:             configViper.GetString("log.level"),
		AllowedOrigins:       configViper.GetStringSlice("http.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.InternalSharedSecret) == "" {
		return fmt.Errorf("internal.shared_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.BadgerPath) == "" && !c.BadgerInMemory {
		return fmt.Errorf("badger.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	return nil
}
