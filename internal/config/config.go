package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "MARQUE"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "marque.db"
	defaultLogLevel     = "info"
	defaultJWKSURL      = "https://www.googleapis.com/oauth2/v3/certs"
	defaultTokenTTLMin  = 30
	defaultAPIBaseURL   = "http://127.0.0.1:8080"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	AuthSigningKey  string
	GoogleClientID  string
	GoogleJWKSURL   string
	TokenTTLMinutes int
	AllowedOrigins  []string
}

// WatchConfig captures runtime configuration for the watch client.
type WatchConfig struct {
	APIBaseURL string
	LogLevel   string
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("google.jwks_url", defaultJWKSURL)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("cors.allowed_origins", []string{})
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		AuthSigningKey:  configViper.GetString("auth.signing_secret"),
		GoogleClientID:  configViper.GetString("google.client_id"),
		GoogleJWKSURL:   configViper.GetString("google.jwks_url"),
		TokenTTLMinutes: configViper.GetInt("token.ttl_minutes"),
		AllowedOrigins:  configViper.GetStringSlice("cors.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadWatch parses watch-client configuration from viper.
func LoadWatch(configViper *viper.Viper) (WatchConfig, error) {
	cfg := WatchConfig{
		APIBaseURL: configViper.GetString("api.base_url"),
		LogLevel:   configViper.GetString("log.level"),
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return WatchConfig{}, fmt.Errorf("api.base_url is required")
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.GoogleClientID) == "" {
		return fmt.Errorf("google.client_id is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTLMinutes <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	return nil
}
