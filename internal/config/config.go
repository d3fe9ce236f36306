package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "DRAFTSAFE"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "draftsafe.db"
	defaultLogLevel             = "info"
	defaultAutosaveDelayMs      = 1000
	defaultSnapshotLimit        = 20
	defaultForcedFlushTimeoutMs = 2000
	defaultShutdownTimeoutMs    = 10000
	defaultAuthIssuer           = "draftsafe"
	defaultAuthAudience         = "draftsafe-api"
	defaultTokenTTLMinutes      = 60
)

// Viper keys.
const (
	KeyHTTPAddress          = "http.address"
	KeyDatabasePath         = "database.path"
	KeyLogLevel             = "log.level"
	KeyAutosaveDelayMs      = "autosave.delay_ms"
	KeySnapshotLimit        = "autosave.snapshot_limit"
	KeyForcedFlushTimeoutMs = "autosave.forced_flush_timeout_ms"
	KeyShutdownTimeoutMs    = "server.shutdown_timeout_ms"
	KeyAuthSigningSecret    = "auth.signing_secret"
	KeyAuthIssuer           = "auth.issuer"
	KeyAuthAudience         = "auth.audience"
	KeyAuthTokenTTLMinutes  = "auth.token_ttl_minutes"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	AutosaveDelay      time.Duration
	SnapshotLimit      int
	ForcedFlushTimeout time.Duration
	ShutdownTimeout    time.Duration
	AuthSigningSecret  string
	AuthIssuer         string
	AuthAudience       string
	AuthTokenTTL       time.Duration
}

// AuthEnabled reports whether API requests must carry a bearer token.
func (c AppConfig) AuthEnabled() bool {
	return strings.TrimSpace(c.AuthSigningSecret) != ""
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

	configViper.SetDefault(KeyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(KeyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(KeyLogLevel, defaultLogLevel)
	configViper.SetDefault(KeyAutosaveDelayMs, defaultAutosaveDelayMs)
	configViper.SetDefault(KeySnapshotLimit, defaultSnapshotLimit)
	configViper.SetDefault(KeyForcedFlushTimeoutMs, defaultForcedFlushTimeoutMs)
	configViper.SetDefault(KeyShutdownTimeoutMs, defaultShutdownTimeoutMs)
	configViper.SetDefault(KeyAuthSigningSecret, "")
	configViper.SetDefault(KeyAuthIssuer, defaultAuthIssuer)
	configViper.SetDefault(KeyAuthAudience, defaultAuthAudience)
	configViper.SetDefault(KeyAuthTokenTTLMinutes, defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString(KeyHTTPAddress),
		DatabasePath:       configViper.GetString(KeyDatabasePath),
		LogLevel:           configViper.GetString(KeyLogLevel),
		AutosaveDelay:      time.Duration(configViper.GetInt64(KeyAutosaveDelayMs)) * time.Millisecond,
		SnapshotLimit:      configViper.GetInt(KeySnapshotLimit),
		ForcedFlushTimeout: time.Duration(configViper.GetInt64(KeyForcedFlushTimeoutMs)) * time.Millisecond,
		ShutdownTimeout:    time.Duration(configViper.GetInt64(KeyShutdownTimeoutMs)) * time.Millisecond,
		AuthSigningSecret:  configViper.GetString(KeyAuthSigningSecret),
		AuthIssuer:         configViper.GetString(KeyAuthIssuer),
		AuthAudience:       configViper.GetString(KeyAuthAudience),
		AuthTokenTTL:       time.Duration(configViper.GetInt64(KeyAuthTokenTTLMinutes)) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("%s is required", KeyHTTPAddress)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("%s is required", KeyDatabasePath)
	}
	if c.AutosaveDelay <= 0 {
		return fmt.Errorf("%s must be positive", KeyAutosaveDelayMs)
	}
	if c.SnapshotLimit < 1 {
		return fmt.Errorf("%s must be at least 1", KeySnapshotLimit)
	}
	if c.ForcedFlushTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyForcedFlushTimeoutMs)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyShutdownTimeoutMs)
	}
	if c.AuthEnabled() {
		if strings.TrimSpace(c.AuthIssuer) == "" {
			return fmt.Errorf("%s is required when %s is set", KeyAuthIssuer, KeyAuthSigningSecret)
		}
		if strings.TrimSpace(c.AuthAudience) == "" {
			return fmt.Errorf("%s is required when %s is set", KeyAuthAudience, KeyAuthSigningSecret)
		}
	}
	return nil
}
