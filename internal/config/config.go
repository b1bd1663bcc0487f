package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "COLLAB"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "collab.db"
	defaultLogLevel     = "info"

	defaultDebounceMillis    = 50
	defaultHeartbeatMillis   = 5000
	defaultActivityGraceMs   = 1000
	defaultSweepIntervalSecs = 60
	defaultTokenTTLMinutes   = 30
)

// AppConfig captures runtime configuration for the collaboration API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenTTL      time.Duration

	DebounceWindow    time.Duration
	HeartbeatInterval time.Duration
	ActivityGrace     time.Duration
	SweepInterval     time.Duration
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
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("presence.debounce_ms", defaultDebounceMillis)
	configViper.SetDefault("presence.heartbeat_ms", defaultHeartbeatMillis)
	configViper.SetDefault("presence.activity_grace_ms", defaultActivityGraceMs)
	configViper.SetDefault("presence.sweep_interval_s", defaultSweepIntervalSecs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		DebounceWindow:    time.Duration(configViper.GetInt("presence.debounce_ms")) * time.Millisecond,
		HeartbeatInterval: time.Duration(configViper.GetInt("presence.heartbeat_ms")) * time.Millisecond,
		ActivityGrace:     time.Duration(configViper.GetInt("presence.activity_grace_ms")) * time.Millisecond,
		SweepInterval:     time.Duration(configViper.GetInt("presence.sweep_interval_s")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("presence.debounce_ms must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("presence.heartbeat_ms must be positive")
	}
	if c.ActivityGrace <= 0 {
		return fmt.Errorf("presence.activity_grace_ms must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("presence.sweep_interval_s must be positive")
	}
	return nil
}
