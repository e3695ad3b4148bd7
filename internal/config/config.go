package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "DONORLEDGER"
	defaultEnvironment       = "production"
	defaultHTTPAddress       = "127.0.0.1:8085"
	defaultStoreDriver       = "sqlite"
	defaultStorePath         = "donorledger.db"
	defaultLogLevel          = "info"
	defaultTokenTTLMinutes   = 7 * 24 * 60
	defaultPasswordCost      = 10
	defaultPollInterval      = 500 * time.Millisecond
	defaultRemoteTimeout     = 5 * time.Second
	defaultRemoteMaxAttempts = 5
	defaultRemoteQueueSize   = 64
)

// AppConfig captures runtime configuration for the ledger process.
type AppConfig struct {
	Environment       string
	HTTPAddress       string
	StoreDriver       string
	StorePath         string
	LogLevel          string
	IdentitySecret    string
	SigningSecret     string
	TokenTTL          time.Duration
	AllowRejoin       bool
	PasswordCost      int
	PollInterval      time.Duration
	RemoteEnabled     bool
	RemoteBaseURL     string
	RemoteAllowLocal  bool
	RemoteTimeout     time.Duration
	RemoteMaxAttempts int
	RemoteQueueSize   int
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

	configViper.SetDefault("environment", defaultEnvironment)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("store.path", defaultStorePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("accounts.allow_rejoin", true)
	configViper.SetDefault("accounts.password_cost", defaultPasswordCost)
	configViper.SetDefault("monitor.poll_interval", defaultPollInterval)
	configViper.SetDefault("remote.enabled", false)
	configViper.SetDefault("remote.base_url", "")
	configViper.SetDefault("remote.allow_local", false)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("remote.max_attempts", defaultRemoteMaxAttempts)
	configViper.SetDefault("remote.queue_size", defaultRemoteQueueSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		Environment:       strings.ToLower(strings.TrimSpace(configViper.GetString("environment"))),
		HTTPAddress:       configViper.GetString("http.address"),
		StoreDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
		StorePath:         configViper.GetString("store.path"),
		LogLevel:          configViper.GetString("log.level"),
		IdentitySecret:    configViper.GetString("identity.secret"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		AllowRejoin:       configViper.GetBool("accounts.allow_rejoin"),
		PasswordCost:      configViper.GetInt("accounts.password_cost"),
		PollInterval:      configViper.GetDuration("monitor.poll_interval"),
		RemoteEnabled:     configViper.GetBool("remote.enabled"),
		RemoteBaseURL:     strings.TrimSpace(configViper.GetString("remote.base_url")),
		RemoteAllowLocal:  configViper.GetBool("remote.allow_local"),
		RemoteTimeout:     configViper.GetDuration("remote.timeout"),
		RemoteMaxAttempts: configViper.GetInt("remote.max_attempts"),
		RemoteQueueSize:   configViper.GetInt("remote.queue_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.IdentitySecret) == "" {
		return fmt.Errorf("identity.secret is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.StoreDriver != "memory" && strings.TrimSpace(c.StorePath) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("monitor.poll_interval must not be negative")
	}
	if c.RemoteEnabled && c.RemoteBaseURL == "" {
		return fmt.Errorf("remote.base_url is required when remote.enabled is set")
	}
	return nil
}
