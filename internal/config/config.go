package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the AMP node runtime parameters.
type Config struct {
	HTTPAddress         string            `mapstructure:"http_address"`
	AdminAddress        string            `mapstructure:"admin_address"`
	LogLevel            string            `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration     `mapstructure:"shutdown_grace_period"`
	DataDir             string            `mapstructure:"data_dir"`
	Provider            ProviderConfig    `mapstructure:"provider"`
	Host                HostConfig        `mapstructure:"host"`
	Keystore            KeystoreConfig    `mapstructure:"keystore"`
	Relay               RelayConfig       `mapstructure:"relay"`
	Replay              ReplayConfig      `mapstructure:"replay"`
	RateLimit           RateLimitConfig   `mapstructure:"rate_limit"`
	Delivery            DeliveryConfig    `mapstructure:"delivery"`
	Propagation         PropagationConfig `mapstructure:"propagation"`
	Agents              []AgentConfig     `mapstructure:"agents"`
}

// ProviderConfig identifies which addresses route locally.
type ProviderConfig struct {
	Name          string   `mapstructure:"name"`
	LocalSuffixes []string `mapstructure:"local_suffixes"`
}

// HostConfig describes this host's federation identity.
type HostConfig struct {
	ID          string   `mapstructure:"id"`
	Name        string   `mapstructure:"name"`
	URL         string   `mapstructure:"url"`
	Description string   `mapstructure:"description"`
	Aliases     []string `mapstructure:"aliases"`
	Tailscale   bool     `mapstructure:"tailscale"`
}

// KeystoreConfig describes how the keystore backend is initialized.
type KeystoreConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// RelayConfig bounds how long queued messages wait for pickup.
type RelayConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ReplayConfig bounds the federated-message replay window.
type ReplayConfig struct {
	Window        time.Duration `mapstructure:"window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RateLimitConfig caps inbound federation traffic per provider.
type RateLimitConfig struct {
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"max_requests"`
}

// DeliveryConfig bounds local delivery attempts.
type DeliveryConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// PropagationConfig bounds peer-registration fan-out.
type PropagationConfig struct {
	MaxDepth    int           `mapstructure:"max_depth"`
	Window      time.Duration `mapstructure:"window"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// AgentConfig seeds a locally known agent with its bearer token.
type AgentConfig struct {
	ID          string   `mapstructure:"id"`
	Name        string   `mapstructure:"name"`
	SessionName string   `mapstructure:"session_name"`
	Aliases     []string `mapstructure:"aliases"`
	Token       string   `mapstructure:"token"`
}

const (
	defaultHTTPAddress         = "0.0.0.0:8787"
	defaultAdminAddress        = "127.0.0.1:9787"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultDataDir             = "data"
	defaultProviderName        = "aimaestro.local"
	defaultPassphraseEnv       = "AMP_KEYSTORE_PASSPHRASE"
	defaultKeystorePath        = "data/keystore.json"
	defaultRelayTTL            = 72 * time.Hour
	defaultRelaySweep          = time.Hour
	defaultReplayWindow        = 24 * time.Hour
	defaultReplaySweep         = time.Hour
	defaultRateWindow          = 60 * time.Second
	defaultRateMax             = 120
	defaultDeliveryTimeout     = 5 * time.Second
	defaultPropagationDepth    = 3
	defaultPropagationWindow   = 24 * time.Hour
	defaultPropagationTimeout  = 10 * time.Second
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with AMP_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AMP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("http_address", defaultHTTPAddress)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("provider.name", defaultProviderName)
	v.SetDefault("provider.local_suffixes", []string{".local"})
	v.SetDefault("keystore.path", defaultKeystorePath)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)
	v.SetDefault("relay.ttl", defaultRelayTTL.String())
	v.SetDefault("relay.sweep_interval", defaultRelaySweep.String())
	v.SetDefault("replay.window", defaultReplayWindow.String())
	v.SetDefault("replay.sweep_interval", defaultReplaySweep.String())
	v.SetDefault("rate_limit.window", defaultRateWindow.String())
	v.SetDefault("rate_limit.max_requests", defaultRateMax)
	v.SetDefault("delivery.timeout", defaultDeliveryTimeout.String())
	v.SetDefault("propagation.max_depth", defaultPropagationDepth)
	v.SetDefault("propagation.window", defaultPropagationWindow.String())
	v.SetDefault("propagation.http_timeout", defaultPropagationTimeout.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key    string
		target *time.Duration
		def    time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultShutdownGracePeriod},
		{"relay.ttl", &cfg.Relay.TTL, defaultRelayTTL},
		{"relay.sweep_interval", &cfg.Relay.SweepInterval, defaultRelaySweep},
		{"replay.window", &cfg.Replay.Window, defaultReplayWindow},
		{"replay.sweep_interval", &cfg.Replay.SweepInterval, defaultReplaySweep},
		{"rate_limit.window", &cfg.RateLimit.Window, defaultRateWindow},
		{"delivery.timeout", &cfg.Delivery.Timeout, defaultDeliveryTimeout},
		{"propagation.window", &cfg.Propagation.Window, defaultPropagationWindow},
		{"propagation.http_timeout", &cfg.Propagation.HTTPTimeout, defaultPropagationTimeout},
	}
	for _, d := range durations {
		if v.IsSet(d.key) {
			dur, err := time.ParseDuration(v.GetString(d.key))
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.target = dur
		} else {
			*d.target = d.def
		}
	}

	if cfg.HTTPAddress == "" {
		cfg.HTTPAddress = defaultHTTPAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = defaultProviderName
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = defaultKeystorePath
	}
	if cfg.RateLimit.MaxRequests <= 0 {
		cfg.RateLimit.MaxRequests = defaultRateMax
	}
	if cfg.Propagation.MaxDepth <= 0 {
		cfg.Propagation.MaxDepth = defaultPropagationDepth
	}
	if cfg.Host.ID == "" {
		cfg.Host.ID = cfg.Provider.Name
	}
	if cfg.Host.Name == "" {
		cfg.Host.Name = cfg.Provider.Name
	}

	return cfg, nil
}

// Passphrase fetches the keystore passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Keystore.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("keystore passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
