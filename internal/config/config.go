package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"portal-bridge/internal/errors"
)

// EnvPrefix is prepended to every environment override, e.g.
// BRIDGE_CHANNEL_URL for channel.url.
const EnvPrefix = "BRIDGE"

// Config is the full bridge configuration.
type Config struct {
	Channel  ChannelConfig  `mapstructure:"channel" yaml:"channel"`
	Gateway  GatewayConfig  `mapstructure:"gateway" yaml:"gateway"`
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`
	Health   HealthConfig   `mapstructure:"health" yaml:"health"`
	Audit    AuditConfig    `mapstructure:"audit" yaml:"audit"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// ChannelConfig configures the connection to the push network.
type ChannelConfig struct {
	// URL overrides the endpoint carried by the invitation when set.
	URL               string        `mapstructure:"url" yaml:"url"`
	Invitation        string        `mapstructure:"invitation" yaml:"invitation"`
	Name              string        `mapstructure:"name" yaml:"name"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	LostGrace         time.Duration `mapstructure:"lost_grace" yaml:"lost_grace"`
	SendQueue         int           `mapstructure:"send_queue" yaml:"send_queue"`
}

// GatewayConfig configures the client-facing HTTP API.
type GatewayConfig struct {
	ListenAddr         string   `mapstructure:"listen_addr" yaml:"listen_addr"`
	PublicURL          string   `mapstructure:"public_url" yaml:"public_url"`
	ForwardedHeader    string   `mapstructure:"forwarded_header" yaml:"forwarded_header"`
	TrustedProxies     []string `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
	RateLimitPerMinute int      `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	RateLimitBurst     int      `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// RegistryConfig configures job retention.
type RegistryConfig struct {
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	MaxAge        time.Duration `mapstructure:"max_age" yaml:"max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// HealthConfig configures the probe listener.
type HealthConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// AuditConfig configures the SQLite audit journal. An empty path disables it.
type AuditConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig configures logging output.
type LogConfig struct {
	JSON  bool   `mapstructure:"json" yaml:"json"`
	Level string `mapstructure:"level" yaml:"level"`
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("channel.url", "")
	v.SetDefault("channel.invitation", "invitation.toml")
	v.SetDefault("channel.name", "bridge")
	v.SetDefault("channel.keepalive_interval", 20*time.Second)
	v.SetDefault("channel.idle_timeout", 60*time.Second)
	v.SetDefault("channel.handshake_timeout", 10*time.Second)
	v.SetDefault("channel.backoff_initial", 500*time.Millisecond)
	v.SetDefault("channel.backoff_max", 30*time.Second)
	v.SetDefault("channel.lost_grace", 2*time.Minute)
	v.SetDefault("channel.send_queue", 64)

	v.SetDefault("gateway.listen_addr", ":8080")
	v.SetDefault("gateway.public_url", "http://localhost:8080")
	v.SetDefault("gateway.forwarded_header", "X-Forwarded-For")
	v.SetDefault("gateway.trusted_proxies", []string{})
	v.SetDefault("gateway.rate_limit_per_minute", 60)
	v.SetDefault("gateway.rate_limit_burst", 10)

	v.SetDefault("registry.retention", time.Hour)
	v.SetDefault("registry.max_age", 24*time.Hour)
	v.SetDefault("registry.sweep_interval", 30*time.Second)

	v.SetDefault("health.listen_addr", ":8081")

	v.SetDefault("audit.path", "")

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads configuration from defaults, the optional file at path and
// BRIDGE_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates configuration from v.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants between settings.
func (c *Config) Validate() error {
	ch := c.Channel
	if ch.KeepaliveInterval <= 0 {
		return errors.NewInvalidRequestError("channel.keepalive_interval must be positive")
	}
	if ch.IdleTimeout <= ch.KeepaliveInterval {
		return errors.NewInvalidRequestError("channel.idle_timeout (%s) must exceed channel.keepalive_interval (%s)",
			ch.IdleTimeout, ch.KeepaliveInterval)
	}
	if ch.BackoffInitial <= 0 || ch.BackoffMax < ch.BackoffInitial {
		return errors.NewInvalidRequestError("channel backoff must satisfy 0 < backoff_initial <= backoff_max")
	}
	if ch.SendQueue <= 0 {
		return errors.NewInvalidRequestError("channel.send_queue must be positive")
	}
	if c.Gateway.ForwardedHeader == "" {
		return errors.NewInvalidRequestError("gateway.forwarded_header must not be empty")
	}
	if c.Gateway.ListenAddr == c.Health.ListenAddr {
		return errors.NewInvalidRequestError("health.listen_addr must differ from gateway.listen_addr")
	}
	if c.Registry.Retention <= 0 || c.Registry.MaxAge <= 0 {
		return errors.NewInvalidRequestError("registry.retention and registry.max_age must be positive")
	}
	if c.Registry.SweepInterval <= 0 {
		return errors.NewInvalidRequestError("registry.sweep_interval must be positive")
	}
	return nil
}

// YAML renders the configuration for display. Invitation contents are
// never part of Config, so nothing needs redacting beyond the path itself.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "failed to render config")
	}
	return string(out), nil
}
