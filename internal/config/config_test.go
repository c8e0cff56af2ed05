package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal-bridge/internal/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 20*time.Second, cfg.Channel.KeepaliveInterval)
	assert.Equal(t, 2*time.Minute, cfg.Channel.LostGrace)
	assert.Equal(t, "X-Forwarded-For", cfg.Gateway.ForwardedHeader)
	assert.Equal(t, ":8081", cfg.Health.ListenAddr)
	assert.Equal(t, time.Hour, cfg.Registry.Retention)
	assert.Empty(t, cfg.Audit.Path)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
channel:
  keepalive_interval: 5s
  idle_timeout: 15s
gateway:
  forwarded_header: X-Real-IP
  trusted_proxies: ["10.0.0.0/8"]
`), 0o644))

	t.Setenv("BRIDGE_REGISTRY_RETENTION", "10m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Channel.KeepaliveInterval)
	assert.Equal(t, 15*time.Second, cfg.Channel.IdleTimeout)
	assert.Equal(t, "X-Real-IP", cfg.Gateway.ForwardedHeader)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Gateway.TrustedProxies)
	assert.Equal(t, 10*time.Minute, cfg.Registry.Retention)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"idle timeout not above keepalive", func(c *Config) { c.Channel.IdleTimeout = c.Channel.KeepaliveInterval }},
		{"zero keepalive", func(c *Config) { c.Channel.KeepaliveInterval = 0 }},
		{"inverted backoff", func(c *Config) { c.Channel.BackoffMax = c.Channel.BackoffInitial / 2 }},
		{"shared listener", func(c *Config) { c.Health.ListenAddr = c.Gateway.ListenAddr }},
		{"empty header", func(c *Config) { c.Gateway.ForwardedHeader = "" }},
		{"zero retention", func(c *Config) { c.Registry.Retention = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err))
		})
	}
}

func TestYAML(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, out, "forwarded_header: X-Forwarded-For")
	assert.Contains(t, out, "keepalive_interval: 20s")
}
