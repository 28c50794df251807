package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Relay.Address)
	assert.Equal(t, 30*time.Second, cfg.Presence.LivenessWindow)
	assert.Equal(t, 10*time.Second, cfg.Presence.GracePeriod)
	assert.Equal(t, 10*time.Second, cfg.Presence.HeartbeatInterval)
	assert.Equal(t, 30.0, cfg.Presence.SampleRate)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Redis.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Presence.LivenessWindow)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
relay:
  address: ":9090"
presence:
  liveness_window: 20s
  grace_period: 5s
  heartbeat_interval: 4s
  sample_rate: 60
  palette:
    - "#ff0000"
    - "#00ff00"
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Relay.Address)
	assert.Equal(t, 20*time.Second, cfg.Presence.LivenessWindow)
	assert.Equal(t, 5*time.Second, cfg.Presence.GracePeriod)
	assert.Equal(t, 60.0, cfg.Presence.SampleRate)
	assert.Equal(t, []string{"#ff0000", "#00ff00"}, cfg.Presence.Palette)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, time.Second, cfg.Presence.SweepInterval)
	assert.Equal(t, 64, cfg.Relay.SendBuffer)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PRESENCENET_RELAY_ADDRESS", ":7070")
	t.Setenv("PRESENCENET_REDIS_ADDRESS", "redis:6379")
	t.Setenv("PRESENCENET_LIVENESS_WINDOW", "45s")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Relay.Address)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.True(t, cfg.Redis.Enabled, "setting a redis address enables redis")
	assert.Equal(t, 45*time.Second, cfg.Presence.LivenessWindow)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty relay address",
			mutate:  func(c *Config) { c.Relay.Address = "" },
			wantErr: "relay address",
		},
		{
			name:    "zero liveness window",
			mutate:  func(c *Config) { c.Presence.LivenessWindow = 0 },
			wantErr: "liveness window",
		},
		{
			name:    "negative grace period",
			mutate:  func(c *Config) { c.Presence.GracePeriod = -time.Second },
			wantErr: "grace period",
		},
		{
			name: "heartbeat slower than liveness",
			mutate: func(c *Config) {
				c.Presence.HeartbeatInterval = time.Minute
			},
			wantErr: "heartbeat interval",
		},
		{
			name:    "zero sample rate",
			mutate:  func(c *Config) { c.Presence.SampleRate = 0 },
			wantErr: "sample rate",
		},
		{
			name: "rate limiting enabled without a rate",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.RequestsPerSecond = 0
			},
			wantErr: "requests per second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
