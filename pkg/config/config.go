package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Relay struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		SendBuffer      int           `yaml:"send_buffer"`
	} `yaml:"relay"`

	Presence struct {
		LivenessWindow    time.Duration `yaml:"liveness_window"`
		GracePeriod       time.Duration `yaml:"grace_period"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		SweepInterval     time.Duration `yaml:"sweep_interval"`
		SampleRate        float64       `yaml:"sample_rate"`
		Palette           []string      `yaml:"palette"`
	} `yaml:"presence"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`
}

// DefaultConfig returns the default policy: a 30s liveness window with
// a 10s grace period, heartbeats every 10s (three may drop before a
// user even turns stale) and cursor sampling capped at 30 updates/s.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Relay.Address = ":8080"
	cfg.Relay.ReadTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.ShutdownTimeout = 10 * time.Second
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.SendBuffer = 64

	cfg.Presence.LivenessWindow = 30 * time.Second
	cfg.Presence.GracePeriod = 10 * time.Second
	cfg.Presence.HeartbeatInterval = 10 * time.Second
	cfg.Presence.SweepInterval = time.Second
	cfg.Presence.SampleRate = 30

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100

	return cfg
}

// Load reads configuration from a yaml file, falling back to defaults
// when the file does not exist. Environment variables override both.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PRESENCENET_RELAY_ADDRESS"); v != "" {
		c.Relay.Address = v
	}
	if v := os.Getenv("PRESENCENET_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PRESENCENET_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("PRESENCENET_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("PRESENCENET_LIVENESS_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Presence.LivenessWindow = d
		}
	}
	if v := os.Getenv("PRESENCENET_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Presence.GracePeriod = d
		}
	}
	if v := os.Getenv("PRESENCENET_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Presence.SampleRate = f
		}
	}
}

func (c *Config) Validate() error {
	if c.Relay.Address == "" {
		return fmt.Errorf("relay address must not be empty")
	}
	if c.Presence.LivenessWindow <= 0 {
		return fmt.Errorf("liveness window must be positive")
	}
	if c.Presence.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative")
	}
	if c.Presence.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Presence.HeartbeatInterval >= c.Presence.LivenessWindow {
		return fmt.Errorf("heartbeat interval must be shorter than the liveness window")
	}
	if c.Presence.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive")
	}
	if c.RateLimiting.Enabled && c.RateLimiting.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive when rate limiting is enabled")
	}
	return nil
}
