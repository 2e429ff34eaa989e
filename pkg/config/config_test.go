package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "server address must not be empty",
			mutate: func(c *Config) {
				c.Server.Address = ""
			},
		},
		{
			name: "server read timeout must be > 0",
			mutate: func(c *Config) {
				c.Server.ReadTimeout = 0
			},
		},
		{
			name: "server shutdown timeout must be > 0",
			mutate: func(c *Config) {
				c.Server.ShutdownTimeout = -time.Second
			},
		},
		{
			name: "audio rtcp interval must be > 0",
			mutate: func(c *Config) {
				c.Rtc.AudioRtcpInterval = 0
			},
		},
		{
			name: "audio rtcp interval must not exceed video rtcp interval",
			mutate: func(c *Config) {
				c.Rtc.AudioRtcpInterval = 10 * time.Second
			},
		},
		{
			name: "retransmission buffer size must be > 0",
			mutate: func(c *Config) {
				c.Rtc.RetransmissionBufferSize = 0
			},
		},
		{
			name: "bwe type must be known",
			mutate: func(c *Config) {
				c.Congestion.BweType = "gcc"
			},
		},
		{
			name: "initial available bitrate must be > 0",
			mutate: func(c *Config) {
				c.Congestion.InitialAvailableBitrate = 0
			},
		},
		{
			name: "hysteresis factor must be in (0, 1)",
			mutate: func(c *Config) {
				c.Congestion.HysteresisFactor = 1
			},
		},
		{
			name: "min event interval must be > 0",
			mutate: func(c *Config) {
				c.Congestion.MinEventInterval = 0
			},
		},
		{
			name: "process interval must be > 0",
			mutate: func(c *Config) {
				c.Congestion.ProcessInterval = 0
			},
		},
		{
			name: "notifications ping interval must be > 0",
			mutate: func(c *Config) {
				c.Notifications.PingInterval = 0
			},
		},
		{
			name: "notifications pong timeout must exceed ping interval",
			mutate: func(c *Config) {
				c.Notifications.PongTimeout = c.Notifications.PingInterval
			},
		},
		{
			name: "notifications send buffer must be > 0",
			mutate: func(c *Config) {
				c.Notifications.SendBuffer = 0
			},
		},
		{
			name: "prometheus port must be > 0 when enabled",
			mutate: func(c *Config) {
				c.Monitoring.PrometheusEnabled = true
				c.Monitoring.PrometheusPort = 0
			},
		},
		{
			name: "metrics interval must be > 0",
			mutate: func(c *Config) {
				c.Monitoring.MetricsInterval = 0
			},
		},
		{
			name: "tracing endpoint required when enabled",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Endpoint = ""
			},
		},
		{
			name: "tracing sample rate must be in [0, 1]",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.SampleRate = 1.5
			},
		},
		{
			name: "logging level must not be empty",
			mutate: func(c *Config) {
				c.Logging.Level = ""
			},
		},
		{
			name: "redis address required when enabled",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Address = ""
			},
		},
		{
			name: "redis channel required when enabled",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Channel = ""
			},
		},
		{
			name: "jwt secret must not be empty",
			mutate: func(c *Config) {
				c.Auth.JWTSecret = ""
			},
		},
		{
			name: "access token ttl must be > 0",
			mutate: func(c *Config) {
				c.Auth.AccessTokenTTL = 0
			},
		},
		{
			name: "http rps must be > 0 when rate limiting enabled",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.HTTP.RequestsPerSecond = 0
			},
		},
		{
			name: "http burst must be > 0 when rate limiting enabled",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.HTTP.Burst = 0
			},
		},
		{
			name: "http max concurrent must be >= 0 when rate limiting enabled",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.HTTP.MaxConcurrent = -1
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("expected defaults for missing file, got error: %v", err)
	}

	defaults := DefaultConfig()
	if cfg.Server.Address != defaults.Server.Address {
		t.Errorf("expected default server address %q, got %q", defaults.Server.Address, cfg.Server.Address)
	}
	if cfg.Congestion.BweType != defaults.Congestion.BweType {
		t.Errorf("expected default bwe type %q, got %q", defaults.Congestion.BweType, cfg.Congestion.BweType)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  address: ":9999"
rtc:
  audio_rtcp_interval: 1s
  video_rtcp_interval: 2s
congestion:
  bwe_type: remb
  initial_available_bitrate: 1200000
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Address != ":9999" {
		t.Errorf("expected server address :9999, got %q", cfg.Server.Address)
	}
	if cfg.Rtc.AudioRtcpInterval != time.Second {
		t.Errorf("expected audio rtcp interval 1s, got %v", cfg.Rtc.AudioRtcpInterval)
	}
	if cfg.Congestion.BweType != "remb" {
		t.Errorf("expected bwe type remb, got %q", cfg.Congestion.BweType)
	}
	if cfg.Congestion.InitialAvailableBitrate != 1_200_000 {
		t.Errorf("expected initial bitrate 1200000, got %d", cfg.Congestion.InitialAvailableBitrate)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.Logging.Level)
	}

	// Untouched sections keep their defaults.
	if cfg.Notifications.SendBuffer != DefaultConfig().Notifications.SendBuffer {
		t.Errorf("expected default send buffer, got %d", cfg.Notifications.SendBuffer)
	}
}

func TestLoad_MalformedYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a mapping"), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml, got nil")
	}
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
congestion:
  bwe_type: bogus
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELAYCAST_SERVER_ADDRESS", ":7070")
	t.Setenv("RELAYCAST_LOG_LEVEL", "warn")
	t.Setenv("RELAYCAST_JWT_SECRET", "env-secret")
	t.Setenv("RELAYCAST_REDIS_ADDRESS", "redis:6379")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Address != ":7070" {
		t.Errorf("expected env server address :7070, got %q", cfg.Server.Address)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected env log level warn, got %q", cfg.Logging.Level)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("expected env jwt secret, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Redis.Address != "redis:6379" {
		t.Errorf("expected env redis address, got %q", cfg.Redis.Address)
	}
}
