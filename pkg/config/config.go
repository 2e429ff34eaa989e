package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Rtc struct {
		AudioRtcpInterval        time.Duration `yaml:"audio_rtcp_interval"`
		VideoRtcpInterval        time.Duration `yaml:"video_rtcp_interval"`
		RetransmissionBufferSize int           `yaml:"retransmission_buffer_size"`
	} `yaml:"rtc"`

	Congestion struct {
		BweType                 string        `yaml:"bwe_type"` // "transport-cc" or "remb"
		InitialAvailableBitrate uint32        `yaml:"initial_available_bitrate"`
		HysteresisFactor        float64       `yaml:"hysteresis_factor"`
		MinEventInterval        time.Duration `yaml:"min_event_interval"`
		ProcessInterval         time.Duration `yaml:"process_interval"`
	} `yaml:"congestion"`

	Notifications struct {
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		SendBuffer   int           `yaml:"send_buffer"`
	} `yaml:"notifications"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		PrometheusPort    int           `yaml:"prometheus_port"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		Endpoint    string  `yaml:"endpoint"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

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
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Rtc
	if c.Rtc.AudioRtcpInterval <= 0 {
		return fmt.Errorf("rtc.audio_rtcp_interval must be > 0")
	}
	if c.Rtc.VideoRtcpInterval <= 0 {
		return fmt.Errorf("rtc.video_rtcp_interval must be > 0")
	}
	if c.Rtc.AudioRtcpInterval > c.Rtc.VideoRtcpInterval {
		return fmt.Errorf("rtc.audio_rtcp_interval must be <= rtc.video_rtcp_interval")
	}
	if c.Rtc.RetransmissionBufferSize <= 0 {
		return fmt.Errorf("rtc.retransmission_buffer_size must be > 0")
	}

	// Congestion
	switch c.Congestion.BweType {
	case "transport-cc", "remb":
	default:
		return fmt.Errorf("congestion.bwe_type must be \"transport-cc\" or \"remb\"")
	}
	if c.Congestion.InitialAvailableBitrate == 0 {
		return fmt.Errorf("congestion.initial_available_bitrate must be > 0")
	}
	if c.Congestion.HysteresisFactor <= 0 || c.Congestion.HysteresisFactor >= 1 {
		return fmt.Errorf("congestion.hysteresis_factor must be in (0, 1)")
	}
	if c.Congestion.MinEventInterval <= 0 {
		return fmt.Errorf("congestion.min_event_interval must be > 0")
	}
	if c.Congestion.ProcessInterval <= 0 {
		return fmt.Errorf("congestion.process_interval must be > 0")
	}

	// Notifications
	if c.Notifications.PingInterval <= 0 {
		return fmt.Errorf("notifications.ping_interval must be > 0")
	}
	if c.Notifications.PongTimeout <= c.Notifications.PingInterval {
		return fmt.Errorf("notifications.pong_timeout must be > notifications.ping_interval")
	}
	if c.Notifications.SendBuffer <= 0 {
		return fmt.Errorf("notifications.send_buffer must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name must not be empty when tracing.enabled=true")
		}
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
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

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Default values
	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Rtc.AudioRtcpInterval = 2500 * time.Millisecond
	cfg.Rtc.VideoRtcpInterval = 5 * time.Second
	cfg.Rtc.RetransmissionBufferSize = 600

	cfg.Congestion.BweType = "transport-cc"
	cfg.Congestion.InitialAvailableBitrate = 600_000
	cfg.Congestion.HysteresisFactor = 0.15
	cfg.Congestion.MinEventInterval = 2 * time.Second
	cfg.Congestion.ProcessInterval = 200 * time.Millisecond

	cfg.Notifications.PingInterval = 30 * time.Second
	cfg.Notifications.PongTimeout = 60 * time.Second
	cfg.Notifications.SendBuffer = 64

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "relaycast"
	cfg.Tracing.Endpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 0.1

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "relaycast:events"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	// Apply environment variable overrides
	if addr := os.Getenv("RELAYCAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("RELAYCAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("RELAYCAST_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("RELAYCAST_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
}
