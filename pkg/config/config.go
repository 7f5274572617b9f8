package config

import (
	"fmt"
	"os"
	"strconv"
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

	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		NAT1To1IPs []string `yaml:"nat_1to1_ips"`
	} `yaml:"webrtc"`

	Engine EngineConfig `yaml:"engine"`

	Sessions SessionsConfig `yaml:"sessions"`

	Relay struct {
		SubscriberQueue int `yaml:"subscriber_queue"`
		GOPCacheFrames  int `yaml:"gop_cache_frames"`
	} `yaml:"relay"`

	Snapshot struct {
		Timeout  time.Duration `yaml:"timeout"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"snapshot"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis RedisConfig `yaml:"redis"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		ServiceName    string  `yaml:"service_name"`
		Environment    string  `yaml:"environment"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// EngineConfig describes the external transcoder and where its output goes.
type EngineConfig struct {
	Path                   string        `yaml:"path"`
	LogLevel               string        `yaml:"log_level"`
	OutputRoot             string        `yaml:"output_root"`
	DefaultTransport       string        `yaml:"default_transport"`
	DefaultDelivery        string        `yaml:"default_delivery"`
	DefaultResolution      string        `yaml:"default_resolution"`
	FrameRate              int           `yaml:"frame_rate"`
	Preset                 string        `yaml:"preset"`
	SegmentDuration        time.Duration `yaml:"segment_duration"`
	SegmentListSize        int           `yaml:"segment_list_size"`
	SegmentDeleteThreshold int           `yaml:"segment_delete_threshold"`
	SocketTimeout          time.Duration `yaml:"socket_timeout"`
	StopTimeout            time.Duration `yaml:"stop_timeout"`
	KillTimeout            time.Duration `yaml:"kill_timeout"`
	StallTimeout           time.Duration `yaml:"stall_timeout"`
}

// SessionsConfig controls session lifetime and recovery.
type SessionsConfig struct {
	IdleGrace         time.Duration `yaml:"idle_grace"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	SubscriberTimeout time.Duration `yaml:"subscriber_timeout"`
	TerminalRetention time.Duration `yaml:"terminal_retention"`
	MaxRetries        int           `yaml:"max_retries"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	MaxSessions       int           `yaml:"max_sessions"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
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

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Engine
	if c.Engine.Path == "" {
		return fmt.Errorf("engine.path must not be empty")
	}
	if c.Engine.OutputRoot == "" {
		return fmt.Errorf("engine.output_root must not be empty")
	}
	switch c.Engine.DefaultTransport {
	case "tcp", "udp":
	default:
		return fmt.Errorf("engine.default_transport must be tcp or udp")
	}
	switch c.Engine.DefaultDelivery {
	case "hls", "webrtc":
	default:
		return fmt.Errorf("engine.default_delivery must be hls or webrtc")
	}
	if c.Engine.FrameRate <= 0 || c.Engine.FrameRate > 60 {
		return fmt.Errorf("engine.frame_rate must be in 1..60")
	}
	if c.Engine.SegmentDuration < time.Second {
		return fmt.Errorf("engine.segment_duration must be >= 1s")
	}
	if c.Engine.SegmentListSize < 2 {
		return fmt.Errorf("engine.segment_list_size must be >= 2")
	}
	if c.Engine.SegmentDeleteThreshold < 1 {
		return fmt.Errorf("engine.segment_delete_threshold must be >= 1")
	}
	if c.Engine.StopTimeout <= 0 {
		return fmt.Errorf("engine.stop_timeout must be > 0")
	}
	if c.Engine.KillTimeout <= 0 {
		return fmt.Errorf("engine.kill_timeout must be > 0")
	}
	if c.Engine.StallTimeout <= c.Engine.SegmentDuration {
		return fmt.Errorf("engine.stall_timeout must be > engine.segment_duration")
	}

	// Sessions
	if c.Sessions.IdleGrace <= 0 {
		return fmt.Errorf("sessions.idle_grace must be > 0")
	}
	if c.Sessions.ReapInterval <= 0 {
		return fmt.Errorf("sessions.reap_interval must be > 0")
	}
	if c.Sessions.SubscriberTimeout <= 0 {
		return fmt.Errorf("sessions.subscriber_timeout must be > 0")
	}
	if c.Sessions.TerminalRetention < 0 {
		return fmt.Errorf("sessions.terminal_retention must be >= 0")
	}
	if c.Sessions.MaxRetries < 0 {
		return fmt.Errorf("sessions.max_retries must be >= 0")
	}
	if c.Sessions.BackoffBase <= 0 {
		return fmt.Errorf("sessions.backoff_base must be > 0")
	}
	if c.Sessions.BackoffMax < c.Sessions.BackoffBase {
		return fmt.Errorf("sessions.backoff_max must be >= sessions.backoff_base")
	}
	if c.Sessions.MaxSessions < 0 {
		return fmt.Errorf("sessions.max_sessions must be >= 0")
	}

	// Relay
	if c.Relay.SubscriberQueue <= 0 {
		return fmt.Errorf("relay.subscriber_queue must be > 0")
	}
	if c.Relay.GOPCacheFrames < 0 {
		return fmt.Errorf("relay.gop_cache_frames must be >= 0")
	}
	// a late joiner is seeded with the whole cache; a shorter queue would
	// evict the keyframe it starts from
	if c.Relay.GOPCacheFrames > c.Relay.SubscriberQueue {
		return fmt.Errorf("relay.gop_cache_frames must be <= relay.subscriber_queue")
	}

	// Snapshot
	if c.Snapshot.Timeout <= 0 {
		return fmt.Errorf("snapshot.timeout must be > 0")
	}

	// Monitoring
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
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
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
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
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 15 * time.Second
	cfg.Signal.PongTimeout = 45 * time.Second
	cfg.Signal.ShutdownTimeout = 10 * time.Second
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Engine.Path = "ffmpeg"
	cfg.Engine.LogLevel = "warning"
	cfg.Engine.OutputRoot = "/tmp/streamgate"
	cfg.Engine.DefaultTransport = "tcp"
	cfg.Engine.DefaultDelivery = "hls"
	cfg.Engine.FrameRate = 15
	cfg.Engine.Preset = "veryfast"
	cfg.Engine.SegmentDuration = 2 * time.Second
	cfg.Engine.SegmentListSize = 6
	cfg.Engine.SegmentDeleteThreshold = 2
	cfg.Engine.SocketTimeout = 10 * time.Second
	cfg.Engine.StopTimeout = 5 * time.Second
	cfg.Engine.KillTimeout = 5 * time.Second
	cfg.Engine.StallTimeout = 15 * time.Second

	cfg.Sessions.IdleGrace = 30 * time.Second
	cfg.Sessions.ReapInterval = 5 * time.Second
	cfg.Sessions.SubscriberTimeout = 60 * time.Second
	cfg.Sessions.TerminalRetention = 2 * time.Minute
	cfg.Sessions.MaxRetries = 5
	cfg.Sessions.BackoffBase = time.Second
	cfg.Sessions.BackoffMax = 30 * time.Second
	cfg.Sessions.MaxSessions = 0

	cfg.Relay.SubscriberQueue = 128
	cfg.Relay.GOPCacheFrames = 120

	cfg.Snapshot.Timeout = 10 * time.Second
	cfg.Snapshot.CacheTTL = 2 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 15 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "streamgate"
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 0.1

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("STREAMGATE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("STREAMGATE_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if level := os.Getenv("STREAMGATE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if path := os.Getenv("STREAMGATE_ENGINE_PATH"); path != "" {
		c.Engine.Path = path
	}
	if root := os.Getenv("STREAMGATE_OUTPUT_ROOT"); root != "" {
		c.Engine.OutputRoot = root
	}
	if addr := os.Getenv("STREAMGATE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if v := os.Getenv("STREAMGATE_IDLE_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STREAMGATE_IDLE_GRACE: %w", err)
		}
		c.Sessions.IdleGrace = d
	}
	if v := os.Getenv("STREAMGATE_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STREAMGATE_MAX_RETRIES: %w", err)
		}
		c.Sessions.MaxRetries = n
	}
	return nil
}
