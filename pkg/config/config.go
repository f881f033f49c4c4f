package config

import (
	"fmt"
	"os"
	"time"

	"mediarelay/pkg/validation"

	"gopkg.in/yaml.v2"
)

// TierConfig describes one rung of the quality ladder.
type TierConfig struct {
	Width       int `yaml:"width"`
	Height      int `yaml:"height"`
	FPS         int `yaml:"fps"`
	BitrateKbps int `yaml:"bitrate_kbps"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address          string        `yaml:"address"`
		Path             string        `yaml:"path"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		PongTimeout      time.Duration `yaml:"pong_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		SendBuffer       int           `yaml:"send_buffer"`
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
		SweepInterval    time.Duration `yaml:"sweep_interval"`
		AllowedOrigins   []string      `yaml:"allowed_origins"`
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
		GatherTimeout time.Duration `yaml:"gather_timeout"`
	} `yaml:"webrtc"`

	Quality struct {
		Tiers struct {
			Low    TierConfig `yaml:"low"`
			Medium TierConfig `yaml:"medium"`
			High   TierConfig `yaml:"high"`
		} `yaml:"tiers"`
		AutoMinKbps         int           `yaml:"auto_min_kbps"`
		AutoMaxKbps         int           `yaml:"auto_max_kbps"`
		HighThresholdKbps   int           `yaml:"high_threshold_kbps"`
		MediumThresholdKbps int           `yaml:"medium_threshold_kbps"`
		HysteresisEnabled   bool          `yaml:"hysteresis_enabled"`
		DownSamples         int           `yaml:"down_samples"`
		UpSamples           int           `yaml:"up_samples"`
		SampleInterval      time.Duration `yaml:"sample_interval"`
		LoadThreshold       float64       `yaml:"load_threshold"`
		MinFPS              int           `yaml:"min_fps"`
		ReconnectBackoff    time.Duration `yaml:"reconnect_backoff"`
		HistorySize         int           `yaml:"history_size"`
	} `yaml:"quality"`

	Pipeline struct {
		ScreenQueue     int           `yaml:"screen_queue"`
		CameraQueue     int           `yaml:"camera_queue"`
		AudioQueue      int           `yaml:"audio_queue"`
		ScreenFPS       int           `yaml:"screen_fps"`
		CameraFPS       int           `yaml:"camera_fps"`
		AudioSampleRate int           `yaml:"audio_sample_rate"`
		AudioFrame      time.Duration `yaml:"audio_frame"`
		StopTimeout     time.Duration `yaml:"stop_timeout"`
		PopTimeout      time.Duration `yaml:"pop_timeout"`
	} `yaml:"pipeline"`

	Transfer struct {
		ChunkSize   int           `yaml:"chunk_size"`
		StorageDir  string        `yaml:"storage_dir"`
		MaxFileSize int64         `yaml:"max_file_size"`
		MaxBuffers  int           `yaml:"max_buffers"`
		IdleTimeout time.Duration `yaml:"idle_timeout"`
	} `yaml:"transfer"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled     bool          `yaml:"enabled"`
		Address     string        `yaml:"address"`
		Password    string        `yaml:"password"`
		DB          int           `yaml:"db"`
		PoolSize    int           `yaml:"pool_size"`
		PresenceTTL time.Duration `yaml:"presence_ttl"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Agent struct {
		ID       string   `yaml:"id"`
		RelayURL string   `yaml:"relay_url"`
		Sources  []string `yaml:"sources"`
		H264File string   `yaml:"h264_file"`
		OggFile  string   `yaml:"ogg_file"`
		Tier     string   `yaml:"tier"`
		SendFile string   `yaml:"send_file"`
	} `yaml:"agent"`
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
	if c.Signal.Path == "" {
		return fmt.Errorf("signal.path must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}
	if c.Signal.HeartbeatTimeout <= 0 {
		return fmt.Errorf("signal.heartbeat_timeout must be > 0")
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

	// Quality
	q := c.Quality
	for name, tier := range map[string]TierConfig{"low": q.Tiers.Low, "medium": q.Tiers.Medium, "high": q.Tiers.High} {
		if tier.Width <= 0 || tier.Height <= 0 || tier.FPS <= 0 || tier.BitrateKbps <= 0 {
			return fmt.Errorf("quality.tiers.%s must have positive width, height, fps and bitrate", name)
		}
		if err := validation.ValidateBitrate(tier.BitrateKbps); err != nil {
			return fmt.Errorf("quality.tiers.%s: %w", name, err)
		}
	}
	if q.AutoMinKbps <= 0 || q.AutoMaxKbps < q.AutoMinKbps {
		return fmt.Errorf("quality.auto_min_kbps must be > 0 and <= auto_max_kbps")
	}
	if q.MediumThresholdKbps <= 0 || q.HighThresholdKbps <= q.MediumThresholdKbps {
		return fmt.Errorf("quality thresholds must satisfy 0 < medium < high")
	}
	if q.DownSamples < 1 || q.UpSamples < 1 {
		return fmt.Errorf("quality.down_samples and up_samples must be >= 1")
	}
	if q.SampleInterval <= 0 {
		return fmt.Errorf("quality.sample_interval must be > 0")
	}
	if q.LoadThreshold <= 0 || q.LoadThreshold > 1 {
		return fmt.Errorf("quality.load_threshold must be in (0, 1]")
	}
	if q.MinFPS <= 0 {
		return fmt.Errorf("quality.min_fps must be > 0")
	}
	if q.ReconnectBackoff < 0 {
		return fmt.Errorf("quality.reconnect_backoff must be >= 0")
	}

	// Pipeline
	p := c.Pipeline
	if p.ScreenQueue <= 0 || p.CameraQueue <= 0 || p.AudioQueue <= 0 {
		return fmt.Errorf("pipeline queue capacities must be > 0")
	}
	if p.ScreenFPS <= 0 || p.CameraFPS <= 0 {
		return fmt.Errorf("pipeline fps must be > 0")
	}
	if p.AudioSampleRate <= 0 || p.AudioFrame <= 0 {
		return fmt.Errorf("pipeline.audio_sample_rate and audio_frame must be > 0")
	}
	if p.StopTimeout <= 0 {
		return fmt.Errorf("pipeline.stop_timeout must be > 0")
	}

	// Transfer
	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer.chunk_size must be > 0")
	}
	if c.Transfer.StorageDir == "" {
		return fmt.Errorf("transfer.storage_dir must not be empty")
	}
	if c.Transfer.MaxFileSize <= 0 {
		return fmt.Errorf("transfer.max_file_size must be > 0")
	}
	if c.Transfer.MaxBuffers <= 0 {
		return fmt.Errorf("transfer.max_buffers must be > 0")
	}
	if c.Transfer.IdleTimeout < time.Second {
		return fmt.Errorf("transfer.idle_timeout must be >= 1s")
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
		if c.Redis.PresenceTTL <= 0 {
			return fmt.Errorf("redis.presence_ttl must be > 0 when redis.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerURL == "" {
		return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	// Agent
	if c.Agent.RelayURL != "" {
		if err := validation.ValidateURL(c.Agent.RelayURL); err != nil {
			return fmt.Errorf("agent.relay_url: %w", err)
		}
	}
	if c.Agent.Tier != "" {
		if err := validation.ValidateQuality(c.Agent.Tier); err != nil {
			return fmt.Errorf("agent.tier: %w", err)
		}
	}
	if c.Agent.ID != "" {
		if err := validation.ValidateIdentifier(c.Agent.ID, "agent.id"); err != nil {
			return err
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
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

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 15 * time.Second
	cfg.Signal.PongTimeout = 45 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBuffer = 256
	cfg.Signal.HeartbeatTimeout = 60 * time.Second
	cfg.Signal.SweepInterval = 15 * time.Second
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.WebRTC.GatherTimeout = 10 * time.Second

	cfg.Quality.Tiers.Low = TierConfig{Width: 640, Height: 480, FPS: 15, BitrateKbps: 500}
	cfg.Quality.Tiers.Medium = TierConfig{Width: 1280, Height: 720, FPS: 30, BitrateKbps: 2000}
	cfg.Quality.Tiers.High = TierConfig{Width: 1920, Height: 1080, FPS: 30, BitrateKbps: 5000}
	cfg.Quality.AutoMinKbps = 500
	cfg.Quality.AutoMaxKbps = 10000
	cfg.Quality.HighThresholdKbps = 5000
	cfg.Quality.MediumThresholdKbps = 2000
	cfg.Quality.HysteresisEnabled = true
	cfg.Quality.DownSamples = 2
	cfg.Quality.UpSamples = 3
	cfg.Quality.SampleInterval = time.Second
	cfg.Quality.LoadThreshold = 0.8
	cfg.Quality.MinFPS = 15
	cfg.Quality.ReconnectBackoff = 2 * time.Second
	cfg.Quality.HistorySize = 100

	cfg.Pipeline.ScreenQueue = 5
	cfg.Pipeline.CameraQueue = 5
	cfg.Pipeline.AudioQueue = 10
	cfg.Pipeline.ScreenFPS = 30
	cfg.Pipeline.CameraFPS = 30
	cfg.Pipeline.AudioSampleRate = 8000
	cfg.Pipeline.AudioFrame = 20 * time.Millisecond
	cfg.Pipeline.StopTimeout = 2 * time.Second
	cfg.Pipeline.PopTimeout = 100 * time.Millisecond

	cfg.Transfer.ChunkSize = 512 * 1024
	cfg.Transfer.StorageDir = "./downloads"
	cfg.Transfer.MaxFileSize = 2 << 30
	cfg.Transfer.MaxBuffers = 32
	cfg.Transfer.IdleTimeout = 5 * time.Minute

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 10 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.PresenceTTL = 90 * time.Second

	cfg.Tracing.ServiceName = "mediarelay"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 200
	cfg.RateLimiting.WebSocket.Burst = 400
	// chunk events carry 512 KiB of base64 payload
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 1 << 20

	cfg.Agent.RelayURL = "ws://localhost:8080/ws"
	cfg.Agent.Sources = []string{"screen", "audio"}
	cfg.Agent.Tier = "medium"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MEDIARELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("MEDIARELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("MEDIARELAY_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if dir := os.Getenv("MEDIARELAY_TRANSFER_DIR"); dir != "" {
		c.Transfer.StorageDir = dir
	}
	if url := os.Getenv("MEDIARELAY_RELAY_URL"); url != "" {
		c.Agent.RelayURL = url
	}
	if id := os.Getenv("MEDIARELAY_AGENT_ID"); id != "" {
		c.Agent.ID = id
	}
}
