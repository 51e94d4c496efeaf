package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Guard   GuardConfig   `yaml:"guard"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

type ServerConfig struct {
	Listen          string `yaml:"listen"`
	DBPath          string `yaml:"db_path"`
	RedisAddr       string `yaml:"redis_addr"`
	AdminToken      string `yaml:"admin_token"`
	RequestDeadline int    `yaml:"request_deadline_s"`
}

type TunnelConfig struct {
	// WindowMillis is the rotating-key window length. The native client ships
	// the same value; both sides must agree.
	WindowMillis    int64 `yaml:"window_ms"`
	WindowTolerance int64 `yaml:"window_tolerance"`
	MaxSkewMillis   int64 `yaml:"max_skew_ms"`
	NonceRetention  int   `yaml:"nonce_retention_s"`
	MinDeviceIDLen  int   `yaml:"min_device_id_len"`
}

type GuardConfig struct {
	// Thresholds escalate: reaching a tier's violation count within the
	// sliding window applies its block duration to both IP and device.
	Thresholds     []BlockTier `yaml:"thresholds"`
	WindowSeconds  int         `yaml:"violation_window_s"`
	ChallengeTTL   int         `yaml:"challenge_ttl_s"`
	PoWDifficulty  int         `yaml:"pow_difficulty"`
	RateLimitRPS   float64     `yaml:"rate_limit_rps"`
	RateLimitBurst int         `yaml:"rate_limit_burst"`
}

type BlockTier struct {
	Violations   int `yaml:"violations"`
	BlockSeconds int `yaml:"block_seconds"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			DBPath:          "tunneld.db",
			RequestDeadline: 30,
		},
		Tunnel: TunnelConfig{
			WindowMillis:    5000,
			WindowTolerance: 2,
			MaxSkewMillis:   120000,
			NonceRetention:  600,
			MinDeviceIDLen:  16,
		},
		Guard: GuardConfig{
			Thresholds: []BlockTier{
				{Violations: 5, BlockSeconds: 300},
				{Violations: 15, BlockSeconds: 3600},
				{Violations: 50, BlockSeconds: 86400},
			},
			WindowSeconds:  3600,
			ChallengeTTL:   60,
			PoWDifficulty:  4,
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from file with env var overrides. A missing file is not
// an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if listen := os.Getenv("TUNNELD_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}
	if db := os.Getenv("TUNNELD_DB"); db != "" {
		cfg.Server.DBPath = db
	}
	if redis := os.Getenv("TUNNELD_REDIS_ADDR"); redis != "" {
		cfg.Server.RedisAddr = redis
	}
	if token := os.Getenv("TUNNELD_ADMIN_TOKEN"); token != "" {
		cfg.Server.AdminToken = token
	}
	if level := os.Getenv("TUNNELD_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if window := os.Getenv("TUNNELD_WINDOW_MS"); window != "" {
		if v, err := strconv.ParseInt(window, 10, 64); err == nil {
			cfg.Tunnel.WindowMillis = v
		}
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return ErrMissingListen
	}
	if c.Server.RequestDeadline <= 0 {
		c.Server.RequestDeadline = 30
	}
	if c.Tunnel.WindowMillis <= 0 {
		return ErrInvalidWindow
	}
	if c.Tunnel.WindowTolerance < 0 {
		c.Tunnel.WindowTolerance = 0
	}
	if c.Tunnel.MaxSkewMillis <= 0 {
		c.Tunnel.MaxSkewMillis = 120000
	}
	if c.Tunnel.MinDeviceIDLen <= 0 {
		c.Tunnel.MinDeviceIDLen = 16
	}
	if c.Guard.WindowSeconds <= 0 {
		c.Guard.WindowSeconds = 3600
	}
	if c.Guard.ChallengeTTL <= 0 {
		c.Guard.ChallengeTTL = 60
	}
	if c.Guard.PoWDifficulty <= 0 || c.Guard.PoWDifficulty > 8 {
		c.Guard.PoWDifficulty = 4
	}
	if c.Guard.RateLimitRPS <= 0 {
		c.Guard.RateLimitRPS = 10
	}
	if c.Guard.RateLimitBurst <= 0 {
		c.Guard.RateLimitBurst = 20
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	// Nonce retention must outlive the freshness horizon or a pruned nonce
	// could be replayed while its timestamp is still fresh.
	minRetention := int(2*c.Tunnel.MaxSkewMillis/1000) + 1
	if c.Tunnel.NonceRetention < minRetention {
		c.Tunnel.NonceRetention = minRetention
	}
	return nil
}

var (
	ErrMissingListen = &Error{"listen address is required"}
	ErrInvalidWindow = &Error{"tunnel window_ms must be > 0"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
