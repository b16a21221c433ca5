package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/bookagg/internal/selector"
)

// Environment variables that override file values.
const (
	EnvStreamURL = "BOOKAGG_STREAM_URL"
	EnvHTTPAddr  = "BOOKAGG_HTTP_ADDR"
	EnvRedisAddr = "BOOKAGG_REDIS_ADDR"
	EnvLogLevel  = "BOOKAGG_LOG_LEVEL"
)

// Config represents the complete service configuration
type Config struct {
	Stream    StreamConfig     `yaml:"stream"`
	Registry  RegistryConfig   `yaml:"registry"`
	Aggregate AggregateConfig  `yaml:"aggregate"`
	HTTP      HTTPConfig       `yaml:"http"`
	Redis     RedisConfig      `yaml:"redis"`
	Markets   []selector.Group `yaml:"markets"`
	LogLevel  string           `yaml:"log_level"`
}

// StreamConfig configures the market-data connection
type StreamConfig struct {
	URL              string        `yaml:"url"`
	UserAgent        string        `yaml:"user_agent"`
	Exchanges        []string      `yaml:"exchanges"`          // exchanges to request snapshots for
	MaxDepth         int           `yaml:"max_depth"`          // levels kept per side, 0 = unbounded
	HandshakeMS      int           `yaml:"handshake_ms"`       // dial timeout in milliseconds
	ReadTimeoutSecs  int           `yaml:"read_timeout_secs"`  // silence before reconnect
	PingIntervalSecs int           `yaml:"ping_interval_secs"` // keepalive ping period
	RequestSnapshots bool          `yaml:"request_snapshots"`
	SnapshotRPS      float64       `yaml:"snapshot_rps"`
	SnapshotBurst    int           `yaml:"snapshot_burst"`
	BackoffMS        BackoffConfig `yaml:"backoff_ms"`
	Circuit          CircuitConfig `yaml:"circuit"`
}

// BackoffConfig represents exponential backoff configuration
type BackoffConfig struct {
	Base   int     `yaml:"base"`   // Base backoff in milliseconds
	Max    int     `yaml:"max"`    // Maximum backoff in milliseconds
	Factor float64 `yaml:"factor"` // Growth per failed attempt
	Jitter bool    `yaml:"jitter"`
}

// CircuitConfig represents the dial circuit breaker configuration
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold"` // Consecutive dial failures to open circuit
	OpenMS           int `yaml:"open_ms"`           // Time the circuit stays open
}

// RegistryConfig configures the shared book registry
type RegistryConfig struct {
	LivenessSecs int `yaml:"liveness_secs"` // age after which a book is reported stale
}

// AggregateConfig configures consolidation
type AggregateConfig struct {
	Tick string `yaml:"tick"` // price bucket size, "0" merges exact prices
}

// HTTPConfig configures the read API
type HTTPConfig struct {
	Addr             string `yaml:"addr"`
	ReadTimeoutSecs  int    `yaml:"read_timeout_secs"`
	WriteTimeoutSecs int    `yaml:"write_timeout_secs"`
}

// RedisConfig configures the optional current-state mirror
type RedisConfig struct {
	Addr      string `yaml:"addr"` // empty disables the mirror
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// Default returns a configuration with every field at its production default.
func Default() Config {
	return Config{
		Stream: StreamConfig{
			UserAgent:        "bookagg/1.0",
			MaxDepth:         1000,
			HandshakeMS:      10000,
			ReadTimeoutSecs:  60,
			PingIntervalSecs: 20,
			RequestSnapshots: true,
			SnapshotRPS:      20,
			SnapshotBurst:    5,
			BackoffMS:        BackoffConfig{Base: 1000, Max: 30000, Factor: 2, Jitter: true},
			Circuit:          CircuitConfig{FailureThreshold: 5, OpenMS: 30000},
		},
		Registry:  RegistryConfig{LivenessSecs: 30},
		Aggregate: AggregateConfig{Tick: "0"},
		HTTP:      HTTPConfig{Addr: ":8080", ReadTimeoutSecs: 10, WriteTimeoutSecs: 10},
		Redis:     RedisConfig{KeyPrefix: "bookagg:", TimeoutMS: 500},
		Markets:   selector.DefaultGroups(),
		LogLevel:  "info",
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding values already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// ApplyEnv overrides file values with BOOKAGG_* environment variables.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvStreamURL)); v != "" {
		c.Stream.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvHTTPAddr)); v != "" {
		c.HTTP.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisAddr)); v != "" {
		c.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
}

// Validate ensures the configuration is valid and consistent
func (c *Config) Validate() error {
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if c.Registry.LivenessSecs <= 0 {
		return fmt.Errorf("registry liveness_secs must be positive, got %d", c.Registry.LivenessSecs)
	}
	if _, err := c.Aggregate.TickSize(); err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http addr cannot be empty")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Redis.Addr != "" && c.Redis.TimeoutMS <= 0 {
		return fmt.Errorf("redis timeout_ms must be positive, got %d", c.Redis.TimeoutMS)
	}
	if _, err := selector.New(c.Markets); err != nil {
		return fmt.Errorf("markets: %w", err)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// Validate ensures the stream configuration is valid. An empty URL is
// allowed so offline commands can share the file.
func (s *StreamConfig) Validate() error {
	if s.URL != "" {
		u, err := url.Parse(s.URL)
		if err != nil {
			return fmt.Errorf("url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("url scheme must be ws or wss, got %q", u.Scheme)
		}
	}
	if s.MaxDepth < 0 {
		return fmt.Errorf("max_depth cannot be negative, got %d", s.MaxDepth)
	}
	if s.HandshakeMS <= 0 {
		return fmt.Errorf("handshake_ms must be positive, got %d", s.HandshakeMS)
	}
	if s.ReadTimeoutSecs <= 0 {
		return fmt.Errorf("read_timeout_secs must be positive, got %d", s.ReadTimeoutSecs)
	}
	if s.PingIntervalSecs <= 0 || s.PingIntervalSecs >= s.ReadTimeoutSecs {
		return fmt.Errorf("ping_interval_secs must be in (0, read_timeout_secs), got %d", s.PingIntervalSecs)
	}
	if s.SnapshotRPS <= 0 {
		return fmt.Errorf("snapshot_rps must be positive, got %f", s.SnapshotRPS)
	}
	if s.SnapshotBurst <= 0 {
		return fmt.Errorf("snapshot_burst must be positive, got %d", s.SnapshotBurst)
	}
	if err := s.BackoffMS.Validate(); err != nil {
		return fmt.Errorf("backoff_ms: %w", err)
	}
	if err := s.Circuit.Validate(); err != nil {
		return fmt.Errorf("circuit: %w", err)
	}
	return nil
}

// Validate ensures backoff configuration is valid
func (b *BackoffConfig) Validate() error {
	if b.Base <= 0 {
		return fmt.Errorf("base must be positive, got %d", b.Base)
	}
	if b.Max < b.Base {
		return fmt.Errorf("max (%d) must be >= base (%d)", b.Max, b.Base)
	}
	if b.Factor < 1 {
		return fmt.Errorf("factor must be >= 1, got %f", b.Factor)
	}
	return nil
}

// Validate ensures circuit breaker configuration is valid
func (c *CircuitConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.OpenMS <= 0 {
		return fmt.Errorf("open_ms must be positive, got %d", c.OpenMS)
	}
	return nil
}

// TickSize parses the configured bucket size.
func (a AggregateConfig) TickSize() (decimal.Decimal, error) {
	if strings.TrimSpace(a.Tick) == "" {
		return decimal.Zero, nil
	}
	tick, err := decimal.NewFromString(strings.TrimSpace(a.Tick))
	if err != nil {
		return decimal.Zero, fmt.Errorf("tick: %w", err)
	}
	if tick.IsNegative() {
		return decimal.Zero, fmt.Errorf("tick cannot be negative, got %s", tick)
	}
	return tick, nil
}

// LivenessWindow returns the staleness threshold as a time.Duration
func (r RegistryConfig) LivenessWindow() time.Duration {
	return time.Duration(r.LivenessSecs) * time.Second
}

// GetBaseBackoff returns the base backoff as a time.Duration
func (s *StreamConfig) GetBaseBackoff() time.Duration {
	return time.Duration(s.BackoffMS.Base) * time.Millisecond
}

// GetMaxBackoff returns the maximum backoff as a time.Duration
func (s *StreamConfig) GetMaxBackoff() time.Duration {
	return time.Duration(s.BackoffMS.Max) * time.Millisecond
}

// GetHandshakeTimeout returns the dial timeout as a time.Duration
func (s *StreamConfig) GetHandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeMS) * time.Millisecond
}

// GetTimeout returns the per-command Redis timeout
func (r RedisConfig) GetTimeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}
