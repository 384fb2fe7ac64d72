package config

import (
	"fmt"
	"time"
)

type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Bruteforce BruteforceConfig `mapstructure:"bruteforce"`
	Probe      ProbeConfig      `mapstructure:"probe"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
}

type LoggerConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
}

// HTTPConfig controls the client used for every GraphQL request.
type HTTPConfig struct {
	Timeout         time.Duration     `mapstructure:"timeout"`
	UserAgent       string            `mapstructure:"user_agent"`
	Headers         map[string]string `mapstructure:"headers"`
	BlockPrivate    bool              `mapstructure:"block_private"`
	FollowRedirects bool              `mapstructure:"follow_redirects"`
	MaxRedirects    int               `mapstructure:"max_redirects"`
}

type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	BurstSize         int           `mapstructure:"burst_size"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
}

type BruteforceConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	Timeout          time.Duration `mapstructure:"timeout"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	Encoding         string        `mapstructure:"encoding"`
	UseCache         bool          `mapstructure:"use_cache"`
}

type ProbeConfig struct {
	Query          string        `mapstructure:"query"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Concurrency    int           `mapstructure:"concurrency"`
}

type DiscoveryConfig struct {
	Concurrency int      `mapstructure:"concurrency"`
	ExtraPaths  []string `mapstructure:"extra_paths"`
	Hints       bool     `mapstructure:"hints"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	ExporterType string  `mapstructure:"exporter_type"`
	Endpoint     string  `mapstructure:"endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	TTL          time.Duration `mapstructure:"ttl"`
}

func (c *Config) Validate() error {
	if c.Bruteforce.Concurrency < 0 {
		return fmt.Errorf("bruteforce.concurrency must not be negative, got %d", c.Bruteforce.Concurrency)
	}
	switch c.Bruteforce.Encoding {
	case "", "plain", "hex", "base64":
	default:
		return fmt.Errorf("unknown wordlist encoding %q", c.Bruteforce.Encoding)
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive when rate limiting is enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be within [0,1], got %v", c.Telemetry.SampleRate)
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when the report store is enabled")
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:       "error",
			Format:      "console",
			OutputPaths: []string{"stderr"},
		},
		HTTP: HTTPConfig{
			Timeout:         10 * time.Second,
			UserAgent:       "gqlcrack/1.0",
			Headers:         map[string]string{},
			BlockPrivate:    false,
			FollowRedirects: true,
			MaxRedirects:    5,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 10,
			BurstSize:         5,
			MinDelay:          0,
		},
		Bruteforce: BruteforceConfig{
			Concurrency:      4,
			ProgressInterval: 2 * time.Second,
			Encoding:         "plain",
		},
		Probe: ProbeConfig{
			Query:          "query { __typename }",
			RequestTimeout: 10 * time.Second,
			Concurrency:    4,
		},
		Discovery: DiscoveryConfig{
			Concurrency: 8,
			Hints:       true,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "gqlcrack",
			ExporterType: "otlp",
			Endpoint:     "localhost:4318",
			SampleRate:   1.0,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxConnections:  10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			TTL:          30 * 24 * time.Hour,
		},
	}
}
