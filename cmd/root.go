package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/logger"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/validation"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/graphql"
)

var (
	cfg *config.Config
	log *logger.Logger
	tel telemetry.Telemetry
)

var rootCmd = &cobra.Command{
	Use:   "gqlcrack",
	Short: "GraphQL security assessment and JWT secret recovery",
	Long: `gqlcrack - GraphQL Security Assessment Toolkit

Recovers weak HMAC secrets of JSON Web Tokens and tests GraphQL endpoints
for authentication bypasses, exposed introspection and sensitive operations.

Authorized testing only. Run it against systems you own or have written
permission to assess.

COMMANDS:
  Tokens:
    gqlcrack jwt crack       - Brute-force the HMAC secret of a token
    gqlcrack jwt analyze     - Report structural weaknesses of a token
    gqlcrack jwt forge       - Re-sign a token or build unsigned variants
    gqlcrack jwt forget      - Drop a cached secret

  GraphQL:
    gqlcrack discover        - Find GraphQL endpoints under a base URL
    gqlcrack fingerprint     - Identify the server implementation
    gqlcrack introspect      - Fetch and analyze the schema
    gqlcrack enum            - Enumerate fields without introspection
    gqlcrack probe           - Replay a query under transport variations

  Assessment:
    gqlcrack assess          - Run the full workflow and write a report
    gqlcrack reports         - Query stored assessment reports

Every persistent flag can also be set through the environment with the
GQLCRACK_ prefix, for example GQLCRACK_LOGGER_LEVEL=debug.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(cmd); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		tel, err = telemetry.New(cmd.Context(), cfg.Telemetry)
		if err != nil {
			log.Warnw("Telemetry unavailable - continuing without it", "error", err)
			tel, _ = telemetry.New(cmd.Context(), config.TelemetryConfig{})
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if tel != nil {
			if err := tel.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to flush telemetry: %v\n", err)
			}
		}
		if log != nil {
			// Sync on stdout/stderr returns EINVAL on Linux.
			if err := log.Sync(); err != nil {
				if err.Error() != "sync /dev/stdout: invalid argument" && err.Error() != "sync /dev/stderr: invalid argument" {
					fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", err)
				}
			}
		}
	},
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM.
func Execute() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			color.Yellow("\n  Received %s - shutting down gracefully...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	def := config.DefaultConfig()
	flags := rootCmd.PersistentFlags()

	flags.String("config", "", "config file (yaml, json or toml)")
	flags.BoolP("verbose", "v", false, "debug logging")

	// Logging
	flags.String("log-level", def.Logger.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", def.Logger.Format, "log format (json, console)")
	viper.BindPFlag("logger.level", flags.Lookup("log-level"))
	viper.BindPFlag("logger.format", flags.Lookup("log-format"))
	viper.BindEnv("logger.level", "GQLCRACK_LOG_LEVEL")
	viper.BindEnv("logger.format", "GQLCRACK_LOG_FORMAT")

	// HTTP
	flags.Duration("http-timeout", def.HTTP.Timeout, "per-request HTTP timeout")
	flags.String("user-agent", def.HTTP.UserAgent, "User-Agent sent with every request")
	flags.StringArrayP("header", "H", nil, "extra request header as 'Name: value' (repeatable)")
	flags.Bool("block-private", def.HTTP.BlockPrivate, "refuse to connect to private and loopback addresses")
	viper.BindPFlag("http.timeout", flags.Lookup("http-timeout"))
	viper.BindPFlag("http.user_agent", flags.Lookup("user-agent"))
	viper.BindPFlag("http.block_private", flags.Lookup("block-private"))

	// Rate limiting
	flags.Float64("rate-limit", 0, "requests per second across all hosts (0 disables)")
	flags.Int("rate-burst", def.RateLimit.BurstSize, "rate limit burst size")
	viper.BindPFlag("rate_limit.burst_size", flags.Lookup("rate-burst"))
	viper.BindEnv("rate_limit.requests_per_second", "GQLCRACK_RATE_LIMIT")

	// Report store
	flags.String("db-dsn", "", "PostgreSQL connection string for the report store")
	flags.Int("db-max-conns", def.Database.MaxConnections, "maximum database connections")
	viper.BindPFlag("database.dsn", flags.Lookup("db-dsn"))
	viper.BindPFlag("database.max_connections", flags.Lookup("db-max-conns"))
	viper.BindEnv("database.dsn", "GQLCRACK_DATABASE_DSN", "DATABASE_URL")

	// Secret cache
	flags.String("redis-addr", def.Redis.Addr, "Redis address for the cracked-secret cache")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database number")
	viper.BindPFlag("redis.addr", flags.Lookup("redis-addr"))
	viper.BindPFlag("redis.password", flags.Lookup("redis-password"))
	viper.BindPFlag("redis.db", flags.Lookup("redis-db"))
	viper.BindEnv("redis.addr", "GQLCRACK_REDIS_ADDR", "REDIS_URL")
	viper.BindEnv("redis.password", "GQLCRACK_REDIS_PASSWORD")

	// Telemetry
	flags.Bool("telemetry", def.Telemetry.Enabled, "export traces and metrics over OTLP")
	flags.String("telemetry-endpoint", def.Telemetry.Endpoint, "OTLP HTTP collector endpoint")
	viper.BindPFlag("telemetry.enabled", flags.Lookup("telemetry"))
	viper.BindPFlag("telemetry.endpoint", flags.Lookup("telemetry-endpoint"))
	viper.BindEnv("telemetry.endpoint", "GQLCRACK_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// initConfig layers defaults, an optional config file, GQLCRACK_* env vars
// and flags into cfg.
func initConfig(cmd *cobra.Command) error {
	viper.SetEnvPrefix("GQLCRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg = config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	flags := cmd.Flags()
	if verbose, _ := flags.GetBool("verbose"); verbose {
		cfg.Logger.Level = "debug"
	}
	if rps, _ := flags.GetFloat64("rate-limit"); rps > 0 {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RequestsPerSecond = rps
	}
	if cfg.Database.DSN != "" {
		cfg.Database.Enabled = true
	}

	raw, _ := flags.GetStringArray("header")
	headers, err := parseHeaders(raw)
	if err != nil {
		return err
	}
	if cfg.HTTP.Headers == nil {
		cfg.HTTP.Headers = map[string]string{}
	}
	for k, v := range headers {
		cfg.HTTP.Headers[k] = v
	}

	return cfg.Validate()
}

// parseHeaders turns "Name: value" pairs into a map.
func parseHeaders(raw []string) (map[string]string, error) {
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q: expected 'Name: value'", h)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

// newClient builds the GraphQL client shared by every network command.
func newClient() *graphql.Client {
	return graphql.NewClient(graphql.ClientConfigFrom(cfg.HTTP),
		graphql.WithLimiter(ratelimit.FromConfig(cfg.RateLimit)),
		graphql.WithLogger(log),
	)
}

func GetConfig() *config.Config {
	return cfg
}

func GetLogger() *logger.Logger {
	return log
}

// resolveTarget normalizes a --url value and applies --block-private.
func resolveTarget(raw string) (string, error) {
	target, err := validation.ValidateTarget(raw, cfg.HTTP.BlockPrivate)
	if err != nil {
		return "", fmt.Errorf("invalid target: %w", err)
	}
	for _, w := range target.Warnings {
		log.Warnw("Target warning", "target", target.URL, "warning", w)
	}
	return target.URL, nil
}
