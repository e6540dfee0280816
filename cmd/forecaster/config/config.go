// Package config provides configuration parsing for the forecaster.
//
// It handles both command-line flags and environment variables, with flags taking
// precedence over environment variables. The Config struct contains all runtime
// configuration for the forecaster including:
//   - Listeners (HTTP, gRPC) and TLS files
//   - Logging (level, format)
//   - Artifact directory and tenants file
//   - Snapshot storage (memory or redis)
//   - Ensemble parameters (horizon bounds, timeout, anchor multiple, interval level)
//   - Scheduler timing (interval, history window, stale threshold)
//
// Supported configuration sources (in order of precedence):
//  1. Command-line flags
//  2. Environment variables
//  3. Default values
//
// Example usage:
//
//	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/HatiCode/gridcast/pkg/artifacts"
	"github.com/HatiCode/gridcast/pkg/ensemble"
	"github.com/HatiCode/gridcast/pkg/tls"
)

// Config holds all forecaster configuration.
type Config struct {
	Listen     string
	GRPCListen string
	LogFormat  string
	LogLevel   string

	ArtifactsDir  string
	ArtifactRetry time.Duration
	TenantsFile   string

	Storage       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	MinHorizon      int
	MaxHorizon      int
	ForecastTimeout time.Duration
	AnchorMultiple  float64
	IntervalLevel   string
	FallbackSeed    uint64

	ScheduleInterval time.Duration
	HistoryWindow    time.Duration
	StaleAfter       time.Duration

	TLS tls.Config
}

// Parse registers the forecaster flags on fs, parses args and validates the
// result. Environment variables supply the flag defaults.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}

	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8081"), "HTTP listen address")
	fs.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ":9091"), "gRPC listen address (empty disables gRPC)")

	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	fs.StringVar(&cfg.ArtifactsDir, "artifacts-dir", getEnv("ARTIFACTS_DIR", "models"), "Directory holding trained model artifacts")
	fs.DurationVar(&cfg.ArtifactRetry, "artifact-retry", getEnvDuration("ARTIFACT_RETRY_INTERVAL", artifacts.DefaultRetryInterval), "Minimum time between re-reads of a missing or invalid artifact")
	fs.StringVar(&cfg.TenantsFile, "tenants-file", getEnv("TENANTS_FILE", ""), "Tenants YAML file (empty uses the built-in tenants)")

	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "memory"), "Storage backend: memory or redis")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.DurationVar(&cfg.RedisTTL, "redis-ttl", getEnvDuration("REDIS_TTL", 2*time.Hour), "Forecast snapshot TTL")

	fs.IntVar(&cfg.MinHorizon, "min-horizon", getEnvInt("MIN_HORIZON", ensemble.DefaultMinHorizon), "Minimum forecast horizon in hours")
	fs.IntVar(&cfg.MaxHorizon, "max-horizon", getEnvInt("MAX_HORIZON", ensemble.DefaultMaxHorizon), "Maximum forecast horizon in hours")
	fs.DurationVar(&cfg.ForecastTimeout, "forecast-timeout", getEnvDuration("FORECAST_TIMEOUT", 10*time.Second), "Time budget for the model ensemble before falling back")
	fs.Float64Var(&cfg.AnchorMultiple, "anchor-multiple", getEnvFloat("ANCHOR_MULTIPLE", ensemble.DefaultAnchorMultiple), "Flag forecasts whose first hour deviates more than this many history std devs")
	fs.StringVar(&cfg.IntervalLevel, "interval-level", getEnv("INTERVAL_LEVEL", "p95"), "Confidence level of the forecast band (p90, p95 or 0.90, 0.95)")
	fs.Uint64Var(&cfg.FallbackSeed, "fallback-seed", getEnvUint("FALLBACK_SEED", 42), "Seed of the synthetic fallback generator")

	fs.DurationVar(&cfg.ScheduleInterval, "schedule-interval", getEnvDuration("SCHEDULE_INTERVAL", time.Hour), "Interval between scheduled tenant forecasts")
	fs.DurationVar(&cfg.HistoryWindow, "history-window", getEnvDuration("HISTORY_WINDOW", 7*24*time.Hour), "History collected for scheduled forecasts")
	fs.DurationVar(&cfg.StaleAfter, "stale-after", getEnvDuration("STALE_AFTER", 0), "Age after which a stored forecast is stale (0 means 2x schedule interval)")

	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable mutual TLS for the HTTP and gRPC listeners")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "TLS CA certificate file for peer verification")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 2 * cfg.ScheduleInterval
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address cannot be empty")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format %q (must be text or json)", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q (must be debug, info, warn or error)", c.LogLevel)
	}

	switch c.Storage {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("redis address required when storage=redis")
		}
		if c.RedisDB < 0 {
			return errors.New("redis db cannot be negative")
		}
	default:
		return fmt.Errorf("invalid storage %q (must be memory or redis)", c.Storage)
	}
	if c.RedisTTL <= 0 {
		return errors.New("redis ttl must be > 0")
	}

	if c.MinHorizon < 1 {
		return errors.New("min horizon must be >= 1")
	}
	if c.MaxHorizon < c.MinHorizon {
		return fmt.Errorf("max horizon (%d) < min horizon (%d)", c.MaxHorizon, c.MinHorizon)
	}
	if c.ForecastTimeout <= 0 {
		return errors.New("forecast timeout must be > 0")
	}
	if c.AnchorMultiple <= 0 {
		return errors.New("anchor multiple must be > 0")
	}
	if _, err := ensemble.ParseIntervalLevel(c.IntervalLevel); err != nil {
		return fmt.Errorf("interval level: %w", err)
	}

	if c.ScheduleInterval <= 0 {
		return errors.New("schedule interval must be > 0")
	}
	if c.HistoryWindow < time.Hour {
		return errors.New("history window must be at least 1h")
	}
	if c.StaleAfter < 0 {
		return errors.New("stale after cannot be negative")
	}
	if c.ArtifactRetry < 0 {
		return errors.New("artifact retry interval cannot be negative")
	}

	return c.TLS.Validate()
}

// EnsembleOptions converts the ensemble settings. Call after Validate.
func (c *Config) EnsembleOptions() ensemble.Options {
	level, _ := ensemble.ParseIntervalLevel(c.IntervalLevel)
	return ensemble.Options{
		MinHorizon:     c.MinHorizon,
		MaxHorizon:     c.MaxHorizon,
		Timeout:        c.ForecastTimeout,
		AnchorMultiple: c.AnchorMultiple,
		IntervalLevel:  level,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if u, err := strconv.ParseUint(value, 10, 64); err == nil {
			return u
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
