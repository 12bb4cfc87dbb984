// Package config provides configuration parsing and management for the
// forecast service.
//
// It handles both command-line flags and environment variables, with flags
// taking precedence over environment variables. The Config struct contains
// all runtime configuration for the service including:
//   - Case data source settings (kind, source-specific options)
//   - Forecast parameters (horizon, interval level)
//   - Training parameters (held-out fraction, seed)
//   - Storage backend settings (memory or redis)
//   - Timing configuration (refresh interval)
//   - Logging configuration (level, format)
//
// Source-specific configuration is provided via SOURCE_* environment
// variables, mirrored into a generic map consumed by the source factory.
//
// Supported configuration sources (in order of precedence):
//  1. Command-line flags
//  2. Environment variables
//  3. Default values
//
// Example usage:
//
//	cfg, err := config.ParseFlags()
//	// cfg contains the validated service configuration
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/epicast/epicast/pkg/models"
)

// Config holds all forecast service configuration.
type Config struct {
	Listen    string
	LogFormat string
	LogLevel  string

	Storage       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	Source       string
	SourceConfig map[string]string

	HorizonDays     int
	IntervalLevel   string
	TestFraction    float64
	Seed            int64
	RefreshInterval time.Duration
	ArtifactPath    string
}

// ParseFlags parses command-line flags and environment variables into a
// Config. Environment variables are used as fallbacks when flags are not
// provided. Returns an error when the configuration is not usable.
func ParseFlags() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8081"), "HTTP listen address")

	flag.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	flag.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "memory"), "Storage backend: memory or redis")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	flag.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	flag.DurationVar(&cfg.RedisTTL, "redis-ttl", getEnvDuration("REDIS_TTL", 6*time.Hour), "Redis snapshot TTL")

	flag.StringVar(&cfg.Source, "source", getEnv("SOURCE", ""), "Case data source: http or file (required)")

	flag.IntVar(&cfg.HorizonDays, "horizon-days", getEnvInt("HORIZON_DAYS", 30), "Forecast horizon in days")
	flag.StringVar(&cfg.IntervalLevel, "interval-level", getEnv("INTERVAL_LEVEL", "p80"), "Uncertainty interval level (p80, p95, or 0.80, 0.95)")
	flag.Float64Var(&cfg.TestFraction, "test-fraction", getEnvFloat("TEST_FRACTION", 0.2), "Held-out share of rows for evaluation")
	flag.Int64Var(&cfg.Seed, "seed", int64(getEnvInt("SEED", 42)), "Seed for the train/test shuffle and ensemble bootstrap")
	flag.DurationVar(&cfg.RefreshInterval, "refresh-interval", getEnvDuration("REFRESH_INTERVAL", 6*time.Hour), "Re-fetch and retrain interval")
	flag.StringVar(&cfg.ArtifactPath, "artifact-path", getEnv("ARTIFACT_PATH", ""), "Path for the trained model artifact (restored at boot, written after each train)")

	flag.Parse()

	cfg.SourceConfig = parseSourceConfig()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Source == "" {
		return fmt.Errorf("--source is required")
	}

	if c.Storage != "memory" && c.Storage != "redis" {
		return fmt.Errorf("invalid storage backend %q (must be memory or redis)", c.Storage)
	}

	if c.HorizonDays <= 0 {
		return fmt.Errorf("horizon-days must be > 0")
	}

	if c.TestFraction <= 0 || c.TestFraction >= 1 {
		return fmt.Errorf("test-fraction must be within (0, 1)")
	}

	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh-interval must be > 0")
	}

	if _, err := models.ParseIntervalLevel(c.IntervalLevel); err != nil {
		return fmt.Errorf("interval-level: %w", err)
	}

	return nil
}

// ParsedIntervalLevel returns the interval level as a fraction.
// Call only after validation has succeeded.
func (c *Config) ParsedIntervalLevel() float64 {
	level, err := models.ParseIntervalLevel(c.IntervalLevel)
	if err != nil {
		return 0.80
	}
	return level
}

// parseSourceConfig parses SOURCE_* environment variables into a generic
// configuration map for the source factory. For example: SOURCE_URL,
// SOURCE_REGION_PATH, SOURCE_PATH. Environment variable names are
// converted to camelCase for the map keys (SOURCE_REGION_PATH → regionPath).
func parseSourceConfig() map[string]string {
	config := make(map[string]string)

	for _, env := range os.Environ() {
		if len(env) > 7 && env[:7] == "SOURCE_" {
			parts := splitEnv(env)
			if len(parts) == 2 {
				key := toLowerCamelCase(parts[0][7:])
				config[key] = parts[1]
			}
		}
	}

	return config
}

func splitEnv(env string) []string {
	for i := 0; i < len(env); i++ {
		if env[i] == '=' {
			return []string{env[:i], env[i+1:]}
		}
	}
	return []string{env}
}

func toLowerCamelCase(s string) string {
	if s == "" {
		return s
	}
	parts := []rune(s)
	result := make([]rune, 0, len(parts))
	nextUpper := false
	for i, r := range parts {
		if r == '_' {
			nextUpper = true
			continue
		}
		if i == 0 {
			result = append(result, toLower(r))
		} else if nextUpper {
			result = append(result, r)
			nextUpper = false
		} else {
			result = append(result, toLower(r))
		}
	}
	return string(result)
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + 32
	}
	return r
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
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
