// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math"
	"os"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Monitor data sources
const (
	MonitorSourceWindow = "window"
	MonitorSourceStore  = "store"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // Apply embedded goose migrations on startup

	// Scoring
	ModelPath             string  // JSON model artifact; empty uses the built-in baseline
	ScoreThreshold        float64 // score < threshold is labelled Anomaly
	RiskCriticalThreshold float64 // head score < threshold escalates risk to CRITICAL
	BreakerThreshold      int
	BreakerOpenDuration   time.Duration

	// Live window & monitor
	HistoryWindowSize int
	PollInterval      time.Duration
	MonitorSource     string
	MonitorTableRows  int

	// Replay driver
	ReplayDelayMin    time.Duration
	ReplayDelayMax    time.Duration
	ReplayTimeout     time.Duration
	ReplayMaxAttempts int

	// Security
	RateLimitRPM       int
	RateLimitBurst     int
	CORSAllowedOrigins []string // "*" allows any origin without credentials

	// Risk alerts
	AlertWebhookURLs   []string
	AlertWebhookSecret string // HMAC-SHA256 key for X-Fraudwatch-Signature

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultHistoryWindowSize     = 200
	DefaultScoreThreshold        = 0.0
	DefaultRiskCriticalThreshold = -0.1
	DefaultPollInterval          = 1.0 // seconds
	DefaultMonitorTableRows      = 20
	DefaultReplayDelayMin        = 0.1 // seconds
	DefaultReplayDelayMax        = 0.5 // seconds
	DefaultReplayTimeout         = 5.0 // seconds
	DefaultReplayMaxAttempts     = 2
	DefaultRateLimitRPM          = 6000
	DefaultRateLimitBurst        = 200
	DefaultBreakerThreshold      = 5
	DefaultBreakerOpen           = 30.0 // seconds
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AutoMigrate:           getEnvBool("AUTO_MIGRATE", true),
		ModelPath:             os.Getenv("MODEL_PATH"),
		ScoreThreshold:        getEnvFloat("SCORE_THRESHOLD", DefaultScoreThreshold),
		RiskCriticalThreshold: getEnvFloat("RISK_CRITICAL_THRESHOLD", DefaultRiskCriticalThreshold),
		BreakerThreshold:      int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerOpenDuration:   seconds(getEnvFloat("BREAKER_OPEN_SECONDS", DefaultBreakerOpen)),
		HistoryWindowSize:     int(getEnvInt64("HISTORY_WINDOW_SIZE", DefaultHistoryWindowSize)),
		PollInterval:          seconds(getEnvFloat("POLL_INTERVAL_SECONDS", DefaultPollInterval)),
		MonitorSource:         getEnv("MONITOR_SOURCE", MonitorSourceWindow),
		MonitorTableRows:      int(getEnvInt64("MONITOR_TABLE_ROWS", DefaultMonitorTableRows)),
		ReplayDelayMin:        seconds(getEnvFloat("REPLAY_DELAY_MIN_SECONDS", DefaultReplayDelayMin)),
		ReplayDelayMax:        seconds(getEnvFloat("REPLAY_DELAY_MAX_SECONDS", DefaultReplayDelayMax)),
		ReplayTimeout:         seconds(getEnvFloat("REPLAY_TIMEOUT_SECONDS", DefaultReplayTimeout)),
		ReplayMaxAttempts:     int(getEnvInt64("REPLAY_MAX_ATTEMPTS", DefaultReplayMaxAttempts)),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:        int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSAllowedOrigins:    getEnvListDefault("CORS_ALLOWED_ORIGINS", []string{"*"}),
		AlertWebhookURLs:      getEnvList("ALERT_WEBHOOK_URLS"),
		AlertWebhookSecret:    os.Getenv("ALERT_WEBHOOK_SECRET"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration populated with defaults only, without
// reading the environment. Used by tests and in-process tools.
func Default() *Config {
	return &Config{
		Port:                  DefaultPort,
		Env:                   DefaultEnv,
		LogLevel:              DefaultLogLevel,
		LogFormat:             DefaultLogFormat,
		AutoMigrate:           true,
		ScoreThreshold:        DefaultScoreThreshold,
		RiskCriticalThreshold: DefaultRiskCriticalThreshold,
		BreakerThreshold:      DefaultBreakerThreshold,
		BreakerOpenDuration:   seconds(DefaultBreakerOpen),
		HistoryWindowSize:     DefaultHistoryWindowSize,
		PollInterval:          seconds(DefaultPollInterval),
		MonitorSource:         MonitorSourceWindow,
		MonitorTableRows:      DefaultMonitorTableRows,
		ReplayDelayMin:        seconds(DefaultReplayDelayMin),
		ReplayDelayMax:        seconds(DefaultReplayDelayMax),
		ReplayTimeout:         seconds(DefaultReplayTimeout),
		ReplayMaxAttempts:     DefaultReplayMaxAttempts,
		RateLimitRPM:          DefaultRateLimitRPM,
		RateLimitBurst:        DefaultRateLimitBurst,
		CORSAllowedOrigins:    []string{"*"},
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.HistoryWindowSize <= 0 {
		return fmt.Errorf("HISTORY_WINDOW_SIZE must be positive, got %d", c.HistoryWindowSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be positive")
	}
	if c.ReplayDelayMin < 0 || c.ReplayDelayMax < c.ReplayDelayMin {
		return fmt.Errorf("replay delay range is invalid: min=%s max=%s", c.ReplayDelayMin, c.ReplayDelayMax)
	}
	if c.ReplayTimeout <= 0 {
		return fmt.Errorf("REPLAY_TIMEOUT_SECONDS must be positive")
	}
	if !finite(c.ScoreThreshold) {
		return fmt.Errorf("SCORE_THRESHOLD must be a finite number")
	}
	if !finite(c.RiskCriticalThreshold) {
		return fmt.Errorf("RISK_CRITICAL_THRESHOLD must be a finite number")
	}
	switch c.MonitorSource {
	case MonitorSourceWindow, MonitorSourceStore:
	default:
		return fmt.Errorf("MONITOR_SOURCE must be %q or %q, got %q", MonitorSourceWindow, MonitorSourceStore, c.MonitorSource)
	}
	if c.MonitorTableRows <= 0 {
		return fmt.Errorf("MONITOR_TABLE_ROWS must be positive")
	}
	for _, raw := range c.AlertWebhookURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("ALERT_WEBHOOK_URLS entry %q is not an http(s) URL", raw)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blank entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvListDefault(key string, defaultValue []string) []string {
	if list := getEnvList(key); len(list) > 0 {
		return list
	}
	return defaultValue
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
