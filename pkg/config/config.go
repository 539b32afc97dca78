package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds settings for the execution core. Values are layered:
// defaults, then the optional YAML file, then .env, then the process environment.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	LogLevel string `yaml:"log_level"`

	// Execution
	DryRun          bool `yaml:"dry_run"`
	DryRunLatencyMs int  `yaml:"dry_run_latency_ms"`
	SubmitTimeoutMs int  `yaml:"submit_timeout_ms"`
	// Bounds the adapter call only; no retry follows.
	CancelTimeoutMs int  `yaml:"cancel_timeout_ms"`

	// Failed queries before a pending order is flagged as stalled. Queries
	// keep going with doubling delays capped at ReconcileMaxBackoffMs.
	ReconcileMaxAttempts  int `yaml:"reconcile_max_attempts"`
	ReconcileMaxBackoffMs int `yaml:"reconcile_max_backoff_ms"`

	// Seed mark prices for dry-run market orders; market_data events move them.
	DryRunMarks        map[string]float64 `yaml:"dry_run_marks"`
	// Synthetic market_data random walk over the marks; 0 disables it.
	MockFeedIntervalMs int                `yaml:"mock_feed_interval_ms"`

	// Periodic sweep of tracked orders; 0 disables it.
	ReconcileSweepIntervalMs int `yaml:"reconcile_sweep_interval_ms"`
	TickIntervalMs           int `yaml:"tick_interval_ms"`

	LoopBuffer      int  `yaml:"loop_buffer"`
	StrictEndpoints bool `yaml:"strict_endpoints"`

	Instruments []string `yaml:"instruments"`

	// Auth; empty secret leaves mutating routes open.
	JWTSecret string `yaml:"jwt_secret"`

	Risk       RiskConfig       `yaml:"risk"`
	UserStream UserStreamConfig `yaml:"user_stream"`
	Journal    JournalConfig    `yaml:"journal"`
}

type RiskConfig struct {
	Enabled            bool    `yaml:"enabled"`
	MaxPositionSize    float64 `yaml:"max_position_size"`
	MaxOrderSize       float64 `yaml:"max_order_size"`
	MaxOpenOrders      int     `yaml:"max_open_orders"`
	MinOrderIntervalMs int     `yaml:"min_order_interval_ms"`
}

type UserStreamConfig struct {
	URL         string `yaml:"url"`
	HeartbeatMs int    `yaml:"heartbeat_ms"`
}

type JournalConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Path            string `yaml:"path"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:                 ":8080",
		GRPCAddr:                 ":9090",
		LogLevel:                 "info",
		DryRun:                   true,
		DryRunLatencyMs:          20,
		DryRunMarks:              map[string]float64{"BTCUSDT": 65000, "ETHUSDT": 3000},
		SubmitTimeoutMs:          5000,
		CancelTimeoutMs:          5000,
		ReconcileMaxAttempts:     5,
		ReconcileMaxBackoffMs:    60000,
		ReconcileSweepIntervalMs: 30000,
		TickIntervalMs:           1000,
		LoopBuffer:               1024,
		Instruments:              []string{"BTCUSDT", "ETHUSDT"},
		Risk: RiskConfig{
			Enabled:            true,
			MaxPositionSize:    10,
			MaxOrderSize:       5,
			MaxOpenOrders:      50,
			MinOrderIntervalMs: 0,
		},
		UserStream: UserStreamConfig{HeartbeatMs: 15000},
		Journal: JournalConfig{
			Path:            "./data/journal.db",
			BatchSize:       100,
			FlushIntervalMs: 100,
		},
	}
}

// Load builds the config from defaults, the YAML file at path (skipped when
// empty or missing), .env and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Ignore error so the core still starts when .env is missing.
	_ = godotenv.Load()

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getEnv("GRPC_ADDR", c.GRPCAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DryRun = getEnvBool("DRY_RUN", c.DryRun)
	c.DryRunLatencyMs = getEnvInt("DRY_RUN_LATENCY_MS", c.DryRunLatencyMs)
	c.SubmitTimeoutMs = getEnvInt("SUBMIT_TIMEOUT_MS", c.SubmitTimeoutMs)
	c.CancelTimeoutMs = getEnvInt("CANCEL_TIMEOUT_MS", c.CancelTimeoutMs)
	c.ReconcileMaxAttempts = getEnvInt("RECONCILE_MAX_ATTEMPTS", c.ReconcileMaxAttempts)
	c.ReconcileMaxBackoffMs = getEnvInt("RECONCILE_MAX_BACKOFF_MS", c.ReconcileMaxBackoffMs)
	c.ReconcileSweepIntervalMs = getEnvInt("RECONCILE_SWEEP_INTERVAL_MS", c.ReconcileSweepIntervalMs)
	c.TickIntervalMs = getEnvInt("TICK_INTERVAL_MS", c.TickIntervalMs)
	c.MockFeedIntervalMs = getEnvInt("MOCK_FEED_INTERVAL_MS", c.MockFeedIntervalMs)
	c.LoopBuffer = getEnvInt("LOOP_BUFFER", c.LoopBuffer)
	c.StrictEndpoints = getEnvBool("STRICT_ENDPOINTS", c.StrictEndpoints)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	if v := os.Getenv("INSTRUMENTS"); v != "" {
		c.Instruments = splitAndTrim(v)
	}
	if v := os.Getenv("DRY_RUN_MARKS"); v != "" {
		c.DryRunMarks = parseMarks(v, c.DryRunMarks)
	}

	c.Risk.Enabled = getEnvBool("RISK_ENABLED", c.Risk.Enabled)
	c.Risk.MaxPositionSize = getEnvFloat("RISK_MAX_POSITION_SIZE", c.Risk.MaxPositionSize)
	c.Risk.MaxOrderSize = getEnvFloat("RISK_MAX_ORDER_SIZE", c.Risk.MaxOrderSize)
	c.Risk.MaxOpenOrders = getEnvInt("RISK_MAX_OPEN_ORDERS", c.Risk.MaxOpenOrders)
	c.Risk.MinOrderIntervalMs = getEnvInt("RISK_MIN_ORDER_INTERVAL_MS", c.Risk.MinOrderIntervalMs)

	c.UserStream.URL = getEnv("USER_STREAM_URL", c.UserStream.URL)
	c.UserStream.HeartbeatMs = getEnvInt("USER_STREAM_HEARTBEAT_MS", c.UserStream.HeartbeatMs)

	c.Journal.Enabled = getEnvBool("JOURNAL_ENABLED", c.Journal.Enabled)
	c.Journal.Path = getEnv("JOURNAL_PATH", c.Journal.Path)
	c.Journal.BatchSize = getEnvInt("JOURNAL_BATCH_SIZE", c.Journal.BatchSize)
	c.Journal.FlushIntervalMs = getEnvInt("JOURNAL_FLUSH_INTERVAL_MS", c.Journal.FlushIntervalMs)
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.SubmitTimeoutMs <= 0:
		return fmt.Errorf("config: submit_timeout_ms must be positive, got %d", c.SubmitTimeoutMs)
	case c.CancelTimeoutMs <= 0:
		return fmt.Errorf("config: cancel_timeout_ms must be positive, got %d", c.CancelTimeoutMs)
	case c.ReconcileMaxAttempts <= 0:
		return fmt.Errorf("config: reconcile_max_attempts must be positive, got %d", c.ReconcileMaxAttempts)
	case c.ReconcileMaxBackoffMs < c.SubmitTimeoutMs:
		return fmt.Errorf("config: reconcile_max_backoff_ms must be at least submit_timeout_ms")
	case c.LoopBuffer <= 0:
		return fmt.Errorf("config: loop_buffer must be positive, got %d", c.LoopBuffer)
	case c.ReconcileSweepIntervalMs < 0:
		return fmt.Errorf("config: reconcile_sweep_interval_ms must not be negative")
	case c.MockFeedIntervalMs < 0:
		return fmt.Errorf("config: mock_feed_interval_ms must not be negative")
	case c.Risk.MaxOpenOrders < 0 || c.Risk.MinOrderIntervalMs < 0:
		return fmt.Errorf("config: risk limits must not be negative")
	case c.Journal.Enabled && c.Journal.Path == "":
		return fmt.Errorf("config: journal.path required when journal is enabled")
	}
	return nil
}

func (c *Config) SubmitTimeout() time.Duration    { return ms(c.SubmitTimeoutMs) }
func (c *Config) ReconcileBackoff() time.Duration { return ms(c.ReconcileMaxBackoffMs) }
func (c *Config) CancelTimeout() time.Duration    { return ms(c.CancelTimeoutMs) }
func (c *Config) SweepInterval() time.Duration    { return ms(c.ReconcileSweepIntervalMs) }
func (c *Config) TickInterval() time.Duration     { return ms(c.TickIntervalMs) }
func (c *Config) DryRunLatency() time.Duration    { return ms(c.DryRunLatencyMs) }
func (c *Config) MockFeedInterval() time.Duration { return ms(c.MockFeedIntervalMs) }

func (r RiskConfig) MinOrderInterval() time.Duration { return ms(r.MinOrderIntervalMs) }

func (u UserStreamConfig) Heartbeat() time.Duration { return ms(u.HeartbeatMs) }

func (j JournalConfig) FlushInterval() time.Duration { return ms(j.FlushIntervalMs) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseMarks reads "SYM=price,SYM=price". Malformed pairs are skipped.
func parseMarks(val string, base map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, pair := range splitAndTrim(val) {
		sym, price, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(price), 64)
		if err != nil || f <= 0 {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(sym))] = f
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
