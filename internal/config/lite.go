package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ae-signal-engine/internal/domain"
)

// LiteConfig is the configuration of the standalone MCP tool server.
// It requires no external databases and uses sensible defaults.
type LiteConfig struct {
	// Data storage
	DataDir    string // Base directory for the review database and exports
	ArchiveDir string // Case archive loaded at startup; empty waits for an ingest call

	// Cache settings
	CacheMaxItems int           // Maximum contingency tables in memory
	CacheTTL      time.Duration // TTL of the shared redis tier
	RedisURL      string        // Optional shared cache tier

	// Engine overrides
	DuplicateThreshold float64
	TrendWidth         domain.BucketWidth

	// Logging; output always goes to stderr since stdout carries the protocol
	LogLevel  string
	LogFormat string
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	engine := domain.DefaultEngineConfig()

	return &LiteConfig{
		DataDir:            filepath.Join(homeDir, ".ae-signal"),
		CacheMaxItems:      50000,
		CacheTTL:           24 * time.Hour,
		DuplicateThreshold: engine.Duplicates.Threshold,
		TrendWidth:         engine.Trend.Width,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	if v := os.Getenv("AE_SIGNAL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	cfg.ArchiveDir = os.Getenv("AE_SIGNAL_ARCHIVE_DIR")

	if v := os.Getenv("AE_SIGNAL_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxItems = n
		}
	}
	if v := os.Getenv("AE_SIGNAL_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}
	cfg.RedisURL = os.Getenv("AE_SIGNAL_REDIS_URL")

	if v := os.Getenv("AE_SIGNAL_DUPLICATE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.DuplicateThreshold = f
		}
	}
	if v := domain.BucketWidth(os.Getenv("AE_SIGNAL_TREND_WIDTH")); v.IsValid() {
		cfg.TrendWidth = v
	}

	if v := os.Getenv("AE_SIGNAL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AE_SIGNAL_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// Engine returns the default engine configuration with the lite overrides
// applied.
func (c *LiteConfig) Engine() domain.EngineConfig {
	e := domain.DefaultEngineConfig()
	if c.DuplicateThreshold > 0 {
		e.Duplicates.Threshold = c.DuplicateThreshold
	}
	if c.TrendWidth.IsValid() {
		e.Trend.Width = c.TrendWidth
	}
	return e
}

// Logging returns the logger settings for the MCP process.
func (c *LiteConfig) Logging() domain.LoggingConfig {
	return domain.LoggingConfig{Level: c.LogLevel, Format: c.LogFormat, Output: "stderr"}
}

// Cache returns the cache settings for the MCP process.
func (c *LiteConfig) Cache() domain.CacheConfig {
	return domain.CacheConfig{
		MaxEntries:  c.CacheMaxItems,
		RedisURL:    c.RedisURL,
		DefaultTTL:  c.CacheTTL,
		MaxRetries:  3,
		PoolSize:    4,
		PoolTimeout: 4 * time.Second,
	}
}

// ReviewDBPath returns the path to the duplicate-review SQLite database.
func (c *LiteConfig) ReviewDBPath() string {
	return filepath.Join(c.DataDir, "reviews.db")
}

// ExportDir returns the directory for JSON exports.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0755)
}
