// Package config loads the server and engine configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/ae-signal-engine/internal/domain"
)

// EnvPrefix is prepended to every environment override, e.g.
// AE_SIGNAL_SERVER_PORT or AE_SIGNAL_ENGINE_TREND_WIDTH.
const EnvPrefix = "AE_SIGNAL"

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v          *viper.Viper
	configFile string
	config     *domain.Config
}

// NewManager creates a new configuration manager. configFile may be empty, in
// which case config.yaml is searched in the usual locations.
func NewManager(configFile string) (*Manager, error) {
	m := &Manager{configFile: configFile}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	v := viper.New()

	if m.configFile != "" {
		v.SetConfigFile(m.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/ae-signal-engine/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// A missing config file is fine; defaults and environment still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || m.configFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(config, hook); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.v = v
	m.config = config
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_limit_burst", 40)

	// Run store defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "ae_signal")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	// Review store defaults
	v.SetDefault("review.driver", "sqlite")
	v.SetDefault("review.sqlite_path", "data/reviews.db")
	v.SetDefault("review.postgres_url", "")

	// Cache defaults; an empty redis_url disables the shared tier
	v.SetDefault("cache.max_entries", 50000)
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.default_ttl", "24h")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "4s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.filename", "")

	v.SetDefault("mcp.server_name", "ae-signal-engine")
	v.SetDefault("mcp.server_version", "1.0.0")

	v.SetDefault("archive.dir", "")

	setEngineDefaults(v, domain.DefaultEngineConfig())
}

// setEngineDefaults registers every engine tunable so that each one can be
// overridden from the environment.
func setEngineDefaults(v *viper.Viper, d domain.EngineConfig) {
	tables := make([]string, len(d.Ingest.RequiredTables))
	for i, k := range d.Ingest.RequiredTables {
		tables[i] = string(k)
	}
	v.SetDefault("engine.ingest.required_tables", tables)
	v.SetDefault("engine.ingest.demographics_fallback", d.Ingest.DemographicsFallback)
	v.SetDefault("engine.ingest.workers", d.Ingest.Workers)
	v.SetDefault("engine.ingest.shard_size", d.Ingest.ShardSize)
	v.SetDefault("engine.ingest.max_parse_errors", d.Ingest.MaxParseErrors)

	v.SetDefault("engine.stats.min_case_count", d.Stats.MinCaseCount)
	v.SetDefault("engine.stats.z_critical", d.Stats.ZCritical)
	v.SetDefault("engine.stats.suspect_only", d.Stats.SuspectOnly)

	s := d.Scoring
	v.SetDefault("engine.scoring.weights.rarity", s.Weights.Rarity)
	v.SetDefault("engine.scoring.weights.seriousness", s.Weights.Seriousness)
	v.SetDefault("engine.scoring.weights.recency", s.Weights.Recency)
	v.SetDefault("engine.scoring.weights.count", s.Weights.Count)
	v.SetDefault("engine.scoring.severity.death", s.Severity.Death)
	v.SetDefault("engine.scoring.severity.hospitalization", s.Severity.Hospitalization)
	v.SetDefault("engine.scoring.severity.disability", s.Severity.Disability)
	v.SetDefault("engine.scoring.severity.life_threatening", s.Severity.LifeThreatening)
	v.SetDefault("engine.scoring.severity.other_serious", s.Severity.OtherSerious)
	v.SetDefault("engine.scoring.thresholds.rarity", s.Thresholds.Rarity)
	v.SetDefault("engine.scoring.thresholds.seriousness", s.Thresholds.Seriousness)
	v.SetDefault("engine.scoring.thresholds.recency", s.Thresholds.Recency)
	v.SetDefault("engine.scoring.bonuses.rare_serious", s.Bonuses.RareSerious)
	v.SetDefault("engine.scoring.bonuses.rare_recent", s.Bonuses.RareRecent)
	v.SetDefault("engine.scoring.bonuses.serious_recent", s.Bonuses.SeriousRecent)
	v.SetDefault("engine.scoring.bonuses.all_three", s.Bonuses.AllThree)
	v.SetDefault("engine.scoring.bonuses.boundary", s.Bonuses.Boundary)
	v.SetDefault("engine.scoring.bonuses.boundary_margin", s.Bonuses.BoundaryMargin)
	v.SetDefault("engine.scoring.count_saturation", s.CountSaturation)
	v.SetDefault("engine.scoring.recency_window_months", s.RecencyWindowMonths)
	v.SetDefault("engine.scoring.recency_decay_months", s.RecencyDecayMonths)
	v.SetDefault("engine.scoring.recency_floor", s.RecencyFloor)
	v.SetDefault("engine.scoring.min_pair_count", s.MinPairCount)
	v.SetDefault("engine.scoring.workers", s.Workers)

	c := d.Clustering
	v.SetDefault("engine.clustering.k", c.K)
	v.SetDefault("engine.clustering.min_cases", c.MinCases)
	v.SetDefault("engine.clustering.max_iterations", c.MaxIterations)
	v.SetDefault("engine.clustering.workers", c.Workers)
	v.SetDefault("engine.clustering.weights.age", c.Weights.Age)
	v.SetDefault("engine.clustering.weights.sex", c.Weights.Sex)
	v.SetDefault("engine.clustering.weights.seriousness", c.Weights.Seriousness)
	v.SetDefault("engine.clustering.weights.country", c.Weights.Country)
	v.SetDefault("engine.clustering.weights.reporter", c.Weights.Reporter)

	dup := d.Duplicates
	v.SetDefault("engine.duplicates.threshold", dup.Threshold)
	v.SetDefault("engine.duplicates.max_block_size", dup.MaxBlockSize)
	v.SetDefault("engine.duplicates.weights.age", dup.Weights.Age)
	v.SetDefault("engine.duplicates.weights.sex", dup.Weights.Sex)
	v.SetDefault("engine.duplicates.weights.country", dup.Weights.Country)
	v.SetDefault("engine.duplicates.weights.drugs", dup.Weights.Drugs)
	v.SetDefault("engine.duplicates.weights.reactions", dup.Weights.Reactions)
	v.SetDefault("engine.duplicates.weights.outcomes", dup.Weights.Outcomes)

	t := d.Trend
	v.SetDefault("engine.trend.width", string(t.Width))
	v.SetDefault("engine.trend.moving_average_window", t.MovingAverageWindow)
	v.SetDefault("engine.trend.ewma_alpha", t.EWMAAlpha)
	v.SetDefault("engine.trend.min_bucket_count", t.MinBucketCount)
	v.SetDefault("engine.trend.min_history", t.MinHistory)
	v.SetDefault("engine.trend.anomaly_threshold", t.AnomalyThreshold)
	v.SetDefault("engine.trend.curvature_weight", t.CurvatureWeight)
	v.SetDefault("engine.trend.top_n", t.TopN)
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetEngineConfig returns a copy of the engine tunables
func (m *Manager) GetEngineConfig() domain.EngineConfig {
	return m.config.Engine
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if config.Server.RateLimit < 0 {
		return fmt.Errorf("invalid rate limit: %v", config.Server.RateLimit)
	}

	if config.Database.Enabled {
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if config.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if config.Database.Username == "" {
			return fmt.Errorf("database username is required")
		}
	}

	switch config.Review.Driver {
	case "sqlite":
		if config.Review.SQLitePath == "" {
			return fmt.Errorf("review sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if config.Review.PostgresURL == "" {
			return fmt.Errorf("review postgres_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid review driver: %q", config.Review.Driver)
	}

	if config.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache max_entries must be positive")
	}

	if _, err := ParseLevel(config.Logging.Level); err != nil {
		return err
	}

	return ValidateEngine(config.Engine)
}

// ValidateEngine checks the engine tunables for values the engine cannot
// work with.
func ValidateEngine(e domain.EngineConfig) error {
	for _, k := range e.Ingest.RequiredTables {
		if !k.IsValid() {
			return fmt.Errorf("invalid required table %q: %w", k, domain.ErrInvalidTableKind)
		}
	}
	if e.Stats.ZCritical <= 0 {
		return fmt.Errorf("z_critical must be positive")
	}
	w := e.Scoring.Weights
	if w.Rarity < 0 || w.Seriousness < 0 || w.Recency < 0 || w.Count < 0 {
		return fmt.Errorf("scoring weights must be non-negative")
	}
	if e.Scoring.RecencyFloor < 0 || e.Scoring.RecencyFloor > 1 {
		return fmt.Errorf("recency_floor must be within [0, 1]")
	}
	if e.Clustering.K < 1 {
		return fmt.Errorf("clustering k must be at least 1")
	}
	if e.Duplicates.Threshold <= 0 || e.Duplicates.Threshold > 1 {
		return fmt.Errorf("duplicate threshold must be within (0, 1]")
	}
	if !e.Trend.Width.IsValid() {
		return fmt.Errorf("trend width %q: %w", e.Trend.Width, domain.ErrInvalidBucketWidth)
	}
	if e.Trend.EWMAAlpha <= 0 || e.Trend.EWMAAlpha > 1 {
		return fmt.Errorf("ewma_alpha must be within (0, 1]")
	}
	if e.Trend.MovingAverageWindow < 1 {
		return fmt.Errorf("moving_average_window must be at least 1")
	}
	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the run store as a postgres:// URL, the form the
// migration runner expects
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(db.Username, db.Password),
		Host:     db.Host + ":" + strconv.Itoa(db.Port),
		Path:     "/" + db.Database,
		RawQuery: "sslmode=" + url.QueryEscape(db.SSLMode),
	}
	return u.String()
}
