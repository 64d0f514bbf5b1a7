package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Review   ReviewConfig   `mapstructure:"review"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// DatabaseConfig represents the run-store connection configuration
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdle     time.Duration `mapstructure:"conn_max_idle"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// ReviewConfig selects the duplicate-review decision store
type ReviewConfig struct {
	Driver      string `mapstructure:"driver"` // "sqlite", "postgres"
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresURL string `mapstructure:"postgres_url"`
}

// CacheConfig represents contingency-count cache configuration
type CacheConfig struct {
	MaxEntries  int           `mapstructure:"max_entries"`
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	Filename string `mapstructure:"filename"`
}

// MCPConfig represents MCP tool server configuration
type MCPConfig struct {
	ServerName    string `mapstructure:"server_name"`
	ServerVersion string `mapstructure:"server_version"`
}

// ArchiveConfig locates the case archive loaded at startup
type ArchiveConfig struct {
	Dir string `mapstructure:"dir"`
}

// EngineConfig groups every tunable the engine reads. It is passed explicitly
// into each engine call and never mutated by the engine.
type EngineConfig struct {
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Stats      StatsConfig      `mapstructure:"stats"`
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Clustering ClusteringConfig `mapstructure:"clustering"`
	Duplicates DuplicateConfig  `mapstructure:"duplicates"`
	Trend      TrendConfig      `mapstructure:"trend"`
}

// IngestConfig controls the join engine.
type IngestConfig struct {
	// RequiredTables must be present unless a fallback covers them.
	RequiredTables []TableKind `mapstructure:"required_tables"`
	// DemographicsFallback synthesizes demographics from drug rows when the
	// demographics table is absent.
	DemographicsFallback bool `mapstructure:"demographics_fallback"`
	// Aliases extends the built-in header alias table: logical field name →
	// extra accepted header names.
	Aliases map[string][]string `mapstructure:"aliases"`
	// Workers bounds case-assembly parallelism.
	Workers int `mapstructure:"workers"`
	// ShardSize is the number of case ids per assembly shard; cancellation is
	// checked between shards.
	ShardSize int `mapstructure:"shard_size"`
	// MaxParseErrors caps the parse-error sample kept in the summary.
	MaxParseErrors int `mapstructure:"max_parse_errors"`
}

// StatsConfig controls the disproportionality module.
type StatsConfig struct {
	MinCaseCount int     `mapstructure:"min_case_count"`
	ZCritical    float64 `mapstructure:"z_critical"`
	SuspectOnly  bool    `mapstructure:"suspect_only"`
}

// ScoreWeights are the base-score weights of the composite scorer.
type ScoreWeights struct {
	Rarity      float64 `mapstructure:"rarity"`
	Seriousness float64 `mapstructure:"seriousness"`
	Recency     float64 `mapstructure:"recency"`
	Count       float64 `mapstructure:"count"`
}

// SeverityWeights weight outcome flags for the seriousness component.
type SeverityWeights struct {
	Death           float64 `mapstructure:"death"`
	Hospitalization float64 `mapstructure:"hospitalization"`
	Disability      float64 `mapstructure:"disability"`
	LifeThreatening float64 `mapstructure:"life_threatening"`
	OtherSerious    float64 `mapstructure:"other_serious"`
}

// Weight returns the weight of a single outcome flag.
func (w SeverityWeights) Weight(flag OutcomeFlag) float64 {
	switch flag {
	case OutcomeDeath:
		return w.Death
	case OutcomeHospitalization:
		return w.Hospitalization
	case OutcomeDisability:
		return w.Disability
	case OutcomeLifeThreatening:
		return w.LifeThreatening
	case OutcomeOtherSerious:
		return w.OtherSerious
	default:
		return 0
	}
}

// CaseSeverity returns the highest outcome weight carried by a case.
func (w SeverityWeights) CaseSeverity(c *CaseRecord) float64 {
	max := 0.0
	for _, o := range c.Outcomes {
		if v := w.Weight(o); v > max {
			max = v
		}
	}
	return max
}

// ScoringThresholds define when a component counts as "high".
type ScoringThresholds struct {
	Rarity      float64 `mapstructure:"rarity"`
	Seriousness float64 `mapstructure:"seriousness"`
	Recency     float64 `mapstructure:"recency"`
}

// InteractionBonuses are added to the base score when components are
// simultaneously high.
type InteractionBonuses struct {
	RareSerious    float64 `mapstructure:"rare_serious"`
	RareRecent     float64 `mapstructure:"rare_recent"`
	SeriousRecent  float64 `mapstructure:"serious_recent"`
	AllThree       float64 `mapstructure:"all_three"`
	Boundary       float64 `mapstructure:"boundary"`
	BoundaryMargin float64 `mapstructure:"boundary_margin"`
}

// ScoringConfig controls the composite priority scorer.
type ScoringConfig struct {
	Weights         ScoreWeights       `mapstructure:"weights"`
	Severity        SeverityWeights    `mapstructure:"severity"`
	Thresholds      ScoringThresholds  `mapstructure:"thresholds"`
	Bonuses         InteractionBonuses `mapstructure:"bonuses"`
	CountSaturation float64            `mapstructure:"count_saturation"`
	// RecencyWindowMonths receive full weight.
	RecencyWindowMonths float64 `mapstructure:"recency_window_months"`
	// RecencyDecayMonths is the span over which weight decays linearly to the floor.
	RecencyDecayMonths float64 `mapstructure:"recency_decay_months"`
	RecencyFloor       float64 `mapstructure:"recency_floor"`
	// ReferenceTime anchors recency. Zero means "latest case date in the dataset".
	ReferenceTime time.Time `mapstructure:"reference_time"`
	MinPairCount  int       `mapstructure:"min_pair_count"`
	Workers       int       `mapstructure:"workers"`
}

// FeatureWeights weight the clustering distance metric per feature.
type FeatureWeights struct {
	Age         float64 `mapstructure:"age"`
	Sex         float64 `mapstructure:"sex"`
	Seriousness float64 `mapstructure:"seriousness"`
	Country     float64 `mapstructure:"country"`
	Reporter    float64 `mapstructure:"reporter"`
}

// ClusteringConfig controls per-signal clustering.
type ClusteringConfig struct {
	K             int            `mapstructure:"k"`
	MinCases      int            `mapstructure:"min_cases"`
	MaxIterations int            `mapstructure:"max_iterations"`
	Weights       FeatureWeights `mapstructure:"weights"`
	Workers       int            `mapstructure:"workers"`
}

// DuplicateFieldWeights weight the fuzzy similarity score per field.
type DuplicateFieldWeights struct {
	Age       float64 `mapstructure:"age"`
	Sex       float64 `mapstructure:"sex"`
	Country   float64 `mapstructure:"country"`
	Drugs     float64 `mapstructure:"drugs"`
	Reactions float64 `mapstructure:"reactions"`
	Outcomes  float64 `mapstructure:"outcomes"`
}

// DuplicateConfig controls duplicate detection.
type DuplicateConfig struct {
	Threshold    float64               `mapstructure:"threshold"`
	Weights      DuplicateFieldWeights `mapstructure:"weights"`
	MaxBlockSize int                   `mapstructure:"max_block_size"`
}

// TrendConfig controls the trend and anomaly engine.
type TrendConfig struct {
	Width               BucketWidth `mapstructure:"width"`
	MovingAverageWindow int         `mapstructure:"moving_average_window"`
	EWMAAlpha           float64     `mapstructure:"ewma_alpha"`
	MinBucketCount      int         `mapstructure:"min_bucket_count"`
	MinHistory          int         `mapstructure:"min_history"`
	AnomalyThreshold    float64     `mapstructure:"anomaly_threshold"`
	CurvatureWeight     float64     `mapstructure:"curvature_weight"`
	TopN                int         `mapstructure:"top_n"`
}

// DefaultEngineConfig returns the documented engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Ingest: IngestConfig{
			RequiredTables: []TableKind{TableDemographics, TableDrug, TableReaction},
			Workers:        4,
			ShardSize:      2000,
			MaxParseErrors: 100,
		},
		Stats: StatsConfig{
			MinCaseCount: 3,
			ZCritical:    1.96,
		},
		Scoring: ScoringConfig{
			Weights: ScoreWeights{Rarity: 0.40, Seriousness: 0.35, Recency: 0.20, Count: 0.05},
			Severity: SeverityWeights{
				Death:           1.0,
				Hospitalization: 0.75,
				Disability:      0.75,
				LifeThreatening: 0.75,
				OtherSerious:    0.5,
			},
			Thresholds: ScoringThresholds{Rarity: 0.99, Seriousness: 0.5, Recency: 0.7},
			Bonuses: InteractionBonuses{
				RareSerious:    0.15,
				RareRecent:     0.10,
				SeriousRecent:  0.10,
				AllThree:       0.20,
				Boundary:       0.05,
				BoundaryMargin: 0.05,
			},
			CountSaturation:     10,
			RecencyWindowMonths: 12,
			RecencyDecayMonths:  48,
			RecencyFloor:        0.1,
			MinPairCount:        1,
			Workers:             4,
		},
		Clustering: ClusteringConfig{
			K:             3,
			MinCases:      20,
			MaxIterations: 100,
			Weights:       FeatureWeights{Age: 2.0, Sex: 1.0, Seriousness: 2.5, Country: 0.5, Reporter: 0.75},
			Workers:       4,
		},
		Duplicates: DuplicateConfig{
			Threshold:    0.85,
			Weights:      DuplicateFieldWeights{Age: 0.15, Sex: 0.10, Country: 0.10, Drugs: 0.30, Reactions: 0.30, Outcomes: 0.05},
			MaxBlockSize: 5000,
		},
		Trend: TrendConfig{
			Width:               BucketMonth,
			MovingAverageWindow: 3,
			EWMAAlpha:           0.3,
			MinBucketCount:      3,
			MinHistory:          2,
			AnomalyThreshold:    3.0,
			CurvatureWeight:     0.5,
			TopN:                5,
		},
	}
}
