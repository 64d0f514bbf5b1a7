package domain

import (
	"context"
	"time"
)

// CountsSource answers contingency-count queries for one immutable dataset.
type CountsSource interface {
	Version() string
	TotalCases() int
	Counts(key SignalKey) ContingencyCounts
}

// SignalRunRepository persists ranked scoring runs for reporting
// collaborators. Scoring never reads runs back.
type SignalRunRepository interface {
	SaveRun(ctx context.Context, run *ScoringRun) error
	GetRun(ctx context.Context, runID string) (*ScoringRun, error)
	ListSignals(ctx context.Context, runID string, limit int) ([]PrioritizedSignal, error)
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetServerConfig() *ServerConfig
	GetDatabaseConfig() *DatabaseConfig
	GetEngineConfig() EngineConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetDatabaseURL() string
}
