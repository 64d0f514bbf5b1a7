package database

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ae-signal-engine/internal/domain"
)

func TestDSN(t *testing.T) {
	cfg := domain.DatabaseConfig{
		Host: "db", Port: 5432, Database: "signals", Username: "engine", Password: "secret", SSLMode: "disable",
	}
	assert.Equal(t, "host=db port=5432 dbname=signals user=engine password=secret sslmode=disable", DSN(cfg))
}

func TestConnectionAndMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := domain.DatabaseConfig{
		Host:            host,
		Port:            port.Int(),
		Database:        "testdb",
		Username:        "testuser",
		Password:        "testpass",
		SSLMode:         "disable",
		MaxConns:        4,
		MinConns:        1,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdle:     30 * time.Minute,
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	db, err := NewConnection(ctx, cfg, logger)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Health(ctx))
	assert.NotZero(t, db.Stats().TotalConns())

	databaseURL := "postgres://testuser:testpass@" + host + ":" + port.Port() + "/testdb?sslmode=disable"
	runner, err := NewMigrationRunner(databaseURL, "../../migrations", logger)
	require.NoError(t, err)
	defer runner.Close()

	current, err := runner.Current()
	require.NoError(t, err)
	assert.False(t, current)

	require.NoError(t, runner.Up(ctx))
	version, dirty, err := runner.Version()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)
	assert.False(t, dirty)

	current, err = runner.Current()
	require.NoError(t, err)
	assert.True(t, current)

	// A second run is a no-op
	require.NoError(t, runner.Up(ctx))

	var tables int
	err = db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM information_schema.tables
		WHERE table_name IN ('signal_runs', 'run_signals', 'duplicate_reviews')`).Scan(&tables)
	require.NoError(t, err)
	assert.Equal(t, 3, tables)

	require.NoError(t, runner.Down(ctx))
	version, _, err = runner.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	current, err = runner.Current()
	require.NoError(t, err)
	assert.False(t, current)
}
