// Package repository persists ranked scoring runs in PostgreSQL for
// reporting collaborators.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/ae-signal-engine/internal/domain"
)

// SignalRunRepository handles scoring-run persistence
type SignalRunRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewSignalRunRepository creates a new run repository
func NewSignalRunRepository(db *pgxpool.Pool, logger *logrus.Logger) *SignalRunRepository {
	return &SignalRunRepository{
		db:  db,
		log: logger,
	}
}

var _ domain.SignalRunRepository = (*SignalRunRepository)(nil)

// SaveRun stores a run and its ranked signals in one transaction.
func (r *SignalRunRepository) SaveRun(ctx context.Context, run *domain.ScoringRun) error {
	id, err := uuid.Parse(run.RunID)
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", run.RunID, err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO signal_runs (
			run_id, dataset_version, total_cases, reference_time, skipped, partial, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id,
		run.DatasetVersion,
		run.TotalCases,
		nullTime(run.ReferenceTime),
		run.Skipped,
		run.Partial,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	batch := &pgx.Batch{}
	for _, sig := range run.Signals {
		components, err := json.Marshal(sig.Components)
		if err != nil {
			return fmt.Errorf("encoding components of %s: %w", sig.Key, err)
		}
		disp, err := json.Marshal(sig.Disproportionality)
		if err != nil {
			return fmt.Errorf("encoding statistics of %s: %w", sig.Key, err)
		}
		batch.Queue(`
			INSERT INTO run_signals (
				run_id, composite_rank, frequency_rank, drug, reaction,
				case_count, composite_score, components, disproportionality
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb)`,
			id, sig.CompositeRank, sig.FrequencyRank, sig.Key.Drug, sig.Key.Reaction,
			sig.Count, sig.CompositeScore, string(components), string(disp),
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting run signals: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing run: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"run_id":          run.RunID,
		"dataset_version": run.DatasetVersion,
		"signals":         len(run.Signals),
	}).Info("Scoring run stored")
	return nil
}

// GetRun retrieves a run with all of its signals in composite order.
func (r *SignalRunRepository) GetRun(ctx context.Context, runID string) (*domain.ScoringRun, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}

	var (
		run     domain.ScoringRun
		scanned uuid.UUID
		refTime *time.Time
	)
	err = r.db.QueryRow(ctx, `
		SELECT run_id, dataset_version, total_cases, reference_time, skipped, partial, created_at
		FROM signal_runs
		WHERE run_id = $1`, id,
	).Scan(&scanned, &run.DatasetVersion, &run.TotalCases, &refTime, &run.Skipped, &run.Partial, &run.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting run: %w", err)
	}
	run.RunID = scanned.String()
	if refTime != nil {
		run.ReferenceTime = refTime.UTC()
	}

	signals, err := r.listSignals(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	run.Signals = signals
	return &run, nil
}

// ListSignals returns the top signals of a run in composite order. A
// non-positive limit returns all of them.
func (r *SignalRunRepository) ListSignals(ctx context.Context, runID string, limit int) ([]domain.PrioritizedSignal, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}

	var exists bool
	if err := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM signal_runs WHERE run_id = $1)", id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking run: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return r.listSignals(ctx, id, limit)
}

func (r *SignalRunRepository) listSignals(ctx context.Context, id uuid.UUID, limit int) ([]domain.PrioritizedSignal, error) {
	query := `
		SELECT composite_rank, frequency_rank, drug, reaction, case_count,
			   composite_score, components, disproportionality
		FROM run_signals
		WHERE run_id = $1
		ORDER BY composite_rank`
	args := []any{id}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing run signals: %w", err)
	}
	defer rows.Close()

	signals := []domain.PrioritizedSignal{}
	for rows.Next() {
		var (
			sig              domain.PrioritizedSignal
			components, disp []byte
		)
		if err := rows.Scan(
			&sig.CompositeRank, &sig.FrequencyRank, &sig.Key.Drug, &sig.Key.Reaction,
			&sig.Count, &sig.CompositeScore, &components, &disp,
		); err != nil {
			return nil, fmt.Errorf("scanning run signal: %w", err)
		}
		if err := json.Unmarshal(components, &sig.Components); err != nil {
			return nil, fmt.Errorf("decoding components: %w", err)
		}
		if err := json.Unmarshal(disp, &sig.Disproportionality); err != nil {
			return nil, fmt.Errorf("decoding statistics: %w", err)
		}
		signals = append(signals, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run signals: %w", err)
	}
	return signals, nil
}

// DeleteRunsBefore removes runs created before cutoff and returns how many
// were removed. Their signals go with them.
func (r *SignalRunRepository) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, "DELETE FROM signal_runs WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting runs: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		r.log.WithField("runs", n).Info("Old scoring runs deleted")
	}
	return tag.RowsAffected(), nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
