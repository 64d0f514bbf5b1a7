package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"

	"github.com/ae-signal-engine/internal/domain"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL review store.
// It expects the duplicate_reviews table to exist (created via migrations).
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL creates a new PostgreSQL review store from a connection URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Save stores or updates the review of a group.
func (s *PostgresStore) Save(ctx context.Context, review *Review) error {
	if err := review.Validate(); err != nil {
		return err
	}
	caseIDs, err := encodeCaseIDs(review.CaseIDs)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO duplicate_reviews (
			group_id, case_ids, kind, similarity,
			decision, reviewer, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (group_id) DO UPDATE SET
			case_ids = EXCLUDED.case_ids,
			kind = EXCLUDED.kind,
			similarity = EXCLUDED.similarity,
			decision = EXCLUDED.decision,
			reviewer = EXCLUDED.reviewer,
			notes = EXCLUDED.notes,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`

	err = s.db.QueryRowContext(ctx, query,
		review.GroupID,
		caseIDs,
		string(review.Kind),
		review.Similarity,
		string(review.Decision),
		review.Reviewer,
		review.Notes,
		now,
		now,
	).Scan(&review.ID, &review.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save review: %w", err)
	}

	review.UpdatedAt = now
	return nil
}

// Get retrieves the review of a group.
func (s *PostgresStore) Get(ctx context.Context, groupID string) (*Review, error) {
	row := s.db.QueryRowContext(ctx, selectReview+" WHERE group_id = $1 LIMIT 1", groupID)

	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review for group %s: %w", groupID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return r, nil
}

// List returns reviews newest first.
func (s *PostgresStore) List(ctx context.Context, decision Decision, limit, offset int) ([]*Review, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if decision == "" {
		rows, err = s.db.QueryContext(ctx,
			selectReview+" ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2", limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx,
			selectReview+" WHERE decision = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3",
			string(decision), limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var result []*Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, r)
	}

	return result, rows.Err()
}

// Count returns the number of reviews with decision, or of all reviews.
func (s *PostgresStore) Count(ctx context.Context, decision Decision) (int64, error) {
	var count int64
	var err error
	if decision == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM duplicate_reviews").Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM duplicate_reviews WHERE decision = $1", string(decision)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count reviews: %w", err)
	}
	return count, nil
}

// Delete removes the review of a group.
func (s *PostgresStore) Delete(ctx context.Context, groupID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM duplicate_reviews WHERE group_id = $1", groupID)
	if err != nil {
		return fmt.Errorf("failed to delete review: %w", err)
	}
	return nil
}

// ExportJSON exports all reviews to a JSON writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	return exportJSON(ctx, s, writer)
}

// ImportJSON imports reviews from a JSON reader.
func (s *PostgresStore) ImportJSON(ctx context.Context, reader io.Reader) (int, int, error) {
	return importJSON(ctx, s, reader)
}

// Close closes the store and releases resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
