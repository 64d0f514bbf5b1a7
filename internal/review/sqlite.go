package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ae-signal-engine/internal/domain"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite review store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets API readers proceed while a reviewer writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanReview scans a row into a Review struct.
func scanReview(s scanner) (*Review, error) {
	r := &Review{}
	var caseIDs, kind, decision string

	err := s.Scan(
		&r.ID, &r.GroupID, &caseIDs, &kind, &r.Similarity,
		&decision, &r.Reviewer, &r.Notes, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if r.CaseIDs, err = decodeCaseIDs(caseIDs); err != nil {
		return nil, err
	}
	r.Kind = domain.DuplicateKind(kind)
	r.Decision = Decision(decision)
	return r, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS duplicate_reviews (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id TEXT NOT NULL UNIQUE,
		case_ids TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		similarity REAL NOT NULL DEFAULT 0,
		decision TEXT NOT NULL DEFAULT 'pending',
		reviewer TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_reviews_decision ON duplicate_reviews(decision);
	CREATE INDEX IF NOT EXISTS idx_reviews_created_at ON duplicate_reviews(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

const selectReview = `
	SELECT id, group_id, case_ids, kind, similarity,
		decision, reviewer, notes, created_at, updated_at
	FROM duplicate_reviews`

// Save stores or updates the review of a group.
func (s *SQLiteStore) Save(ctx context.Context, review *Review) error {
	if err := review.Validate(); err != nil {
		return err
	}
	caseIDs, err := encodeCaseIDs(review.CaseIDs)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	var existingID int64
	var createdAt time.Time
	err = s.db.QueryRowContext(ctx,
		"SELECT id, created_at FROM duplicate_reviews WHERE group_id = ?", review.GroupID,
	).Scan(&existingID, &createdAt)

	if err == nil {
		review.ID = existingID
		review.CreatedAt = createdAt
		review.UpdatedAt = now

		_, err = s.db.ExecContext(ctx, `
			UPDATE duplicate_reviews SET
				case_ids = ?,
				kind = ?,
				similarity = ?,
				decision = ?,
				reviewer = ?,
				notes = ?,
				updated_at = ?
			WHERE id = ?
		`,
			caseIDs,
			string(review.Kind),
			review.Similarity,
			string(review.Decision),
			review.Reviewer,
			review.Notes,
			now,
			existingID,
		)
		if err != nil {
			return fmt.Errorf("failed to update: %w", err)
		}
		return nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check existing: %w", err)
	}

	review.CreatedAt = now
	review.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO duplicate_reviews (
			group_id, case_ids, kind, similarity,
			decision, reviewer, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		review.GroupID,
		caseIDs,
		string(review.Kind),
		review.Similarity,
		string(review.Decision),
		review.Reviewer,
		review.Notes,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get insert ID: %w", err)
	}
	review.ID = id

	return nil
}

// Get retrieves the review of a group.
func (s *SQLiteStore) Get(ctx context.Context, groupID string) (*Review, error) {
	row := s.db.QueryRowContext(ctx, selectReview+" WHERE group_id = ? LIMIT 1", groupID)

	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review for group %s: %w", groupID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return r, nil
}

// List returns reviews newest first.
func (s *SQLiteStore) List(ctx context.Context, decision Decision, limit, offset int) ([]*Review, error) {
	query := selectReview
	args := []interface{}{}
	if decision != "" {
		query += " WHERE decision = ?"
		args = append(args, string(decision))
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
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
func (s *SQLiteStore) Count(ctx context.Context, decision Decision) (int64, error) {
	query := "SELECT COUNT(*) FROM duplicate_reviews"
	args := []interface{}{}
	if decision != "" {
		query += " WHERE decision = ?"
		args = append(args, string(decision))
	}
	var count int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// Delete removes the review of a group.
func (s *SQLiteStore) Delete(ctx context.Context, groupID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM duplicate_reviews WHERE group_id = ?", groupID)
	return err
}

// ExportJSON exports all reviews to a JSON writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	return exportJSON(ctx, s, writer)
}

// ImportJSON imports reviews from a JSON reader.
func (s *SQLiteStore) ImportJSON(ctx context.Context, reader io.Reader) (int, int, error) {
	return importJSON(ctx, s, reader)
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
