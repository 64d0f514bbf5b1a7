// Package review stores human decisions on suspected duplicate case groups.
// The detector only proposes groups; reviewers confirm or reject them here.
// Decisions are never fed back into the engine's computations.
package review

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ae-signal-engine/internal/domain"
)

// Decision is the outcome of a duplicate-group review.
type Decision string

const (
	DecisionPending   Decision = "pending"
	DecisionConfirmed Decision = "confirmed"
	DecisionRejected  Decision = "rejected"
)

// ErrInvalidDecision is returned for unknown decision values.
var ErrInvalidDecision = errors.New("invalid review decision")

// ParseDecision resolves a decision name case-insensitively. An empty name
// is pending.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DecisionPending, nil
	case DecisionPending, DecisionConfirmed, DecisionRejected:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
	}
}

// Review is one reviewer decision on a duplicate group.
type Review struct {
	ID         int64                `json:"id,omitempty"`
	GroupID    string               `json:"group_id"`
	CaseIDs    []string             `json:"case_ids"`
	Kind       domain.DuplicateKind `json:"kind,omitempty"`
	Similarity float64              `json:"similarity"`
	Decision   Decision             `json:"decision"`
	Reviewer   string               `json:"reviewer,omitempty"`
	Notes      string               `json:"notes,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// FromGroup seeds a pending review from a detected duplicate group.
func FromGroup(g domain.DuplicateGroup) *Review {
	return &Review{
		GroupID:    g.GroupID,
		CaseIDs:    append([]string(nil), g.CaseIDs...),
		Kind:       g.Kind,
		Similarity: g.Similarity,
		Decision:   DecisionPending,
	}
}

// Validate checks the fields every store requires.
func (r *Review) Validate() error {
	if strings.TrimSpace(r.GroupID) == "" {
		return fmt.Errorf("group_id is required")
	}
	if len(r.CaseIDs) < 2 {
		return fmt.Errorf("a duplicate group needs at least two case ids")
	}
	d, err := ParseDecision(string(r.Decision))
	if err != nil {
		return err
	}
	r.Decision = d
	return nil
}

// Store defines the interface for review storage operations.
type Store interface {
	// Save stores or updates the review of a group, keyed by GroupID.
	Save(ctx context.Context, review *Review) error

	// Get retrieves the review of a group, or domain.ErrNotFound.
	Get(ctx context.Context, groupID string) (*Review, error)

	// List returns reviews newest first. An empty decision lists all.
	List(ctx context.Context, decision Decision, limit, offset int) ([]*Review, error)

	// Count returns the number of reviews with decision. An empty decision
	// counts all.
	Count(ctx context.Context, decision Decision) (int64, error)

	// Delete removes the review of a group.
	Delete(ctx context.Context, groupID string) error

	// ExportJSON exports all reviews to a JSON writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON imports reviews from a JSON reader, skipping groups that
	// already have a review.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	// Close closes the store and releases resources.
	Close() error
}

// NewStore opens the store selected by cfg.Driver.
func NewStore(cfg domain.ReviewConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return NewPostgresStoreFromURL(cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown review driver %q", cfg.Driver)
	}
}
