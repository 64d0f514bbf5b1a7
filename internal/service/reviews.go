package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ae-signal-engine/internal/domain"
	"github.com/ae-signal-engine/internal/review"
)

// RecordReview stores a reviewer decision on a duplicate group. A group that
// has no review yet must be part of the duplicate scan of the current
// snapshot; its case ids and similarity are copied from there. Decisions are
// advisory and never feed back into the engine.
func (r *ResultCache) RecordReview(ctx context.Context, store review.Store, groupID string, decision review.Decision, reviewer, notes string) (*review.Review, error) {
	rev, err := store.Get(ctx, groupID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		snap, err := r.svc.Current()
		if err != nil {
			return nil, err
		}
		group, found, err := r.Group(ctx, snap, groupID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("duplicate group %s: %w", groupID, domain.ErrNotFound)
		}
		rev = review.FromGroup(group)
	default:
		return nil, err
	}

	rev.Decision = decision
	rev.Reviewer = reviewer
	rev.Notes = notes
	if err := store.Save(ctx, rev); err != nil {
		return nil, err
	}
	r.svc.logger.WithField("group_id", groupID).WithField("decision", decision).Info("Duplicate review recorded")
	return rev, nil
}
