// ABOUTME: Owner-wide operations: token usage aggregation and account data purge
// ABOUTME: Both are scoped to the acting owner and never touch other owners' rows

package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/coven-history/internal/access"
	"github.com/2389/coven-history/internal/store"
)

// UsageOptions narrows a usage query. Zero values mean no restriction.
type UsageOptions struct {
	ConversationID string
	Since          time.Time
	Until          time.Time
}

type ownerRequest struct {
	OwnerID string `json:"owner_id" validate:"notblank"`
}

// Usage aggregates token counts over actor's messages. Restricting to a
// conversation actor does not own fails with store.ErrNotFound.
func (s *Service) Usage(ctx context.Context, actor string, opts UsageOptions) (*store.UsageStats, error) {
	if err := s.check(ownerRequest{OwnerID: actor}); err != nil {
		return nil, err
	}

	filter := store.UsageFilter{OwnerID: actor}
	if opts.ConversationID != "" {
		filter.ConversationID = &opts.ConversationID
	}
	if !opts.Since.IsZero() {
		filter.Since = &opts.Since
	}
	if !opts.Until.IsZero() {
		filter.Until = &opts.Until
	}

	var stats *store.UsageStats
	err := s.store.View(ctx, func(tx store.Tx) error {
		if filter.ConversationID != nil {
			if _, err := s.policy.Resolve(ctx, tx, access.OpRead, *filter.ConversationID, actor); err != nil {
				return err
			}
		}
		var err error
		stats, err = tx.GetUsageStats(ctx, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting usage: %w", err)
	}
	return stats, nil
}

// PurgeResult reports what DeleteAccountData removed.
type PurgeResult struct {
	Conversations int64
	Messages      int64
}

// DeleteAccountData removes every conversation and message owned by actor
// in one transaction.
func (s *Service) DeleteAccountData(ctx context.Context, actor string) (*PurgeResult, error) {
	if err := s.check(ownerRequest{OwnerID: actor}); err != nil {
		return nil, err
	}

	var res PurgeResult
	err := s.store.Update(ctx, func(tx store.Tx) error {
		var err error
		res.Conversations, res.Messages, err = tx.DeleteOwnerData(ctx, actor)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("deleting account data: %w", err)
	}

	s.logger.Info("account data deleted",
		"owner_id", actor,
		"conversations", res.Conversations,
		"messages", res.Messages)
	s.publish(Change{
		Kind:    ChangeOwnerPurged,
		OwnerID: actor,
		At:      s.clock.Now(),
	})
	return &res, nil
}
