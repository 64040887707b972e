// ABOUTME: Conversation Store operations: create, get, retitle, touch, delete, list
// ABOUTME: All conversation mutations share one path that refreshes updated_at

package conversation

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/2389/coven-history/internal/access"
	"github.com/2389/coven-history/internal/store"
)

type createConversationRequest struct {
	OwnerID string `json:"owner_id" validate:"notblank"`
	Title   string `json:"title" validate:"notblank"`
}

type titleRequest struct {
	Title string `json:"title" validate:"notblank"`
}

// CreateConversation creates a conversation owned by actor. A nil title uses
// store.DefaultTitle; a non-nil title must not be blank.
func (s *Service) CreateConversation(ctx context.Context, actor string, title *string) (*store.Conversation, error) {
	req := createConversationRequest{OwnerID: actor, Title: store.DefaultTitle}
	if title != nil {
		req.Title = *title
	}
	if err := s.check(req); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	conv := &store.Conversation{
		ID:        s.newID(),
		OwnerID:   actor,
		Title:     strings.TrimSpace(req.Title),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.store.Update(ctx, func(tx store.Tx) error {
		return tx.InsertConversation(ctx, conv)
	})
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Debug("conversation created", "conversation_id", conv.ID, "owner_id", actor)
	s.publish(Change{
		Kind:           ChangeConversationCreated,
		OwnerID:        actor,
		ConversationID: conv.ID,
		Conversation:   cloneConversation(conv),
		At:             now,
	})
	return conv, nil
}

// GetConversation returns conversation id if actor owns it.
func (s *Service) GetConversation(ctx context.Context, id, actor string) (*store.Conversation, error) {
	var conv *store.Conversation
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		conv, err = s.policy.Resolve(ctx, tx, access.OpRead, id, actor)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	return conv, nil
}

// UpdateTitle renames a conversation. Surrounding whitespace is trimmed.
func (s *Service) UpdateTitle(ctx context.Context, id, actor, title string) (*store.Conversation, error) {
	if err := s.check(titleRequest{Title: title}); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)

	conv, err := s.mutateConversation(ctx, id, actor, func(c *store.Conversation) {
		c.Title = title
	})
	if err != nil {
		return nil, fmt.Errorf("updating title: %w", err)
	}
	return conv, nil
}

// TouchConversation refreshes updated_at without changing anything else.
// Appending a message does not do this on its own; callers that want
// recently active conversations listed first call it after appending.
func (s *Service) TouchConversation(ctx context.Context, id, actor string) (*store.Conversation, error) {
	conv, err := s.mutateConversation(ctx, id, actor, func(*store.Conversation) {})
	if err != nil {
		return nil, fmt.Errorf("touching conversation: %w", err)
	}
	return conv, nil
}

// mutateConversation applies fn to an owned conversation and persists it
// with a refreshed updated_at in the same transaction.
func (s *Service) mutateConversation(ctx context.Context, id, actor string, fn func(*store.Conversation)) (*store.Conversation, error) {
	var conv *store.Conversation
	err := s.store.Update(ctx, func(tx store.Tx) error {
		c, err := s.policy.Resolve(ctx, tx, access.OpWrite, id, actor)
		if err != nil {
			return err
		}
		fn(c)
		c.UpdatedAt = s.clock.After(c.UpdatedAt)
		if err := tx.UpdateConversation(ctx, c); err != nil {
			return err
		}
		conv = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("conversation updated", "conversation_id", conv.ID)
	s.publish(Change{
		Kind:           ChangeConversationUpdated,
		OwnerID:        conv.OwnerID,
		ConversationID: conv.ID,
		Conversation:   cloneConversation(conv),
		At:             conv.UpdatedAt,
	})
	return conv, nil
}

// DeleteConversation removes a conversation and all of its messages.
func (s *Service) DeleteConversation(ctx context.Context, id, actor string) error {
	var removed int64
	err := s.store.Update(ctx, func(tx store.Tx) error {
		conv, err := s.policy.Resolve(ctx, tx, access.OpDelete, id, actor)
		if err != nil {
			return err
		}
		removed, err = tx.DeleteConversation(ctx, conv.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	s.logger.Info("conversation deleted", "conversation_id", id, "messages_removed", removed)
	s.publish(Change{
		Kind:           ChangeConversationDeleted,
		OwnerID:        actor,
		ConversationID: id,
		At:             s.clock.Now(),
	})
	return nil
}

// Conversations returns actor's conversations, most recently updated first.
// The sequence is lazy and restartable: each page is read in its own
// transaction and each range over it starts again from the newest. Changes
// committed between pages may be reflected in later pages.
func (s *Service) Conversations(ctx context.Context, actor string) iter.Seq2[*store.Conversation, error] {
	return func(yield func(*store.Conversation, error) bool) {
		if actor == "" {
			return
		}

		var after *store.Cursor
		for {
			var page []*store.Conversation
			err := s.store.View(ctx, func(tx store.Tx) error {
				var err error
				page, err = tx.ListConversations(ctx, actor, store.Page{After: after, Limit: s.pageSize})
				return err
			})
			if err != nil {
				yield(nil, fmt.Errorf("listing conversations: %w", err))
				return
			}

			for _, conv := range page {
				if !s.policy.Allowed(access.OpList, conv, actor) {
					continue
				}
				if !yield(conv, nil) {
					return
				}
			}

			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			after = &store.Cursor{Time: last.UpdatedAt, ID: last.ID}
		}
	}
}

// ListConversations collects Conversations into a slice.
func (s *Service) ListConversations(ctx context.Context, actor string) ([]*store.Conversation, error) {
	return Collect(s.Conversations(ctx, actor))
}

func cloneConversation(c *store.Conversation) *store.Conversation {
	cp := *c
	return &cp
}
