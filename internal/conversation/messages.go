// ABOUTME: Message Store operations: append and chronological listing
// ABOUTME: Append timestamps are strictly increasing within a conversation

package conversation

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/2389/coven-history/internal/access"
	"github.com/2389/coven-history/internal/store"
)

// AppendRequest is a message to add to a conversation.
type AppendRequest struct {
	ConversationID string     `json:"conversation_id"`
	Role           store.Role `json:"role" validate:"required,oneof=user assistant system"`
	Content        string     `json:"content" validate:"notblank"`
	ModelUsed      *string    `json:"model_used,omitempty"`
	TokensInput    *int64     `json:"tokens_input,omitempty" validate:"omitempty,gte=0"`
	TokensOutput   *int64     `json:"tokens_output,omitempty" validate:"omitempty,gte=0"`
}

// AppendMessage adds a message to a conversation owned by actor. The
// conversation's updated_at is left unchanged.
func (s *Service) AppendMessage(ctx context.Context, actor string, req AppendRequest) (*store.Message, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	msg := &store.Message{
		ID:             s.newID(),
		ConversationID: req.ConversationID,
		Role:           req.Role,
		Content:        req.Content,
		ModelUsed:      normalizeModel(req.ModelUsed),
		TokensInput:    cloneInt(req.TokensInput),
		TokensOutput:   cloneInt(req.TokensOutput),
	}

	err := s.store.Update(ctx, func(tx store.Tx) error {
		conv, err := s.policy.Resolve(ctx, tx, access.OpAppend, req.ConversationID, actor)
		if err != nil {
			return err
		}
		latest, err := tx.LatestMessageTime(ctx, conv.ID)
		if err != nil {
			return err
		}
		msg.OwnerID = conv.OwnerID
		msg.Timestamp = s.clock.After(latest)
		return tx.InsertMessage(ctx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}

	s.logger.Debug("message appended",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"role", msg.Role)
	cp := *msg
	s.publish(Change{
		Kind:           ChangeMessageAppended,
		OwnerID:        msg.OwnerID,
		ConversationID: msg.ConversationID,
		Message:        &cp,
		At:             msg.Timestamp,
	})
	return msg, nil
}

// Messages returns the messages of conversation id in chronological order.
// Ownership is checked for every page; if actor does not own the
// conversation the first element carries store.ErrNotFound. Like
// Conversations, the sequence is lazy and restartable.
func (s *Service) Messages(ctx context.Context, id, actor string) iter.Seq2[*store.Message, error] {
	return func(yield func(*store.Message, error) bool) {
		var after *store.Cursor
		for {
			var page []*store.Message
			err := s.store.View(ctx, func(tx store.Tx) error {
				if _, err := s.policy.Resolve(ctx, tx, access.OpRead, id, actor); err != nil {
					return err
				}
				var err error
				page, err = tx.ListMessages(ctx, id, store.Page{After: after, Limit: s.pageSize})
				return err
			})
			if err != nil {
				yield(nil, fmt.Errorf("listing messages: %w", err))
				return
			}

			for _, msg := range page {
				if !yield(msg, nil) {
					return
				}
			}

			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			after = &store.Cursor{Time: last.Timestamp, ID: last.ID}
		}
	}
}

// ListMessages collects Messages into a slice.
func (s *Service) ListMessages(ctx context.Context, id, actor string) ([]*store.Message, error) {
	return Collect(s.Messages(ctx, id, actor))
}

// normalizeModel trims a model name and treats blank as absent.
func normalizeModel(model *string) *string {
	if model == nil {
		return nil
	}
	m := strings.TrimSpace(*model)
	if m == "" {
		return nil
	}
	return &m
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
