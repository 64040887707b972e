// ABOUTME: Ownership policy gating every conversation and message operation
// ABOUTME: Fails closed and reports denied access as store.ErrNotFound

package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-history/internal/store"
)

// Op names the kind of access being requested. The ownership rule does not
// depend on it; it is recorded in decision logs.
type Op string

// Operations
const (
	OpRead   Op = "read"
	OpList   Op = "list"
	OpWrite  Op = "write"
	OpDelete Op = "delete"
	OpAppend Op = "append"
)

// ConversationReader looks up conversations. store.Tx satisfies it.
type ConversationReader interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
}

// Policy evaluates the ownership predicate.
type Policy struct {
	logger *slog.Logger
}

// NewPolicy creates a Policy. A nil logger uses slog.Default().
func NewPolicy(logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		logger: logger.With("component", "access"),
	}
}

// Allowed reports whether actor may perform op on conv.
func (p *Policy) Allowed(op Op, conv *store.Conversation, actor string) bool {
	if conv == nil || actor == "" {
		return false
	}
	return conv.OwnerID == actor
}

// Check returns store.ErrNotFound unless actor may perform op on conv.
func (p *Policy) Check(op Op, conv *store.Conversation, actor string) error {
	if !p.Allowed(op, conv, actor) {
		id := ""
		if conv != nil {
			id = conv.ID
		}
		p.deny(op, id, actor, "not owner")
		return store.ErrNotFound
	}
	return nil
}

// Resolve loads conversation id through r and checks that actor owns it.
// Missing and foreign conversations both yield store.ErrNotFound. Other
// lookup failures are returned wrapped and never grant access.
func (p *Policy) Resolve(ctx context.Context, r ConversationReader, op Op, id, actor string) (*store.Conversation, error) {
	if id == "" || actor == "" {
		p.deny(op, id, actor, "missing identifier")
		return nil, store.ErrNotFound
	}

	conv, err := r.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		p.deny(op, id, actor, "no such conversation")
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving conversation: %w", err)
	}

	if err := p.Check(op, conv, actor); err != nil {
		return nil, err
	}
	return conv, nil
}

// deny logs a refused decision. The owner of the record is never logged.
func (p *Policy) deny(op Op, id, actor, reason string) {
	p.logger.Debug("access denied",
		"op", op,
		"conversation_id", id,
		"actor", actor,
		"reason", reason,
	)
}
