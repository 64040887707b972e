// ABOUTME: Store interface and record types for conversation history persistence
// ABOUTME: Defines Conversation, Message, the transactional Store and its record-level Tx

package store

import (
	"context"
	"time"
)

// DefaultTitle is used when a conversation is created without a title.
const DefaultTitle = "New Conversation"

// TimePrecision is the resolution every backend stores timestamps at.
// Postgres timestamptz is microsecond-precise, so all backends use that.
const TimePrecision = time.Microsecond

// Role identifies who authored a message.
type Role string

// Message roles
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Conversation is a titled sequence of messages owned by a single user.
type Conversation struct {
	ID        string
	OwnerID   string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a single, immutable turn within a conversation.
type Message struct {
	ID             string
	ConversationID string
	OwnerID        string
	Role           Role
	Content        string
	ModelUsed      *string // nil for user/system messages
	TokensInput    *int64  // nil means not tracked
	TokensOutput   *int64  // nil means not tracked
	Timestamp      time.Time
}

// Cursor marks a position in a keyset-paginated listing.
type Cursor struct {
	Time time.Time
	ID   string
}

// Page selects one page of a listing. A nil After starts from the beginning.
type Page struct {
	After *Cursor
	Limit int
}

// UsageFilter narrows a usage aggregation. OwnerID is required.
type UsageFilter struct {
	OwnerID        string
	ConversationID *string
	Since          *time.Time
	Until          *time.Time
}

// ModelUsage is the token total for one model.
type ModelUsage struct {
	Model        string
	TokensInput  int64
	TokensOutput int64
	MessageCount int64
}

// UsageStats aggregates token usage across messages.
type UsageStats struct {
	TokensInput  int64
	TokensOutput int64
	MessageCount int64 // all matching messages
	TrackedCount int64 // messages carrying at least one token count
	ByModel      []ModelUsage
}

// TotalTokens returns input plus output tokens.
func (u *UsageStats) TotalTokens() int64 {
	return u.TokensInput + u.TokensOutput
}

// Tx is the record-level view of one atomic unit of work. Implementations
// are only valid inside the callback passed to Store.View or Store.Update.
type Tx interface {
	// Conversations
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	InsertConversation(ctx context.Context, conv *Conversation) error
	UpdateConversation(ctx context.Context, conv *Conversation) error
	// DeleteConversation removes a conversation and its messages, returning
	// the number of messages removed.
	DeleteConversation(ctx context.Context, id string) (int64, error)
	// ListConversations returns conversations of ownerID ordered by
	// updated_at DESC, id DESC.
	ListConversations(ctx context.Context, ownerID string, page Page) ([]*Conversation, error)

	// Messages
	InsertMessage(ctx context.Context, msg *Message) error
	// LatestMessageTime returns the newest message timestamp of a
	// conversation, or the zero time if it has none.
	LatestMessageTime(ctx context.Context, conversationID string) (time.Time, error)
	// ListMessages returns messages ordered by timestamp ASC, id ASC.
	ListMessages(ctx context.Context, conversationID string, page Page) ([]*Message, error)

	// Accounting
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
	// DeleteOwnerData removes every conversation and message of ownerID.
	DeleteOwnerData(ctx context.Context, ownerID string) (conversations, messages int64, err error)
}

// Store runs units of work against a transactional datastore.
// If fn returns an error the transaction is rolled back and that error is
// returned unchanged.
type Store interface {
	View(ctx context.Context, fn func(tx Tx) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// normalizeTime converts t to the stored representation.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(TimePrecision)
}

// Page size bounds applied by every backend.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// clampLimit applies the default and maximum page size.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
