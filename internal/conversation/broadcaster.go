// ABOUTME: In-memory fan-out of committed conversation changes
// ABOUTME: Subscribers are keyed by owner so a user only sees changes to their own records

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-history/internal/store"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// ChangeKind identifies what a Change did.
type ChangeKind string

// Change kinds
const (
	ChangeConversationCreated ChangeKind = "conversation_created"
	ChangeConversationUpdated ChangeKind = "conversation_updated"
	ChangeConversationDeleted ChangeKind = "conversation_deleted"
	ChangeMessageAppended     ChangeKind = "message_appended"
	ChangeOwnerPurged         ChangeKind = "owner_purged"
)

// Change describes one committed mutation. Conversation is set for created
// and updated conversations, Message for appended messages.
type Change struct {
	Kind           ChangeKind
	OwnerID        string
	ConversationID string
	Conversation   *store.Conversation
	Message        *store.Message
	At             time.Time
}

// ChangeBroadcaster provides in-memory pub/sub for committed changes.
// Publishing happens after the transaction commits, so a rolled back
// operation never reaches a subscriber.
type ChangeBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Change // ownerID -> subID -> ch
	logger      *slog.Logger
}

// NewChangeBroadcaster creates a broadcaster. Pass nil logger for default.
func NewChangeBroadcaster(logger *slog.Logger) *ChangeBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeBroadcaster{
		subscribers: make(map[string]map[string]chan Change),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for changes to records owned by ownerID. The
// subscription is removed and its channel closed when ctx is cancelled.
func (b *ChangeBroadcaster) Subscribe(ctx context.Context, ownerID string) (<-chan Change, string) {
	subID := uuid.New().String()
	ch := make(chan Change, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[ownerID]; !ok {
		b.subscribers[ownerID] = make(map[string]chan Change)
	}
	b.subscribers[ownerID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(ownerID, subID)
	}()

	return ch, subID
}

// Publish delivers change to every subscriber of change.OwnerID.
// Non-blocking: changes are dropped for subscribers whose channels are full.
// Sends happen under the read lock so Unsubscribe cannot close a channel
// mid-send.
func (b *ChangeBroadcaster) Publish(change Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[change.OwnerID] {
		select {
		case ch <- change:
		default:
			b.logger.Debug("dropped change for slow subscriber",
				"kind", change.Kind,
				"conversation_id", change.ConversationID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *ChangeBroadcaster) Unsubscribe(ownerID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[ownerID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, ownerID)
	}

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *ChangeBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ownerID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, ownerID)
	}

	b.logger.Debug("broadcaster closed")
}
