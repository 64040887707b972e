// ABOUTME: In-memory Store implementation for tests and ephemeral use
// ABOUTME: An undo log gives writes the same all-or-nothing semantics as SQL backends

package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation. Writers are serialized
// and mutate the live state under the write lock, recording an undo step per
// change; a failed Update replays them in reverse. A write costs what it
// touches, not the size of the dataset.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
}

type memoryState struct {
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, chronological
	messageIDs    map[string]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memoryState{
			conversations: make(map[string]*Conversation),
			messages:      make(map[string][]*Message),
			messageIDs:    make(map[string]struct{}),
		},
	}
}

// View runs fn against the current state under a read lock.
func (m *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memoryTx{state: m.state, readOnly: true})
}

// Update runs fn against the live state under the write lock and rolls its
// changes back if fn fails or panics.
func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{state: m.state}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

type memoryTx struct {
	state    *memoryState
	readOnly bool
	undo     []func()
}

func (t *memoryTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// restoreMessages puts back the message slice of a conversation as it was.
func (t *memoryTx) restoreMessages(convID string, msgs []*Message, had bool) {
	if had {
		t.state.messages[convID] = msgs
	} else {
		delete(t.state.messages, convID)
	}
	for _, msg := range msgs {
		t.state.messageIDs[msg.ID] = struct{}{}
	}
}

func (t *memoryTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (t *memoryTx) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, ok := t.state.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Return a copy
	result := *conv
	return &result, nil
}

// InsertConversation stores a new conversation.
func (t *memoryTx) InsertConversation(ctx context.Context, conv *Conversation) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, exists := t.state.conversations[conv.ID]; exists {
		return &IntegrityError{Op: "inserting conversation", Err: fmt.Errorf("duplicate id %q", conv.ID)}
	}
	if err := checkConversation(conv); err != nil {
		return &IntegrityError{Op: "inserting conversation", Err: err}
	}

	// Make a copy to avoid external modification
	c := *conv
	c.CreatedAt = normalizeTime(c.CreatedAt)
	c.UpdatedAt = normalizeTime(c.UpdatedAt)
	t.state.conversations[c.ID] = &c
	t.undo = append(t.undo, func() { delete(t.state.conversations, c.ID) })
	return nil
}

// UpdateConversation replaces title and updated_at.
func (t *memoryTx) UpdateConversation(ctx context.Context, conv *Conversation) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, ok := t.state.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}

	c := *existing
	c.Title = conv.Title
	c.UpdatedAt = normalizeTime(conv.UpdatedAt)
	if err := checkConversation(&c); err != nil {
		return &IntegrityError{Op: "updating conversation", Err: err}
	}
	t.state.conversations[c.ID] = &c
	t.undo = append(t.undo, func() { t.state.conversations[c.ID] = existing })
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (t *memoryTx) DeleteConversation(ctx context.Context, id string) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	conv, ok := t.state.conversations[id]
	if !ok {
		return 0, ErrNotFound
	}

	msgs, had := t.state.messages[id]
	for _, msg := range msgs {
		delete(t.state.messageIDs, msg.ID)
	}
	delete(t.state.messages, id)
	delete(t.state.conversations, id)
	t.undo = append(t.undo, func() {
		t.state.conversations[id] = conv
		t.restoreMessages(id, msgs, had)
	})
	return int64(len(msgs)), nil
}

// ListConversations returns one page of an owner's conversations.
func (t *memoryTx) ListConversations(ctx context.Context, ownerID string, page Page) ([]*Conversation, error) {
	var all []*Conversation
	for _, conv := range t.state.conversations {
		if conv.OwnerID != ownerID {
			continue
		}
		if page.After != nil && !conversationBefore(conv, page.After) {
			continue
		}
		all = append(all, conv)
	}

	// updated_at DESC, id DESC
	slices.SortFunc(all, func(a, b *Conversation) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	limit := clampLimit(page.Limit)
	if len(all) > limit {
		all = all[:limit]
	}

	result := make([]*Conversation, len(all))
	for i, conv := range all {
		c := *conv
		result[i] = &c
	}
	return result, nil
}

// conversationBefore reports whether conv sorts after the cursor in
// updated_at DESC, id DESC order.
func conversationBefore(conv *Conversation, after *Cursor) bool {
	at := normalizeTime(after.Time)
	if conv.UpdatedAt.Before(at) {
		return true
	}
	return conv.UpdatedAt.Equal(at) && conv.ID < after.ID
}

// InsertMessage appends a message to its conversation.
func (t *memoryTx) InsertMessage(ctx context.Context, msg *Message) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.conversations[msg.ConversationID]; !ok {
		return &IntegrityError{Op: "inserting message", Err: fmt.Errorf("conversation %q does not exist", msg.ConversationID)}
	}
	if _, exists := t.state.messageIDs[msg.ID]; exists {
		return &IntegrityError{Op: "inserting message", Err: fmt.Errorf("duplicate id %q", msg.ID)}
	}
	if err := checkMessage(msg); err != nil {
		return &IntegrityError{Op: "inserting message", Err: err}
	}

	c := *msg
	c.Timestamp = normalizeTime(c.Timestamp)
	if c.ModelUsed != nil && *c.ModelUsed == "" {
		c.ModelUsed = nil
	}

	// Insert into a fresh slice so the previous one stays intact for undo.
	msgs, had := t.state.messages[c.ConversationID]
	idx, _ := slices.BinarySearchFunc(msgs, &c, compareMessages)
	t.state.messages[c.ConversationID] = slices.Insert(slices.Clip(msgs), idx, &c)
	t.state.messageIDs[c.ID] = struct{}{}
	t.undo = append(t.undo, func() {
		delete(t.state.messageIDs, c.ID)
		if had {
			t.state.messages[c.ConversationID] = msgs
		} else {
			delete(t.state.messages, c.ConversationID)
		}
	})
	return nil
}

// compareMessages orders by timestamp ASC, id ASC.
func compareMessages(a, b *Message) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// LatestMessageTime returns the newest message timestamp in a conversation.
func (t *memoryTx) LatestMessageTime(ctx context.Context, conversationID string) (time.Time, error) {
	msgs := t.state.messages[conversationID]
	if len(msgs) == 0 {
		return time.Time{}, nil
	}
	return msgs[len(msgs)-1].Timestamp, nil
}

// ListMessages returns one page of a conversation's messages.
func (t *memoryTx) ListMessages(ctx context.Context, conversationID string, page Page) ([]*Message, error) {
	msgs := t.state.messages[conversationID]

	start := 0
	if page.After != nil {
		cursor := &Message{Timestamp: normalizeTime(page.After.Time), ID: page.After.ID}
		idx, found := slices.BinarySearchFunc(msgs, cursor, compareMessages)
		if found {
			idx++
		}
		start = idx
	}

	end := min(start+clampLimit(page.Limit), len(msgs))
	result := make([]*Message, 0, end-start)
	for _, msg := range msgs[start:end] {
		c := *msg
		result = append(result, &c)
	}
	return result, nil
}

// GetUsageStats aggregates token counts over an owner's messages.
func (t *memoryTx) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	var stats UsageStats
	byModel := make(map[string]*ModelUsage)

	for convID, msgs := range t.state.messages {
		if filter.ConversationID != nil && convID != *filter.ConversationID {
			continue
		}
		for _, msg := range msgs {
			if msg.OwnerID != filter.OwnerID {
				continue
			}
			if filter.Since != nil && msg.Timestamp.Before(normalizeTime(*filter.Since)) {
				continue
			}
			if filter.Until != nil && !msg.Timestamp.Before(normalizeTime(*filter.Until)) {
				continue
			}

			var in, out int64
			if msg.TokensInput != nil {
				in = *msg.TokensInput
			}
			if msg.TokensOutput != nil {
				out = *msg.TokensOutput
			}

			stats.MessageCount++
			stats.TokensInput += in
			stats.TokensOutput += out
			if msg.TokensInput != nil || msg.TokensOutput != nil {
				stats.TrackedCount++
			}

			if msg.ModelUsed != nil && *msg.ModelUsed != "" {
				mu, ok := byModel[*msg.ModelUsed]
				if !ok {
					mu = &ModelUsage{Model: *msg.ModelUsed}
					byModel[*msg.ModelUsed] = mu
				}
				mu.TokensInput += in
				mu.TokensOutput += out
				mu.MessageCount++
			}
		}
	}

	for _, mu := range byModel {
		stats.ByModel = append(stats.ByModel, *mu)
	}
	slices.SortFunc(stats.ByModel, func(a, b ModelUsage) int {
		return strings.Compare(a.Model, b.Model)
	})

	return &stats, nil
}

// DeleteOwnerData removes every conversation and message of ownerID.
func (t *memoryTx) DeleteOwnerData(ctx context.Context, ownerID string) (int64, int64, error) {
	if err := t.writable(); err != nil {
		return 0, 0, err
	}

	var conversations, messages int64
	for id, conv := range t.state.conversations {
		if conv.OwnerID != ownerID {
			continue
		}
		msgs, had := t.state.messages[id]
		for _, msg := range msgs {
			delete(t.state.messageIDs, msg.ID)
		}
		messages += int64(len(msgs))
		delete(t.state.messages, id)
		delete(t.state.conversations, id)
		conversations++
		t.undo = append(t.undo, func() {
			t.state.conversations[id] = conv
			t.restoreMessages(id, msgs, had)
		})
	}

	// Messages authored by ownerID in conversations owned by someone else.
	for id, msgs := range t.state.messages {
		if !slices.ContainsFunc(msgs, func(m *Message) bool { return m.OwnerID == ownerID }) {
			continue
		}
		kept := make([]*Message, 0, len(msgs))
		for _, msg := range msgs {
			if msg.OwnerID == ownerID {
				delete(t.state.messageIDs, msg.ID)
				messages++
				continue
			}
			kept = append(kept, msg)
		}
		t.state.messages[id] = kept
		t.undo = append(t.undo, func() { t.restoreMessages(id, msgs, true) })
	}

	return conversations, messages, nil
}

// checkConversation mirrors the CHECK constraints of the SQL schemas.
func checkConversation(conv *Conversation) error {
	if strings.TrimSpace(conv.Title) == "" {
		return fmt.Errorf("title must not be blank")
	}
	if conv.UpdatedAt.Before(conv.CreatedAt) {
		return fmt.Errorf("updated_at before created_at")
	}
	return nil
}

// checkMessage mirrors the CHECK constraints of the SQL schemas.
func checkMessage(msg *Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("invalid role %q", msg.Role)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return fmt.Errorf("content must not be blank")
	}
	if msg.TokensInput != nil && *msg.TokensInput < 0 {
		return fmt.Errorf("tokens_input must not be negative")
	}
	if msg.TokensOutput != nil && *msg.TokensOutput < 0 {
		return fmt.Errorf("tokens_output must not be negative")
	}
	return nil
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)
