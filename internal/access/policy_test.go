// ABOUTME: Tests for the ownership Policy
// ABOUTME: Verifies fail-closed resolution and that denials never reveal the owner

package access

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-history/internal/store"
)

// mapReader is a ConversationReader over a fixed set of conversations.
type mapReader struct {
	convs map[string]*store.Conversation
	err   error
	calls int
}

func (r *mapReader) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	conv, ok := r.convs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func newReader() *mapReader {
	now := time.Now().UTC()
	return &mapReader{convs: map[string]*store.Conversation{
		"conv-1": {ID: "conv-1", OwnerID: "owner-secret", Title: "t", CreatedAt: now, UpdatedAt: now},
	}}
}

func TestPolicy_Allowed(t *testing.T) {
	p := NewPolicy(nil)
	conv := &store.Conversation{ID: "c", OwnerID: "U1"}

	tests := []struct {
		name  string
		conv  *store.Conversation
		actor string
		want  bool
	}{
		{"owner", conv, "U1", true},
		{"other user", conv, "U2", false},
		{"empty actor", conv, "", false},
		{"nil conversation", nil, "U1", false},
		{"empty owner and empty actor", &store.Conversation{ID: "c"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, op := range []Op{OpRead, OpList, OpWrite, OpDelete, OpAppend} {
				assert.Equal(t, tt.want, p.Allowed(op, tt.conv, tt.actor), "op %s", op)
			}
		})
	}
}

func TestPolicy_Check(t *testing.T) {
	p := NewPolicy(nil)
	conv := &store.Conversation{ID: "c", OwnerID: "U1"}

	require.NoError(t, p.Check(OpWrite, conv, "U1"))
	require.ErrorIs(t, p.Check(OpWrite, conv, "U2"), store.ErrNotFound)
	require.ErrorIs(t, p.Check(OpRead, nil, "U1"), store.ErrNotFound)
}

func TestPolicy_Resolve(t *testing.T) {
	ctx := t.Context()
	p := NewPolicy(nil)

	t.Run("owner gets the conversation", func(t *testing.T) {
		conv, err := p.Resolve(ctx, newReader(), OpRead, "conv-1", "owner-secret")
		require.NoError(t, err)
		assert.Equal(t, "conv-1", conv.ID)
	})

	t.Run("missing and foreign are indistinguishable", func(t *testing.T) {
		_, missingErr := p.Resolve(ctx, newReader(), OpRead, "conv-404", "U2")
		_, foreignErr := p.Resolve(ctx, newReader(), OpRead, "conv-1", "U2")
		require.ErrorIs(t, missingErr, store.ErrNotFound)
		require.ErrorIs(t, foreignErr, store.ErrNotFound)
		assert.Equal(t, missingErr.Error(), foreignErr.Error())
	})

	t.Run("empty identifiers are denied without a lookup", func(t *testing.T) {
		r := newReader()
		_, err := p.Resolve(ctx, r, OpWrite, "", "owner-secret")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = p.Resolve(ctx, r, OpWrite, "conv-1", "")
		require.ErrorIs(t, err, store.ErrNotFound)
		assert.Zero(t, r.calls)
	})

	t.Run("lookup failures fail closed", func(t *testing.T) {
		boom := errors.New("disk on fire")
		r := newReader()
		r.err = boom

		conv, err := p.Resolve(ctx, r, OpRead, "conv-1", "owner-secret")
		assert.Nil(t, conv)
		require.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, store.ErrNotFound)
	})
}

func TestPolicy_ResolveInsideStoreTransaction(t *testing.T) {
	ctx := t.Context()
	st := store.NewMemoryStore()
	p := NewPolicy(nil)
	now := time.Now().UTC()

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		return tx.InsertConversation(ctx, &store.Conversation{
			ID: "conv-1", OwnerID: "U1", Title: "t", CreatedAt: now, UpdatedAt: now,
		})
	}))

	err := st.View(ctx, func(tx store.Tx) error {
		_, err := p.Resolve(ctx, tx, OpRead, "conv-1", "U1")
		return err
	})
	require.NoError(t, err)

	err = st.View(ctx, func(tx store.Tx) error {
		_, err := p.Resolve(ctx, tx, OpRead, "conv-1", "U2")
		return err
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPolicy_DenialLogDoesNotRevealOwner(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	p := NewPolicy(logger)

	_, err := p.Resolve(t.Context(), newReader(), OpDelete, "conv-1", "intruder")
	require.ErrorIs(t, err, store.ErrNotFound)

	out := buf.String()
	assert.Contains(t, out, "access denied")
	assert.Contains(t, out, `"component":"access"`)
	assert.Contains(t, out, "intruder")
	assert.NotContains(t, out, "owner-secret")
}
