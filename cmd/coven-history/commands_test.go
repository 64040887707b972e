// ABOUTME: Tests for CLI argument parsing and subcommands
// ABOUTME: Runs commands against an in-memory store and inspects their output

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-history/internal/config"
	"github.com/2389/coven-history/internal/conversation"
	"github.com/2389/coven-history/internal/store"
)

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	color.NoColor = true

	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	out := &bytes.Buffer{}
	return &app{
		cfg:     config.Default(),
		store:   st,
		svc:     conversation.New(st, logger),
		logger:  logger,
		out:     out,
		timeout: time.Second,
	}, out
}

func runCommand(t *testing.T, a *app, name string, args ...string) error {
	t.Helper()
	handler, ok := commands[name]
	require.True(t, ok, "command %s not registered", name)
	return handler(context.Background(), a, args)
}

func onlyConversation(t *testing.T, a *app, owner string) *store.Conversation {
	t.Helper()
	convs, err := a.svc.ListConversations(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	return convs[0]
}

func TestParseArgs(t *testing.T) {
	positional, flags, err := parseArgs(
		[]string{"U1", "--model", "m1", "c1", "--touch", "--in=5", "hello", "world"},
		"model", "in",
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"U1", "c1", "hello", "world"}, positional)
	assert.Equal(t, map[string]string{"model": "m1", "touch": "true", "in": "5"}, flags)
}

func TestParseArgs_MissingValue(t *testing.T) {
	_, _, err := parseArgs([]string{"U1", "--model"}, "model")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--model")
}

func TestParseArgs_DoubleDashEndsFlags(t *testing.T) {
	positional, flags, err := parseArgs(
		[]string{"U1", "c1", "user", "--model", "m1", "--", "--verbose", "mode", "--in", "3"},
		"model", "in",
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"U1", "c1", "user", "--verbose", "mode", "--in", "3"}, positional)
	assert.Equal(t, map[string]string{"model": "m1"}, flags)
}

func TestCommands_AppendContentWithDashes(t *testing.T) {
	a, _ := newTestApp(t)
	require.NoError(t, runCommand(t, a, "new", "U1", "Chat"))
	conv := onlyConversation(t, a, "U1")

	require.NoError(t, runCommand(t, a, "append", "U1", conv.ID, "user", "--", "--verbose", "mode"))

	msgs, err := a.svc.ListMessages(context.Background(), conv.ID, "U1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "--verbose mode", msgs[0].Content)
}

func TestParseTimeArg(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseTimeArg("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseTimeArg("2026-04-30T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC), got)

	got, err = parseTimeArg("24h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), got)

	_, err = parseTimeArg("yesterday", now)
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ééééééé...", truncate(strings.Repeat("é", 20), 10))
}

func TestCommands_ConversationLifecycle(t *testing.T) {
	a, out := newTestApp(t)

	require.NoError(t, runCommand(t, a, "new", "U1", "Trip", "planning"))
	assert.Contains(t, out.String(), `"Trip planning"`)
	conv := onlyConversation(t, a, "U1")

	out.Reset()
	require.NoError(t, runCommand(t, a, "rename", "U1", conv.ID, "Paris"))
	assert.Contains(t, out.String(), `"Paris"`)

	out.Reset()
	require.NoError(t, runCommand(t, a, "conversations", "U1"))
	assert.Contains(t, out.String(), conv.ID)
	assert.Contains(t, out.String(), "Paris")

	out.Reset()
	require.NoError(t, runCommand(t, a, "conversations", "U2"))
	assert.Contains(t, out.String(), "(no conversations)")

	require.NoError(t, runCommand(t, a, "delete", "U1", conv.ID))
	convs, err := a.svc.ListConversations(context.Background(), "U1")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestCommands_NewWithoutTitle(t *testing.T) {
	a, _ := newTestApp(t)

	require.NoError(t, runCommand(t, a, "new", "U1"))
	assert.Equal(t, store.DefaultTitle, onlyConversation(t, a, "U1").Title)
}

func TestCommands_AppendAndMessages(t *testing.T) {
	a, out := newTestApp(t)
	require.NoError(t, runCommand(t, a, "new", "U1", "Chat"))
	conv := onlyConversation(t, a, "U1")

	require.NoError(t, runCommand(t, a, "append", "U1", conv.ID, "user", "Hello", "there"))
	require.NoError(t, runCommand(t, a, "append", "U1", conv.ID, "assistant", "Hi",
		"--model", "model-x", "--in", "5", "--out", "8", "--touch"))

	after := onlyConversation(t, a, "U1")
	assert.True(t, after.UpdatedAt.After(conv.UpdatedAt), "--touch refreshes updated_at")

	out.Reset()
	require.NoError(t, runCommand(t, a, "messages", "U1", conv.ID))
	text := out.String()
	assert.Contains(t, text, "Hello there")
	assert.Contains(t, text, "model-x")
	assert.Contains(t, text, "5/8")
	assert.Less(t, strings.Index(text, "Hello there"), strings.Index(text, "model-x"))
}

func TestCommands_AppendRejectsBadInput(t *testing.T) {
	a, _ := newTestApp(t)
	require.NoError(t, runCommand(t, a, "new", "U1", "Chat"))
	conv := onlyConversation(t, a, "U1")

	err := runCommand(t, a, "append", "U1", conv.ID, "user", "hi", "--in", "many")
	assert.Error(t, err)

	err = runCommand(t, a, "append", "U1", conv.ID, "wizard", "hi")
	var verr *store.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "role", verr.Field)

	err = runCommand(t, a, "append", "U2", conv.ID, "user", "hi")
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = runCommand(t, a, "append", "U1", conv.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage:")
}

func TestCommands_Usage(t *testing.T) {
	a, out := newTestApp(t)
	require.NoError(t, runCommand(t, a, "new", "U1", "Chat"))
	conv := onlyConversation(t, a, "U1")
	require.NoError(t, runCommand(t, a, "append", "U1", conv.ID, "assistant", "Hi",
		"--model", "model-x", "--in", "5", "--out", "8"))

	out.Reset()
	require.NoError(t, runCommand(t, a, "usage", "U1", "--since", "1h"))
	text := out.String()
	assert.Contains(t, text, "Total tokens:  13")
	assert.Contains(t, text, "model-x")

	out.Reset()
	require.NoError(t, runCommand(t, a, "usage", "U1", "--until", "1h"))
	assert.Contains(t, out.String(), "Total tokens:  0")

	err := runCommand(t, a, "usage", "U2", "--conversation", conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCommands_Export(t *testing.T) {
	a, out := newTestApp(t)
	require.NoError(t, runCommand(t, a, "new", "U1", "Chat"))
	conv := onlyConversation(t, a, "U1")
	require.NoError(t, runCommand(t, a, "append", "U1", conv.ID, "user", "Hello"))

	out.Reset()
	require.NoError(t, runCommand(t, a, "export", "U1", conv.ID))
	assert.True(t, strings.HasPrefix(out.String(), "# Chat\n"))

	path := filepath.Join(t.TempDir(), "chat.html")
	require.NoError(t, runCommand(t, a, "export", "U1", conv.ID, "--format", "html", "--output", path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<p>Hello</p>")

	err = runCommand(t, a, "export", "U1", conv.ID, "--format", "pdf")
	assert.Error(t, err)

	err = runCommand(t, a, "export", "U2", conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCommands_PurgeRequiresConfirmation(t *testing.T) {
	a, out := newTestApp(t)
	require.NoError(t, runCommand(t, a, "new", "U1", "One"))
	require.NoError(t, runCommand(t, a, "new", "U1", "Two"))

	err := runCommand(t, a, "purge", "U1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")

	convs, err := a.svc.ListConversations(context.Background(), "U1")
	require.NoError(t, err)
	assert.Len(t, convs, 2)

	out.Reset()
	require.NoError(t, runCommand(t, a, "purge", "U1", "--yes"))
	assert.Contains(t, out.String(), "Deleted 2 conversations")

	convs, err = a.svc.ListConversations(context.Background(), "U1")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	st, err := openStore(ctx, config.DatabaseConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = openStore(ctx, config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "history.db"),
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = openStore(ctx, config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestOpContext(t *testing.T) {
	a, _ := newTestApp(t)

	ctx, cancel := a.opContext(context.Background())
	_, hasDeadline := ctx.Deadline()
	cancel()
	assert.True(t, hasDeadline)

	a.timeout = 0
	ctx, cancel = a.opContext(context.Background())
	_, hasDeadline = ctx.Deadline()
	cancel()
	assert.False(t, hasDeadline)
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "component", "test")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	color.NoColor = true
	logger = setupLogger(config.LoggingConfig{Level: "debug"}, &buf)
	logger.With("component", "store").WithGroup("req").Debug("hello", "id", "c1")
	assert.Contains(t, buf.String(), "DBG hello")
	assert.Contains(t, buf.String(), "component=store")
	assert.Contains(t, buf.String(), "req.id=c1")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
