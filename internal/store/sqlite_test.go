// ABOUTME: Tests specific to the SQLite store implementation
// ABOUTME: Covers file creation, drivers, pragmas, migrations and the on-disk time format

package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created")
	assert.Equal(t, DriverModernc, store.driver)
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestOpenSQLite_InMemory(t *testing.T) {
	for _, driver := range []string{DriverModernc, DriverMattn} {
		t.Run(driver, func(t *testing.T) {
			store, err := OpenSQLite(driver, ":memory:")
			require.NoError(t, err)
			defer store.Close()

			// The single pooled connection keeps the schema visible.
			conv := newConversation("U1", baseTime)
			insertConversation(t, store, conv)
			_, err = getConversation(t, store, conv.ID)
			require.NoError(t, err)
		})
	}
}

func TestOpenSQLite_UnsupportedDriver(t *testing.T) {
	_, err := OpenSQLite("postgres", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported sqlite driver")
}

func TestSQLiteStore_Pragmas(t *testing.T) {
	for _, driver := range []string{DriverModernc, DriverMattn} {
		t.Run(driver, func(t *testing.T) {
			store := setupTestStoreWith(t, driver)

			var fk int
			require.NoError(t, store.db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
			assert.Equal(t, 1, fk)

			var mode string
			require.NoError(t, store.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
			assert.Equal(t, "wal", mode)
		})
	}
}

func TestSQLiteStore_ReadPoolIsQueryOnly(t *testing.T) {
	for _, driver := range []string{DriverModernc, DriverMattn} {
		t.Run(driver, func(t *testing.T) {
			store := setupTestStoreWith(t, driver)
			require.NotSame(t, store.db, store.readDB)

			var queryOnly int
			require.NoError(t, store.readDB.QueryRow(`PRAGMA query_only`).Scan(&queryOnly))
			assert.Equal(t, 1, queryOnly)

			_, err := store.readDB.Exec(`DELETE FROM conversations`)
			assert.Error(t, err)
		})
	}
}

func TestSQLiteStore_NestedViewsDoNotBlock(t *testing.T) {
	for _, driver := range []string{DriverModernc, DriverMattn} {
		t.Run(driver, func(t *testing.T) {
			store := setupTestStoreWith(t, driver)
			conv := newConversation(testOwner("nested"), baseTime)
			insertConversation(t, store, conv)

			err := store.View(t.Context(), func(outer Tx) error {
				if _, err := outer.GetConversation(t.Context(), conv.ID); err != nil {
					return err
				}

				ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
				defer cancel()
				return store.View(ctx, func(inner Tx) error {
					_, err := inner.GetConversation(ctx, conv.ID)
					return err
				})
			})
			require.NoError(t, err)
		})
	}
}

func TestSQLiteStore_ViewRunsAlongsideUpdate(t *testing.T) {
	for _, driver := range []string{DriverModernc, DriverMattn} {
		t.Run(driver, func(t *testing.T) {
			store := setupTestStoreWith(t, driver)
			committed := newConversation(testOwner("wal"), baseTime)
			insertConversation(t, store, committed)
			pending := newConversation(committed.OwnerID, baseTime)

			err := store.Update(t.Context(), func(tx Tx) error {
				if err := tx.InsertConversation(t.Context(), pending); err != nil {
					return err
				}

				ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
				defer cancel()
				return store.View(ctx, func(r Tx) error {
					if _, err := r.GetConversation(ctx, committed.ID); err != nil {
						return err
					}
					_, err := r.GetConversation(ctx, pending.ID)
					assert.ErrorIs(t, err, ErrNotFound, "uncommitted rows are not visible to readers")
					return nil
				})
			})
			require.NoError(t, err)
		})
	}
}

func TestSQLiteStore_TimeFormatSortsLexically(t *testing.T) {
	earlier := formatTime(time.Date(2026, 3, 1, 9, 59, 59, 999999000, time.UTC))
	later := formatTime(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	assert.Less(t, earlier, later)
	assert.Equal(t, "2026-03-01T10:00:00.000000Z", later)

	// Non-UTC input is stored as UTC
	loc := time.FixedZone("UTC-5", -5*60*60)
	assert.Equal(t, later, formatTime(time.Date(2026, 3, 1, 5, 0, 0, 0, loc)))

	parsed, err := parseTime(later)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, parsed.Location())
}

func TestSQLiteStore_MigratesLegacyMessagesTable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	// A database created before cost tracking existed.
	legacy, err := sql.Open(DriverModernc, "file:"+dbPath)
	require.NoError(t, err)
	_, err = legacy.Exec(`
		CREATE TABLE conversations (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			title      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			owner_id        TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			timestamp       TEXT NOT NULL
		);
	`)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	conv := newConversation("U1", baseTime)
	insertConversation(t, store, conv)
	model := "model-x"
	tokens := int64(42)
	msg := newMessage(conv, "tracked", baseTime)
	msg.ModelUsed = &model
	msg.TokensInput = &tokens
	insertMessage(t, store, msg)

	msgs := listMessages(t, store, conv.ID, Page{})
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].TokensInput)
	assert.Equal(t, int64(42), *msgs[0].TokensInput)
	require.NoError(t, store.Close())

	// Reopening is a no-op for the migrations.
	store, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()
	assert.Len(t, listMessages(t, store, conv.ID, Page{}), 1)
}

func TestSQLiteStore_ForeignKeyCascadeBackstop(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := newConversation("U1", baseTime)
	insertConversation(t, store, conv)
	insertMessage(t, store, newMessage(conv, "orphan-to-be", baseTime))

	// A raw delete bypassing DeleteConversation still removes messages.
	_, err := store.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conv.ID)
	require.NoError(t, err)

	var count int
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count))
	assert.Zero(t, count)
}
