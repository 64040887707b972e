// ABOUTME: SQLite implementation of the Store interface (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLite driver names accepted by OpenSQLite.
const (
	DriverModernc = "sqlite"  // pure Go, modernc.org/sqlite
	DriverMattn   = "sqlite3" // cgo, github.com/mattn/go-sqlite3
)

// sqliteTimeFormat is fixed-width so that lexical order equals time order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000Z07:00"

// busyTimeoutMillis bounds how long a writer waits for another writer.
const busyTimeoutMillis = 5000

// SQLiteStore implements the Store interface using SQLite. Writes go
// through db with immediate transactions; reads use readDB with deferred
// transactions so they never take the write lock.
type SQLiteStore struct {
	db     *sql.DB
	readDB *sql.DB
	driver string
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure
// Go driver. The schema is automatically created if it doesn't exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLite(DriverModernc, path)
}

// OpenSQLite opens a SQLite database with the named driver. Parent
// directories are created if needed; ":memory:" opens a private in-memory
// database.
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", driver)

	if driver != DriverModernc && driver != DriverMattn {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	inMemory := path == ":memory:"
	if !inMemory {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, sqliteDSN(driver, path, false))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection of an in-memory database is a separate database.
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		readDB: db,
		driver: driver,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// An in-memory database exists only on its single connection, so reads
	// share it.
	if !inMemory {
		readDB, err := sql.Open(driver, sqliteDSN(driver, path, true))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("opening read pool: %w", err)
		}
		if err := readDB.Ping(); err != nil {
			readDB.Close()
			db.Close()
			return nil, fmt.Errorf("connecting read pool: %w", err)
		}
		s.readDB = readDB
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// sqliteDSN builds a DSN that applies the pragmas to every pooled
// connection. Writer connections get WAL, foreign keys, a busy timeout and
// immediate write locks so concurrent writers queue instead of failing on
// lock upgrade. Reader connections are query-only with deferred
// transactions; WAL lets them run alongside the writer.
func sqliteDSN(driver, path string, reader bool) string {
	if driver == DriverMattn {
		if reader {
			return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=%d&_query_only=true&_txlock=deferred",
				path, busyTimeoutMillis)
		}
		return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_txlock=immediate",
			path, busyTimeoutMillis)
	}
	if reader {
		return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=query_only(1)&_txlock=deferred",
			path, busyTimeoutMillis)
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		path, busyTimeoutMillis)
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			title      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (length(trim(title)) > 0),
			CHECK (updated_at >= created_at)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated
			ON conversations(owner_id, updated_at DESC, id DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			owner_id        TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			model_used      TEXT,
			tokens_input    INTEGER,
			tokens_output   INTEGER,
			timestamp       TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant', 'system')),
			CHECK (length(trim(content)) > 0),
			CHECK (tokens_input IS NULL OR tokens_input >= 0),
			CHECK (tokens_output IS NULL OR tokens_output >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts
			ON messages(conversation_id, timestamp, id);

		CREATE INDEX IF NOT EXISTS idx_messages_owner
			ON messages(owner_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// Cost tracking columns were added after the first release.
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first.
	migrations := []struct {
		column string
		apply  string
	}{
		{
			column: "model_used",
			apply:  `ALTER TABLE messages ADD COLUMN model_used TEXT`,
		},
		{
			column: "tokens_input",
			apply:  `ALTER TABLE messages ADD COLUMN tokens_input INTEGER CHECK (tokens_input IS NULL OR tokens_input >= 0)`,
		},
		{
			column: "tokens_output",
			apply:  `ALTER TABLE messages ADD COLUMN tokens_output INTEGER CHECK (tokens_output IS NULL OR tokens_output >= 0)`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info('messages') WHERE name = ?`, m.column).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking %s column: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to messages: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "messages")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	if s.readDB != s.db {
		if err := s.readDB.Close(); err != nil {
			s.db.Close()
			return err
		}
	}
	return s.db.Close()
}

// View runs fn in a transaction that is always rolled back.
func (s *SQLiteStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, true, fn)
}

// Update runs fn in a transaction that is committed if fn returns nil.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *SQLiteStore) run(ctx context.Context, readOnly bool, fn func(tx Tx) error) error {
	db := s.db
	if readOnly {
		db = s.readDB
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteTx{tx: tx, readOnly: readOnly, logger: s.logger}); err != nil {
		return err
	}
	if readOnly {
		return nil
	}

	if err := tx.Commit(); err != nil {
		if isConstraintViolation(err) {
			return &IntegrityError{Op: "committing transaction", Err: err}
		}
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite constraint violation
// (UNIQUE, FOREIGN KEY, CHECK, NOT NULL).
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// sqliteTx implements Tx on top of a database/sql transaction.
type sqliteTx struct {
	tx       *sql.Tx
	readOnly bool
	logger   *slog.Logger
}

func (t *sqliteTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

// execError classifies a failed write.
func execError(op string, err error) error {
	if isConstraintViolation(err) {
		return &IntegrityError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (t *sqliteTx) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, owner_id, title, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`, id)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// InsertConversation inserts a new conversation row.
func (t *sqliteTx) InsertConversation(ctx context.Context, conv *Conversation) error {
	if err := t.writable(); err != nil {
		return err
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO conversations (id, owner_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		conv.ID,
		conv.OwnerID,
		conv.Title,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		return execError("inserting conversation", err)
	}

	t.logger.Debug("created conversation", "id", conv.ID)
	return nil
}

// UpdateConversation writes the mutable fields (title, updated_at).
// Returns ErrNotFound if the conversation doesn't exist.
func (t *sqliteTx) UpdateConversation(ctx context.Context, conv *Conversation) error {
	if err := t.writable(); err != nil {
		return err
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE conversations
		SET title = ?, updated_at = ?
		WHERE id = ?
	`, conv.Title, formatTime(conv.UpdatedAt), conv.ID)
	if err != nil {
		return execError("updating conversation", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	t.logger.Debug("updated conversation", "id", conv.ID)
	return nil
}

// DeleteConversation removes the conversation and its messages.
// Returns ErrNotFound if the conversation doesn't exist.
func (t *sqliteTx) DeleteConversation(ctx context.Context, id string) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}

	result, err := t.tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id)
	if err != nil {
		return 0, execError("deleting messages", err)
	}
	messages, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	result, err = t.tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return 0, execError("deleting conversation", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return 0, ErrNotFound
	}

	t.logger.Debug("deleted conversation", "id", id, "messages", messages)
	return messages, nil
}

// ListConversations returns one page of an owner's conversations, most
// recently updated first.
func (t *sqliteTx) ListConversations(ctx context.Context, ownerID string, page Page) ([]*Conversation, error) {
	query := `
		SELECT id, owner_id, title, created_at, updated_at
		FROM conversations
		WHERE owner_id = ?
	`
	args := []any{ownerID}

	if page.After != nil {
		ts := formatTime(page.After.Time)
		query += ` AND (updated_at < ? OR (updated_at = ? AND id < ?))`
		args = append(args, ts, ts, page.After.ID)
	}

	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(page.Limit))

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// InsertMessage inserts a new message row.
func (t *sqliteTx) InsertMessage(ctx context.Context, msg *Message) error {
	if err := t.writable(); err != nil {
		return err
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, owner_id, role, content, model_used, tokens_input, tokens_output, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.OwnerID,
		string(msg.Role),
		msg.Content,
		nullString(msg.ModelUsed),
		nullInt(msg.TokensInput),
		nullInt(msg.TokensOutput),
		formatTime(msg.Timestamp),
	)
	if err != nil {
		return execError("inserting message", err)
	}

	t.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "role", msg.Role)
	return nil
}

// LatestMessageTime returns the newest message timestamp in a conversation.
func (t *sqliteTx) LatestMessageTime(ctx context.Context, conversationID string) (time.Time, error) {
	var latest sql.NullString
	err := t.tx.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying latest message: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return parseTime(latest.String)
}

// ListMessages returns one page of a conversation's messages in
// chronological order.
func (t *sqliteTx) ListMessages(ctx context.Context, conversationID string, page Page) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, owner_id, role, content, model_used, tokens_input, tokens_output, timestamp
		FROM messages
		WHERE conversation_id = ?
	`
	args := []any{conversationID}

	if page.After != nil {
		ts := formatTime(page.After.Time)
		query += ` AND (timestamp > ? OR (timestamp = ? AND id > ?))`
		args = append(args, ts, ts, page.After.ID)
	}

	query += ` ORDER BY timestamp ASC, id ASC LIMIT ?`
	args = append(args, clampLimit(page.Limit))

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// GetUsageStats aggregates token counts over an owner's messages.
func (t *sqliteTx) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	where := ` WHERE owner_id = ?`
	args := []any{filter.OwnerID}

	if filter.ConversationID != nil {
		where += ` AND conversation_id = ?`
		args = append(args, *filter.ConversationID)
	}
	if filter.Since != nil {
		where += ` AND timestamp >= ?`
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		where += ` AND timestamp < ?`
		args = append(args, formatTime(*filter.Until))
	}

	var stats UsageStats
	err := t.tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(tokens_input), 0),
			COALESCE(SUM(tokens_output), 0),
			COUNT(*),
			COUNT(CASE WHEN tokens_input IS NOT NULL OR tokens_output IS NOT NULL THEN 1 END)
		FROM messages`+where, args...).Scan(
		&stats.TokensInput,
		&stats.TokensOutput,
		&stats.MessageCount,
		&stats.TrackedCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT model_used,
			COALESCE(SUM(tokens_input), 0),
			COALESCE(SUM(tokens_output), 0),
			COUNT(*)
		FROM messages`+where+` AND model_used IS NOT NULL
		GROUP BY model_used
		ORDER BY model_used`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage by model: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var mu ModelUsage
		if err := rows.Scan(&mu.Model, &mu.TokensInput, &mu.TokensOutput, &mu.MessageCount); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		stats.ByModel = append(stats.ByModel, mu)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	return &stats, nil
}

// DeleteOwnerData removes every conversation of ownerID and every message
// that belongs to one of them or was authored by ownerID.
func (t *sqliteTx) DeleteOwnerData(ctx context.Context, ownerID string) (int64, int64, error) {
	if err := t.writable(); err != nil {
		return 0, 0, err
	}

	result, err := t.tx.ExecContext(ctx, `
		DELETE FROM messages
		WHERE owner_id = ?
		   OR conversation_id IN (SELECT id FROM conversations WHERE owner_id = ?)
	`, ownerID, ownerID)
	if err != nil {
		return 0, 0, execError("deleting owner messages", err)
	}
	messages, err := result.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("getting rows affected: %w", err)
	}

	result, err = t.tx.ExecContext(ctx, `DELETE FROM conversations WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, 0, execError("deleting owner conversations", err)
	}
	conversations, err := result.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("getting rows affected: %w", err)
	}

	t.logger.Debug("deleted owner data", "conversations", conversations, "messages", messages)
	return conversations, messages, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var createdAtStr, updatedAtStr string

	if err := row.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &createdAtStr, &updatedAtStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning conversation row: %w", err)
	}

	var err error
	conv.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var role, timestampStr string
	var modelUsed sql.NullString
	var tokensInput, tokensOutput sql.NullInt64

	if err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.OwnerID,
		&role,
		&msg.Content,
		&modelUsed,
		&tokensInput,
		&tokensOutput,
		&timestampStr,
	); err != nil {
		return nil, fmt.Errorf("scanning message row: %w", err)
	}

	msg.Role = Role(role)

	// Handle nullable fields
	if modelUsed.Valid {
		msg.ModelUsed = &modelUsed.String
	}
	if tokensInput.Valid {
		msg.TokensInput = &tokensInput.Int64
	}
	if tokensOutput.Valid {
		msg.TokensOutput = &tokensOutput.Int64
	}

	var err error
	msg.Timestamp, err = parseTime(timestampStr)
	if err != nil {
		return nil, fmt.Errorf("parsing message timestamp: %w", err)
	}

	return &msg, nil
}

func formatTime(t time.Time) string {
	return normalizeTime(t).Format(sqliteTimeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeFormat, s)
	if err != nil {
		return time.Time{}, err
	}
	return normalizeTime(t), nil
}

// nullString returns nil for absent or empty strings
func nullString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

// nullInt returns nil for absent integers
func nullInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
