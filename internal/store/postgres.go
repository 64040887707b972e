// ABOUTME: PostgreSQL implementation of the Store interface using jackc/pgx/v5
// ABOUTME: Row-level locking via SELECT ... FOR UPDATE inside write transactions

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface on a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to the database at dsn and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store", "driver", "postgres")

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger,
	}

	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized")
	return s, nil
}

// createSchema creates the tables if they don't exist
func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			title      TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,

			CHECK (length(btrim(title)) > 0),
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
			tokens_input    BIGINT,
			tokens_output   BIGINT,
			timestamp       TIMESTAMPTZ NOT NULL,

			CHECK (role IN ('user', 'assistant', 'system')),
			CHECK (length(btrim(content)) > 0),
			CHECK (tokens_input IS NULL OR tokens_input >= 0),
			CHECK (tokens_output IS NULL OR tokens_output >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts
			ON messages(conversation_id, timestamp, id);

		CREATE INDEX IF NOT EXISTS idx_messages_owner
			ON messages(owner_id);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

// View runs fn in a read-only transaction.
func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, true, fn)
}

// Update runs fn in a read-write transaction committed if fn returns nil.
func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadWrite}, false, fn)
}

func (s *PostgresStore) run(ctx context.Context, opts pgx.TxOptions, readOnly bool, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx, readOnly: readOnly, logger: s.logger}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return pgError("committing transaction", err)
	}
	return nil
}

// pgError classifies an error, mapping integrity constraint violations
// (SQLSTATE class 23) to IntegrityError.
func pgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) == 5 && pgErr.Code[:2] == "23" {
		return &IntegrityError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	tx       pgx.Tx
	readOnly bool
	logger   *slog.Logger
}

func (t *pgTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

// GetConversation retrieves a conversation by ID. Inside Update the row is
// locked until the transaction ends.
func (t *pgTx) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, owner_id, title, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`
	if !t.readOnly {
		query += ` FOR UPDATE`
	}

	var conv Conversation
	err := t.tx.QueryRow(ctx, query, id).Scan(
		&conv.ID,
		&conv.OwnerID,
		&conv.Title,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.CreatedAt = normalizeTime(conv.CreatedAt)
	conv.UpdatedAt = normalizeTime(conv.UpdatedAt)
	return &conv, nil
}

// InsertConversation inserts a new conversation row.
func (t *pgTx) InsertConversation(ctx context.Context, conv *Conversation) error {
	if err := t.writable(); err != nil {
		return err
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO conversations (id, owner_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, conv.ID, conv.OwnerID, conv.Title, normalizeTime(conv.CreatedAt), normalizeTime(conv.UpdatedAt))
	if err != nil {
		return pgError("inserting conversation", err)
	}

	t.logger.Debug("created conversation", "id", conv.ID)
	return nil
}

// UpdateConversation writes the mutable fields (title, updated_at).
func (t *pgTx) UpdateConversation(ctx context.Context, conv *Conversation) error {
	if err := t.writable(); err != nil {
		return err
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE conversations
		SET title = $1, updated_at = $2
		WHERE id = $3
	`, conv.Title, normalizeTime(conv.UpdatedAt), conv.ID)
	if err != nil {
		return pgError("updating conversation", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	t.logger.Debug("updated conversation", "id", conv.ID)
	return nil
}

// DeleteConversation removes the conversation and its messages.
func (t *pgTx) DeleteConversation(ctx context.Context, id string) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}

	tag, err := t.tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, id)
	if err != nil {
		return 0, pgError("deleting messages", err)
	}
	messages := tag.RowsAffected()

	tag, err = t.tx.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return 0, pgError("deleting conversation", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}

	t.logger.Debug("deleted conversation", "id", id, "messages", messages)
	return messages, nil
}

// ListConversations returns one page of an owner's conversations, most
// recently updated first.
func (t *pgTx) ListConversations(ctx context.Context, ownerID string, page Page) ([]*Conversation, error) {
	query := `
		SELECT id, owner_id, title, created_at, updated_at
		FROM conversations
		WHERE owner_id = $1
	`
	args := []any{ownerID}

	if page.After != nil {
		query += ` AND (updated_at, id) < ($2, $3)`
		args = append(args, normalizeTime(page.After.Time), page.After.ID)
	}

	query += fmt.Sprintf(` ORDER BY updated_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, clampLimit(page.Limit))

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		conv.CreatedAt = normalizeTime(conv.CreatedAt)
		conv.UpdatedAt = normalizeTime(conv.UpdatedAt)
		convs = append(convs, &conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// InsertMessage inserts a new message row.
func (t *pgTx) InsertMessage(ctx context.Context, msg *Message) error {
	if err := t.writable(); err != nil {
		return err
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, owner_id, role, content, model_used, tokens_input, tokens_output, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		msg.ID,
		msg.ConversationID,
		msg.OwnerID,
		string(msg.Role),
		msg.Content,
		nullString(msg.ModelUsed),
		nullInt(msg.TokensInput),
		nullInt(msg.TokensOutput),
		normalizeTime(msg.Timestamp),
	)
	if err != nil {
		return pgError("inserting message", err)
	}

	t.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "role", msg.Role)
	return nil
}

// LatestMessageTime returns the newest message timestamp in a conversation.
func (t *pgTx) LatestMessageTime(ctx context.Context, conversationID string) (time.Time, error) {
	var latest *time.Time
	err := t.tx.QueryRow(ctx,
		`SELECT MAX(timestamp) FROM messages WHERE conversation_id = $1`, conversationID,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying latest message: %w", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return normalizeTime(*latest), nil
}

// ListMessages returns one page of a conversation's messages in
// chronological order.
func (t *pgTx) ListMessages(ctx context.Context, conversationID string, page Page) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, owner_id, role, content, model_used, tokens_input, tokens_output, timestamp
		FROM messages
		WHERE conversation_id = $1
	`
	args := []any{conversationID}

	if page.After != nil {
		query += ` AND (timestamp, id) > ($2, $3)`
		args = append(args, normalizeTime(page.After.Time), page.After.ID)
	}

	query += fmt.Sprintf(` ORDER BY timestamp ASC, id ASC LIMIT $%d`, len(args)+1)
	args = append(args, clampLimit(page.Limit))

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var role string
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.OwnerID,
			&role,
			&msg.Content,
			&msg.ModelUsed,
			&msg.TokensInput,
			&msg.TokensOutput,
			&msg.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Role = Role(role)
		msg.Timestamp = normalizeTime(msg.Timestamp)
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// GetUsageStats aggregates token counts over an owner's messages.
func (t *pgTx) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	where := ` WHERE owner_id = $1`
	args := []any{filter.OwnerID}

	if filter.ConversationID != nil {
		args = append(args, *filter.ConversationID)
		where += fmt.Sprintf(` AND conversation_id = $%d`, len(args))
	}
	if filter.Since != nil {
		args = append(args, normalizeTime(*filter.Since))
		where += fmt.Sprintf(` AND timestamp >= $%d`, len(args))
	}
	if filter.Until != nil {
		args = append(args, normalizeTime(*filter.Until))
		where += fmt.Sprintf(` AND timestamp < $%d`, len(args))
	}

	var stats UsageStats
	err := t.tx.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(tokens_input), 0)::BIGINT,
			COALESCE(SUM(tokens_output), 0)::BIGINT,
			COUNT(*),
			COUNT(*) FILTER (WHERE tokens_input IS NOT NULL OR tokens_output IS NOT NULL)
		FROM messages`+where, args...).Scan(
		&stats.TokensInput,
		&stats.TokensOutput,
		&stats.MessageCount,
		&stats.TrackedCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}

	rows, err := t.tx.Query(ctx, `
		SELECT model_used,
			COALESCE(SUM(tokens_input), 0)::BIGINT,
			COALESCE(SUM(tokens_output), 0)::BIGINT,
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

// DeleteOwnerData removes every conversation and message of ownerID.
func (t *pgTx) DeleteOwnerData(ctx context.Context, ownerID string) (int64, int64, error) {
	if err := t.writable(); err != nil {
		return 0, 0, err
	}

	tag, err := t.tx.Exec(ctx, `
		DELETE FROM messages
		WHERE owner_id = $1
		   OR conversation_id IN (SELECT id FROM conversations WHERE owner_id = $1)
	`, ownerID)
	if err != nil {
		return 0, 0, pgError("deleting owner messages", err)
	}
	messages := tag.RowsAffected()

	tag, err = t.tx.Exec(ctx, `DELETE FROM conversations WHERE owner_id = $1`, ownerID)
	if err != nil {
		return 0, 0, pgError("deleting owner conversations", err)
	}
	conversations := tag.RowsAffected()

	t.logger.Debug("deleted owner data", "conversations", conversations, "messages", messages)
	return conversations, messages, nil
}

// Ensure PostgresStore implements Store interface
var _ Store = (*PostgresStore)(nil)
