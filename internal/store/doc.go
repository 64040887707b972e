// Package store provides transactional persistence for conversations and
// their messages.
//
// # Architecture
//
// Callers run units of work through the Store interface:
//
//   - Store.View: read-only transaction
//   - Store.Update: read-write transaction, committed only if the callback
//     returns nil
//
// Inside the callback a Tx exposes record-level operations. Tx does not
// check ownership; the access package does that before any Tx call that
// touches an existing record.
//
// Three implementations are provided:
//
//   - SQLiteStore: modernc.org/sqlite (driver "sqlite") or
//     github.com/mattn/go-sqlite3 (driver "sqlite3")
//   - PostgresStore: github.com/jackc/pgx/v5
//   - MemoryStore: maps with an undo log, for tests and ephemeral use
//
// # Data Models
//
//   - Conversation: titled, owned by exactly one user
//   - Message: immutable turn with role, content and optional token counts
//   - UsageStats: token totals for cost accounting
//
// # SQLite Configuration
//
// Pragmas are applied through the DSN so every pooled connection gets them:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Write transactions begin IMMEDIATE so concurrent writers queue on the
// busy timeout instead of failing when upgrading a read lock.
//
// Timestamps are stored as fixed-width UTC strings with microsecond
// precision, so string order equals time order.
//
// # Error Handling
//
//   - ErrNotFound: record does not exist (or is not visible, see access)
//   - ErrValidation / *ValidationError: input violates a data invariant
//   - ErrIntegrity / *IntegrityError: the datastore refused a constraint
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMemoryStore() for unit tests and NewSQLiteStore(t.TempDir()+"/x.db")
// for integration tests. Postgres tests run when
// COVEN_HISTORY_TEST_POSTGRES_DSN is set.
package store
