// Package store is the Conversation Store: the durable record of chat
// sessions and their append-only message logs.
//
// # Model
//
//   - Session: user-owned conversation thread with title, creation and
//     last-activity timestamps, and an active flag. Ended sessions accept
//     no further messages (ErrSessionClosed).
//   - Message: immutable record with a role (user, assistant, system),
//     content, free-form JSON metadata, and a store-assigned per-session
//     sequence number. Seq is the authoritative order of a session.
//
// # Implementations
//
// SQLStore runs on database/sql with three dialects:
//
//   - sqlite (modernc.org/sqlite, default, single connection + WAL)
//   - postgres (github.com/lib/pq)
//   - mysql (github.com/go-sql-driver/mysql)
//
// MemoryStore is an in-process implementation with identical semantics,
// used by tests and by `database.driver: memory`.
//
// # Ordering
//
// AppendMessage is atomic: it locks the session row (or, on SQLite, the
// single connection), re-checks the active flag, assigns seq =
// max(seq)+1, inserts, and bumps last_activity_at in one transaction.
// Concurrent appends to the same session therefore produce a gap-free
// sequence in commit order.
//
// # Timestamps
//
// Timestamps are stored as fixed-width UTC text so that lexical and
// chronological order agree in every dialect.
package store
