// ABOUTME: SQL dialect differences for the conversation store
// ABOUTME: Placeholder style, row locking, and per-driver schema statements

package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

type dialect struct {
	name string
	// lockSuffix is appended to the session lookup inside AppendMessage.
	// SQLite has no row locks; the single connection serializes writers.
	lockSuffix string
	numbered   bool
	schema     []string
}

func dialectFor(driver string) (*dialect, error) {
	switch driver {
	case DriverSQLite, "":
		return &dialect{name: DriverSQLite, schema: sqliteSchema}, nil
	case DriverPostgres:
		return &dialect{name: DriverPostgres, lockSuffix: " FOR UPDATE", numbered: true, schema: postgresSchema}, nil
	case DriverMySQL:
		return &dialect{name: DriverMySQL, lockSuffix: " FOR UPDATE", schema: mysqlSchema}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// rebind rewrites '?' placeholders into the dialect's native form.
func (d *dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		last_activity_at TEXT NOT NULL,
		active           INTEGER NOT NULL DEFAULT 1,
		ended_at         TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user_activity ON sessions(user_id, last_activity_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_active_activity ON sessions(active, last_activity_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		UNIQUE (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id),
		CHECK (role IN ('user', 'assistant', 'system'))
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		last_activity_at TEXT NOT NULL,
		active           INTEGER NOT NULL DEFAULT 1,
		ended_at         TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user_activity ON sessions(user_id, last_activity_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_active_activity ON sessions(active, last_activity_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		seq        BIGINT NOT NULL,
		role       TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
		content    TEXT NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		UNIQUE (session_id, seq)
	)`,
}

// MySQL cannot index unbounded TEXT, so keys and timestamps are VARCHAR
// and indexes are declared inline.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id               VARCHAR(64) PRIMARY KEY,
		user_id          VARCHAR(255) NOT NULL,
		title            VARCHAR(255) NOT NULL DEFAULT '',
		created_at       VARCHAR(32) NOT NULL,
		last_activity_at VARCHAR(32) NOT NULL,
		active           INT NOT NULL DEFAULT 1,
		ended_at         VARCHAR(32) NULL,
		INDEX idx_sessions_user_activity (user_id, last_activity_at),
		INDEX idx_sessions_active_activity (active, last_activity_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         VARCHAR(64) PRIMARY KEY,
		session_id VARCHAR(64) NOT NULL,
		seq        BIGINT NOT NULL,
		role       VARCHAR(16) NOT NULL,
		content    LONGTEXT NOT NULL,
		metadata   LONGTEXT NOT NULL,
		created_at VARCHAR(32) NOT NULL,
		UNIQUE KEY uq_messages_session_seq (session_id, seq),
		CONSTRAINT fk_messages_session FOREIGN KEY (session_id) REFERENCES sessions(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
