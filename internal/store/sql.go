// ABOUTME: database/sql implementation of the conversation store
// ABOUTME: Serves sqlite (modernc), postgres (lib/pq), and mysql (go-sql-driver)

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
)

// Config selects and tunes the SQL backend.
type Config struct {
	// Driver is one of DriverSQLite, DriverPostgres, DriverMySQL.
	Driver string
	// DSN is the driver data source name. For sqlite it is a file path.
	DSN string

	MaxOpenConns int

	Clock  clock.Clock
	Logger *slog.Logger
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect *dialect
	clock   clock.Clock
	logger  *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite store at path.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return Open(context.Background(), Config{Driver: DriverSQLite, DSN: path})
}

// Open connects to the configured database and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "driver", d.name)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	if d.name == DriverSQLite {
		if dir := filepath.Dir(cfg.DSN); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(d.name, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if d.name == DriverSQLite {
		// One connection: pragmas stick and writers never see SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("applying %q: %w", pragma, err)
			}
		}
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &SQLStore{db: db, dialect: d, clock: clk, logger: logger}

	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("store initialized")
	return s, nil
}

func (s *SQLStore) createSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// runMigrations upgrades SQLite files created before sessions could be
// ended explicitly. Idempotent.
func (s *SQLStore) runMigrations(ctx context.Context) error {
	if s.dialect.name != DriverSQLite {
		return nil
	}
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM pragma_table_info('sessions') WHERE name = 'ended_at'`).Scan(&exists)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE sessions ADD COLUMN ended_at TEXT`); err != nil {
		return fmt.Errorf("adding ended_at column to sessions: %w", err)
	}
	s.logger.Info("applied migration", "column", "ended_at", "table", "sessions")
	return nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

// CreateSession inserts a new active session.
func (s *SQLStore) CreateSession(ctx context.Context, userID, title string) (*Session, error) {
	now := s.clock.Now().UTC()
	sess := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Title:          title,
		CreatedAt:      now,
		LastActivityAt: now,
		Active:         true,
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sessions (id, user_id, title, created_at, last_activity_at, active)
		VALUES (?, ?, ?, ?, ?, 1)
	`), sess.ID, sess.UserID, sess.Title, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

const sessionColumns = `id, user_id, title, created_at, last_activity_at, active, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                  Session
		createdAt, lastActive string
		active                int
		endedAt               sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &createdAt, &lastActive, &active, &endedAt); err != nil {
		return nil, err
	}
	var err error
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.LastActivityAt, err = parseTime(lastActive); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	sess.Active = active != 0
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		sess.EndedAt = &t
	}
	return &sess, nil
}

// GetSession retrieves a session by id.
func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// SetTitle updates a session's title.
func (s *SQLStore) SetTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET title = ? WHERE id = ?`), title, id)
	if err != nil {
		return fmt.Errorf("updating title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		// MySQL reports zero affected rows when the value is unchanged.
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// AppendMessage appends a message to an active session. The session row is
// locked for the duration of the transaction so sequence numbers are
// assigned in commit order.
func (s *SQLStore) AppendMessage(ctx context.Context, sessionID string, role Role, content string, metadata map[string]any) (*Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid message role %q", role)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var active int
	err = tx.QueryRowContext(ctx, s.q(`SELECT active FROM sessions WHERE id = ?`+s.dialect.lockSuffix), sessionID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking session: %w", err)
	}
	if active == 0 {
		return nil, ErrSessionClosed
	}

	var last int64
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`), sessionID).Scan(&last); err != nil {
		return nil, fmt.Errorf("reading sequence: %w", err)
	}

	now := s.clock.Now().UTC()
	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       last + 1,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: now,
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO messages (id, session_id, seq, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.SessionID, msg.Seq, string(msg.Role), msg.Content, string(metaJSON), formatTime(now)); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.q(`UPDATE sessions SET last_activity_at = ? WHERE id = ?`), formatTime(now), sessionID); err != nil {
		return nil, fmt.Errorf("touching session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}
	return msg, nil
}

// GetRecentMessages returns the last limit messages in ascending seq order.
func (s *SQLStore) GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	return s.recentMessages(ctx, sessionID, limit, "")
}

// GetRecentTurns returns the last limit user and assistant messages in
// ascending seq order.
func (s *SQLStore) GetRecentTurns(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	return s.recentMessages(ctx, sessionID, limit,
		`AND role IN ('`+string(RoleUser)+`', '`+string(RoleAssistant)+`')`)
}

func (s *SQLStore) recentMessages(ctx context.Context, sessionID string, limit int, roleFilter string) ([]*Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, session_id, seq, role, content, metadata, created_at
		FROM messages
		WHERE session_id = ? `+roleFilter+`
		ORDER BY seq DESC
		LIMIT ?
	`), sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var (
			m         Message
			role      string
			meta      string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &role, &m.Content, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = Role(role)
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata: %w", err)
			}
		}
		if m.Metadata == nil {
			m.Metadata = map[string]any{}
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	// Query returned newest first; callers want oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListSessions returns the user's sessions, most recently active first.
func (s *SQLStore) ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE user_id = ?
		ORDER BY last_activity_at DESC, created_at DESC, id
		LIMIT ?
	`), userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return out, nil
}

// EndSession marks a session inactive. Ending an ended session is a no-op.
func (s *SQLStore) EndSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE sessions SET active = 0, ended_at = ? WHERE id = ? AND active = 1
	`), formatTime(s.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		// Either already ended (fine) or unknown.
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ReapIdle ends active sessions whose last activity is older than threshold.
func (s *SQLStore) ReapIdle(ctx context.Context, threshold time.Duration) ([]string, error) {
	now := s.clock.Now()
	cutoff := formatTime(now.Add(-threshold))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx, s.q(`
		SELECT id FROM sessions WHERE active = 1 AND last_activity_at < ?
	`), cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying idle sessions: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning session id: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating idle sessions: %w", err)
	}

	var ended []string
	for _, id := range candidates {
		// Re-check the cutoff: an append may have landed since the select.
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE sessions SET active = 0, ended_at = ?
			WHERE id = ? AND active = 1 AND last_activity_at < ?
		`), formatTime(now), id, cutoff)
		if err != nil {
			return nil, fmt.Errorf("ending idle session: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			ended = append(ended, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing reap: %w", err)
	}
	if len(ended) > 0 {
		s.logger.Info("reaped idle sessions", "count", len(ended), "threshold", threshold)
	}
	return ended, nil
}

// Stats counts sessions and messages.
func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&st.TotalSessions); err != nil {
		return nil, fmt.Errorf("counting sessions: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE active = 1`).Scan(&st.ActiveSessions); err != nil {
		return nil, fmt.Errorf("counting active sessions: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&st.TotalMessages); err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}
	return &st, nil
}

var _ Store = (*SQLStore)(nil)
