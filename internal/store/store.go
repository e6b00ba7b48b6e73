// ABOUTME: Conversation Store interface and data types
// ABOUTME: Sessions own append-only, sequence-ordered message logs

package store

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionClosed is returned when appending to an ended session.
var ErrSessionClosed = errors.New("session closed")

// Role is the author class of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Conversational reports whether r is a user or assistant turn.
func (r Role) Conversational() bool {
	return r == RoleUser || r == RoleAssistant
}

// Session is a durable, user-owned conversation thread.
type Session struct {
	ID             string
	UserID         string
	Title          string
	CreatedAt      time.Time
	LastActivityAt time.Time
	Active         bool
	EndedAt        *time.Time
}

// Message is one immutable entry in a session's log.
type Message struct {
	ID        string
	SessionID string
	Seq       int64
	Role      Role
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Stats is a point-in-time summary of the store contents.
type Stats struct {
	TotalSessions  int64
	ActiveSessions int64
	TotalMessages  int64
}

// Store is the Conversation Store contract.
type Store interface {
	// CreateSession creates an active session owned by userID.
	CreateSession(ctx context.Context, userID, title string) (*Session, error)
	// GetSession returns ErrSessionNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (*Session, error)
	// SetTitle replaces a session's display title.
	SetTitle(ctx context.Context, id, title string) error

	// AppendMessage atomically appends to an active session.
	// Returns ErrSessionClosed if the session has ended.
	AppendMessage(ctx context.Context, sessionID string, role Role, content string, metadata map[string]any) (*Message, error)
	// GetRecentMessages returns at most limit messages, most recent last.
	GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)
	// GetRecentTurns is GetRecentMessages restricted to user and assistant
	// messages. System records do not count toward limit.
	GetRecentTurns(ctx context.Context, sessionID string, limit int) ([]*Message, error)

	// ListSessions returns userID's sessions, most recently active first.
	ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error)
	// EndSession marks a session inactive. Idempotent.
	EndSession(ctx context.Context, id string) error
	// ReapIdle ends every active session idle for longer than threshold and
	// returns the ids it ended.
	ReapIdle(ctx context.Context, threshold time.Duration) ([]string, error)

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Default and maximum page sizes for list and history queries.
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// timeFormat is fixed-width so text comparison matches time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// New returns the Store selected by cfg.Driver.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Driver == DriverMemory {
		return NewMemoryStore(cfg.Clock), nil
	}
	return Open(ctx, cfg)
}
