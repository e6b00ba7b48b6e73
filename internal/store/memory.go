// ABOUTME: In-memory Store implementation with the same semantics as SQLStore
// ABOUTME: Used in tests and when database.driver is "memory"

package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
)

// DriverMemory selects MemoryStore. Nothing survives a restart.
const DriverMemory = "memory"

// MemoryStore is an in-memory Store. All returned values are copies.
type MemoryStore struct {
	mu       sync.RWMutex
	clock    clock.Clock
	sessions map[string]*Session
	messages map[string][]*Message // keyed by session ID, seq order
}

// NewMemoryStore creates an empty MemoryStore. A nil clock uses real time.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{
		clock:    clk,
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
	}
}

func copySession(s *Session) *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func copyMessage(m *Message) *Message {
	c := *m
	c.Metadata = maps.Clone(m.Metadata)
	return &c
}

// CreateSession stores a new active session.
func (m *MemoryStore) CreateSession(ctx context.Context, userID, title string) (*Session, error) {
	now := m.clock.Now().UTC()
	sess := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Title:          title,
		CreatedAt:      now,
		LastActivityAt: now,
		Active:         true,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	return copySession(sess), nil
}

// GetSession retrieves a session by ID.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(sess), nil
}

// SetTitle updates a session's title.
func (m *MemoryStore) SetTitle(ctx context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Title = title
	return nil
}

// AppendMessage appends under the write lock, which plays the role of the
// SQL row lock.
func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, role Role, content string, metadata map[string]any) (*Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid message role %q", role)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !sess.Active {
		return nil, ErrSessionClosed
	}

	meta := maps.Clone(metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	now := m.clock.Now().UTC()
	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       int64(len(m.messages[sessionID]) + 1),
		Role:      role,
		Content:   content,
		Metadata:  meta,
		CreatedAt: now,
	}
	m.messages[sessionID] = append(m.messages[sessionID], msg)
	sess.LastActivityAt = now
	return copyMessage(msg), nil
}

// GetRecentMessages returns the last limit messages, oldest first.
func (m *MemoryStore) GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	msgs := m.messages[sessionID]
	limit = clampLimit(limit)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		result[i] = copyMessage(msg)
	}
	return result, nil
}

// GetRecentTurns returns the last limit user and assistant messages, oldest
// first.
func (m *MemoryStore) GetRecentTurns(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	msgs := m.messages[sessionID]
	limit = clampLimit(limit)

	var result []*Message
	for i := len(msgs) - 1; i >= 0 && len(result) < limit; i-- {
		if msgs[i].Role.Conversational() {
			result = append(result, copyMessage(msgs[i]))
		}
	}
	slices.Reverse(result)
	return result, nil
}

// ListSessions returns the user's sessions, most recently active first.
func (m *MemoryStore) ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, sess := range m.sessions {
		if sess.UserID == userID {
			result = append(result, copySession(sess))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if limit = clampLimit(limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// EndSession marks a session inactive. Idempotent.
func (m *MemoryStore) EndSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Active {
		now := m.clock.Now().UTC()
		sess.Active = false
		sess.EndedAt = &now
	}
	return nil
}

// ReapIdle ends active sessions idle for longer than threshold.
func (m *MemoryStore) ReapIdle(ctx context.Context, threshold time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UTC()
	cutoff := now.Add(-threshold)
	var ended []string
	for id, sess := range m.sessions {
		if sess.Active && sess.LastActivityAt.Before(cutoff) {
			sess.Active = false
			t := now
			sess.EndedAt = &t
			ended = append(ended, id)
		}
	}
	sort.Strings(ended)
	return ended, nil
}

// Stats counts sessions and messages.
func (m *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var st Stats
	for _, sess := range m.sessions {
		st.TotalSessions++
		if sess.Active {
			st.ActiveSessions++
		}
	}
	for _, msgs := range m.messages {
		st.TotalMessages += int64(len(msgs))
	}
	return &st, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
