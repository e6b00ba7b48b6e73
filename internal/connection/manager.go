// ABOUTME: Connection Manager: registration, session binding, fan-out delivery
// ABOUTME: Connections and session bindings are independently locked maps

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/auth"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/protocol"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/store"
)

// Errors returned by the manager.
var (
	ErrAuthRejected       = errors.New("authentication rejected")
	ErrForbidden          = errors.New("session belongs to another user")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrBackpressure       = errors.New("inbound queue full")
)

const (
	defaultSendBuffer   = 64
	defaultInboundQueue = 8
)

// Sessions is the slice of the Conversation Store the manager needs to
// bind connections.
type Sessions interface {
	CreateSession(ctx context.Context, userID, title string) (*store.Session, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
}

// Handler processes inbound frames, one at a time per connection. c may
// already be closed when frames queued before a disconnect are handled.
type Handler interface {
	HandleInbound(ctx context.Context, c *Conn, frame *protocol.InboundFrame)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *Conn, frame *protocol.InboundFrame)

// HandleInbound calls f.
func (f HandlerFunc) HandleInbound(ctx context.Context, c *Conn, frame *protocol.InboundFrame) {
	f(ctx, c, frame)
}

// Config configures a Manager.
type Config struct {
	Verifier     auth.Verifier
	Sessions     Sessions
	SendBuffer   int
	InboundQueue int
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Counts summarizes live state.
type Counts struct {
	Connections   int
	BoundSessions int
	Users         int
}

// Manager owns every live connection.
type Manager struct {
	verifier auth.Verifier
	sessions Sessions
	sendBuf  int
	inQueue  int
	clock    clock.Clock
	logger   *slog.Logger

	// connMu guards conns and users.
	connMu sync.RWMutex
	conns  map[string]*Conn
	users  map[string]map[string]*Conn

	// sessMu guards bound. Slices are kept in registration order.
	sessMu sync.RWMutex
	bound  map[string][]*Conn

	handler atomic.Pointer[Handler]
	order   atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewManager creates a Manager. Verifier and Sessions are required.
func NewManager(cfg Config) *Manager {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = defaultInboundQueue
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// Inbound work outlives individual connections so an answer in flight
	// is still persisted after the client goes away.
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		verifier: cfg.Verifier,
		sessions: cfg.Sessions,
		sendBuf:  cfg.SendBuffer,
		inQueue:  cfg.InboundQueue,
		clock:    cfg.Clock,
		logger:   logger.With("component", "connections"),
		conns:    make(map[string]*Conn),
		users:    make(map[string]map[string]*Conn),
		bound:    make(map[string][]*Conn),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetHandler installs the inbound frame handler. Frames enqueued before a
// handler is set are discarded.
func (m *Manager) SetHandler(h Handler) {
	m.handler.Store(&h)
}

// Register authenticates token and adds an open, unbound connection. The
// first envelope on the connection's outbound channel is
// connection_established.
func (m *Manager) Register(t Transport, token string) (*Conn, error) {
	id, err := m.verifier.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthRejected, err)
	}

	c := &Conn{
		ID:          uuid.New().String(),
		UserID:      id.UserID,
		Role:        id.Role,
		ConnectedAt: m.clock.Now(),
		transport:   t,
		order:       m.order.Add(1),
		state:       StateConnecting,
		send:        make(chan *protocol.Envelope, m.sendBuf),
		inbound:     make(chan *protocol.InboundFrame, m.inQueue),
	}

	m.connMu.Lock()
	m.conns[c.ID] = c
	if m.users[c.UserID] == nil {
		m.users[c.UserID] = make(map[string]*Conn)
	}
	m.users[c.UserID][c.ID] = c
	m.connMu.Unlock()

	c.mu.Lock()
	c.state = StateOpen
	c.mu.Unlock()

	m.workers.Add(1)
	go m.runWorker(c)

	m.sendTo(c, m.envelope(protocol.TypeConnectionEstablished, "", protocol.ConnectionEstablishedPayload{
		ConnectionID: c.ID,
		UserID:       c.UserID,
		Role:         c.Role.String(),
	}))

	m.logger.Info("connection registered", "connection_id", c.ID, "user_id", c.UserID, "role", c.Role)
	return c, nil
}

// Get returns a live connection.
func (m *Manager) Get(connID string) (*Conn, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	c, ok := m.conns[connID]
	return c, ok
}

// BindSession attaches connID to sessionID, creating a session when
// sessionID is "new" or empty. On any failure the connection keeps its
// previous binding. A session_bound notice is sent to the connection.
func (m *Manager) BindSession(ctx context.Context, connID, sessionID, title string) (*store.Session, error) {
	c, ok := m.Get(connID)
	if !ok {
		return nil, ErrConnectionNotFound
	}
	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	var sess *store.Session
	var err error
	if sessionID == "" || sessionID == protocol.NewSessionID {
		sess, err = m.sessions.CreateSession(ctx, c.UserID, title)
		if err != nil {
			return nil, fmt.Errorf("creating session: %w", err)
		}
	} else {
		sess, err = m.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess.UserID != c.UserID {
			m.logger.Warn("bind to foreign session refused",
				"connection_id", c.ID, "user_id", c.UserID, "session_id", sessionID)
			return nil, ErrForbidden
		}
		if !sess.Active {
			return nil, store.ErrSessionClosed
		}
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrConnectionNotFound
	}
	prev := c.sessionID
	c.sessionID = sess.ID
	m.moveBinding(c, prev, sess.ID)
	c.mu.Unlock()

	m.sendTo(c, m.envelope(protocol.TypeSystemNotification, sess.ID, protocol.NotificationPayload{
		Code:    protocol.NoticeSessionBound,
		Message: "session bound",
		Data:    map[string]any{"title": sess.Title, "created_at": sess.CreatedAt},
	}))
	m.logger.Debug("session bound", "connection_id", c.ID, "session_id", sess.ID, "previous", prev)
	return sess, nil
}

// moveBinding updates the session index. Callers hold c.mu.
func (m *Manager) moveBinding(c *Conn, from, to string) {
	if from == to {
		return
	}
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	if from != "" {
		m.removeBoundLocked(from, c)
	}
	if to != "" {
		list := append(m.bound[to], c)
		sortByOrder(list)
		m.bound[to] = list
	}
}

func (m *Manager) removeBoundLocked(sessionID string, c *Conn) {
	list := m.bound[sessionID]
	i := slices.Index(list, c)
	if i < 0 {
		return
	}
	list = slices.Delete(list, i, i+1)
	if len(list) == 0 {
		delete(m.bound, sessionID)
		return
	}
	m.bound[sessionID] = list
}

// Unbind detaches every connection bound to sessionID, for example after
// the session was ended. It returns the detached connection ids.
func (m *Manager) Unbind(sessionID string) []string {
	m.sessMu.RLock()
	targets := slices.Clone(m.bound[sessionID])
	m.sessMu.RUnlock()

	ids := make([]string, 0, len(targets))
	for _, c := range targets {
		c.mu.Lock()
		if c.sessionID == sessionID {
			c.sessionID = ""
			m.moveBinding(c, sessionID, "")
			ids = append(ids, c.ID)
		}
		c.mu.Unlock()
	}
	return ids
}

// Deliver fans env out to every connection bound to sessionID, in
// registration order. It never blocks; the return value is how many
// connections accepted the envelope.
func (m *Manager) Deliver(sessionID string, env *protocol.Envelope) int {
	m.sessMu.RLock()
	targets := slices.Clone(m.bound[sessionID])
	m.sessMu.RUnlock()
	return m.fanOut(targets, env)
}

// DeliverToUser sends env to every connection of userID regardless of
// session binding.
func (m *Manager) DeliverToUser(userID string, env *protocol.Envelope) int {
	m.connMu.RLock()
	targets := make([]*Conn, 0, len(m.users[userID]))
	for _, c := range m.users[userID] {
		targets = append(targets, c)
	}
	m.connMu.RUnlock()
	sortByOrder(targets)
	return m.fanOut(targets, env)
}

// DeliverToConnection sends env to a single connection.
func (m *Manager) DeliverToConnection(connID string, env *protocol.Envelope) error {
	c, ok := m.Get(connID)
	if !ok {
		return ErrConnectionNotFound
	}
	if !m.sendTo(c, env) {
		return fmt.Errorf("connection %s not accepting output", connID)
	}
	return nil
}

// Broadcast sends env to every live connection.
func (m *Manager) Broadcast(env *protocol.Envelope) int {
	return m.fanOut(m.snapshot(), env)
}

func (m *Manager) snapshot() []*Conn {
	m.connMu.RLock()
	all := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		all = append(all, c)
	}
	m.connMu.RUnlock()
	sortByOrder(all)
	return all
}

func sortByOrder(conns []*Conn) {
	slices.SortFunc(conns, func(a, b *Conn) int {
		switch {
		case a.order < b.order:
			return -1
		case a.order > b.order:
			return 1
		}
		return 0
	})
}

// fanOut queues env on every target. Connections that overflow are evicted
// after the loop so the remaining targets still receive env.
func (m *Manager) fanOut(targets []*Conn, env *protocol.Envelope) int {
	if env == nil {
		return 0
	}
	n := 0
	var slow []*Conn
	for _, c := range targets {
		switch m.offer(c, env) {
		case sendQueued:
			n++
		case sendOverflow:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		m.evictSlow(c, env)
	}
	return n
}

// sendTo queues env on one connection, evicting it on overflow.
func (m *Manager) sendTo(c *Conn, env *protocol.Envelope) bool {
	if env == nil {
		return false
	}
	switch m.offer(c, env) {
	case sendQueued:
		return true
	case sendOverflow:
		m.evictSlow(c, env)
	}
	return false
}

func (m *Manager) offer(c *Conn, env *protocol.Envelope) sendResult {
	res := c.trySend(env)
	if res == sendClosed {
		m.logger.Debug("dropped outbound envelope for closing connection",
			"connection_id", c.ID, "type", env.Type, "session_id", env.SessionID)
	}
	return res
}

// evictSlow closes a connection whose outbound buffer overflowed. A client
// that reconnects reloads the session from the message history.
func (m *Manager) evictSlow(c *Conn, env *protocol.Envelope) {
	m.logger.Warn("evicting slow consumer",
		"connection_id", c.ID, "user_id", c.UserID, "type", env.Type, "session_id", env.SessionID, "buffer", cap(c.send))
	m.closeConn(c, protocol.CloseSlowConsumer, "slow_consumer")
}

// Enqueue hands an inbound frame to the connection's worker. A full queue
// returns ErrBackpressure; the frame is not accepted.
func (m *Manager) Enqueue(connID string, f *protocol.InboundFrame) error {
	c, ok := m.Get(connID)
	if !ok {
		return ErrConnectionNotFound
	}
	return c.tryEnqueue(f)
}

func (m *Manager) runWorker(c *Conn) {
	defer m.workers.Done()
	for f := range c.inbound {
		m.dispatch(c, f)
	}
}

func (m *Manager) dispatch(c *Conn, f *protocol.InboundFrame) {
	hp := m.handler.Load()
	if hp == nil {
		m.logger.Warn("no inbound handler; frame discarded", "connection_id", c.ID, "type", f.Type)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("inbound handler panicked", "connection_id", c.ID, "type", f.Type, "panic", r)
			m.sendTo(c, m.envelope(protocol.TypeError, c.SessionID(), protocol.ErrorPayload{
				Code:        protocol.CodeInternalError,
				Message:     "internal error while handling message",
				ClientMsgID: f.ClientMsgID,
			}))
		}
	}()
	(*hp).HandleInbound(m.ctx, c, f)
}

// Unregister removes connID from every map and closes its outbound
// channel. Queued inbound frames are still processed. It is idempotent.
func (m *Manager) Unregister(connID string) {
	m.connMu.Lock()
	c, ok := m.conns[connID]
	if ok {
		delete(m.conns, connID)
		if u := m.users[c.UserID]; u != nil {
			delete(u, connID)
			if len(u) == 0 {
				delete(m.users, c.UserID)
			}
		}
	}
	m.connMu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	// sessionID is kept so queued frames still resolve their session.
	m.moveBinding(c, c.sessionID, "")
	close(c.send)
	close(c.inbound)
	c.mu.Unlock()

	m.logger.Info("connection unregistered",
		"connection_id", c.ID, "user_id", c.UserID, "delivered", c.delivered.Load(), "dropped", c.dropped.Load())
}

// Disconnect closes a connection's transport with a coded reason and
// unregisters it.
func (m *Manager) Disconnect(connID string, code int, reason string) {
	c, ok := m.Get(connID)
	if !ok {
		return
	}
	m.closeConn(c, code, reason)
}

func (m *Manager) closeConn(c *Conn, code int, reason string) {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.state = StateClosing
	}
	c.mu.Unlock()

	if c.transport != nil {
		if err := c.transport.Close(code, reason); err != nil {
			m.logger.Debug("transport close failed", "connection_id", c.ID, "error", err)
		}
	}
	m.Unregister(c.ID)
}

// EvictUser closes every connection of userID with code and reason. It
// returns how many connections were closed.
func (m *Manager) EvictUser(userID string, code int, reason string) int {
	m.connMu.RLock()
	targets := make([]*Conn, 0, len(m.users[userID]))
	for _, c := range m.users[userID] {
		targets = append(targets, c)
	}
	m.connMu.RUnlock()

	for _, c := range targets {
		m.closeConn(c, code, reason)
	}
	if len(targets) > 0 {
		m.logger.Info("user evicted", "user_id", userID, "connections", len(targets), "reason", reason)
	}
	return len(targets)
}

// Counts returns live connection, bound session and distinct user counts.
func (m *Manager) Counts() Counts {
	m.connMu.RLock()
	conns, users := len(m.conns), len(m.users)
	m.connMu.RUnlock()

	m.sessMu.RLock()
	sessions := len(m.bound)
	m.sessMu.RUnlock()

	return Counts{Connections: conns, BoundSessions: sessions, Users: users}
}

// SessionConnections returns the ids of connections bound to sessionID in
// registration order.
func (m *Manager) SessionConnections(sessionID string) []string {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	ids := make([]string, 0, len(m.bound[sessionID]))
	for _, c := range m.bound[sessionID] {
		ids = append(ids, c.ID)
	}
	return ids
}

// Close evicts every connection with code 1001 and waits for inbound
// workers to finish their queued frames, or for ctx to expire.
func (m *Manager) Close(ctx context.Context) error {
	for _, c := range m.snapshot() {
		m.closeConn(c, protocol.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}

func (m *Manager) envelope(typ, sessionID string, payload any) *protocol.Envelope {
	env, err := protocol.NewEnvelope(typ, sessionID, payload, m.clock.Now())
	if err != nil {
		m.logger.Error("failed to build envelope", "type", typ, "error", err)
		return nil
	}
	return env
}
