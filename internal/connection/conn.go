// ABOUTME: A single live client connection and its liveness state
// ABOUTME: Outbound envelopes are buffered; a full buffer marks the connection for eviction

package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/auth"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/protocol"
)

// State is a connection's liveness state.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is the network side of a connection. Outbound frames are
// pulled from Conn.Outbound; the manager only ever asks the transport to
// close.
type Transport interface {
	Close(code int, reason string) error
}

// Conn is one registered connection. Identity fields are immutable after
// registration.
type Conn struct {
	ID          string
	UserID      string
	Role        auth.Role
	ConnectedAt time.Time

	transport Transport
	order     uint64

	mu        sync.Mutex
	state     State
	sessionID string
	send      chan *protocol.Envelope
	inbound   chan *protocol.InboundFrame

	// bindMu serializes BindSession calls for this connection.
	bindMu sync.Mutex

	delivered atomic.Int64
	dropped   atomic.Int64
}

// SessionID returns the bound session, or "" when unbound.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// State returns the current liveness state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Outbound is drained by the transport's writer. It is closed when the
// connection is unregistered.
func (c *Conn) Outbound() <-chan *protocol.Envelope {
	return c.send
}

// Dropped returns how many envelopes were discarded, either because the
// connection was going away or because its buffer overflowed.
func (c *Conn) Dropped() int64 {
	return c.dropped.Load()
}

// Delivered returns how many envelopes were queued for the transport.
func (c *Conn) Delivered() int64 {
	return c.delivered.Load()
}

type sendResult int

const (
	sendQueued sendResult = iota
	sendClosed
	sendOverflow
)

// trySend queues env without blocking. A full buffer on an open connection
// moves it to closing and reports sendOverflow exactly once; the caller
// evicts it. Later envelopes report sendClosed.
func (c *Conn) trySend(env *protocol.Envelope) sendResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		c.dropped.Add(1)
		return sendClosed
	}
	select {
	case c.send <- env:
		c.delivered.Add(1)
		return sendQueued
	default:
	}
	c.dropped.Add(1)
	if c.state == StateClosing {
		return sendClosed
	}
	c.state = StateClosing
	return sendOverflow
}

// tryEnqueue queues an inbound frame without blocking.
func (c *Conn) tryEnqueue(f *protocol.InboundFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.state == StateClosing {
		return ErrConnectionNotFound
	}
	select {
	case c.inbound <- f:
		return nil
	default:
		return ErrBackpressure
	}
}
