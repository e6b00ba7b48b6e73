// ABOUTME: Thread-safe TTL cache of recently seen client message ids
// ABOUTME: Lets the orchestrator drop resends after a client reconnects

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
)

type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a TTL-bounded, size-bounded set of keys. Insertion order is kept
// in a linked list so eviction of the oldest key is O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its sweeper. A nil clock uses real time.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Key scopes a client message id to its user so ids from different users
// never collide.
func Key(userID, clientMsgID string) string {
	return userID + "\x00" + clientMsgID
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	return ok && c.clock.Now().Sub(entry.seenAt) < c.ttl
}

// CheckAndMark returns true if key is a duplicate. Otherwise it marks key and
// returns false. The check and the mark happen under one lock.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if entry, ok := c.seen[key]; ok && now.Sub(entry.seenAt) < c.ttl {
		return true
	}
	c.markLocked(key, now)
	return false
}

// Forget removes key so a retry of a failed turn is not treated as a
// duplicate.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) markLocked(key string, now time.Time) {
	if entry, exists := c.seen[key]; exists {
		entry.seenAt = now
		c.order.MoveToBack(entry.element)
		return
	}
	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}
	c.seen[key] = &cacheEntry{seenAt: now, element: c.order.PushBack(key)}
}

func (c *Cache) sweep() {
	ticker := c.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Purge()
		case <-c.done:
			return
		}
	}
}

// Purge drops expired keys. The sweeper calls it every minute.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	// Entries are in mark order, so stop at the first live one.
	for e := c.order.Front(); e != nil; {
		key := e.Value.(string)
		if now.Sub(c.seen[key].seenAt) < c.ttl {
			break
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.seen, key)
		e = next
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
