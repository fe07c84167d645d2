// ABOUTME: Thread-safe TTL cache of recently delivered message keys
// ABOUTME: Lets the synchronizer skip stream and poll copies it has already applied

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// DefaultTTL and DefaultMaxSize are used when the configuration leaves them unset.
const (
	DefaultTTL     = 5 * time.Minute
	DefaultMaxSize = 100_000

	cleanupInterval = time.Minute
)

// Key builds the cache key for a message within a conversation.
func Key(conversationID, messageID string) string {
	return conversationID + ":" + messageID
}

type cacheEntry struct {
	key       string
	timestamp time.Time
	element   *list.Element
}

// Cache is a TTL and size bounded set of seen keys. Eviction is oldest
// first, kept O(1) with a linked list in insertion order.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache. Non-positive ttl or maxSize fall back to the
// defaults. A background goroutine drops expired entries until Close.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.cleanup()
	return c
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	return ok && c.fresh(entry)
}

// CheckAndMark reports whether key is a duplicate. A new (or expired) key
// is marked and false is returned, atomically.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && c.fresh(entry) {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key as seen, refreshing its timestamp.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Unmark removes key so the next delivery is processed again. Used when
// applying a message failed after it was marked.
func (c *Cache) Unmark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.seen[key]; ok {
		c.removeLocked(entry)
	}
}

// ForgetConversation drops every key of a conversation.
func (c *Cache) ForgetConversation(conversationID string) int {
	prefix := conversationID + ":"

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.seen {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(entry)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, including expired ones not yet cleaned.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

func (c *Cache) fresh(entry *cacheEntry) bool {
	return c.now().Sub(entry.timestamp) < c.ttl
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := c.now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.removeLocked(front.Value.(*cacheEntry))
		}
	}

	entry := &cacheEntry{key: key, timestamp: now}
	entry.element = c.order.PushBack(entry)
	c.seen[key] = entry
}

func (c *Cache) removeLocked(entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.seen, entry.key)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup walks from the oldest entry and stops at the first fresh one.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil; front = c.order.Front() {
		entry := front.Value.(*cacheEntry)
		if c.fresh(entry) {
			return
		}
		c.removeLocked(entry)
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
