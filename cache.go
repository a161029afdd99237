package dls

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/juju/clock"
)

// GroupCache stores effective-group closures across operations, keyed by
// subject name.
//
// Group membership changes between operations, so a long-lived cache is
// only correct within its TTL. The service invalidates the affected names
// when memberships change through it; changes made behind its back (direct
// SQL, another process without a shared cache) are visible only after the
// TTL expires. No cache is used unless one is configured with
// WithGroupCache.
//
// Implementations must be safe for concurrent use.
type GroupCache interface {
	// Get returns the cached groups of subjectName. ok is false when the
	// entry is missing or expired.
	Get(ctx context.Context, subjectName string) (groups []Subject, ok bool)

	// Set stores the groups of subjectName.
	Set(ctx context.Context, subjectName string, groups []Subject)

	// Invalidate drops the entries of the given names. With no names it
	// drops everything.
	Invalidate(ctx context.Context, subjectNames ...string)
}

type groupCacheEntry struct {
	groups    []Subject
	expiresAt time.Time // zero means no expiry
}

// MemoryGroupCache is the default in-process GroupCache.
// It uses a sync.RWMutex for goroutine safety and is scoped to a single
// process. For several service replicas use a shared implementation such
// as internal/rediscache.
type MemoryGroupCache struct {
	mu    sync.RWMutex
	items map[string]groupCacheEntry
	ttl   time.Duration
	clock clock.Clock
}

// CacheOption configures a MemoryGroupCache.
type CacheOption func(*MemoryGroupCache)

// WithTTL sets the time-to-live for cache entries.
// A TTL of 0 means entries never expire, which is only appropriate when
// every membership change goes through the service owning the cache.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *MemoryGroupCache) {
		c.ttl = ttl
	}
}

// WithCacheClock sets the clock used for expiry. Defaults to the wall clock.
func WithCacheClock(clk clock.Clock) CacheOption {
	return func(c *MemoryGroupCache) {
		c.clock = clk
	}
}

// NewMemoryGroupCache creates an empty in-memory group cache.
func NewMemoryGroupCache(opts ...CacheOption) *MemoryGroupCache {
	c := &MemoryGroupCache{
		items: make(map[string]groupCacheEntry),
		clock: clock.WallClock,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get implements GroupCache.
func (c *MemoryGroupCache) Get(_ context.Context, subjectName string) ([]Subject, bool) {
	c.mu.RLock()
	entry, ok := c.items[subjectName]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if !entry.expiresAt.IsZero() && c.clock.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.items, subjectName)
		c.mu.Unlock()
		return nil, false
	}

	return slices.Clone(entry.groups), true
}

// Set implements GroupCache.
func (c *MemoryGroupCache) Set(_ context.Context, subjectName string, groups []Subject) {
	entry := groupCacheEntry{groups: slices.Clone(groups)}
	if c.ttl > 0 {
		entry.expiresAt = c.clock.Now().Add(c.ttl)
	}

	c.mu.Lock()
	c.items[subjectName] = entry
	c.mu.Unlock()
}

// Invalidate implements GroupCache.
func (c *MemoryGroupCache) Invalidate(_ context.Context, subjectNames ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(subjectNames) == 0 {
		c.items = make(map[string]groupCacheEntry)
		return
	}
	for _, name := range subjectNames {
		delete(c.items, name)
	}
}

// Size returns the number of entries in the cache, expired ones included.
func (c *MemoryGroupCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear removes all entries from the cache.
func (c *MemoryGroupCache) Clear() {
	c.Invalidate(context.Background())
}

var _ GroupCache = (*MemoryGroupCache)(nil)

// groupMemo memoizes effective groups for the duration of one top-level
// operation. It is created per call and discarded afterwards.
type groupMemo struct {
	mu     sync.Mutex
	groups map[string][]Subject
}

func newGroupMemo() *groupMemo {
	return &groupMemo{groups: make(map[string][]Subject)}
}

func (m *groupMemo) get(name string) ([]Subject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[name]
	return g, ok
}

func (m *groupMemo) set(name string, groups []Subject) {
	m.mu.Lock()
	m.groups[name] = groups
	m.mu.Unlock()
}
