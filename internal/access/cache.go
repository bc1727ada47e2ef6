package access

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"

	"github.com/haven-realty/haven-authz/internal/catalog"
	"github.com/haven-realty/haven-authz/internal/identity"
)

const (
	// DefaultTTL keeps entries short-lived so permission changes propagate
	// within minutes even without explicit invalidation.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxEntries bounds the full-list table.
	DefaultMaxEntries = 1000

	// evictFraction of the oldest full-list entries is dropped when the
	// table exceeds its bound.
	evictFraction = 0.2
	// derivedSweepMultiple is the over-bound multiple at which the derived
	// tables get a lazy sweep of expired entries.
	derivedSweepMultiple = 4
)

var keyFolder = cases.Fold()

type listEntry struct {
	set        catalog.Set
	insertedAt time.Time
	expiresAt  time.Time
}

type checkEntry struct {
	allowed   bool
	expiresAt time.Time
}

type domainEntry struct {
	permissions []string
	expiresAt   time.Time
}

// CacheOptions configures a PermissionCache.
type CacheOptions struct {
	TTL        time.Duration
	MaxEntries int
	Now        func() time.Time
}

// PermissionCache memoizes resolver output per principal across three
// tables: full permission list, single-permission results, and per-domain
// lists. Constructed explicitly and injected; there is no package-level
// instance.
type PermissionCache struct {
	mu      sync.Mutex
	lists   map[string]listEntry
	checks  map[string]checkEntry
	domains map[string]domainEntry

	group      singleflight.Group
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewPermissionCache constructs a cache with the given options, applying
// defaults for unset fields.
func NewPermissionCache(opts CacheOptions) *PermissionCache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &PermissionCache{
		lists:      make(map[string]listEntry),
		checks:     make(map[string]checkEntry),
		domains:    make(map[string]domainEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
	}
}

// Key derives the cache key for a principal reference: the stable id when
// present, otherwise the case-folded email. Principals with neither are
// uncacheable and return the empty key; callers resolve them live.
func (c *PermissionCache) Key(ref identity.Ref) string {
	if id := ref.ID(); id != "" {
		return id
	}
	if email := ref.Email(); email != "" {
		return keyFolder.String(email)
	}
	return ""
}

// GetOrCompute returns the cached permission set for key, computing and
// storing it on a miss. Concurrent misses for the same key collapse into a
// single compute call. An empty key bypasses the cache entirely.
func (c *PermissionCache) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (catalog.Set, error)) (catalog.Set, error) {
	if key == "" {
		return compute(ctx)
	}
	if set, ok := c.getList(key); ok {
		return set, nil
	}
	result := c.group.DoChan(key, func() (interface{}, error) {
		if set, ok := c.getList(key); ok {
			return set, nil
		}
		set, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.setList(key, set)
		return set.Clone(), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(catalog.Set), nil
	}
}

func (c *PermissionCache) getList(key string) (catalog.Set, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lists[key]
	if !ok || !entry.expiresAt.After(c.now()) {
		return nil, false
	}
	return entry.set.Clone(), true
}

func (c *PermissionCache) setList(key string, set catalog.Set) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[key] = listEntry{set: set.Clone(), insertedAt: now, expiresAt: now.Add(c.ttl)}
	if len(c.lists) > c.maxEntries {
		c.evictOldestLocked()
	}
}

// evictOldestLocked drops the oldest entries by insertion time. Generational
// rather than LRU: entries are cheap to recompute.
func (c *PermissionCache) evictOldestLocked() {
	type aged struct {
		key        string
		insertedAt time.Time
	}
	entries := make([]aged, 0, len(c.lists))
	for key, entry := range c.lists {
		entries = append(entries, aged{key: key, insertedAt: entry.insertedAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].insertedAt.Before(entries[j].insertedAt)
	})
	evict := int(float64(len(entries)) * evictFraction)
	if evict < 1 {
		evict = 1
	}
	for _, entry := range entries[:evict] {
		delete(c.lists, entry.key)
	}
}

// GetCheck returns a cached single-permission result.
func (c *PermissionCache) GetCheck(key, permissionID string) (allowed, ok bool) {
	if key == "" {
		return false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.checks[key+"\x00"+permissionID]
	if !found || !entry.expiresAt.After(c.now()) {
		return false, false
	}
	return entry.allowed, true
}

// SetCheck stores a single-permission result, sweeping expired entries when
// the table has grown past its lazy-GC threshold.
func (c *PermissionCache) SetCheck(key, permissionID string, allowed bool) {
	if key == "" {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[key+"\x00"+permissionID] = checkEntry{allowed: allowed, expiresAt: now.Add(c.ttl)}
	if len(c.checks) > c.maxEntries*derivedSweepMultiple {
		for k, entry := range c.checks {
			if !entry.expiresAt.After(now) {
				delete(c.checks, k)
			}
		}
	}
}

// GetDomain returns a cached per-domain permission list.
func (c *PermissionCache) GetDomain(key, domain string) ([]string, bool) {
	if key == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.domains[key+"\x00"+domain]
	if !found || !entry.expiresAt.After(c.now()) {
		return nil, false
	}
	out := make([]string, len(entry.permissions))
	copy(out, entry.permissions)
	return out, true
}

// SetDomain stores a per-domain permission list with the same lazy sweep as
// SetCheck.
func (c *PermissionCache) SetDomain(key, domain string, permissions []string) {
	if key == "" {
		return
	}
	now := c.now()
	stored := make([]string, len(permissions))
	copy(stored, permissions)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.domains[key+"\x00"+domain] = domainEntry{permissions: stored, expiresAt: now.Add(c.ttl)}
	if len(c.domains) > c.maxEntries*derivedSweepMultiple {
		for k, entry := range c.domains {
			if !entry.expiresAt.After(now) {
				delete(c.domains, k)
			}
		}
	}
}

// Invalidate removes the principal from all three tables. Clearing only the
// full list while leaving derived results behind would serve stale answers,
// so the tables are always cleared together.
func (c *PermissionCache) Invalidate(key string) {
	if key == "" {
		return
	}
	prefix := key + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lists, key)
	for k := range c.checks {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(c.checks, k)
		}
	}
	for k := range c.domains {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(c.domains, k)
		}
	}
}

// InvalidateAll flushes every table.
func (c *PermissionCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists = make(map[string]listEntry)
	c.checks = make(map[string]checkEntry)
	c.domains = make(map[string]domainEntry)
}

// listLen reports the full-list table size.
func (c *PermissionCache) listLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lists)
}
