// SPDX-License-Identifier: MIT

// Package cache implements the response cache: TTL'd entries with a
// stale-while-revalidate window, LRU bounds, and prefix invalidation.
// Backends fail open; a broken cache degrades to misses, never to errors.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/config"
	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/metrics"
)

// State is the freshness verdict for a single lookup.
type State int

const (
	Miss State = iota
	Hit
	Stale
)

func (s State) String() string {
	switch s {
	case Hit:
		return "hit"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// Entry is one cached response.
type Entry struct {
	Key         string        `json:"key"`
	Path        string        `json:"path"`
	Body        []byte        `json:"body"`
	ETag        string        `json:"etag"`
	ContentType string        `json:"content_type,omitempty"`
	StoredAt    time.Time     `json:"stored_at"`
	TTL         time.Duration `json:"ttl"`
	SWR         time.Duration `json:"swr"`

	// Revalidate is set on the first stale hit; the next read reports a
	// miss so the caller fetches a fresh copy.
	Revalidate bool `json:"revalidate,omitempty"`
}

// freshness places the entry on the hit/stale/miss timeline.
func (e *Entry) freshness(now time.Time) State {
	age := now.Sub(e.StoredAt)
	switch {
	case age <= e.TTL:
		return Hit
	case age <= e.TTL+e.SWR:
		return Stale
	default:
		return Miss
	}
}

// RemainingTTL reports how long the entry stays fresh, floored at zero.
func (e *Entry) RemainingTTL(now time.Time) time.Duration {
	left := e.TTL - now.Sub(e.StoredAt)
	if left < 0 {
		return 0
	}
	return left
}

// CacheControl renders the header value advertised alongside a fresh hit.
func (e *Entry) CacheControl(now time.Time) string {
	return fmt.Sprintf("public, max-age=%d", int(e.RemainingTTL(now).Seconds()))
}

// Stats holds cache performance counters for the ops API.
type Stats struct {
	Backend       string `json:"backend"`
	Items         int    `json:"items"`
	Hits          int64  `json:"hits"`
	Stales        int64  `json:"stales"`
	Misses        int64  `json:"misses"`
	Evictions     int64  `json:"evictions"`
	Invalidations int64  `json:"invalidations"`
}

// Store is the response cache port shared by all backends.
type Store interface {
	// Get returns the entry under key and its freshness. Backend errors
	// and expired entries both report Miss.
	Get(ctx context.Context, key string) (Entry, State)
	// Put stores the entry. A zero StoredAt and an empty ETag are filled in.
	Put(ctx context.Context, e Entry)
	// InvalidatePrefix removes every entry whose path starts with prefix
	// and returns the count. Removal completes before return.
	InvalidatePrefix(ctx context.Context, prefix string) int
	// Stats returns current counters.
	Stats(ctx context.Context) Stats
	// Close releases backend resources.
	Close() error
}

// New builds the backend named by the configuration.
func New(cfg config.CacheConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryCache(cfg.MaxItems, cfg.EvictEvents, time.Minute), nil
	case "redis":
		return NewRedisCache(cfg, log.WithComponent("cache"))
	case "none":
		return NewNoOpCache(), nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}

// Key derives the lookup key for a request. The vary hash folds in
// whichever request headers the caller decided matter.
func Key(method, rawPath, varyHash string) string {
	return method + " " + NormalizePath(rawPath) + "|" + varyHash
}

// NormalizePath cleans the path portion and sorts the query so equivalent
// requests share one entry.
func NormalizePath(raw string) string {
	p, query, _ := strings.Cut(raw, "?")
	if p == "" {
		p = "/"
	}
	p = path.Clean(p)
	if query == "" {
		return p
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return p + "?" + query
	}
	return p + "?" + values.Encode()
}

// ETag returns the strong validator: the quoted hex digest of the body.
func ETag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// WeakETag prefixes the strong validator with the weakness marker.
func WeakETag(body []byte) string {
	return "W/" + ETag(body)
}

// memoryCache is the in-process LRU implementation of Store.
type memoryCache struct {
	mu          sync.Mutex
	maxItems    int
	evictEvents bool
	ll          *list.List               // front = most recently used
	items       map[string]*list.Element // value is *Entry
	logger      zerolog.Logger
	janitor     *janitor

	hits          int64
	stales        int64
	misses        int64
	evictions     int64
	invalidations int64
}

// NewMemoryCache creates the in-process backend. maxItems bounds the entry
// count (0 means unbounded); sweep > 0 starts a background goroutine that
// drops entries past their stale window.
func NewMemoryCache(maxItems int, evictEvents bool, sweep time.Duration) Store {
	c := &memoryCache{
		maxItems:    maxItems,
		evictEvents: evictEvents,
		ll:          list.New(),
		items:       make(map[string]*list.Element),
		logger:      log.WithComponent("cache"),
	}
	if sweep > 0 {
		c.janitor = &janitor{
			interval: sweep,
			stop:     make(chan struct{}),
		}
		go c.janitor.run(c)
	}
	return c
}

func (c *memoryCache) Get(_ context.Context, key string) (Entry, State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.items[key]
	if !found {
		c.misses++
		metrics.IncCacheLookup("miss")
		return Entry{}, Miss
	}

	e := el.Value.(*Entry)
	switch e.freshness(time.Now()) {
	case Hit:
		c.ll.MoveToFront(el)
		c.hits++
		metrics.IncCacheLookup("hit")
		return *e, Hit
	case Stale:
		if !e.Revalidate {
			e.Revalidate = true
			c.stales++
			metrics.IncCacheLookup("stale")
			return *e, Stale
		}
		// Already marked: report a miss so the caller refreshes.
		c.misses++
		metrics.IncCacheLookup("miss")
		return Entry{}, Miss
	default:
		c.evictions++
		c.removeLocked(el, "expired")
		c.misses++
		metrics.IncCacheLookup("miss")
		return Entry{}, Miss
	}
}

func (c *memoryCache) Put(_ context.Context, e Entry) {
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	if e.ETag == "" {
		e.ETag = ETag(e.Body)
	}
	e.Revalidate = false

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, found := c.items[e.Key]; found {
		el.Value = &e
		c.ll.MoveToFront(el)
	} else {
		c.items[e.Key] = c.ll.PushFront(&e)
	}
	for c.maxItems > 0 && c.ll.Len() > c.maxItems {
		c.evictions++
		c.removeLocked(c.ll.Back(), "lru")
	}
	metrics.RecordCacheItems(c.ll.Len())
}

func (c *memoryCache) InvalidatePrefix(_ context.Context, prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		if strings.HasPrefix(el.Value.(*Entry).Path, prefix) {
			c.removeLocked(el, "invalidate")
			removed++
		}
		el = next
	}
	c.invalidations += int64(removed)
	if removed > 0 {
		metrics.RecordCacheItems(c.ll.Len())
	}
	return removed
}

func (c *memoryCache) Stats(_ context.Context) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Backend:       "memory",
		Items:         c.ll.Len(),
		Hits:          c.hits,
		Stales:        c.stales,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Invalidations: c.invalidations,
	}
}

// Close stops the background sweep goroutine. Safe to call twice.
func (c *memoryCache) Close() error {
	if c.janitor != nil {
		c.janitor.once.Do(func() { close(c.janitor.stop) })
	}
	return nil
}

// removeLocked drops one entry. Callers hold c.mu and account for counters.
func (c *memoryCache) removeLocked(el *list.Element, reason string) {
	e := el.Value.(*Entry)
	delete(c.items, e.Key)
	c.ll.Remove(el)
	metrics.AddCacheEvictions(reason, 1)
	if c.evictEvents {
		c.logger.Debug().
			Str("event", "cache.evict").
			Str("key", e.Key).
			Str("reason", reason).
			Msg("cache entry removed")
	}
}

// deleteExpired removes entries past their stale window. Returns the
// number of entries deleted.
func (c *memoryCache) deleteExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	count := 0
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*Entry).freshness(now) == Miss {
			c.removeLocked(el, "expired")
			count++
		}
		el = next
	}
	c.evictions += int64(count)
	if count > 0 {
		metrics.RecordCacheItems(c.ll.Len())
	}
	return count
}

// janitor performs periodic cleanup of expired entries.
type janitor struct {
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
}

func (j *janitor) run(c *memoryCache) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-j.stop:
			return
		}
	}
}

// noOpCache disables caching: every lookup misses, every write vanishes.
type noOpCache struct{}

// NewNoOpCache creates a cache that doesn't cache anything.
func NewNoOpCache() Store {
	return noOpCache{}
}

func (noOpCache) Get(context.Context, string) (Entry, State) { return Entry{}, Miss }

func (noOpCache) Put(context.Context, Entry) {}

func (noOpCache) InvalidatePrefix(context.Context, string) int { return 0 }

func (noOpCache) Stats(context.Context) Stats { return Stats{Backend: "none"} }

func (noOpCache) Close() error { return nil }
