// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonyhub/harmony/internal/config"
)

// putAged stores an entry whose StoredAt lies age in the past, so freshness
// tests never sleep.
func putAged(t *testing.T, c Store, key, path, body string, ttl, swr, age time.Duration) {
	t.Helper()
	c.Put(context.Background(), Entry{
		Key:      key,
		Path:     path,
		Body:     []byte(body),
		StoredAt: time.Now().Add(-age),
		TTL:      ttl,
		SWR:      swr,
	})
}

func TestMemoryCacheHitWithinTTL(t *testing.T) {
	c := NewMemoryCache(0, false, 0)
	ctx := context.Background()

	putAged(t, c, "GET /api/queue|h", "/api/queue", `{"depth":3}`, time.Minute, time.Minute, 0)

	e, state := c.Get(ctx, "GET /api/queue|h")
	require.Equal(t, Hit, state)
	assert.Equal(t, `{"depth":3}`, string(e.Body))
	assert.Equal(t, ETag(e.Body), e.ETag, "strong validator filled in on put")
	assert.Greater(t, e.RemainingTTL(time.Now()), 50*time.Second)
	assert.True(t, strings.HasPrefix(e.CacheControl(time.Now()), "public, max-age="))

	_, state = c.Get(ctx, "GET /api/unknown|h")
	assert.Equal(t, Miss, state)
}

func TestMemoryCacheStaleServedOnce(t *testing.T) {
	c := NewMemoryCache(0, false, 0)
	ctx := context.Background()

	// Past the TTL, inside the stale window.
	putAged(t, c, "k", "/api/artists/a", "stale-body", time.Second, time.Minute, 2*time.Second)

	e, state := c.Get(ctx, "k")
	require.Equal(t, Stale, state, "first read inside the window serves stale")
	assert.Equal(t, "stale-body", string(e.Body))

	_, state = c.Get(ctx, "k")
	assert.Equal(t, Miss, state, "second read misses so the caller refreshes")

	// A refresh clears the revalidation mark.
	putAged(t, c, "k", "/api/artists/a", "fresh-body", time.Minute, time.Minute, 0)
	e, state = c.Get(ctx, "k")
	require.Equal(t, Hit, state)
	assert.Equal(t, "fresh-body", string(e.Body))
}

func TestMemoryCacheExpiredBeyondStaleWindow(t *testing.T) {
	c := NewMemoryCache(0, false, 0)
	ctx := context.Background()

	putAged(t, c, "k", "/api/queue", "old", time.Second, 5*time.Second, 20*time.Second)

	_, state := c.Get(ctx, "k")
	assert.Equal(t, Miss, state)

	stats := c.Stats(ctx)
	assert.Equal(t, 0, stats.Items, "expired entry dropped on access")
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestMemoryCacheLRUEviction(t *testing.T) {
	c := NewMemoryCache(3, false, 0)
	ctx := context.Background()

	putAged(t, c, "k1", "/a/1", "1", time.Minute, 0, 0)
	putAged(t, c, "k2", "/a/2", "2", time.Minute, 0, 0)
	putAged(t, c, "k3", "/a/3", "3", time.Minute, 0, 0)

	// Touch k1 so k2 becomes the least recently used entry.
	_, state := c.Get(ctx, "k1")
	require.Equal(t, Hit, state)

	putAged(t, c, "k4", "/a/4", "4", time.Minute, 0, 0)

	stats := c.Stats(ctx)
	assert.Equal(t, 3, stats.Items)
	assert.Equal(t, int64(1), stats.Evictions)

	_, state = c.Get(ctx, "k2")
	assert.Equal(t, Miss, state, "least recently used entry evicted")
	for _, key := range []string{"k1", "k3", "k4"} {
		_, state = c.Get(ctx, key)
		assert.Equal(t, Hit, state, "expected %s to survive", key)
	}
}

func TestMemoryCacheInvalidatePrefix(t *testing.T) {
	c := NewMemoryCache(0, true, 0)
	ctx := context.Background()

	putAged(t, c, "GET /api/artists/a|h", "/api/artists/a", "a", time.Minute, 0, 0)
	putAged(t, c, "GET /api/artists/a?page=2|h", "/api/artists/a?page=2", "a2", time.Minute, 0, 0)
	putAged(t, c, "GET /api/queue|h", "/api/queue", "q", time.Minute, 0, 0)

	removed := c.InvalidatePrefix(ctx, "/api/artists/a")
	assert.Equal(t, 2, removed)

	_, state := c.Get(ctx, "GET /api/artists/a|h")
	assert.Equal(t, Miss, state)
	_, state = c.Get(ctx, "GET /api/queue|h")
	assert.Equal(t, Hit, state, "unrelated path survives invalidation")

	stats := c.Stats(ctx)
	assert.Equal(t, int64(2), stats.Invalidations)
	assert.Equal(t, 1, stats.Items)
}

func TestMemoryCacheStats(t *testing.T) {
	c := NewMemoryCache(0, false, 0)
	ctx := context.Background()

	putAged(t, c, "fresh", "/f", "f", time.Minute, 0, 0)
	putAged(t, c, "stale", "/s", "s", time.Second, time.Minute, 2*time.Second)

	c.Get(ctx, "fresh")   // hit
	c.Get(ctx, "fresh")   // hit
	c.Get(ctx, "stale")   // stale
	c.Get(ctx, "missing") // miss

	stats := c.Stats(ctx)
	assert.Equal(t, "memory", stats.Backend)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Stales)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 2, stats.Items)
}

func TestMemoryCacheJanitor(t *testing.T) {
	c := NewMemoryCache(0, false, 20*time.Millisecond)
	defer c.Close()

	ctx := context.Background()
	putAged(t, c, "dead", "/d", "d", time.Millisecond, time.Millisecond, time.Hour)
	putAged(t, c, "alive", "/a", "a", time.Hour, 0, 0)

	assert.Eventually(t, func() bool {
		return c.Stats(ctx).Items == 1
	}, time.Second, 10*time.Millisecond, "janitor should sweep the expired entry")

	_, state := c.Get(ctx, "alive")
	assert.Equal(t, Hit, state)

	require.NoError(t, c.Close(), "closing twice is safe")
}

func TestMemoryCacheConcurrentAccess(_ *testing.T) {
	c := NewMemoryCache(8, false, 0)
	done := make(chan bool)

	go func() {
		for i := 0; i < 100; i++ {
			c.Put(context.Background(), Entry{Key: "key", Path: "/p", Body: []byte("v"), TTL: time.Minute})
		}
		done <- true
	}()
	go func() {
		for i := 0; i < 100; i++ {
			c.Get(context.Background(), "key")
		}
		done <- true
	}()

	<-done
	<-done
}

func TestNoOpCache(t *testing.T) {
	c := NewNoOpCache()
	ctx := context.Background()

	c.Put(ctx, Entry{Key: "k", Path: "/p", Body: []byte("v"), TTL: time.Minute})

	_, state := c.Get(ctx, "k")
	assert.Equal(t, Miss, state, "noop cache never returns values")
	assert.Equal(t, 0, c.InvalidatePrefix(ctx, "/"))
	assert.Equal(t, Stats{Backend: "none"}, c.Stats(ctx))
	assert.NoError(t, c.Close())
}

func TestKeyNormalizesPathAndQuery(t *testing.T) {
	cases := []struct {
		method, raw, want string
	}{
		{"GET", "/api/artists", "GET /api/artists|h"},
		{"GET", "/api//artists/", "GET /api/artists|h"},
		{"GET", "/api/artists?b=2&a=1", "GET /api/artists?a=1&b=2|h"},
		{"HEAD", "", "HEAD /|h"},
		{"GET", "/api/artists?bad=%zz", "GET /api/artists?bad=%zz|h"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Key(tc.method, tc.raw, "h"), "key for %q", tc.raw)
	}
}

func TestETagValidators(t *testing.T) {
	strong := ETag([]byte("body"))
	assert.True(t, strings.HasPrefix(strong, `"`) && strings.HasSuffix(strong, `"`))
	assert.Len(t, strong, 66, "quoted hex sha-256")
	assert.Equal(t, strong, ETag([]byte("body")), "deterministic")
	assert.NotEqual(t, strong, ETag([]byte("other")))
	assert.Equal(t, "W/"+strong, WeakETag([]byte("body")))
}

func TestNewSelectsBackend(t *testing.T) {
	c, err := New(config.CacheConfig{Backend: "memory", MaxItems: 4})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "memory", c.Stats(context.Background()).Backend)

	c, err = New(config.CacheConfig{Backend: "none"})
	require.NoError(t, err)
	assert.Equal(t, "none", c.Stats(context.Background()).Backend)

	_, err = New(config.CacheConfig{Backend: "memcached"})
	assert.Error(t, err)
}

func BenchmarkMemoryCachePut(b *testing.B) {
	c := NewMemoryCache(1024, false, 0)
	e := Entry{Key: "key", Path: "/p", Body: []byte("value"), TTL: 5 * time.Minute}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Put(context.Background(), e)
	}
}

func BenchmarkMemoryCacheGet(b *testing.B) {
	c := NewMemoryCache(1024, false, 0)
	c.Put(context.Background(), Entry{Key: "key", Path: "/p", Body: []byte("value"), TTL: 5 * time.Minute})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(context.Background(), "key")
	}
}
