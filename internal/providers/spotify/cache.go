// SPDX-License-Identifier: MIT

package spotify

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/metrics"
)

// Cache is the persistent metadata tier: decoded provider responses keyed
// by operation, expired by badger TTL. Lookups fail open so a broken cache
// never blocks a metadata call.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	logger zerolog.Logger
}

// OpenCache opens (or creates) the badger store under dir.
func OpenCache(dir string, ttl time.Duration) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{
		db:     db,
		ttl:    ttl,
		logger: log.WithComponent("spotify.cache"),
	}, nil
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}

// Get decodes the entry for key into v. A miss, an expired entry, or any
// backend error all report false.
func (c *Cache) Get(key string, v any) bool {
	if c == nil {
		return false
	}
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.logger.Warn().Err(err).Str("key", key).Msg("metadata cache read failed")
		}
		metrics.IncMetadataCacheLookup("miss")
		c.logger.Debug().Str("event", "cache.miss").Str("tier", "metadata").Str("key", key).Msg("metadata cache miss")
		return false
	}
	metrics.IncMetadataCacheLookup("hit")
	c.logger.Debug().Str("event", "cache.hit").Str("tier", "metadata").Str("key", key).Msg("metadata cache hit")
	return true
}

// Put stores v under key with the cache TTL. Errors are logged, not
// surfaced; the caller already has the live response.
func (c *Cache) Put(key string, v any) {
	if c == nil {
		return
	}
	buf, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("metadata cache encode failed")
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), buf).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("metadata cache write failed")
	}
}
