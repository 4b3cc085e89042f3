package storage

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheEntries is used when a non-positive cache size is requested.
const DefaultCacheEntries = 16384

// CachedDB is a read-through LRU cache in front of another Database. Only
// committed values ever enter the cache: Write refreshes the touched keys
// after the backing store accepted the batch.
type CachedDB struct {
	backing Database
	mu      sync.Mutex
	cache   *lru.Cache
}

type cachedValue struct {
	value   []byte
	missing bool
}

// NewCachedDB wraps backing with an LRU holding up to entries keys.
func NewCachedDB(backing Database, entries int) (*CachedDB, error) {
	if backing == nil {
		return nil, fmt.Errorf("storage: backing database must not be nil")
	}
	if entries <= 0 {
		entries = DefaultCacheEntries
	}
	cache, err := lru.New(entries)
	if err != nil {
		return nil, err
	}
	return &CachedDB{backing: backing, cache: cache}, nil
}

func (c *CachedDB) Get(key []byte) ([]byte, error) {
	if v, ok := c.cache.Get(string(key)); ok {
		entry := v.(cachedValue)
		if entry.missing {
			return nil, ErrNotFound
		}
		return append([]byte(nil), entry.value...), nil
	}
	// Misses are filled under the write lock so a concurrent Write cannot be
	// overtaken by a stale read.
	c.mu.Lock()
	defer c.mu.Unlock()
	value, err := c.backing.Get(key)
	switch {
	case IsNotFound(err):
		c.cache.Add(string(key), cachedValue{missing: true})
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	}
	c.cache.Add(string(key), cachedValue{value: append([]byte(nil), value...)})
	return value, nil
}

// GetRaw bypasses the cache.
func (c *CachedDB) GetRaw(key []byte) ([]byte, error) {
	return c.backing.GetRaw(key)
}

func (c *CachedDB) NewBatch() *Batch {
	return c.backing.NewBatch()
}

func (c *CachedDB) Write(b *Batch) error {
	if b == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.backing.Write(b); err != nil {
		// The batch may or may not have landed; drop what it touched.
		_ = b.Replay(func(key, _ []byte, _ bool) { c.cache.Remove(string(key)) })
		return err
	}
	return b.Replay(func(key, value []byte, deleted bool) {
		if deleted {
			c.cache.Add(string(key), cachedValue{missing: true})
			return
		}
		c.cache.Add(string(key), cachedValue{value: append([]byte(nil), value...)})
	})
}

// Purge drops every cached entry.
func (c *CachedDB) Purge() {
	c.cache.Purge()
}

func (c *CachedDB) Close() error {
	c.cache.Purge()
	return c.backing.Close()
}
