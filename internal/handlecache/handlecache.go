// Package handlecache maps engine resource identities to native handles.
//
// Entries never expire. They are removed only when the engine reports that
// the resource was destroyed, or when the cache is flushed with its
// coordinator.
package handlecache

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/patrickmn/go-cache"

	"github.com/gogpu/readback/backend"
)

// ErrNilHandle is returned when a resource reports no native handle.
var ErrNilHandle = errors.New("handlecache: nil native handle")

// Entry is a resolved resource.
type Entry struct {
	// Native is the backend-specific resource handed to ScheduleCopy.
	Native any

	// Desc is the resource layout observed at resolve time.
	Desc backend.Desc

	// Epoch distinguishes successive resolutions of the same key, so a
	// handle issued before an invalidation never matches a later entry.
	Epoch uint64
}

// Cache is a resolve-once handle cache.
//
// Cache is safe for concurrent use.
type Cache struct {
	items *cache.Cache
	epoch atomic.Uint64

	mu     sync.RWMutex
	logger *slog.Logger
}

// New creates an empty cache.
func New() *Cache {
	c := &Cache{
		// No expiration and no janitor goroutine.
		items:  cache.New(cache.NoExpiration, 0),
		logger: slog.New(slog.DiscardHandler),
	}
	c.items.OnEvicted(func(key string, _ any) {
		c.log().Debug("handlecache: invalidated", "key", key)
	})
	return c
}

// SetLogger replaces the cache logger.
func (c *Cache) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	c.mu.Lock()
	c.logger = l
	c.mu.Unlock()
}

func (c *Cache) log() *slog.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// Resolve returns the entry for key, calling open on the first lookup.
// The second result reports a cache hit. When two goroutines miss
// concurrently, the first to store wins and both get its entry.
func (c *Cache) Resolve(key string, open func() (any, backend.Desc, error)) (Entry, bool, error) {
	if v, ok := c.items.Get(key); ok {
		return v.(Entry), true, nil
	}

	native, desc, err := open()
	if err != nil {
		return Entry{}, false, err
	}
	if native == nil {
		return Entry{}, false, ErrNilHandle
	}

	e := Entry{Native: native, Desc: desc, Epoch: c.epoch.Add(1)}
	if err := c.items.Add(key, e, cache.NoExpiration); err != nil {
		if v, ok := c.items.Get(key); ok {
			return v.(Entry), true, nil
		}
		c.items.Set(key, e, cache.NoExpiration)
	}
	c.log().Debug("handlecache: resolved", "key", key, "desc", desc.String())
	return e, false, nil
}

// Get returns the cached entry for key.
func (c *Cache) Get(key string) (Entry, bool) {
	v, ok := c.items.Get(key)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Invalidate removes key and reports whether it was cached.
func (c *Cache) Invalidate(key string) bool {
	if _, ok := c.items.Get(key); !ok {
		return false
	}
	c.items.Delete(key)
	return true
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.items.ItemCount()
}

// Flush removes every entry.
func (c *Cache) Flush() {
	c.items.Flush()
}
