// Package memory provides the process-local TTL cache used when no remote
// cache service is configured.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/otamoon/portfolio/cache"
)

const (
	// DefaultTTL applies when Set is called with a non-positive ttl.
	DefaultTTL = 10 * time.Second
	// SweepInterval is how often expired entries are dropped from memory.
	SweepInterval = 5 * time.Minute
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

// Cache is a thread-safe in-memory cache.Store. Expiry is enforced on read;
// the background sweep only reclaims memory.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]entry
	defaultTTL time.Duration
	sweepEvery time.Duration
	stopOnce   sync.Once
	stopCh     chan struct{}
}

var _ cache.Store = (*Cache)(nil)

// Option configures a Cache.
type Option func(*Cache)

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// WithSweepInterval overrides SweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.sweepEvery = d
		}
	}
}

// New creates a Cache and starts its sweep goroutine. Call Close to stop it.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]entry),
		defaultTTL: DefaultTTL,
		sweepEvery: SweepInterval,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop()
	return c
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, cache.ErrEmptyKey
	}
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !time.Now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return append([]byte(nil), e.data...), true, nil
}

func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return cache.ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.entries[key] = entry{
		data:      append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	if key == "" {
		return cache.ErrEmptyKey
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}
