package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryCapacity bounds the tier-1 LRU.
const DefaultMemoryCapacity = 1000

// DefaultTTL bounds the lifetime of persistent entries.
const DefaultTTL = 24 * time.Hour

// Entry is one cached generation result. Entries are immutable once
// written; an overwrite replaces the whole entry.
type Entry struct {
	Key          string    `json:"key"`
	Scope        string    `json:"scope"`
	Output       string    `json:"output"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Backend is the persistent tier. Implementations must treat expired
// entries as absent on Get.
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, e *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	InvalidateScope(ctx context.Context, scope string) error
}

// Stats holds observability counters. They are not part of the correctness
// contract.
type Stats struct {
	MemoryHits   int64 `json:"memory_hits"`
	BackendHits  int64 `json:"backend_hits"`
	Misses       int64 `json:"misses"`
	Puts         int64 `json:"puts"`
	Evictions    int64 `json:"evictions"`
	BackendFails int64 `json:"backend_failures"`
}

// Config tunes a Cache.
type Config struct {
	MemoryCapacity int
	TTL            time.Duration
	// SyncWrites makes backend writes synchronous. Tests use it; the
	// orchestrator leaves it off so a slow backend never stalls a stage.
	SyncWrites bool
}

// Cache is the two-tier response cache. Reads check memory then the
// backend, promoting backend hits. Fresh writes go to memory synchronously
// and to the backend asynchronously; backend failures are logged and never
// surface to the stage.
type Cache struct {
	mu      sync.RWMutex
	mem     *lru.Cache[string, *Entry]
	backend Backend
	ttl     time.Duration
	sync    bool
	logger  *slog.Logger

	memHits      atomic.Int64
	backendHits  atomic.Int64
	misses       atomic.Int64
	puts         atomic.Int64
	evictions    atomic.Int64
	backendFails atomic.Int64

	wg sync.WaitGroup
}

// New creates a two-tier cache. backend may be nil, degrading to
// memory-only operation.
func New(backend Backend, cfg Config, logger *slog.Logger) (*Cache, error) {
	if cfg.MemoryCapacity <= 0 {
		cfg.MemoryCapacity = DefaultMemoryCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{backend: backend, ttl: cfg.TTL, sync: cfg.SyncWrites, logger: logger}
	mem, err := lru.NewWithEvict(cfg.MemoryCapacity, func(string, *Entry) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, err
	}
	c.mem = mem
	return c, nil
}

// Get returns the cached entry for key, or nil on a miss. A miss occurs
// only when the key is absent from or expired in both tiers.
func (c *Cache) Get(ctx context.Context, key string) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.mem.Get(key); ok {
		c.memHits.Add(1)
		return e
	}
	if c.backend == nil {
		c.misses.Add(1)
		return nil
	}
	e, err := c.backend.Get(ctx, key)
	if err != nil {
		// Backend trouble affects only the hit rate, never the stage.
		c.backendFails.Add(1)
		c.logger.Warn("cache backend read failed", "key", key, "error", err)
		c.misses.Add(1)
		return nil
	}
	if e == nil {
		c.misses.Add(1)
		return nil
	}
	c.backendHits.Add(1)
	c.mem.Add(key, e)
	return e
}

// Put stores a fresh entry: synchronously in memory, asynchronously in the
// backend (fire and forget, failure logged).
func (c *Cache) Put(ctx context.Context, e *Entry) {
	c.puts.Add(1)

	c.mu.RLock()
	c.mem.Add(e.Key, e)
	c.mu.RUnlock()

	if c.backend == nil {
		return
	}
	if c.sync {
		c.writeBackend(ctx, e)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// Detach from the caller's lifetime: the stage is done with us.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		c.writeBackend(wctx, e)
	}()
}

func (c *Cache) writeBackend(ctx context.Context, e *Entry) {
	if err := c.backend.Put(ctx, e.Key, e, c.ttl); err != nil {
		c.backendFails.Add(1)
		c.logger.Warn("cache backend write failed", "key", e.Key, "error", err)
	}
}

// Invalidate removes a key from both tiers. It holds the write lock so no
// concurrent read can promote a stale backend entry mid-invalidation.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mem.Remove(key)
	if c.backend == nil {
		return nil
	}
	return c.backend.Delete(ctx, key)
}

// InvalidateScope removes every entry in an isolation scope from both tiers.
func (c *Cache) InvalidateScope(ctx context.Context, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.mem.Keys() {
		if e, ok := c.mem.Peek(key); ok && e.Scope == scope {
			c.mem.Remove(key)
		}
	}
	if c.backend == nil {
		return nil
	}
	return c.backend.InvalidateScope(ctx, scope)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		MemoryHits:   c.memHits.Load(),
		BackendHits:  c.backendHits.Load(),
		Misses:       c.misses.Load(),
		Puts:         c.puts.Load(),
		Evictions:    c.evictions.Load(),
		BackendFails: c.backendFails.Load(),
	}
}

// Close waits for in-flight asynchronous backend writes.
func (c *Cache) Close() {
	c.wg.Wait()
}
