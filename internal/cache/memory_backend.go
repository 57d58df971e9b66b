package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend used by tests and by deployments
// without a database. The clock is injectable so TTL expiry is testable.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	entry     *Entry
	expiresAt time.Time
}

// NewMemoryBackend creates an empty backend using the real clock.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memoryEntry), now: time.Now}
}

// WithClock replaces the clock. Test hook.
func (b *MemoryBackend) WithClock(now func() time.Time) *MemoryBackend {
	b.now = now
	return b
}

// Get returns the entry, or nil if absent or expired.
func (b *MemoryBackend) Get(_ context.Context, key string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	me, ok := b.entries[key]
	if !ok || b.now().After(me.expiresAt) {
		return nil, nil
	}
	return me.entry, nil
}

// Put stores the entry with a TTL.
func (b *MemoryBackend) Put(_ context.Context, key string, e *Entry, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[key] = memoryEntry{entry: e, expiresAt: b.now().Add(ttl)}
	return nil
}

// Delete removes the entry.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.entries, key)
	return nil
}

// InvalidateScope removes every entry in the scope.
func (b *MemoryBackend) InvalidateScope(_ context.Context, scope string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k, me := range b.entries {
		if me.entry.Scope == scope {
			delete(b.entries, k)
		}
	}
	return nil
}
