package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func entry(key, scope, output string) *Entry {
	return &Entry{Key: key, Scope: scope, Output: output, CreatedAt: time.Now().UTC()}
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	c, err := New(NewMemoryBackend(), Config{SyncWrites: true}, testLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.Put(ctx, entry("k1", "s", "hello"))

	got := c.Get(ctx, "k1")
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Output)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, int64(1), stats.Puts)
}

func TestCache_Miss(t *testing.T) {
	c, err := New(NewMemoryBackend(), Config{SyncWrites: true}, testLogger())
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.Get(context.Background(), "absent"))
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestCache_BackendHitPromotes(t *testing.T) {
	backend := NewMemoryBackend()
	c, err := New(backend, Config{SyncWrites: true}, testLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	// Seed the backend only, simulating a fresh process with a warm
	// persistent tier.
	require.NoError(t, backend.Put(ctx, "k1", entry("k1", "s", "warm"), time.Hour))

	got := c.Get(ctx, "k1")
	require.NotNil(t, got)
	assert.Equal(t, int64(1), c.Stats().BackendHits)

	// Second read is served from memory.
	got = c.Get(ctx, "k1")
	require.NotNil(t, got)
	assert.Equal(t, int64(1), c.Stats().MemoryHits)
}

func TestCache_TTLExpiry(t *testing.T) {
	now := time.Now()
	backend := NewMemoryBackend().WithClock(func() time.Time { return now })
	c, err := New(backend, Config{TTL: time.Hour, SyncWrites: true}, testLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.Put(ctx, entry("k1", "s", "v"))

	// Drop the memory tier so the read goes to the backend.
	require.NoError(t, c.Invalidate(ctx, "k1"))
	require.NoError(t, backend.Put(ctx, "k1", entry("k1", "s", "v"), time.Hour))

	got := c.Get(ctx, "k1")
	require.NotNil(t, got, "entry is live within its TTL")

	// Clear memory again, then advance past the TTL.
	c.mu.Lock()
	c.mem.Remove("k1")
	c.mu.Unlock()
	now = now.Add(2 * time.Hour)

	assert.Nil(t, c.Get(ctx, "k1"), "expired entries read as absent")
}

func TestCache_LRUEviction(t *testing.T) {
	c, err := New(nil, Config{MemoryCapacity: 2}, testLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.Put(ctx, entry("a", "s", "1"))
	c.Put(ctx, entry("b", "s", "2"))
	c.Put(ctx, entry("c", "s", "3"))

	assert.Nil(t, c.Get(ctx, "a"), "least recently used entry was evicted")
	assert.NotNil(t, c.Get(ctx, "b"))
	assert.NotNil(t, c.Get(ctx, "c"))
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_Invalidate(t *testing.T) {
	backend := NewMemoryBackend()
	c, err := New(backend, Config{SyncWrites: true}, testLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.Put(ctx, entry("k1", "s", "v"))
	require.NoError(t, c.Invalidate(ctx, "k1"))

	assert.Nil(t, c.Get(ctx, "k1"), "both tiers are cleared")
}

func TestCache_InvalidateScope(t *testing.T) {
	backend := NewMemoryBackend()
	c, err := New(backend, Config{SyncWrites: true}, testLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.Put(ctx, entry("k1", "ws1", "a"))
	c.Put(ctx, entry("k2", "ws1", "b"))
	c.Put(ctx, entry("k3", "ws2", "c"))

	require.NoError(t, c.InvalidateScope(ctx, "ws1"))

	assert.Nil(t, c.Get(ctx, "k1"))
	assert.Nil(t, c.Get(ctx, "k2"))
	assert.NotNil(t, c.Get(ctx, "k3"), "other scopes are untouched")
}

func TestCache_MemoryOnly(t *testing.T) {
	c, err := New(nil, Config{}, testLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.Put(ctx, entry("k1", "s", "v"))
	assert.NotNil(t, c.Get(ctx, "k1"))
	require.NoError(t, c.Invalidate(ctx, "k1"))
	assert.Nil(t, c.Get(ctx, "k1"))
}

type failingBackend struct{ MemoryBackend }

func (f *failingBackend) Get(context.Context, string) (*Entry, error) {
	return nil, assert.AnError
}

func TestCache_BackendFailureIsAMiss(t *testing.T) {
	c, err := New(&failingBackend{}, Config{SyncWrites: false}, testLogger())
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.Get(context.Background(), "k"))
	assert.Equal(t, int64(1), c.Stats().BackendFails)
	assert.Equal(t, int64(1), c.Stats().Misses)
}
