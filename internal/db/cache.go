package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/daniel/storyweaver/internal/cache"
)

// CacheBackend implements cache.Backend on PostgreSQL.
type CacheBackend struct {
	db *DB
}

// NewCacheBackend creates the persistent cache tier.
func NewCacheBackend(db *DB) *CacheBackend {
	return &CacheBackend{db: db}
}

// Get returns the entry, or nil if absent or expired. Access bookkeeping is
// updated in the same statement.
func (b *CacheBackend) Get(ctx context.Context, key string) (*cache.Entry, error) {
	var raw []byte
	err := b.db.pool.QueryRow(ctx,
		`UPDATE response_cache
		 SET last_access_at = NOW(), access_count = access_count + 1
		 WHERE key = $1 AND expires_at > NOW()
		 RETURNING entry`,
		key,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache backend get failed: %w", err)
	}

	var e cache.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("cache entry %s is corrupt: %w", key, err)
	}
	return &e, nil
}

// Put upserts the entry with a fresh TTL. Overwrite replaces the row
// wholesale; entries are immutable once written.
func (b *CacheBackend) Put(ctx context.Context, key string, e *cache.Entry, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	_, err = b.db.pool.Exec(ctx,
		`INSERT INTO response_cache (key, scope, entry, expires_at)
		 VALUES ($1, $2, $3, NOW() + $4)
		 ON CONFLICT (key) DO UPDATE
		 SET scope = $2, entry = $3, expires_at = NOW() + $4,
		     created_at = NOW(), last_access_at = NOW(), access_count = 0`,
		key, e.Scope, raw, ttl,
	)
	if err != nil {
		return fmt.Errorf("cache backend put failed: %w", err)
	}
	return nil
}

// Delete removes one entry.
func (b *CacheBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.pool.Exec(ctx,
		`DELETE FROM response_cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("cache backend delete failed: %w", err)
	}
	return nil
}

// InvalidateScope removes every entry in an isolation scope.
func (b *CacheBackend) InvalidateScope(ctx context.Context, scope string) error {
	if _, err := b.db.pool.Exec(ctx,
		`DELETE FROM response_cache WHERE scope = $1`, scope); err != nil {
		return fmt.Errorf("cache backend scope invalidation failed: %w", err)
	}
	return nil
}
