// Package ratelimit provides per-client rate limiting using a token bucket.
package ratelimit

import (
	"sync"
	"time"
)

// tokenBucket allows a steady request rate with burst capacity. Tokens
// refill continuously rather than per window.
type tokenBucket struct {
	capacity   int
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(capacity int, refillRate float64) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// allow consumes a token if one is available.
func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens = min(float64(tb.capacity), tb.tokens+now.Sub(tb.lastRefill).Seconds()*tb.refillRate)
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *tokenBucket) status() (remaining int, resetTime time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens = min(float64(tb.capacity), tb.tokens+now.Sub(tb.lastRefill).Seconds()*tb.refillRate)
	tb.lastRefill = now

	remaining = int(tb.tokens)
	resetTime = now
	if tb.tokens < float64(tb.capacity) {
		secondsUntilFull := (float64(tb.capacity) - tb.tokens) / tb.refillRate
		resetTime = now.Add(time.Duration(secondsUntilFull * float64(time.Second)))
	}
	return remaining, resetTime
}

// Info contains information about rate limit status.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool
	Limit           int           // requests per window
	Window          time.Duration // refill window
	Burst           int           // bucket capacity; defaults to Limit
	CleanupInterval time.Duration // idle bucket eviction cadence; zero disables
}

// DefaultConfig allows 300 requests per minute per client.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Limit:           300,
		Window:          time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// Limiter manages rate limiting for multiple clients.
type Limiter struct {
	config Config

	mu         sync.RWMutex
	buckets    map[string]*tokenBucket
	lastAccess map[string]time.Time

	cleanupTicker *time.Ticker
	cleanupStop   chan struct{}
}

// NewLimiter creates a rate limiter with the given configuration.
func NewLimiter(config Config) *Limiter {
	l := &Limiter{
		config:     config,
		buckets:    make(map[string]*tokenBucket),
		lastAccess: make(map[string]time.Time),
	}
	if config.Enabled && config.CleanupInterval > 0 {
		l.cleanupTicker = time.NewTicker(config.CleanupInterval)
		l.cleanupStop = make(chan struct{})
		go l.cleanupLoop()
	}
	return l
}

// Allow checks if a request from the given client is allowed.
func (l *Limiter) Allow(clientID string) (bool, Info) {
	if !l.config.Enabled || l.config.Limit <= 0 {
		return true, Info{Allowed: true}
	}

	bucket := l.getBucket(clientID)

	l.mu.Lock()
	l.lastAccess[clientID] = time.Now()
	l.mu.Unlock()

	allowed := bucket.allow()
	remaining, resetTime := bucket.status()

	var retryAfter time.Duration
	if !allowed {
		retryAfter = max(time.Until(resetTime), 0)
	}
	return allowed, Info{
		Allowed:    allowed,
		Limit:      l.config.Limit,
		Remaining:  remaining,
		ResetTime:  resetTime,
		RetryAfter: retryAfter,
	}
}

func (l *Limiter) getBucket(clientID string) *tokenBucket {
	l.mu.RLock()
	bucket, exists := l.buckets[clientID]
	l.mu.RUnlock()
	if exists {
		return bucket
	}

	capacity := l.config.Burst
	if capacity <= 0 {
		capacity = l.config.Limit
	}
	refillRate := float64(l.config.Limit) / l.config.Window.Seconds()

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, exists := l.buckets[clientID]; exists {
		return existing
	}
	bucket = newTokenBucket(capacity, refillRate)
	l.buckets[clientID] = bucket
	return bucket
}

func (l *Limiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.evictIdle()
		case <-l.cleanupStop:
			return
		}
	}
}

// evictIdle drops buckets not touched in over an hour so the map cannot
// grow without bound.
func (l *Limiter) evictIdle() {
	cutoff := time.Now().Add(-1 * time.Hour)

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, last := range l.lastAccess {
		if last.Before(cutoff) {
			delete(l.buckets, id)
			delete(l.lastAccess, id)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	if l.cleanupTicker != nil {
		l.cleanupTicker.Stop()
	}
	if l.cleanupStop != nil {
		close(l.cleanupStop)
	}
}
