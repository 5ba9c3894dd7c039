package types

import (
	"context"
	"time"
)

// FetchFunc loads a value from the source of truth (typically the
// relational store). The cache layer treats it as opaque domain code.
type FetchFunc func(ctx context.Context) (interface{}, error)

// CacheService is the shared cache surface used by request handlers,
// the warmer and the invalidator. Every method other than ReleaseLock
// fails open: a store outage degrades to a miss / permissive result,
// never to an error visible past this boundary. Fetcher errors are the
// one exception, since the caller explicitly asked for fresh data.
type CacheService interface {
	LifecycleManager

	Get(ctx context.Context, key string) (interface{}, bool)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// InvalidatePattern removes all keys matching the glob pattern and
	// returns the number of keys deleted.
	InvalidatePattern(ctx context.Context, pattern string) (int64, error)

	// GetOrSet returns the cached value or fetches, stores and returns
	// it. Concurrent callers for the same absent key may each invoke
	// fetch (at-least-once semantics).
	GetOrSet(ctx context.Context, key string, fetch FetchFunc, ttl time.Duration) (interface{}, error)

	// GetWithStale serves the fresh tier, falls back to the stale tier
	// while refreshing in the background, and only fetches synchronously
	// on a true cold start.
	GetWithStale(ctx context.Context, key string, fetch FetchFunc, freshTTL, staleTTL time.Duration) (interface{}, error)

	// TTL reports the remaining fresh lifetime of key.
	TTL(ctx context.Context, key string) (time.Duration, bool)

	CheckRateLimit(ctx context.Context, identifier string, limit int64, window time.Duration) RateLimitResult

	// AcquireLock returns a release token, or ok=false on contention.
	// It never blocks or retries.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool)

	// ReleaseLock succeeds only when token matches the stored owner.
	ReleaseLock(ctx context.Context, key string, token string) bool

	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string, handler MessageHandler) (Subscription, error)
}

// CacheEntry is the stored representation of a cached value. The store
// enforces expiry through its own TTL; FreshExpiresAt is kept in the
// payload so a not-yet-evicted entry is still treated as a miss.
type CacheEntry struct {
	Key            string      `json:"key"`
	Value          interface{} `json:"value"`
	CreatedAt      time.Time   `json:"created_at"`
	FreshExpiresAt time.Time   `json:"fresh_expires_at"`
	StaleExpiresAt time.Time   `json:"stale_expires_at,omitempty"`
}

type RateLimitResult struct {
	Allowed   bool          `json:"allowed"`
	Limit     int64         `json:"limit"`
	Remaining int64         `json:"remaining"`
	ResetIn   time.Duration `json:"reset_in"`
	ResetAt   time.Time     `json:"reset_at"`
}
