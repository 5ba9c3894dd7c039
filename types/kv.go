package types

import (
	"context"
	"time"
)

// KVStore is the contract every network KV backend has to satisfy.
// Pattern enumeration goes through Scan (cursor-based), never a blocking
// store-wide listing.
type KVStore interface {
	LifecycleManager

	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int64, error)

	// Scan enumerates keys matching the glob pattern and calls fn with
	// batches of logical (unprefixed) keys. fn returning an error stops
	// the scan.
	Scan(ctx context.Context, pattern string, fn func(keys []string) error) error

	// TTL returns the remaining lifetime of key. Returns ok=false when
	// the key does not exist or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)

	// Increment atomically increments key, creating it with the window
	// TTL on first use. Returns the new counter value and the remaining
	// window.
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)

	// SetNX sets key only if absent. Used for distributed locks.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if its current value equals
	// expected. Used for token-guarded lock release.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
}

type MessageHandler func(channel string, payload []byte)

type Subscription interface {
	Close() error
}

type KVStoreCreator func(config interface{}) (KVStore, error)
