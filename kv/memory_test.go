package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/types"
)

func newTestMemoryStore(t *testing.T) types.KVStore {
	t.Helper()

	store, err := NewMemoryStore(context.Background(), logger.NewZapWrapper(zap.NewNop()), &types.StoreConfig{
		Type: "memory",
	})
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Stop() })

	return store
}

func TestMemoryStoreSetGet(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "key1", []byte("value1"), time.Minute))

	value, found, err := store.Get(ctx, "key1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("value1"), value)

	_, found, err = store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", []byte("v"), 30*time.Millisecond))

	_, found, err := store.Get(ctx, "short")
	require.NoError(t, err)
	require.True(t, found)

	time.Sleep(50 * time.Millisecond)

	_, found, err = store.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found, "expired entry must read as a miss")
}

func TestMemoryStoreTTLReporting(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "ttl-key", []byte("v"), time.Minute))

	remaining, found, err := store.TTL(ctx, "ttl-key")
	require.NoError(t, err)
	require.True(t, found)
	assert.Greater(t, remaining, 50*time.Second)
	assert.LessOrEqual(t, remaining, time.Minute)

	_, found, err = store.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	// No expiry set means no TTL to report.
	require.NoError(t, store.Set(ctx, "forever", []byte("v"), 0))
	_, found, err = store.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), time.Minute))

	deleted, err := store.Delete(ctx, "a", "b", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, found, _ := store.Get(ctx, "a")
	assert.False(t, found)
}

func TestMemoryStoreScanPattern(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "companies:1", []byte("v"), time.Minute))
	require.NoError(t, store.Set(ctx, "companies:2", []byte("v"), time.Minute))
	require.NoError(t, store.Set(ctx, "invoices:1", []byte("v"), time.Minute))

	var matched []string
	err := store.Scan(ctx, "companies:*", func(keys []string) error {
		matched = append(matched, keys...)
		return nil
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"companies:1", "companies:2"}, matched)
}

func TestMemoryStoreIncrementWindow(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	count, window, err := store.Increment(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, time.Minute, window)

	count, window, err = store.Increment(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.LessOrEqual(t, window, time.Minute, "second increment must not extend the window")

	// A new window starts once the old one expires.
	count, _, err = store.Increment(ctx, "burst", 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	time.Sleep(40 * time.Millisecond)

	count, _, err = store.Increment(ctx, "burst", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMemoryStoreSetNX(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "lock", []byte("owner1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "lock", []byte("owner2"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX on a live key must fail")
}

func TestMemoryStoreCompareAndDelete(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "lock", []byte("token"), time.Minute))

	ok, err := store.CompareAndDelete(ctx, "lock", []byte("wrong"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, _ := store.Get(ctx, "lock")
	assert.True(t, found, "mismatched delete must leave the key")

	ok, err = store.CompareAndDelete(ctx, "lock", []byte("token"))
	require.NoError(t, err)
	assert.True(t, ok)

	_, found, _ = store.Get(ctx, "lock")
	assert.False(t, found)
}

func TestMemoryStorePubSub(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var received [][]byte

	sub, err := store.Subscribe(ctx, "events", func(channel string, payload []byte) {
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.Publish(ctx, "events", []byte("hello")))
	require.NoError(t, store.Publish(ctx, "other", []byte("not for us")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && string(received[0]) == "hello"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Close())
	require.NoError(t, store.Publish(ctx, "events", []byte("after close")))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, 1, "closed subscription must not receive")
}

func TestMemoryStoreEviction(t *testing.T) {
	store, err := NewMemoryStore(context.Background(), logger.NewZapWrapper(zap.NewNop()), &types.StoreConfig{
		Type: "memory",
		Config: map[string]interface{}{
			"max_entries": 2,
		},
	})
	require.NoError(t, err)
	require.NoError(t, store.Start())
	defer store.Stop()

	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "first", []byte("1"), time.Minute))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Set(ctx, "second", []byte("2"), time.Minute))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Set(ctx, "third", []byte("3"), time.Minute))

	_, found, _ := store.Get(ctx, "first")
	assert.False(t, found, "oldest entry must be evicted at capacity")

	_, found, _ = store.Get(ctx, "third")
	assert.True(t, found)
}
