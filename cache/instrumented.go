package cache

import (
	"context"
	"time"

	"github.com/saiset-co/sai-cache/types"
)

var operationBuckets = []float64{0.0001, 0.001, 0.01, 0.1, 1.0}

// instrumentedService decorates a cache service with operation counters
// and latency histograms.
type instrumentedService struct {
	impl    types.CacheService
	metrics types.MetricsManager
}

func newInstrumentedService(metrics types.MetricsManager, impl types.CacheService) types.CacheService {
	return &instrumentedService{
		impl:    impl,
		metrics: metrics,
	}
}

func (i *instrumentedService) Get(ctx context.Context, key string) (interface{}, bool) {
	start := time.Now()
	value, found := i.impl.Get(ctx, key)

	result := "miss"
	if found {
		result = "hit"
	}

	i.record("get", result, time.Since(start))
	return value, found
}

func (i *instrumentedService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	start := time.Now()
	err := i.impl.Set(ctx, key, value, ttl)
	i.record("set", resultOf(err), time.Since(start))
	return err
}

func (i *instrumentedService) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.impl.Delete(ctx, key)
	i.record("delete", resultOf(err), time.Since(start))
	return err
}

func (i *instrumentedService) InvalidatePattern(ctx context.Context, pattern string) (int64, error) {
	start := time.Now()
	deleted, err := i.impl.InvalidatePattern(ctx, pattern)
	i.record("invalidate_pattern", resultOf(err), time.Since(start))

	i.metrics.Counter("cache_keys_invalidated_total", nil).Add(float64(deleted))
	return deleted, err
}

func (i *instrumentedService) GetOrSet(ctx context.Context, key string, fetch types.FetchFunc, ttl time.Duration) (interface{}, error) {
	start := time.Now()
	value, err := i.impl.GetOrSet(ctx, key, fetch, ttl)
	i.record("get_or_set", resultOf(err), time.Since(start))
	return value, err
}

func (i *instrumentedService) GetWithStale(ctx context.Context, key string, fetch types.FetchFunc, freshTTL, staleTTL time.Duration) (interface{}, error) {
	start := time.Now()
	value, err := i.impl.GetWithStale(ctx, key, fetch, freshTTL, staleTTL)
	i.record("get_with_stale", resultOf(err), time.Since(start))
	return value, err
}

func (i *instrumentedService) TTL(ctx context.Context, key string) (time.Duration, bool) {
	return i.impl.TTL(ctx, key)
}

func (i *instrumentedService) CheckRateLimit(ctx context.Context, identifier string, limit int64, window time.Duration) types.RateLimitResult {
	result := i.impl.CheckRateLimit(ctx, identifier, limit, window)

	outcome := "allowed"
	if !result.Allowed {
		outcome = "limited"
	}
	i.metrics.Counter("rate_limit_checks_total", map[string]string{"result": outcome}).Inc()

	return result
}

func (i *instrumentedService) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	token, ok := i.impl.AcquireLock(ctx, key, ttl)

	outcome := "acquired"
	if !ok {
		outcome = "contended"
	}
	i.metrics.Counter("lock_acquisitions_total", map[string]string{"result": outcome}).Inc()

	return token, ok
}

func (i *instrumentedService) ReleaseLock(ctx context.Context, key string, token string) bool {
	return i.impl.ReleaseLock(ctx, key, token)
}

func (i *instrumentedService) Publish(ctx context.Context, channel string, message interface{}) error {
	return i.impl.Publish(ctx, channel, message)
}

func (i *instrumentedService) Subscribe(ctx context.Context, channel string, handler types.MessageHandler) (types.Subscription, error) {
	return i.impl.Subscribe(ctx, channel, handler)
}

func (i *instrumentedService) Start() error {
	return i.impl.Start()
}

func (i *instrumentedService) Stop() error {
	return i.impl.Stop()
}

func (i *instrumentedService) IsRunning() bool {
	return i.impl.IsRunning()
}

func (i *instrumentedService) record(operation, result string, duration time.Duration) {
	i.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	i.metrics.Histogram("cache_operation_duration_seconds", operationBuckets,
		map[string]string{"operation": operation}).Observe(duration.Seconds())
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
