package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const (
	staleSuffix     = ":stale"
	rateLimitPrefix = "ratelimit:"
	lockPrefix      = "lock:"
)

// Service is the shared cache surface. Store failures degrade to a miss
// or a permissive result instead of reaching callers; only fetcher
// errors propagate, and those to the caller that requested fresh data.
type Service struct {
	ctx          context.Context
	logger       types.Logger
	store        types.KVStore
	config       *types.CacheConfig
	refreshGroup singleflight.Group
	started      int32
}

func newService(ctx context.Context, logger types.Logger, store types.KVStore, config *types.CacheConfig) *Service {
	return &Service{
		ctx:    ctx,
		logger: logger,
		store:  store,
		config: config,
	}
}

func (s *Service) Get(ctx context.Context, key string) (interface{}, bool) {
	if key == "" {
		return nil, false
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	data, found, err := s.store.Get(opCtx, key)
	if err != nil {
		s.logger.Warn("cache degraded to miss: store read failed",
			zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal(data, &entry); err != nil {
		s.logger.Error("failed to unmarshal cache entry, dropping it",
			zap.String("key", key), zap.Error(err))
		if _, err := s.store.Delete(opCtx, key); err != nil {
			s.logger.Warn("failed to drop corrupt cache entry",
				zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	// The store owns expiry, but an entry the janitor has not reached
	// yet is still a miss.
	if !entry.FreshExpiresAt.IsZero() && time.Now().After(entry.FreshExpiresAt) {
		return nil, false
	}

	return entry.Value, true
}

func (s *Service) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	return s.write(ctx, key, value, ttl, time.Time{})
}

func (s *Service) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := s.store.Delete(opCtx, key); err != nil {
		s.logger.Warn("cache degraded to no-op: delete failed",
			zap.String("key", key), zap.Error(err))
	}

	return nil
}

// InvalidatePattern enumerates matching keys with a cursor scan and
// deletes them in small batches, so a wide pattern cannot stall the
// shared store.
func (s *Service) InvalidatePattern(ctx context.Context, pattern string) (int64, error) {
	if pattern == "" {
		return 0, types.ErrInvalidParameter
	}

	var deleted int64

	err := s.store.Scan(ctx, pattern, func(keys []string) error {
		opCtx, cancel := s.opContext(ctx)
		defer cancel()

		n, err := s.store.Delete(opCtx, keys...)
		deleted += n
		return err
	})
	if err != nil {
		s.logger.Warn("pattern invalidation degraded: scan or delete failed",
			zap.String("pattern", pattern),
			zap.Int64("deleted_before_failure", deleted),
			zap.Error(err))
	}

	return deleted, nil
}

func (s *Service) GetOrSet(ctx context.Context, key string, fetch types.FetchFunc, ttl time.Duration) (interface{}, error) {
	if value, found := s.Get(ctx, key); found {
		return value, nil
	}

	value, err := fetch(ctx)
	if err != nil {
		return nil, types.WrapError(err, "fetch failed")
	}

	if err := s.Set(ctx, key, value, ttl); err != nil {
		s.logger.Warn("failed to store fetched value",
			zap.String("key", key), zap.Error(err))
	}

	return value, nil
}

// GetWithStale bounds tail latency: a fresh hit returns immediately, a
// stale hit returns immediately while a detached refresh runs, and only
// a true cold start pays for a synchronous fetch.
func (s *Service) GetWithStale(ctx context.Context, key string, fetch types.FetchFunc, freshTTL, staleTTL time.Duration) (interface{}, error) {
	if key == "" {
		return nil, types.ErrCacheKeyEmpty
	}

	if staleTTL < freshTTL {
		staleTTL = freshTTL
	}

	if value, found := s.Get(ctx, key); found {
		return value, nil
	}

	if value, found := s.Get(ctx, key+staleSuffix); found {
		s.refreshInBackground(key, fetch, freshTTL, staleTTL)
		return value, nil
	}

	value, err := fetch(ctx)
	if err != nil {
		return nil, types.WrapError(err, "fetch failed")
	}

	s.writeBothTiers(ctx, key, value, freshTTL, staleTTL)

	return value, nil
}

// refreshInBackground spawns a detached, deduplicated refresh. It is
// never awaited by the read path and its failures stay inside its own
// error boundary.
func (s *Service) refreshInBackground(key string, fetch types.FetchFunc, freshTTL, staleTTL time.Duration) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic in background cache refresh",
					zap.String("key", key), zap.Any("panic", rec))
			}
		}()

		_, err, _ := s.refreshGroup.Do(key, func() (interface{}, error) {
			refreshCtx, cancel := context.WithTimeout(s.ctx, s.refreshTimeout())
			defer cancel()

			value, err := fetch(refreshCtx)
			if err != nil {
				return nil, err
			}

			s.writeBothTiers(refreshCtx, key, value, freshTTL, staleTTL)
			return value, nil
		})
		if err != nil {
			s.logger.Warn("background cache refresh failed, stale value remains",
				zap.String("key", key), zap.Error(err))
		}
	}()
}

func (s *Service) TTL(ctx context.Context, key string) (time.Duration, bool) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	remaining, found, err := s.store.TTL(opCtx, key)
	if err != nil {
		s.logger.Warn("cache degraded: ttl lookup failed",
			zap.String("key", key), zap.Error(err))
		return 0, false
	}

	return remaining, found
}

// CheckRateLimit counts in a fixed window aligned to first use. A store
// failure degrades to allow so an infrastructure outage cannot become a
// request-rejection outage.
func (s *Service) CheckRateLimit(ctx context.Context, identifier string, limit int64, window time.Duration) types.RateLimitResult {
	now := time.Now()

	permissive := types.RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetIn:   window,
		ResetAt:   now.Add(window),
	}

	if identifier == "" || limit <= 0 || window <= 0 {
		return permissive
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	count, remainingWindow, err := s.store.Increment(opCtx, rateLimitPrefix+identifier, window)
	if err != nil {
		s.logger.Warn("rate limit degraded to allow: store unavailable",
			zap.String("identifier", identifier), zap.Error(err))
		return permissive
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return types.RateLimitResult{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetIn:   remainingWindow,
		ResetAt:   now.Add(remainingWindow),
	}
}

// AcquireLock never blocks: contention returns ok=false immediately. On
// store failure the lock degrades to permissive and grants the token.
func (s *Service) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	if key == "" {
		return "", false
	}

	token := uuid.NewString()

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	ok, err := s.store.SetNX(opCtx, lockPrefix+key, []byte(token), ttl)
	if err != nil {
		s.logger.Warn("lock degraded to permissive: store unavailable",
			zap.String("key", key), zap.Error(err))
		return token, true
	}

	if !ok {
		return "", false
	}

	return token, true
}

func (s *Service) ReleaseLock(ctx context.Context, key string, token string) bool {
	if key == "" || token == "" {
		return false
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	ok, err := s.store.CompareAndDelete(opCtx, lockPrefix+key, []byte(token))
	if err != nil {
		s.logger.Error("lock release failed",
			zap.String("key", key), zap.Error(err))
		return false
	}

	return ok
}

func (s *Service) Publish(ctx context.Context, channel string, message interface{}) error {
	payload, err := utils.Marshal(message)
	if err != nil {
		return types.WrapError(err, "failed to marshal message")
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	return s.store.Publish(opCtx, channel, payload)
}

func (s *Service) Subscribe(ctx context.Context, channel string, handler types.MessageHandler) (types.Subscription, error) {
	return s.store.Subscribe(ctx, channel, handler)
}

func (s *Service) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	s.logger.Info("Cache service started",
		zap.Duration("default_ttl", s.config.DefaultTTL),
		zap.Duration("operation_timeout", s.config.OperationTimeout))

	return nil
}

func (s *Service) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.started, 1, 0) {
		return nil
	}

	s.logger.Info("Cache service stopped")
	return nil
}

func (s *Service) IsRunning() bool {
	return atomic.LoadInt32(&s.started) == 1
}

func (s *Service) write(ctx context.Context, key string, value interface{}, ttl time.Duration, staleExpiresAt time.Time) error {
	now := time.Now()
	entry := &types.CacheEntry{
		Key:            key,
		Value:          value,
		CreatedAt:      now,
		FreshExpiresAt: now.Add(ttl),
		StaleExpiresAt: staleExpiresAt,
	}

	data, err := utils.Marshal(entry)
	if err != nil {
		return types.WrapError(err, "failed to marshal cache entry")
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.store.Set(opCtx, key, data, ttl); err != nil {
		s.logger.Warn("cache degraded to no-op: store write failed",
			zap.String("key", key), zap.Error(err))
	}

	return nil
}

func (s *Service) writeBothTiers(ctx context.Context, key string, value interface{}, freshTTL, staleTTL time.Duration) {
	staleExpiresAt := time.Now().Add(staleTTL)

	if err := s.write(ctx, key, value, freshTTL, staleExpiresAt); err != nil {
		s.logger.Warn("failed to write fresh tier",
			zap.String("key", key), zap.Error(err))
	}

	if err := s.write(ctx, key+staleSuffix, value, staleTTL, staleExpiresAt); err != nil {
		s.logger.Warn("failed to write stale tier",
			zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = s.ctx
	}
	if s.config.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func (s *Service) refreshTimeout() time.Duration {
	if s.config.OperationTimeout > 0 {
		// Refreshes call domain fetchers, which are slower than single
		// store round trips.
		return 10 * s.config.OperationTimeout
	}
	return 30 * time.Second
}
