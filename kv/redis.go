package kv

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type RedisConfig struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Password           string        `json:"password"`
	DB                 int           `json:"db"`
	PoolSize           int           `json:"pool_size"`
	MinIdleConnections int           `json:"min_idle_connections"`
	DialTimeout        time.Duration `json:"dial_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	KeyPrefix          string        `json:"key_prefix"`
	ScanCount          int64         `json:"scan_count"`
	ScanBatchSize      int           `json:"scan_batch_size"`
}

type RedisStore struct {
	ctx     context.Context
	logger  types.Logger
	config  *RedisConfig
	client  *redis.Client
	started int32
}

// releaseScript deletes the key only when its value matches ARGV[1], so
// an expired holder cannot release a lock re-acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func NewRedisStore(ctx context.Context, logger types.Logger, config *types.StoreConfig) (types.KVStore, error) {
	redisConfig := &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		DB:                 0,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "sai-cache",
		ScanCount:          200,
		ScanBatchSize:      100,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis store config")
		}
	}

	store := &RedisStore{
		ctx:    ctx,
		logger: logger,
		config: redisConfig,
	}

	store.client = redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  redisConfig.DialTimeout,
		ReadTimeout:  redisConfig.ReadTimeout,
		WriteTimeout: redisConfig.WriteTimeout,
	})

	if err := store.Ping(ctx); err != nil {
		return nil, types.WrapError(err, "failed to connect to redis")
	}

	return store, nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests.
func NewRedisStoreWithClient(ctx context.Context, logger types.Logger, client *redis.Client, keyPrefix string) types.KVStore {
	return &RedisStore{
		ctx:    ctx,
		logger: logger,
		config: &RedisConfig{
			KeyPrefix:     keyPrefix,
			ScanCount:     200,
			ScanBatchSize: 100,
		},
		client: client,
	}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, types.ErrCacheKeyEmpty
	}

	result, err := r.client.Get(ctx, r.buildFullKey(key)).Bytes()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, types.WrapError(err, "failed to get key")
	}

	return result, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	if err := r.client.Set(ctx, r.buildFullKey(key), value, ttl).Err(); err != nil {
		return types.WrapError(err, "failed to set key")
	}

	return nil
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	fullKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		if key != "" {
			fullKeys = append(fullKeys, r.buildFullKey(key))
		}
	}

	deleted, err := r.client.Del(ctx, fullKeys...).Result()
	if err != nil {
		return 0, types.WrapError(err, "failed to delete keys")
	}

	return deleted, nil
}

// Scan walks the keyspace with cursor-based SCAN and hands matching keys
// to fn in bounded batches. KEYS is never used: a full listing blocks
// the shared store under load.
func (r *RedisStore) Scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	if pattern == "" {
		return types.ErrInvalidParameter
	}

	fullPattern := r.buildFullKey(pattern)
	prefix := r.keyPrefixWithSeparator()

	var cursor uint64
	batch := make([]string, 0, r.config.ScanBatchSize)

	for {
		select {
		case <-ctx.Done():
			return types.WrapError(ctx.Err(), "scan cancelled")
		default:
		}

		keys, next, err := r.client.Scan(ctx, cursor, fullPattern, r.config.ScanCount).Result()
		if err != nil {
			return types.WrapError(err, "scan failed")
		}

		for _, key := range keys {
			batch = append(batch, strings.TrimPrefix(key, prefix))
			if len(batch) >= r.config.ScanBatchSize {
				if err := fn(batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if len(batch) > 0 {
		return fn(batch)
	}

	return nil
}

func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := r.client.TTL(ctx, r.buildFullKey(key)).Result()
	if err != nil {
		return 0, false, types.WrapError(err, "failed to get ttl")
	}

	// -2 means the key does not exist, -1 means no expiry.
	if d < 0 {
		return 0, false, nil
	}

	return d, true, nil
}

func (r *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	fullKey := r.buildFullKey(key)

	count, err := r.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return 0, 0, types.WrapError(err, "failed to increment counter")
	}

	if count == 1 {
		if err := r.client.Expire(ctx, fullKey, window).Err(); err != nil {
			r.logger.Warn("failed to set counter window", zap.String("key", key), zap.Error(err))
		}
		return count, window, nil
	}

	remaining, err := r.client.TTL(ctx, fullKey).Result()
	if err != nil || remaining < 0 {
		// The first increment may have lost the race to set the expiry.
		if err := r.client.Expire(ctx, fullKey, window).Err(); err != nil {
			r.logger.Warn("failed to repair counter window", zap.String("key", key), zap.Error(err))
		}
		remaining = window
	}

	return count, remaining, nil
}

func (r *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.buildFullKey(key), value, ttl).Result()
	if err != nil {
		return false, types.WrapError(err, "setnx failed")
	}

	return ok, nil
}

func (r *RedisStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	result, err := releaseScript.Run(ctx, r.client, []string{r.buildFullKey(key)}, utils.BytesToString(expected)).Int64()
	if err != nil {
		return false, types.WrapError(err, "compare-and-delete failed")
	}

	return result == 1, nil
}

func (r *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return types.WrapError(err, "publish failed")
	}

	return nil
}

func (r *RedisStore) Subscribe(ctx context.Context, channel string, handler types.MessageHandler) (types.Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, types.WrapError(err, "subscribe failed")
	}

	sub := &redisSubscription{pubsub: pubsub}
	go sub.consume(r.logger, handler)

	return sub, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return r.client.Ping(pingCtx).Err()
}

func (r *RedisStore) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return nil
	}

	r.logger.Info("Redis store started",
		zap.String("addr", r.client.Options().Addr),
		zap.String("key_prefix", r.config.KeyPrefix))

	return nil
}

func (r *RedisStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return nil
	}

	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close redis client", zap.Error(err))
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis store stopped")
	return nil
}

func (r *RedisStore) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisStore) buildFullKey(key string) string {
	if r.config.KeyPrefix != "" {
		return r.config.KeyPrefix + ":" + key
	}
	return key
}

func (r *RedisStore) keyPrefixWithSeparator() string {
	if r.config.KeyPrefix != "" {
		return r.config.KeyPrefix + ":"
	}
	return ""
}

type redisSubscription struct {
	pubsub *redis.PubSub
	closed int32
}

func (s *redisSubscription) consume(logger types.Logger, handler types.MessageHandler) {
	for msg := range s.pubsub.Channel() {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Panic in subscription handler",
						zap.String("channel", msg.Channel),
						zap.Any("panic", rec))
				}
			}()
			handler(msg.Channel, []byte(msg.Payload))
		}()
	}
}

func (s *redisSubscription) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	return s.pubsub.Close()
}
