package cache

import (
	"context"

	"github.com/saiset-co/sai-cache/types"
)

// NewService builds the cache service over a KV store. Passing a
// metrics manager wraps it with operation instrumentation.
func NewService(ctx context.Context, logger types.Logger, store types.KVStore, config *types.CacheConfig, metrics types.MetricsManager) (types.CacheService, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	var service types.CacheService = newService(ctx, logger, store, config)

	if metrics != nil {
		service = newInstrumentedService(metrics, service)
	}

	return service, nil
}
