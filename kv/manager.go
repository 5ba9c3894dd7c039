package kv

import (
	"context"

	"github.com/saiset-co/sai-cache/types"
)

var customStoreCreators = make(map[string]types.KVStoreCreator)

// RegisterStore makes a custom backend available to NewStore under the
// given type name.
func RegisterStore(storeName string, creator types.KVStoreCreator) {
	customStoreCreators[storeName] = creator
}

func NewStore(ctx context.Context, logger types.Logger, config *types.StoreConfig) (types.KVStore, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	switch config.Type {
	case "memory":
		return NewMemoryStore(ctx, logger, config)
	case "redis":
		return NewRedisStore(ctx, logger, config)
	default:
		if creator, exists := customStoreCreators[config.Type]; exists {
			return creator(config.Config)
		}
		return nil, types.Errorf(types.ErrStoreTypeUnknown, "type: %s", config.Type)
	}
}
