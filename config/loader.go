package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.WrapError(err, "file not found: "+configPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := l.readFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, types.WrapError(err, "failed to parse YAML config")
	}
	normalizeDurations(raw)

	config := l.Defaults()
	if raw != nil {
		if err := utils.UnmarshalConfig(raw, config); err != nil {
			return nil, types.WrapError(err, "failed to decode config")
		}
	}

	if err := l.validator.Struct(config); err != nil {
		return nil, types.WrapError(err, "config validation failed")
	}

	return config, nil
}

// normalizeDurations rewrites "5s" style scalars into nanosecond counts
// in place, since the YAML decoder has no native duration support. Only
// strings time.ParseDuration accepts are touched; a bare "0" stays a
// string.
func normalizeDurations(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		for key, item := range v {
			v[key] = normalizeDurations(item)
		}
		return v
	case []interface{}:
		for i, item := range v {
			v[i] = normalizeDurations(item)
		}
		return v
	case string:
		if len(v) > 1 {
			if d, err := time.ParseDuration(v); err == nil {
				return int64(d)
			}
		}
		return v
	default:
		return v
	}
}

func (l *Loader) readFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "sai-cache",
		Version: "dev",
		Logger: &types.LoggerConfig{
			Type:  "zap",
			Level: "info",
		},
		Store: &types.StoreConfig{
			Type: "memory",
		},
		Cache: &types.CacheConfig{
			DefaultTTL:       time.Hour,
			OperationTimeout: 3 * time.Second,
		},
		Warmer: &types.WarmerConfig{
			Enabled:            true,
			MaxParallel:        5,
			BackgroundInterval: 10 * time.Minute,
			TaskTimeout:        30 * time.Second,
		},
		Invalidator: &types.InvalidatorConfig{
			HistorySize:      100,
			Channel:          "cache:invalidation",
			OperationTimeout: 5 * time.Second,
			SeedDefaultRules: true,
		},
		RateLimit: &types.RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  time.Minute,
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
			Type:    "prometheus",
		},
		Health: &types.HealthConfig{
			Enabled: true,
		},
	}
}
