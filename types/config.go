package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
}

type ServiceConfig struct {
	Name        string             `yaml:"name" json:"name" validate:"required"`
	Version     string             `yaml:"version" json:"version"`
	Logger      *LoggerConfig      `yaml:"logger" json:"logger"`
	Store       *StoreConfig       `yaml:"store" json:"store"`
	Cache       *CacheConfig       `yaml:"cache" json:"cache"`
	Warmer      *WarmerConfig      `yaml:"warmer" json:"warmer"`
	Invalidator *InvalidatorConfig `yaml:"invalidator" json:"invalidator"`
	RateLimit   *RateLimitConfig   `yaml:"rate_limit" json:"rate_limit"`
	Metrics     *MetricsConfig     `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig      `yaml:"health" json:"health"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type StoreConfig struct {
	Type   string      `yaml:"type" json:"type" validate:"required,oneof=redis memory"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	DefaultTTL       time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
	OperationTimeout time.Duration `yaml:"operation_timeout" json:"operation_timeout" validate:"min=0"`
}

type WarmerConfig struct {
	Enabled            bool          `yaml:"enabled" json:"enabled"`
	MaxParallel        int           `yaml:"max_parallel" json:"max_parallel" validate:"min=0"`
	BackgroundInterval time.Duration `yaml:"background_interval" json:"background_interval" validate:"min=0"`
	TaskTimeout        time.Duration `yaml:"task_timeout" json:"task_timeout" validate:"min=0"`
}

type InvalidatorConfig struct {
	HistorySize      int           `yaml:"history_size" json:"history_size" validate:"min=0"`
	Channel          string        `yaml:"channel" json:"channel"`
	OperationTimeout time.Duration `yaml:"operation_timeout" json:"operation_timeout" validate:"min=0"`
	SeedDefaultRules bool          `yaml:"seed_default_rules" json:"seed_default_rules"`
}

type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Limit         int64         `yaml:"limit" json:"limit" validate:"min=0"`
	Window        time.Duration `yaml:"window" json:"window" validate:"min=0"`
	IncludeMethod bool          `yaml:"include_method" json:"include_method"`
}

type MetricsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type"`
	Config  interface{} `yaml:"config" json:"config"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}
