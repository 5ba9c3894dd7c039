package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrStoreConnectionFailed = errors.New("store connection failed")
	ErrStoreUnavailable      = errors.New("store unavailable")
	ErrStoreTypeUnknown      = errors.New("store type unknown")
	ErrStoreKeyNotFound      = errors.New("store key not found")
	ErrStoreClosed           = errors.New("store closed")
)

var (
	ErrCacheKeyEmpty        = errors.New("cache key empty")
	ErrCacheOperationFailed = errors.New("cache operation failed")
	ErrCacheFetchFailed     = errors.New("cache fetch failed")
	ErrCacheIsDisabled      = errors.New("cache service is disabled")
)

var (
	ErrWarmerTaskKeyEmpty    = errors.New("warming task key empty")
	ErrWarmerTaskFetchIsNil  = errors.New("warming task fetcher is nil")
	ErrWarmerTaskTimeout     = errors.New("warming task timeout")
	ErrWarmerAlreadyWarming  = errors.New("background warming already started")
	ErrWarmerNotWarming      = errors.New("background warming not started")
	ErrWarmerScheduleInvalid = errors.New("warming schedule invalid")
)

var (
	ErrRuleEntityEmpty    = errors.New("invalidation rule entity empty")
	ErrRuleHasNoPatterns  = errors.New("invalidation rule has no patterns")
	ErrInvalidationFailed = errors.New("invalidation failed")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrMetricsIsDisabled  = errors.New("metrics manager is disabled")
)

var (
	ErrHealthCheckFailed  = errors.New("health check failed")
	ErrHealthCheckTimeout = errors.New("health check timeout")
)

var (
	ErrLogFileIsEmpty     = errors.New("log file is empty")
	ErrLogFileWrongFormat = errors.New("log file wrong format")
	ErrLoggerTypeUnknown  = errors.New("logger type unknown")
)

var (
	ErrServiceIsRunning     = errors.New("service is running")
	ErrServiceIsNotRunning  = errors.New("service is not running")
	ErrComponentStartFailed = errors.New("component start failed")
	ErrComponentStopFailed  = errors.New("component stop failed")
	ErrAlreadyRunning       = errors.New("already running")
	ErrNotRunning           = errors.New("not running")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrContextCancelled = errors.New("context cancelled")
	ErrContextTimeout   = errors.New("context timeout")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
