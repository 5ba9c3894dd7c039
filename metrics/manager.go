package metrics

import (
	"context"

	"github.com/saiset-co/sai-cache/types"
)

var customMetricsCreators = make(map[string]types.MetricsManagerCreator)

// RegisterMetrics makes a custom metrics backend available to NewMetrics
// under the given type name.
func RegisterMetrics(metricsType string, creator types.MetricsManagerCreator) {
	customMetricsCreators[metricsType] = creator
}

func NewMetrics(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	if !config.Enabled {
		return NewNoopMetrics(ctx, logger, config)
	}

	metricsType := config.Type
	if metricsType == "" {
		metricsType = "prometheus"
	}

	switch metricsType {
	case "prometheus":
		return NewPrometheusMetrics(ctx, logger, config)
	case "noop":
		return NewNoopMetrics(ctx, logger, config)
	default:
		if creator, exists := customMetricsCreators[metricsType]; exists {
			return creator(config.Config)
		}
		return nil, types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", metricsType)
	}
}
