package metrics

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-cache/types"
)

// NoopMetrics satisfies MetricsManager while recording nothing. Used
// when metrics are disabled so callers never branch on nil.
type NoopMetrics struct{}

func NewNoopMetrics(_ context.Context, _ types.Logger, _ *types.MetricsConfig) (types.MetricsManager, error) {
	return &NoopMetrics{}, nil
}

func (n *NoopMetrics) Counter(string, map[string]string) types.Counter { return noopCounter{} }
func (n *NoopMetrics) Gauge(string, map[string]string) types.Gauge     { return noopGauge{} }
func (n *NoopMetrics) Histogram(string, []float64, map[string]string) types.Histogram {
	return noopHistogram{}
}

func (n *NoopMetrics) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (n *NoopMetrics) GetMetrics() ([]byte, error) { return []byte("{}"), nil }

func (n *NoopMetrics) Start() error    { return nil }
func (n *NoopMetrics) Stop() error     { return nil }
func (n *NoopMetrics) IsRunning() bool { return true }

type noopCounter struct{}

func (noopCounter) Inc()         {}
func (noopCounter) Add(float64)  {}
func (noopCounter) Get() float64 { return 0 }

type noopGauge struct{}

func (noopGauge) Set(float64) {}
func (noopGauge) Inc()        {}
func (noopGauge) Dec()        {}
func (noopGauge) Get() float64 {
	return 0
}

type noopHistogram struct{}

func (noopHistogram) Observe(float64)            {}
func (noopHistogram) ObserveDuration(time.Time)  {}
func (noopHistogram) GetCount() uint64           { return 0 }
func (noopHistogram) GetSum() float64            { return 0 }
