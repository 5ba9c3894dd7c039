package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type PrometheusConfig struct {
	Namespace       string            `yaml:"namespace" json:"namespace"`
	Subsystem       string            `yaml:"subsystem" json:"subsystem"`
	Labels          map[string]string `yaml:"labels" json:"labels"`
	EnableGoMetrics bool              `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

type PrometheusMetrics struct {
	ctx        context.Context
	logger     types.Logger
	config     *PrometheusConfig
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.RWMutex
	running    int32
}

func NewPrometheusMetrics(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	promConfig := &PrometheusConfig{
		Namespace:       "sai_cache",
		Labels:          make(map[string]string),
		EnableGoMetrics: true,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, promConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal prometheus config")
		}
	}

	registry := prometheus.NewRegistry()
	if promConfig.EnableGoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	return &PrometheusMetrics{
		ctx:        ctx,
		logger:     logger,
		config:     promConfig,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}, nil
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	labelNames, labelValues := splitLabels(labels)

	p.mu.RLock()
	vec, exists := p.counters[name]
	p.mu.RUnlock()

	if !exists {
		p.mu.Lock()
		if vec, exists = p.counters[name]; !exists {
			vec = prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        name,
				Help:        name,
				ConstLabels: p.config.Labels,
			}, labelNames)

			if err := p.registry.Register(vec); err != nil {
				p.logger.Error("Failed to register counter",
					zap.String("name", name), zap.Error(err))
			}
			p.counters[name] = vec
		}
		p.mu.Unlock()
	}

	return &promCounter{counter: vec.WithLabelValues(labelValues...)}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	labelNames, labelValues := splitLabels(labels)

	p.mu.RLock()
	vec, exists := p.gauges[name]
	p.mu.RUnlock()

	if !exists {
		p.mu.Lock()
		if vec, exists = p.gauges[name]; !exists {
			vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        name,
				Help:        name,
				ConstLabels: p.config.Labels,
			}, labelNames)

			if err := p.registry.Register(vec); err != nil {
				p.logger.Error("Failed to register gauge",
					zap.String("name", name), zap.Error(err))
			}
			p.gauges[name] = vec
		}
		p.mu.Unlock()
	}

	return &promGauge{gauge: vec.WithLabelValues(labelValues...)}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	labelNames, labelValues := splitLabels(labels)

	p.mu.RLock()
	vec, exists := p.histograms[name]
	p.mu.RUnlock()

	if !exists {
		p.mu.Lock()
		if vec, exists = p.histograms[name]; !exists {
			vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        name,
				Help:        name,
				Buckets:     buckets,
				ConstLabels: p.config.Labels,
			}, labelNames)

			if err := p.registry.Register(vec); err != nil {
				p.logger.Error("Failed to register histogram",
					zap.String("name", name), zap.Error(err))
			}
			p.histograms[name] = vec
		}
		p.mu.Unlock()
	}

	return &promHistogram{histogram: vec.WithLabelValues(labelValues...).(prometheus.Histogram)}
}

func (p *PrometheusMetrics) Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}),
	)
}

func (p *PrometheusMetrics) GetMetrics() ([]byte, error) {
	families, err := p.registry.Gather()
	if err != nil {
		return nil, types.WrapError(err, "failed to gather metrics")
	}

	return utils.Marshal(families)
}

func (p *PrometheusMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return nil
	}

	p.logger.Info("Prometheus metrics started",
		zap.String("namespace", p.config.Namespace))

	return nil
}

func (p *PrometheusMetrics) Stop() error {
	atomic.StoreInt32(&p.running, 0)
	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

// splitLabels returns names sorted and values in matching order, so a
// metric name always maps to one label arity.
func splitLabels(labels map[string]string) ([]string, []string) {
	if len(labels) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]string, len(names))
	for i, name := range names {
		values[i] = labels[name]
	}

	return names, values
}

type promCounter struct {
	counter prometheus.Counter
}

func (c *promCounter) Inc()              { c.counter.Inc() }
func (c *promCounter) Add(value float64) { c.counter.Add(value) }

func (c *promCounter) Get() float64 {
	m := &dto.Metric{}
	if err := c.counter.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (g *promGauge) Set(value float64) { g.gauge.Set(value) }
func (g *promGauge) Inc()              { g.gauge.Inc() }
func (g *promGauge) Dec()              { g.gauge.Dec() }

func (g *promGauge) Get() float64 {
	m := &dto.Metric{}
	if err := g.gauge.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

type promHistogram struct {
	histogram prometheus.Histogram
}

func (h *promHistogram) Observe(value float64) { h.histogram.Observe(value) }

func (h *promHistogram) ObserveDuration(start time.Time) {
	h.histogram.Observe(time.Since(start).Seconds())
}

func (h *promHistogram) GetCount() uint64 {
	m := &dto.Metric{}
	if err := h.histogram.Write(m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func (h *promHistogram) GetSum() float64 {
	m := &dto.Metric{}
	if err := h.histogram.Write(m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleSum()
}
