// Package telemetry exposes keyward's Prometheus metrics. A nil *Metrics is
// valid and records nothing, so components can be built without metrics in
// tests and CLI commands.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keyward"

// Metrics holds every collector keyward registers.
type Metrics struct {
	registry *prometheus.Registry

	validations        *prometheus.CounterVec
	validationDuration prometheus.Histogram
	rateLimitFailOpen  prometheus.Counter
	cacheRequests      *prometheus.CounterVec
	lifecycle          *prometheus.CounterVec
	keysByStatus       *prometheus.GaugeVec
}

// New creates a Metrics instance backed by its own registry, with the Go
// runtime and process collectors included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apikey_validations_total",
			Help:      "API key validations by result.",
		}, []string{"result"}),
		validationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apikey_validation_duration_seconds",
			Help:      "Time spent validating an API key.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		rateLimitFailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_fail_open_total",
			Help:      "Requests allowed because the counter store was unavailable.",
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Key cache lookups by result (hit, miss, error).",
		}, []string{"result"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apikey_lifecycle_total",
			Help:      "API key lifecycle operations by type.",
		}, []string{"operation"}),
		keysByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "apikeys",
			Help:      "Number of stored API keys by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.validations, m.validationDuration, m.rateLimitFailOpen,
		m.cacheRequests, m.lifecycle, m.keysByStatus)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveValidation records one validation outcome. result is "ok" or a
// rejection reason code.
func (m *Metrics) ObserveValidation(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(result).Inc()
	m.validationDuration.Observe(d.Seconds())
}

// RateLimitFailOpen counts a request let through by a failing counter store.
func (m *Metrics) RateLimitFailOpen() {
	if m == nil {
		return
	}
	m.rateLimitFailOpen.Inc()
}

// CacheRequest counts a key cache lookup.
func (m *Metrics) CacheRequest(result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

// Lifecycle counts an administrative key operation (generate, rotate, ...).
func (m *Metrics) Lifecycle(operation string) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(operation).Inc()
}

// SetKeyCounts replaces the per-status key gauge.
func (m *Metrics) SetKeyCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.keysByStatus.Reset()
	for status, n := range counts {
		m.keysByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// CountsFunc gathers the current number of keys per status.
type CountsFunc func(ctx context.Context) (map[string]int, error)

// Poller periodically refreshes the key-status gauge.
type Poller struct {
	metrics  *Metrics
	countsFn CountsFunc
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a Poller. It returns nil when metrics are disabled.
func NewPoller(m *Metrics, countsFn CountsFunc, interval time.Duration) *Poller {
	if m == nil || countsFn == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{metrics: m, countsFn: countsFn, interval: interval}
}

// Start refreshes immediately and then on every interval. Non-blocking.
func (p *Poller) Start() {
	if p == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		p.refresh(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.refresh(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the background loop.
func (p *Poller) Shutdown() {
	if p == nil {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	counts, err := p.countsFn(ctx)
	if err != nil {
		return // keep the previous values
	}
	p.metrics.SetKeyCounts(counts)
}
