package observability

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// latencyBucketBounds are the upper bounds (milliseconds) of the fixed
// latency histogram. The final implicit bucket is +Inf. These bounds are
// ABI for dashboards; do not reorder or change them.
var latencyBucketBounds = []float64{10, 50, 100, 500, 1000}

// Breaker state values exposed by the provider_health gauge.
const (
	HealthClosed   = 1.0
	HealthHalfOpen = 0.5
	HealthOpen     = 0.0
)

// Metrics holds the Prometheus series of the request pipeline plus parallel
// atomic latency buckets used to derive percentiles for the admin endpoint
// without scraping the registry.
type Metrics struct {
	promRequests       *prometheus.CounterVec // {provider, method}
	promByStatus       *prometheus.CounterVec // {provider, method, status}
	promSuccess        *prometheus.CounterVec // {provider}
	promFailure        *prometheus.CounterVec // {provider}
	promErrors         *prometheus.CounterVec // {provider, error_type}
	promLatency        *prometheus.HistogramVec
	promActiveConns    *prometheus.GaugeVec // {provider}
	promProviderHealth *prometheus.GaugeVec // {provider}

	mu        sync.RWMutex
	latencies map[string]*latencyHist
}

// latencyHist is a lock-free fixed-bucket histogram. buckets[i] counts
// observations <= latencyBucketBounds[i]; buckets[len] is the +Inf bucket.
type latencyHist struct {
	buckets [6]int64
	sumMS   int64
	count   int64
}

func (h *latencyHist) observe(ms float64) {
	idx := len(latencyBucketBounds)
	for i, bound := range latencyBucketBounds {
		if ms <= bound {
			idx = i
			break
		}
	}
	atomic.AddInt64(&h.buckets[idx], 1)
	atomic.AddInt64(&h.sumMS, int64(ms))
	atomic.AddInt64(&h.count, 1)
}

// percentile returns the upper bound of the bucket containing quantile q by
// a linear scan over the bucket CDF. The +Inf bucket saturates at the last
// finite bound (1000 ms). Returns 0 when the histogram is empty.
func (h *latencyHist) percentile(q float64) float64 {
	total := atomic.LoadInt64(&h.count)
	if total == 0 {
		return 0
	}
	target := int64(q * float64(total))
	if target < 1 {
		target = 1
	}

	var cum int64
	for i := range h.buckets {
		cum += atomic.LoadInt64(&h.buckets[i])
		if cum >= target {
			if i < len(latencyBucketBounds) {
				return latencyBucketBounds[i]
			}
			return latencyBucketBounds[len(latencyBucketBounds)-1]
		}
	}
	return latencyBucketBounds[len(latencyBucketBounds)-1]
}

// NewMetrics creates and registers the gateway's Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		latencies: make(map[string]*latencyHist),
		promRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Total requests received, by provider and method.",
		}, []string{"provider", "method"}),
		promByStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_by_status",
			Help:      "Requests by final HTTP status.",
		}, []string{"provider", "method", "status"}),
		promSuccess: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_success_total",
			Help:      "Requests that completed with status < 500.",
		}, []string{"provider"}),
		promFailure: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_failure_total",
			Help:      "Requests that failed (transport error or status >= 500).",
		}, []string{"provider"}),
		promErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_error_total",
			Help:      "Requests by error classification.",
		}, []string{"provider", "error_type"}),
		promLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "request_latency_ms",
			Help:      "Request latency in milliseconds.",
			Buckets:   latencyBucketBounds,
		}, []string{"provider"}),
		promActiveConns: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "active_connections",
			Help:      "In-flight requests per provider.",
		}, []string{"provider"}),
		promProviderHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "provider_health",
			Help:      "Breaker health per provider: 1 closed, 0.5 half-open, 0 open.",
		}, []string{"provider"}),
	}
}

// IncRequest counts an incoming request.
func (m *Metrics) IncRequest(provider, method string) {
	m.promRequests.WithLabelValues(provider, method).Inc()
}

// IncStatus counts a finished request by final status.
func (m *Metrics) IncStatus(provider, method, status string) {
	m.promByStatus.WithLabelValues(provider, method, status).Inc()
}

// IncSuccess counts a request whose upstream outcome was a success.
func (m *Metrics) IncSuccess(provider string) {
	m.promSuccess.WithLabelValues(provider).Inc()
}

// IncFailure counts a request whose upstream outcome was a failure.
func (m *Metrics) IncFailure(provider string) {
	m.promFailure.WithLabelValues(provider).Inc()
}

// IncError counts a request by its error classification. cache_hit is
// recorded under the same label dimension and is not an error.
func (m *Metrics) IncError(provider, errorType string) {
	m.promErrors.WithLabelValues(provider, errorType).Inc()
}

// ObserveLatency records a request latency in milliseconds.
func (m *Metrics) ObserveLatency(provider string, ms float64) {
	m.promLatency.WithLabelValues(provider).Observe(ms)
	m.hist(provider).observe(ms)
}

// IncActive increments the in-flight gauge for a provider.
func (m *Metrics) IncActive(provider string) {
	m.promActiveConns.WithLabelValues(provider).Inc()
}

// DecActive decrements the in-flight gauge for a provider.
func (m *Metrics) DecActive(provider string) {
	m.promActiveConns.WithLabelValues(provider).Dec()
}

// SetProviderHealth publishes the breaker health value for a provider.
func (m *Metrics) SetProviderHealth(provider string, v float64) {
	m.promProviderHealth.WithLabelValues(provider).Set(v)
}

func (m *Metrics) hist(provider string) *latencyHist {
	m.mu.RLock()
	h, ok := m.latencies[provider]
	m.mu.RUnlock()
	if ok {
		return h
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.latencies[provider]; ok {
		return h
	}
	h = &latencyHist{}
	m.latencies[provider] = h
	return h
}

// LatencySnapshot is a point-in-time view of one provider's latency
// distribution. Percentiles are bucket upper bounds, not exact values.
type LatencySnapshot struct {
	Count   int64   `json:"count"`
	SumMS   int64   `json:"sum_ms"`
	P50     float64 `json:"p50_ms"`
	P95     float64 `json:"p95_ms"`
	P99     float64 `json:"p99_ms"`
	Buckets []int64 `json:"buckets"`
}

// LatencySnapshots returns per-provider latency snapshots for the admin API.
func (m *Metrics) LatencySnapshots() map[string]LatencySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]LatencySnapshot, len(m.latencies))
	for provider, h := range m.latencies {
		buckets := make([]int64, len(h.buckets))
		for i := range h.buckets {
			buckets[i] = atomic.LoadInt64(&h.buckets[i])
		}
		out[provider] = LatencySnapshot{
			Count:   atomic.LoadInt64(&h.count),
			SumMS:   atomic.LoadInt64(&h.sumMS),
			P50:     h.percentile(0.50),
			P95:     h.percentile(0.95),
			P99:     h.percentile(0.99),
			Buckets: buckets,
		}
	}
	return out
}
