package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the auth-service collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ops          *prometheus.CounterVec
	opDuration   *prometheus.HistogramVec
	cacheErrors  *prometheus.CounterVec
	rateLimited  prometheus.Counter
	sweepDeleted *prometheus.CounterVec
	sweepErrors  prometheus.Counter
	sweepLoopDur prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_operations_total", Help: "Auth operations by name and outcome",
		}, []string{"operation", "outcome"}),
		opDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "auth_operation_duration_seconds", Help: "Auth operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		cacheErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_cache_errors_total", Help: "Fast-path cache failures absorbed by the store fallback",
		}, []string{"operation"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "auth_login_rate_limited_total", Help: "Login attempts rejected by the rate limiter",
		}),
		sweepDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_sweep_deleted_total", Help: "Rows deleted by the expiry sweep",
		}, []string{"table"}),
		sweepErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "auth_sweep_errors_total", Help: "Errors in the expiry sweep",
		}),
		sweepLoopDur: f.NewHistogram(prometheus.HistogramOpts{
			Name: "auth_sweep_duration_seconds", Help: "Expiry sweep duration",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) ObserveOperation(operation, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(operation, outcome).Inc()
	m.opDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) CacheError(operation string) {
	if m == nil {
		return
	}
	m.cacheErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) SweepDeleted(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepDeleted.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) SweepError() {
	if m == nil {
		return
	}
	m.sweepErrors.Inc()
}

func (m *Metrics) ObserveSweep(started time.Time) {
	if m == nil {
		return
	}
	m.sweepLoopDur.Observe(time.Since(started).Seconds())
}

func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
