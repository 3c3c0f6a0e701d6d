// Package metrics exposes the Prometheus counters/gauges for the
// offline payment core: sync batch outcomes, duplicate-guard hit
// rate, and reconciliation HTTP traffic, collected into their own
// registry per process namespace.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the offline core and its
// reconciliation server emit.
type Metrics struct {
	SyncBatchesTotal      *prometheus.CounterVec
	SyncTransactionsTotal *prometheus.CounterVec
	SyncBatchDuration     prometheus.Histogram
	QuarantinedTotal      prometheus.Counter

	DuplicateGuardHitsTotal   prometheus.Counter
	DuplicateGuardMissesTotal prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	Registry *prometheus.Registry
}

var (
	global *Metrics
	once   sync.Once
)

// New creates and registers every collector under its own registry, so
// a device process and the reconciliation server can each run their
// own instance without colliding with the default global registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	registry.MustRegister(prometheus.NewGoCollector())

	return &Metrics{
		Registry: registry,

		SyncBatchesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_batches_total",
				Help:      "Total number of offline sync batches uploaded, by result",
			},
			[]string{"result"}, // ok, transient_error
		),

		SyncTransactionsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_transactions_total",
				Help:      "Total number of offline transactions processed by a sync batch, by outcome",
			},
			[]string{"outcome"}, // accepted, duplicate, rejected, transient
		),

		SyncBatchDuration: promauto.With(registry).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_batch_duration_seconds",
				Help:      "Duration of a single sync batch upload, in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		QuarantinedTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quarantined_transactions_total",
				Help:      "Total number of transactions moved to the quarantined sub-state",
			},
		),

		DuplicateGuardHitsTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_guard_hits_total",
				Help:      "Total number of DuplicateGuard.Contains calls that found an unexpired entry",
			},
		),

		DuplicateGuardMissesTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_guard_misses_total",
				Help:      "Total number of DuplicateGuard.Contains calls that found no unexpired entry",
			},
		),

		HTTPRequestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of reconciliation server HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Reconciliation server HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
	}
}

// Init lazily creates the process-wide Metrics instance shared by the
// entrypoint and every component that records to it.
func Init(namespace string) *Metrics {
	once.Do(func() {
		global = New(namespace)
	})
	return global
}

// GinMiddleware records request count and latency per route, labeling
// by the route template (c.FullPath) rather than the raw URL so wallet
// ids never become label values.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// HitRatio reports the duplicate guard's observed hit ratio, or 0 when
// no lookups have been recorded yet.
func (m *Metrics) HitRatio() float64 {
	hits := getCounterValue(m.DuplicateGuardHitsTotal)
	misses := getCounterValue(m.DuplicateGuardMissesTotal)
	total := hits + misses
	if total == 0 {
		return 0
	}
	return hits / total
}

func getCounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	if m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}
