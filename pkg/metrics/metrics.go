// Package metrics publishes Prometheus metrics for cache, routing and
// optimizer activity.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callopt"

// Recorder publishes Prometheus metrics. It satisfies the observer hooks of
// the cache store and the router. All methods are safe on a nil Recorder.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheLookups        *prometheus.CounterVec
	cacheStores         *prometheus.CounterVec
	cacheEvictions      prometheus.Counter
	cacheExpirations    prometheus.Counter
	cacheDecodeFailures prometheus.Counter

	selections *prometheus.CounterVec
	calls      *prometheus.CounterVec
	generation *prometheus.HistogramVec
}

// NewRecorder constructs a Recorder. When reg is nil a dedicated registry is
// created so several recorders can coexist.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	r := &Recorder{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		cacheStores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "stores_total",
			Help:      "Cache writes by value encoding.",
		}, []string{"encoding"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries evicted to stay within capacity.",
		}),
		cacheExpirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "expirations_total",
			Help:      "Entries removed after their TTL elapsed.",
		}),
		cacheDecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "decode_failures_total",
			Help:      "Compacted values that failed to decode and were served raw.",
		}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "selections_total",
			Help:      "Model selections by model, task type and tier.",
		}, []string{"model", "task_type", "tier"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "calls_total",
			Help:      "Optimize calls by outcome.",
		}, []string{"outcome"}),
		generation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "generation_duration_seconds",
			Help:      "Latency of the generation function by model.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
	}

	reg.MustRegister(
		r.cacheLookups, r.cacheStores, r.cacheEvictions, r.cacheExpirations,
		r.cacheDecodeFailures, r.selections, r.calls, r.generation,
	)
	r.gatherer = reg
	r.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return r
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCacheLookup counts a cache lookup by result: hit, miss, expired or corrupt.
func (r *Recorder) ObserveCacheLookup(result string) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(normalizeLabel(result)).Inc()
}

// ObserveCacheStore counts a cache write by value encoding.
func (r *Recorder) ObserveCacheStore(encoding string) {
	if r == nil {
		return
	}
	r.cacheStores.WithLabelValues(normalizeLabel(encoding)).Inc()
}

// ObserveCacheEvictions adds n capacity evictions.
func (r *Recorder) ObserveCacheEvictions(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.cacheEvictions.Add(float64(n))
}

// ObserveCacheExpirations adds n entries dropped for exceeding their TTL.
func (r *Recorder) ObserveCacheExpirations(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.cacheExpirations.Add(float64(n))
}

// ObserveCacheDecodeFailure counts a compacted value that failed to decode.
func (r *Recorder) ObserveCacheDecodeFailure() {
	if r == nil {
		return
	}
	r.cacheDecodeFailures.Inc()
}

// ObserveModelSelection counts one routing decision.
func (r *Recorder) ObserveModelSelection(model, taskType, tier string) {
	if r == nil {
		return
	}
	r.selections.WithLabelValues(normalizeLabel(model), normalizeLabel(taskType), normalizeLabel(tier)).Inc()
}

// ObserveCall records the outcome of one Optimize call.
func (r *Recorder) ObserveCall(outcome string) {
	if r == nil {
		return
	}
	r.calls.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveGeneration records how long the generation function took.
func (r *Recorder) ObserveGeneration(model string, d time.Duration) {
	if r == nil {
		return
	}
	r.generation.WithLabelValues(normalizeLabel(model)).Observe(d.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
