// Package metrics holds the Prometheus collectors for the account pool.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "accountpool",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accountpool",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "accountpool",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	allocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accountpool",
			Subsystem: "allocator",
			Name:      "allocations_total",
			Help:      "Total number of allocation attempts.",
		},
		[]string{"outcome"},
	)

	quotaDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accountpool",
			Subsystem: "ratelimit",
			Name:      "denials_total",
			Help:      "Total number of quota denials by dimension.",
		},
		[]string{"dimension"},
	)

	recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accountpool",
			Subsystem: "floodban",
			Name:      "recoveries_processed_total",
			Help:      "Total number of recovery queue entries processed.",
		},
		[]string{"trigger"},
	)

	restrictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accountpool",
			Subsystem: "floodban",
			Name:      "restrictions_total",
			Help:      "Total number of platform restrictions applied.",
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		allocations,
		quotaDenials,
		recoveries,
		restrictions,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordAllocation counts one allocation attempt by outcome
// (granted, miss, error).
func RecordAllocation(outcome string) {
	allocations.WithLabelValues(outcome).Inc()
}

// RecordQuotaDenial counts one quota denial by dimension.
func RecordQuotaDenial(dimension string) {
	if dimension == "" {
		dimension = "unknown"
	}
	quotaDenials.WithLabelValues(dimension).Inc()
}

// RecordRecoveries counts processed recovery entries by trigger
// (scheduled, manual).
func RecordRecoveries(trigger string, n int) {
	if n <= 0 {
		return
	}
	recoveries.WithLabelValues(trigger).Add(float64(n))
}

// RecordRestriction counts one applied platform restriction by error kind.
func RecordRestriction(kind string) {
	restrictions.WithLabelValues(kind).Inc()
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses account and service ids so label cardinality stays
// bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 2 && parts[0] == "api" {
		parts = parts[2:]
	}
	if len(parts) == 0 {
		return "/"
	}
	switch parts[0] {
	case "accounts":
		if len(parts) == 1 {
			return "/accounts"
		}
		if len(parts) == 2 {
			return "/accounts/:id"
		}
		return "/accounts/:id/" + strings.Join(parts[2:], "/")
	case "services":
		if len(parts) >= 3 {
			return "/services/:name/" + strings.Join(parts[2:], "/")
		}
		return "/services/:name"
	default:
		return "/" + strings.Join(parts, "/")
	}
}
