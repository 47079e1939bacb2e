// Package metrics exposes the control loop's Prometheus counters and
// histograms, built with promauto the way the teacher's HTTP middleware
// builds its request metrics (internal/api/middleware/metrics.go) —
// Arbiter2 has no HTTP surface of its own, but the same registration idiom
// applies to a tick-driven daemon's health signals.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the control loop updates.
type Metrics struct {
	TickDuration      prometheus.Histogram
	PhaseDuration      *prometheus.HistogramVec
	TickLate           prometheus.Counter
	TrackedUsers       prometheus.Gauge
	StatusTransitions  *prometheus.CounterVec
	SyncRoundTrips      *prometheus.CounterVec
	EnforcerWriteErrors prometheus.Counter
	CollectorDrops      *prometheus.CounterVec
}

// New registers and returns the daemon's metrics against reg. Passing a
// fresh prometheus.NewRegistry() keeps tests isolated from the global
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arbiter",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one full control-loop tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arbiter",
			Name:      "phase_duration_seconds",
			Help:      "Duration of one control-loop phase.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		TickLate: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "tick_late_total",
			Help:      "Number of ticks that started late because the previous tick overran (§5).",
		}),
		TrackedUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbiter",
			Name:      "tracked_users",
			Help:      "Number of UserSlices currently tracked.",
		}),
		StatusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "status_transitions_total",
			Help:      "Status transitions, by kind (penalty, release).",
		}, []string{"kind"}),
		SyncRoundTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "sync_round_trips_total",
			Help:      "Synchronizer round trips against the status store, by outcome.",
		}, []string{"outcome"}),
		EnforcerWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "enforcer_write_errors_total",
			Help:      "Persistent cgroup write failures (§4.5).",
		}),
		CollectorDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "collector_drops_total",
			Help:      "Per-identifier samples dropped by the collector, by reason.",
		}, []string{"reason"}),
	}
}

// ObservePhase times fn and records it under the given phase name.
func (m *Metrics) ObservePhase(phase string, fn func()) {
	start := time.Now()
	fn()
	if m != nil && m.PhaseDuration != nil {
		m.PhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	}
}

// tokenGuard mirrors the teacher's middleware.MetricsGuard: a bare-bones
// bearer-token check in front of promhttp.Handler(), without pulling in
// chi for a single route.
func tokenGuard(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Server builds the /metrics HTTP server for reg. The caller owns its
// lifecycle (ListenAndServe in a goroutine, Shutdown on exit).
func Server(addr, token string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", tokenGuard(token, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	return &http.Server{Addr: addr, Handler: mux}
}
