// Package metrics exposes the engine's operational counters for scraping.
// The teacher's own metrics/config.go carries an Enabled/HTTP/Port toggle
// for an exposition endpoint; this package keeps that shape but backs the
// collectors themselves with github.com/prometheus/client_golang (a
// dependency drawn from the rest of the retrieval pack, luxfi-consensus,
// rather than the teacher's bespoke+InfluxDB registry, since Prometheus
// exposition is the more idiomatic default for a standalone service that
// isn't also a blockchain node emitting to an existing InfluxDB pipeline).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config mirrors the teacher's metrics.Config shape: a toggle plus an
// HTTP listen address for the exposition endpoint.
type Config struct {
	Enabled bool   `toml:",omitempty"`
	HTTP    string `toml:",omitempty"`
	Port    int    `toml:",omitempty"`
}

// DefaultConfig matches the teacher's DefaultConfig convention.
var DefaultConfig = Config{
	Enabled: false,
	HTTP:    "127.0.0.1",
	Port:    6061,
}

// Registry is the engine's metric collectors, grouped by component.
type Registry struct {
	reg *prometheus.Registry

	TournamentsStarted   prometheus.Counter
	TournamentsCompleted prometheus.Counter
	TournamentsFailed    prometheus.Counter

	RunsTotal      *prometheus.CounterVec // labeled by status
	RunDuration    prometheus.Histogram
	SandboxLaunchF prometheus.Counter

	StoreRetries prometheus.Counter
}

// NewRegistry constructs a fresh, independent Registry (safe for tests —
// no global state is shared between instances).
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		TournamentsStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tourneyd_tournaments_started_total",
			Help: "Tournaments that entered the collecting phase.",
		}),
		TournamentsCompleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tourneyd_tournaments_completed_total",
			Help: "Tournaments that reached completed.",
		}),
		TournamentsFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tourneyd_tournaments_failed_total",
			Help: "Tournaments that transitioned to failed.",
		}),
		RunsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tourneyd_evaluation_runs_total",
			Help: "Evaluation runs by terminal status.",
		}, []string{"status"}),
		RunDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "tourneyd_run_duration_seconds",
			Help:    "Wall-clock duration of sandboxed evaluation runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		SandboxLaunchF: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tourneyd_sandbox_launch_failures_total",
			Help: "Sandbox launch failures (image missing, policy rejected).",
		}),
		StoreRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tourneyd_store_retries_total",
			Help: "Bounded-backoff retries against the tournament state store.",
		}),
	}
	return r
}

// Handler returns the Prometheus exposition HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveRun records a terminal run outcome.
func (r *Registry) ObserveRun(status string, durationSeconds float64) {
	r.RunsTotal.WithLabelValues(status).Inc()
	r.RunDuration.Observe(durationSeconds)
}
