// Package metrics exposes scan and pool statistics to Prometheus.
package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scoutd"

// Recorder owns the collectors and the registry they are served from.
// It implements scan.Observer.
type Recorder struct {
	registry *prometheus.Registry

	candidates    *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	cycleEnds     *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	poolAcquire   *prometheus.CounterVec
}

// New creates a Recorder with a private registry that also carries the Go
// runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		candidates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidates_processed_total",
				Help:      "Feed items taken through filtering.",
			},
			[]string{"profile"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Dispatch attempts by final outcome.",
			},
			[]string{"profile", "outcome"},
		),
		cycleEnds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycle_end_total",
				Help:      "Scan cycle terminations by reason.",
			},
			[]string{"profile", "reason"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Wall time of one scan invocation.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
			},
			[]string{"profile"},
		),
		poolAcquire: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_acquire_total",
				Help:      "Resource pool acquisition attempts by result.",
			},
			[]string{"kind", "result"},
		),
	}
	r.registry.MustRegister(
		r.candidates,
		r.dispatches,
		r.cycleEnds,
		r.cycleDuration,
		r.poolAcquire,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) CandidateProcessed(profileID string) {
	r.candidates.WithLabelValues(profileID).Inc()
}

func (r *Recorder) DispatchOutcome(profileID, outcome string) {
	r.dispatches.WithLabelValues(profileID, outcome).Inc()
}

func (r *Recorder) CycleEnded(profileID, outcome string, elapsed time.Duration) {
	r.cycleEnds.WithLabelValues(profileID, outcome).Inc()
	r.cycleDuration.WithLabelValues(profileID).Observe(elapsed.Seconds())
}

// PoolAcquired matches pool.WithAcquireObserver.
func (r *Recorder) PoolAcquired(kind, result string) {
	r.poolAcquire.WithLabelValues(kind, result).Inc()
}

// EligibleFunc reports how many resources of a pool can be leased now.
type EligibleFunc func() (int, error)

// RegisterPool adds the scoutd_pool_eligible gauge for kind. The value is
// read at scrape time; a failing read reports -1.
func (r *Recorder) RegisterPool(kind string, fn EligibleFunc) error {
	g := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_eligible",
			Help:        "Resources currently eligible for leasing.",
			ConstLabels: prometheus.Labels{"kind": kind},
		},
		func() float64 {
			n, err := fn()
			if err != nil {
				slog.Default().Warn("reading pool status for metrics", "kind", kind, "error", err)
				return -1
			}
			return float64(n)
		},
	)
	return r.registry.Register(g)
}

// Registry returns the registry the collectors live in.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
