package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/KafClaw/nexa/internal/actions"
)

// Metrics are the worker's Prometheus instruments. A nil *Metrics records nothing.
type Metrics struct {
	Claims      prometheus.Counter
	Contention  prometheus.Counter
	Outcomes    *prometheus.CounterVec
	Recovered   *prometheus.CounterVec
	StoreErrors prometheus.Counter
	Dispatch    *prometheus.HistogramVec
}

// NewMetrics registers the instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Claims: f.NewCounter(prometheus.CounterOpts{
			Namespace: "nexa", Subsystem: "worker", Name: "claims_total",
			Help: "Actions leased by this process.",
		}),
		Contention: f.NewCounter(prometheus.CounterOpts{
			Namespace: "nexa", Subsystem: "worker", Name: "claim_contention_total",
			Help: "Claims lost to another worker.",
		}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexa", Subsystem: "worker", Name: "outcomes_total",
			Help: "Executed actions by outcome.",
		}, []string{"outcome"}),
		Recovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexa", Subsystem: "worker", Name: "recovered_leases_total",
			Help: "Abandoned leases released by the sweep, by resulting state.",
		}, []string{"state"}),
		StoreErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "nexa", Subsystem: "worker", Name: "store_errors_total",
			Help: "Iterations aborted because the action store failed.",
		}),
		Dispatch: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nexa", Subsystem: "worker", Name: "dispatch_seconds",
			Help:    "Adapter latency by action kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}

// ObserveContention matches actions.Options.OnContention.
func (m *Metrics) ObserveContention(int64) {
	if m == nil {
		return
	}
	m.Contention.Inc()
}

func (m *Metrics) claimed() {
	if m == nil {
		return
	}
	m.Claims.Inc()
}

func (m *Metrics) outcome(o Outcome) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) recovered(st actions.State) {
	if m == nil {
		return
	}
	m.Recovered.WithLabelValues(string(st)).Inc()
}

func (m *Metrics) storeError() {
	if m == nil {
		return
	}
	m.StoreErrors.Inc()
}

func (m *Metrics) observeDispatch(kind actions.Kind, d time.Duration) {
	if m == nil {
		return
	}
	m.Dispatch.WithLabelValues(string(kind)).Observe(d.Seconds())
}
