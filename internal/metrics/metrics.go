// Package metrics exposes tofud's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msageha/tofud/internal/model"
	"github.com/msageha/tofud/internal/tofu"
)

const namespace = "tofud"

type Metrics struct {
	registry *prometheus.Registry

	ActiveLoops    prometheus.Gauge
	RunningJobs    prometheus.Gauge
	Ticks          *prometheus.CounterVec
	TickDuration   prometheus.Histogram
	Actions        *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	ProcessExits   *prometheus.CounterVec
	ProcessStates  *prometheus.CounterVec
	LockTimeouts   prometheus.Counter
	ForcedReleases prometheus.Counter
	DroppedEvents  prometheus.Counter
}

// New registers every collector on a fresh registry, so several instances
// can coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveLoops: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_loops",
			Help: "Reconciliation loops currently scheduled.",
		}),
		RunningJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "running_jobs",
			Help: "Actions with a live tool process.",
		}),
		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconcile_ticks_total",
			Help: "Reconciliation ticks by result (applied, drifted, failed).",
		}, []string{"result"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "reconcile_tick_duration_seconds",
			Help:    "Wall time of reconciliation ticks including the dependency check.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		Actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "actions_total",
			Help: "Executed actions by action and outcome.",
		}, []string{"action", "outcome"}),
		ActionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "action_duration_seconds",
			Help:    "Wall time of executed actions including locking and staging.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"action"}),
		ProcessExits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "process_exits_total",
			Help: "Tool process exits by command and outcome.",
		}, []string{"command", "outcome"}),
		ProcessStates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "process_state_transitions_total",
			Help: "Supervision state transitions by command and target state.",
		}, []string{"command", "state"}),
		LockTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_timeouts_total",
			Help: "Actions that gave up waiting for a resource lock.",
		}),
		ForcedReleases: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_forced_releases_total",
			Help: "Resource locks released after exceeding the hold ceiling.",
		}),
		DroppedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dropped_events_total",
			Help: "Stream events dropped on slow subscribers.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveAction records one finished action.
func (m *Metrics) ObserveAction(action model.Action, outcome string, elapsed time.Duration) {
	m.Actions.WithLabelValues(string(action), outcome).Inc()
	m.ActionDuration.WithLabelValues(string(action)).Observe(elapsed.Seconds())
}

// ProcessHooks feeds process supervision events into the collectors.
func (m *Metrics) ProcessHooks() tofu.Hooks {
	return tofu.Hooks{
		OnState: func(_ model.ResourceKey, command string, _, to tofu.State) {
			m.ProcessStates.WithLabelValues(command, to.String()).Inc()
		},
		OnExit: func(_ model.ResourceKey, command string, res tofu.Result) {
			outcome := "success"
			if res.Err != nil {
				outcome = "failure"
			}
			m.ProcessExits.WithLabelValues(command, outcome).Inc()
		},
	}
}
