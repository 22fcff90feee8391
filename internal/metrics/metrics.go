// Package metrics exposes the Prometheus instrumentation for the decision
// core: every guard block, rung change, breaker transition, detected extreme,
// and fill increments a stable series here.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all equityrun metrics.
type Registry struct {
	ExtremesDetected   *prometheus.CounterVec
	GuardBlocks        *prometheus.CounterVec
	CascadeViolations  *prometheus.CounterVec
	RungChanges        prometheus.Counter
	CurrentRung        prometheus.Gauge
	PVSComposite       prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec
	EntriesArmed       prometheus.Counter
	EntriesExpired     prometheus.Counter
	IntentsEmitted     prometheus.Counter
	Fills              prometheus.Counter
	DegradedSizings    prometheus.Counter
	PassDuration       prometheus.Histogram
}

// NewRegistry creates the metric set and registers it on the given
// registerer (pass prometheus.DefaultRegisterer in production).
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ExtremesDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "equityrun_extremes_detected_total",
				Help: "Qualifying extreme events by direction",
			},
			[]string{"direction"},
		),
		GuardBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "equityrun_gateway_blocks_total",
				Help: "Execution gateway refusals by reason code",
			},
			[]string{"reason"},
		),
		CascadeViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "equityrun_cascade_violations_total",
				Help: "Cascade prevention rule violations by rule",
			},
			[]string{"rule"},
		),
		RungChanges: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "equityrun_drawdown_rung_changes_total",
				Help: "Drawdown ladder transitions in either direction",
			},
		),
		CurrentRung: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "equityrun_drawdown_rung",
				Help: "Current drawdown ladder rung (0-4)",
			},
		),
		PVSComposite: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "equityrun_pvs_composite",
				Help: "Psychological vulnerability composite score (0-10)",
			},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "equityrun_circuit_transitions_total",
				Help: "Recovery circuit breaker transitions by domain and state",
			},
			[]string{"domain", "state"},
		),
		EntriesArmed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "equityrun_entries_armed_total",
				Help: "Signals held pending timing confirmation",
			},
		),
		EntriesExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "equityrun_entries_expired_total",
				Help: "Pending entries expired unconfirmed",
			},
		),
		IntentsEmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "equityrun_order_intents_total",
				Help: "Order intents handed to the execution collaborator",
			},
		),
		Fills: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "equityrun_fills_total",
				Help: "Fill notifications processed",
			},
		),
		DegradedSizings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "equityrun_degraded_sizings_total",
				Help: "Sizings that fell back to the fixed base size",
			},
		),
		PassDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "equityrun_pass_duration_seconds",
				Help:    "Duration of one evaluation pass",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
		),
	}

	reg.MustRegister(
		r.ExtremesDetected, r.GuardBlocks, r.CascadeViolations,
		r.RungChanges, r.CurrentRung, r.PVSComposite,
		r.BreakerTransitions, r.EntriesArmed, r.EntriesExpired,
		r.IntentsEmitted, r.Fills, r.DegradedSizings, r.PassDuration,
	)
	return r
}
