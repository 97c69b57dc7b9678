// Package metrics exposes Prometheus collectors: per-event-kind counters,
// per-step histograms, per-FunctionType in-flight gauges and state-write
// counters. The operator updates EventsHandled and the interpreter updates
// StepsExecuted and StepDuration; nothing updates InFlightExecutions or
// StateWrites.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsHandled counts operator events by function type, event type,
	// and outcome (ok/error).
	EventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Subsystem: "operator",
		Name:      "events_handled_total",
		Help:      "Total operator events handled, by function type, event type, and outcome.",
	}, []string{"function_type", "event_type", "outcome"})

	// StepsExecuted counts EFG interpreter steps by node kind.
	StepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Subsystem: "interpreter",
		Name:      "steps_executed_total",
		Help:      "Total EFG node steps executed, by node kind.",
	}, []string{"node_kind"})

	// StepDuration observes how long a single node step took to execute.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dataflow",
		Subsystem: "interpreter",
		Name:      "step_duration_seconds",
		Help:      "Duration of a single EFG node step.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"node_kind"})

	// InFlightExecutions gauges how many EFG instances are currently
	// suspended mid-flight (frozen in an EventFlow message between hops)
	// per function type.
	InFlightExecutions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dataflow",
		Subsystem: "operator",
		Name:      "in_flight_executions",
		Help:      "Number of EFG executions currently suspended between hops.",
	}, []string{"function_type"})

	// StateWrites counts state-store Put calls by function type and
	// whether the write succeeded or lost an optimistic-concurrency race.
	StateWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Subsystem: "store",
		Name:      "state_writes_total",
		Help:      "Total state store writes, by function type and outcome.",
	}, []string{"function_type", "outcome"})
)
