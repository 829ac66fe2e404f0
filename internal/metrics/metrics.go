// Package metrics collects the label vocabulary and the handful of
// process-wide gauges/histograms that don't belong to any one
// component's instrumenting decorator (kvstore, deploystore, and api
// each keep their own request-duration histograms next to the code
// they measure). Grounded on pkg/metrics/metrics.go's shared label
// constants and pkg/daemon/metrics.go's top-level gauge/histogram
// declarations in the teacher repository.
package metrics

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	LabelMethod = "method"
	LabelAction = "action"
	LabelKind   = "kind"
	LabelResult = "result"

	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	// TasksStarted counts every task dispatch, by action, whether or
	// not it ends up skipped.
	TasksStarted = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "pipeline",
		Name:      "tasks_started_total",
		Help:      "Number of tasks dispatched, by action.",
	}, []string{LabelAction})

	// TasksFinished counts terminal task outcomes, by action and
	// result (completed/failed/terminated/skipped).
	TasksFinished = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "pipeline",
		Name:      "tasks_finished_total",
		Help:      "Number of tasks reaching a terminal status, by action and result.",
	}, []string{LabelAction, LabelResult})

	// TrackerPolls counts every FetchTask round-trip the tracker
	// makes, by outcome.
	TrackerPolls = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "tracker",
		Name:      "polls_total",
		Help:      "Number of task-status polls performed, by result.",
	}, []string{LabelResult})

	// DeploymentsInFlight tracks the current number of deployments
	// registered in-progress in the coordination store.
	DeploymentsInFlight = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "orchestrator",
		Name:      "deployments_in_flight",
		Help:      "Number of deployments currently registered in-progress.",
	}, []string{})
)
