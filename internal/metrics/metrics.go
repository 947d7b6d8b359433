package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful dispatches.
	OutcomeSuccess = "success"
	// OutcomeError labels failed dispatches.
	OutcomeError = "error"
)

var (
	workflowsAdmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sentinel_soar",
			Name:      "workflows_admitted_total",
			Help:      "Total workflows admitted into the active set.",
		},
	)

	workflowsQueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sentinel_soar",
			Name:      "workflows_queued_total",
			Help:      "Total incidents pushed onto the pending queue.",
		},
	)

	queueDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sentinel_soar",
			Name:      "queue_dropped_total",
			Help:      "Total pending entries dropped by the bounded-queue overflow policy.",
		},
	)

	activeWorkflows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentinel_soar",
			Name:      "active_workflows",
			Help:      "Workflows currently admitted.",
		},
	)

	pendingWorkflows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentinel_soar",
			Name:      "pending_workflows",
			Help:      "Incidents waiting in the pending queue.",
		},
	)

	sweepTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sentinel_soar",
			Name:      "sweep_timeouts_total",
			Help:      "Workflows marked timed out by the periodic sweep.",
		},
	)

	sweepStallsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sentinel_soar",
			Name:      "sweep_stalls_total",
			Help:      "Stall recoveries applied by the periodic sweep.",
		},
	)

	staleEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sentinel_soar",
			Name:      "stale_events_total",
			Help:      "Stage-complete events ignored because the workflow was no longer active.",
		},
	)

	dispatchSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel_soar",
			Name:      "dispatch_seconds",
			Help:      "Agent dispatch latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"agent", "outcome"},
	)

	systemMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sentinel_soar",
			Name:      "system_mode",
			Help:      "Current operating mode (1 for the active mode, 0 otherwise).",
		},
		[]string{"mode"},
	)
)

// Register attaches the orchestrator collectors to the supplied Prometheus
// registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		workflowsAdmittedTotal,
		workflowsQueuedTotal,
		queueDroppedTotal,
		activeWorkflows,
		pendingWorkflows,
		sweepTimeoutsTotal,
		sweepStallsTotal,
		staleEventsTotal,
		dispatchSeconds,
		systemMode,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// IncAdmitted counts a workflow admission.
func IncAdmitted() { workflowsAdmittedTotal.Inc() }

// IncQueued counts a pending-queue push.
func IncQueued() { workflowsQueuedTotal.Inc() }

// IncQueueDropped counts a bounded-queue drop.
func IncQueueDropped() { queueDroppedTotal.Inc() }

// IncSweepTimeout counts a workflow timed out during a sweep.
func IncSweepTimeout() { sweepTimeoutsTotal.Inc() }

// IncSweepStall counts a stall recovery.
func IncSweepStall() { sweepStallsTotal.Inc() }

// IncStaleEvent counts an ignored late callback.
func IncStaleEvent() { staleEventsTotal.Inc() }

// SetActiveWorkflows records the active-set size.
func SetActiveWorkflows(n int) { activeWorkflows.Set(float64(n)) }

// SetPendingWorkflows records the pending-queue depth.
func SetPendingWorkflows(n int) { pendingWorkflows.Set(float64(n)) }

// ObserveDispatch records an agent dispatch duration and outcome.
func ObserveDispatch(agent string, duration time.Duration, outcome string) {
	if outcome != OutcomeError {
		outcome = OutcomeSuccess
	}
	if duration < 0 {
		duration = 0
	}
	dispatchSeconds.WithLabelValues(agent, outcome).Observe(duration.Seconds())
}

// SetMode flags the active operating mode, zeroing the others.
func SetMode(mode string, all []string) {
	for _, m := range all {
		value := 0.0
		if m == mode {
			value = 1.0
		}
		systemMode.WithLabelValues(m).Set(value)
	}
}
