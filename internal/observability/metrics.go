package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchWrites tracks scheduler setpoint writes by outcome.
	DispatchWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hil_dispatch_writes_total",
		Help: "Setpoint dispatch attempts by plant and outcome",
	}, []string{"plant", "status"}) // status: ok, failed, skipped

	// DispatchLoopDuration tracks the duration of one scheduler tick.
	DispatchLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hil_dispatch_loop_duration_seconds",
		Help:    "Duration of one scheduler dispatch tick",
		Buckets: prometheus.DefBuckets,
	})

	// EffectiveSetpoint tracks the last resolved setpoint per plant.
	EffectiveSetpoint = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hil_effective_setpoint",
		Help: "Last resolved effective setpoint per plant and signal",
	}, []string{"plant", "signal"}) // signal: p_kw, q_kvar

	// MeasurementRows tracks sampler row decisions.
	MeasurementRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hil_measurement_rows_total",
		Help: "Sampled measurement rows by plant and decision",
	}, []string{"plant", "decision"}) // decision: kept, compressed, discarded

	// MeasurementReadFailures tracks failed point-map reads.
	MeasurementReadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hil_measurement_read_failures_total",
		Help: "Failed measurement reads by plant and reason",
	}, []string{"plant", "reason"}) // reason: connect, read, decode

	// PostQueueDepth tracks the per-plant measurement post backlog.
	PostQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hil_post_queue_depth",
		Help: "Pending measurement post items per plant",
	}, []string{"plant"})

	// PostAttempts tracks measurement post outcomes.
	PostAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hil_post_attempts_total",
		Help: "Measurement post attempts by plant and outcome",
	}, []string{"plant", "outcome"}) // outcome: ok, error

	// PostDropped tracks items dropped from a full post queue.
	PostDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hil_post_dropped_total",
		Help: "Measurement post items dropped when the queue exceeded its bound",
	}, []string{"plant"})

	// Commands tracks command terminal states.
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hil_commands_total",
		Help: "Commands reaching a terminal state",
	}, []string{"queue", "kind", "state"}) // state: succeeded, failed, rejected

	// CommandQueueDepth tracks pending commands per queue.
	CommandQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hil_command_queue_depth",
		Help: "Pending commands per queue",
	}, []string{"queue"})

	// EngineLoopDuration tracks engine cycle time.
	EngineLoopDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hil_engine_loop_duration_seconds",
		Help:    "Duration of one command engine cycle",
		Buckets: prometheus.DefBuckets,
	}, []string{"engine"}) // engine: control, settings

	// ObservedReadStatus tracks the last observed-state classification.
	ObservedReadStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hil_observed_read_status",
		Help: "Last observed-state read classification per plant (1 = current)",
	}, []string{"plant", "status"}) // status: ok, connect_failed, read_error, unknown

	// ObservedStale flags plants whose observed state went stale.
	ObservedStale = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hil_observed_stale",
		Help: "Whether the plant's observed state is stale (1 = stale)",
	}, []string{"plant"})

	// EmulatorSoc tracks the simulated state of charge.
	EmulatorSoc = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hil_emulator_soc_pu",
		Help: "Simulated state of charge per plant, per unit",
	}, []string{"plant"})

	// EmulatorLimitEvents tracks SoC power-limit clamp edges.
	EmulatorLimitEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hil_emulator_limit_events_total",
		Help: "Power limit clamps applied by the emulator",
	}, []string{"plant", "kind"}) // kind: charge, discharge

	// FetchAttempts tracks day-ahead schedule fetches.
	FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hil_fetch_attempts_total",
		Help: "Day-ahead schedule fetch attempts by purpose and outcome",
	}, []string{"purpose", "outcome"}) // purpose: today, tomorrow

	// APIConnectionState tracks the upstream session state.
	APIConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hil_api_connection_state",
		Help: "Upstream API connection state (1 = current)",
	}, []string{"state"}) // disconnected, connecting, connected

	// WSClients tracks connected state-stream websocket clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hil_ws_clients",
		Help: "Currently connected state-stream websocket clients",
	})
)

// SetObservedReadStatus flips the one-hot read-status gauge.
func SetObservedReadStatus(plantID, status string) {
	for _, s := range []string{"ok", "connect_failed", "read_error", "unknown"} {
		v := 0.0
		if s == status {
			v = 1.0
		}
		ObservedReadStatus.WithLabelValues(plantID, s).Set(v)
	}
}

// SetAPIConnectionState flips the one-hot session-state gauge.
func SetAPIConnectionState(connState string) {
	for _, s := range []string{"disconnected", "connecting", "connected"} {
		v := 0.0
		if s == connState {
			v = 1.0
		}
		APIConnectionState.WithLabelValues(s).Set(v)
	}
}
