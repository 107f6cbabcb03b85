// Package state is the shared runtime state contract between the
// agents: one coarse mutex over typed slots, bounded command queues,
// and snapshot structs consumed by the HTTP surface. Holders of the
// mutex only copy or apply small edits; I/O never happens under it.
package state

import (
	"fmt"
	"time"

	"hilsched/internal/plant"
	"hilsched/internal/schedule"
)

// SeriesKey identifies one manual override signal.
type SeriesKey string

const (
	SeriesLibP  SeriesKey = "lib_p"
	SeriesLibQ  SeriesKey = "lib_q"
	SeriesVrfbP SeriesKey = "vrfb_p"
	SeriesVrfbQ SeriesKey = "vrfb_q"
)

// SeriesKeys returns all override keys in deterministic order.
func SeriesKeys() []SeriesKey {
	return []SeriesKey{SeriesLibP, SeriesLibQ, SeriesVrfbP, SeriesVrfbQ}
}

// SeriesFor returns the P and Q override keys of a plant.
func SeriesFor(pid plant.ID) (SeriesKey, SeriesKey) {
	return SeriesKey(string(pid) + "_p"), SeriesKey(string(pid) + "_q")
}

// ParseSeriesKey validates an operator-supplied key.
func ParseSeriesKey(s string) (SeriesKey, error) {
	for _, k := range SeriesKeys() {
		if SeriesKey(s) == k {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown series key %q", s)
}

// Plant returns the plant the key belongs to.
func (k SeriesKey) Plant() plant.ID {
	switch k {
	case SeriesLibP, SeriesLibQ:
		return plant.LIB
	default:
		return plant.VRFB
	}
}

// Signal returns "p" or "q".
func (k SeriesKey) Signal() string {
	if k == SeriesLibP || k == SeriesVrfbP {
		return "p"
	}
	return "q"
}

// Read status classification of an observed-state refresh.
const (
	ReadOK            = "ok"
	ReadConnectFailed = "connect_failed"
	ReadError         = "read_error"
	ReadUnknown       = "unknown"
)

// LastError is a machine-readable error record surfaced in snapshots.
type LastError struct {
	Timestamp time.Time `json:"timestamp"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
}

// Observed is the cached read-back of one plant's enable bit and
// battery powers, with freshness classification.
type Observed struct {
	EnableState         *int       `json:"enable_state"`
	PBatteryKw          *float64   `json:"p_battery_kw"`
	QBatteryKvar        *float64   `json:"q_battery_kvar"`
	LastAttempt         time.Time  `json:"last_attempt"`
	LastSuccess         *time.Time `json:"last_success"`
	ReadStatus          string     `json:"read_status"`
	LastError           *LastError `json:"last_error,omitempty"`
	ConsecutiveFailures uint32     `json:"consecutive_failures"`
	Stale               bool       `json:"stale"`
}

func (o Observed) clone() Observed {
	out := o
	if o.EnableState != nil {
		v := *o.EnableState
		out.EnableState = &v
	}
	if o.PBatteryKw != nil {
		v := *o.PBatteryKw
		out.PBatteryKw = &v
	}
	if o.QBatteryKvar != nil {
		v := *o.QBatteryKvar
		out.QBatteryKvar = &v
	}
	if o.LastSuccess != nil {
		v := *o.LastSuccess
		out.LastSuccess = &v
	}
	if o.LastError != nil {
		v := *o.LastError
		out.LastError = &v
	}
	return out
}

// Transition is the engine-owned lifecycle state of a plant.
type Transition string

const (
	TransitionStopped  Transition = "stopped"
	TransitionStarting Transition = "starting"
	TransitionRunning  Transition = "running"
	TransitionStopping Transition = "stopping"
	TransitionUnknown  Transition = "unknown"
)

// Dispatch write outcome.
const (
	DispatchOK      = "ok"
	DispatchFailed  = "failed"
	DispatchSkipped = "skipped"
)

// DispatchWriteStatus is the scheduler's per-plant write telemetry.
type DispatchWriteStatus struct {
	SendingEnabled bool      `json:"sending_enabled"`
	AttemptedAt    time.Time `json:"attempted_at"`
	PKw            float64   `json:"p_kw"`
	QKvar          float64   `json:"q_kvar"`
	Source         string    `json:"source"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
}

// FetchStatus is the data fetcher's daily state machine.
type FetchStatus struct {
	TodayDate             string           `json:"today_date"`
	TomorrowDate          string           `json:"tomorrow_date"`
	TodayFetched          bool             `json:"today_fetched"`
	TomorrowFetched       bool             `json:"tomorrow_fetched"`
	TodayPointsByPlant    map[plant.ID]int `json:"today_points_by_plant"`
	TomorrowPointsByPlant map[plant.ID]int `json:"tomorrow_points_by_plant"`
	LastAttempt           *time.Time       `json:"last_attempt"`
	Error                 string           `json:"error,omitempty"`
}

func (f FetchStatus) clone() FetchStatus {
	out := f
	out.TodayPointsByPlant = clonePointCounts(f.TodayPointsByPlant)
	out.TomorrowPointsByPlant = clonePointCounts(f.TomorrowPointsByPlant)
	if f.LastAttempt != nil {
		v := *f.LastAttempt
		out.LastAttempt = &v
	}
	return out
}

func clonePointCounts(m map[plant.ID]int) map[plant.ID]int {
	out := make(map[plant.ID]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// API connection runtime state.
const (
	APIDisconnected = "disconnected"
	APIConnecting   = "connecting"
	APIConnected    = "connected"
)

// APIConnection tracks the upstream session.
type APIConnection struct {
	State       string     `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at"`
}

func (a APIConnection) clone() APIConnection {
	out := a
	if a.LastLoginAt != nil {
		v := *a.LastLoginAt
		out.LastLoginAt = &v
	}
	return out
}

// PostWorkerStatus is the per-plant measurement post telemetry.
type PostWorkerStatus struct {
	QueueDepth       int        `json:"queue_depth"`
	Dropped          uint64     `json:"dropped"`
	Attempts         uint32     `json:"attempts"`
	LastAttempt      *time.Time `json:"last_attempt"`
	LastSuccess      *time.Time `json:"last_success"`
	LastError        string     `json:"last_error,omitempty"`
	NextRetrySeconds float64    `json:"next_retry_seconds"`
}

func (p PostWorkerStatus) clone() PostWorkerStatus {
	out := p
	if p.LastAttempt != nil {
		v := *p.LastAttempt
		out.LastAttempt = &v
	}
	if p.LastSuccess != nil {
		v := *p.LastSuccess
		out.LastSuccess = &v
	}
	return out
}

// EngineStatus is the health record of one command engine.
type EngineStatus struct {
	Alive               bool       `json:"alive"`
	LastLoopStart       *time.Time `json:"last_loop_start"`
	LastLoopEnd         *time.Time `json:"last_loop_end"`
	LastObservedRefresh *time.Time `json:"last_observed_refresh"`
	LastException       string     `json:"last_exception,omitempty"`
	ActiveCommandID     string     `json:"active_command_id,omitempty"`
	QueueDepth          int        `json:"queue_depth"`
	QueuedCount         int        `json:"queued_count"`
	RunningCount        int        `json:"running_count"`
	FailedRecentCount   int        `json:"failed_recent_count"`
	LastFinishedCommand *Command   `json:"last_finished_command,omitempty"`
}

func (e EngineStatus) clone() EngineStatus {
	out := e
	if e.LastLoopStart != nil {
		v := *e.LastLoopStart
		out.LastLoopStart = &v
	}
	if e.LastLoopEnd != nil {
		v := *e.LastLoopEnd
		out.LastLoopEnd = &v
	}
	if e.LastObservedRefresh != nil {
		v := *e.LastObservedRefresh
		out.LastObservedRefresh = &v
	}
	if e.LastFinishedCommand != nil {
		v := e.LastFinishedCommand.clone()
		out.LastFinishedCommand = &v
	}
	return out
}

// ManualPhase is the lifecycle of one manual override slot.
type ManualPhase string

const (
	ManualInactive     ManualPhase = "inactive"
	ManualActivating   ManualPhase = "activating"
	ManualActive       ManualPhase = "active"
	ManualUpdating     ManualPhase = "updating"
	ManualInactivating ManualPhase = "inactivating"
	ManualError        ManualPhase = "error"
)

// Transitioning reports whether the phase blocks further commands on
// the same key.
func (p ManualPhase) Transitioning() bool {
	return p == ManualActivating || p == ManualUpdating || p == ManualInactivating
}

// ManualSlot is the stored override of one signal. The applied series
// is retained on inactivate for traceability.
type ManualSlot struct {
	Phase        ManualPhase           `json:"phase"`
	Applied      schedule.ManualSeries `json:"applied,omitempty"`
	MergeEnabled bool                  `json:"merge_enabled"`
	UpdatedAt    *time.Time            `json:"updated_at"`
	Error        *LastError            `json:"error,omitempty"`
}

func (m ManualSlot) clone() ManualSlot {
	out := m
	out.Applied = m.Applied.Clone()
	if m.UpdatedAt != nil {
		v := *m.UpdatedAt
		out.UpdatedAt = &v
	}
	if m.Error != nil {
		v := *m.Error
		out.Error = &v
	}
	return out
}

// SoC seed handshake between the control engine and the emulator.
const (
	SeedApplied = "applied"
	SeedSkipped = "skipped"
	SeedError   = "error"
)

// SeedRequest asks the emulator to preset its state of charge.
type SeedRequest struct {
	ID    string  `json:"id"`
	SocPu float64 `json:"soc_pu"`
}

// SeedResult reports what the emulator did with a request.
type SeedResult struct {
	RequestID string  `json:"request_id"`
	Status    string  `json:"status"`
	SocPu     float64 `json:"soc_pu"`
	Message   string  `json:"message,omitempty"`
}
