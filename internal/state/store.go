package state

import (
	"sync"
	"time"

	"hilsched/internal/plant"
	"hilsched/internal/points"
	"hilsched/internal/schedule"
)

// EndpointResolver maps a plant and transport to its Modbus endpoint.
// Agents hold a resolver instead of the whole config.
type EndpointResolver func(plant.ID, plant.TransportMode) (points.Endpoint, error)

// Store is the process-wide shared state container. One mutex guards
// every slot; the command queues synchronize themselves.
type Store struct {
	mu sync.Mutex

	transportMode    plant.TransportMode
	schedulerRunning map[plant.ID]bool
	apiSchedule      map[plant.ID]schedule.Frame
	manual           map[SeriesKey]*ManualSlot
	observed         map[plant.ID]*Observed
	transitions      map[plant.ID]Transition
	dispatch         map[plant.ID]*DispatchWriteStatus
	recordingStem    map[plant.ID]string
	fetch            FetchStatus
	apiConn          APIConnection
	apiPassword      string
	postingEnabled   bool
	postStatus       map[plant.ID]*PostWorkerStatus
	controlStatus    EngineStatus
	settingsStatus   EngineStatus
	seedRequests     map[plant.ID]*SeedRequest
	seedResults      map[plant.ID]*SeedResult

	control  *CommandQueue
	settings *CommandQueue
}

// NewStore initializes all slots for the fixed plant set.
func NewStore(mode plant.TransportMode) *Store {
	s := &Store{
		transportMode:    mode,
		schedulerRunning: make(map[plant.ID]bool),
		apiSchedule:      make(map[plant.ID]schedule.Frame),
		manual:           make(map[SeriesKey]*ManualSlot),
		observed:         make(map[plant.ID]*Observed),
		transitions:      make(map[plant.ID]Transition),
		dispatch:         make(map[plant.ID]*DispatchWriteStatus),
		recordingStem:    make(map[plant.ID]string),
		postStatus:       make(map[plant.ID]*PostWorkerStatus),
		seedRequests:     make(map[plant.ID]*SeedRequest),
		seedResults:      make(map[plant.ID]*SeedResult),
		fetch: FetchStatus{
			TodayPointsByPlant:    make(map[plant.ID]int),
			TomorrowPointsByPlant: make(map[plant.ID]int),
		},
		apiConn:  APIConnection{State: APIDisconnected, UpdatedAt: time.Now()},
		control:  NewCommandQueue("control"),
		settings: NewCommandQueue("settings"),
	}
	for _, pid := range plant.IDs() {
		s.observed[pid] = &Observed{ReadStatus: ReadUnknown}
		s.transitions[pid] = TransitionUnknown
		s.postStatus[pid] = &PostWorkerStatus{}
	}
	for _, key := range SeriesKeys() {
		s.manual[key] = &ManualSlot{Phase: ManualInactive}
	}
	return s
}

// ControlQueue returns the control command queue.
func (s *Store) ControlQueue() *CommandQueue { return s.control }

// SettingsQueue returns the settings command queue.
func (s *Store) SettingsQueue() *CommandQueue { return s.settings }

// --- Transport & dispatch gate ---

func (s *Store) TransportMode() plant.TransportMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportMode
}

func (s *Store) SetTransportMode(mode plant.TransportMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transportMode = mode
}

func (s *Store) SchedulerRunning(pid plant.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedulerRunning[pid]
}

func (s *Store) SetSchedulerRunning(pid plant.ID, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedulerRunning[pid] = running
}

// --- Schedules ---

// APISchedule returns a copy of the plant's base frame.
func (s *Store) APISchedule(pid plant.ID) schedule.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiSchedule[pid].Clone()
}

// ReplaceAPIScheduleWindow atomically swaps the rows inside
// [from, to) while keeping rows outside the window.
func (s *Store) ReplaceAPIScheduleWindow(pid plant.ID, from, to time.Time, rows schedule.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiSchedule[pid] = s.apiSchedule[pid].Merge(from, to, rows)
}

// ScheduleInputs snapshots everything the scheduler needs for one
// plant in a single critical section.
func (s *Store) ScheduleInputs(pid plant.ID) (base schedule.Frame, pOv, qOv schedule.Override, mode plant.TransportMode, gate bool) {
	pKey, qKey := SeriesFor(pid)
	s.mu.Lock()
	defer s.mu.Unlock()
	base = s.apiSchedule[pid].Clone()
	if slot := s.manual[pKey]; slot != nil {
		pOv = schedule.Override{Series: slot.Applied.Clone(), Enabled: slot.MergeEnabled}
	}
	if slot := s.manual[qKey]; slot != nil {
		qOv = schedule.Override{Series: slot.Applied.Clone(), Enabled: slot.MergeEnabled}
	}
	return base, pOv, qOv, s.transportMode, s.schedulerRunning[pid]
}

// --- Manual override slots ---

// Manual returns a copy of one override slot.
func (s *Store) Manual(key SeriesKey) ManualSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manual[key].clone()
}

// TransitionManual moves a slot to the target phase when its current
// phase is in the allowed set. Returns the phase seen either way.
func (s *Store) TransitionManual(key SeriesKey, allowed []ManualPhase, to ManualPhase) (ManualPhase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.manual[key]
	for _, p := range allowed {
		if slot.Phase == p {
			slot.Phase = to
			return p, true
		}
	}
	return slot.Phase, false
}

// CompleteManualApply stores a freshly normalized series and enables
// the merge flag.
func (s *Store) CompleteManualApply(key SeriesKey, series schedule.ManualSeries, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.manual[key]
	slot.Phase = ManualActive
	slot.Applied = series.Clone()
	slot.MergeEnabled = true
	slot.UpdatedAt = &now
	slot.Error = nil
}

// CompleteManualInactivate disables merging but retains the applied
// series for traceability.
func (s *Store) CompleteManualInactivate(key SeriesKey, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.manual[key]
	slot.Phase = ManualInactive
	slot.MergeEnabled = false
	slot.UpdatedAt = &now
	slot.Error = nil
}

// FailManual parks the slot in the error phase with a structured
// error payload. Merging stops.
func (s *Store) FailManual(key SeriesKey, code, message string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.manual[key]
	slot.Phase = ManualError
	slot.MergeEnabled = false
	slot.UpdatedAt = &now
	slot.Error = &LastError{Timestamp: now, Code: code, Message: message}
}

// --- Observed state & transitions ---

func (s *Store) Observed(pid plant.ID) Observed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observed[pid].clone()
}

func (s *Store) SetObserved(pid plant.ID, obs Observed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := obs.clone()
	s.observed[pid] = &v
}

func (s *Store) Transition(pid plant.ID) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitions[pid]
}

// SetTransition unconditionally sets a plant's lifecycle state.
func (s *Store) SetTransition(pid plant.ID, to Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions[pid] = to
}

// TransitionPlant moves a plant's lifecycle state when the current
// state is in the allowed set. Returns the state seen either way.
func (s *Store) TransitionPlant(pid plant.ID, allowed []Transition, to Transition) (Transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.transitions[pid]
	for _, t := range allowed {
		if cur == t {
			s.transitions[pid] = to
			return cur, true
		}
	}
	return cur, false
}

// --- Dispatch telemetry ---

func (s *Store) SetDispatchStatus(pid plant.ID, st DispatchWriteStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := st
	s.dispatch[pid] = &v
}

func (s *Store) DispatchStatus(pid plant.ID) (DispatchWriteStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.dispatch[pid]
	if st == nil {
		return DispatchWriteStatus{}, false
	}
	return *st, true
}

// --- Recording ---

// RecordingStem returns the sanitized filename stem, empty when
// recording is off.
func (s *Store) RecordingStem(pid plant.ID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordingStem[pid]
}

// SetRecordingStem enables recording and reports whether anything
// changed, for idempotent record_start.
func (s *Store) SetRecordingStem(pid plant.ID, stem string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordingStem[pid] == stem {
		return false
	}
	s.recordingStem[pid] = stem
	return true
}

// ClearRecordingStem disables recording and reports whether anything
// changed, for idempotent record_stop.
func (s *Store) ClearRecordingStem(pid plant.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordingStem[pid] == "" {
		return false
	}
	s.recordingStem[pid] = ""
	return true
}

// --- Data fetcher ---

func (s *Store) FetchStatus() FetchStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetch.clone()
}

func (s *Store) SetFetchStatus(f FetchStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetch = f.clone()
}

// --- API connection & posting policy ---

func (s *Store) APIConnection() APIConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiConn.clone()
}

// SetAPIConnection moves the session state machine.
func (s *Store) SetAPIConnection(connState, reason string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiConn.State = connState
	s.apiConn.Reason = reason
	s.apiConn.UpdatedAt = now
	if connState == APIConnected {
		t := now
		s.apiConn.LastLoginAt = &t
	}
}

func (s *Store) APIPassword() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiPassword
}

func (s *Store) SetAPIPassword(pw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiPassword = pw
}

func (s *Store) HasAPIPassword() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiPassword != ""
}

func (s *Store) PostingEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.postingEnabled
}

func (s *Store) SetPostingEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postingEnabled = enabled
}

func (s *Store) PostStatus(pid plant.ID) PostWorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.postStatus[pid].clone()
}

func (s *Store) SetPostStatus(pid plant.ID, st PostWorkerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := st.clone()
	s.postStatus[pid] = &v
}

// --- Engine status ---

func (s *Store) ControlEngineStatus() EngineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlStatus.clone()
}

func (s *Store) SetControlEngineStatus(st EngineStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controlStatus = st.clone()
}

func (s *Store) SettingsEngineStatus() EngineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settingsStatus.clone()
}

func (s *Store) SetSettingsEngineStatus(st EngineStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settingsStatus = st.clone()
}

// --- SoC seeding ---

// PublishSeedRequest replaces any pending request and drops a stale
// result for the plant.
func (s *Store) PublishSeedRequest(pid plant.ID, req SeedRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := req
	s.seedRequests[pid] = &v
	delete(s.seedResults, pid)
}

// TakeSeedRequest pops the pending request, if any.
func (s *Store) TakeSeedRequest(pid plant.ID) (SeedRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := s.seedRequests[pid]
	if req == nil {
		return SeedRequest{}, false
	}
	delete(s.seedRequests, pid)
	return *req, true
}

// PublishSeedResult stores the emulator's answer.
func (s *Store) PublishSeedResult(pid plant.ID, res SeedResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := res
	s.seedResults[pid] = &v
}

// SeedResult returns the answer for a specific request id.
func (s *Store) SeedResult(pid plant.ID, requestID string) (SeedResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.seedResults[pid]
	if res == nil || res.RequestID != requestID {
		return SeedResult{}, false
	}
	return *res, true
}

// --- Snapshot ---

// Snapshot is the full state view served to the UI.
type Snapshot struct {
	Time              time.Time                        `json:"time"`
	TransportMode     plant.TransportMode              `json:"transport_mode"`
	SchedulerRunning  map[plant.ID]bool                `json:"scheduler_running_by_plant"`
	APISchedulePoints map[plant.ID]int                 `json:"api_schedule_points_by_plant"`
	Manual            map[SeriesKey]ManualSlot         `json:"manual_series"`
	Observed          map[plant.ID]Observed            `json:"observed_by_plant"`
	Transitions       map[plant.ID]Transition          `json:"transition_by_plant"`
	Dispatch          map[plant.ID]*DispatchWriteStatus `json:"dispatch_write_status_by_plant"`
	Recording         map[plant.ID]string              `json:"recording_file_by_plant"`
	Fetch             FetchStatus                      `json:"data_fetcher"`
	APIConnection     APIConnection                    `json:"api_connection"`
	PostingEnabled    bool                             `json:"posting_enabled"`
	PostStatus        map[plant.ID]PostWorkerStatus    `json:"measurement_post_by_plant"`
	ControlEngine     EngineStatus                     `json:"control_engine_status"`
	SettingsEngine    EngineStatus                     `json:"settings_engine_status"`
}

// Snapshot copies the whole store in one critical section.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Time:              time.Now(),
		TransportMode:     s.transportMode,
		SchedulerRunning:  make(map[plant.ID]bool, len(s.schedulerRunning)),
		APISchedulePoints: make(map[plant.ID]int, len(s.apiSchedule)),
		Manual:            make(map[SeriesKey]ManualSlot, len(s.manual)),
		Observed:          make(map[plant.ID]Observed, len(s.observed)),
		Transitions:       make(map[plant.ID]Transition, len(s.transitions)),
		Dispatch:          make(map[plant.ID]*DispatchWriteStatus, len(s.dispatch)),
		Recording:         make(map[plant.ID]string, len(s.recordingStem)),
		Fetch:             s.fetch.clone(),
		APIConnection:     s.apiConn.clone(),
		PostingEnabled:    s.postingEnabled,
		PostStatus:        make(map[plant.ID]PostWorkerStatus, len(s.postStatus)),
		ControlEngine:     s.controlStatus.clone(),
		SettingsEngine:    s.settingsStatus.clone(),
	}
	for pid, running := range s.schedulerRunning {
		snap.SchedulerRunning[pid] = running
	}
	for pid, frame := range s.apiSchedule {
		snap.APISchedulePoints[pid] = len(frame)
	}
	for key, slot := range s.manual {
		snap.Manual[key] = slot.clone()
	}
	for pid, obs := range s.observed {
		snap.Observed[pid] = obs.clone()
	}
	for pid, tr := range s.transitions {
		snap.Transitions[pid] = tr
	}
	for pid, st := range s.dispatch {
		v := *st
		snap.Dispatch[pid] = &v
	}
	for pid, stem := range s.recordingStem {
		snap.Recording[pid] = stem
	}
	for pid, st := range s.postStatus {
		snap.PostStatus[pid] = st.clone()
	}
	return snap
}
