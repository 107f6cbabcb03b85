package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hilsched/internal/plant"
	"hilsched/internal/schedule"
)

func TestNewStoreDefaults(t *testing.T) {
	s := NewStore(plant.TransportLocal)

	assert.Equal(t, plant.TransportLocal, s.TransportMode())
	assert.Equal(t, APIDisconnected, s.APIConnection().State)
	assert.False(t, s.PostingEnabled())
	assert.False(t, s.HasAPIPassword())

	for _, pid := range plant.IDs() {
		assert.Equal(t, TransitionUnknown, s.Transition(pid))
		assert.Equal(t, ReadUnknown, s.Observed(pid).ReadStatus)
		assert.False(t, s.SchedulerRunning(pid))
		assert.Empty(t, s.RecordingStem(pid))
	}
	for _, key := range SeriesKeys() {
		assert.Equal(t, ManualInactive, s.Manual(key).Phase)
	}
}

func TestTransitionPlantGuarded(t *testing.T) {
	s := NewStore(plant.TransportLocal)
	s.SetTransition(plant.LIB, TransitionStopped)

	prev, ok := s.TransitionPlant(plant.LIB, []Transition{TransitionStopped, TransitionUnknown}, TransitionStarting)
	require.True(t, ok)
	assert.Equal(t, TransitionStopped, prev)
	assert.Equal(t, TransitionStarting, s.Transition(plant.LIB))

	// A second start attempt sees starting, which is not allowed.
	cur, ok := s.TransitionPlant(plant.LIB, []Transition{TransitionStopped, TransitionUnknown}, TransitionStarting)
	assert.False(t, ok)
	assert.Equal(t, TransitionStarting, cur)
	assert.Equal(t, TransitionStarting, s.Transition(plant.LIB))
}

func TestManualSlotLifecycle(t *testing.T) {
	s := NewStore(plant.TransportLocal)
	now := time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)
	series := schedule.ManualSeries{
		{T: now, Setpoint: 123.4},
		{T: now.Add(30 * time.Minute), Setpoint: 123.4},
	}

	phase, ok := s.TransitionManual(SeriesLibP, []ManualPhase{ManualInactive, ManualActive, ManualError}, ManualActivating)
	require.True(t, ok)
	assert.Equal(t, ManualInactive, phase)

	s.CompleteManualApply(SeriesLibP, series, now)
	slot := s.Manual(SeriesLibP)
	assert.Equal(t, ManualActive, slot.Phase)
	assert.True(t, slot.MergeEnabled)
	assert.Equal(t, series, slot.Applied)
	require.NotNil(t, slot.UpdatedAt)
	assert.Nil(t, slot.Error)

	// Update is only legal from active.
	_, ok = s.TransitionManual(SeriesLibQ, []ManualPhase{ManualActive}, ManualUpdating)
	assert.False(t, ok)
	_, ok = s.TransitionManual(SeriesLibP, []ManualPhase{ManualActive}, ManualUpdating)
	require.True(t, ok)
	s.CompleteManualApply(SeriesLibP, series, now.Add(time.Minute))

	_, ok = s.TransitionManual(SeriesLibP, []ManualPhase{ManualActive, ManualError}, ManualInactivating)
	require.True(t, ok)
	s.CompleteManualInactivate(SeriesLibP, now.Add(2*time.Minute))
	slot = s.Manual(SeriesLibP)
	assert.Equal(t, ManualInactive, slot.Phase)
	assert.False(t, slot.MergeEnabled)
	// The applied series is retained after inactivation.
	assert.Equal(t, series, slot.Applied)
}

func TestFailManual(t *testing.T) {
	s := NewStore(plant.TransportLocal)
	now := time.Now()

	s.FailManual(SeriesVrfbQ, "invalid_series", "row 1 is 30s after the previous row", now)
	slot := s.Manual(SeriesVrfbQ)
	assert.Equal(t, ManualError, slot.Phase)
	assert.False(t, slot.MergeEnabled)
	require.NotNil(t, slot.Error)
	assert.Equal(t, "invalid_series", slot.Error.Code)

	// Error is a legal start for a fresh activation.
	_, ok := s.TransitionManual(SeriesVrfbQ, []ManualPhase{ManualInactive, ManualActive, ManualError}, ManualActivating)
	assert.True(t, ok)
}

func TestScheduleInputsComposable(t *testing.T) {
	s := NewStore(plant.TransportLocal)
	day := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	rows := schedule.Frame{{T: day.Add(time.Hour), PKw: 100, QKvar: 10}}

	s.ReplaceAPIScheduleWindow(plant.LIB, day, day.AddDate(0, 0, 1), rows)
	s.SetSchedulerRunning(plant.LIB, true)
	series := schedule.ManualSeries{{T: day, Setpoint: 7}, {T: day.Add(time.Hour), Setpoint: 7}}
	s.CompleteManualApply(SeriesLibP, series, day)

	base, pOv, qOv, mode, gate := s.ScheduleInputs(plant.LIB)
	assert.Equal(t, rows, base)
	assert.True(t, pOv.Enabled)
	assert.Equal(t, series, pOv.Series)
	assert.False(t, qOv.Enabled)
	assert.Equal(t, plant.TransportLocal, mode)
	assert.True(t, gate)

	// The other plant is untouched.
	base, _, _, _, gate = s.ScheduleInputs(plant.VRFB)
	assert.Empty(t, base)
	assert.False(t, gate)
}

func TestReplaceAPIScheduleWindowKeepsOutside(t *testing.T) {
	s := NewStore(plant.TransportLocal)
	day := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	next := day.AddDate(0, 0, 1)

	s.ReplaceAPIScheduleWindow(plant.LIB, day, next, schedule.Frame{{T: day.Add(time.Hour), PKw: 1}})
	s.ReplaceAPIScheduleWindow(plant.LIB, next, next.AddDate(0, 0, 1), schedule.Frame{{T: next.Add(time.Hour), PKw: 2}})
	assert.Len(t, s.APISchedule(plant.LIB), 2)

	// Refetching today replaces only today's rows.
	s.ReplaceAPIScheduleWindow(plant.LIB, day, next, schedule.Frame{{T: day.Add(2 * time.Hour), PKw: 3}})
	got := s.APISchedule(plant.LIB)
	require.Len(t, got, 2)
	assert.Equal(t, 3.0, got[0].PKw)
	assert.Equal(t, 2.0, got[1].PKw)
}

func TestRecordingStems(t *testing.T) {
	s := NewStore(plant.TransportLocal)

	assert.True(t, s.SetRecordingStem(plant.LIB, "lib_plant"))
	assert.False(t, s.SetRecordingStem(plant.LIB, "lib_plant"))
	assert.Equal(t, "lib_plant", s.RecordingStem(plant.LIB))

	assert.True(t, s.ClearRecordingStem(plant.LIB))
	assert.False(t, s.ClearRecordingStem(plant.LIB))
	assert.Empty(t, s.RecordingStem(plant.LIB))
}

func TestSeedHandshake(t *testing.T) {
	s := NewStore(plant.TransportLocal)

	_, ok := s.TakeSeedRequest(plant.LIB)
	assert.False(t, ok)

	s.PublishSeedRequest(plant.LIB, SeedRequest{ID: "req-1", SocPu: 0.5})
	req, ok := s.TakeSeedRequest(plant.LIB)
	require.True(t, ok)
	assert.Equal(t, "req-1", req.ID)
	_, ok = s.TakeSeedRequest(plant.LIB)
	assert.False(t, ok, "request is consumed on take")

	s.PublishSeedResult(plant.LIB, SeedResult{RequestID: "req-1", Status: SeedApplied, SocPu: 0.5})
	res, ok := s.SeedResult(plant.LIB, "req-1")
	require.True(t, ok)
	assert.Equal(t, SeedApplied, res.Status)

	// A result for another request id is not visible.
	_, ok = s.SeedResult(plant.LIB, "req-2")
	assert.False(t, ok)

	// Publishing a new request drops the stale result.
	s.PublishSeedRequest(plant.LIB, SeedRequest{ID: "req-3", SocPu: 0.7})
	_, ok = s.SeedResult(plant.LIB, "req-1")
	assert.False(t, ok)
}

func TestAPIConnectionStateMachine(t *testing.T) {
	s := NewStore(plant.TransportLocal)
	now := time.Now()

	s.SetAPIConnection(APIConnecting, "", now)
	assert.Equal(t, APIConnecting, s.APIConnection().State)
	assert.Nil(t, s.APIConnection().LastLoginAt)

	s.SetAPIConnection(APIConnected, "", now.Add(time.Second))
	conn := s.APIConnection()
	assert.Equal(t, APIConnected, conn.State)
	require.NotNil(t, conn.LastLoginAt)

	s.SetAPIConnection(APIDisconnected, "unauthorized", now.Add(2*time.Second))
	conn = s.APIConnection()
	assert.Equal(t, APIDisconnected, conn.State)
	assert.Equal(t, "unauthorized", conn.Reason)
	// Login time survives the disconnect.
	assert.NotNil(t, conn.LastLoginAt)
}

func TestSnapshotIsolation(t *testing.T) {
	s := NewStore(plant.TransportRemote)
	now := time.Now()
	enable := 1
	s.SetObserved(plant.LIB, Observed{EnableState: &enable, ReadStatus: ReadOK, LastAttempt: now})
	s.SetRecordingStem(plant.LIB, "lib_plant")
	s.SetPostingEnabled(true)

	snap := s.Snapshot()
	assert.Equal(t, plant.TransportRemote, snap.TransportMode)
	assert.True(t, snap.PostingEnabled)
	assert.Equal(t, "lib_plant", snap.Recording[plant.LIB])
	require.NotNil(t, snap.Observed[plant.LIB].EnableState)
	assert.Equal(t, 1, *snap.Observed[plant.LIB].EnableState)

	// Mutating the snapshot must not reach the store.
	*snap.Observed[plant.LIB].EnableState = 9
	snap.Recording[plant.LIB] = "other"
	require.NotNil(t, s.Observed(plant.LIB).EnableState)
	assert.Equal(t, 1, *s.Observed(plant.LIB).EnableState)
	assert.Equal(t, "lib_plant", s.RecordingStem(plant.LIB))
}

func TestSeriesKeyHelpers(t *testing.T) {
	pKey, qKey := SeriesFor(plant.LIB)
	assert.Equal(t, SeriesLibP, pKey)
	assert.Equal(t, SeriesLibQ, qKey)
	pKey, qKey = SeriesFor(plant.VRFB)
	assert.Equal(t, SeriesVrfbP, pKey)
	assert.Equal(t, SeriesVrfbQ, qKey)

	key, err := ParseSeriesKey("vrfb_q")
	require.NoError(t, err)
	assert.Equal(t, SeriesVrfbQ, key)
	_, err = ParseSeriesKey("lib_x")
	assert.Error(t, err)

	assert.Len(t, SeriesKeys(), 4)
}
