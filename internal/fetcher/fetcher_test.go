package fetcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hilsched/internal/plant"
	"hilsched/internal/schedule"
	"hilsched/internal/state"
	"hilsched/internal/timeutil"
	"hilsched/internal/upstream"
)

// MockSchedules serves canned day programs keyed by civil date.
type MockSchedules struct {
	byDay map[string]map[plant.ID]schedule.Frame
	err   error
	calls []time.Time
}

func (m *MockSchedules) DaySchedules(_ context.Context, dayStart time.Time) (map[plant.ID]schedule.Frame, error) {
	m.calls = append(m.calls, dayStart)
	if m.err != nil {
		return nil, m.err
	}
	if frames, ok := m.byDay[dayStart.Format("2006-01-02")]; ok {
		return frames, nil
	}
	return map[plant.ID]schedule.Frame{plant.LIB: {}, plant.VRFB: {}}, nil
}

func dayFrames(dayStart time.Time, n int) map[plant.ID]schedule.Frame {
	frames := map[plant.ID]schedule.Frame{}
	for _, pid := range plant.IDs() {
		f := make(schedule.Frame, 0, n)
		for i := 0; i < n; i++ {
			f = append(f, schedule.Point{T: dayStart.Add(time.Duration(i) * 15 * time.Minute), PKw: float64(100 + i)})
		}
		frames[pid] = f
	}
	return frames
}

func newTestFetcher(t *testing.T) (*Fetcher, *MockSchedules, *state.Store, *timeutil.Service) {
	t.Helper()
	tz, err := timeutil.NewService("Europe/Madrid", timeutil.NaiveAssumeConfigTZ)
	require.NoError(t, err)
	gate, err := timeutil.ParseClock("14:30")
	require.NoError(t, err)

	st := state.NewStore(plant.TransportLocal)
	api := &MockSchedules{byDay: map[string]map[plant.ID]schedule.Frame{}}
	f := New(Config{Period: 30 * time.Second, TomorrowGate: gate}, api, st, tz, zap.NewNop())
	return f, api, st, tz
}

func connect(st *state.Store) {
	st.SetAPIConnection(state.APIConnected, "", time.Now())
}

func TestCycleDisconnectedOnlyBookkeeps(t *testing.T) {
	f, api, st, tz := newTestFetcher(t)
	now := time.Date(2026, 6, 15, 10, 15, 0, 0, tz.Location())

	f.cycle(context.Background(), now)

	assert.Empty(t, api.calls)
	status := st.FetchStatus()
	assert.Equal(t, "2026-06-15", status.TodayDate)
	assert.Equal(t, "2026-06-16", status.TomorrowDate)
	assert.False(t, status.TodayFetched)
	assert.Nil(t, status.LastAttempt)
}

func TestCycleFetchesTodayBeforeGate(t *testing.T) {
	f, api, st, tz := newTestFetcher(t)
	connect(st)
	now := time.Date(2026, 6, 15, 10, 15, 0, 0, tz.Location())
	dayStart := tz.StartOfDay(now)
	api.byDay["2026-06-15"] = dayFrames(dayStart, 96)

	f.cycle(context.Background(), now)

	require.Len(t, api.calls, 1, "before the gate only today is polled")
	assert.True(t, api.calls[0].Equal(dayStart))

	status := st.FetchStatus()
	assert.True(t, status.TodayFetched)
	assert.False(t, status.TomorrowFetched)
	assert.Equal(t, 96, status.TodayPointsByPlant[plant.LIB])
	assert.Equal(t, 96, status.TodayPointsByPlant[plant.VRFB])
	assert.Empty(t, status.Error)
	require.NotNil(t, status.LastAttempt)
	assert.Len(t, st.APISchedule(plant.LIB), 96)

	// A fetched day is not polled again.
	f.cycle(context.Background(), now.Add(30*time.Second))
	assert.Len(t, api.calls, 1)
}

func TestCycleFetchesTomorrowAfterGate(t *testing.T) {
	f, api, st, tz := newTestFetcher(t)
	connect(st)
	morning := time.Date(2026, 6, 15, 10, 15, 0, 0, tz.Location())
	afternoon := time.Date(2026, 6, 15, 15, 0, 0, 0, tz.Location())
	dayStart := tz.StartOfDay(morning)
	nextStart := dayStart.AddDate(0, 0, 1)
	api.byDay["2026-06-15"] = dayFrames(dayStart, 96)
	api.byDay["2026-06-16"] = dayFrames(nextStart, 96)

	f.cycle(context.Background(), morning)
	require.Len(t, api.calls, 1)

	f.cycle(context.Background(), afternoon)
	require.Len(t, api.calls, 2)
	assert.True(t, api.calls[1].Equal(nextStart))

	status := st.FetchStatus()
	assert.True(t, status.TodayFetched)
	assert.True(t, status.TomorrowFetched)
	assert.Equal(t, 96, status.TomorrowPointsByPlant[plant.LIB])
	// Both day programs now live in the schedule window.
	assert.Len(t, st.APISchedule(plant.LIB), 192)
}

func TestDayRolloverPromotesTomorrow(t *testing.T) {
	f, api, st, tz := newTestFetcher(t)
	connect(st)
	afternoon := time.Date(2026, 6, 15, 15, 0, 0, 0, tz.Location())
	dayStart := tz.StartOfDay(afternoon)
	api.byDay["2026-06-15"] = dayFrames(dayStart, 96)
	api.byDay["2026-06-16"] = dayFrames(dayStart.AddDate(0, 0, 1), 96)

	f.cycle(context.Background(), afternoon)
	require.True(t, st.FetchStatus().TomorrowFetched)

	// After midnight the fetched tomorrow becomes today wholesale.
	nextMorning := time.Date(2026, 6, 16, 6, 0, 0, 0, tz.Location())
	f.cycle(context.Background(), nextMorning)

	status := st.FetchStatus()
	assert.Equal(t, "2026-06-16", status.TodayDate)
	assert.Equal(t, "2026-06-17", status.TomorrowDate)
	assert.True(t, status.TodayFetched)
	assert.Equal(t, 96, status.TodayPointsByPlant[plant.LIB])
	assert.False(t, status.TomorrowFetched)
	assert.Empty(t, status.TomorrowPointsByPlant)
	// No fresh poll happened: today is covered and the gate is ahead.
	assert.Len(t, api.calls, 2)
}

func TestDayRolloverWithoutTomorrowResets(t *testing.T) {
	f, api, st, tz := newTestFetcher(t)
	connect(st)
	morning := time.Date(2026, 6, 15, 10, 15, 0, 0, tz.Location())
	api.byDay["2026-06-15"] = dayFrames(tz.StartOfDay(morning), 96)

	f.cycle(context.Background(), morning)
	require.True(t, st.FetchStatus().TodayFetched)

	// Two days later nothing carries over.
	later := time.Date(2026, 6, 17, 10, 0, 0, 0, tz.Location())
	api.byDay["2026-06-17"] = dayFrames(tz.StartOfDay(later), 96)
	f.cycle(context.Background(), later)

	status := st.FetchStatus()
	assert.Equal(t, "2026-06-17", status.TodayDate)
	assert.True(t, status.TodayFetched, "the new day was re-fetched")
	assert.Len(t, api.calls, 2)
}

func TestEmptyScheduleRetriesNextCycle(t *testing.T) {
	f, api, st, tz := newTestFetcher(t)
	connect(st)
	now := time.Date(2026, 6, 15, 10, 15, 0, 0, tz.Location())

	f.cycle(context.Background(), now)
	status := st.FetchStatus()
	assert.False(t, status.TodayFetched)
	assert.Contains(t, status.Error, "not yet published")

	f.cycle(context.Background(), now.Add(30*time.Second))
	assert.Len(t, api.calls, 2, "an unpublished day is polled again")
}

func TestPartialScheduleRecorded(t *testing.T) {
	f, api, st, tz := newTestFetcher(t)
	connect(st)
	now := time.Date(2026, 6, 15, 10, 15, 0, 0, tz.Location())
	dayStart := tz.StartOfDay(now)
	frames := dayFrames(dayStart, 96)
	frames[plant.VRFB] = schedule.Frame{}
	api.byDay["2026-06-15"] = frames

	f.cycle(context.Background(), now)

	status := st.FetchStatus()
	assert.False(t, status.TodayFetched)
	assert.Contains(t, status.Error, "incomplete")
	assert.Equal(t, 96, status.TodayPointsByPlant[plant.LIB])
	assert.Zero(t, status.TodayPointsByPlant[plant.VRFB])
	// The complete plant's rows are still swapped in.
	assert.Len(t, st.APISchedule(plant.LIB), 96)
	assert.Empty(t, st.APISchedule(plant.VRFB))
}

func TestAuthFailureDropsSession(t *testing.T) {
	f, api, st, tz := newTestFetcher(t)
	connect(st)
	api.err = fmt.Errorf("fetch market products: %w", upstream.ErrUnauthorized)
	now := time.Date(2026, 6, 15, 10, 15, 0, 0, tz.Location())

	f.cycle(context.Background(), now)

	status := st.FetchStatus()
	assert.Contains(t, status.Error, "today fetch")
	conn := st.APIConnection()
	assert.Equal(t, state.APIDisconnected, conn.State)
	assert.Equal(t, "unauthorized", conn.Reason)
}
