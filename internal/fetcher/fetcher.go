// Package fetcher keeps the two-day API schedule window current:
// today's day program plus, after the publication gate, tomorrow's.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hilsched/internal/observability"
	"hilsched/internal/plant"
	"hilsched/internal/schedule"
	"hilsched/internal/state"
	"hilsched/internal/timeutil"
	"hilsched/internal/upstream"
)

// scheduleAPI is the slice of the upstream client the fetcher needs.
type scheduleAPI interface {
	DaySchedules(ctx context.Context, dayStart time.Time) (map[plant.ID]schedule.Frame, error)
}

// Config wires the fetch loop.
type Config struct {
	Period time.Duration
	// TomorrowGate is the local wall-clock time after which the
	// next day's program is polled.
	TomorrowGate timeutil.ClockTime
}

// Fetcher polls the upstream API for day programs and swaps them
// into the shared schedule atomically per civil day.
type Fetcher struct {
	cfg   Config
	api   scheduleAPI
	store *state.Store
	tz    *timeutil.Service
	log   *zap.Logger
}

func New(cfg Config, api scheduleAPI, st *state.Store, tz *timeutil.Service, log *zap.Logger) *Fetcher {
	return &Fetcher{cfg: cfg, api: api, store: st, tz: tz, log: log}
}

// Run polls until the context ends.
func (f *Fetcher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.cycle(ctx, f.tz.Now())
		}
	}
}

// cycle advances the civil-day window and fetches whichever of the
// two days is still missing. Nothing is polled while the API session
// is down; the window bookkeeping still runs so a reconnect resumes
// with current dates.
func (f *Fetcher) cycle(ctx context.Context, now time.Time) {
	st := f.store.FetchStatus()
	f.reconcileDates(&st, now)

	if f.store.APIConnection().State != state.APIConnected {
		f.store.SetFetchStatus(st)
		return
	}

	dayStart := f.tz.StartOfDay(now)
	attempted := false

	if !st.TodayFetched {
		attempted = true
		f.fetchDay(ctx, "today", dayStart, &st.TodayFetched, &st.TodayPointsByPlant, &st)
	}

	if !st.TomorrowFetched {
		gate := f.cfg.TomorrowGate.On(now, f.tz)
		if now.Before(gate) {
			f.log.Debug("tomorrow poll gate not reached", zap.Time("gate", gate))
		} else {
			attempted = true
			f.fetchDay(ctx, "tomorrow", dayStart.AddDate(0, 0, 1), &st.TomorrowFetched, &st.TomorrowPointsByPlant, &st)
		}
	}

	if attempted {
		t := now
		st.LastAttempt = &t
	}
	f.store.SetFetchStatus(st)
}

// reconcileDates rolls the today/tomorrow slots forward when the
// civil date advanced. A fetched tomorrow becomes today; anything
// else resets and is re-fetched.
func (f *Fetcher) reconcileDates(st *state.FetchStatus, now time.Time) {
	today := f.tz.CivilDate(now)
	tomorrow := f.tz.CivilDate(f.tz.StartOfDay(now).AddDate(0, 0, 1))
	if st.TodayDate == today {
		if st.TomorrowDate == "" {
			st.TomorrowDate = tomorrow
		}
		return
	}

	if st.TomorrowDate == today {
		st.TodayFetched = st.TomorrowFetched
		st.TodayPointsByPlant = st.TomorrowPointsByPlant
	} else {
		st.TodayFetched = false
		st.TodayPointsByPlant = nil
	}
	st.TodayDate = today
	st.TomorrowDate = tomorrow
	st.TomorrowFetched = false
	st.TomorrowPointsByPlant = nil
	f.log.Info("fetch window advanced",
		zap.String("today", today),
		zap.Bool("today_fetched", st.TodayFetched))
}

// fetchDay pulls one civil day and swaps each plant's window in. The
// day counts as fetched only when both plants returned points, so an
// unpublished or partial program is retried next cycle.
func (f *Fetcher) fetchDay(ctx context.Context, purpose string, dayStart time.Time, fetched *bool, pts *map[plant.ID]int, st *state.FetchStatus) {
	frames, err := f.api.DaySchedules(ctx, dayStart)
	if err != nil {
		observability.FetchAttempts.WithLabelValues(purpose, "error").Inc()
		st.Error = fmt.Sprintf("%s fetch: %v", purpose, err)
		f.log.Warn("schedule fetch failed", zap.String("purpose", purpose), zap.Error(err))
		if errors.Is(err, upstream.ErrUnauthorized) || errors.Is(err, upstream.ErrNoPassword) {
			f.store.SetAPIConnection(state.APIDisconnected, "unauthorized", f.tz.Now())
			observability.SetAPIConnectionState(state.APIDisconnected)
		}
		return
	}

	counts := make(map[plant.ID]int, len(frames))
	total := 0
	complete := true
	for _, pid := range plant.IDs() {
		frame := frames[pid]
		counts[pid] = len(frame)
		total += len(frame)
		if len(frame) == 0 {
			complete = false
			continue
		}
		f.store.ReplaceAPIScheduleWindow(pid, dayStart, dayStart.AddDate(0, 0, 1), frame)
	}
	*pts = counts

	switch {
	case complete:
		*fetched = true
		st.Error = ""
		observability.FetchAttempts.WithLabelValues(purpose, "ok").Inc()
		f.log.Info("schedule fetched",
			zap.String("purpose", purpose),
			zap.String("day", f.tz.CivilDate(dayStart)),
			zap.Int("lib_points", counts[plant.LIB]),
			zap.Int("vrfb_points", counts[plant.VRFB]))
	case total == 0:
		st.Error = purpose + " schedule not yet published"
		observability.FetchAttempts.WithLabelValues(purpose, "empty").Inc()
		f.log.Debug("schedule not yet published", zap.String("purpose", purpose))
	default:
		st.Error = fmt.Sprintf("%s schedule incomplete: lib=%d vrfb=%d",
			purpose, counts[plant.LIB], counts[plant.VRFB])
		observability.FetchAttempts.WithLabelValues(purpose, "partial").Inc()
		f.log.Warn("schedule incomplete",
			zap.String("purpose", purpose),
			zap.Int("lib_points", counts[plant.LIB]),
			zap.Int("vrfb_points", counts[plant.VRFB]))
	}
}
