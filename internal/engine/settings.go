package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hilsched/internal/observability"
	"hilsched/internal/schedule"
	"hilsched/internal/state"
	"hilsched/internal/timeutil"
)

// authAPI is the slice of the upstream client the settings engine
// needs.
type authAPI interface {
	Login(ctx context.Context, password string) error
	ClearSession()
}

// SettingsConfig wires the settings engine.
type SettingsConfig struct {
	Period time.Duration
	// ScheduleWindow bounds manual series to the effective horizon.
	ScheduleWindow time.Duration
}

// Settings executes manual-series, API-session and posting commands,
// one per cycle.
type Settings struct {
	cfg   SettingsConfig
	api   authAPI
	store *state.Store
	tz    *timeutil.Service
	log   *zap.Logger

	activeID      string
	lastException string
}

func NewSettings(cfg SettingsConfig, api authAPI, st *state.Store, tz *timeutil.Service, log *zap.Logger) *Settings {
	return &Settings{cfg: cfg, api: api, store: st, tz: tz, log: log}
}

// Run drives the engine until the context ends.
func (e *Settings) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.loop(ctx)
		}
	}
}

func (e *Settings) loop(ctx context.Context) {
	start := e.tz.Now()

	if cmd, ok := e.store.SettingsQueue().Dequeue(); ok {
		e.store.SettingsQueue().MarkRunning(cmd.ID)
		e.activeID = cmd.ID
		e.publishStatus(start, nil)
		e.runCommand(ctx, cmd)
		e.activeID = ""
	}

	end := e.tz.Now()
	e.publishStatus(start, &end)
	observability.EngineLoopDuration.WithLabelValues("settings").Observe(end.Sub(start).Seconds())
}

func (e *Settings) publishStatus(start time.Time, end *time.Time) {
	q := e.store.SettingsQueue()
	queued, running, failedRecent := q.Counts()
	st := state.EngineStatus{
		Alive:             true,
		LastLoopStart:     &start,
		LastLoopEnd:       end,
		LastException:     e.lastException,
		ActiveCommandID:   e.activeID,
		QueueDepth:        q.Depth(),
		QueuedCount:       queued,
		RunningCount:      running,
		FailedRecentCount: failedRecent,
	}
	if last, ok := q.LastFinished(); ok {
		st.LastFinishedCommand = &last
	}
	e.store.SetSettingsEngineStatus(st)
	observability.CommandQueueDepth.WithLabelValues("settings").Set(float64(st.QueueDepth))
}

func (e *Settings) runCommand(ctx context.Context, cmd state.Command) {
	defer func() {
		if r := recover(); r != nil {
			e.lastException = fmt.Sprintf("%s: %v", cmd.Kind, r)
			e.store.SettingsQueue().Finish(cmd.ID, state.CommandFailed, fmt.Sprintf("panic: %v", r), nil)
			observability.Commands.WithLabelValues("settings", cmd.Kind, string(state.CommandFailed)).Inc()
			e.log.Error("command panicked",
				zap.String("id", cmd.ID),
				zap.String("kind", cmd.Kind),
				zap.Any("panic", r))
		}
	}()

	final, message, result := e.execute(ctx, cmd)
	e.store.SettingsQueue().Finish(cmd.ID, final, message, result)
	observability.Commands.WithLabelValues("settings", cmd.Kind, string(final)).Inc()
	e.log.Info("command finished",
		zap.String("id", cmd.ID),
		zap.String("kind", cmd.Kind),
		zap.String("state", string(final)),
		zap.String("message", message))
}

func (e *Settings) execute(ctx context.Context, cmd state.Command) (state.CommandState, string, map[string]any) {
	switch cmd.Kind {
	case state.KindManualActivate:
		return e.cmdManualApply(cmd, false)
	case state.KindManualUpdate:
		return e.cmdManualApply(cmd, true)
	case state.KindManualInactivate:
		return e.cmdManualInactivate(cmd)
	case state.KindAPIConnect:
		return e.cmdAPIConnect(ctx, cmd)
	case state.KindAPIDisconnect:
		return e.cmdAPIDisconnect()
	case state.KindPostingEnable:
		return e.cmdPosting(true)
	case state.KindPostingDisable:
		return e.cmdPosting(false)
	default:
		return state.CommandRejected, "unknown_kind", nil
	}
}

// cmdManualApply handles activate and update. Both normalize the
// submitted rows against today's window before the slot goes active;
// a rejected series leaves the slot in the error phase.
func (e *Settings) cmdManualApply(cmd state.Command, update bool) (state.CommandState, string, map[string]any) {
	raw, _ := cmd.PayloadString("series")
	key, err := state.ParseSeriesKey(raw)
	if err != nil {
		return state.CommandRejected, "invalid_series_key", nil
	}
	rows, ok := cmd.Payload["series_rows"].(schedule.ManualSeries)
	if !ok || len(rows) == 0 {
		return state.CommandRejected, "missing_series_rows", nil
	}

	if update {
		if cur, ok := e.store.TransitionManual(key, []state.ManualPhase{state.ManualActive}, state.ManualUpdating); !ok {
			if cur.Transitioning() {
				return state.CommandRejected, "already_transitioning", nil
			}
			return state.CommandRejected, "not_active", nil
		}
	} else {
		allowed := []state.ManualPhase{state.ManualInactive, state.ManualActive, state.ManualError}
		if _, ok := e.store.TransitionManual(key, allowed, state.ManualActivating); !ok {
			return state.CommandRejected, "already_transitioning", nil
		}
	}

	now := e.tz.Now()
	normalized, err := schedule.Normalize(rows, e.tz.StartOfDay(now), e.cfg.ScheduleWindow)
	if err != nil {
		e.store.FailManual(key, "invalid_series", err.Error(), now)
		return state.CommandRejected, fmt.Sprintf("invalid_series: %v", err), nil
	}
	e.store.CompleteManualApply(key, normalized, now)

	verb := "activated"
	if update {
		verb = "updated"
	}
	e.log.Info("manual series "+verb,
		zap.String("series", string(key)),
		zap.Int("rows", len(normalized)))
	return state.CommandSucceeded, "manual series " + verb, map[string]any{
		"series": string(key),
		"rows":   len(normalized),
	}
}

func (e *Settings) cmdManualInactivate(cmd state.Command) (state.CommandState, string, map[string]any) {
	raw, _ := cmd.PayloadString("series")
	key, err := state.ParseSeriesKey(raw)
	if err != nil {
		return state.CommandRejected, "invalid_series_key", nil
	}
	slot := e.store.Manual(key)
	if slot.Phase == state.ManualInactive {
		return state.CommandSucceeded, "already inactive", map[string]any{"noop": true}
	}
	allowed := []state.ManualPhase{state.ManualActive, state.ManualError}
	if _, ok := e.store.TransitionManual(key, allowed, state.ManualInactivating); !ok {
		return state.CommandRejected, "already_transitioning", nil
	}
	e.store.CompleteManualInactivate(key, e.tz.Now())
	e.log.Info("manual series inactivated", zap.String("series", string(key)))
	return state.CommandSucceeded, "manual series inactive", map[string]any{"series": string(key)}
}

func (e *Settings) cmdAPIConnect(ctx context.Context, cmd state.Command) (state.CommandState, string, map[string]any) {
	password, _ := cmd.PayloadString("password")
	if password == "" {
		// Reconnect with the retained credential.
		password = e.store.APIPassword()
	}
	if password == "" {
		return state.CommandRejected, "missing_password", nil
	}

	e.store.SetAPIConnection(state.APIConnecting, "login", e.tz.Now())
	observability.SetAPIConnectionState(state.APIConnecting)

	if err := e.api.Login(ctx, password); err != nil {
		e.store.SetAPIConnection(state.APIDisconnected, "login_failed", e.tz.Now())
		observability.SetAPIConnectionState(state.APIDisconnected)
		e.log.Warn("api login failed", zap.Error(err))
		return state.CommandFailed, fmt.Sprintf("connect_failed: %v", err), nil
	}

	e.store.SetAPIPassword(password)
	e.store.SetAPIConnection(state.APIConnected, "", e.tz.Now())
	observability.SetAPIConnectionState(state.APIConnected)
	e.log.Info("api connected")
	return state.CommandSucceeded, "api connected", nil
}

// cmdAPIDisconnect drops the session token but keeps the password so
// a later connect without payload works.
func (e *Settings) cmdAPIDisconnect() (state.CommandState, string, map[string]any) {
	e.api.ClearSession()
	e.store.SetAPIConnection(state.APIDisconnected, "operator", e.tz.Now())
	observability.SetAPIConnectionState(state.APIDisconnected)
	e.log.Info("api disconnected")
	return state.CommandSucceeded, "api disconnected", nil
}

func (e *Settings) cmdPosting(enabled bool) (state.CommandState, string, map[string]any) {
	e.store.SetPostingEnabled(enabled)
	if enabled {
		return state.CommandSucceeded, "posting enabled", nil
	}
	return state.CommandSucceeded, "posting disabled", nil
}
