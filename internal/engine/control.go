package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hilsched/internal/emulator"
	"hilsched/internal/observability"
	"hilsched/internal/plant"
	"hilsched/internal/recorder"
	"hilsched/internal/state"
	"hilsched/internal/timeutil"
)

const (
	// stopSettleBandKw is the battery power band treated as settled
	// during a safe stop.
	stopSettleBandKw  = 1.0
	stopSettleTimeout = 30 * time.Second
	stopSettlePoll    = 500 * time.Millisecond

	seedResultTimeout = 1500 * time.Millisecond
	seedResultPoll    = 50 * time.Millisecond
)

// ControlConfig wires the control engine.
type ControlConfig struct {
	Period             time.Duration
	ObservedStaleAfter time.Duration
	ModbusTimeout      time.Duration
	// InitialSocPu seeds the emulator when no persisted charge
	// exists for a plant.
	InitialSocPu float64
	DataDir      string
	// PlantNames feed the recording file stems.
	PlantNames map[plant.ID]string
	Resolve    state.EndpointResolver
}

// Control refreshes the observed plant state every cycle and executes
// at most one lifecycle command per cycle, sequentially.
type Control struct {
	cfg   ControlConfig
	io    plantIO
	store *state.Store
	tz    *timeutil.Service
	log   *zap.Logger

	activeID      string
	lastException string
}

func NewControl(cfg ControlConfig, st *state.Store, tz *timeutil.Service, log *zap.Logger) *Control {
	return newControl(cfg, newModbusIO(cfg.Resolve, st, cfg.ModbusTimeout), st, tz, log)
}

func newControl(cfg ControlConfig, io plantIO, st *state.Store, tz *timeutil.Service, log *zap.Logger) *Control {
	return &Control{cfg: cfg, io: io, store: st, tz: tz, log: log}
}

// Run drives the engine until the context ends.
func (e *Control) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, pid := range plant.IDs() {
				e.io.Reset(pid)
			}
			return
		case <-ticker.C:
			e.loop(ctx)
		}
	}
}

func (e *Control) loop(ctx context.Context) {
	start := e.tz.Now()
	e.refreshAll(start)
	refreshed := start

	if cmd, ok := e.store.ControlQueue().Dequeue(); ok {
		e.store.ControlQueue().MarkRunning(cmd.ID)
		e.activeID = cmd.ID
		e.publishStatus(start, nil, refreshed)
		e.runCommand(ctx, cmd)
		e.activeID = ""
		refreshed = e.tz.Now()
		e.refreshAll(refreshed)
	}

	end := e.tz.Now()
	e.publishStatus(start, &end, refreshed)
	observability.EngineLoopDuration.WithLabelValues("control").Observe(end.Sub(start).Seconds())
}

func (e *Control) publishStatus(start time.Time, end *time.Time, refreshed time.Time) {
	q := e.store.ControlQueue()
	queued, running, failedRecent := q.Counts()
	st := state.EngineStatus{
		Alive:               true,
		LastLoopStart:       &start,
		LastLoopEnd:         end,
		LastObservedRefresh: &refreshed,
		LastException:       e.lastException,
		ActiveCommandID:     e.activeID,
		QueueDepth:          q.Depth(),
		QueuedCount:         queued,
		RunningCount:        running,
		FailedRecentCount:   failedRecent,
	}
	if last, ok := q.LastFinished(); ok {
		st.LastFinishedCommand = &last
	}
	e.store.SetControlEngineStatus(st)
	observability.CommandQueueDepth.WithLabelValues("control").Set(float64(st.QueueDepth))
}

func (e *Control) refreshAll(now time.Time) {
	for _, pid := range plant.IDs() {
		e.refreshObserved(pid, now)
	}
}

// refreshObserved reads the enable bit and battery powers, carrying
// the last known values through failures so the snapshot keeps
// showing them alongside the failure classification.
func (e *Control) refreshObserved(pid plant.ID, now time.Time) {
	prior := e.store.Observed(pid)
	obs := state.Observed{LastAttempt: now}

	enable, pKw, qKvar, err := e.io.ReadObserved(pid)
	if err != nil {
		status, code := state.ReadError, "read_error"
		if errors.Is(err, errConnect) {
			status, code = state.ReadConnectFailed, "connect_failed"
		}
		obs.ReadStatus = status
		obs.ConsecutiveFailures = prior.ConsecutiveFailures + 1
		obs.LastError = &state.LastError{Timestamp: now, Code: code, Message: err.Error()}
		obs.EnableState = prior.EnableState
		obs.PBatteryKw = prior.PBatteryKw
		obs.QBatteryKvar = prior.QBatteryKvar
		obs.LastSuccess = prior.LastSuccess
		if prior.ConsecutiveFailures == 0 {
			e.log.Warn("observed read failed", zap.String("plant", string(pid)), zap.Error(err))
		}
	} else {
		obs.EnableState = &enable
		obs.PBatteryKw = &pKw
		obs.QBatteryKvar = &qKvar
		obs.LastSuccess = &now
		obs.ReadStatus = state.ReadOK
		obs.LastError = prior.LastError
		if prior.ConsecutiveFailures > 0 {
			e.log.Info("observed read recovered",
				zap.String("plant", string(pid)),
				zap.Uint32("failures", prior.ConsecutiveFailures))
		}
	}
	obs.Stale = obs.LastSuccess == nil || now.Sub(*obs.LastSuccess) > e.cfg.ObservedStaleAfter
	e.store.SetObserved(pid, obs)

	observability.SetObservedReadStatus(string(pid), obs.ReadStatus)
	stale := 0.0
	if obs.Stale {
		stale = 1
	}
	observability.ObservedStale.WithLabelValues(string(pid)).Set(stale)

	if obs.ReadStatus == state.ReadOK {
		e.reconcileTransition(pid, enable)
	}
}

// reconcileTransition aligns the lifecycle state with a fresh enable
// read. In-flight starting/stopping states belong to the command
// handler and are left alone.
func (e *Control) reconcileTransition(pid plant.ID, enable int) {
	switch e.store.Transition(pid) {
	case state.TransitionUnknown:
		to := state.TransitionStopped
		if enable == 1 {
			to = state.TransitionRunning
		}
		e.store.SetTransition(pid, to)
		e.log.Info("transition resolved from enable bit",
			zap.String("plant", string(pid)),
			zap.String("transition", string(to)))
	case state.TransitionStopped:
		if enable == 1 {
			e.store.SetTransition(pid, state.TransitionRunning)
			e.log.Warn("plant enabled outside scheduler control", zap.String("plant", string(pid)))
		}
	case state.TransitionRunning:
		if enable == 0 {
			e.store.SetTransition(pid, state.TransitionStopped)
			e.log.Warn("plant disabled outside scheduler control", zap.String("plant", string(pid)))
		}
	}
}

func (e *Control) runCommand(ctx context.Context, cmd state.Command) {
	defer func() {
		if r := recover(); r != nil {
			e.lastException = fmt.Sprintf("%s: %v", cmd.Kind, r)
			e.store.ControlQueue().Finish(cmd.ID, state.CommandFailed, fmt.Sprintf("panic: %v", r), nil)
			observability.Commands.WithLabelValues("control", cmd.Kind, string(state.CommandFailed)).Inc()
			e.log.Error("command panicked",
				zap.String("id", cmd.ID),
				zap.String("kind", cmd.Kind),
				zap.Any("panic", r))
		}
	}()

	final, message, result := e.execute(ctx, cmd)
	e.store.ControlQueue().Finish(cmd.ID, final, message, result)
	observability.Commands.WithLabelValues("control", cmd.Kind, string(final)).Inc()
	e.log.Info("command finished",
		zap.String("id", cmd.ID),
		zap.String("kind", cmd.Kind),
		zap.String("state", string(final)),
		zap.String("message", message))
}

func (e *Control) execute(ctx context.Context, cmd state.Command) (state.CommandState, string, map[string]any) {
	switch cmd.Kind {
	case state.KindPlantStart:
		return e.cmdPlantStart(ctx, cmd)
	case state.KindPlantStop:
		return e.cmdPlantStop(ctx, cmd)
	case state.KindDispatchEnable:
		return e.cmdDispatchGate(cmd, true)
	case state.KindDispatchDisable:
		return e.cmdDispatchGate(cmd, false)
	case state.KindRecordStart:
		return e.cmdRecordStart(cmd)
	case state.KindRecordStop:
		return e.cmdRecordStop(cmd)
	case state.KindFleetStartAll:
		return e.cmdFleetStartAll(ctx)
	case state.KindFleetStopAll:
		return e.cmdFleetStopAll(ctx)
	case state.KindTransportSwitch:
		return e.cmdTransportSwitch(ctx, cmd)
	default:
		return state.CommandRejected, "unknown_kind", nil
	}
}

func payloadPlant(cmd state.Command) (plant.ID, error) {
	raw, _ := cmd.PayloadString("plant")
	return plant.Parse(raw)
}

func (e *Control) cmdPlantStart(ctx context.Context, cmd state.Command) (state.CommandState, string, map[string]any) {
	pid, err := payloadPlant(cmd)
	if err != nil {
		return state.CommandRejected, "invalid_plant", nil
	}
	switch e.store.Transition(pid) {
	case state.TransitionRunning, state.TransitionStarting:
		return state.CommandRejected, "already_running", nil
	case state.TransitionStopping:
		return state.CommandRejected, "stop_in_progress", nil
	}
	if err := e.startPlant(ctx, pid); err != nil {
		return state.CommandFailed, fmt.Sprintf("enable_failed: %v", err), nil
	}
	return state.CommandSucceeded, "started", map[string]any{
		"transport": string(e.store.TransportMode()),
	}
}

func (e *Control) cmdPlantStop(ctx context.Context, cmd state.Command) (state.CommandState, string, map[string]any) {
	pid, err := payloadPlant(cmd)
	if err != nil {
		return state.CommandRejected, "invalid_plant", nil
	}
	switch e.store.Transition(pid) {
	case state.TransitionStopped, state.TransitionStopping:
		return state.CommandRejected, "already_stopped", nil
	case state.TransitionStarting:
		return state.CommandRejected, "start_in_progress", nil
	}
	if err := e.stopPlant(ctx, pid); err != nil {
		return state.CommandFailed, fmt.Sprintf("disable_failed: %v", err), nil
	}
	return state.CommandSucceeded, "stopped", map[string]any{"disable_ok": true}
}

// startPlant seeds the emulator in local mode, then raises enable.
func (e *Control) startPlant(ctx context.Context, pid plant.ID) error {
	prev := e.store.Transition(pid)
	if prev == state.TransitionRunning || prev == state.TransitionStarting {
		return nil
	}
	e.store.SetTransition(pid, state.TransitionStarting)

	if e.store.TransportMode() == plant.TransportLocal {
		e.seedSoc(ctx, pid)
	}
	if err := e.io.WriteEnable(pid, true); err != nil {
		e.store.SetTransition(pid, prev)
		return err
	}
	e.store.SetTransition(pid, state.TransitionRunning)
	e.log.Info("plant started", zap.String("plant", string(pid)))
	return nil
}

// stopPlant drives one plant to a verified stop: zero both
// setpoints, wait for battery power to settle, then drop enable.
func (e *Control) stopPlant(ctx context.Context, pid plant.ID) error {
	e.store.SetTransition(pid, state.TransitionStopping)
	if err := e.io.WriteSetpoints(pid, 0, 0); err != nil {
		e.store.SetTransition(pid, state.TransitionUnknown)
		return fmt.Errorf("zero setpoints: %w", err)
	}
	e.waitSettled(ctx, pid)
	if err := e.io.WriteEnable(pid, false); err != nil {
		e.store.SetTransition(pid, state.TransitionUnknown)
		return fmt.Errorf("disable: %w", err)
	}
	e.store.SetTransition(pid, state.TransitionStopped)
	e.log.Info("plant stopped", zap.String("plant", string(pid)))
	return nil
}

// waitSettled polls battery power until it sits inside the settle
// band. On timeout the stop proceeds anyway so the plant is never
// left enabled.
func (e *Control) waitSettled(ctx context.Context, pid plant.ID) {
	deadline := time.Now().Add(stopSettleTimeout)
	for {
		_, pKw, _, err := e.io.ReadObserved(pid)
		if err == nil && math.Abs(pKw) < stopSettleBandKw {
			return
		}
		if time.Now().After(deadline) {
			e.log.Warn("battery power did not settle before disable", zap.String("plant", string(pid)))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(stopSettlePoll):
		}
	}
}

// seedSoc publishes the persisted charge (or the configured initial
// one) for the emulator to apply while the plant is still disabled.
func (e *Control) seedSoc(ctx context.Context, pid plant.ID) {
	socPu, err := emulator.LoadSoc(e.cfg.DataDir, pid)
	if err != nil {
		socPu = e.cfg.InitialSocPu
	}
	req := state.SeedRequest{ID: uuid.NewString(), SocPu: socPu}
	e.store.PublishSeedRequest(pid, req)

	deadline := time.Now().Add(seedResultTimeout)
	for time.Now().Before(deadline) {
		if res, ok := e.store.SeedResult(pid, req.ID); ok {
			if res.Status == state.SeedApplied {
				e.log.Info("soc seeded",
					zap.String("plant", string(pid)),
					zap.Float64("soc_pu", res.SocPu))
			} else {
				e.log.Warn("soc seed not applied",
					zap.String("plant", string(pid)),
					zap.String("status", res.Status),
					zap.String("message", res.Message))
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(seedResultPoll):
		}
	}
	e.log.Warn("soc seed result timed out", zap.String("plant", string(pid)))
}

func (e *Control) cmdDispatchGate(cmd state.Command, enable bool) (state.CommandState, string, map[string]any) {
	pid, err := payloadPlant(cmd)
	if err != nil {
		return state.CommandRejected, "invalid_plant", nil
	}
	e.store.SetSchedulerRunning(pid, enable)
	if enable {
		return state.CommandSucceeded, "dispatch enabled", nil
	}
	return state.CommandSucceeded, "dispatch disabled", nil
}

func (e *Control) recordStem(pid plant.ID) string {
	name := e.cfg.PlantNames[pid]
	if name == "" {
		name = string(pid)
	}
	return recorder.SanitizeName(name)
}

func (e *Control) cmdRecordStart(cmd state.Command) (state.CommandState, string, map[string]any) {
	pid, err := payloadPlant(cmd)
	if err != nil {
		return state.CommandRejected, "invalid_plant", nil
	}
	stem := e.recordStem(pid)
	changed := e.store.SetRecordingStem(pid, stem)
	result := map[string]any{"file_stem": stem, "noop": !changed}
	if !changed {
		return state.CommandSucceeded, "already recording", result
	}
	return state.CommandSucceeded, "recording started", result
}

func (e *Control) cmdRecordStop(cmd state.Command) (state.CommandState, string, map[string]any) {
	pid, err := payloadPlant(cmd)
	if err != nil {
		return state.CommandRejected, "invalid_plant", nil
	}
	changed := e.store.ClearRecordingStem(pid)
	result := map[string]any{"noop": !changed}
	if !changed {
		return state.CommandSucceeded, "recording already stopped", result
	}
	return state.CommandSucceeded, "recording stopped", result
}

func (e *Control) cmdFleetStartAll(ctx context.Context) (state.CommandState, string, map[string]any) {
	// Recording first so the files catch the ramp-in.
	for _, pid := range plant.IDs() {
		e.store.SetRecordingStem(pid, e.recordStem(pid))
	}
	result := make(map[string]any, 2)
	failed := false
	for _, pid := range plant.IDs() {
		if err := e.startPlant(ctx, pid); err != nil {
			result[string(pid)] = err.Error()
			failed = true
			continue
		}
		result[string(pid)] = "started"
	}
	if failed {
		return state.CommandFailed, "fleet_start_partial_failure", result
	}
	return state.CommandSucceeded, "fleet started", result
}

func (e *Control) cmdFleetStopAll(ctx context.Context) (state.CommandState, string, map[string]any) {
	result := make(map[string]any, 2)
	failed := false
	for _, pid := range plant.IDs() {
		if e.store.Transition(pid) == state.TransitionStopped {
			result[string(pid)] = "already stopped"
			continue
		}
		if err := e.stopPlant(ctx, pid); err != nil {
			result[string(pid)] = err.Error()
			failed = true
			continue
		}
		result[string(pid)] = "stopped"
	}
	for _, pid := range plant.IDs() {
		e.store.ClearRecordingStem(pid)
	}
	if failed {
		return state.CommandFailed, "fleet_stop_partial_failure", result
	}
	return state.CommandSucceeded, "fleet stopped", result
}

// cmdTransportSwitch safe-stops both plants and flips the mode. A
// failed stop does not block the switch: the plant may be
// unreachable precisely because the wrong transport is selected.
func (e *Control) cmdTransportSwitch(ctx context.Context, cmd state.Command) (state.CommandState, string, map[string]any) {
	raw, _ := cmd.PayloadString("mode")
	mode, err := plant.ParseTransport(raw)
	if err != nil {
		return state.CommandRejected, "invalid_mode", nil
	}
	if mode == e.store.TransportMode() {
		return state.CommandSucceeded, "transport unchanged", map[string]any{"noop": true, "mode": string(mode)}
	}

	result := map[string]any{"mode": string(mode)}
	warned := false
	for _, pid := range plant.IDs() {
		if e.store.Transition(pid) == state.TransitionStopped {
			continue
		}
		if err := e.stopPlant(ctx, pid); err != nil {
			result["stop_"+string(pid)] = err.Error()
			warned = true
			e.log.Warn("safe stop failed before transport switch",
				zap.String("plant", string(pid)), zap.Error(err))
		}
	}

	e.store.SetTransportMode(mode)
	for _, pid := range plant.IDs() {
		e.io.Reset(pid)
		e.store.SetTransition(pid, state.TransitionUnknown)
	}
	e.log.Info("transport switched", zap.String("mode", string(mode)))

	message := "transport switched"
	if warned {
		message = "transport switched with stop warnings"
	}
	return state.CommandSucceeded, message, result
}
