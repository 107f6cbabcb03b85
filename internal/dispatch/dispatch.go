// Package dispatch pushes the effective schedule to the plants. One
// loop serves both plants so a transport switch never interleaves
// with half a fleet written.
package dispatch

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"hilsched/internal/observability"
	"hilsched/internal/plant"
	"hilsched/internal/points"
	"hilsched/internal/schedule"
	"hilsched/internal/state"
	"hilsched/internal/timeutil"
)

// writeEpsilon is the hysteresis band: setpoints closer than this to
// the last successful write are not re-sent.
const writeEpsilon = 1e-3

// Config wires the dispatch loop.
type Config struct {
	Period        time.Duration
	ModbusTimeout time.Duration
}

type sentPoint struct {
	pKw   float64
	qKvar float64
}

// Scheduler resolves the effective setpoint per plant each tick and
// writes it over Modbus when dispatch is enabled for that plant.
type Scheduler struct {
	cfg     Config
	resolve state.EndpointResolver
	store   *state.Store
	tz      *timeutil.Service
	log     *zap.Logger

	lastSent map[plant.ID]sentPoint
	paused   map[plant.ID]bool
}

func New(cfg Config, resolve state.EndpointResolver, st *state.Store, tz *timeutil.Service, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		resolve:  resolve,
		store:    st,
		tz:       tz,
		log:      log,
		lastSent: make(map[plant.ID]sentPoint),
		paused:   make(map[plant.ID]bool),
	}
}

// Run dispatches until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			for _, pid := range plant.IDs() {
				s.dispatch(pid, s.tz.Now())
			}
			observability.DispatchLoopDuration.Observe(time.Since(start).Seconds())
		}
	}
}

// dispatch runs one plant's cycle: resolve the effective setpoint,
// compare against the last successful write and send when needed.
func (s *Scheduler) dispatch(pid plant.ID, now time.Time) {
	base, pOv, qOv, mode, enabled := s.store.ScheduleInputs(pid)

	if !enabled {
		if !s.paused[pid] {
			s.paused[pid] = true
			s.store.SetDispatchStatus(pid, state.DispatchWriteStatus{
				SendingEnabled: false,
				AttemptedAt:    now,
				Status:         state.DispatchSkipped,
				Error:          "dispatch_paused",
			})
			s.log.Info("dispatch paused", zap.String("plant", string(pid)))
		}
		return
	}
	if s.paused[pid] {
		s.paused[pid] = false
		// Force a write on resume even if values did not move.
		delete(s.lastSent, pid)
		s.log.Info("dispatch resumed", zap.String("plant", string(pid)))
	}

	res := schedule.Compose(base, pOv, qOv, now).Resolve(now)
	observability.EffectiveSetpoint.WithLabelValues(string(pid), "p").Set(res.PKw)
	observability.EffectiveSetpoint.WithLabelValues(string(pid), "q").Set(res.QKvar)

	status := state.DispatchWriteStatus{
		SendingEnabled: true,
		AttemptedAt:    now,
		PKw:            res.PKw,
		QKvar:          res.QKvar,
		Source:         res.Source,
	}

	if last, ok := s.lastSent[pid]; ok &&
		math.Abs(res.PKw-last.pKw) <= writeEpsilon &&
		math.Abs(res.QKvar-last.qKvar) <= writeEpsilon {
		status.Status = state.DispatchSkipped
		s.store.SetDispatchStatus(pid, status)
		observability.DispatchWrites.WithLabelValues(string(pid), "skipped").Inc()
		return
	}

	if err := s.write(pid, mode, res.PKw, res.QKvar); err != nil {
		status.Status = state.DispatchFailed
		status.Error = err.Error()
		s.store.SetDispatchStatus(pid, status)
		observability.DispatchWrites.WithLabelValues(string(pid), "failed").Inc()
		s.log.Warn("dispatch write failed",
			zap.String("plant", string(pid)),
			zap.Float64("p_kw", res.PKw),
			zap.Float64("q_kvar", res.QKvar),
			zap.Error(err))
		return
	}

	s.lastSent[pid] = sentPoint{pKw: res.PKw, qKvar: res.QKvar}
	status.Status = state.DispatchOK
	s.store.SetDispatchStatus(pid, status)
	observability.DispatchWrites.WithLabelValues(string(pid), "ok").Inc()
	s.log.Debug("dispatch write",
		zap.String("plant", string(pid)),
		zap.Float64("p_kw", res.PKw),
		zap.Float64("q_kvar", res.QKvar),
		zap.String("source", res.Source))
}

// write opens a short-lived client, sends both setpoints and closes.
// The sampler and control engine hold the long-lived connections.
func (s *Scheduler) write(pid plant.ID, mode plant.TransportMode, pKw, qKvar float64) error {
	endpoint, err := s.resolve(pid, mode)
	if err != nil {
		return err
	}
	client, err := points.OpenClient(endpoint, s.cfg.ModbusTimeout)
	if err != nil {
		return fmt.Errorf("open %s: %w", endpoint.URL(), err)
	}
	defer client.Close()

	if err := points.WritePoint(client, endpoint, points.PSetpoint, pKw); err != nil {
		return fmt.Errorf("write p_setpoint: %w", err)
	}
	if err := points.WritePoint(client, endpoint, points.QSetpoint, qKvar); err != nil {
		return fmt.Errorf("write q_setpoint: %w", err)
	}
	return nil
}
