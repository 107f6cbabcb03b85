// Package sampler reads each plant's point map on a fixed cadence,
// compresses the rows piecewise-constant, appends them to the daily
// CSV recorder and feeds the measurement post queue.
package sampler

import (
	"context"
	"math"
	"time"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"

	"hilsched/internal/config"
	"hilsched/internal/observability"
	"hilsched/internal/plant"
	"hilsched/internal/points"
	"hilsched/internal/poster"
	"hilsched/internal/recorder"
	"hilsched/internal/state"
	"hilsched/internal/timeutil"
)

// Config wires one plant's sampler.
type Config struct {
	Period        time.Duration
	WritePeriod   time.Duration
	ModbusTimeout time.Duration
	Compression   config.CompressionConfig
	CapacityKwh   float64
	Series        config.SeriesIDs
	// PostInAPIMode is the config-level posting policy; the runtime
	// toggle in shared state must also be on.
	PostInAPIMode bool
}

// Sampler owns one plant's measurement loop, its Modbus client and
// its CSV writer.
type Sampler struct {
	pid      plant.ID
	cfg      Config
	resolve  state.EndpointResolver
	store    *state.Store
	writer   *recorder.Writer
	queue    *poster.Queue
	tz       *timeutil.Service
	log      *zap.Logger

	client   *modbus.ModbusClient
	endpoint points.Endpoint
	haveConn bool

	lastKept   *recorder.Row
	lastTarget string
}

// New builds a sampler. The writer stays closed until recording is
// enabled for the plant.
func New(pid plant.ID, cfg Config, resolve state.EndpointResolver, st *state.Store, w *recorder.Writer, q *poster.Queue, tz *timeutil.Service, log *zap.Logger) *Sampler {
	return &Sampler{
		pid:     pid,
		cfg:     cfg,
		resolve: resolve,
		store:   st,
		writer:  w,
		queue:   q,
		tz:      tz,
		log:     log,
	}
}

// Run samples until the context ends, flushing buffered rows on the
// write cadence and before returning.
func (s *Sampler) Run(ctx context.Context) {
	sample := time.NewTicker(s.cfg.Period)
	defer sample.Stop()
	flush := time.NewTicker(s.cfg.WritePeriod)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.writer.Close(); err != nil {
				s.log.Warn("close recording", zap.String("plant", string(s.pid)), zap.Error(err))
			}
			s.closeClient()
			return
		case <-flush.C:
			if err := s.writer.Flush(); err != nil {
				s.log.Warn("flush recording", zap.String("plant", string(s.pid)), zap.Error(err))
			}
		case <-sample.C:
			s.sample(s.tz.Now())
		}
	}
}

// sample runs one measurement cycle. A failed read discards the
// whole row; nothing partial is recorded or posted.
func (s *Sampler) sample(now time.Time) {
	row, ok := s.readRow(now)
	if !ok {
		observability.MeasurementRows.WithLabelValues(string(s.pid), "discarded").Inc()
		return
	}

	stem := s.store.RecordingStem(s.pid)
	target := ""
	if stem != "" {
		target = s.writer.Target(stem, now)
	}

	if target == "" && s.lastTarget != "" {
		// Recording switched off: seal the open file.
		if err := s.writer.CloseWithSentinel(now); err != nil {
			s.log.Warn("seal recording", zap.String("plant", string(s.pid)), zap.Error(err))
		}
		s.lastKept = nil
	}

	keep := s.shouldKeep(row, target)
	if keep {
		if target != "" {
			if _, err := s.writer.Append(stem, row); err != nil {
				// Keep lastKept untouched so the next cycle retries.
				s.log.Error("append measurement", zap.String("plant", string(s.pid)), zap.Error(err))
				s.lastTarget = target
				return
			}
		}
		kept := row
		s.lastKept = &kept
		observability.MeasurementRows.WithLabelValues(string(s.pid), "kept").Inc()
	} else {
		observability.MeasurementRows.WithLabelValues(string(s.pid), "compressed").Inc()
	}
	s.lastTarget = target

	s.enqueuePosts(row)
}

// shouldKeep applies the lossless piecewise-constant rule: keep on
// first row, on any column moving beyond its tolerance, on a gap
// larger than the configured maximum, or when the file target
// changed this cycle.
func (s *Sampler) shouldKeep(row recorder.Row, target string) bool {
	if !s.cfg.Compression.Enabled {
		return true
	}
	if s.lastKept == nil {
		return true
	}
	if target != s.lastTarget {
		return true
	}
	if row.Timestamp.Sub(s.lastKept.Timestamp) > s.cfg.Compression.MaxKeptGap() {
		return true
	}
	tolerances := s.cfg.Compression.Tolerances.Columns()
	values, last := row.Values(), s.lastKept.Values()
	for i := range values {
		if columnChanged(values[i], last[i], tolerances[i]) {
			return true
		}
	}
	return false
}

// columnChanged treats a NaN on exactly one side as a change.
func columnChanged(v, last, tolerance float64) bool {
	vn, ln := math.IsNaN(v), math.IsNaN(last)
	if vn || ln {
		return vn != ln
	}
	return math.Abs(v-last) > tolerance
}

func (s *Sampler) enqueuePosts(row recorder.Row) {
	if !s.cfg.PostInAPIMode || !s.store.PostingEnabled() {
		return
	}
	if s.store.APIConnection().State != state.APIConnected {
		return
	}
	for _, item := range poster.BuildItems(row, s.cfg.CapacityKwh, s.cfg.Series) {
		if s.queue.Push(item) {
			observability.PostDropped.WithLabelValues(string(s.pid)).Inc()
		}
	}
}

// readRow decodes all nine points into one row.
func (s *Sampler) readRow(now time.Time) (recorder.Row, bool) {
	if err := s.ensureClient(); err != nil {
		observability.MeasurementReadFailures.WithLabelValues(string(s.pid), "connect").Inc()
		s.log.Warn("measurement connect failed", zap.String("plant", string(s.pid)), zap.Error(err))
		return recorder.Row{}, false
	}

	row := recorder.Row{Timestamp: now}
	for _, bind := range []struct {
		name string
		dst  *float64
	}{
		{points.PSetpoint, &row.PSetpointKw},
		{points.PBattery, &row.BatteryActivePowerKw},
		{points.QSetpoint, &row.QSetpointKvar},
		{points.QBattery, &row.BatteryReactivePowerKvar},
		{points.Soc, &row.SocPu},
		{points.PPoi, &row.PPoiKw},
		{points.QPoi, &row.QPoiKvar},
		{points.VPoi, &row.VPoiKV},
	} {
		v, err := points.ReadPoint(s.client, s.endpoint, bind.name)
		if err != nil {
			observability.MeasurementReadFailures.WithLabelValues(string(s.pid), "read").Inc()
			s.log.Warn("measurement read failed",
				zap.String("plant", string(s.pid)),
				zap.String("point", bind.name),
				zap.Error(err))
			s.closeClient()
			return recorder.Row{}, false
		}
		*bind.dst = v
	}
	return row, true
}

// ensureClient keeps one persistent connection, reopening when the
// endpoint changes or the previous socket failed.
func (s *Sampler) ensureClient() error {
	endpoint, err := s.resolve(s.pid, s.store.TransportMode())
	if err != nil {
		return err
	}
	if s.haveConn && endpoint.URL() == s.endpoint.URL() {
		s.endpoint = endpoint
		return nil
	}
	s.closeClient()
	client, err := points.OpenClient(endpoint, s.cfg.ModbusTimeout)
	if err != nil {
		return err
	}
	s.client = client
	s.endpoint = endpoint
	s.haveConn = true
	return nil
}

func (s *Sampler) closeClient() {
	if s.client != nil {
		_ = s.client.Close()
	}
	s.client = nil
	s.haveConn = false
}
