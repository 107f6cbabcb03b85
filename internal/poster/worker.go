package poster

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"hilsched/internal/config"
	"hilsched/internal/observability"
	"hilsched/internal/plant"
	"hilsched/internal/recorder"
	"hilsched/internal/state"
)

// BuildItems converts one measurement row into post items, one per
// finite metric. Units follow the upstream conventions: soc in kWh,
// powers in W and VAr, voltage in V.
func BuildItems(row recorder.Row, capacityKwh float64, series config.SeriesIDs) []Item {
	candidates := []Item{
		{Metric: MetricSoc, SeriesID: series.Soc, Value: row.SocPu * capacityKwh, Timestamp: row.Timestamp},
		{Metric: MetricP, SeriesID: series.P, Value: row.BatteryActivePowerKw * 1000, Timestamp: row.Timestamp},
		{Metric: MetricQ, SeriesID: series.Q, Value: row.BatteryReactivePowerKvar * 1000, Timestamp: row.Timestamp},
		{Metric: MetricV, SeriesID: series.V, Value: row.VPoiKV * 1000, Timestamp: row.Timestamp},
	}
	items := make([]Item, 0, len(candidates))
	for _, item := range candidates {
		if math.IsNaN(item.Value) || math.IsInf(item.Value, 0) {
			continue
		}
		items = append(items, item)
	}
	return items
}

// apiPoster is the slice of the upstream client the worker needs.
type apiPoster interface {
	PostMeasurement(ctx context.Context, seriesID int, ts time.Time, value float64) error
}

// WorkerConfig tunes one post worker.
type WorkerConfig struct {
	Period       time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Worker drains one plant's queue on a fixed cadence.
type Worker struct {
	pid   plant.ID
	queue *Queue
	api   apiPoster
	store *state.Store
	cfg   WorkerConfig
	log   *zap.Logger

	attempts    uint32
	nextRetryAt time.Time
	retryDelay  time.Duration
	lastAttempt *time.Time
	lastSuccess *time.Time
	lastError   string
}

// NewWorker wires a worker to its queue and the upstream client.
func NewWorker(pid plant.ID, queue *Queue, api apiPoster, st *state.Store, cfg WorkerConfig, log *zap.Logger) *Worker {
	return &Worker{pid: pid, queue: queue, api: api, store: st, cfg: cfg, log: log}
}

// Run posts queued measurements until the context ends.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cycle(ctx, time.Now())
		}
	}
}

// cycle drains the queue. The drain must clear faster than the
// sampler refills, or drop-oldest starts discarding telemetry, so it
// runs until the queue is empty. A failure returns the item to the
// queue head and opens an exponential backoff window.
func (w *Worker) cycle(ctx context.Context, now time.Time) {
	defer w.publishStatus()

	if w.store.APIConnection().State != state.APIConnected {
		return
	}
	if now.Before(w.nextRetryAt) {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		item, ok := w.queue.Pop()
		if !ok {
			return
		}
		attemptAt := time.Now()
		w.lastAttempt = &attemptAt

		err := w.api.PostMeasurement(ctx, item.SeriesID, item.Timestamp, item.Value)
		if err != nil {
			w.queue.Unshift(item)
			w.attempts++
			w.retryDelay = backoffDelay(w.cfg.RetryInitial, w.cfg.RetryMax, w.attempts)
			w.nextRetryAt = now.Add(w.retryDelay)
			w.lastError = err.Error()
			observability.PostAttempts.WithLabelValues(string(w.pid), "error").Inc()
			w.log.Warn("measurement post failed",
				zap.String("plant", string(w.pid)),
				zap.String("metric", item.Metric),
				zap.Uint32("attempts", w.attempts),
				zap.Duration("next_retry", w.retryDelay),
				zap.Error(err))
			return
		}

		w.attempts = 0
		w.retryDelay = 0
		w.nextRetryAt = time.Time{}
		w.lastError = ""
		successAt := time.Now()
		w.lastSuccess = &successAt
		observability.PostAttempts.WithLabelValues(string(w.pid), "ok").Inc()
	}
}

func (w *Worker) publishStatus() {
	depth := w.queue.Len()
	observability.PostQueueDepth.WithLabelValues(string(w.pid)).Set(float64(depth))
	w.store.SetPostStatus(w.pid, state.PostWorkerStatus{
		QueueDepth:       depth,
		Dropped:          w.queue.Dropped(),
		Attempts:         w.attempts,
		LastAttempt:      w.lastAttempt,
		LastSuccess:      w.lastSuccess,
		LastError:        w.lastError,
		NextRetrySeconds: w.retryDelay.Seconds(),
	})
}

// backoffDelay doubles from initial per consecutive failure, capped
// at max. attempts is the post-increment failure count, so the first
// failure waits the initial delay.
func backoffDelay(initial, max time.Duration, attempts uint32) time.Duration {
	d := initial
	for i := uint32(1); i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
