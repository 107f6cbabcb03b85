// Package httpapi exposes the operator surface: a state snapshot,
// a WebSocket state stream, the two command queues and the effective
// schedule, plus Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"hilsched/internal/plant"
	"hilsched/internal/schedule"
	"hilsched/internal/state"
	"hilsched/internal/timeutil"
)

// Config wires the HTTP surface.
type Config struct {
	// ScheduleWindow and SampleResolution shape the effective
	// schedule response.
	ScheduleWindow   time.Duration
	SampleResolution time.Duration
}

// API owns the handlers. Command submission is rate limited as storm
// protection against a misbehaving dashboard.
type API struct {
	cfg   Config
	store *state.Store
	tz    *timeutil.Service
	hub   *Hub
	log   *zap.Logger

	commandLimiter *rate.Limiter
}

func New(cfg Config, st *state.Store, tz *timeutil.Service, hub *Hub, log *zap.Logger) *API {
	return &API{
		cfg:   cfg,
		store: st,
		tz:    tz,
		hub:   hub,
		log:   log,
		// Allow 20 commands/sec, burst 40
		commandLimiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

var controlKinds = map[string]bool{
	state.KindPlantStart:      true,
	state.KindPlantStop:       true,
	state.KindDispatchEnable:  true,
	state.KindDispatchDisable: true,
	state.KindRecordStart:     true,
	state.KindRecordStop:      true,
	state.KindFleetStartAll:   true,
	state.KindFleetStopAll:    true,
	state.KindTransportSwitch: true,
}

var settingsKinds = map[string]bool{
	state.KindManualActivate:   true,
	state.KindManualUpdate:     true,
	state.KindManualInactivate: true,
	state.KindAPIConnect:       true,
	state.KindAPIDisconnect:    true,
	state.KindPostingEnable:    true,
	state.KindPostingDisable:   true,
}

// Routes builds the handler tree.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/api/state", a.handleState)
	mux.HandleFunc("/api/state/stream", a.handleStateStream)
	mux.HandleFunc("/api/commands/control", a.handleSubmitControl)
	mux.HandleFunc("/api/commands/settings", a.handleSubmitSettings)
	mux.HandleFunc("/api/commands/", a.handleCommandStatus)
	mux.HandleFunc("/api/schedule/effective", a.handleEffectiveSchedule)
	mux.Handle("/metrics", promhttp.Handler())
	return corsMiddleware(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeRateLimitError writes a 429 with a jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter) {
	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000))
	http.Error(w, "Too Many Requests (Storm Protection Active)", http.StatusTooManyRequests)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.store.Snapshot())
}

type commandRequest struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
	Source  string         `json:"source"`
}

func (a *API) handleSubmitControl(w http.ResponseWriter, r *http.Request) {
	a.handleSubmit(w, r, a.store.ControlQueue(), controlKinds)
}

func (a *API) handleSubmitSettings(w http.ResponseWriter, r *http.Request) {
	a.handleSubmit(w, r, a.store.SettingsQueue(), settingsKinds)
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request, queue *state.CommandQueue, kinds map[string]bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.commandLimiter.Allow() {
		a.writeRateLimitError(w)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !kinds[req.Kind] {
		http.Error(w, fmt.Sprintf("Unknown command kind for %s queue: %q", queue.Name(), req.Kind), http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	if req.Kind == state.KindManualActivate || req.Kind == state.KindManualUpdate {
		if err := a.parseManualRows(req.Payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	source := req.Source
	if source == "" {
		source = "http"
	}

	cmd, err := queue.Submit(req.Kind, req.Payload, source)
	if err != nil {
		// The rejected command is still recorded, so clients can
		// inspect it by id.
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, cmd)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

// parseManualRows converts the submitted series_rows into a typed
// manual series before the command is queued, so timestamp parse
// errors surface at submission instead of inside the engine.
func (a *API) parseManualRows(payload map[string]any) error {
	raw, ok := payload["series_rows"]
	if !ok {
		return fmt.Errorf("series_rows is required")
	}
	list, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("series_rows must be an array")
	}
	rows := make(schedule.ManualSeries, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("series_rows[%d] must be an object", i)
		}
		tRaw, ok := obj["t"].(string)
		if !ok {
			return fmt.Errorf("series_rows[%d].t must be a timestamp string", i)
		}
		t, err := a.tz.ParseISO(tRaw)
		if err != nil {
			return fmt.Errorf("series_rows[%d].t: %v", i, err)
		}
		setpoint, ok := toFloat(obj["setpoint"])
		if !ok {
			return fmt.Errorf("series_rows[%d].setpoint must be a number", i)
		}
		rows = append(rows, schedule.ManualPoint{T: t, Setpoint: setpoint})
	}
	payload["series_rows"] = rows
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// handleCommandStatus serves GET /api/commands/{id}, checking both
// queues.
func (a *API) handleCommandStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/commands/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if cmd, ok := a.store.ControlQueue().Status(id); ok {
		writeJSON(w, http.StatusOK, cmd)
		return
	}
	if cmd, ok := a.store.SettingsQueue().Status(id); ok {
		writeJSON(w, http.StatusOK, cmd)
		return
	}
	http.NotFound(w, r)
}

type effectivePoint struct {
	T      time.Time `json:"t"`
	PKw    float64   `json:"p_kw"`
	QKvar  float64   `json:"q_kvar"`
	Source string    `json:"source"`
}

type effectiveResponse struct {
	Plant       string           `json:"plant"`
	GeneratedAt time.Time        `json:"generated_at"`
	APIStale    bool             `json:"api_stale"`
	Points      []effectivePoint `json:"points"`
}

// handleEffectiveSchedule samples the composed schedule over the
// configured horizon with per-point source attribution.
func (a *API) handleEffectiveSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pid, err := plant.Parse(r.URL.Query().Get("plant"))
	if err != nil {
		http.Error(w, "Unknown plant. Use: lib, vrfb", http.StatusBadRequest)
		return
	}

	now := a.tz.Now()
	base, pOv, qOv, _, _ := a.store.ScheduleInputs(pid)
	eff := schedule.Compose(base, pOv, qOv, now)

	start := a.tz.StartOfDay(now)
	end := start.Add(a.cfg.ScheduleWindow)
	points := make([]effectivePoint, 0, int(a.cfg.ScheduleWindow/a.cfg.SampleResolution)+1)
	for t := start; t.Before(end); t = t.Add(a.cfg.SampleResolution) {
		res := eff.Resolve(t)
		points = append(points, effectivePoint{T: t, PKw: res.PKw, QKvar: res.QKvar, Source: res.Source})
	}

	writeJSON(w, http.StatusOK, effectiveResponse{
		Plant:       string(pid),
		GeneratedAt: now,
		APIStale:    eff.APIStale(),
		Points:      points,
	})
}
