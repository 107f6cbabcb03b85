package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hilsched/internal/plant"
	"hilsched/internal/schedule"
	"hilsched/internal/state"
	"hilsched/internal/timeutil"
)

func newTestAPI(t *testing.T) (*API, *state.Store, *timeutil.Service) {
	t.Helper()
	tz, err := timeutil.NewService("UTC", timeutil.NaiveAssumeConfigTZ)
	require.NoError(t, err)

	st := state.NewStore(plant.TransportLocal)
	log := zap.NewNop()
	a := New(Config{ScheduleWindow: 48 * time.Hour, SampleResolution: 15 * time.Minute}, st, tz, NewHub(st, log), log)
	return a, st, tz
}

func newTestServer(t *testing.T) (*httptest.Server, *state.Store, *timeutil.Service) {
	t.Helper()
	a, st, tz := newTestAPI(t)
	srv := httptest.NewServer(a.Routes())
	t.Cleanup(srv.Close)
	return srv, st, tz
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestStateSnapshot(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var snap map[string]any
	decodeBody(t, resp, &snap)
	assert.Equal(t, "local", snap["transport_mode"])
	assert.Contains(t, snap, "observed_by_plant")
	assert.Contains(t, snap, "manual_series")
	assert.Contains(t, snap, "api_connection")

	resp, err = http.Post(srv.URL+"/api/state", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSubmitControlCommand(t *testing.T) {
	srv, st, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/commands/control", map[string]any{
		"kind":    state.KindPlantStart,
		"payload": map[string]any{"plant": "lib"},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var cmd state.Command
	decodeBody(t, resp, &cmd)
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, state.KindPlantStart, cmd.Kind)
	assert.Equal(t, state.CommandQueued, cmd.State)
	assert.Equal(t, "http", cmd.Source)
	assert.Equal(t, 1, st.ControlQueue().Depth())

	// The submitted command is visible by id.
	resp, err := http.Get(srv.URL + "/api/commands/" + cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got state.Command
	decodeBody(t, resp, &got)
	assert.Equal(t, cmd.ID, got.ID)
}

func TestSubmitRejectsWrongQueueKind(t *testing.T) {
	srv, st, _ := newTestServer(t)

	// A settings kind is not accepted on the control queue.
	resp := postJSON(t, srv.URL+"/api/commands/control", map[string]any{"kind": state.KindAPIConnect})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, st.ControlQueue().Depth())

	resp = postJSON(t, srv.URL+"/api/commands/settings", map[string]any{
		"kind":    state.KindAPIConnect,
		"payload": map[string]any{"password": "secret"},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, st.SettingsQueue().Depth())
}

func TestSubmitRequiresPost(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/commands/control")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSubmitRejectsInvalidBody(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/commands/control", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommandStatusNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/commands/cmd-999999")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/commands/a/b")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestManualRowsParsedAtSubmission(t *testing.T) {
	srv, st, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/commands/settings", map[string]any{
		"kind": state.KindManualActivate,
		"payload": map[string]any{
			"series": "lib_p",
			"series_rows": []map[string]any{
				{"t": "2026-06-15T10:00:00", "setpoint": 123.4},
				{"t": "2026-06-15T11:00:00", "setpoint": 123},
			},
		},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	cmd, ok := st.SettingsQueue().Dequeue()
	require.True(t, ok)
	rows, ok := cmd.Payload["series_rows"].(schedule.ManualSeries)
	require.True(t, ok, "rows reach the engine already typed")
	require.Len(t, rows, 2)
	assert.True(t, rows[0].T.Equal(time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)))
	assert.InDelta(t, 123.4, rows[0].Setpoint, 1e-9)
	assert.InDelta(t, 123.0, rows[1].Setpoint, 1e-9)
}

func TestManualRowsRejectedAtSubmission(t *testing.T) {
	srv, st, _ := newTestServer(t)
	url := srv.URL + "/api/commands/settings"

	cases := []struct {
		name    string
		payload map[string]any
		wantMsg string
	}{
		{
			name:    "missing rows",
			payload: map[string]any{"series": "lib_p"},
			wantMsg: "series_rows is required",
		},
		{
			name:    "rows not an array",
			payload: map[string]any{"series": "lib_p", "series_rows": "10:00=123"},
			wantMsg: "series_rows must be an array",
		},
		{
			name: "bad timestamp",
			payload: map[string]any{"series": "lib_p", "series_rows": []map[string]any{
				{"t": "15/06/2026 10:00", "setpoint": 123.4},
			}},
			wantMsg: "series_rows[0].t",
		},
		{
			name: "setpoint not a number",
			payload: map[string]any{"series": "lib_p", "series_rows": []map[string]any{
				{"t": "2026-06-15T10:00:00", "setpoint": "123.4"},
			}},
			wantMsg: "series_rows[0].setpoint must be a number",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, url, map[string]any{"kind": state.KindManualUpdate, "payload": tc.payload})
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Contains(t, string(body), tc.wantMsg)
		})
	}
	assert.Equal(t, 0, st.SettingsQueue().Depth())
}

func TestQueueFullReturns429(t *testing.T) {
	srv, st, _ := newTestServer(t)

	for i := 0; i < state.QueueCapacity; i++ {
		_, err := st.ControlQueue().Submit(state.KindRecordStart, map[string]any{"plant": "lib"}, "test")
		require.NoError(t, err)
	}

	resp := postJSON(t, srv.URL+"/api/commands/control", map[string]any{
		"kind":    state.KindPlantStop,
		"payload": map[string]any{"plant": "lib"},
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// The rejected command is still returned so the client can
	// inspect it later.
	var cmd state.Command
	decodeBody(t, resp, &cmd)
	assert.Equal(t, state.CommandRejected, cmd.State)
	assert.Equal(t, "queue_full", cmd.Message)

	got, ok := st.ControlQueue().Status(cmd.ID)
	require.True(t, ok)
	assert.Equal(t, state.CommandRejected, got.State)
}

func TestSubmitStormProtection(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// Unknown kinds pass the limiter but never reach the queue, so
	// the burst is bounded by tokens alone.
	throttled := 0
	for i := 0; i < 60; i++ {
		resp := postJSON(t, srv.URL+"/api/commands/control", map[string]any{"kind": "control.bogus"})
		if resp.StatusCode == http.StatusTooManyRequests {
			throttled++
			assert.NotEmpty(t, resp.Header.Get("Retry-After"))
		}
		resp.Body.Close()
	}
	assert.Greater(t, throttled, 0, "burst above 40 must throttle")
}

func TestEffectiveSchedule(t *testing.T) {
	srv, st, tz := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/schedule/effective?plant=hydro")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A base schedule whose last row is in the future keeps the day
	// fresh no matter when the test runs.
	now := tz.Now()
	sod := tz.StartOfDay(now)
	frame := schedule.Frame{
		{T: sod, PKw: 100, QKvar: 10},
		{T: now.Add(time.Minute), PKw: 200, QKvar: 20},
	}
	st.ReplaceAPIScheduleWindow(plant.LIB, sod, sod.Add(48*time.Hour), frame)

	resp, err = http.Get(srv.URL + "/api/schedule/effective?plant=lib")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Plant    string `json:"plant"`
		APIStale bool   `json:"api_stale"`
		Points   []struct {
			T      time.Time `json:"t"`
			PKw    float64   `json:"p_kw"`
			QKvar  float64   `json:"q_kvar"`
			Source string    `json:"source"`
		} `json:"points"`
	}
	decodeBody(t, resp, &got)

	assert.Equal(t, "lib", got.Plant)
	assert.False(t, got.APIStale)
	require.Len(t, got.Points, 192, "48h at 15min resolution")
	assert.True(t, got.Points[0].T.Equal(sod))
	assert.InDelta(t, 100, got.Points[0].PKw, 1e-9)
	assert.InDelta(t, 10, got.Points[0].QKvar, 1e-9)
	assert.Equal(t, "api", got.Points[0].Source)
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/state", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestStateStreamBroadcasts(t *testing.T) {
	a, _, _ := newTestAPI(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.hub.Run(ctx)

	srv := httptest.NewServer(a.Routes())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/state/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return a.hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var snap map[string]any
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Contains(t, snap, "transport_mode")
	assert.Contains(t, snap, "control_engine_status")
}
