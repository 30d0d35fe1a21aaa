package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voice_bot/pkg/config"
	"github.com/arzzra/voice_bot/pkg/control"
	"github.com/arzzra/voice_bot/pkg/control/controltest"
	"github.com/arzzra/voice_bot/pkg/metrics"
	"github.com/arzzra/voice_bot/pkg/session"
)

type staticSessions []session.Snapshot

func (s staticSessions) Sessions() []session.Snapshot { return s }

type testServer struct {
	*httptest.Server
	plane   *controltest.Plane
	delayed []time.Duration
}

func newTestServer(t *testing.T, sessions SessionSource) *testServer {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SessionStarted()

	ts := &testServer{plane: controltest.New()}
	srv := New(ConfigFrom(config.Default()), ts.plane, sessions, reg)
	srv.newCallID = func() string { return "3b241101-e2bb-4255-8caf-4136c566a962" }
	srv.afterFunc = func(d time.Duration, fn func()) {
		ts.delayed = append(ts.delayed, d)
		fn()
	}
	ts.Server = httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthAndCalls(t *testing.T) {
	snaps := staticSessions{
		{ID: "1700000000.1", Caller: "3001", Route: "recepcion", State: "listening"},
		{ID: "1700000000.2", Caller: "3002", Route: "ventas", State: "speaking", Playing: true},
	}
	ts := newTestServer(t, snaps)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health healthResponse
	decode(t, resp, &health)
	assert.Equal(t, healthResponse{Status: "healthy", ActiveCalls: 2}, health)

	resp, err = http.Get(ts.URL + "/calls")
	require.NoError(t, err)
	var calls struct {
		Total int                `json:"total"`
		Calls []session.Snapshot `json:"calls"`
	}
	decode(t, resp, &calls)
	assert.Equal(t, 2, calls.Total)
	assert.Equal(t, "ventas", calls.Calls[1].Route)

	t.Run("звонок по безопасному id", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/calls/1700000000_2")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var snap session.Snapshot
		decode(t, resp, &snap)
		assert.Equal(t, "1700000000.2", snap.ID)
		assert.True(t, snap.Playing)
	})

	t.Run("неизвестный звонок", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/calls/nope")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestEmptyCallsList(t *testing.T) {
	ts := newTestServer(t, staticSessions(nil))

	resp, err := http.Get(ts.URL + "/calls")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"total":0,"calls":[]}`, string(body))
}

func TestOriginate(t *testing.T) {
	ts := newTestServer(t, staticSessions(nil))

	body := `{"number":"1003","customer_name":"Edwin","agent_context":"Cobro de factura por valor de $25,000","subject":"Recordatorio"}`
	resp, err := http.Post(ts.URL+"/call", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out OriginateResponse
	decode(t, resp, &out)
	assert.True(t, out.Success)
	assert.Equal(t, "3b241101-e2bb-4255-8caf-4136c566a962", out.CallID)
	assert.Equal(t, out.CallID, out.ChannelID)
	assert.Equal(t, "ringing", out.Status)

	reqs := ts.plane.Originated()
	require.Len(t, reqs, 1)
	assert.Equal(t, "PJSIP/1003", reqs[0].Endpoint)
	assert.Equal(t, out.CallID, reqs[0].ChannelID)
	assert.Equal(t, []string{
		"agent_context=Cobro de factura por valor de $25.000",
		"customer_name=Edwin",
		"tenant=default",
		"subject=Recordatorio",
		"call_id=3b241101-e2bb-4255-8caf-4136c566a962",
	}, reqs[0].AppArgs)
}

func TestOriginateValidation(t *testing.T) {
	ts := newTestServer(t, staticSessions(nil))

	tests := []struct {
		name    string
		body    string
		missing []string
	}{
		{"невалидный JSON", `{"number":`, nil},
		{"нет полей", `{"number":"1003"}`, []string{"customer_name", "agent_context"}},
		{"пустой номер", `{"number":" ","customer_name":"Edwin","agent_context":"x"}`, []string{"number"}},
		{"номер с разделителем", `{"number":"1003/evil","customer_name":"Edwin","agent_context":"x"}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/call", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var out errorResponse
			decode(t, resp, &out)
			assert.NotEmpty(t, out.Error)
			assert.Equal(t, tt.missing, out.Missing)
		})
	}
	assert.Zero(t, ts.plane.Count(controltest.MethodOriginate))
}

func TestOriginateFailure(t *testing.T) {
	ts := newTestServer(t, staticSessions(nil))
	ts.plane.FailWith(controltest.MethodOriginate, errors.New("asterisk unreachable"))

	resp, err := http.Post(ts.URL+"/call", "application/json",
		strings.NewReader(`{"number":"1003","customer_name":"Edwin","agent_context":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestDelayedHangup(t *testing.T) {
	ts := newTestServer(t, staticSessions(nil))

	resp, err := http.Post(ts.URL+"/hangup/1700000000_42", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Equal(t, []time.Duration{8 * time.Second}, ts.delayed)
	calls := ts.plane.Calls(controltest.MethodHangup)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"1700000000.42"}, calls[0].Args)

	t.Run("канал уже завершен", func(t *testing.T) {
		ts.plane.FailWith(controltest.MethodHangup, control.ErrNotFound)
		resp, err := http.Post(ts.URL+"/hangup/1700000000_43", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, staticSessions(nil))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "voicebot_session_active 1")
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, staticSessions(nil))

	resp, err := http.Get(ts.URL + "/call")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := ConfigFrom(config.Default())
	cfg.Addr = "127.0.0.1:0"
	srv := New(cfg, controltest.New(), staticSessions(nil), prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
