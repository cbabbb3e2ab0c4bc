package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/keystate/config"
	"github.com/timzifer/keystate/processor"
	"github.com/timzifer/keystate/state"
	"github.com/timzifer/keystate/telemetry"
)

func newTestServer(t *testing.T) (*httptest.Server, *processor.Processor) {
	t.Helper()
	cfg := &config.Config{
		Store: config.StoreConfig{Backend: config.BackendMemory},
		Slots: []config.SlotConfig{
			{Name: "session", TTL: config.Duration{Duration: time.Minute}, Update: `value`},
			{Name: "total"},
		},
	}
	cfg.ApplyDefaults()
	clock := state.ClockFunc(func() time.Time { return time.UnixMilli(1000) })
	proc, err := processor.New(context.Background(),
		processor.WithConfig(cfg),
		processor.WithLogger(zerolog.New(io.Discard)),
		processor.WithTelemetry(telemetry.Noop()),
		processor.WithClock(clock),
		processor.WithSource(processor.NewSliceSource(processor.Record{Key: []byte("u1"), Value: []byte("home")})),
	)
	require.NoError(t, err)
	t.Cleanup(proc.Close)
	_, err = proc.RunCycle(context.Background())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "keystate_test_total", Help: "test"}))
	srv := httptest.NewServer(NewServer(proc, reg, zerolog.New(io.Discard)).Handler())
	t.Cleanup(srv.Close)
	return srv, proc
}

func getJSON(t *testing.T, url string, wantStatus int, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	var health map[string]string
	getJSON(t, srv.URL+"/healthz", http.StatusOK, &health)
	require.Equal(t, "ok", health["status"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "keystate_test_total")
}

func TestSlotsAndInspect(t *testing.T) {
	srv, _ := newTestServer(t)

	var slots []processor.SlotInfo
	getJSON(t, srv.URL+"/v1/slots", http.StatusOK, &slots)
	require.Len(t, slots, 2)
	require.Equal(t, "session", slots[0].Name)
	require.Equal(t, time.Minute, slots[0].TTL)

	var got processor.Inspection
	getJSON(t, srv.URL+"/v1/slots/session/keys/u1", http.StatusOK, &got)
	require.True(t, got.Found)
	require.Equal(t, "home", got.Value)
	require.NotNil(t, got.Expiration)
	require.Equal(t, int64(61000), got.Expiration.UnixMilli())
	require.Len(t, got.IndexEntries, 1)

	getJSON(t, srv.URL+"/v1/slots/total/keys/u1", http.StatusOK, &got)
	require.False(t, got.Found)

	getJSON(t, srv.URL+"/v1/slots/nope/keys/u1", http.StatusNotFound, nil)
}

func TestControl(t *testing.T) {
	srv, proc := newTestServer(t)

	post := func(body string) *http.Response {
		resp, err := http.Post(srv.URL+"/v1/control", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(`{"action":"pause"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, processor.ModePause, proc.Status().Mode)

	resp = post(`{"action":"speed","duration_ms":250}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status processor.ControlStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, int64(250), status.IntervalMS)

	require.Equal(t, http.StatusBadRequest, post(`{"action":"speed"}`).StatusCode)
	require.Equal(t, http.StatusBadRequest, post(`{"action":"explode"}`).StatusCode)
	require.Equal(t, http.StatusBadRequest, post(`not json`).StatusCode)

	resp = post(`{"action":"run"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	getJSON(t, srv.URL+"/v1/control", http.StatusOK, &status)
	require.Equal(t, processor.ModeRun, status.Mode)
}
