package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pluginhost/internal/clock"
	"pluginhost/internal/orchestrator"
	"pluginhost/internal/state"
	"pluginhost/pkg/plugin"
	pkgstate "pluginhost/pkg/state"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNode struct {
	mode      orchestrator.Mode
	store     pkgstate.Store
	html      []byte
	renderErr error

	mu      sync.Mutex
	batches []orchestrator.Batch
}

func (n *fakeNode) Mode() orchestrator.Mode { return n.mode }
func (n *fakeNode) NodeID() string          { return "hub-1" }

func (n *fakeNode) Render(ctx context.Context) ([]byte, error) {
	return n.html, n.renderErr
}

func (n *fakeNode) Accept(ctx context.Context, b orchestrator.Batch) (int, error) {
	if !n.mode.Accepts() {
		return 0, orchestrator.ErrNotAccepting
	}
	n.mu.Lock()
	n.batches = append(n.batches, b)
	n.mu.Unlock()
	return n.store.Merge(b.Readings), nil
}

type fakeStatuses []plugin.Status

func (f fakeStatuses) Statuses() []plugin.Status { return f }

type fakeBuzzer struct {
	calls int
	err   error
}

func (b *fakeBuzzer) SelfTest(ctx context.Context) error {
	b.calls++
	return b.err
}

type testServer struct {
	server *Server
	node   *fakeNode
	store  pkgstate.Store
	buzzer *fakeBuzzer
}

func newTestServer(t *testing.T, mode orchestrator.Mode) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := pkgstate.WrapManager(state.NewManager(clock.NewMockClock(time.UnixMilli(1_700_000_000_000)), logger))
	node := &fakeNode{mode: mode, store: store, html: []byte("<h1>dash</h1>")}
	buzzer := &fakeBuzzer{}

	s := NewServer(Options{
		Node:  node,
		Store: store,
		Plugins: fakeStatuses{
			{Role: plugin.RolePrimarySensor, Kind: "sensor", Path: "/p/dht.wasm", State: "loaded", Generation: 2},
		},
		Buzzer:  buzzer,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("metrics")) }),
		Port:    8080,
	}, logger)

	return &testServer{server: s, node: node, store: store, buzzer: buzzer}
}

func (ts *testServer) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func TestDashboard(t *testing.T) {
	ts := newTestServer(t, orchestrator.ModeHub)

	w := ts.do(http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "<h1>dash</h1>", w.Body.String())

	ts.node.renderErr = plugin.NewPluginNotLoadedError(plugin.RoleDashboardRenderer)
	w = ts.do(http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ts.node.renderErr = errors.New("trap")
	w = ts.do(http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = ts.do(http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPush(t *testing.T) {
	tests := []struct {
		name       string
		mode       orchestrator.Mode
		method     string
		body       string
		wantStatus int
		wantMerged int
	}{
		{
			name:       "envelope",
			mode:       orchestrator.ModeHub,
			method:     http.MethodPost,
			body:       `{"node_id":"spoke-1","readings":[{"sensor_id":"spoke-1:dht22","timestamp_ms":5,"data":{"t":20}}]}`,
			wantStatus: http.StatusOK,
			wantMerged: 1,
		},
		{
			name:       "bare array",
			mode:       orchestrator.ModeHub,
			method:     http.MethodPost,
			body:       `[{"sensor_id":"a","data":{}},{"sensor_id":"b","data":{}}]`,
			wantStatus: http.StatusOK,
			wantMerged: 2,
		},
		{
			name:       "invalid body",
			mode:       orchestrator.ModeHub,
			method:     http.MethodPost,
			body:       `{"readings":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "not a hub",
			mode:       orchestrator.ModeSpoke,
			method:     http.MethodPost,
			body:       `[]`,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "wrong method",
			mode:       orchestrator.ModeHub,
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.mode)
			w := ts.do(tt.method, "/push", tt.body, map[string]string{orchestrator.HeaderBatchID: "batch-7"})
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp PushResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantMerged, resp.Accepted)
			assert.Equal(t, "batch-7", resp.BatchID)
			assert.Equal(t, tt.wantMerged, ts.store.Len())
		})
	}
}

func TestReadingsAndHealth(t *testing.T) {
	ts := newTestServer(t, orchestrator.ModeHub)
	ts.store.Merge([]pkgstate.SensorReading{{SensorID: "hub-1:dht22", TimestampMs: 1, Data: map[string]any{"t": 21.0}}})

	w := ts.do(http.MethodGet, "/api/readings", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap pkgstate.AppState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.Len(t, snap.Readings, 1)
	assert.Equal(t, "hub-1:dht22", snap.Readings[0].SensorID)
	assert.Equal(t, uint64(1_700_000_000_000), snap.LastUpdate)

	w = ts.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, HealthResponse{Status: "ok", NodeID: "hub-1", Mode: "hub", Readings: 1, LastUpdate: 1_700_000_000_000}, health)
}

func TestPluginsEndpoint(t *testing.T) {
	ts := newTestServer(t, orchestrator.ModeStandalone)
	w := ts.do(http.MethodGet, "/api/plugins", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var statuses []plugin.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, plugin.RolePrimarySensor, statuses[0].Role)
	assert.Equal(t, uint64(2), statuses[0].Generation)
}

func TestBuzzerTest(t *testing.T) {
	ts := newTestServer(t, orchestrator.ModeStandalone)

	w := ts.do(http.MethodPost, "/api/buzzer/test", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, ts.buzzer.calls)

	ts.buzzer.err = errors.New("gpio busy")
	w = ts.do(http.MethodPost, "/api/buzzer/test", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = ts.do(http.MethodGet, "/api/buzzer/test", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestSitemapAndMetrics(t *testing.T) {
	ts := newTestServer(t, orchestrator.ModeHub)

	w := ts.do(http.MethodGet, "/api", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/readings")
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")

	w = ts.do(http.MethodGet, "/api", "", map[string]string{"Accept": "text/html,application/xhtml+xml"})
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "<!DOCTYPE html>")

	w = ts.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, "metrics", w.Body.String())

	w = ts.do(http.MethodOptions, "/push", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStream(t *testing.T) {
	ts := newTestServer(t, orchestrator.ModeHub)
	ts.store.Merge([]pkgstate.SensorReading{{SensorID: "hub-1:a", TimestampMs: 1, Data: map[string]any{}}})

	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first StreamMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Type)
	require.Len(t, first.Readings, 1)
	assert.Equal(t, "hub-1:a", first.Readings[0].SensorID)

	// The subscription is registered before the snapshot is sent, so this
	// merge is always delivered.
	ts.store.Merge([]pkgstate.SensorReading{{SensorID: "hub-1:b", TimestampMs: 2, Data: map[string]any{"v": 1.0}}})

	var update StreamMessage
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "update", update.Type)
	require.Len(t, update.Readings, 1)
	assert.Equal(t, "hub-1:b", update.Readings[0].SensorID)
	assert.Equal(t, ts.store.LastUpdate(), update.LastUpdate)
}
