package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	pkgstate "pluginhost/pkg/state"
)

// MockHub simulates a hub's push endpoint. It records every batch a spoke
// sends and can be told to reject or stall requests.
type MockHub struct {
	server *httptest.Server

	mu      sync.Mutex
	pushes  []Push
	status  int
	delay   time.Duration
	reqSeen int
}

// pushEnvelope mirrors the wire format of a pushed batch.
type pushEnvelope struct {
	NodeID   string                   `json:"node_id"`
	BatchID  string                   `json:"batch_id"`
	SentAtMs uint64                   `json:"sent_at_ms"`
	Readings []pkgstate.SensorReading `json:"readings"`
}

// NewMockHub starts a hub on a random local port. Call Close when done.
func NewMockHub() *MockHub {
	h := &MockHub{status: http.StatusOK}
	h.server = httptest.NewServer(http.HandlerFunc(h.handlePush))
	return h
}

// URL is the push target to configure on a spoke.
func (h *MockHub) URL() string {
	return h.server.URL + "/push"
}

// Close stops the server.
func (h *MockHub) Close() {
	h.server.Close()
}

// SetStatus makes the hub answer every push with status. Non-2xx statuses
// are not recorded as pushes.
func (h *MockHub) SetStatus(status int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
}

// SetDelay stalls every push by d before answering.
func (h *MockHub) SetDelay(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delay = d
}

func (h *MockHub) handlePush(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.reqSeen++
	status, delay := h.status, h.delay
	h.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if r.Method != http.MethodPost || r.URL.Path != "/push" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if status < 200 || status > 299 {
		http.Error(w, "rejected", status)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	h.pushes = append(h.pushes, Push{
		Timestamp:   time.Now(),
		NodeID:      env.NodeID,
		BatchID:     env.BatchID,
		HeaderID:    r.Header.Get("X-Batch-ID"),
		ContentType: r.Header.Get("Content-Type"),
		SentAtMs:    env.SentAtMs,
		Readings:    env.Readings,
	})
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"accepted":` + strconv.Itoa(len(env.Readings)) + `}`))
}

// Pushes returns every accepted push, oldest first.
func (h *MockHub) Pushes() []Push {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Push, len(h.pushes))
	copy(out, h.pushes)
	return out
}

// Requests counts every request, including rejected ones.
func (h *MockHub) Requests() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reqSeen
}

// ClearPushes forgets recorded pushes.
func (h *MockHub) ClearPushes() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushes = nil
}
