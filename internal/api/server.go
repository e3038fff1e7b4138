package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"pluginhost/internal/orchestrator"
	"pluginhost/pkg/plugin"
	pkgstate "pluginhost/pkg/state"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxPushBody       = 1 << 20
	streamBuffer      = 16
	streamWriteWait   = 5 * time.Second
	buzzerTestTimeout = 5 * time.Second
)

// Node is the part of the orchestrator the API consumes.
type Node interface {
	Mode() orchestrator.Mode
	NodeID() string
	Render(ctx context.Context) ([]byte, error)
	Accept(ctx context.Context, b orchestrator.Batch) (int, error)
}

// PluginStatuses lists the slots.
type PluginStatuses interface {
	Statuses() []plugin.Status
}

// SelfTester plays the buzzer self-test pattern.
type SelfTester interface {
	SelfTest(ctx context.Context) error
}

// Options holds the server's collaborators. Buzzer and Metrics are optional.
type Options struct {
	Node    Node
	Store   pkgstate.Store
	Plugins PluginStatuses
	Buzzer  SelfTester
	Metrics http.Handler
	Port    int
}

// Server provides the HTTP API and dashboard for the plugin host
type Server struct {
	opts     Options
	logger   *zap.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	streamsMu sync.Mutex
	streams   map[*websocket.Conn]struct{}
}

// NewServer creates a new API server
func NewServer(opts Options, logger *zap.Logger) *Server {
	s := &Server{
		opts:    opts,
		logger:  logger.Named("api"),
		streams: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("/api", s.handleSitemap)
	mux.HandleFunc("/api/readings", s.handleReadings)
	mux.HandleFunc("/api/plugins", s.handlePlugins)
	mux.HandleFunc("/api/buzzer/test", s.handleBuzzerTest)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/push", s.handlePush)
	mux.HandleFunc("/health", s.handleHealth)
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      withCORS(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+orchestrator.HeaderBatchID)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleDashboard renders the aggregate state through the dashboard plugin
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	html, err := s.opts.Node.Render(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if plugin.HasCode(err, plugin.ErrCodePluginNotLoaded) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("Dashboard render failed", zap.Error(err))
		http.Error(w, "Dashboard unavailable: "+err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(html)
}

// handleReadings returns the aggregate state as JSON
func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Store.Snapshot())
}

// handlePlugins returns the status of every enabled slot
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	statuses := s.opts.Plugins.Statuses()
	if statuses == nil {
		statuses = []plugin.Status{}
	}
	s.writeJSON(w, http.StatusOK, statuses)
}

// PushResponse acknowledges a pushed batch.
type PushResponse struct {
	Accepted int    `json:"accepted"`
	BatchID  string `json:"batch_id,omitempty"`
}

// handlePush merges a batch forwarded by a spoke
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPushBody))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	batch, err := orchestrator.DecodeBatch(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if batch.BatchID == "" {
		batch.BatchID = r.Header.Get(orchestrator.HeaderBatchID)
	}

	n, err := s.opts.Node.Accept(r.Context(), batch)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrNotAccepting) {
			status = http.StatusForbidden
		}
		s.writeError(w, status, err)
		return
	}

	s.logger.Debug("Push accepted",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("node_id", batch.NodeID),
		zap.String("batch_id", batch.BatchID),
		zap.Int("readings", n))
	s.writeJSON(w, http.StatusOK, PushResponse{Accepted: n, BatchID: batch.BatchID})
}

// handleBuzzerTest plays the self-test pattern
func (s *Server) handleBuzzerTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Buzzer == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("buzzer not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), buzzerTestTimeout)
	defer cancel()
	if err := s.opts.Buzzer.SelfTest(ctx); err != nil {
		s.logger.Warn("Buzzer self-test failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthResponse is served by /health.
type HealthResponse struct {
	Status     string `json:"status"`
	NodeID     string `json:"node_id"`
	Mode       string `json:"mode"`
	Readings   int    `json:"readings"`
	LastUpdate uint64 `json:"last_update"`
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		NodeID:     s.opts.Node.NodeID(),
		Mode:       s.opts.Node.Mode().String(),
		Readings:   s.opts.Store.Len(),
		LastUpdate: s.opts.Store.LastUpdate(),
	})
}

// StreamMessage is sent over /api/stream. The first message is a full
// snapshot; later ones carry only the changed readings.
type StreamMessage struct {
	Type       string                   `json:"type"`
	Readings   []pkgstate.SensorReading `json:"readings"`
	LastUpdate uint64                   `json:"last_update"`
}

// handleStream upgrades to a websocket and relays state changes
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Stream upgrade failed", zap.Error(err))
		return
	}

	s.streamsMu.Lock()
	s.streams[conn] = struct{}{}
	s.streamsMu.Unlock()

	updates := make(chan StreamMessage, streamBuffer)
	sub := s.opts.Store.Subscribe(func(changed []pkgstate.SensorReading, lastUpdate uint64) {
		select {
		case updates <- StreamMessage{Type: "update", Readings: changed, LastUpdate: lastUpdate}:
		default:
			// Slow client; it resyncs from /api/readings.
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		sub.Unsubscribe()
		s.streamsMu.Lock()
		delete(s.streams, conn)
		s.streamsMu.Unlock()
		conn.Close()
	}()

	snap := s.opts.Store.Snapshot()
	if err := s.send(conn, StreamMessage{Type: "snapshot", Readings: snap.Readings, LastUpdate: snap.LastUpdate}); err != nil {
		return
	}

	for {
		select {
		case msg := <-updates:
			if err := s.send(conn, msg); err != nil {
				s.logger.Debug("Stream write failed", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) send(conn *websocket.Conn, msg StreamMessage) error {
	if msg.Readings == nil {
		msg.Readings = []pkgstate.SensorReading{}
	}
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "Dashboard rendered by the dashboard plugin"},
	{Path: "/api", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/api/readings", Method: "GET", Description: "Aggregate sensor state (readings and last_update)"},
	{Path: "/api/plugins", Method: "GET", Description: "Plugin slots: role, path, generation, state, last error"},
	{Path: "/api/stream", Method: "GET", Description: "WebSocket stream of state changes"},
	{Path: "/api/buzzer/test", Method: "POST", Description: "Play the buzzer self-test pattern"},
	{Path: "/push", Method: "POST", Description: "Accept a batch of readings from a spoke (hub only)"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

func prefersHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if mt == "text/html" {
			return true
		}
	}
	return false
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !prefersHTML(r.Header.Get("Accept")) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Plugin Host API (%s, %s)\n", s.opts.Node.NodeID(), s.opts.Node.Mode())
		fmt.Fprintf(w, "===============\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-18s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExamples:\n\n")
		fmt.Fprintf(w, "  curl http://localhost:%d/api/readings | jq\n", s.opts.Port)
		fmt.Fprintf(w, "  curl -X POST http://localhost:%d/api/buzzer/test\n", s.opts.Port)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Plugin Host API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Plugin Host API</h1>
    <p>Node <b>%s</b> running as <b>%s</b>.</p>
`, s.opts.Node.NodeID(), s.opts.Node.Mode())
	for _, ep := range endpoints {
		fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "</body>\n</html>\n")
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and closes open streams
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	s.streamsMu.Lock()
	for conn := range s.streams {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	s.streamsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
