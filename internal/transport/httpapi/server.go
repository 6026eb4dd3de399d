// Package httpapi implements the HTTP transport and in-process metrics for
// the sync server: push/pull/resolve REST endpoints, an SSE realtime
// stream, and a status endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/replikit/sync/internal/realtime/rtserver"
	"github.com/replikit/sync/internal/synclog"
	"github.com/replikit/sync/internal/syncengine"
	"github.com/replikit/sync/internal/syncmodel"
)

const maxPushBatch = 1000

// Server is the sync daemon's HTTP transport.
type Server struct {
	addr    string
	engine  *syncengine.Engine
	hub     *rtserver.Hub
	keys    KeyStore
	metrics *Metrics
	log     zerolog.Logger

	http   *http.Server
	cancel context.CancelFunc
}

// New constructs a Server. hub may be nil to disable the realtime stream
// endpoint; realtime is an optional add-on over the core push/pull loop.
func New(addr string, engine *syncengine.Engine, hub *rtserver.Hub, keys KeyStore, base zerolog.Logger) *Server {
	s := &Server{
		addr:    addr,
		engine:  engine,
		hub:     hub,
		keys:    keys,
		metrics: NewMetrics(),
		log:     synclog.WithComponent(base, "http-transport"),
	}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // realtime stream is long-lived; push/pull run without a write deadline too
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the server's routed http.Handler, for embedding in tests
// or an httptest.Server without starting a real listener.
func (s *Server) Handler() http.Handler { return s.routes() }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /sync/push", s.withMetrics(s.handlePush))
	mux.HandleFunc("GET /sync/pull", s.withMetrics(s.handlePull))
	mux.HandleFunc("GET /sync/snapshot", s.withMetrics(s.handleSnapshot))
	mux.HandleFunc("POST /sync/resolve", s.withMetrics(s.handleResolve))
	mux.HandleFunc("GET /realtime/stream", s.withMetrics(s.handleRealtimeStream))
	return mux
}

func (s *Server) withMetrics(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.metrics.RecordRequest()
		h(w, r)
	}
}

// Start begins listening (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("http server exited")
		}
	}()

	_, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

type pushRequest struct {
	Operations []syncmodel.Operation `json:"operations"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.RecordClientError()
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if len(req.Operations) == 0 {
		s.metrics.RecordClientError()
		writeError(w, http.StatusBadRequest, "bad_request", "operations array is empty")
		return
	}
	if len(req.Operations) > maxPushBatch {
		s.metrics.RecordClientError()
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("batch size %d exceeds max %d", len(req.Operations), maxPushBatch))
		return
	}
	for i := range req.Operations {
		req.Operations[i].UserID = principal.UserID
	}

	result, err := s.engine.Push(r.Context(), req.Operations, principal.UserID)
	if err != nil {
		s.metrics.RecordError()
		writeError(w, http.StatusInternalServerError, "internal_error", "push failed")
		return
	}

	s.metrics.RecordPushedOps(int64(len(result.Synced)))
	s.metrics.RecordConflicts(int64(len(result.Conflicts)))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	s.metrics.RecordPullRequest()
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	since := time.Time{}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			s.metrics.RecordClientError()
			writeError(w, http.StatusBadRequest, "bad_request", "invalid since timestamp")
			return
		}
		since = t
	}
	clientID := r.URL.Query().Get("client_id")

	ops, err := s.engine.Pull(r.Context(), since, clientID, principal.UserID)
	if err != nil {
		s.metrics.RecordError()
		writeError(w, http.StatusInternalServerError, "internal_error", "pull failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ops, err := s.engine.Snapshot(r.Context(), principal.UserID)
	if err != nil {
		s.metrics.RecordError()
		writeError(w, http.StatusInternalServerError, "internal_error", "snapshot failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operations": ops,
		"built_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

type resolveRequest struct {
	Conflict   syncmodel.Conflict `json:"conflict"`
	Resolution string             `json:"resolution"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.RecordClientError()
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	req.Conflict.Operation.UserID = principal.UserID
	result, err := s.engine.Resolve(r.Context(), req.Conflict, req.Resolution, principal.UserID)
	if err != nil {
		s.metrics.RecordError()
		writeError(w, http.StatusInternalServerError, "internal_error", "resolve failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRealtimeStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "realtime is disabled on this server")
		return
	}
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	var tables []string
	if v := r.Header.Get("X-Sync-Tables"); v != "" {
		tables = splitCSV(v)
	}
	clientID := r.URL.Query().Get("client_id")

	sub := s.hub.Subscribe(principal.UserID, clientID, tables)
	defer sub.Close()
	s.metrics.RecordRealtimeConnect()
	defer s.metrics.RecordRealtimeDisconnect()

	heartbeats := s.hub.Heartbeats()
	defer heartbeats.Stop()

	connected, err := json.Marshal(struct {
		ConnectionID string   `json:"connection_id"`
		Tables       []string `json:"tables"`
	}{ConnectionID: sub.ID(), Tables: tables})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to open stream")
		return
	}
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Name, ev.Data)
			flusher.Flush()
		case t := <-heartbeats.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: {\"timestamp\":%q}\n\n", t.UTC().Format(time.RFC3339Nano))
			flusher.Flush()
		}
	}
}

func splitCSV(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}
