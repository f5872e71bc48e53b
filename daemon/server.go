package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"rowsync/internal/commitlog"
	"rowsync/internal/engine"
	"rowsync/internal/notify"
	"rowsync/internal/snapshot"
	"rowsync/internal/syncerr"
)

// Server is the JSON-over-HTTP front end: sync requests, the out-of-band
// change hook, the SSE event stream, and operator status.
type Server struct {
	engine      *engine.Engine
	store       *commitlog.Store
	chunks      *snapshot.Store
	connections *notify.Registry
	tables      []string
}

func NewServer(eng *engine.Engine, store *commitlog.Store, chunks *snapshot.Store, connections *notify.Registry, tables []string) *Server {
	return &Server{engine: eng, store: store, chunks: chunks, connections: connections, tables: tables}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sync", s.handleSync)
	mux.HandleFunc("POST /v1/external-change", s.handleExternalChange)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then drains connections.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, syncerr.New(syncerr.CodeInvalidRequest, "malformed request body: %v", err))
		return
	}

	resp, err := s.engine.Sync(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type externalChangeRequest struct {
	Partition string   `json:"partition,omitempty"`
	Tables    []string `json:"tables"`
}

func (s *Server) handleExternalChange(w http.ResponseWriter, r *http.Request) {
	var req externalChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, syncerr.New(syncerr.CodeInvalidRequest, "malformed request body: %v", err))
		return
	}

	res, err := s.engine.NotifyExternalDataChange(r.Context(), req.Partition, req.Tables)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleEvents upgrades to an SSE stream registered for realtime sync
// nudges. The stream carries only wake-up signals and heartbeats; data always
// flows through pull.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		writeError(w, syncerr.New(syncerr.CodeInvalidRequest, "clientId query parameter is required"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := newSSEConnection(w, flusher)
	id := s.connections.Register(clientID, conn)
	defer s.connections.Unregister(id)

	select {
	case <-r.Context().Done():
	case <-conn.closed:
	}
}

type statusReport struct {
	Tables      []string          `json:"tables"`
	Connections int               `json:"connections"`
	Partitions  []partitionStatus `json:"partitions"`
}

type partitionStatus struct {
	Partition         string `json:"partition"`
	LatestCommitSeq   int64  `json:"latestCommitSeq"`
	OldestRetainedSeq int64  `json:"oldestRetainedSeq"`
	Commits           int64  `json:"commits"`
	Chunks            int64  `json:"chunks"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report := statusReport{
		Tables:      s.tables,
		Connections: s.connections.ConnectionCount(),
		Partitions:  []partitionStatus{},
	}

	partitions, err := s.store.Partitions(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, p := range partitions {
		ps := partitionStatus{Partition: p}
		if ps.LatestCommitSeq, err = s.store.LatestCommitSeq(ctx, p); err != nil {
			writeError(w, err)
			return
		}
		if ps.OldestRetainedSeq, err = s.store.OldestRetainedCommitSeq(ctx, p); err != nil {
			writeError(w, err)
			return
		}
		if ps.Commits, err = s.store.CountCommits(ctx, p); err != nil {
			writeError(w, err)
			return
		}
		if s.chunks != nil {
			if ps.Chunks, err = s.chunks.CountChunks(ctx, p); err != nil {
				writeError(w, err)
				return
			}
		}
		report.Partitions = append(report.Partitions, ps)
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retriable bool   `json:"retriable"`
}

func writeError(w http.ResponseWriter, err error) {
	var se *syncerr.Error
	if !errors.As(err, &se) {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Code: string(syncerr.CodeStorageError)})
		return
	}
	writeJSON(w, httpStatus(se.Code), errorBody{Error: se.Message, Code: string(se.Code), Retriable: se.Retriable})
}

func httpStatus(code syncerr.Code) int {
	switch code {
	case syncerr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case syncerr.CodeForbidden:
		return http.StatusForbidden
	case syncerr.CodeConflict:
		return http.StatusConflict
	case syncerr.CodeStorageError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// sseConnection adapts one event-stream response to the notifier's
// connection contract. Send is serialized; a write failure closes the
// stream and the registry drops the connection on the next send.
type sseConnection struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  chan struct{}
	once    sync.Once
}

func newSSEConnection(w http.ResponseWriter, flusher http.Flusher) *sseConnection {
	return &sseConnection{w: w, flusher: flusher, closed: make(chan struct{})}
}

func (c *sseConnection) Send(event notify.Event) error {
	select {
	case <-c.closed:
		return fmt.Errorf("connection closed")
	default:
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", event.Event, data); err != nil {
		c.closeOnce()
		return fmt.Errorf("write event: %w", err)
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConnection) Close() error {
	c.closeOnce()
	return nil
}

func (c *sseConnection) closeOnce() {
	c.once.Do(func() { close(c.closed) })
}
