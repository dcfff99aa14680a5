// Package api exposes the voice session over HTTP.
//
// Routes:
//
//   - GET  /v1/session            current [session.Snapshot]
//   - POST /v1/session/connect    open a session (no-op unless idle)
//   - POST /v1/session/disconnect close the session (always succeeds)
//   - GET  /v1/session/events     WebSocket stream of snapshots
//   - GET  /v1/tasks?limit=N      stored tasks, newest first
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxtask/internal/session"
	"github.com/MrWong99/voxtask/internal/taskstore"
)

// SessionController is the subset of [session.Manager] the API drives.
type SessionController interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Snapshot() session.Snapshot
}

// TaskLister lists stored tasks.
type TaskLister interface {
	List(ctx context.Context, limit int) ([]taskstore.Record, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithConnectTimeout bounds how long POST /v1/session/connect may take.
// Defaults to 30s.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

// WithWriteTimeout bounds each WebSocket event write. Defaults to 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// Server serves the HTTP API.
type Server struct {
	ctrl           SessionController
	tasks          TaskLister
	hub            *Hub
	connectTimeout time.Duration
	writeTimeout   time.Duration
}

// New creates a Server. tasks may be nil, in which case /v1/tasks answers
// 404. Snapshots published on hub are streamed to event subscribers.
func New(ctrl SessionController, tasks TaskLister, hub *Hub, opts ...Option) *Server {
	s := &Server{
		ctrl:           ctrl,
		tasks:          tasks,
		hub:            hub,
		connectTimeout: 30 * time.Second,
		writeTimeout:   5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/session", s.handleSnapshot)
	mux.HandleFunc("POST /v1/session/connect", s.handleConnect)
	mux.HandleFunc("POST /v1/session/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /v1/session/events", s.handleEvents)
	if s.tasks != nil {
		mux.HandleFunc("GET /v1/tasks", s.handleTasks)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.connectTimeout)
	defer cancel()

	if err := s.ctrl.Connect(ctx); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.Disconnect(); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	records, err := s.tasks.List(r.Context(), limit)
	if err != nil {
		slog.Warn("api: list tasks", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "list tasks failed"})
		return
	}
	if records == nil {
		records = []taskstore.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleEvents streams the current snapshot followed by every change until
// the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("api: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	updates, cancel := s.hub.Subscribe()
	defer cancel()

	// The client sends nothing; CloseRead handles control frames and
	// cancels ctx when the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	if err := s.write(ctx, conn, s.ctrl.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := s.write(ctx, conn, snap); err != nil {
				slog.Debug("api: websocket write", "err", err)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, snap session.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, snap)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: encode response", "err", err)
	}
}
