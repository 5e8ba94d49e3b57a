// Package backend exposes one user's assistant over HTTP. The gateway
// authenticates and routes; the backend trusts its caller and serializes
// conversation turns.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tom-assistant/tom/internal/llm"
	"github.com/tom-assistant/tom/internal/notify"
	"github.com/tom-assistant/tom/internal/observability"
	"github.com/tom-assistant/tom/internal/orchestrator"
	"github.com/tom-assistant/tom/internal/sessions"
)

// turnTimeout bounds one /process turn end to end.
const turnTimeout = 5 * time.Minute

// lockTimeout bounds how long a second /process waits behind the first.
const lockTimeout = 2 * time.Minute

// Server is the per-user backend HTTP surface.
type Server struct {
	username     string
	orchestrator *orchestrator.Orchestrator
	aggregator   *notify.Aggregator
	locker       *sessions.UserLocker
	logger       *observability.Logger
	mux          *http.ServeMux
}

// NewServer wires the backend routes.
func NewServer(username string, orch *orchestrator.Orchestrator, aggregator *notify.Aggregator, logger *observability.Logger) *Server {
	s := &Server{
		username:     username,
		orchestrator: orch,
		aggregator:   aggregator,
		locker:       sessions.NewUserLocker(),
		logger:       logger,
		mux:          http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /process", s.handleProcess)
	s.mux.HandleFunc("POST /reset", s.handleReset)
	s.mux.HandleFunc("GET /tasks", s.handleTasks)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /notifications", s.handleNotifications)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type processRequest struct {
	Input    string `json:"input"`
	Lang     string `json:"lang"`
	Position *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"position"`
	ClientType string `json:"client_type"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), turnTimeout)
	defer cancel()

	// Turns for one user are strictly serialized: a second /process waits
	// for the first to finish.
	release, err := s.locker.Acquire(ctx, s.username, lockTimeout)
	if err != nil {
		writeError(w, http.StatusTooManyRequests, "another request is in progress")
		return
	}
	defer release()

	var gps *orchestrator.GPS
	if req.Position != nil {
		gps = &orchestrator.GPS{Lat: req.Position.Latitude, Lon: req.Position.Longitude}
	}

	reply, err := s.orchestrator.Process(ctx, req.Input, req.Lang, gps, req.ClientType)
	if err != nil {
		s.logger.Error(ctx, "turn failed", "error", err)
		switch {
		case errors.Is(err, llm.ErrUnavailable), errors.Is(err, orchestrator.ErrToolFailure):
			writeError(w, http.StatusBadGateway, "assistant unavailable")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": reply})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	release, err := s.locker.Acquire(r.Context(), s.username, lockTimeout)
	if err != nil {
		writeError(w, http.StatusTooManyRequests, "another request is in progress")
		return
	}
	defer release()

	s.orchestrator.Reset(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	snapshot := s.aggregator.Snapshot()
	tasks := make([]map[string]string, 0, len(snapshot.Notifications))
	for _, status := range snapshot.Notifications {
		tasks = append(tasks, map[string]string{"module": status.Module, "status": status.Message})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status_id": snapshot.StatusID,
		"tasks":     tasks,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	healthy, providers := s.orchestrator.Status(r.Context())
	out := make([]map[string]any, 0, len(providers))
	for _, provider := range providers {
		entry := map[string]any{"name": provider.Module, "up": provider.Up}
		if !provider.LastRefresh.IsZero() {
			entry["last_refresh"] = provider.LastRefresh
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"healthy": healthy, "providers": out})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.aggregator.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
