package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/genstream-io/genstream/internal/generate"
	"github.com/genstream-io/genstream/internal/scope"
	"github.com/genstream-io/genstream/internal/store"
)

// GenerateRequest is the JSON body for POST /v1/generate.
type GenerateRequest struct {
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
	ThreadID  string `json:"thread_id"`
	Prompt    string `json:"prompt"`
}

// GenerateResponse is returned when a generation is accepted.
type GenerateResponse struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
}

// StopResponse is returned when a stop was signaled.
type StopResponse struct {
	Status string `json:"status"`
}

// MessagesResponse is returned by GET /v1/threads/{thread_id}/messages.
type MessagesResponse struct {
	Messages []*store.Message `json:"messages"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleGenerate handles POST /v1/generate.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if s.config.MaxPromptBytes > 0 && len(req.Prompt) > s.config.MaxPromptBytes {
		s.writeError(w, http.StatusBadRequest, "prompt too large")
		return
	}

	sc, err := scope.New(req.ProjectID, req.SessionID, req.ThreadID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID, err := s.controller.Start(r.Context(), sc, req.Prompt)
	if errors.Is(err, generate.ErrAlreadyRunning) {
		s.writeError(w, http.StatusConflict, "generation already running for this thread")
		return
	}
	if err != nil {
		s.logger.Error("failed to start generation", "scope", sc.String(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start generation")
		return
	}

	s.logger.Info("generation accepted", "task_id", taskID, "scope", sc.String())
	respondJSON(w, http.StatusAccepted, GenerateResponse{
		TaskID: taskID,
		State:  string(generate.StatePending),
	})
}

// handleStopThread handles POST /v1/threads/{thread_id}/stop. A thread whose
// task already finished naturally is a 404, never a server error.
func (s *Server) handleStopThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")

	err := s.controller.StopThread(threadID)
	if errors.Is(err, generate.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no active generation for this thread")
		return
	}
	if err != nil {
		s.logger.Error("failed to stop generation", "thread_id", threadID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to stop generation")
		return
	}

	respondJSON(w, http.StatusAccepted, StopResponse{Status: "stopping"})
}

// handleThreadMessages handles GET /v1/threads/{thread_id}/messages.
func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")

	msgs, err := s.messages.ListByThread(r.Context(), threadID)
	if err != nil {
		s.logger.Error("failed to list messages", "thread_id", threadID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	respondJSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
