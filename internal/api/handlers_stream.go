package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/genstream-io/genstream/internal/bus"
	"github.com/genstream-io/genstream/internal/scope"
)

// StreamFrame is the wire form of one event on the SSE stream. Seq is the
// per-scope sequence number clients use to detect gaps or reordering.
type StreamFrame struct {
	ProjectID string    `json:"project_id"`
	SessionID string    `json:"session_id"`
	ThreadID  string    `json:"thread_id"`
	Seq       uint64    `json:"seq"`
	Kind      string    `json:"kind"`
	TaskID    string    `json:"task_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	State     string    `json:"state,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

func frameFromEvent(ev bus.Event) StreamFrame {
	return StreamFrame{
		ProjectID: ev.Scope.ProjectID,
		SessionID: ev.Scope.SessionID,
		ThreadID:  ev.Scope.ThreadID,
		Seq:       ev.Seq,
		Kind:      string(ev.Kind),
		TaskID:    ev.TaskID,
		Content:   ev.Content,
		State:     ev.State,
		Error:     ev.Error,
		At:        ev.At,
	}
}

// handleEvents handles GET /v1/events: a long-lived SSE push of every event
// matching the scope selectors. The subscription lives exactly as long as the
// connection; a reconnecting client gets a fresh subscription with no replay
// and reconciles through the messages read path.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sel, err := scope.ParseSelector(r.URL.Query())
	if errors.Is(err, scope.ErrMalformedSelector) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid scope selectors")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, err := s.events.Subscribe(sel)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}
	defer s.events.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	// Comment frames are invisible to SSE consumers and carry no sequence
	// numbers; clients only parse event/data frames.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s.logger.Info("stream opened", "request_id", middleware.GetReqID(r.Context()))

	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			// Client went away; unsubscribe via defer before any more
			// events can be routed here.
			s.logger.Info("stream closed", "request_id", middleware.GetReqID(r.Context()))
			return

		case <-sub.Done():
			if sub.CloseReason() == bus.CloseReasonOverflow {
				// Tell the client this was backpressure, not a normal close,
				// so it can choose to reconnect.
				fmt.Fprint(w, "event: overflow\ndata: {\"error\":\"subscriber fell behind; reconnect\"}\n\n")
				flusher.Flush()
				s.logger.Warn("stream dropped on overflow", "request_id", middleware.GetReqID(r.Context()))
			}
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev := <-sub.Events():
			if err := writeFrame(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, ev bus.Event) error {
	data, err := json.Marshal(frameFromEvent(ev))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}
