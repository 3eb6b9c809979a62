package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wolfeidau/pwa-cache/telemetry"
	"github.com/wolfeidau/pwa-cache/worker"
)

// maxMessageBytes bounds control-channel request bodies.
const maxMessageBytes = 4 << 10

// eventKeepAlive is how often an idle event stream receives a comment line.
var eventKeepAlive = 25 * time.Second

type statusResponse struct {
	worker.Status
	ClientList []worker.Client `json:"client_list"`
}

// handleStatus reports the registration state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "status")
	telemetry.SetCacheResult(r.Context(), telemetry.CacheNA)

	writeJSON(w, http.StatusOK, statusResponse{
		Status:     s.registration.Status(),
		ClientList: s.registration.Clients(),
	})
}

type messageResponse struct {
	Type       worker.MessageType `json:"type"`
	Recognised bool               `json:"recognised"`
}

// handleMessage is the control channel: the body is a JSON message such as
// {"type":"SKIP_WAITING"}.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "message")
	telemetry.SetCacheResult(r.Context(), telemetry.CacheNA)
	ctx := r.Context()

	data, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "reading message")
		return
	}
	if len(data) > maxMessageBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "message too large")
		return
	}
	msg, err := worker.ParseMessage(data)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.registration.PostMessage(ctx, msg); err != nil {
		if errors.Is(err, worker.ErrNoWorker) {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.ErrorContext(ctx, "message failed", "type", msg.Type, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "message failed")
		return
	}

	writeJSON(w, http.StatusAccepted, messageResponse{Type: msg.Type, Recognised: msg.Recognised()})
}

// handleEvents streams registration notifications as server-sent events,
// one event per notification named after its type.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "events")
	telemetry.SetCacheResult(r.Context(), telemetry.CacheNA)
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	notifications, cancel := s.registration.Subscribe()
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": subscribed\n\n")
	flusher.Flush()

	ticker := time.NewTicker(eventKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case n, ok := <-notifications:
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				s.logger.ErrorContext(ctx, "encoding notification", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
