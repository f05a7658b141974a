package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"mira/internal/agentrun"
	"mira/internal/logging"
	"mira/internal/observability"
	"mira/internal/server/app"
)

// sseClientBuffer sizes each SSE connection's event channel.
const sseClientBuffer = 100

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// SSEHandler streams engine events to connected clients.
type SSEHandler struct {
	coordinator *app.Coordinator
	obs         *observability.Observability
	logger      logging.Logger
}

// SSEOption customises the SSE handler.
type SSEOption func(*SSEHandler)

// WithSSEObservability attaches the observability stack.
func WithSSEObservability(obs *observability.Observability) SSEOption {
	return func(h *SSEHandler) {
		h.obs = obs
	}
}

// NewSSEHandler creates a new SSE handler.
func NewSSEHandler(coordinator *app.Coordinator, opts ...SSEOption) *SSEHandler {
	h := &SSEHandler{
		coordinator: coordinator,
		logger:      logging.NewComponentLogger("SSEHandler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleEventStream streams run events over SSE. Optional kind and
// subject_id query parameters narrow the stream server-side; without them
// the client receives every event.
func (h *SSEHandler) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	query := r.URL.Query()
	kindFilter := query.Get("kind")
	subjectFilter := query.Get("subject_id")
	if kindFilter != "" && !agentrun.TaskKind(kindFilter).Known() {
		http.Error(w, "unknown task kind", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	if h.obs != nil && h.obs.Tracer != nil {
		_, span := h.obs.Tracer.StartSpan(r.Context(), observability.SpanSSEConnection)
		defer span.End()
	}

	events, cancel := h.coordinator.Subscribe(sseClientBuffer)
	defer cancel()

	h.logger.Info("SSE connection established (kind=%q subject=%q)", kindFilter, subjectFilter)

	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"kind\":%q,\"subject_id\":%q}\n\n", kindFilter, subjectFilter); err != nil {
		h.logger.Error("Failed to send connection message: %v", err)
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event, open := <-events:
			if !open {
				// Engine shut down; end the stream cleanly.
				h.logger.Info("SSE connection closing, feed shut down")
				return
			}
			if !h.matches(event, kindFilter, subjectFilter) {
				continue
			}
			data, err := h.serializeEvent(event)
			if err != nil {
				h.logger.Error("Failed to serialize event: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType(), data); err != nil {
				h.logger.Error("Failed to send SSE message: %v", err)
				continue
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				h.logger.Error("Failed to send heartbeat: %v", err)
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			h.logger.Info("SSE connection closed by client")
			return
		}
	}
}

func (h *SSEHandler) matches(event agentrun.RuntimeEvent, kindFilter, subjectFilter string) bool {
	owner := event.EventOwner()
	if kindFilter != "" && string(owner.Kind) != kindFilter {
		return false
	}
	if subjectFilter != "" && owner.SubjectID != subjectFilter {
		return false
	}
	return true
}

// serializeEvent converts an engine event to its JSON wire form.
func (h *SSEHandler) serializeEvent(event agentrun.RuntimeEvent) (string, error) {
	owner := event.EventOwner()
	data := map[string]any{
		"event_type": event.EventType(),
		"timestamp":  event.Timestamp().Format(time.RFC3339),
		"kind":       string(owner.Kind),
		"subject_id": owner.SubjectID,
		"slot_key":   owner.SlotKey,
	}

	switch e := event.(type) {
	case agentrun.QueuedEvent:
		data["position"] = e.Position

	case agentrun.ActivatedEvent:
		// The token stays server-side; activation is announced without it.

	case agentrun.PhaseChangedEvent:
		data["phase"] = string(e.Phase)

	case agentrun.ProgressUpdatedEvent:
		data["status_text"] = e.StatusText
		if e.Progress != nil {
			data["progress"] = *e.Progress
		}

	case agentrun.TerminalEvent:
		data["phase"] = string(e.Phase)
		data["reason"] = string(e.Reason)

	case agentrun.PromotedEvent:
		if e.To != nil {
			data["promoted"] = viewOfOwner(*e.To)
		} else {
			data["promoted"] = nil
		}

	case agentrun.DroppedEvent:
		data["reason"] = e.Reason
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(jsonData), nil
}
