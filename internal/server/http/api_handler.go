package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"mira/internal/agentrun"
	"mira/internal/logging"
	"mira/internal/observability"
	"mira/internal/server/app"
)

// maxRequestBodySize bounds JSON request bodies. Run requests are tiny.
const maxRequestBodySize = 64 << 10

// APIHandler handles the JSON API for run admission and inspection.
type APIHandler struct {
	coordinator *app.Coordinator
	obs         *observability.Observability
	logger      logging.Logger
	startedAt   time.Time
}

// APIOption customises the API handler.
type APIOption func(*APIHandler)

// WithAPIObservability attaches the observability stack.
func WithAPIObservability(obs *observability.Observability) APIOption {
	return func(h *APIHandler) {
		h.obs = obs
	}
}

// NewAPIHandler creates the API handler.
func NewAPIHandler(coordinator *app.Coordinator, opts ...APIOption) *APIHandler {
	h := &APIHandler{
		coordinator: coordinator,
		logger:      logging.NewComponentLogger("APIHandler"),
		startedAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type submitRunRequest struct {
	Kind       string `json:"kind"`
	SubjectID  string `json:"subject_id"`
	SlotKey    string `json:"slot_key"`
	Source     string `json:"source"`
	Visibility string `json:"visibility"`
}

type submitRunResponse struct {
	Decision string        `json:"decision"`
	Position int           `json:"position,omitempty"`
	Run      *runStateView `json:"run,omitempty"`
}

// HandleSubmitRun admits a run request and reports the engine's decision.
func (h *APIHandler) HandleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return
	}

	source := agentrun.RequestSource(req.Source)
	if source == "" {
		source = agentrun.SourceManual
	}
	visibility := agentrun.VisibilityPolicy(req.Visibility)
	if visibility == "" {
		visibility = agentrun.VisibilityVisible
	}

	spec := agentrun.TaskSpec{
		Owner: agentrun.RunOwner{
			Kind:      agentrun.TaskKind(req.Kind),
			SubjectID: req.SubjectID,
			SlotKey:   req.SlotKey,
		},
		Source:     source,
		Visibility: visibility,
	}

	decision, err := h.coordinator.Launch(r.Context(), spec)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := submitRunResponse{
		Decision: string(decision.Kind),
		Position: decision.Position,
	}
	if state, _, err := h.coordinator.Status(spec.Owner); err == nil {
		view := viewOfState(state)
		resp.Run = &view
	}

	status := http.StatusAccepted
	if decision.Kind == agentrun.DecisionRejected {
		// The request was dropped under the reject-new policy. The decision
		// payload still describes it; rejection is an outcome, not an error.
		status = http.StatusConflict
	}
	h.writeJSON(w, status, resp)
}

type statusResponse struct {
	Live bool         `json:"live"`
	Run  runStateView `json:"run"`
}

// HandleRunStatus reports the current state of one owner. Recently finished
// runs are served from the terminal history with live=false.
func (h *APIHandler) HandleRunStatus(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerFromQuery(w, r)
	if !ok {
		return
	}

	state, live, err := h.coordinator.Status(owner)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, statusResponse{Live: live, Run: viewOfState(state)})
}

type cancelRunRequest struct {
	Kind      string `json:"kind"`
	SubjectID string `json:"subject_id"`
	SlotKey   string `json:"slot_key"`
	Reason    string `json:"reason"`
}

// HandleCancelRun cancels the active run for an owner.
func (h *APIHandler) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRunRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return
	}
	owner := ownerView{Kind: req.Kind, SubjectID: req.SubjectID, SlotKey: req.SlotKey}.owner()

	if err := h.coordinator.CancelActive(owner, req.Reason); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// HandleAbandonRun removes a waiting run.
func (h *APIHandler) HandleAbandonRun(w http.ResponseWriter, r *http.Request) {
	var req ownerView
	if err := h.decodeJSON(w, r, &req); err != nil {
		return
	}

	if err := h.coordinator.Abandon(req.owner()); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "abandoned"})
}

type abandonSubjectRequest struct {
	Kind      string `json:"kind"`
	SubjectID string `json:"subject_id"`
}

type abandonSubjectResponse struct {
	Removed []ownerView `json:"removed"`
}

// HandleAbandonSubject removes every waiting run for a kind/subject pair.
func (h *APIHandler) HandleAbandonSubject(w http.ResponseWriter, r *http.Request) {
	var req abandonSubjectRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return
	}

	removed, err := h.coordinator.AbandonSubject(agentrun.TaskKind(req.Kind), req.SubjectID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	resp := abandonSubjectResponse{Removed: make([]ownerView, 0, len(removed))}
	for _, owner := range removed {
		resp.Removed = append(resp.Removed, viewOfOwner(owner))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleSnapshot dumps the engine's current tables.
func (h *APIHandler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, viewOfSnapshot(h.coordinator.Snapshot()))
}

// HandleFeedMetrics reports event feed delivery counters.
func (h *APIHandler) HandleFeedMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.coordinator.FeedMetrics())
}

// HandleHealthCheck responds to liveness probes.
func (h *APIHandler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startedAt).String(),
	})
}

func (h *APIHandler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid request body", err)
		return err
	}
	return nil
}

func (h *APIHandler) ownerFromQuery(w http.ResponseWriter, r *http.Request) (agentrun.RunOwner, bool) {
	query := r.URL.Query()
	owner := agentrun.RunOwner{
		Kind:      agentrun.TaskKind(query.Get("kind")),
		SubjectID: query.Get("subject_id"),
		SlotKey:   query.Get("slot_key"),
	}
	if !owner.Kind.Known() {
		h.writeJSONError(w, http.StatusBadRequest, "unknown task kind", nil)
		return agentrun.RunOwner{}, false
	}
	if owner.SubjectID == "" {
		h.writeJSONError(w, http.StatusBadRequest, "subject_id required", nil)
		return agentrun.RunOwner{}, false
	}
	return owner, true
}

// writeDomainError maps app-layer sentinels onto HTTP status codes.
func (h *APIHandler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound):
		h.writeJSONError(w, http.StatusNotFound, "not found", err)
	case errors.Is(err, app.ErrValidation):
		h.writeJSONError(w, http.StatusBadRequest, "invalid request", err)
	case errors.Is(err, app.ErrConflict):
		h.writeJSONError(w, http.StatusConflict, "conflict", err)
	default:
		h.writeJSONError(w, http.StatusInternalServerError, "internal error", err)
	}
}
