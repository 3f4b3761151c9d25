package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stepwise/agentrun/engine"
	"github.com/stepwise/agentrun/queue"
	"github.com/stepwise/agentrun/session"
	"github.com/stepwise/agentrun/store"
)

// Handler bundles a Coordinator and a Step Engine behind the HTTP surface.
// Coordinator owns session lifecycle; Engine owns the per-step
// execute-step callback.
type Handler struct {
	Coordinator *Coordinator
	Engine      *engine.Engine
}

// Router builds the chi router for the HTTP surface.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/session", h.createSession)
	r.Get("/session", h.getSession)
	r.Delete("/session", h.deleteSession)
	r.Post("/start", h.start)
	r.Post("/execute-step", h.executeStep)
	r.Get("/execute-step", h.executeStepHealth)
	r.Post("/human-intervention", h.humanIntervention)
	r.Get("/human-intervention", h.listInterventions)
	r.Get("/stream", h.stream)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps a coordinator/engine/store error to an HTTP status.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound), errors.Is(err, engine.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrExecutorFault):
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}

type createSessionBody struct {
	SessionID   string             `json:"sessionId,omitempty"`
	Messages    []session.Message  `json:"messages,omitempty"`
	ModelConfig session.ModelConfig `json:"model_config"`
	AgentConfig session.AgentConfig `json:"agent_config,omitempty"`
	UserID      string             `json:"user_id,omitempty"`
	AutoStart   *bool              `json:"auto_start,omitempty"`
	MaxSteps    *int64             `json:"max_steps,omitempty"`
	CostLimit   *session.CostLimit `json:"cost_limit,omitempty"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	resp, err := h.Coordinator.CreateSession(r.Context(), CreateSessionRequest{
		SessionID:   body.SessionID,
		Messages:    body.Messages,
		ModelConfig: body.ModelConfig,
		AgentConfig: body.AgentConfig,
		UserID:      body.UserID,
		AutoStart:   body.AutoStart,
		MaxSteps:    body.MaxSteps,
		CostLimit:   body.CostLimit,
	})
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	includeHistory := r.URL.Query().Get("includeHistory") == "true"
	historyLimit, _ := strconv.Atoi(r.URL.Query().Get("historyLimit"))

	resp, err := h.Coordinator.GetStatus(r.Context(), sessionID, includeHistory, historyLimit)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if err := h.Coordinator.DeleteSession(r.Context(), sessionID); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID, "status": "deleted"})
}

type startBody struct {
	SessionID string         `json:"sessionId"`
	Context   map[string]any `json:"context,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	DelayMS   int64          `json:"delay,omitempty"`
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	var body startBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	task := queue.Task{
		SessionID: body.SessionID,
		Context:   body.Context,
		Priority:  queue.Priority(body.Priority),
	}
	if task.Priority == "" {
		task.Priority = queue.PriorityHigh
	}
	delay := h.Coordinator.Config.StartDelay
	if body.DelayMS > 0 {
		delay = time.Duration(body.DelayMS) * time.Millisecond
	}
	if _, err := h.Coordinator.Queue.ScheduleNextStep(r.Context(), task, delay); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": body.SessionID, "status": "scheduled"})
}

type executeStepBody struct {
	SessionID        string                   `json:"sessionId"`
	StepIndex        int64                    `json:"stepIndex"`
	Context          map[string]any           `json:"context,omitempty"`
	ForceComplete    bool                     `json:"forceComplete,omitempty"`
	HumanInput       string                   `json:"humanInput,omitempty"`
	ApprovedToolCall *queue.ApprovedToolCall  `json:"approvedToolCall,omitempty"`
	RejectionReason  string                   `json:"rejectionReason,omitempty"`
	Priority         string                   `json:"priority,omitempty"`
}

func (h *Handler) executeStep(w http.ResponseWriter, r *http.Request) {
	var body executeStepBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	task := queue.Task{
		SessionID:     body.SessionID,
		StepIndex:     body.StepIndex,
		Context:       body.Context,
		Priority:      queue.Priority(body.Priority),
		ForceComplete: body.ForceComplete,
	}
	if body.ApprovedToolCall != nil || body.RejectionReason != "" || body.HumanInput != "" {
		task.Intervention = &queue.HumanIntervention{
			ApprovedToolCall: body.ApprovedToolCall,
			RejectionReason:  body.RejectionReason,
		}
		if body.HumanInput != "" {
			task.Intervention.HumanInput = &queue.HumanInput{Value: body.HumanInput}
		}
	}

	resp, err := h.Engine.ExecuteStep(r.Context(), task)
	if err != nil {
		if errors.Is(err, engine.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if errors.Is(err, engine.ErrExecutorFault) {
			// 500 so the queue's at-least-once dispatcher retries.
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) executeStepHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type interventionBody struct {
	SessionID string `json:"sessionId"`
	Action    string `json:"action"`
	Data      struct {
		ApprovedToolCall *queue.ApprovedToolCall `json:"approvedToolCall,omitempty"`
		Value            string                  `json:"value,omitempty"`
	} `json:"data"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) humanIntervention(w http.ResponseWriter, r *http.Request) {
	var body interventionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	req := InterventionRequest{
		SessionID:        body.SessionID,
		Action:           Action(body.Action),
		ApprovedToolCall: body.Data.ApprovedToolCall,
		RejectionReason:  body.Reason,
		Value:            body.Data.Value,
	}
	if err := h.Coordinator.ProcessIntervention(r.Context(), req); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": body.SessionID, "status": "scheduled"})
}

func (h *Handler) listInterventions(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	userID := r.URL.Query().Get("userId")

	var ids []string
	var err error
	if sessionID != "" {
		ids = []string{sessionID}
	} else {
		ids, err = h.Coordinator.Store.ListActive(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}

	var pending []session.Metadata
	for _, id := range ids {
		state, err := h.Coordinator.Store.LoadState(r.Context(), id)
		if err != nil || state.Status != session.StatusWaitingForHumanInput {
			continue
		}
		meta, err := h.Coordinator.Store.GetMetadata(r.Context(), id)
		if err != nil {
			continue
		}
		pending = append(pending, *meta)
	}
	writeJSON(w, http.StatusOK, pending)
}

