// Package coordinator implements the Session Coordinator (C6): thin
// orchestration over the State Store, Event Stream, Work Queue, and Step
// Engine exposed through a small HTTP surface.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stepwise/agentrun/engine"
	"github.com/stepwise/agentrun/event"
	"github.com/stepwise/agentrun/queue"
	"github.com/stepwise/agentrun/session"
	"github.com/stepwise/agentrun/store"
	"github.com/stepwise/agentrun/telemetry"
)

var (
	// ErrValidation marks a request the coordinator rejects outright (400).
	ErrValidation = errors.New("coordinator: validation failed")
	// ErrConflict marks a request that is well-formed but inapplicable to
	// the session's current state (409), e.g. an intervention on a session
	// that isn't waiting for one.
	ErrConflict = errors.New("coordinator: conflict")
)

// Config carries the coordinator's tunables, each with a documented default.
type Config struct {
	// HeartbeatInterval is how often a live SSE subscription emits a
	// heartbeat frame. Default 30s.
	HeartbeatInterval time.Duration
	// CleanupInterval is how often RunCleanupLoop sweeps expired sessions.
	// Default 15 minutes.
	CleanupInterval time.Duration
	// HistoryDefault is the history slice size used when a caller does not
	// specify one. Default 50.
	HistoryDefault int
	// StartDelay is the enqueue delay for a newly created auto-started
	// session's step 0. Default 500ms.
	StartDelay time.Duration
}

// DefaultConfig returns Config populated with its documented defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		CleanupInterval:   15 * time.Minute,
		HistoryDefault:    50,
		StartDelay:        500 * time.Millisecond,
	}
}

// Coordinator is the C6 orchestration layer.
type Coordinator struct {
	Store  store.Store
	Events event.Stream
	Queue  queue.Queue
	Logger telemetry.Logger
	Config Config
}

// New constructs a Coordinator, defaulting Config and Logger when unset.
func New(st store.Store, events event.Stream, q queue.Queue, logger telemetry.Logger, cfg Config) *Coordinator {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.HistoryDefault == 0 {
		cfg.HistoryDefault = DefaultConfig().HistoryDefault
	}
	if cfg.StartDelay == 0 {
		cfg.StartDelay = DefaultConfig().StartDelay
	}
	return &Coordinator{Store: st, Events: events, Queue: q, Logger: logger, Config: cfg}
}

// CreateSessionRequest is the body of POST /session.
type CreateSessionRequest struct {
	SessionID   string
	Messages    []session.Message
	ModelConfig session.ModelConfig
	AgentConfig session.AgentConfig
	UserID      string
	AutoStart   *bool
	MaxSteps    *int64
	CostLimit   *session.CostLimit
}

// CreateSessionResponse is the descriptor returned by CreateSession.
type CreateSessionResponse struct {
	SessionID string          `json:"session_id"`
	Status    session.Status  `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreateSession implements the create_session operation.
func (c *Coordinator) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error) {
	if req.ModelConfig.Provider == "" || req.ModelConfig.Model == "" {
		return nil, fmt.Errorf("%w: model_config.provider and model_config.model are required", ErrValidation)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := time.Now()
	state := &session.Session{
		ID:           sessionID,
		Status:       session.StatusIdle,
		Messages:     append([]session.Message(nil), req.Messages...),
		MaxSteps:     req.MaxSteps,
		CostLimit:    req.CostLimit,
		LastModified: now,
	}
	if err := c.Store.SaveState(ctx, state); err != nil {
		return nil, fmt.Errorf("coordinator: save initial state: %w", err)
	}
	if err := c.Store.CreateMetadata(ctx, &session.Metadata{
		SessionID:    sessionID,
		UserID:       req.UserID,
		CreatedAt:    now,
		LastActiveAt: now,
		Status:       session.StatusIdle,
		ModelConfig:  req.ModelConfig,
		AgentConfig:  req.AgentConfig,
	}); err != nil {
		return nil, fmt.Errorf("coordinator: create metadata: %w", err)
	}

	autoStart := req.AutoStart == nil || *req.AutoStart
	if autoStart {
		task := queue.Task{
			SessionID: sessionID,
			StepIndex: 0,
			Context:   map[string]any{"phase": "user_input"},
			Priority:  queue.PriorityHigh,
		}
		if _, err := c.Queue.ScheduleNextStep(ctx, task, c.Config.StartDelay); err != nil {
			return nil, fmt.Errorf("coordinator: schedule step 0: %w", err)
		}
	}

	return &CreateSessionResponse{SessionID: sessionID, Status: state.Status, CreatedAt: now}, nil
}

// Stats summarizes a session's cumulative counters plus the queue's
// current delivery state, returned alongside StatusResponse.
type Stats struct {
	TotalSteps       int64        `json:"total_steps"`
	TotalCost        float64      `json:"total_cost"`
	PromptTokens     int64        `json:"prompt_tokens"`
	CompletionTokens int64        `json:"completion_tokens"`
	TotalTokens      int64        `json:"total_tokens"`
	Queue            queue.Stats  `json:"queue"`
}

// StatusResponse is the descriptor returned by GetStatus.
type StatusResponse struct {
	State            *session.Session      `json:"current_state"`
	Metadata         *session.Metadata     `json:"metadata"`
	Stats            Stats                 `json:"stats"`
	ExecutionHistory []session.StepResult  `json:"execution_history,omitempty"`
	RecentEvents     []event.Event         `json:"recent_events,omitempty"`
	IsActive         bool                  `json:"is_active"`
	IsCompleted      bool                  `json:"is_completed"`
	HasError         bool                  `json:"has_error"`
	NeedsHumanInput  bool                  `json:"needs_human_input"`
}

// GetStatus implements the get_status operation.
func (c *Coordinator) GetStatus(ctx context.Context, sessionID string, includeHistory bool, historyLimit int) (*StatusResponse, error) {
	state, err := c.Store.LoadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	meta, err := c.Store.GetMetadata(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	queueStats, err := c.Queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: load queue stats: %w", err)
	}

	resp := &StatusResponse{
		State:    state,
		Metadata: meta,
		Stats: Stats{
			TotalSteps:       state.StepCount,
			TotalCost:        state.Cost.Total,
			PromptTokens:     state.Usage.PromptTokens,
			CompletionTokens: state.Usage.CompletionTokens,
			TotalTokens:      state.Usage.TotalTokens,
			Queue:            queueStats,
		},
		IsActive:        state.CanContinue(),
		IsCompleted:     state.Status == session.StatusDone,
		HasError:        state.Status == session.StatusError,
		NeedsHumanInput: state.Status == session.StatusWaitingForHumanInput,
	}

	if historyLimit <= 0 {
		historyLimit = c.Config.HistoryDefault
	}
	if includeHistory {
		hist, err := c.Store.GetHistory(ctx, sessionID, historyLimit)
		if err != nil {
			return nil, fmt.Errorf("coordinator: load history: %w", err)
		}
		resp.ExecutionHistory = hist
	}
	events, err := c.Events.History(ctx, sessionID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("coordinator: load recent events: %w", err)
	}
	resp.RecentEvents = events

	return resp, nil
}

// DeleteSession implements the delete_session operation.
func (c *Coordinator) DeleteSession(ctx context.Context, sessionID string) error {
	state, err := c.Store.LoadState(ctx, sessionID)
	if err != nil {
		return err
	}

	if state.Status == session.StatusRunning {
		state.Status = session.StatusInterrupted
		state.Interruption = &session.Interruption{
			Reason:        "session deleted by user",
			CanResume:     false,
			InterruptedAt: time.Now(),
		}
		if err := c.Store.SaveState(ctx, state); err != nil {
			return fmt.Errorf("coordinator: interrupt before delete: %w", err)
		}
		ev, err := event.New(sessionID, state.StepCount, event.TypeError, map[string]string{
			"message": "session deleted by user",
		})
		if err == nil {
			_, _ = c.Events.Publish(ctx, sessionID, ev)
		}
	}

	if err := c.Store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("coordinator: delete session: %w", err)
	}
	if err := c.Events.Cleanup(ctx, sessionID); err != nil {
		return fmt.Errorf("coordinator: delete event log: %w", err)
	}
	return nil
}

// RunCleanupLoop periodically sweeps expired sessions in the background.
// It blocks until ctx is canceled.
func (c *Coordinator) RunCleanupLoop(ctx context.Context) {
	interval := c.Config.CleanupInterval
	if interval == 0 {
		interval = DefaultConfig().CleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Store.CleanupExpired(ctx)
			if err != nil {
				c.Logger.Error(ctx, "coordinator: cleanup sweep failed", "error", err.Error())
				continue
			}
			if n > 0 {
				c.Logger.Info(ctx, "coordinator: cleanup sweep removed expired sessions", "count", n)
			}
		}
	}
}

// engineNotFound reports whether err came from the step engine's
// not-found sentinel, used by the HTTP layer to map to 404.
func engineNotFound(err error) bool {
	return errors.Is(err, engine.ErrSessionNotFound) || errors.Is(err, store.ErrNotFound)
}
