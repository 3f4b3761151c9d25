// Package session defines the durable data model for agent execution
// sessions: the Session state machine, its companion metadata record, and
// the bounded per-step history entry appended after every committed step.
//
// Values in this package are plain data. Mutation rules (append-only
// messages, monotonic step_count, mutually exclusive pending_* fields) are
// enforced by the callers that own the mutation — the step engine and the
// human-intervention handlers in the coordinator — not by the struct
// methods themselves, mirroring the pattern where Store
// implementations, not the data types, hold the contract.
package session

import (
	"time"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	// StatusIdle is the initial state before the first step runs.
	StatusIdle Status = "idle"
	// StatusRunning indicates a step is scheduled or executing.
	StatusRunning Status = "running"
	// StatusWaitingForHumanInput indicates the session is paused pending
	// an external approval, prompt response, or selection.
	StatusWaitingForHumanInput Status = "waiting_for_human_input"
	// StatusDone is terminal: the session finished successfully.
	StatusDone Status = "done"
	// StatusError is terminal: the session failed unrecoverably.
	StatusError Status = "error"
	// StatusInterrupted is terminal: the session was explicitly canceled.
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether no further steps will be enqueued for a session
// in this status: done and error both mean no further steps; interrupted
// is terminal in the same sense.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusInterrupted
}

// Role identifies the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// OnExceeded describes what happens once a session's cost limit is hit.
type OnExceeded string

const (
	OnExceededStop      OnExceeded = "stop"
	OnExceededInterrupt OnExceeded = "interrupt"
	OnExceededContinue  OnExceeded = "continue"
)

type (
	// Message is one turn in a session's conversation. ToolCalls is set on
	// assistant messages that requested tool invocations; ToolCallID is set
	// on tool-role messages to correlate the result with its request.
	Message struct {
		Role       Role       `json:"role"`
		Content    string     `json:"content"`
		ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
		ToolCallID string     `json:"tool_call_id,omitempty"`
	}

	// ToolCall is a single model-requested (or human-approved) tool
	// invocation.
	ToolCall struct {
		ID       string       `json:"id"`
		Function ToolCallFunc `json:"function"`
	}

	// ToolCallFunc is the function-call payload of a ToolCall: a name plus
	// raw (not-yet-parsed) JSON arguments, matching how model providers hand
	// back tool call requests.
	ToolCallFunc struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// Usage accumulates token counts across all steps of a session.
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	}

	// Cost accumulates monetary cost across all steps of a session. Total is
	// monotonically non-decreasing.
	Cost struct {
		Total float64 `json:"total"`
	}

	// CostLimit bounds a session's spend and defines what happens once the
	// bound is reached.
	CostLimit struct {
		MaxTotalCost float64    `json:"max_total_cost"`
		Currency     string     `json:"currency"`
		OnExceeded   OnExceeded `json:"on_exceeded"`
	}

	// PendingToolsCalling is set while the session waits for a human to
	// approve or reject one or more tool calls.
	PendingToolsCalling struct {
		ToolCalls []ToolCall `json:"tool_calls"`
	}

	// PendingHumanPrompt is set while the session waits for free-form human
	// input (e.g. answering a clarifying question).
	PendingHumanPrompt struct {
		Prompt string `json:"prompt"`
	}

	// PendingHumanSelect is set while the session waits for a human to pick
	// one of a fixed set of options.
	PendingHumanSelect struct {
		Prompt  string   `json:"prompt"`
		Options []string `json:"options"`
	}

	// Interruption describes why and how a session was interrupted.
	Interruption struct {
		Reason        string    `json:"reason"`
		CanResume     bool      `json:"can_resume"`
		InterruptedAt time.Time `json:"interrupted_at"`
	}

	// Error describes the terminal failure of a session in the error state.
	Error struct {
		Message string `json:"message"`
		Detail  string `json:"detail,omitempty"`
	}

	// Session is the durable per-execution state machine. It is the value
	// stored under the `state:{id}` key and
	// replaced wholesale (never merged) on every save.
	Session struct {
		ID       string   `json:"id"`
		Status   Status   `json:"status"`
		Messages []Message `json:"messages"`

		StepCount int64 `json:"step_count"`

		Cost  Cost  `json:"cost"`
		Usage Usage `json:"usage"`

		MaxSteps  *int64     `json:"max_steps,omitempty"`
		CostLimit *CostLimit `json:"cost_limit,omitempty"`

		LastModified time.Time `json:"last_modified"`

		PendingToolsCalling *PendingToolsCalling `json:"pending_tools_calling,omitempty"`
		PendingHumanPrompt  *PendingHumanPrompt  `json:"pending_human_prompt,omitempty"`
		PendingHumanSelect  *PendingHumanSelect  `json:"pending_human_select,omitempty"`

		Interruption *Interruption `json:"interruption,omitempty"`
		Error        *Error        `json:"error,omitempty"`
	}
)

// PendingCount returns how many of the three mutually exclusive pending_*
// fields are set. A valid Session with Status == StatusWaitingForHumanInput
// has PendingCount() == 1; every other status has PendingCount() == 0.
func (s *Session) PendingCount() int {
	n := 0
	if s.PendingToolsCalling != nil {
		n++
	}
	if s.PendingHumanPrompt != nil {
		n++
	}
	if s.PendingHumanSelect != nil {
		n++
	}
	return n
}

// ValidPendingState reports whether waiting_for_human_input holds iff
// exactly one pending_* field is set.
func (s *Session) ValidPendingState() bool {
	if s.Status == StatusWaitingForHumanInput {
		return s.PendingCount() == 1
	}
	return s.PendingCount() == 0
}

// ClearPending clears all three pending_* fields. Callers use this before
// setting exactly one of them or before leaving StatusWaitingForHumanInput.
func (s *Session) ClearPending() {
	s.PendingToolsCalling = nil
	s.PendingHumanPrompt = nil
	s.PendingHumanSelect = nil
}

// CostExceeded reports whether the session's accumulated cost has reached
// or passed its configured limit. Returns false when no limit is set.
func (s *Session) CostExceeded() bool {
	if s.CostLimit == nil {
		return false
	}
	return s.Cost.Total >= s.CostLimit.MaxTotalCost
}

// CanContinue reports whether the step engine may schedule another step
// for this session, independent of whether a next context was produced.
// It captures the status/step/cost half of the continuation rule; callers
// still need to check next_context presence and force_complete
// themselves.
func (s *Session) CanContinue() bool {
	if s.Status.Terminal() || s.Status == StatusWaitingForHumanInput {
		return false
	}
	if s.MaxSteps != nil && s.StepCount >= *s.MaxSteps {
		return false
	}
	if s.CostLimit != nil && s.CostExceeded() && s.CostLimit.OnExceeded == OnExceededStop {
		return false
	}
	return true
}
