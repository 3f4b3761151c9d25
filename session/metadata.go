package session

import "time"

// Metadata is a denormalized companion record to Session, used for
// listing, per-user filtering, and
// statistics without deserializing the full Session blob. It lives at the
// `meta:{id}` key and is field-addressable (a Redis hash), unlike the
// single-blob `state:{id}` key.
type Metadata struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
	Status        Status    `json:"status"`
	TotalCost     float64   `json:"total_cost"`
	TotalSteps    int64     `json:"total_steps"`
	ModelConfig   ModelConfig `json:"model_config"`
	AgentConfig   AgentConfig `json:"agent_config,omitempty"`
}

// ModelConfig identifies which provider and model a session invokes.
// Required at session creation time.
type ModelConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature,omitempty"`
}

// AgentConfig carries opaque, agent-implementation-specific configuration
// (system prompt, tool allowlist, policy flags). The runtime treats its
// contents as a caller-owned blob.
type AgentConfig map[string]any

// StepResult is one entry in the bounded per-session step history, capped
// at 200 entries and stored newest first under `steps:{id}`.
type StepResult struct {
	StepIndex       int64         `json:"step_index"`
	ExecutionTimeMS int64         `json:"execution_time_ms"`
	Timestamp       time.Time     `json:"timestamp"`
	Status          Status        `json:"status"`
	CostDelta       float64       `json:"cost_delta"`
	Events          []EventRef    `json:"events"`
}

// EventRef is a lightweight reference to an event published during a step,
// enough to reconstruct the step's timeline without duplicating full event
// payloads in step history.
type EventRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}
