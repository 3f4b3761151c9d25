// Package executor implements the four Instruction Executors (C4):
// call_llm, call_tool, request_human_approve (and its prompt / select
// siblings), and finish. Each executor has the signature
// `(instruction, state) → {events, new_state, next_context?}`; here that's
// expressed as the Executor function type, with events published directly
// to the event.Stream as they occur (so streaming LLM chunks reach
// subscribers incrementally) and also returned for the caller to record.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stepwise/agentrun/event"
	"github.com/stepwise/agentrun/model"
	"github.com/stepwise/agentrun/session"
	"github.com/stepwise/agentrun/telemetry"
	"github.com/stepwise/agentrun/tools"
)

// Phase identifies what kind of result the previous step produced, which
// the Runner uses to decide the next Instruction.
type Phase string

const (
	PhaseUserInput     Phase = "user_input"
	PhaseLLMResult     Phase = "llm_result"
	PhaseToolResult    Phase = "tool_result"
	PhaseHumanInput    Phase = "human_input"
	PhaseErrorRecovery Phase = "error_recovery"
)

// RuntimeContext is passed by value between steps, carrying the phase and
// whatever payload that phase's executor produced.
type RuntimeContext struct {
	Phase   Phase          `json:"phase"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ToolCalls decodes payload[key] as []session.ToolCall. A Runner sees
// Payload either as it was produced in-process (already []session.ToolCall)
// or, once a task has round-tripped through the queue as JSON, as
// []interface{} of map[string]interface{}; this handles both by
// re-marshaling through JSON when the direct assertion misses.
func (c RuntimeContext) ToolCalls(key string) []session.ToolCall {
	raw, ok := c.Payload[key]
	if !ok {
		return nil
	}
	if tcs, ok := raw.([]session.ToolCall); ok {
		return tcs
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var tcs []session.ToolCall
	if err := json.Unmarshal(b, &tcs); err != nil {
		return nil
	}
	return tcs
}

// InstructionType is the tagged-union discriminant naming an instruction.
type InstructionType string

const (
	CallLLM               InstructionType = "call_llm"
	CallTool              InstructionType = "call_tool"
	RequestHumanApprove   InstructionType = "request_human_approve"
	RequestHumanPrompt    InstructionType = "request_human_prompt"
	RequestHumanSelect    InstructionType = "request_human_select"
	Finish                InstructionType = "finish"
)

// Instruction is the tagged union an executor consumes: exactly the fields
// relevant to Type are meaningful.
type Instruction struct {
	Type InstructionType

	// Provider/Model/Temperature carry the model configuration for CallLLM,
	// sourced from the session's Metadata.ModelConfig by the caller.
	Provider    string
	Model       string
	Temperature float32

	// ToolCalls carries the pending tool call(s) for CallTool and the
	// human-approval instructions.
	ToolCalls []session.ToolCall

	// Prompt carries the question for RequestHumanPrompt/RequestHumanSelect.
	Prompt string
	// Options carries the fixed choice set for RequestHumanSelect.
	Options []string

	// Reason/ReasonDetail carry the finish rationale for Finish.
	Reason       string
	ReasonDetail string
}

// Result is what an executor hands back to the Step Engine.
type Result struct {
	Events      []event.Event
	NewState    *session.Session
	NextContext *RuntimeContext
}

// Deps bundles the collaborators every executor needs: the event log to
// publish progress to, the model registry the LLM executor calls through,
// and the tool host / schema lookup the tool executor dispatches through.
type Deps struct {
	Events    event.Stream
	Models    *model.Registry
	ToolHost  tools.Host
	ToolDefs  tools.DefinitionLookup
	Logger    telemetry.Logger
	MaxTokens int

	// EstimateCost converts a reported token usage delta into a monetary
	// cost delta added to the session's running total. Left nil, LLM calls
	// contribute zero cost, which callers relying on cost_limit must set
	// explicitly.
	EstimateCost func(provider, model string, usage session.Usage) float64
}

// Executor is the signature every instruction handler implements: given an instruction and
// the current session state, produce events (already published to
// deps.Events), a new state, and an optional next context.
type Executor func(ctx context.Context, sessionID string, stepIndex int64, instr Instruction, state *session.Session, deps Deps) (Result, error)

// Table maps an InstructionType to the Executor that handles it.
type Table map[InstructionType]Executor

// NewTable constructs the standard executor lookup table.
func NewTable() Table {
	return Table{
		CallLLM:             ExecuteCallLLM,
		CallTool:            ExecuteCallTool,
		RequestHumanApprove: ExecuteRequestHumanApprove,
		RequestHumanPrompt:  ExecuteRequestHumanPrompt,
		RequestHumanSelect:  ExecuteRequestHumanSelect,
		Finish:              ExecuteFinish,
	}
}

// Dispatch runs the executor registered for instr.Type.
func (t Table) Dispatch(ctx context.Context, sessionID string, stepIndex int64, instr Instruction, state *session.Session, deps Deps) (Result, error) {
	exec, ok := t[instr.Type]
	if !ok {
		return Result{}, fmt.Errorf("executor: no executor registered for instruction %q", instr.Type)
	}
	return exec(ctx, sessionID, stepIndex, instr, state, deps)
}

func publish(ctx context.Context, deps Deps, sessionID string, stepIndex int64, typ event.Type, payload any, out *[]event.Event) error {
	ev, err := event.New(sessionID, stepIndex, typ, payload)
	if err != nil {
		return fmt.Errorf("executor: build %s event: %w", typ, err)
	}
	id, err := deps.Events.Publish(ctx, sessionID, ev)
	if err != nil {
		return fmt.Errorf("executor: publish %s event: %w", typ, err)
	}
	ev.ID = id
	*out = append(*out, ev)
	return nil
}
