package executor

import (
	"context"

	"github.com/stepwise/agentrun/event"
	"github.com/stepwise/agentrun/session"
)

// ExecuteRequestHumanApprove implements request_human_approve: pauses the session awaiting an external approve/reject, storing
// the pending tool call list and publishing a human_approval_request plus
// a stream_chunk mirror for UI rendering. Returns no next context, halting
// continuation until the human responds.
func ExecuteRequestHumanApprove(ctx context.Context, sessionID string, stepIndex int64, instr Instruction, state *session.Session, deps Deps) (Result, error) {
	newState := *state
	newState.ClearPending()
	newState.Status = session.StatusWaitingForHumanInput
	newState.PendingToolsCalling = &session.PendingToolsCalling{ToolCalls: instr.ToolCalls}

	var events []event.Event
	if err := publish(ctx, deps, sessionID, stepIndex, event.TypeHumanApprovalRequest, map[string]any{
		"tool_calls": instr.ToolCalls,
	}, &events); err != nil {
		return Result{Events: events}, err
	}
	if err := publish(ctx, deps, sessionID, stepIndex, event.TypeStreamChunk, map[string]any{
		"chunk_type": string(event.ChunkToolCalls),
		"tool_calls": instr.ToolCalls,
	}, &events); err != nil {
		return Result{Events: events}, err
	}

	return Result{Events: events, NewState: &newState}, nil
}

// ExecuteRequestHumanPrompt implements request_human_prompt: analogous to
// approval but pausing for free-form human input.
func ExecuteRequestHumanPrompt(ctx context.Context, sessionID string, stepIndex int64, instr Instruction, state *session.Session, deps Deps) (Result, error) {
	newState := *state
	newState.ClearPending()
	newState.Status = session.StatusWaitingForHumanInput
	newState.PendingHumanPrompt = &session.PendingHumanPrompt{Prompt: instr.Prompt}

	var events []event.Event
	if err := publish(ctx, deps, sessionID, stepIndex, event.TypeHumanApprovalRequest, map[string]any{"prompt": instr.Prompt}, &events); err != nil {
		return Result{Events: events}, err
	}
	if err := publish(ctx, deps, sessionID, stepIndex, event.TypeStreamChunk, map[string]any{
		"chunk_type": string(event.ChunkText),
		"content":    instr.Prompt,
	}, &events); err != nil {
		return Result{Events: events}, err
	}

	return Result{Events: events, NewState: &newState}, nil
}

// ExecuteRequestHumanSelect implements request_human_select: analogous to
// approval but pausing for a choice among a fixed option set.
func ExecuteRequestHumanSelect(ctx context.Context, sessionID string, stepIndex int64, instr Instruction, state *session.Session, deps Deps) (Result, error) {
	newState := *state
	newState.ClearPending()
	newState.Status = session.StatusWaitingForHumanInput
	newState.PendingHumanSelect = &session.PendingHumanSelect{Prompt: instr.Prompt, Options: instr.Options}

	var events []event.Event
	if err := publish(ctx, deps, sessionID, stepIndex, event.TypeHumanApprovalRequest, map[string]any{
		"prompt":  instr.Prompt,
		"options": instr.Options,
	}, &events); err != nil {
		return Result{Events: events}, err
	}
	if err := publish(ctx, deps, sessionID, stepIndex, event.TypeStreamChunk, map[string]any{
		"chunk_type": string(event.ChunkText),
		"content":    instr.Prompt,
	}, &events); err != nil {
		return Result{Events: events}, err
	}

	return Result{Events: events, NewState: &newState}, nil
}
