package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/stepwise/agentrun/event"
	"github.com/stepwise/agentrun/executor"
	"github.com/stepwise/agentrun/queue"
	"github.com/stepwise/agentrun/session"
)

// handleIntervention implements the three human-intervention sub-cases. It
// returns handled=true when the task carried an intervention this step
// fully processed (including, for approve/reject, the follow-up
// execute/persist), in which case the caller must return resp as-is.
// handled=false means the task carried no applicable intervention and the
// caller should fall through to the normal decide/execute flow.
//
// The approved_tool_call case sidesteps a re-approval loop: since the
// human already approved the call, the synthesized llm_result
// context is dispatched straight to call_tool rather than re-entering the
// Runner, which would re-apply the approval policy and loop forever.
func (e *Engine) handleIntervention(ctx context.Context, task queue.Task, state *session.Session, meta *session.Metadata, allEvents *[]event.Event) (StepResponse, bool, error) {
	iv := task.Intervention

	if iv.ApprovedToolCall != nil && state.Status == session.StatusWaitingForHumanInput {
		newState := *state
		newState.ClearPending()
		newState.Status = session.StatusRunning
		toolCall := session.ToolCall{
			ID: iv.ApprovedToolCall.ID,
			Function: session.ToolCallFunc{
				Name:      iv.ApprovedToolCall.Name,
				Arguments: iv.ApprovedToolCall.Arguments,
			},
		}
		instr := executor.Instruction{Type: executor.CallTool, ToolCalls: []session.ToolCall{toolCall}}
		resp, err := e.execute(ctx, task, &newState, instr, *allEvents, executor.RuntimeContext{
			Phase:   executor.PhaseLLMResult,
			Payload: map[string]any{"tool_calls": []session.ToolCall{toolCall}, "has_tool_calls": true},
		})
		return resp, true, err
	}

	if iv.RejectionReason != "" {
		resp, err := e.rejectAndFinish(ctx, task, state, iv.RejectionReason, *allEvents)
		return resp, true, err
	}

	if iv.HumanInput != nil {
		newState := *state
		msg := humanInputMessage(&newState, iv.HumanInput.Value)
		newState.ClearPending()
		newState.Status = session.StatusRunning
		newState.Messages = append(append([]session.Message(nil), newState.Messages...), msg)

		rtCtx := executor.RuntimeContext{Phase: executor.PhaseHumanInput}
		instr, err := e.Runner.Decide(rtCtx, &newState)
		if err != nil {
			resp, fErr := e.failLogic(ctx, task, &newState, *allEvents, fmt.Errorf("runner: %w", err))
			return resp, true, fErr
		}
		if instr.Type == executor.CallLLM {
			instr.Provider = meta.ModelConfig.Provider
			instr.Model = meta.ModelConfig.Model
			instr.Temperature = meta.ModelConfig.Temperature
		}
		resp, err := e.execute(ctx, task, &newState, instr, *allEvents, rtCtx)
		return resp, true, err
	}

	return StepResponse{}, false, nil
}

// humanInputMessage picks the message role/correlation matching whichever
// pending_* field is currently set: a tool message when a human supplies a
// result in lieu of tool execution, a user message otherwise.
func humanInputMessage(state *session.Session, value string) session.Message {
	if state.PendingToolsCalling != nil && len(state.PendingToolsCalling.ToolCalls) > 0 {
		return session.Message{
			Role:       session.RoleTool,
			Content:    value,
			ToolCallID: state.PendingToolsCalling.ToolCalls[0].ID,
		}
	}
	return session.Message{Role: session.RoleUser, Content: value}
}

// rejectAndFinish implements the rejection branch:
// skip decide/execute entirely, transition straight to done with a
// synthetic done event carrying the reason, save, and return.
func (e *Engine) rejectAndFinish(ctx context.Context, task queue.Task, state *session.Session, reason string, priorEvents []event.Event) (StepResponse, error) {
	final := *state
	final.ClearPending()
	final.Status = session.StatusDone
	final.StepCount = task.StepIndex + 1
	final.LastModified = time.Now()

	allEvents := priorEvents
	if err := publishStep(ctx, e.Events, task.SessionID, task.StepIndex, event.TypeDone, map[string]string{
		"reason":        "rejected",
		"reason_detail": reason,
	}, &allEvents); err != nil {
		return StepResponse{}, fmt.Errorf("engine: publish done: %w", err)
	}

	stepResult := session.StepResult{
		StepIndex: task.StepIndex,
		Timestamp: final.LastModified,
		Status:    session.StatusDone,
		Events:    eventRefs(allEvents),
	}
	if err := e.Store.SaveStepResult(ctx, &final, stepResult); err != nil {
		return StepResponse{}, fmt.Errorf("engine: save rejected step: %w", err)
	}

	return StepResponse{
		SessionID:  task.SessionID,
		StepIndex:  task.StepIndex,
		Status:     session.StatusDone,
		TotalSteps: final.StepCount,
		Events:     allEvents,
	}, nil
}
