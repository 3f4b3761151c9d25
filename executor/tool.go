package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stepwise/agentrun/event"
	"github.com/stepwise/agentrun/session"
	"github.com/stepwise/agentrun/toolerrors"
	"github.com/stepwise/agentrun/tools"
)

// ExecuteCallTool implements the call_tool executor:
// publishes step_start, parses arguments, validates against the tool's
// schema when one is registered, dispatches to the external tool host,
// appends the tool result message, and publishes step_complete. A tool
// fault leaves state unchanged so the Step Engine can decide to retry or
// recover.
func ExecuteCallTool(ctx context.Context, sessionID string, stepIndex int64, instr Instruction, state *session.Session, deps Deps) (Result, error) {
	if len(instr.ToolCalls) == 0 {
		return Result{}, fmt.Errorf("executor: call_tool requires at least one tool call")
	}
	call := instr.ToolCalls[0]

	var events []event.Event
	if pubErr := publish(ctx, deps, sessionID, stepIndex, event.TypeStepStart, map[string]any{"toolCall": call}, &events); pubErr != nil {
		return Result{Events: events}, pubErr
	}

	var arguments any
	if err := json.Unmarshal([]byte(call.Function.Arguments), &arguments); err != nil {
		terr := toolerrors.NewWithCause(fmt.Sprintf("malformed arguments for tool %q", call.Function.Name), err)
		if pubErr := publish(ctx, deps, sessionID, stepIndex, event.TypeError, map[string]any{
			"message": terr.Error(),
			"causes":  terr.Chain(),
		}, &events); pubErr != nil {
			return Result{Events: events}, pubErr
		}
		return Result{Events: events, NewState: state}, terr
	}

	if deps.ToolDefs != nil {
		if def, ok := deps.ToolDefs.Lookup(call.Function.Name); ok {
			if err := tools.ValidateArguments(def, arguments); err != nil {
				terr := toolerrors.NewWithCause(fmt.Sprintf("argument validation failed for tool %q", call.Function.Name), err)
				if pubErr := publish(ctx, deps, sessionID, stepIndex, event.TypeError, map[string]any{
					"message": terr.Error(),
					"causes":  terr.Chain(),
				}, &events); pubErr != nil {
					return Result{Events: events}, pubErr
				}
				return Result{Events: events, NewState: state}, terr
			}
		}
	}

	start := time.Now()
	result, err := deps.ToolHost.Invoke(ctx, call)
	elapsed := time.Since(start)
	if err != nil {
		terr := toolerrors.NewWithCause(fmt.Sprintf("tool %q faulted", call.Function.Name), err)
		if pubErr := publish(ctx, deps, sessionID, stepIndex, event.TypeError, map[string]any{
			"message": terr.Error(),
			"causes":  terr.Chain(),
		}, &events); pubErr != nil {
			return Result{Events: events}, pubErr
		}
		return Result{Events: events, NewState: state}, terr
	}

	newState := *state
	newState.Messages = append(append([]session.Message(nil), state.Messages...), session.Message{
		Role:       session.RoleTool,
		Content:    string(result),
		ToolCallID: call.ID,
	})

	if pubErr := publish(ctx, deps, sessionID, stepIndex, event.TypeStepComplete, map[string]any{
		"execution_time_ms": elapsed.Milliseconds(),
		"result":            json.RawMessage(result),
	}, &events); pubErr != nil {
		return Result{Events: events}, pubErr
	}

	return Result{
		Events:   events,
		NewState: &newState,
		NextContext: &RuntimeContext{
			Phase: PhaseToolResult,
			Payload: map[string]any{
				"call_id": call.ID,
				"result":  json.RawMessage(result),
			},
		},
	}, nil
}
