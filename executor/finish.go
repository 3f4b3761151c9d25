package executor

import (
	"context"

	"github.com/stepwise/agentrun/event"
	"github.com/stepwise/agentrun/session"
)

// ExecuteFinish implements the finish executor: marks the
// session done and publishes step_complete carrying the finish reason. No
// next context is produced, so the engine's continuation check suppresses
// any further schedule_next_step for this session.
func ExecuteFinish(ctx context.Context, sessionID string, stepIndex int64, instr Instruction, state *session.Session, deps Deps) (Result, error) {
	newState := *state
	newState.Status = session.StatusDone

	var events []event.Event
	if err := publish(ctx, deps, sessionID, stepIndex, event.TypeStepComplete, map[string]any{
		"reason":        instr.Reason,
		"reason_detail": instr.ReasonDetail,
		"status":        string(session.StatusDone),
	}, &events); err != nil {
		return Result{Events: events}, err
	}

	return Result{Events: events, NewState: &newState}, nil
}
