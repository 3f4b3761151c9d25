package coordinator

import (
	"context"
	"fmt"

	"github.com/stepwise/agentrun/queue"
	"github.com/stepwise/agentrun/session"
)

// Action identifies which of the four intervention shapes a
// process_intervention request carries.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionInput   Action = "input"
	ActionSelect  Action = "select"
)

// InterventionRequest is the body of POST /human-intervention. Exactly the
// fields relevant to Action are meaningful.
type InterventionRequest struct {
	SessionID        string
	Action           Action
	ApprovedToolCall *queue.ApprovedToolCall
	RejectionReason  string
	Value            string
}

// ProcessIntervention implements the process_intervention operation:
// validates the action against the session's current pending_* field and
// enqueues an immediate resuming step.
func (c *Coordinator) ProcessIntervention(ctx context.Context, req InterventionRequest) error {
	state, err := c.Store.LoadState(ctx, req.SessionID)
	if err != nil {
		return err
	}
	if state.Status != session.StatusWaitingForHumanInput {
		return fmt.Errorf("%w: session %s is not waiting for human input", ErrConflict, req.SessionID)
	}

	intervention, err := c.validateIntervention(req, state)
	if err != nil {
		return err
	}

	task := queue.Task{
		SessionID:    req.SessionID,
		StepIndex:    state.StepCount,
		Intervention: intervention,
	}
	if _, err := c.Queue.ScheduleImmediate(ctx, task); err != nil {
		return fmt.Errorf("coordinator: schedule intervention step: %w", err)
	}
	return nil
}

func (c *Coordinator) validateIntervention(req InterventionRequest, state *session.Session) (*queue.HumanIntervention, error) {
	switch req.Action {
	case ActionApprove:
		if state.PendingToolsCalling == nil || req.ApprovedToolCall == nil {
			return nil, fmt.Errorf("%w: no pending tool call awaiting approval", ErrValidation)
		}
		found := false
		for _, tc := range state.PendingToolsCalling.ToolCalls {
			if tc.ID == req.ApprovedToolCall.ID {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: tool call %q is not pending approval", ErrValidation, req.ApprovedToolCall.ID)
		}
		return &queue.HumanIntervention{ApprovedToolCall: req.ApprovedToolCall}, nil

	case ActionReject:
		if state.PendingToolsCalling == nil {
			return nil, fmt.Errorf("%w: no pending tool call to reject", ErrValidation)
		}
		if req.RejectionReason == "" {
			return nil, fmt.Errorf("%w: rejection requires a reason", ErrValidation)
		}
		return &queue.HumanIntervention{RejectionReason: req.RejectionReason}, nil

	case ActionInput:
		if state.PendingHumanPrompt == nil {
			return nil, fmt.Errorf("%w: no pending prompt awaiting input", ErrValidation)
		}
		return &queue.HumanIntervention{HumanInput: &queue.HumanInput{Value: req.Value}}, nil

	case ActionSelect:
		if state.PendingHumanSelect == nil {
			return nil, fmt.Errorf("%w: no pending selection awaiting input", ErrValidation)
		}
		valid := false
		for _, opt := range state.PendingHumanSelect.Options {
			if opt == req.Value {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("%w: %q is not among the pending options", ErrValidation, req.Value)
		}
		return &queue.HumanIntervention{HumanInput: &queue.HumanInput{Value: req.Value}}, nil

	default:
		return nil, fmt.Errorf("%w: unknown intervention action %q", ErrValidation, req.Action)
	}
}
