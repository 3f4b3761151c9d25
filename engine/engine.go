// Package engine implements the Step Engine (C5): the single per-step
// driver invoked once per queue callback. It ties
// together the State Store, Event Stream, Work Queue, and Instruction
// Executors behind one ExecuteStep entry point.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stepwise/agentrun/event"
	"github.com/stepwise/agentrun/executor"
	"github.com/stepwise/agentrun/queue"
	"github.com/stepwise/agentrun/session"
	"github.com/stepwise/agentrun/store"
	"github.com/stepwise/agentrun/telemetry"
)

var (
	// ErrSessionNotFound is returned when the task's session has no state
	// record; the caller (coordinator HTTP handler) maps this to a 404
	// terminal response so the queue does not retry.
	ErrSessionNotFound = errors.New("engine: session not found")

	// ErrExecutorFault wraps an unhandled executor error; the caller maps
	// this to a 500 so the queue callback retries up to its configured
	// attempt limit.
	ErrExecutorFault = errors.New("engine: executor fault")
)

// StepResponse summarizes one committed (or acknowledged-but-skipped) step.
type StepResponse struct {
	SessionID       string        `json:"session_id"`
	StepIndex       int64         `json:"step_index"`
	Status          session.Status `json:"status"`
	TotalSteps      int64         `json:"total_steps"`
	ExecutionTimeMS int64         `json:"execution_time_ms"`
	HasNextContext  bool          `json:"has_next_context"`
	Acknowledged    bool          `json:"acknowledged,omitempty"`
	Events          []event.Event `json:"events,omitempty"`
}

// DefaultStepBudget is the soft wall-clock budget per step (120s). It is
// advisory here: ExecuteStep honors ctx cancellation, and callers should
// derive ctx with this timeout.
const DefaultStepBudget = 120 * time.Second

// Engine wires the collaborators ExecuteStep needs.
type Engine struct {
	Store    store.Store
	Events   event.Stream
	Queue    queue.Queue
	Table    executor.Table
	Runner   Runner
	Deps     executor.Deps
	Logger   telemetry.Logger
}

// New constructs an Engine, defaulting Table to executor.NewTable and
// Logger to a no-op when left unset.
func New(st store.Store, events event.Stream, q queue.Queue, deps executor.Deps, runner Runner) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{
		Store:  st,
		Events: events,
		Queue:  q,
		Table:  executor.NewTable(),
		Runner: runner,
		Deps:   deps,
		Logger: logger,
	}
}

// ExecuteStep runs one full step-engine cycle for task: load state,
// publish step_start, resolve any pending human intervention or decide
// the next instruction, execute it, persist the result, publish
// step_complete, and schedule the next step if one is warranted.
func (e *Engine) ExecuteStep(ctx context.Context, task queue.Task) (StepResponse, error) {
	// 1. Load.
	state, err := e.Store.LoadState(ctx, task.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return StepResponse{}, fmt.Errorf("%w: %s", ErrSessionNotFound, task.SessionID)
	}
	if err != nil {
		return StepResponse{}, fmt.Errorf("engine: load state: %w", err)
	}
	meta, err := e.Store.GetMetadata(ctx, task.SessionID)
	if err != nil {
		return StepResponse{}, fmt.Errorf("engine: load metadata: %w", err)
	}

	// At-least-once idempotency guard: a retried or
	// duplicate delivery for a step already committed is acknowledged
	// without re-execution.
	if task.StepIndex < state.StepCount {
		return StepResponse{
			SessionID:    task.SessionID,
			StepIndex:    task.StepIndex,
			Status:       state.Status,
			TotalSteps:   state.StepCount,
			Acknowledged: true,
		}, nil
	}

	// State machine: idle -> running on first step.
	if state.Status == session.StatusIdle {
		state.Status = session.StatusRunning
	}

	var allEvents []event.Event
	if pubErr := publishStep(ctx, e.Events, task.SessionID, task.StepIndex, event.TypeStepStart, map[string]any{"status": string(state.Status)}, &allEvents); pubErr != nil {
		return StepResponse{}, fmt.Errorf("engine: publish step_start: %w", pubErr)
	}

	// 3. Human-intervention branch.
	if task.Intervention != nil {
		resp, handled, hErr := e.handleIntervention(ctx, task, state, meta, &allEvents)
		if hErr != nil {
			return StepResponse{}, hErr
		}
		if handled {
			return resp, nil
		}
	}

	rtCtx := contextFromTask(task)

	// 4. Decide.
	instr, err := e.Runner.Decide(rtCtx, state)
	if err != nil {
		return e.failLogic(ctx, task, state, allEvents, fmt.Errorf("runner: %w", err))
	}
	if instr.Type == executor.CallLLM {
		instr.Provider = meta.ModelConfig.Provider
		instr.Model = meta.ModelConfig.Model
		instr.Temperature = meta.ModelConfig.Temperature
	}

	return e.execute(ctx, task, state, instr, allEvents, rtCtx)
}

// execute runs steps 5-9: dispatch the instruction, persist, publish
// step_complete, decide continuation, and build the response.
func (e *Engine) execute(ctx context.Context, task queue.Task, state *session.Session, instr executor.Instruction, priorEvents []event.Event, rtCtx executor.RuntimeContext) (StepResponse, error) {
	start := time.Now()
	result, err := e.Table.Dispatch(ctx, task.SessionID, task.StepIndex, instr, state, e.Deps)
	elapsed := time.Since(start)

	if err != nil {
		newState := state
		if result.NewState != nil {
			newState = result.NewState
		}
		failed := *newState
		failed.Status = session.StatusError
		failed.Error = &session.Error{Message: err.Error()}
		failed.LastModified = time.Now()
		if saveErr := e.Store.SaveState(ctx, &failed); saveErr != nil {
			e.Logger.Error(ctx, "engine: save error state failed", "session_id", task.SessionID, "error", saveErr.Error())
		}
		return StepResponse{}, fmt.Errorf("%w: %v", ErrExecutorFault, err)
	}

	allEvents := append(priorEvents, result.Events...)
	newState := result.NewState
	if newState == nil {
		newState = state
	}
	newState.StepCount = task.StepIndex + 1
	newState.LastModified = time.Now()

	stepResult := session.StepResult{
		StepIndex:       task.StepIndex,
		ExecutionTimeMS: elapsed.Milliseconds(),
		Timestamp:       newState.LastModified,
		Status:          newState.Status,
		CostDelta:       newState.Cost.Total - state.Cost.Total,
		Events:          eventRefs(result.Events),
	}
	if err := e.Store.SaveStepResult(ctx, newState, stepResult); err != nil {
		return StepResponse{}, fmt.Errorf("engine: save step result: %w", err)
	}

	if pubErr := publishStep(ctx, e.Events, task.SessionID, task.StepIndex, event.TypeStepComplete, map[string]any{
		"status":           string(newState.Status),
		"total_steps":      newState.StepCount,
		"execution_time_ms": elapsed.Milliseconds(),
		"has_next_context": result.NextContext != nil,
	}, &allEvents); pubErr != nil {
		return StepResponse{}, fmt.Errorf("engine: publish step_complete: %w", pubErr)
	}

	// 8. Continue?
	if e.shouldContinue(newState, result.NextContext, task) {
		hasToolResult := instr.Type == executor.CallTool && result.NextContext.Phase == executor.PhaseToolResult
		hasErrors := stepEmittedError(result.Events)
		delay := queue.CalculateDelay(queue.DelayContext{
			Priority:     priorityOrDefault(task.Priority),
			HasToolCalls: hasToolResult,
			HasErrors:    hasErrors,
			StepIndex:    newState.StepCount,
		})
		nextTask := queue.Task{
			SessionID: task.SessionID,
			StepIndex: newState.StepCount,
			Context:   contextToMap(*result.NextContext),
			Priority:  priorityOrDefault(task.Priority),
		}
		if _, err := e.Queue.ScheduleNextStep(ctx, nextTask, delay); err != nil {
			e.Logger.Error(ctx, "engine: schedule next step failed", "session_id", task.SessionID, "error", err.Error())
		}
	}

	return StepResponse{
		SessionID:       task.SessionID,
		StepIndex:       task.StepIndex,
		Status:          newState.Status,
		TotalSteps:      newState.StepCount,
		ExecutionTimeMS: elapsed.Milliseconds(),
		HasNextContext:  result.NextContext != nil,
		Events:          allEvents,
	}, nil
}

// shouldContinue decides whether another step should be scheduled: the
// task must not force completion, a next context must have been
// produced, and session.Session.CanContinue must hold.
func (e *Engine) shouldContinue(state *session.Session, nextContext *executor.RuntimeContext, task queue.Task) bool {
	if task.ForceComplete {
		return false
	}
	if nextContext == nil {
		return false
	}
	return state.CanContinue()
}

// failLogic handles a logic-error fault: the runner produced an invalid
// instruction. The session transitions to
// error, an error event is published, and ExecuteStep returns nil error so
// the queue callback responds 200 (no retry).
func (e *Engine) failLogic(ctx context.Context, task queue.Task, state *session.Session, priorEvents []event.Event, cause error) (StepResponse, error) {
	failed := *state
	failed.Status = session.StatusError
	failed.Error = &session.Error{Message: cause.Error()}
	failed.LastModified = time.Now()

	allEvents := priorEvents
	_ = publishStep(ctx, e.Events, task.SessionID, task.StepIndex, event.TypeError, map[string]string{"message": cause.Error()}, &allEvents)

	if err := e.Store.SaveState(ctx, &failed); err != nil {
		return StepResponse{}, fmt.Errorf("engine: save logic-error state: %w", err)
	}
	return StepResponse{
		SessionID:  task.SessionID,
		StepIndex:  task.StepIndex,
		Status:     session.StatusError,
		TotalSteps: failed.StepCount,
		Events:     allEvents,
	}, nil
}

func priorityOrDefault(p queue.Priority) queue.Priority {
	if p == "" {
		return queue.PriorityNormal
	}
	return p
}

// stepEmittedError reports whether any event published during a step was
// an error event, driving the error-backoff component of the next step's
// delay.
func stepEmittedError(events []event.Event) bool {
	for _, ev := range events {
		if ev.Type == event.TypeError {
			return true
		}
	}
	return false
}

func eventRefs(events []event.Event) []session.EventRef {
	refs := make([]session.EventRef, 0, len(events))
	for _, ev := range events {
		refs = append(refs, session.EventRef{ID: ev.ID, Type: string(ev.Type)})
	}
	return refs
}

func contextFromTask(task queue.Task) executor.RuntimeContext {
	if task.Context == nil {
		return executor.RuntimeContext{Phase: executor.PhaseUserInput}
	}
	phase, _ := task.Context["phase"].(string)
	payload, _ := task.Context["payload"].(map[string]any)
	return executor.RuntimeContext{Phase: executor.Phase(phase), Payload: payload}
}

func contextToMap(rc executor.RuntimeContext) map[string]any {
	return map[string]any{"phase": string(rc.Phase), "payload": rc.Payload}
}

func publishStep(ctx context.Context, stream event.Stream, sessionID string, stepIndex int64, typ event.Type, payload any, out *[]event.Event) error {
	ev, err := event.New(sessionID, stepIndex, typ, payload)
	if err != nil {
		return err
	}
	id, err := stream.Publish(ctx, sessionID, ev)
	if err != nil {
		return err
	}
	ev.ID = id
	*out = append(*out, ev)
	return nil
}
