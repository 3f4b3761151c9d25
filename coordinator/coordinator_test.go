package coordinator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise/agentrun/coordinator"
	"github.com/stepwise/agentrun/event"
	"github.com/stepwise/agentrun/queue"
	"github.com/stepwise/agentrun/session"
	"github.com/stepwise/agentrun/store"
	"github.com/stepwise/agentrun/telemetry"
)

type fakeQueue struct {
	scheduled []queue.Task
}

func (q *fakeQueue) ScheduleNextStep(ctx context.Context, task queue.Task, delay time.Duration) (string, error) {
	q.scheduled = append(q.scheduled, task)
	return "t1", nil
}
func (q *fakeQueue) ScheduleImmediate(ctx context.Context, task queue.Task) (string, error) {
	return q.ScheduleNextStep(ctx, task, 100*time.Millisecond)
}
func (q *fakeQueue) ScheduleBatch(ctx context.Context, tasks []queue.Task, delays []time.Duration) ([]string, error) {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i], _ = q.ScheduleNextStep(ctx, t, delays[i])
	}
	return ids, nil
}
func (q *fakeQueue) Cancel(ctx context.Context, taskID string) error { return nil }
func (q *fakeQueue) Stats(ctx context.Context) (queue.Stats, error)  { return queue.Stats{}, nil }
func (q *fakeQueue) Health(ctx context.Context) error                { return nil }

func newCoordinator(t *testing.T) (*coordinator.Coordinator, store.Store, *event.MemoryStream, *fakeQueue) {
	t.Helper()
	st := store.NewMemoryStore()
	events := event.NewMemoryStream(0)
	q := &fakeQueue{}
	c := coordinator.New(st, events, q, telemetry.NewNoopLogger(), coordinator.Config{})
	return c, st, events, q
}

func TestCreateSessionRejectsMissingModelConfig(t *testing.T) {
	c, _, _, _ := newCoordinator(t)
	_, err := c.CreateSession(context.Background(), coordinator.CreateSessionRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, coordinator.ErrValidation)
}

func TestCreateSessionAutoStartsExactlyOneTask(t *testing.T) {
	c, st, _, q := newCoordinator(t)
	resp, err := c.CreateSession(context.Background(), coordinator.CreateSessionRequest{
		Messages:    []session.Message{{Role: session.RoleUser, Content: "hi"}},
		ModelConfig: session.ModelConfig{Provider: "fake", Model: "fake-1"},
	})
	require.NoError(t, err)
	require.Len(t, q.scheduled, 1)
	assert.Equal(t, int64(0), q.scheduled[0].StepIndex)
	assert.Equal(t, queue.PriorityHigh, q.scheduled[0].Priority)

	state, err := st.LoadState(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, state.Status)
}

func TestCreateSessionAutoStartFalseSkipsScheduling(t *testing.T) {
	c, _, _, q := newCoordinator(t)
	autoStart := false
	_, err := c.CreateSession(context.Background(), coordinator.CreateSessionRequest{
		ModelConfig: session.ModelConfig{Provider: "fake", Model: "fake-1"},
		AutoStart:   &autoStart,
	})
	require.NoError(t, err)
	assert.Empty(t, q.scheduled)
}

func TestGetStatusReflectsFlags(t *testing.T) {
	c, st, _, _ := newCoordinator(t)
	resp, err := c.CreateSession(context.Background(), coordinator.CreateSessionRequest{
		ModelConfig: session.ModelConfig{Provider: "fake", Model: "fake-1"},
	})
	require.NoError(t, err)

	s, err := st.LoadState(context.Background(), resp.SessionID)
	require.NoError(t, err)
	s.Status = session.StatusDone
	require.NoError(t, st.SaveState(context.Background(), s))

	status, err := c.GetStatus(context.Background(), resp.SessionID, false, 0)
	require.NoError(t, err)
	assert.True(t, status.IsCompleted)
	assert.False(t, status.IsActive)
	assert.False(t, status.HasError)
}

func TestDeleteSessionRemovesRunningSession(t *testing.T) {
	c, st, events, _ := newCoordinator(t)
	s := &session.Session{ID: "s1", Status: session.StatusRunning}
	require.NoError(t, st.SaveState(context.Background(), s))
	require.NoError(t, st.CreateMetadata(context.Background(), &session.Metadata{SessionID: "s1"}))

	require.NoError(t, c.DeleteSession(context.Background(), "s1"))

	_, err := st.LoadState(context.Background(), "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = events.History(context.Background(), "s1", 10)
	require.NoError(t, err)
}

func TestProcessInterventionRejectsWhenNotWaiting(t *testing.T) {
	c, st, _, _ := newCoordinator(t)
	s := &session.Session{ID: "s1", Status: session.StatusRunning}
	require.NoError(t, st.SaveState(context.Background(), s))

	err := c.ProcessIntervention(context.Background(), coordinator.InterventionRequest{
		SessionID: "s1",
		Action:    coordinator.ActionApprove,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, coordinator.ErrConflict)
}

func TestProcessInterventionValidatesApprovalAgainstPending(t *testing.T) {
	c, st, _, q := newCoordinator(t)
	s := &session.Session{
		ID:                  "s1",
		Status:              session.StatusWaitingForHumanInput,
		PendingToolsCalling: &session.PendingToolsCalling{ToolCalls: []session.ToolCall{{ID: "t1"}}},
	}
	require.NoError(t, st.SaveState(context.Background(), s))

	err := c.ProcessIntervention(context.Background(), coordinator.InterventionRequest{
		SessionID:        "s1",
		Action:           coordinator.ActionApprove,
		ApprovedToolCall: &queue.ApprovedToolCall{ID: "unknown"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, coordinator.ErrValidation))

	err = c.ProcessIntervention(context.Background(), coordinator.InterventionRequest{
		SessionID:        "s1",
		Action:           coordinator.ActionApprove,
		ApprovedToolCall: &queue.ApprovedToolCall{ID: "t1", Name: "calc", Arguments: "{}"},
	})
	require.NoError(t, err)
	require.Len(t, q.scheduled, 1)
	require.NotNil(t, q.scheduled[0].Intervention.ApprovedToolCall)
}

func TestProcessInterventionValidatesSelectAgainstOptions(t *testing.T) {
	c, st, _, _ := newCoordinator(t)
	s := &session.Session{
		ID:                 "s1",
		Status:             session.StatusWaitingForHumanInput,
		PendingHumanSelect: &session.PendingHumanSelect{Prompt: "pick one", Options: []string{"a", "b"}},
	}
	require.NoError(t, st.SaveState(context.Background(), s))

	err := c.ProcessIntervention(context.Background(), coordinator.InterventionRequest{
		SessionID: "s1",
		Action:    coordinator.ActionSelect,
		Value:     "c",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, coordinator.ErrValidation)

	err = c.ProcessIntervention(context.Background(), coordinator.InterventionRequest{
		SessionID: "s1",
		Action:    coordinator.ActionSelect,
		Value:     "b",
	})
	require.NoError(t, err)
}
