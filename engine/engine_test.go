package engine_test

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise/agentrun/engine"
	"github.com/stepwise/agentrun/event"
	"github.com/stepwise/agentrun/executor"
	"github.com/stepwise/agentrun/model"
	"github.com/stepwise/agentrun/queue"
	"github.com/stepwise/agentrun/session"
	"github.com/stepwise/agentrun/store"
	"github.com/stepwise/agentrun/telemetry"
)

// fakeStreamer replays a fixed chunk sequence.
type fakeStreamer struct {
	chunks []model.Chunk
	i      int
}

func (f *fakeStreamer) Recv() (model.Chunk, error) {
	if f.i >= len(f.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}
func (f *fakeStreamer) Close() error             { return nil }
func (f *fakeStreamer) Metadata() map[string]any { return nil }

// scriptedClient hands out one chunk sequence per call to Stream, in order.
type scriptedClient struct {
	calls int
	turns [][]model.Chunk
}

func (c *scriptedClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	turn := c.turns[c.calls]
	c.calls++
	return &fakeStreamer{chunks: turn}, nil
}

type scriptedToolHost struct {
	result json.RawMessage
}

func (h *scriptedToolHost) Invoke(ctx context.Context, call session.ToolCall) (json.RawMessage, error) {
	return h.result, nil
}

// captureQueue records scheduled tasks instead of dispatching them, so
// tests can assert on what the engine decided to enqueue without a real
// timer or HTTP round trip.
type captureQueue struct {
	scheduled []queue.Task
	delays    []time.Duration
}

func (q *captureQueue) ScheduleNextStep(ctx context.Context, task queue.Task, delay time.Duration) (string, error) {
	q.scheduled = append(q.scheduled, task)
	q.delays = append(q.delays, delay)
	return "task-1", nil
}
func (q *captureQueue) ScheduleImmediate(ctx context.Context, task queue.Task) (string, error) {
	return q.ScheduleNextStep(ctx, task, 100*time.Millisecond)
}
func (q *captureQueue) ScheduleBatch(ctx context.Context, tasks []queue.Task, delays []time.Duration) ([]string, error) {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i], _ = q.ScheduleNextStep(ctx, t, delays[i])
	}
	return ids, nil
}
func (q *captureQueue) Cancel(ctx context.Context, taskID string) error   { return nil }
func (q *captureQueue) Stats(ctx context.Context) (queue.Stats, error)   { return queue.Stats{}, nil }
func (q *captureQueue) Health(ctx context.Context) error                 { return nil }

func newHarness(t *testing.T, client model.Client, host *scriptedToolHost, runner engine.Runner) (*engine.Engine, store.Store, *captureQueue) {
	t.Helper()
	st := store.NewMemoryStore()
	registry := model.NewRegistry()
	registry.Register("fake", client)
	q := &captureQueue{}
	deps := executor.Deps{
		Events:   event.NewMemoryStream(0),
		Models:   registry,
		ToolHost: host,
		Logger:   telemetry.NewNoopLogger(),
	}
	e := engine.New(st, deps.Events, q, deps, runner)
	return e, st, q
}

func seedSession(t *testing.T, st store.Store, id string, msgs []session.Message, costLimit *session.CostLimit) {
	t.Helper()
	ctx := context.Background()
	s := &session.Session{ID: id, Status: session.StatusRunning, Messages: msgs, CostLimit: costLimit}
	require.NoError(t, st.SaveState(ctx, s))
	require.NoError(t, st.CreateMetadata(ctx, &session.Metadata{
		SessionID: id,
		Status:    session.StatusRunning,
		ModelConfig: session.ModelConfig{Provider: "fake", Model: "fake-1"},
	}))
}

func userInputTask(sessionID string) queue.Task {
	return queue.Task{
		SessionID: sessionID,
		StepIndex: 0,
		Context:   map[string]any{"phase": string(executor.PhaseUserInput)},
		Priority:  queue.PriorityHigh,
	}
}

// S1: happy path, no tool calls, two steps to done.
func TestEngineHappyPathReachesDone(t *testing.T) {
	client := &scriptedClient{turns: [][]model.Chunk{
		{
			{Type: model.ChunkTypeText, Text: "hel"},
			{Type: model.ChunkTypeText, Text: "lo"},
			{Type: model.ChunkTypeStop, StopReason: "stop_sequence"},
		},
	}}
	e, st, q := newHarness(t, client, &scriptedToolHost{}, engine.DefaultRunner{})
	seedSession(t, st, "s1", []session.Message{{Role: session.RoleUser, Content: "hi"}}, nil)

	resp, err := e.ExecuteStep(context.Background(), userInputTask("s1"))
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, resp.Status)
	assert.True(t, resp.HasNextContext)
	require.Len(t, q.scheduled, 1)
	assert.Equal(t, int64(1), q.scheduled[0].StepIndex)

	resp2, err := e.ExecuteStep(context.Background(), q.scheduled[0])
	require.NoError(t, err)
	assert.Equal(t, session.StatusDone, resp2.Status)
	assert.False(t, resp2.HasNextContext)
	assert.Len(t, q.scheduled, 1, "finish must not enqueue a further step")

	final, err := st.LoadState(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusDone, final.Status)
	assert.Equal(t, int64(2), final.StepCount)
	require.Len(t, final.Messages, 2)
	assert.Equal(t, "hello", final.Messages[1].Content)
}

// S2: LLM requests a tool, no approval policy configured, tool result
// message ends up correlated by tool_call_id, second LLM turn finishes.
func TestEngineToolLoopWithoutApproval(t *testing.T) {
	client := &scriptedClient{turns: [][]model.Chunk{
		{
			{Type: model.ChunkTypeToolCalls, ToolCalls: []model.ToolCall{{ID: "t1", Name: "calc", Arguments: `{"x":2}`}}},
			{Type: model.ChunkTypeStop, StopReason: "tool_calls"},
		},
		{
			{Type: model.ChunkTypeText, Text: "4"},
			{Type: model.ChunkTypeStop, StopReason: "stop_sequence"},
		},
	}}
	host := &scriptedToolHost{result: json.RawMessage(`{"ok":true,"v":4}`)}
	e, st, q := newHarness(t, client, host, engine.DefaultRunner{})
	seedSession(t, st, "s2", []session.Message{{Role: session.RoleUser, Content: "what is 2 doubled"}}, nil)

	_, err := e.ExecuteStep(context.Background(), userInputTask("s2"))
	require.NoError(t, err)
	require.Len(t, q.scheduled, 1)

	_, err = e.ExecuteStep(context.Background(), q.scheduled[0])
	require.NoError(t, err)
	require.Len(t, q.scheduled, 2)

	_, err = e.ExecuteStep(context.Background(), q.scheduled[1])
	require.NoError(t, err)
	require.Len(t, q.scheduled, 3)

	_, err = e.ExecuteStep(context.Background(), q.scheduled[2])
	require.NoError(t, err)

	final, err := st.LoadState(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, session.StatusDone, final.Status)
	require.Len(t, final.Messages, 4)
	assert.Equal(t, session.RoleAssistant, final.Messages[1].Role)
	assert.Equal(t, session.RoleTool, final.Messages[2].Role)
	assert.Equal(t, "t1", final.Messages[2].ToolCallID)
	assert.Equal(t, `{"ok":true,"v":4}`, final.Messages[2].Content)
	assert.Equal(t, session.RoleAssistant, final.Messages[3].Role)
	assert.Equal(t, "4", final.Messages[3].Content)
}

// S3: policy requires approval; session pauses with no next step queued,
// then an approve intervention resumes and dispatches the tool directly.
func TestEngineApprovalPauseThenApprove(t *testing.T) {
	client := &scriptedClient{turns: [][]model.Chunk{
		{
			{Type: model.ChunkTypeToolCalls, ToolCalls: []model.ToolCall{{ID: "t1", Name: "calc", Arguments: `{"x":2}`}}},
			{Type: model.ChunkTypeStop, StopReason: "tool_calls"},
		},
	}}
	host := &scriptedToolHost{result: json.RawMessage(`{"ok":true,"v":4}`)}
	runner := engine.DefaultRunner{RequiresApproval: func(tc []session.ToolCall, s *session.Session) bool { return true }}
	e, st, q := newHarness(t, client, host, runner)
	seedSession(t, st, "s3", []session.Message{{Role: session.RoleUser, Content: "hi"}}, nil)

	_, err := e.ExecuteStep(context.Background(), userInputTask("s3"))
	require.NoError(t, err)
	require.Len(t, q.scheduled, 1)

	resp, err := e.ExecuteStep(context.Background(), q.scheduled[0])
	require.NoError(t, err)
	assert.Equal(t, session.StatusWaitingForHumanInput, resp.Status)
	assert.False(t, resp.HasNextContext)
	assert.Len(t, q.scheduled, 1, "no next step queued while awaiting approval")

	paused, err := st.LoadState(context.Background(), "s3")
	require.NoError(t, err)
	require.NotNil(t, paused.PendingToolsCalling)

	approveTask := queue.Task{
		SessionID: "s3",
		StepIndex: 2,
		Intervention: &queue.HumanIntervention{
			ApprovedToolCall: &queue.ApprovedToolCall{ID: "t1", Name: "calc", Arguments: `{"x":2}`},
		},
	}
	resp2, err := e.ExecuteStep(context.Background(), approveTask)
	require.NoError(t, err)
	assert.Equal(t, session.RoleTool, mustLastMessage(t, st, "s3").Role)
	assert.True(t, resp2.HasNextContext)
}

// S4: rejection short-circuits to done without invoking the tool.
func TestEngineRejectionFinishesWithoutToolCall(t *testing.T) {
	toolInvoked := false
	host := &countingToolHost{invoked: &toolInvoked}
	e, st, q := newHarness(t, &scriptedClient{}, &scriptedToolHost{}, engine.DefaultRunner{})
	e.Deps.ToolHost = host
	seedSession(t, st, "s4", []session.Message{{Role: session.RoleUser, Content: "hi"}}, nil)

	paused := &session.Session{
		ID:                  "s4",
		Status:              session.StatusWaitingForHumanInput,
		Messages:            []session.Message{{Role: session.RoleUser, Content: "hi"}},
		PendingToolsCalling: &session.PendingToolsCalling{ToolCalls: []session.ToolCall{{ID: "t1"}}},
	}
	require.NoError(t, st.SaveState(context.Background(), paused))

	rejectTask := queue.Task{
		SessionID: "s4",
		StepIndex: 1,
		Intervention: &queue.HumanIntervention{
			RejectionReason: "no",
		},
	}
	resp, err := e.ExecuteStep(context.Background(), rejectTask)
	require.NoError(t, err)
	assert.Equal(t, session.StatusDone, resp.Status)
	assert.False(t, toolInvoked)
	assert.Empty(t, q.scheduled)

	var sawDone bool
	for _, ev := range resp.Events {
		if ev.Type == event.TypeDone {
			sawDone = true
			var payload struct{ ReasonDetail string `json:"reason_detail"` }
			require.NoError(t, json.Unmarshal(ev.Data, &payload))
			assert.Equal(t, "no", payload.ReasonDetail)
		}
	}
	assert.True(t, sawDone)
}

type countingToolHost struct{ invoked *bool }

func (h *countingToolHost) Invoke(ctx context.Context, call session.ToolCall) (json.RawMessage, error) {
	*h.invoked = true
	return json.RawMessage(`{}`), nil
}

// S5: cost limit reached with on_exceeded=stop suppresses continuation
// even though the executor produced a next context.
func TestEngineCostStopSuppressesContinuation(t *testing.T) {
	client := &scriptedClient{turns: [][]model.Chunk{
		{
			{Type: model.ChunkTypeToolCalls, ToolCalls: []model.ToolCall{{ID: "t1", Name: "calc", Arguments: `{}`}}},
			{Type: model.ChunkTypeStop, StopReason: "tool_calls"},
		},
	}}
	e, st, q := newHarness(t, client, &scriptedToolHost{}, engine.DefaultRunner{})
	limit := &session.CostLimit{MaxTotalCost: 0.01, OnExceeded: session.OnExceededStop}
	seedSession(t, st, "s5", []session.Message{{Role: session.RoleUser, Content: "hi"}}, limit)

	seeded, err := st.LoadState(context.Background(), "s5")
	require.NoError(t, err)
	seeded.Cost.Total = 0.02
	require.NoError(t, st.SaveState(context.Background(), seeded))

	resp, err := e.ExecuteStep(context.Background(), userInputTask("s5"))
	require.NoError(t, err)
	assert.True(t, resp.HasNextContext, "executor still produced a next context")
	assert.Empty(t, q.scheduled, "cost limit must suppress scheduling regardless of next_context")
}

func mustLastMessage(t *testing.T, st store.Store, id string) session.Message {
	t.Helper()
	s, err := st.LoadState(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, s.Messages)
	return s.Messages[len(s.Messages)-1]
}
