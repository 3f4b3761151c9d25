package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise/agentrun/event"
	"github.com/stepwise/agentrun/executor"
	"github.com/stepwise/agentrun/model"
	"github.com/stepwise/agentrun/session"
	"github.com/stepwise/agentrun/telemetry"
)

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
func (f *fakeStreamer) Close() error            { return nil }
func (f *fakeStreamer) Metadata() map[string]any { return nil }

type fakeClient struct{ chunks []model.Chunk }

func (f *fakeClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	return &fakeStreamer{chunks: f.chunks}, nil
}

type fakeToolHost struct {
	result json.RawMessage
	err    error
}

func (f *fakeToolHost) Invoke(ctx context.Context, call session.ToolCall) (json.RawMessage, error) {
	return f.result, f.err
}

func newDeps(t *testing.T, client model.Client, host *fakeToolHost) executor.Deps {
	t.Helper()
	registry := model.NewRegistry()
	registry.Register("anthropic", client)
	return executor.Deps{
		Events:   event.NewMemoryStream(0),
		Models:   registry,
		ToolHost: host,
		Logger:   telemetry.NewNoopLogger(),
	}
}

func TestExecuteCallLLMAccumulatesTextAndAppendsMessage(t *testing.T) {
	client := &fakeClient{chunks: []model.Chunk{
		{Type: model.ChunkTypeText, Text: "hello "},
		{Type: model.ChunkTypeText, Text: "world"},
		{Type: model.ChunkTypeStop, StopReason: "stop_sequence"},
	}}
	deps := newDeps(t, client, &fakeToolHost{})

	state := &session.Session{ID: "s1", Status: session.StatusRunning}
	instr := executor.Instruction{Type: executor.CallLLM, Provider: "anthropic", Model: "claude"}

	result, err := executor.ExecuteCallLLM(context.Background(), "s1", 0, instr, state, deps)
	require.NoError(t, err)
	require.NotNil(t, result.NewState)
	require.Len(t, result.NewState.Messages, 1)
	assert.Equal(t, "hello world", result.NewState.Messages[0].Content)
	assert.Equal(t, session.RoleAssistant, result.NewState.Messages[0].Role)
	require.NotNil(t, result.NextContext)
	assert.Equal(t, executor.PhaseLLMResult, result.NextContext.Phase)
	assert.False(t, result.NextContext.Payload["has_tool_calls"].(bool))
}

func TestExecuteCallLLMCollectsToolCalls(t *testing.T) {
	client := &fakeClient{chunks: []model.Chunk{
		{Type: model.ChunkTypeToolCalls, ToolCalls: []model.ToolCall{{ID: "t1", Name: "search", Arguments: `{"q":"go"}`}}},
		{Type: model.ChunkTypeStop, StopReason: "tool_calls"},
	}}
	deps := newDeps(t, client, &fakeToolHost{})
	state := &session.Session{ID: "s1", Status: session.StatusRunning}
	instr := executor.Instruction{Type: executor.CallLLM, Provider: "anthropic"}

	result, err := executor.ExecuteCallLLM(context.Background(), "s1", 0, instr, state, deps)
	require.NoError(t, err)
	require.True(t, result.NextContext.Payload["has_tool_calls"].(bool))
	require.Len(t, result.NewState.Messages[0].ToolCalls, 1)
	assert.Equal(t, "search", result.NewState.Messages[0].ToolCalls[0].Function.Name)
}

func TestExecuteCallLLMUnknownProviderErrors(t *testing.T) {
	deps := newDeps(t, &fakeClient{}, &fakeToolHost{})
	state := &session.Session{ID: "s1", Status: session.StatusRunning}
	instr := executor.Instruction{Type: executor.CallLLM, Provider: "unknown"}

	_, err := executor.ExecuteCallLLM(context.Background(), "s1", 0, instr, state, deps)
	assert.ErrorIs(t, err, model.ErrUnknownModel)
}

func TestExecuteCallToolAppendsResultMessage(t *testing.T) {
	host := &fakeToolHost{result: json.RawMessage(`{"answer":42}`)}
	deps := newDeps(t, &fakeClient{}, host)
	state := &session.Session{ID: "s1", Status: session.StatusRunning}
	instr := executor.Instruction{
		Type:      executor.CallTool,
		ToolCalls: []session.ToolCall{{ID: "t1", Function: session.ToolCallFunc{Name: "search", Arguments: `{"q":"go"}`}}},
	}

	result, err := executor.ExecuteCallTool(context.Background(), "s1", 0, instr, state, deps)
	require.NoError(t, err)
	require.Len(t, result.NewState.Messages, 1)
	assert.Equal(t, session.RoleTool, result.NewState.Messages[0].Role)
	assert.Equal(t, "t1", result.NewState.Messages[0].ToolCallID)
	assert.Equal(t, executor.PhaseToolResult, result.NextContext.Phase)
}

func TestExecuteCallToolMalformedArgumentsFails(t *testing.T) {
	deps := newDeps(t, &fakeClient{}, &fakeToolHost{})
	state := &session.Session{ID: "s1", Status: session.StatusRunning}
	instr := executor.Instruction{
		Type:      executor.CallTool,
		ToolCalls: []session.ToolCall{{ID: "t1", Function: session.ToolCallFunc{Name: "search", Arguments: `not json`}}},
	}

	result, err := executor.ExecuteCallTool(context.Background(), "s1", 0, instr, state, deps)
	require.Error(t, err)
	assert.Same(t, state, result.NewState)
}

func TestExecuteCallToolFaultLeavesStateUnchanged(t *testing.T) {
	host := &fakeToolHost{err: errors.New("boom")}
	deps := newDeps(t, &fakeClient{}, host)
	state := &session.Session{ID: "s1", Status: session.StatusRunning}
	instr := executor.Instruction{
		Type:      executor.CallTool,
		ToolCalls: []session.ToolCall{{ID: "t1", Function: session.ToolCallFunc{Name: "search", Arguments: `{}`}}},
	}

	result, err := executor.ExecuteCallTool(context.Background(), "s1", 0, instr, state, deps)
	require.Error(t, err)
	assert.Same(t, state, result.NewState)
}

func TestExecuteRequestHumanApprovePausesSession(t *testing.T) {
	deps := newDeps(t, &fakeClient{}, &fakeToolHost{})
	state := &session.Session{ID: "s1", Status: session.StatusRunning}
	instr := executor.Instruction{Type: executor.RequestHumanApprove, ToolCalls: []session.ToolCall{{ID: "t1"}}}

	result, err := executor.ExecuteRequestHumanApprove(context.Background(), "s1", 0, instr, state, deps)
	require.NoError(t, err)
	assert.Equal(t, session.StatusWaitingForHumanInput, result.NewState.Status)
	assert.True(t, result.NewState.ValidPendingState())
	assert.Nil(t, result.NextContext, "human approval halts continuation")
}

func TestExecuteFinishSetsStatusDone(t *testing.T) {
	deps := newDeps(t, &fakeClient{}, &fakeToolHost{})
	state := &session.Session{ID: "s1", Status: session.StatusRunning}
	instr := executor.Instruction{Type: executor.Finish, Reason: "goal achieved"}

	result, err := executor.ExecuteFinish(context.Background(), "s1", 0, instr, state, deps)
	require.NoError(t, err)
	assert.Equal(t, session.StatusDone, result.NewState.Status)
	assert.Nil(t, result.NextContext)
}
