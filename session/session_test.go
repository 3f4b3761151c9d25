package session_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise/agentrun/session"
)

func TestValidPendingState(t *testing.T) {
	s := &session.Session{Status: session.StatusRunning}
	require.True(t, s.ValidPendingState())

	s.PendingHumanPrompt = &session.PendingHumanPrompt{Prompt: "continue?"}
	require.False(t, s.ValidPendingState(), "pending set while not waiting is invalid")

	s.Status = session.StatusWaitingForHumanInput
	require.True(t, s.ValidPendingState())

	s.PendingHumanSelect = &session.PendingHumanSelect{Prompt: "pick", Options: []string{"a", "b"}}
	require.False(t, s.ValidPendingState(), "two pending fields set is invalid")
}

func TestClearPending(t *testing.T) {
	s := &session.Session{
		Status:              session.StatusWaitingForHumanInput,
		PendingToolsCalling: &session.PendingToolsCalling{ToolCalls: []session.ToolCall{{ID: "t1"}}},
	}
	s.ClearPending()
	assert.Equal(t, 0, s.PendingCount())
}

func TestCostExceeded(t *testing.T) {
	s := &session.Session{Cost: session.Cost{Total: 0.02}}
	assert.False(t, s.CostExceeded(), "no limit configured")

	s.CostLimit = &session.CostLimit{MaxTotalCost: 0.01, OnExceeded: session.OnExceededStop}
	assert.True(t, s.CostExceeded())
}

func TestCanContinue(t *testing.T) {
	max := int64(3)
	s := &session.Session{
		Status:    session.StatusRunning,
		StepCount: 2,
		MaxSteps:  &max,
	}
	assert.True(t, s.CanContinue())

	s.StepCount = 3
	assert.False(t, s.CanContinue(), "step_count has reached max_steps")

	s2 := &session.Session{Status: session.StatusDone}
	assert.False(t, s2.CanContinue())

	s3 := &session.Session{Status: session.StatusWaitingForHumanInput}
	assert.False(t, s3.CanContinue())

	s4 := &session.Session{
		Status:    session.StatusRunning,
		Cost:      session.Cost{Total: 0.02},
		CostLimit: &session.CostLimit{MaxTotalCost: 0.01, OnExceeded: session.OnExceededStop},
	}
	assert.False(t, s4.CanContinue())

	s5 := &session.Session{
		Status:    session.StatusRunning,
		Cost:      session.Cost{Total: 0.02},
		CostLimit: &session.CostLimit{MaxTotalCost: 0.01, OnExceeded: session.OnExceededContinue},
	}
	assert.True(t, s5.CanContinue(), "on_exceeded=continue does not block scheduling")
}
