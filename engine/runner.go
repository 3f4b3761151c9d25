package engine

import (
	"github.com/stepwise/agentrun/executor"
	"github.com/stepwise/agentrun/session"
)

// RequiresApprovalFunc decides whether a set of tool calls a step's LLM
// result produced must be routed through request_human_approve rather than
// dispatched immediately. It is a function of the tool calls and the
// current session state so a policy can key off agent_config.
type RequiresApprovalFunc func(toolCalls []session.ToolCall, state *session.Session) bool

// Runner is the pure decision function of the step engine: given the
// phase-tagged context from the previous step and the current state,
// produce the next Instruction. Implementations must not mutate state or
// perform I/O; the Step Engine is the only caller and treats Runner as a
// total function.
type Runner interface {
	Decide(ctx executor.RuntimeContext, state *session.Session) (executor.Instruction, error)
}

// DefaultRunner implements the simplest reasonable policy: user_input
// always calls the model; an llm_result
// carrying tool calls either pauses for approval or dispatches the tool,
// depending on RequiresApproval; a tool_result always calls the model
// again; every other phase (including llm_result with no tool calls, and
// human_input, which the default runner treats identically) finishes the
// session. Callers that need richer branching on human_input supply their
// own Runner.
type DefaultRunner struct {
	// RequiresApproval decides the llm_result-with-tool-calls branch. A nil
	// value means no tool call ever requires approval.
	RequiresApproval RequiresApprovalFunc
}

// Decide implements Runner.
func (r DefaultRunner) Decide(ctx executor.RuntimeContext, state *session.Session) (executor.Instruction, error) {
	switch ctx.Phase {
	case executor.PhaseUserInput:
		return executor.Instruction{Type: executor.CallLLM}, nil

	case executor.PhaseLLMResult:
		hasToolCalls, _ := ctx.Payload["has_tool_calls"].(bool)
		if !hasToolCalls {
			return executor.Instruction{Type: executor.Finish, Reason: "model produced a final response"}, nil
		}
		toolCalls := ctx.ToolCalls("tool_calls")
		if r.RequiresApproval != nil && r.RequiresApproval(toolCalls, state) {
			return executor.Instruction{Type: executor.RequestHumanApprove, ToolCalls: toolCalls}, nil
		}
		return executor.Instruction{Type: executor.CallTool, ToolCalls: toolCalls}, nil

	case executor.PhaseToolResult:
		return executor.Instruction{Type: executor.CallLLM}, nil

	default:
		return executor.Instruction{Type: executor.Finish, Reason: "no further instruction for phase " + string(ctx.Phase)}, nil
	}
}
