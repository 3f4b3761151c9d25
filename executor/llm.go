package executor

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/stepwise/agentrun/event"
	"github.com/stepwise/agentrun/model"
	"github.com/stepwise/agentrun/session"
	"github.com/stepwise/agentrun/toolerrors"
)

// ExecuteCallLLM implements the call_llm executor: invokes
// the configured model adapter, streams chunks as stream_chunk events
// accumulating full_content/tool_calls, and on completion publishes
// stream_end, appends the assistant message, and hands the Step Engine a
// next_context at phase llm_result.
func ExecuteCallLLM(ctx context.Context, sessionID string, stepIndex int64, instr Instruction, state *session.Session, deps Deps) (Result, error) {
	var events []event.Event
	newState := *state
	newState.Messages = append([]session.Message(nil), state.Messages...)

	client, err := deps.Models.Get(instr.Provider)
	if err != nil {
		if pubErr := publish(ctx, deps, sessionID, stepIndex, event.TypeError, map[string]string{
			"message": fmt.Sprintf("no model client registered for provider %q", instr.Provider),
		}, &events); pubErr != nil {
			return Result{Events: events}, pubErr
		}
		return Result{Events: events, NewState: &newState}, err
	}

	req := model.Request{
		Model:       instr.Model,
		Temperature: instr.Temperature,
		Messages:    toModelMessages(newState.Messages),
	}

	streamer, err := client.Stream(ctx, req)
	if err != nil {
		terr := toolerrors.NewWithCause(fmt.Sprintf("model %s/%s stream setup failed", instr.Provider, instr.Model), err)
		if pubErr := publish(ctx, deps, sessionID, stepIndex, event.TypeError, map[string]any{
			"message": terr.Error(),
			"causes":  terr.Chain(),
		}, &events); pubErr != nil {
			return Result{Events: events}, pubErr
		}
		return Result{Events: events, NewState: &newState}, terr
	}
	defer streamer.Close()

	if pubErr := publish(ctx, deps, sessionID, stepIndex, event.TypeStreamStart, map[string]any{
		"provider": instr.Provider,
		"model":    instr.Model,
	}, &events); pubErr != nil {
		return Result{Events: events}, pubErr
	}

	var fullContent string
	var toolCalls []session.ToolCall
	var reasoning string
	var imageList []*model.ImageData
	var grounding []any
	stopReason := ""
	var usageDelta session.Usage

	for {
		chunk, err := streamer.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			terr := toolerrors.NewWithCause(fmt.Sprintf("model %s/%s stream interrupted", instr.Provider, instr.Model), err)
			if pubErr := publish(ctx, deps, sessionID, stepIndex, event.TypeError, map[string]any{
				"message": terr.Error(),
				"causes":  terr.Chain(),
			}, &events); pubErr != nil {
				return Result{Events: events}, pubErr
			}
			return Result{Events: events, NewState: &newState}, terr
		}

		if chunk.Grounding != nil {
			grounding = append(grounding, chunk.Grounding)
		}

		switch chunk.Type {
		case model.ChunkTypeText:
			fullContent += chunk.Text
			if pubErr := publish(ctx, deps, sessionID, stepIndex, event.TypeStreamChunk, map[string]any{
				"chunk_type":   string(event.ChunkText),
				"content":      chunk.Text,
				"full_content": fullContent,
			}, &events); pubErr != nil {
				return Result{Events: events}, pubErr
			}
		case model.ChunkTypeReasoning:
			reasoning += chunk.Reasoning
			if pubErr := publish(ctx, deps, sessionID, stepIndex, event.TypeStreamChunk, map[string]any{
				"chunk_type": string(event.ChunkReasoning),
				"content":    chunk.Reasoning,
			}, &events); pubErr != nil {
				return Result{Events: events}, pubErr
			}
		case model.ChunkTypeToolCalls:
			for _, tc := range chunk.ToolCalls {
				toolCalls = append(toolCalls, session.ToolCall{
					ID:       tc.ID,
					Function: session.ToolCallFunc{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
			if pubErr := publish(ctx, deps, sessionID, stepIndex, event.TypeStreamChunk, map[string]any{
				"chunk_type": string(event.ChunkToolCalls),
				"tool_calls": chunk.ToolCalls,
			}, &events); pubErr != nil {
				return Result{Events: events}, pubErr
			}
		case model.ChunkTypeImage:
			if chunk.Image != nil {
				imageList = append(imageList, chunk.Image)
			}
			if pubErr := publish(ctx, deps, sessionID, stepIndex, event.TypeStreamChunk, map[string]any{
				"chunk_type": string(event.ChunkImage),
				"image":      chunk.Image,
			}, &events); pubErr != nil {
				return Result{Events: events}, pubErr
			}
		case model.ChunkTypeUsage:
			if chunk.UsageDelta != nil {
				usageDelta.PromptTokens += int64(chunk.UsageDelta.InputTokens)
				usageDelta.CompletionTokens += int64(chunk.UsageDelta.OutputTokens)
				usageDelta.TotalTokens += int64(chunk.UsageDelta.TotalTokens)
			}
		case model.ChunkTypeStop:
			stopReason = chunk.StopReason
		}
	}

	newState.Usage.PromptTokens += usageDelta.PromptTokens
	newState.Usage.CompletionTokens += usageDelta.CompletionTokens
	newState.Usage.TotalTokens += usageDelta.TotalTokens
	if deps.EstimateCost != nil {
		newState.Cost.Total += deps.EstimateCost(instr.Provider, instr.Model, usageDelta)
	}

	if pubErr := publish(ctx, deps, sessionID, stepIndex, event.TypeStreamEnd, map[string]any{
		"final_content": fullContent,
		"tool_calls":    toolCalls,
		"reasoning":     reasoning,
		"grounding":     grounding,
		"image_list":    imageList,
		"stop_reason":   stopReason,
	}, &events); pubErr != nil {
		return Result{Events: events}, pubErr
	}

	newState.Messages = append(newState.Messages, session.Message{
		Role:      session.RoleAssistant,
		Content:   fullContent,
		ToolCalls: toolCalls,
	})

	return Result{
		Events:   events,
		NewState: &newState,
		NextContext: &RuntimeContext{
			Phase: PhaseLLMResult,
			Payload: map[string]any{
				"result":         fullContent,
				"tool_calls":     toolCalls,
				"has_tool_calls": len(toolCalls) > 0,
			},
		},
	}, nil
}

func toModelMessages(msgs []session.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		mm := model.Message{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			mm.ToolCalls = append(mm.ToolCalls, model.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		out = append(out, mm)
	}
	return out
}
