package model

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
)

// chatStreamer captures the subset of the OpenAI SDK used by OpenAIClient,
// so tests can substitute a fake in place of the real client.
type chatStreamer interface {
	NewStreaming(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// OpenAIClient implements Client on top of the OpenAI Chat Completions
// streaming API.
type OpenAIClient struct {
	chat         chatStreamer
	defaultModel string
}

// NewOpenAIClient constructs an OpenAIClient from an API key. Requests that
// leave Request.Model empty use defaultModel.
func NewOpenAIClient(apiKey, defaultModel string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("model: openai api key is required")
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIClient{chat: &c.Chat.Completions, defaultModel: defaultModel}, nil
}

// Stream implements Client.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (Streamer, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("model: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		case "tool":
			messages = append(messages, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	for _, t := range req.Tools {
		schema, _ := t.InputSchema.(map[string]any)
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  schema,
			},
		})
	}

	stream := c.chat.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("model: openai stream: %w", err)
	}
	return &openAIStreamer{stream: stream}, nil
}

// openAIStreamer adapts an OpenAI chat-completion SSE stream into a
// Streamer, accumulating tool-call argument fragments across chunks the
// same way the provider itself splits them.
type openAIStreamer struct {
	stream       *ssestream.Stream[openai.ChatCompletionChunk]
	toolCalls    map[int64]*ToolCall
	pendingUsage *TokenUsage
}

func (s *openAIStreamer) Recv() (Chunk, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			return Chunk{Type: ChunkTypeText, Text: delta.Content}, nil
		}
		if len(delta.ToolCalls) > 0 {
			if s.toolCalls == nil {
				s.toolCalls = make(map[int64]*ToolCall)
			}
			tc := delta.ToolCalls[0]
			existing, ok := s.toolCalls[tc.Index]
			if !ok {
				existing = &ToolCall{ID: tc.ID, Name: tc.Function.Name}
				s.toolCalls[tc.Index] = existing
			}
			existing.Arguments += tc.Function.Arguments
			if choice.FinishReason == "tool_calls" {
				out := *existing
				delete(s.toolCalls, tc.Index)
				return Chunk{Type: ChunkTypeToolCalls, ToolCalls: []ToolCall{out}}, nil
			}
			continue
		}
		if choice.FinishReason != "" {
			return Chunk{Type: ChunkTypeStop, StopReason: string(choice.FinishReason)}, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return Chunk{}, fmt.Errorf("model: openai recv: %w", err)
	}
	return Chunk{}, io.EOF
}

func (s *openAIStreamer) Close() error {
	return s.stream.Close()
}

func (s *openAIStreamer) Metadata() map[string]any {
	if s.pendingUsage == nil {
		return nil
	}
	return map[string]any{"usage": *s.pendingUsage}
}
