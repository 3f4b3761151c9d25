// Package model provides a provider-agnostic abstraction over LLM chat
// completion and streaming APIs (Anthropic, OpenAI, Bedrock), so the call_llm
// executor can invoke a model without coupling to any one SDK.
package model

import (
	"context"
	"errors"
)

type (
	// Client is the contract the call_llm executor uses to invoke a model.
	// Implementations wrap a provider SDK and translate Request/Response to
	// that provider's wire format. Implementations must be safe for
	// concurrent use across sessions.
	Client interface {
		// Stream sends req and returns a Streamer yielding incremental
		// chunks. The returned Streamer must be closed by the caller.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return Chunk values until io.EOF.
	Streamer interface {
		// Recv returns the next chunk from the stream, or io.EOF once the
		// provider has signaled completion.
		Recv() (Chunk, error)
		// Close releases any resources held by the underlying provider
		// stream (HTTP body, gRPC stream, etc).
		Close() error
		// Metadata returns provider-specific metadata for the stream, e.g.
		// "provider", "model", "request_id". Contents are optional and
		// provider-defined.
		Metadata() map[string]any
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		Model       string
		Messages    []Message
		Temperature float32
		Tools       []ToolDefinition
		MaxTokens   int
	}

	// Message mirrors a chat message with role and content.
	Message struct {
		Role       string
		Content    string
		ToolCalls  []ToolCall
		ToolCallID string
	}

	// ToolDefinition describes a tool schema passed to the provider for
	// function calling. InputSchema is a JSON Schema object (typically
	// map[string]any) the tool executor also validates arguments against.
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema any
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		ID        string
		Name      string
		Arguments string
	}

	// Chunk is one streamed increment of model output. Type indicates which
	// fields are populated: "text", "tool_calls", "reasoning", "image",
	// "usage", or "stop".
	Chunk struct {
		Type       string
		Text       string
		ToolCalls  []ToolCall
		Reasoning  string
		Image      *ImageData
		Grounding  any
		UsageDelta *TokenUsage
		StopReason string
	}

	// ImageData is a provider-emitted image chunk: either a URL or inline
	// base64-encoded data, never both.
	ImageData struct {
		URL      string
		MimeType string
		Data     string
	}

	// TokenUsage records prompt/completion token counts when reported by
	// the provider.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}
)

// Chunk type constants populate Chunk.Type.
const (
	ChunkTypeText      = "text"
	ChunkTypeToolCalls = "tool_calls"
	ChunkTypeReasoning = "reasoning"
	ChunkTypeImage     = "image"
	ChunkTypeUsage     = "usage"
	ChunkTypeStop      = "stop"
)

// ErrStreamingUnsupported indicates the provider does not implement
// streaming for the requested model/parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrUnknownModel indicates a Registry has no adapter registered for the
// requested provider name.
var ErrUnknownModel = errors.New("model: unknown provider")

// Registry maps a provider name from Session.model_config to the Client
// that serves it, keeping the call_llm executor provider-agnostic.
type Registry struct {
	clients map[string]Client
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register associates provider with client. Subsequent calls overwrite any
// existing registration for the same provider name.
func (r *Registry) Register(provider string, client Client) {
	r.clients[provider] = client
}

// Get returns the Client registered for provider, or ErrUnknownModel.
func (r *Registry) Get(provider string) (Client, error) {
	c, ok := r.clients[provider]
	if !ok {
		return nil, ErrUnknownModel
	}
	return c, nil
}
