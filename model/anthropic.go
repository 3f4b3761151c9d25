package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// messagesClient captures the subset of the Anthropic SDK used by
// AnthropicClient, so tests can substitute a fake in place of
// *sdk.MessageService.
type messagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicClient implements Client on top of the Anthropic Messages
// streaming API.
type AnthropicClient struct {
	msg          messagesClient
	defaultModel string
	maxTokens    int
}

// NewAnthropicClient constructs an AnthropicClient from an API key. Requests
// that leave Request.Model empty use defaultModel.
func NewAnthropicClient(apiKey, defaultModel string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("model: anthropic api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{msg: &ac.Messages, defaultModel: defaultModel, maxTokens: 4096}, nil
}

// Stream implements Client.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (Streamer, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("model: anthropic stream: %w", err)
	}
	return newAnthropicStreamer(ctx, stream), nil
}

func (c *AnthropicClient) buildParams(req Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("model: messages are required")
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	var system string
	var msgs []sdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	for _, t := range req.Tools {
		schema, _ := t.InputSchema.(map[string]any)
		params.Tools = append(params.Tools, sdk.ToolUnionParam{
			OfTool: &sdk.ToolParam{
				Name:        t.Name,
				Description: sdk.String(t.Description),
				InputSchema: sdk.ToolInputSchemaParam{Properties: schema},
			},
		})
	}
	return params, nil
}

// anthropicStreamer adapts an Anthropic Messages streaming response into a
// Streamer, translating MessageStreamEventUnion deltas into Chunk values on
// a background goroutine.
type anthropicStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newAnthropicStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *anthropicStreamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &anthropicStreamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan Chunk, 32),
	}
	go s.run()
	return s
}

func (s *anthropicStreamer) Recv() (Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return Chunk{}, err
		}
		return Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return Chunk{}, err
	}
}

func (s *anthropicStreamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *anthropicStreamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if len(s.metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *anthropicStreamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	toolFrags := map[int]*strings.Builder{}
	toolMeta := map[int]ToolCall{}
	var stopReason string

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			s.setErr(s.stream.Err())
			return
		}
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			idx := int(ev.Index)
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolFrags[idx] = &strings.Builder{}
				toolMeta[idx] = ToolCall{ID: tu.ID, Name: tu.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			idx := int(ev.Index)
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text != "" {
					if !s.emit(Chunk{Type: ChunkTypeText, Text: delta.Text}) {
						return
					}
				}
			case sdk.InputJSONDelta:
				if b, ok := toolFrags[idx]; ok {
					b.WriteString(delta.PartialJSON)
				}
			case sdk.ThinkingDelta:
				if delta.Thinking != "" {
					if !s.emit(Chunk{Type: ChunkTypeReasoning, Reasoning: delta.Thinking}) {
						return
					}
				}
			}
		case sdk.ContentBlockStopEvent:
			idx := int(ev.Index)
			if b, ok := toolFrags[idx]; ok {
				tc := toolMeta[idx]
				tc.Arguments = b.String()
				if strings.TrimSpace(tc.Arguments) == "" {
					tc.Arguments = "{}"
				}
				delete(toolFrags, idx)
				delete(toolMeta, idx)
				if !s.emit(Chunk{Type: ChunkTypeToolCalls, ToolCalls: []ToolCall{tc}}) {
					return
				}
			}
		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			usage := TokenUsage{
				InputTokens:  int(ev.Usage.InputTokens),
				OutputTokens: int(ev.Usage.OutputTokens),
				TotalTokens:  int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
			}
			s.recordUsage(usage)
			if !s.emit(Chunk{Type: ChunkTypeUsage, UsageDelta: &usage}) {
				return
			}
		case sdk.MessageStopEvent:
			if !s.emit(Chunk{Type: ChunkTypeStop, StopReason: stopReason}) {
				return
			}
		}
	}
}

func (s *anthropicStreamer) emit(c Chunk) bool {
	select {
	case <-s.ctx.Done():
		return false
	case s.chunks <- c:
		return true
	}
}

func (s *anthropicStreamer) recordUsage(u TokenUsage) {
	s.metaMu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata["usage"] = u
	s.metaMu.Unlock()
}

func (s *anthropicStreamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *anthropicStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}
