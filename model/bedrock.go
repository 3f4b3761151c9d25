package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// converseStreamAPI captures the subset of the Bedrock runtime client used
// by BedrockClient, so tests can substitute a fake.
type converseStreamAPI interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockClient implements Client on top of the Bedrock ConverseStream API.
type BedrockClient struct {
	brt          converseStreamAPI
	defaultModel string
}

// NewBedrockClient constructs a BedrockClient from an already-configured
// bedrockruntime client. Requests that leave Request.Model empty use
// defaultModel (a Bedrock model or inference-profile ARN/id).
func NewBedrockClient(client *bedrockruntime.Client, defaultModel string) (*BedrockClient, error) {
	if client == nil {
		return nil, errors.New("model: bedrock client is required")
	}
	return &BedrockClient{brt: client, defaultModel: defaultModel}, nil
}

// Stream implements Client.
func (c *BedrockClient) Stream(ctx context.Context, req Request) (Streamer, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("model: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	var system []brtypes.SystemContentBlock
	var msgs []brtypes.Message
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == "assistant" {
			role = brtypes.ConversationRoleAssistant
		}
		msgs = append(msgs, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(modelID),
		Messages: msgs,
		System:   system,
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		cfg := &brtypes.InferenceConfiguration{}
		if req.Temperature > 0 {
			t := req.Temperature
			cfg.Temperature = &t
		}
		if req.MaxTokens > 0 {
			mt := int32(req.MaxTokens)
			cfg.MaxTokens = &mt
		}
		input.InferenceConfig = cfg
	}
	if len(req.Tools) > 0 {
		var toolConfig brtypes.ToolConfiguration
		for _, t := range req.Tools {
			schema, _ := t.InputSchema.(map[string]any)
			toolConfig.Tools = append(toolConfig.Tools, &brtypes.ToolMemberToolSpec{
				Value: brtypes.ToolSpecification{
					Name:        aws.String(t.Name),
					Description: aws.String(t.Description),
					InputSchema: &brtypes.ToolInputSchemaMemberJson{
						Value: documentFromMap(schema),
					},
				},
			})
		}
		input.ToolConfig = &toolConfig
	}

	out, err := c.brt.ConverseStream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("model: bedrock converse stream: %w", err)
	}
	return newBedrockStreamer(ctx, out.GetStream()), nil
}

// documentFromMap converts a JSON Schema map into the smithy document type
// Bedrock's InputSchema expects.
func documentFromMap(m map[string]any) document.Interface {
	return document.NewLazyDocument(m)
}

func (s *bedrockStreamer) Recv() (Chunk, error) {
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

func (s *bedrockStreamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *bedrockStreamer) Metadata() map[string]any {
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

// bedrockStreamer adapts a Bedrock ConverseStream event stream into a
// Streamer.
type bedrockStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream

	chunks chan Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newBedrockStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream) *bedrockStreamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &bedrockStreamer{ctx: cctx, cancel: cancel, stream: stream, chunks: make(chan Chunk, 32)}
	go s.run()
	return s
}

func (s *bedrockStreamer) run() {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()

	toolFrags := map[int32]*strings.Builder{}
	toolMeta := map[int32]ToolCall{}

	events := s.stream.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				s.setErr(s.stream.Err())
				return
			}
			switch ev := event.(type) {
			case *brtypes.ConverseStreamOutputMemberContentBlockStart:
				idx := ev.Value.ContentBlockIndex
				if idx == nil {
					continue
				}
				if tu, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
					toolFrags[*idx] = &strings.Builder{}
					tc := ToolCall{}
					if tu.Value.Name != nil {
						tc.Name = *tu.Value.Name
					}
					if tu.Value.ToolUseId != nil {
						tc.ID = *tu.Value.ToolUseId
					}
					toolMeta[*idx] = tc
				}
			case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
				idx := ev.Value.ContentBlockIndex
				if idx == nil {
					continue
				}
				switch delta := ev.Value.Delta.(type) {
				case *brtypes.ContentBlockDeltaMemberText:
					if delta.Value != "" && !s.emit(Chunk{Type: ChunkTypeText, Text: delta.Value}) {
						return
					}
				case *brtypes.ContentBlockDeltaMemberReasoningContent:
					if td, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok && td.Value != "" {
						if !s.emit(Chunk{Type: ChunkTypeReasoning, Reasoning: td.Value}) {
							return
						}
					}
				case *brtypes.ContentBlockDeltaMemberToolUse:
					if b, ok := toolFrags[*idx]; ok && delta.Value.Input != nil {
						b.WriteString(*delta.Value.Input)
					}
				}
			case *brtypes.ConverseStreamOutputMemberContentBlockStop:
				idx := ev.Value.ContentBlockIndex
				if idx == nil {
					continue
				}
				if b, ok := toolFrags[*idx]; ok {
					tc := toolMeta[*idx]
					tc.Arguments = b.String()
					if strings.TrimSpace(tc.Arguments) == "" {
						tc.Arguments = "{}"
					}
					delete(toolFrags, *idx)
					delete(toolMeta, *idx)
					if !s.emit(Chunk{Type: ChunkTypeToolCalls, ToolCalls: []ToolCall{tc}}) {
						return
					}
				}
			case *brtypes.ConverseStreamOutputMemberMessageStop:
				if !s.emit(Chunk{Type: ChunkTypeStop, StopReason: string(ev.Value.StopReason)}) {
					return
				}
			case *brtypes.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage == nil {
					continue
				}
				usage := TokenUsage{}
				if t := ev.Value.Usage.InputTokens; t != nil {
					usage.InputTokens = int(*t)
				}
				if t := ev.Value.Usage.OutputTokens; t != nil {
					usage.OutputTokens = int(*t)
				}
				if t := ev.Value.Usage.TotalTokens; t != nil {
					usage.TotalTokens = int(*t)
				}
				s.recordUsage(usage)
				if !s.emit(Chunk{Type: ChunkTypeUsage, UsageDelta: &usage}) {
					return
				}
			}
		}
	}
}

func (s *bedrockStreamer) emit(c Chunk) bool {
	select {
	case <-s.ctx.Done():
		return false
	case s.chunks <- c:
		return true
	}
}

func (s *bedrockStreamer) recordUsage(u TokenUsage) {
	s.metaMu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata["usage"] = u
	s.metaMu.Unlock()
}

func (s *bedrockStreamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *bedrockStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}
