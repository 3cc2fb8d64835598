package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mozaiks/core/internal/orchestrator"
)

// OpenAIClient implements orchestrator.Client over the Chat Completions
// streaming API.
type OpenAIClient struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey       string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewOpenAIClient builds an OpenAIClient. APIKey is required.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("providers: openai API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	return &OpenAIClient{
		client:       openai.NewClient(cfg.APIKey),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (c *OpenAIClient) model(req *orchestrator.CompletionRequest) string {
	if req.Profile.Model != "" {
		return req.Profile.Model
	}
	return c.defaultModel
}

// Complete streams one completion over OpenAI's chat API.
func (c *OpenAIClient) Complete(ctx context.Context, req *orchestrator.CompletionRequest) (<-chan *orchestrator.CompletionChunk, error) {
	messages := c.convertMessages(req)
	chatReq := openai.ChatCompletionRequest{
		Model:    c.model(req),
		Messages: messages,
		Stream:   true,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = c.convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = c.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("providers: openai stream: %w", lastErr)
	}

	out := make(chan *orchestrator.CompletionChunk)
	go c.processStream(ctx, stream, out)
	return out, nil
}

func (c *OpenAIClient) convertMessages(req *orchestrator.CompletionRequest) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, msg := range req.Messages {
		oai := openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
		if msg.Role == "tool" {
			oai.ToolCallID = msg.ToolCallID
		}
		for _, tc := range msg.ToolCalls {
			oai.ToolCalls = append(oai.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		result = append(result, oai)
	}
	return result
}

func (c *OpenAIClient) convertTools(tools []orchestrator.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var schema map[string]any
		if len(t.Schema) > 0 {
			if err := json.Unmarshal(t.Schema, &schema); err != nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

func (c *OpenAIClient) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- *orchestrator.CompletionChunk) {
	defer close(out)
	defer stream.Close()

	toolCalls := map[int]*orchestrator.ToolCallRequest{}
	var usagePromptTokens, usageCompletionTokens int

	for {
		select {
		case <-ctx.Done():
			out <- &orchestrator.CompletionChunk{Error: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				for _, tc := range toolCalls {
					out <- &orchestrator.CompletionChunk{ToolCall: tc}
				}
				out <- &orchestrator.CompletionChunk{Done: true, InputTokens: usagePromptTokens, OutputTokens: usageCompletionTokens}
				return
			}
			out <- &orchestrator.CompletionChunk{Error: fmt.Errorf("providers: openai stream: %w", err)}
			return
		}
		if resp.Usage != nil {
			usagePromptTokens = resp.Usage.PromptTokens
			usageCompletionTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			out <- &orchestrator.CompletionChunk{Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			existing, ok := toolCalls[idx]
			if !ok {
				existing = &orchestrator.ToolCallRequest{}
				toolCalls[idx] = existing
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Name = tc.Function.Name
			}
			existing.Arguments = json.RawMessage(string(existing.Arguments) + tc.Function.Arguments)
		}
	}
}
