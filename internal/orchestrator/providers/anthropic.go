// Package providers adapts real LLM provider SDKs to orchestrator.Client,
// the completion abstraction the run loop (C7) drives agents through.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/mozaiks/core/internal/orchestrator"
)

// AnthropicClient implements orchestrator.Client over Claude's Messages
// streaming API, with exponential-backoff retry on transient failures.
type AnthropicClient struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewAnthropicClient builds an AnthropicClient. APIKey is required.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("providers: anthropic API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (c *AnthropicClient) model(req *orchestrator.CompletionRequest) string {
	if req.Profile.Model != "" {
		return req.Profile.Model
	}
	return c.defaultModel
}

// Complete streams one completion, translating orchestrator's
// provider-agnostic request/chunk shapes to and from the Anthropic SDK.
func (c *AnthropicClient) Complete(ctx context.Context, req *orchestrator.CompletionRequest) (<-chan *orchestrator.CompletionChunk, error) {
	out := make(chan *orchestrator.CompletionChunk)

	go func() {
		defer close(out)

		params, err := c.buildParams(req)
		if err != nil {
			out <- &orchestrator.CompletionChunk{Error: err}
			return
		}

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		for attempt := 0; attempt <= c.maxRetries; attempt++ {
			stream = c.client.Messages.NewStreaming(ctx, *params)
			if stream.Err() == nil {
				break
			}
			if attempt == c.maxRetries {
				out <- &orchestrator.CompletionChunk{Error: fmt.Errorf("providers: anthropic stream: %w", stream.Err())}
				return
			}
			backoff := c.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				out <- &orchestrator.CompletionChunk{Error: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}

		c.processStream(stream, out)
	}()

	return out, nil
}

func (c *AnthropicClient) buildParams(req *orchestrator.CompletionRequest) (*anthropic.MessageNewParams, error) {
	messages, err := c.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("providers: anthropic message conversion: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model(req)),
		Messages:  messages,
		MaxTokens: 4096,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := c.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("providers: anthropic tool conversion: %w", err)
		}
		params.Tools = tools
	}
	return &params, nil
}

func (c *AnthropicClient) convertMessages(messages []orchestrator.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		if msg.Role == "tool" {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return nil, fmt.Errorf("tool call %s: %w", tc.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (c *AnthropicClient) convertTools(tools []orchestrator.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Schema) > 0 {
			if err := json.Unmarshal(t.Schema, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: invalid schema: %w", t.Name, err)
			}
		}
		out = append(out, anthropic.ToolUnionParamOfTool(schema, t.Name))
	}
	return out, nil
}

func (c *AnthropicClient) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- *orchestrator.CompletionChunk) {
	var currentTool *orchestrator.ToolCallRequest
	var toolInput strings.Builder
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &orchestrator.ToolCallRequest{ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- &orchestrator.CompletionChunk{Text: delta.Text}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentTool != nil {
				currentTool.Arguments = json.RawMessage(toolInput.String())
				out <- &orchestrator.CompletionChunk{ToolCall: currentTool}
				currentTool = nil
			}
		case "message_delta":
			if u := event.AsMessageDelta().Usage; u.OutputTokens > 0 {
				outputTokens = int(u.OutputTokens)
			}
		case "message_stop":
			out <- &orchestrator.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
		}
	}
	if err := stream.Err(); err != nil {
		out <- &orchestrator.CompletionChunk{Error: fmt.Errorf("providers: anthropic stream: %w", err)}
	}
}
