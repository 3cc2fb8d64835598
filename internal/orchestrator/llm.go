package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/mozaiks/core/pkg/runtime"
)

// ToolCallRequest is a tool invocation the LLM wants executed, extracted
// from a completion response.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// CompletionMessage is one message of the conversation handed to the
// LLM client, in the role/content shape common to every provider.
type CompletionMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// ToolSpec describes one tool the LLM may call, in provider-agnostic
// JSON Schema form.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// CompletionRequest carries everything a Client needs to drive one
// agent turn: the bound agent's profile and rendered prompt, the
// running message history, the tools it may call, and an optional
// structured-output JSON Schema the final response must satisfy.
type CompletionRequest struct {
	Profile                runtime.LLMProfile
	System                 string
	Messages               []CompletionMessage
	Tools                  []ToolSpec
	StructuredOutputSchema json.RawMessage
	CacheSeed              string
}

// CompletionChunk is one increment of a streamed completion. Exactly
// one of Text, ToolCall, or Error is meaningful per chunk; Done marks
// stream end and carries final token accounting.
type CompletionChunk struct {
	Text         string
	ToolCall     *ToolCallRequest
	Done         bool
	Error        error
	InputTokens  int
	OutputTokens int
}

// Client is the LLM backend abstraction the orchestrator drives. One
// Client implementation typically wraps one provider SDK (Anthropic,
// OpenAI, ...); the provider is selected by CompletionRequest.Profile.Provider.
type Client interface {
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// Registry resolves a provider name to the Client that serves it.
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds a Registry from a provider-name-to-Client map.
func NewRegistry(clients map[string]Client) *Registry {
	if clients == nil {
		clients = map[string]Client{}
	}
	return &Registry{clients: clients}
}

// Resolve returns the Client registered for provider, or false if none
// was configured.
func (r *Registry) Resolve(provider string) (Client, bool) {
	c, ok := r.clients[provider]
	return c, ok
}
