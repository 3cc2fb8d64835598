// Package eventsinks adapts the durable stores (C9 sessions, C3
// usage) into events.Sink implementations, the two subscribers
// events.Dispatcher fans every envelope out to before transport ever
// sees it (spec §4.8's persistence-before-transport ordering).
package eventsinks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mozaiks/core/internal/sessions"
	"github.com/mozaiks/core/pkg/runtime"
)

// Persistence writes the durable slice of the event stream to C9: the
// dense per-chat message log and terminal session-status transitions.
// Artifact snapshots are not written here — the stateless action
// executor (C11) persists those directly through Store.UpsertArtifact
// as part of its own request/response cycle, so mirroring that through
// the event pipeline would double-write the same state.
type Persistence struct {
	Store  sessions.Store
	Logger *slog.Logger
}

// NewPersistence builds a Persistence sink over store.
func NewPersistence(store sessions.Store, logger *slog.Logger) *Persistence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persistence{Store: store, Logger: logger}
}

var messageRoles = map[runtime.EventType]runtime.MessageRole{
	runtime.EventChatText:         runtime.RoleAgent,
	runtime.EventChatToolCall:     runtime.RoleAgent,
	runtime.EventChatToolResponse: runtime.RoleTool,
	runtime.EventChatInputRequest: runtime.RoleSystem,
}

// Emit implements events.Sink. Only event kinds with a defined message
// role are appended to the log; everything else (heartbeats, deltas,
// streaming chat.print chunks) passes through untouched.
func (p *Persistence) Emit(ctx context.Context, env *runtime.Envelope) error {
	if role, ok := messageRoles[env.Type]; ok {
		msg := runtime.Message{
			ChatID:    env.ChatID,
			AppID:     env.AppID,
			Role:      role,
			CreatedAt: env.Timestamp,
		}
		if agent, ok := env.Data["agent"].(string); ok {
			msg.Agent = agent
		}
		if content, ok := env.Data["content"].(string); ok {
			msg.Content = content
		}
		if structured, ok := env.Data["structured_output"].(map[string]any); ok {
			msg.StructuredOutput = structured
		}
		if _, err := p.Store.AppendMessage(ctx, msg); err != nil {
			return fmt.Errorf("eventsinks: append message: %w", err)
		}
	}

	switch env.Type {
	case runtime.EventOrchRunCompleted:
		return p.transition(ctx, env, runtime.StatusCompleted)
	case runtime.EventOrchRunFailed:
		return p.transition(ctx, env, runtime.StatusFailed)
	case runtime.EventOrchRunCancelled:
		return p.transition(ctx, env, runtime.StatusCancelled)
	}
	return nil
}

func (p *Persistence) transition(ctx context.Context, env *runtime.Envelope, status runtime.RunStatus) error {
	var totalTokens int64
	if v, ok := env.Data["total_tokens"].(int64); ok {
		totalTokens = v
	} else if v, ok := env.Data["total_tokens"].(float64); ok {
		totalTokens = int64(v)
	}
	if err := p.Store.UpdateSessionStatus(ctx, env.AppID, env.ChatID, status, totalTokens); err != nil {
		return fmt.Errorf("eventsinks: update session status: %w", err)
	}
	return nil
}
