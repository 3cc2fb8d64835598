package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mozaiks/core/internal/audit"
	"github.com/mozaiks/core/internal/orchestrator"
	"github.com/mozaiks/core/pkg/runtime"
)

// wireInbound is the union of every client-to-server message shape
// spec §4.10 names. Fields unused by a given Type are left zero.
type wireInbound struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	Corr         string          `json:"corr,omitempty"`
	EventID      string          `json:"event_id,omitempty"`
	ResponseData json.RawMessage `json:"response_data,omitempty"`
	ActionID     string          `json:"action_id,omitempty"`
	ArtifactID   string          `json:"artifact_id,omitempty"`
	Tool         string          `json:"tool,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
}

// ActionRequest carries one artifact.action message, adapted with the
// injected identity context spec §4.11 step 5 requires. The C11
// executor implements ActionExecutor against this shape.
type ActionRequest struct {
	AppID, UserID, ChatID string
	ActionID, ArtifactID  string
	Tool                  string
	Params                json.RawMessage
	ClientContext         json.RawMessage
}

// ActionExecutor runs one stateless tool invocation triggered by an
// artifact.action message (C11). Execute is expected to emit its own
// artifact.action.started/completed/failed envelopes through the event
// pipeline; it does not return a result to the caller directly.
type ActionExecutor interface {
	Execute(ctx context.Context, identity *runtime.Identity, req ActionRequest)
}

func (c *Connection) handleInbound(data []byte) {
	var msg wireInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("transport: malformed inbound frame", "chat_id", c.chatID, "err", err)
		return
	}

	switch msg.Type {
	case "ping":
		c.deliver(&runtime.Envelope{Type: "pong", ChatID: c.chatID, AppID: c.appID, Data: map[string]any{}})
	case "user.input.submit":
		c.handleUserInput(msg)
	case "ui.tool.response":
		c.handleUIToolResponse(msg)
	case "artifact.action":
		c.handleArtifactAction(msg)
	case "user.cancel":
		c.handleUserCancel()
	default:
		c.logger.Warn("transport: unknown inbound message type", "type", msg.Type, "chat_id", c.chatID)
	}
}

func (c *Connection) handleUserInput(msg wireInbound) {
	ctx := context.Background()

	userMsg := runtime.Message{
		ChatID:    c.chatID,
		AppID:     c.appID,
		Role:      runtime.RoleUser,
		Content:   msg.Text,
		CreatedAt: time.Now().UTC(),
	}
	if c.store != nil {
		if _, err := c.store.AppendMessage(ctx, userMsg); err != nil {
			c.logger.Error("transport: append user message failed", "chat_id", c.chatID, "err", err)
		}
	}

	// The session's chat_id is minted by the HTTP start endpoint (C12)
	// before a client ever opens this socket, so the RunContext should
	// already exist here; a miss means the client connected with a
	// chat_id this process never started (e.g. after a restart without
	// session resume) and there is nothing to run.
	rc, ok := c.orch.Lookup(c.chatID)
	if !ok {
		c.logger.Warn("transport: user.input.submit for unknown chat_id", "chat_id", c.chatID)
		return
	}
	if rc.State() == orchestrator.StateStarting {
		go func() {
			if err := c.orch.Run(context.Background(), rc, c.identity); err != nil {
				c.logger.Error("transport: run ended with error", "chat_id", c.chatID, "err", err)
			}
		}()
	}
}

func (c *Connection) handleUIToolResponse(msg wireInbound) {
	// Spec §4.10 names "corr" as the correlation field, but §8 scenario
	// 4's literal inbound frame carries it as "event_id"; accept either
	// so that frame isn't dropped as an orphan.
	corr := msg.Corr
	if corr == "" {
		corr = msg.EventID
	}
	if corr == "" {
		return
	}
	if resolved := c.orch.ResolveUIResponse(corr, msg.ResponseData); !resolved && c.audit != nil {
		c.audit.Log(context.Background(), audit.Event{
			Type:   audit.EventUITimeoutOrphan,
			AppID:  c.appID,
			UserID: c.userID,
			Detail: "ui.tool.response had no matching waiter",
			Fields: map[string]any{"chat_id": c.chatID, "corr": corr},
		})
	}
}

func (c *Connection) handleArtifactAction(msg wireInbound) {
	if c.actions == nil {
		return
	}
	req := ActionRequest{
		AppID:         c.appID,
		UserID:        c.userID,
		ChatID:        c.chatID,
		ActionID:      msg.ActionID,
		ArtifactID:    msg.ArtifactID,
		Tool:          msg.Tool,
		Params:        msg.Params,
		ClientContext: msg.Context,
	}
	go c.actions.Execute(context.Background(), c.identity, req)
}

func (c *Connection) handleUserCancel() {
	if rc, ok := c.orch.Lookup(c.chatID); ok {
		rc.Cancel()
	}
}
