package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mozaiks/core/internal/audit"
	"github.com/mozaiks/core/internal/orchestrator"
	"github.com/mozaiks/core/internal/sessions"
	"github.com/mozaiks/core/pkg/runtime"
)

const (
	maxPayloadBytes = 1 << 20

	// outboundSoftCap is the queue depth at which consecutive
	// chat.print chunks are coalesced instead of queued separately,
	// per spec §5's backpressure rule.
	outboundSoftCap = 128
	// outboundHardCap closes the connection with a policy-violation
	// close code; the run continues, persistence retains the transcript.
	outboundHardCap = 512

	closeNormal              = 1000
	closeAuthRequired        = 4001
	closeTenancyMismatch     = 4003
	closePrerequisitesFailed = 4009
	closePolicyViolation     = 1008

	wsWriteWait = 10 * time.Second
)

// Connection is one attached WebSocket client for a single chat_id.
// It owns the outbound FIFO and the inbound read loop; both run in
// dedicated goroutines for the lifetime of the socket, grounded on the
// teacher's wsSession readLoop/writeLoop split.
type Connection struct {
	conn      *websocket.Conn
	hub       *Hub
	orch      *orchestrator.Orchestrator
	actions   ActionExecutor
	store     sessions.Store
	audit     *audit.Logger
	logger    *slog.Logger
	heartbeat time.Duration

	appID, userID, chatID, workflowName string
	identity                            *runtime.Identity

	ctx    context.Context
	cancel context.CancelFunc

	outMu   sync.Mutex
	outbox  [][]byte
	outCond *sync.Cond
	closed  bool
}

func newConnection(parent context.Context, conn *websocket.Conn, hub *Hub, orch *orchestrator.Orchestrator, actions ActionExecutor, store sessions.Store, auditLogger *audit.Logger, logger *slog.Logger, heartbeat time.Duration, appID, userID, chatID, workflowName string, identity *runtime.Identity) *Connection {
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		conn:         conn,
		hub:          hub,
		orch:         orch,
		actions:      actions,
		store:        store,
		audit:        auditLogger,
		logger:       logger,
		heartbeat:    heartbeat,
		appID:        appID,
		userID:       userID,
		chatID:       chatID,
		workflowName: workflowName,
		identity:     identity,
		ctx:          ctx,
		cancel:       cancel,
	}
	c.outCond = sync.NewCond(&c.outMu)
	return c
}

// run drives the connection until the socket closes or the context is
// cancelled. It flushes any pre-subscription buffer first, then starts
// the write loop, heartbeat ticker, and finally blocks in the read loop.
func (c *Connection) run(backlog []*runtime.Envelope) {
	defer c.shutdown()

	go c.writeLoop()
	go c.heartbeatLoop()

	for _, env := range backlog {
		c.deliver(env)
	}

	c.readLoop()
}

func (c *Connection) shutdown() {
	c.hub.Unregister(c)
	c.cancel()
	c.outMu.Lock()
	c.closed = true
	c.outCond.Broadcast()
	c.outMu.Unlock()
	_ = c.conn.Close()
}

func (c *Connection) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(wsWriteWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	c.cancel()
}

func (c *Connection) readLoop() {
	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.heartbeat))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * c.heartbeat))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleInbound(data)
	}
}

func (c *Connection) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// writeLoop drains the outbox FIFO in order, blocking on outCond when
// empty rather than polling.
func (c *Connection) writeLoop() {
	for {
		c.outMu.Lock()
		for len(c.outbox) == 0 && !c.closed {
			c.outCond.Wait()
		}
		if c.closed {
			c.outMu.Unlock()
			return
		}
		msg := c.outbox[0]
		c.outbox = c.outbox[1:]
		c.outMu.Unlock()

		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.cancel()
			return
		}
	}
}

// deliver encodes env for the wire and enqueues it, applying the
// soft-cap coalescing / hard-cap disconnect backpressure policy from
// spec §5. Secret-like fields never reach env.Data (producers are
// responsible for not putting them there); this layer only redacts in
// its own trace logging.
func (c *Connection) deliver(env *runtime.Envelope) {
	encoded, err := encodeEnvelope(env)
	if err != nil {
		c.logger.Error("transport: envelope encode failed", "chat_id", c.chatID, "err", err)
		return
	}

	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.closed {
		return
	}

	if len(c.outbox) >= outboundSoftCap && env.Type == runtime.EventChatPrint {
		if coalesced, ok := coalescePrint(c.outbox[len(c.outbox)-1], encoded); ok {
			c.outbox[len(c.outbox)-1] = coalesced
			c.outCond.Signal()
			return
		}
	}

	if len(c.outbox) >= outboundHardCap {
		c.outbox = nil
		c.closed = true
		c.outCond.Broadcast()
		go c.closeWithCode(closePolicyViolation, "outbound queue exceeded hard cap")
		return
	}

	c.outbox = append(c.outbox, encoded)
	c.outCond.Signal()
}

func encodeEnvelope(env *runtime.Envelope) ([]byte, error) {
	if isAGUIState(env.Type) {
		data := make(map[string]any, len(env.Data)+2)
		for k, v := range env.Data {
			data[k] = v
		}
		data["runId"] = env.ChatID
		data["threadId"] = env.ChatID
		patched := *env
		patched.Data = data
		return json.Marshal(&patched)
	}
	return json.Marshal(env)
}

func isAGUIState(t runtime.EventType) bool {
	switch t {
	case runtime.AGUIStateSnapshot, runtime.AGUIStateDelta, runtime.AGUIMessagesSnapshot,
		runtime.AGUIRunStarted, runtime.AGUIRunFinished, runtime.AGUIRunError:
		return true
	default:
		return false
	}
}

// coalescePrint merges a freshly encoded chat.print envelope's content
// into the tail of the queue if it is also an uncoalesced chat.print
// for the same chat, returning the merged bytes.
func coalescePrint(tail, next []byte) ([]byte, bool) {
	var a, b runtime.Envelope
	if json.Unmarshal(tail, &a) != nil || json.Unmarshal(next, &b) != nil {
		return nil, false
	}
	if a.Type != runtime.EventChatPrint || b.Type != runtime.EventChatPrint || a.ChatID != b.ChatID {
		return nil, false
	}
	aContent, _ := a.Data["content"].(string)
	bContent, _ := b.Data["content"].(string)
	a.Data["content"] = aContent + bContent
	a.SequenceNo = b.SequenceNo
	a.Timestamp = b.Timestamp
	merged, err := json.Marshal(&a)
	if err != nil {
		return nil, false
	}
	return merged, true
}

const secretMask = "***"

// redactToken shortens a bearer token to a non-reversible prefix/suffix
// before it reaches trace logging, per spec §4.10's "secret-like
// fields are redacted in trace logs".
func redactToken(token string) string {
	if len(token) <= 12 {
		return secretMask
	}
	return token[:4] + secretMask + token[len(token)-4:]
}
