package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mozaiks/core/internal/audit"
	"github.com/mozaiks/core/pkg/runtime"
)

// Hub is the process-wide connection registry. It is the transport
// sink the event dispatcher (C8) fans out to: one Connection is
// registered per attached (app_id, chat_id) slot, and every other
// chat_id gets a bounded pre-subscription buffer instead. Safe for
// concurrent use; add/remove of a chat's slot is guarded, matching
// spec §5's "single-writer per (app_id, chat_id) slot" rule.
type Hub struct {
	bufferSize int
	audit      *audit.Logger
	logger     *slog.Logger

	mu      sync.RWMutex
	conns   map[string]*Connection
	buffers map[string]*preSubBuffer
}

// NewHub constructs a Hub. bufferSize is the pre-subscription ring
// capacity per chat_id (spec default 200).
func NewHub(bufferSize int, auditLogger *audit.Logger, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bufferSize: bufferSize,
		audit:      auditLogger,
		logger:     logger,
		conns:      map[string]*Connection{},
		buffers:    map[string]*preSubBuffer{},
	}
}

// Register attaches conn as the live connection for its chat_id,
// returning the buffered envelopes accumulated while no connection
// was attached (flushed once, in order, per spec §4.10). Any
// previously-registered connection for the same chat_id is replaced;
// the caller is responsible for closing the old one if still live.
func (h *Hub) Register(conn *Connection) []*runtime.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.chatID] = conn
	buf, ok := h.buffers[conn.chatID]
	if !ok {
		return nil
	}
	delete(h.buffers, conn.chatID)
	return buf.drain()
}

// Unregister detaches conn if it is still the registered connection
// for its chat_id. A connection replaced by a newer Register call for
// the same chat_id must not unregister the newer one.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[conn.chatID]; ok && cur == conn {
		delete(h.conns, conn.chatID)
	}
}

// Emit implements events.Sink. It delivers env directly to an
// attached connection, or buffers it for later delivery when the
// chat's WebSocket has not attached yet.
func (h *Hub) Emit(ctx context.Context, env *runtime.Envelope) error {
	h.mu.RLock()
	conn, attached := h.conns[env.ChatID]
	h.mu.RUnlock()

	if attached {
		conn.deliver(env)
		return nil
	}
	if env.ChatID == "" {
		return nil
	}

	h.mu.Lock()
	buf, ok := h.buffers[env.ChatID]
	if !ok {
		buf = newPreSubBuffer(h.bufferSize)
		h.buffers[env.ChatID] = buf
	}
	h.mu.Unlock()

	if dropped := buf.push(env); dropped && h.audit != nil {
		h.audit.Log(ctx, audit.Event{
			Type:   audit.EventBufferOverflow,
			AppID:  env.AppID,
			Detail: "pre-subscription buffer overflow, oldest event dropped",
			Fields: map[string]any{"chat_id": env.ChatID},
		})
	}
	return nil
}
