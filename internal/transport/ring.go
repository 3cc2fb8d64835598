// Package transport implements the WebSocket chat transport (C10):
// authenticated connection lifecycle, pre-subscription buffering,
// inbound message routing, and the legacy/AG-UI dual outbound wire
// format. Grounded on the teacher's ws_control_plane.go connection
// lifecycle, generalized from its method-dispatch handshake to this
// runtime's path-parameter auth and envelope-only outbound shape.
package transport

import (
	"sync"

	"github.com/mozaiks/core/pkg/runtime"
)

// preSubBuffer is a bounded, drop-oldest ring of envelopes produced
// for a chat_id before its WebSocket attaches, per spec §4.10/§5. A
// connection that attaches later flushes the buffer once, in order,
// then discards it; events delivered directly to an attached
// connection never pass through here.
type preSubBuffer struct {
	mu       sync.Mutex
	items    []*runtime.Envelope
	capacity int
	dropped  int
}

func newPreSubBuffer(capacity int) *preSubBuffer {
	if capacity <= 0 {
		capacity = 200
	}
	return &preSubBuffer{capacity: capacity}
}

// push appends env, dropping the oldest entry on overflow. It reports
// whether an entry was dropped, so the caller can raise the audit
// marker spec §4.10 requires.
func (b *preSubBuffer) push(env *runtime.Envelope) (droppedOldest bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.capacity {
		b.items = b.items[1:]
		b.dropped++
		droppedOldest = true
	}
	b.items = append(b.items, env)
	return droppedOldest
}

// drain returns every buffered envelope in order and empties the buffer.
func (b *preSubBuffer) drain() []*runtime.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}
