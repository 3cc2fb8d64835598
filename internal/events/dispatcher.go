// Package events implements the event pipeline (C8): the single
// dispatcher every orchestrator or tool-path event passes through on
// its way to persistence, usage accounting, transport, and any
// registered custom handlers. It assigns the per-chat sequence number
// that gives every subscriber a totally ordered view of one chat_id's
// events, per spec §4.8.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mozaiks/core/pkg/runtime"
)

// Sink receives a stamped, sequenced Envelope. Implementations must be
// safe for concurrent use across chat_ids; they should not block the
// dispatcher on work specific to a single chat.
type Sink interface {
	Emit(ctx context.Context, env *runtime.Envelope) error
}

// Dispatcher normalizes, sequences, and fans out events in the fixed
// order spec §4.8 requires: persistence, usage accounting, transport,
// then custom handlers. Any producer satisfying orchestrator.EventSink
// (or an equivalent Emit(ctx, *runtime.Envelope) error shape) can treat
// a *Dispatcher as its sink by structural typing.
type Dispatcher struct {
	persistence Sink
	usage       Sink
	transport   Sink
	handlers    []Sink

	mu   sync.Mutex
	seqs map[string]int64
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithPersistence registers the C9 session store as the durability sink.
func WithPersistence(s Sink) Option { return func(d *Dispatcher) { d.persistence = s } }

// WithUsage registers the C3 usage accounting sink for usage_delta/usage_summary events.
func WithUsage(s Sink) Option { return func(d *Dispatcher) { d.usage = s } }

// WithTransport registers the C10 WebSocket fan-out sink.
func WithTransport(s Sink) Option { return func(d *Dispatcher) { d.transport = s } }

// WithHandler appends a custom handler (e.g. an auto-tool trigger on
// structured_output_ready). Handlers run last and in registration order.
func WithHandler(s Sink) Option {
	return func(d *Dispatcher) { d.handlers = append(d.handlers, s) }
}

// NewDispatcher constructs a Dispatcher. Any subscriber left unset is
// simply skipped during fan-out.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{seqs: map[string]int64{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Emit stamps env with a monotonic per-chat sequence_no and a UTC
// timestamp, then fans it out to every configured subscriber. A
// subscriber error never prevents later subscribers in the fan-out
// order from seeing the event — the dispatcher must not let a
// persistence hiccup stall live transport delivery — but all errors
// are joined and returned for the caller to log.
func (d *Dispatcher) Emit(ctx context.Context, env *runtime.Envelope) error {
	if env.ChatID != "" {
		env.SequenceNo = d.nextSeq(env.ChatID)
	}
	env.Timestamp = time.Now().UTC()

	var errs []error

	if env.IsDurable() && d.persistence != nil {
		if err := d.persistence.Emit(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	if isUsageEvent(env.Type) && d.usage != nil {
		if err := d.usage.Emit(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	if d.transport != nil {
		if err := d.transport.Emit(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	for _, h := range d.handlers {
		if err := h.Emit(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (d *Dispatcher) nextSeq(chatID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seqs[chatID]++
	return d.seqs[chatID]
}

// Reset drops the sequence counter for chatID. Callers resuming a
// session from persistence should seed the counter via Seed instead of
// letting it restart at 1, or new events will reuse sequence_no values
// already persisted for that chat.
func (d *Dispatcher) Reset(chatID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seqs, chatID)
}

// Seed sets chatID's next sequence number to last+1, for resuming a
// chat whose prior events were already persisted up to last.
func (d *Dispatcher) Seed(chatID string, last int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seqs[chatID] = last
}

func isUsageEvent(t runtime.EventType) bool {
	switch t {
	case runtime.EventChatUsageDelta, runtime.EventChatUsageSummary:
		return true
	default:
		return false
	}
}
