// Package usage implements the consumption-accounting pipeline (C3): a
// bounded, non-blocking ring buffer of usage events, a background
// flusher that batches them to the external billing collaborator, and
// lazily-reset per-period token counters.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mozaiks/core/internal/audit"
	"github.com/mozaiks/core/pkg/runtime"
)

// TrackerConfig configures the ring buffer and flush cadence.
type TrackerConfig struct {
	BufferSize    int
	FlushCount    int
	FlushInterval time.Duration
}

// DefaultTrackerConfig matches spec §4.3's defaults: 1000-event ring
// buffer, flushed at the lesser of 100 events or 60 seconds.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		BufferSize:    1000,
		FlushCount:    100,
		FlushInterval: 60 * time.Second,
	}
}

// Sender delivers a batch of usage events to the external billing
// collaborator. Implementations must be safe to retry.
type Sender interface {
	Send(ctx context.Context, events []runtime.UsageEvent) error
}

// Tracker records usage events in a bounded ring buffer and drains
// them on a background goroutine. Record never blocks the caller.
type Tracker struct {
	cfg    TrackerConfig
	sender Sender
	audit  *audit.Logger

	mu     sync.Mutex
	buffer []runtime.UsageEvent

	counters *CounterStore

	flushNow chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewTracker constructs a usage tracker. Call Start to begin the
// background flusher; Close stops it and flushes remaining events.
func NewTracker(cfg TrackerConfig, sender Sender, auditLogger *audit.Logger) *Tracker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushCount <= 0 {
		cfg.FlushCount = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 60 * time.Second
	}
	return &Tracker{
		cfg:      cfg,
		sender:   sender,
		audit:    auditLogger,
		buffer:   make([]runtime.UsageEvent, 0, cfg.BufferSize),
		counters: NewCounterStore(),
		flushNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Record appends a usage event to the ring buffer, dropping the oldest
// buffered event on overflow, and updates the in-memory per-period
// counter. It never blocks.
func (t *Tracker) Record(ctx context.Context, ev runtime.UsageEvent) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	dropped := false
	if len(t.buffer) >= t.cfg.BufferSize {
		t.buffer = t.buffer[1:]
		dropped = true
	}
	t.buffer = append(t.buffer, ev)
	full := len(t.buffer) >= t.cfg.FlushCount
	t.mu.Unlock()

	if dropped && t.audit != nil {
		t.audit.Log(ctx, audit.Event{Type: audit.EventUsageDropped, AppID: ev.AppID, UserID: ev.UserID, Detail: "ring buffer overflow"})
	}

	if tokens, ok := ev.Data["tokens"].(int64); ok {
		t.counters.Add(ev.AppID, ev.UserID, currentPeriod(ev.Timestamp), tokens)
	}

	if full {
		select {
		case t.flushNow <- struct{}{}:
		default:
		}
	}
}

// Counters exposes the lazily-reset per-period counter store.
func (t *Tracker) Counters() *CounterStore {
	return t.counters
}

// Start launches the background flush loop.
func (t *Tracker) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.run(ctx)
}

// Close stops the background loop and performs a final flush.
func (t *Tracker) Close(ctx context.Context) error {
	close(t.done)
	t.wg.Wait()
	return t.flush(ctx)
}

func (t *Tracker) run(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = t.flush(ctx)
		case <-t.flushNow:
			_ = t.flush(ctx)
		case <-t.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) flush(ctx context.Context) error {
	t.mu.Lock()
	if len(t.buffer) == 0 {
		t.mu.Unlock()
		return nil
	}
	batch := make([]runtime.UsageEvent, len(t.buffer))
	copy(batch, t.buffer)
	t.buffer = t.buffer[:0]
	t.mu.Unlock()

	if t.sender == nil {
		return nil
	}
	if err := retrySend(ctx, t.sender, batch); err != nil {
		// Failed after retries: events are lost rather than re-queued
		// indefinitely, matching spec §4.3's "never block workflow
		// execution" constraint over guaranteed delivery.
		if t.audit != nil {
			t.audit.Log(ctx, audit.Event{Type: audit.EventUsageDropped, Detail: "flush failed after retries: " + err.Error()})
		}
		return err
	}
	return nil
}

func currentPeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}
