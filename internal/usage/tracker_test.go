package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mozaiks/core/pkg/runtime"
)

type fakeSender struct {
	mu    sync.Mutex
	calls [][]runtime.UsageEvent
	err   error
}

func (f *fakeSender) Send(ctx context.Context, events []runtime.UsageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, events)
	return f.err
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestTrackerFlushesOnCount(t *testing.T) {
	sender := &fakeSender{}
	cfg := TrackerConfig{BufferSize: 10, FlushCount: 3, FlushInterval: time.Hour}
	tr := NewTracker(cfg, sender, nil)
	ctx := context.Background()
	tr.Start(ctx)
	defer tr.Close(ctx)

	for i := 0; i < 3; i++ {
		tr.Record(ctx, runtime.UsageEvent{AppID: "a_1", UserID: "u_1", EventType: "tokens"})
	}

	require.Eventually(t, func() bool { return sender.callCount() >= 1 }, time.Second, 10*time.Millisecond)
}

func TestTrackerDropsOldestOnOverflow(t *testing.T) {
	sender := &fakeSender{}
	cfg := TrackerConfig{BufferSize: 2, FlushCount: 1000, FlushInterval: time.Hour}
	tr := NewTracker(cfg, sender, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tr.Record(ctx, runtime.UsageEvent{EventID: string(rune('a' + i)), AppID: "a_1", UserID: "u_1"})
	}

	require.LessOrEqual(t, len(tr.buffer), 2)
	require.Equal(t, "d", tr.buffer[0].EventID)
	require.Equal(t, "e", tr.buffer[1].EventID)
}

func TestCounterStoreLazyResetsOnNewPeriod(t *testing.T) {
	store := NewCounterStore()
	store.Add("a_1", "u_1", "2026-06", 100)
	require.Equal(t, int64(100), store.Get("a_1", "u_1", "2026-06"))

	store.Add("a_1", "u_1", "2026-07", 50)
	require.Equal(t, int64(50), store.Get("a_1", "u_1", "2026-07"))
	require.Equal(t, int64(0), store.Get("a_1", "u_1", "2026-06"))
}
