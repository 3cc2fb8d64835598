package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mozaiks/core/pkg/runtime"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*runtime.Envelope
	err    error
}

func (s *recordingSink) Emit(ctx context.Context, env *runtime.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, env)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcherAssignsMonotonicPerChatSequence(t *testing.T) {
	d := NewDispatcher()

	var last int64
	for i := 0; i < 5; i++ {
		env := &runtime.Envelope{Type: runtime.EventChatText, ChatID: "c1"}
		require.NoError(t, d.Emit(context.Background(), env))
		require.Greater(t, env.SequenceNo, last)
		last = env.SequenceNo
	}

	other := &runtime.Envelope{Type: runtime.EventChatText, ChatID: "c2"}
	require.NoError(t, d.Emit(context.Background(), other))
	require.Equal(t, int64(1), other.SequenceNo)
}

func TestDispatcherFansOutInOrderAndSkipsNonDurableFromPersistence(t *testing.T) {
	persistence := &recordingSink{}
	usage := &recordingSink{}
	transport := &recordingSink{}
	handler := &recordingSink{}

	d := NewDispatcher(WithPersistence(persistence), WithUsage(usage), WithTransport(transport), WithHandler(handler))

	require.NoError(t, d.Emit(context.Background(), &runtime.Envelope{Type: runtime.EventChatPrint, ChatID: "c1"}))
	require.Equal(t, 0, persistence.count(), "chat.print is transport-only, never persisted")
	require.Equal(t, 1, transport.count())
	require.Equal(t, 1, handler.count())

	require.NoError(t, d.Emit(context.Background(), &runtime.Envelope{Type: runtime.EventChatText, ChatID: "c1"}))
	require.Equal(t, 1, persistence.count())
	require.Equal(t, 2, transport.count())

	require.NoError(t, d.Emit(context.Background(), &runtime.Envelope{Type: runtime.EventChatUsageDelta, ChatID: "c1"}))
	require.Equal(t, 1, usage.count())
}

func TestDispatcherJoinsSubscriberErrorsButStillFansOutToLaterSubscribers(t *testing.T) {
	persistence := &recordingSink{err: errors.New("db unavailable")}
	transport := &recordingSink{}

	d := NewDispatcher(WithPersistence(persistence), WithTransport(transport))

	err := d.Emit(context.Background(), &runtime.Envelope{Type: runtime.EventChatText, ChatID: "c1"})
	require.Error(t, err)
	require.Equal(t, 1, transport.count(), "a persistence failure must not suppress live transport delivery")
}

func TestDispatcherSeedResumesSequenceAfterReconnect(t *testing.T) {
	d := NewDispatcher()
	d.Seed("c1", 25)

	env := &runtime.Envelope{Type: runtime.EventChatText, ChatID: "c1"}
	require.NoError(t, d.Emit(context.Background(), env))
	require.Equal(t, int64(26), env.SequenceNo)
}

func TestDispatcherResetClearsSequenceCounter(t *testing.T) {
	d := NewDispatcher()
	env := &runtime.Envelope{Type: runtime.EventChatText, ChatID: "c1"}
	require.NoError(t, d.Emit(context.Background(), env))
	require.Equal(t, int64(1), env.SequenceNo)

	d.Reset("c1")
	env2 := &runtime.Envelope{Type: runtime.EventChatText, ChatID: "c1"}
	require.NoError(t, d.Emit(context.Background(), env2))
	require.Equal(t, int64(1), env2.SequenceNo)
}
