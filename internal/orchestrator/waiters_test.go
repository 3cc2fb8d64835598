package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaiterRegistryResolveDeliversPayload(t *testing.T) {
	w := newWaiterRegistry()
	rc := newRunContext("a_1", "u_1", "wf", "chat_1", "", "seed", nil)

	done := make(chan struct{})
	var got []byte
	go func() {
		payload, err := w.Await(context.Background(), rc, "corr_1")
		require.NoError(t, err)
		got = payload
		close(done)
	}()

	require.Eventually(t, func() bool {
		return w.Resolve("corr_1", []byte(`{"ok":true}`))
	}, time.Second, 5*time.Millisecond)

	<-done
	require.JSONEq(t, `{"ok":true}`, string(got))
}

func TestWaiterRegistryResolveUnknownCorrelationReturnsFalse(t *testing.T) {
	w := newWaiterRegistry()
	require.False(t, w.Resolve("missing", []byte(`{}`)))
}

func TestWaiterRegistryAwaitRespectsContextCancellation(t *testing.T) {
	w := newWaiterRegistry()
	rc := newRunContext("a_1", "u_1", "wf", "chat_1", "", "seed", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := w.Await(ctx, rc, "corr_timeout")
	require.Error(t, err)
}

func TestWaiterRegistryAwaitObservesRunCancellation(t *testing.T) {
	w := newWaiterRegistry()
	rc := newRunContext("a_1", "u_1", "wf", "chat_1", "", "seed", nil)
	rc.Cancel()

	start := time.Now()
	_, err := w.Await(context.Background(), rc, "corr_cancel")
	require.ErrorIs(t, err, ErrRunCancelled)
	require.Less(t, time.Since(start), time.Second)
}
