package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mozaiks/core/pkg/runtime"
)

func TestPreSubBufferDropsOldestOnOverflow(t *testing.T) {
	b := newPreSubBuffer(3)

	for i := 0; i < 4; i++ {
		env := &runtime.Envelope{Type: runtime.EventChatText, SequenceNo: int64(i + 1)}
		b.push(env)
	}

	items := b.drain()
	require.Len(t, items, 3)
	require.EqualValues(t, 2, items[0].SequenceNo)
	require.EqualValues(t, 4, items[2].SequenceNo)
}

func TestPreSubBufferDrainEmptiesBuffer(t *testing.T) {
	b := newPreSubBuffer(10)
	b.push(&runtime.Envelope{Type: runtime.EventChatText})

	require.Len(t, b.drain(), 1)
	require.Empty(t, b.drain())
}

func TestPreSubBufferDefaultsCapacityWhenNonPositive(t *testing.T) {
	b := newPreSubBuffer(0)
	require.Equal(t, 200, b.capacity)
}
