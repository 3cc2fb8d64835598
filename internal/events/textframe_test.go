package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mozaiks/core/pkg/runtime"
)

func collect(emitted *[]*runtime.Envelope) func(context.Context, *runtime.Envelope) error {
	return func(ctx context.Context, env *runtime.Envelope) error {
		*emitted = append(*emitted, env)
		return nil
	}
}

func TestTextStreamFramerOpensOnFirstPrintAndClosesOnText(t *testing.T) {
	f := NewTextStreamFramer()
	var emitted []*runtime.Envelope
	emit := collect(&emitted)
	ctx := context.Background()

	require.NoError(t, f.Observe(ctx, &runtime.Envelope{Type: runtime.EventChatPrint, ChatID: "c1", Data: map[string]any{"content": "Hel"}}, emit))
	require.NoError(t, f.Observe(ctx, &runtime.Envelope{Type: runtime.EventChatPrint, ChatID: "c1", Data: map[string]any{"content": "lo"}}, emit))
	require.NoError(t, f.Observe(ctx, &runtime.Envelope{Type: runtime.EventChatText, ChatID: "c1", Data: map[string]any{"content": "Hello"}}, emit))

	var types []runtime.EventType
	for _, e := range emitted {
		types = append(types, e.Type)
	}
	require.Equal(t, []runtime.EventType{
		runtime.AGUITextMessageStart,
		runtime.AGUITextMessageDelta,
		runtime.AGUITextMessageDelta,
		runtime.AGUITextMessageEnd,
	}, types)

	require.Equal(t, emitted[0].Data["message_id"], emitted[1].Data["message_id"])
	require.Equal(t, emitted[0].Data["message_id"], emitted[3].Data["message_id"])
}

func TestTextStreamFramerSynthesizesTripleForBareText(t *testing.T) {
	f := NewTextStreamFramer()
	var emitted []*runtime.Envelope
	emit := collect(&emitted)

	require.NoError(t, f.Observe(context.Background(), &runtime.Envelope{Type: runtime.EventChatText, ChatID: "c1", Data: map[string]any{"content": "hi"}}, emit))

	require.Len(t, emitted, 3)
	require.Equal(t, runtime.AGUITextMessageStart, emitted[0].Type)
	require.Equal(t, runtime.AGUITextMessageDelta, emitted[1].Type)
	require.Equal(t, runtime.AGUITextMessageEnd, emitted[2].Type)
	require.Equal(t, emitted[0].Data["message_id"], emitted[2].Data["message_id"])
}

func TestTextStreamFramerTracksIndependentChats(t *testing.T) {
	f := NewTextStreamFramer()
	var emitted []*runtime.Envelope
	emit := collect(&emitted)
	ctx := context.Background()

	require.NoError(t, f.Observe(ctx, &runtime.Envelope{Type: runtime.EventChatPrint, ChatID: "c1", Data: map[string]any{"content": "a"}}, emit))
	require.NoError(t, f.Observe(ctx, &runtime.Envelope{Type: runtime.EventChatPrint, ChatID: "c2", Data: map[string]any{"content": "b"}}, emit))

	require.Equal(t, runtime.AGUITextMessageStart, emitted[0].Type)
	require.Equal(t, runtime.AGUITextMessageStart, emitted[1].Type)
	require.NotEqual(t, emitted[0].Data["message_id"], emitted[1].Data["message_id"])
}
