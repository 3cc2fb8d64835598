package events

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/mozaiks/core/pkg/runtime"
)

// TextStreamFramer derives AG-UI TextMessageStart/Content/End framing
// from a stream of legacy chat.print/chat.text envelopes, per the
// text-stream framing rule in spec §4.8: the first chat.print for a
// chat opens a TextMessageStart with a generated messageId; each
// subsequent chat.print emits TextMessageContent with that id; the
// next chat.text closes the stream with TextMessageEnd. A chat.text
// with no open stream synthesizes Start+Content+End as one triple.
//
// Producers that already track their own open/close state (the
// orchestrator's drainStream does) can emit the agui.text.* envelopes
// directly and never need this type; it exists for producers that only
// speak the legacy namespace and want dual-emission handled for them.
type TextStreamFramer struct {
	mu   sync.Mutex
	open map[string]string // chat_id -> messageId of the currently open stream
}

// NewTextStreamFramer constructs an empty framer.
func NewTextStreamFramer() *TextStreamFramer {
	return &TextStreamFramer{open: map[string]string{}}
}

// Observe inspects env and, if it is a chat.print or chat.text event,
// emits the implied agui.text.* envelope(s) through emit. Non-text
// events are ignored.
func (f *TextStreamFramer) Observe(ctx context.Context, env *runtime.Envelope, emit func(context.Context, *runtime.Envelope) error) error {
	switch env.Type {
	case runtime.EventChatPrint:
		return f.observePrint(ctx, env, emit)
	case runtime.EventChatText:
		return f.observeText(ctx, env, emit)
	default:
		return nil
	}
}

func (f *TextStreamFramer) observePrint(ctx context.Context, env *runtime.Envelope, emit func(context.Context, *runtime.Envelope) error) error {
	messageID, opened := f.openFor(env.ChatID)
	if opened {
		if err := emit(ctx, f.derive(env, runtime.AGUITextMessageStart, map[string]any{"message_id": messageID})); err != nil {
			return err
		}
	}
	return emit(ctx, f.derive(env, runtime.AGUITextMessageDelta, map[string]any{"message_id": messageID, "delta": env.Data["content"]}))
}

func (f *TextStreamFramer) observeText(ctx context.Context, env *runtime.Envelope, emit func(context.Context, *runtime.Envelope) error) error {
	messageID, hadOpen := f.closeFor(env.ChatID)

	if !hadOpen {
		if err := emit(ctx, f.derive(env, runtime.AGUITextMessageStart, map[string]any{"message_id": messageID})); err != nil {
			return err
		}
		if err := emit(ctx, f.derive(env, runtime.AGUITextMessageDelta, map[string]any{"message_id": messageID, "delta": env.Data["content"]})); err != nil {
			return err
		}
	}
	return emit(ctx, f.derive(env, runtime.AGUITextMessageEnd, map[string]any{"message_id": messageID}))
}

// openFor returns the messageId for chatID's stream, generating and
// recording a new one (reporting opened=true) if none is open yet.
func (f *TextStreamFramer) openFor(chatID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.open[chatID]; ok {
		return id, false
	}
	id := uuid.NewString()
	f.open[chatID] = id
	return id, true
}

// closeFor clears chatID's open stream, returning its messageId (or a
// freshly generated one if no stream was open) and whether one was.
func (f *TextStreamFramer) closeFor(chatID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.open[chatID]
	if !ok {
		return uuid.NewString(), false
	}
	delete(f.open, chatID)
	return id, true
}

func (f *TextStreamFramer) derive(src *runtime.Envelope, eventType runtime.EventType, data map[string]any) *runtime.Envelope {
	return &runtime.Envelope{
		Type:   eventType,
		Data:   data,
		ChatID: src.ChatID,
		AppID:  src.AppID,
	}
}
