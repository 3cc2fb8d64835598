package eventsinks

import (
	"context"

	"github.com/mozaiks/core/internal/usage"
	"github.com/mozaiks/core/pkg/runtime"
)

// Usage forwards chat.usage_delta envelopes to the billing tracker and
// the shared token counter Preflight consults for required_min_tokens
// checks — the same CounterStore instance must back both, or a fresh
// run's preflight check would never see tokens a prior run spent.
type Usage struct {
	Tracker  *usage.Tracker
	Counters *usage.CounterStore
	Period   string
}

// NewUsage builds a Usage sink. period defaults to "monthly".
func NewUsage(tracker *usage.Tracker, counters *usage.CounterStore, period string) *Usage {
	if period == "" {
		period = "monthly"
	}
	return &Usage{Tracker: tracker, Counters: counters, Period: period}
}

// Emit implements events.Sink.
func (u *Usage) Emit(ctx context.Context, env *runtime.Envelope) error {
	if env.Type != runtime.EventChatUsageDelta {
		return nil
	}

	var tokens int64
	if v, ok := env.Data["total_tokens"].(int64); ok {
		tokens = v
	} else if v, ok := env.Data["total_tokens"].(float64); ok {
		tokens = int64(v)
	}
	userID, _ := env.Data["user_id"].(string)

	if u.Counters != nil && tokens != 0 {
		u.Counters.Add(env.AppID, userID, u.Period, tokens)
	}
	if u.Tracker != nil {
		u.Tracker.Record(ctx, runtime.UsageEvent{
			EventType: string(env.Type),
			AppID:     env.AppID,
			UserID:    userID,
			Timestamp: env.Timestamp,
			Data:      env.Data,
		})
	}
	return nil
}
