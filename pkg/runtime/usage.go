package runtime

import "time"

// UsageEvent records one unit of consumption (tokens, requests, plugin
// limits) for the accounting pipeline (C3).
type UsageEvent struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	AppID     string         `json:"app_id"`
	UserID    string         `json:"user_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}
