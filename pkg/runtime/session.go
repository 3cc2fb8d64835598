package runtime

import "time"

// RunStatus is the lifecycle status of a chat session, per spec §3.
type RunStatus string

const (
	StatusInProgress RunStatus = "in_progress"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusCancelled  RunStatus = "cancelled"
)

// Session is one workflow run instance (a "chat").
type Session struct {
	ChatID        string    `json:"chat_id"`
	AppID         string    `json:"app_id"`
	UserID        string    `json:"user_id"`
	WorkflowName  string    `json:"workflow_name"`
	Status        RunStatus `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CacheSeed     string    `json:"cache_seed"`
	LastSequence  int64     `json:"last_sequence_no"`
	ResumedFrom   string    `json:"resumed_from,omitempty"`
	ClientRequestID string  `json:"client_request_id,omitempty"`
	TotalTokens   int64     `json:"total_tokens,omitempty"`
}

// CanTransitionTo enforces the monotonic-progression invariant from
// spec §3: status only moves forward except that Cancelled is terminal
// and reachable from any non-terminal state.
func (s *Session) CanTransitionTo(next RunStatus) bool {
	if s.Status == StatusCompleted || s.Status == StatusFailed || s.Status == StatusCancelled {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	order := map[RunStatus]int{StatusInProgress: 0, StatusCompleted: 1, StatusFailed: 1}
	return order[next] >= order[s.Status]
}

// MessageRole enumerates who authored a chat message.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleTool   MessageRole = "tool"
	RoleSystem MessageRole = "system"
)

// Message is one entry in a chat's dense, gapless sequence.
type Message struct {
	ChatID           string         `json:"chat_id"`
	AppID            string         `json:"app_id"`
	SequenceNo       int64          `json:"sequence_no"`
	Agent            string         `json:"agent,omitempty"`
	Role             MessageRole    `json:"role"`
	Content          string         `json:"content"`
	StructuredOutput map[string]any `json:"structured_output,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Artifact is a structured, client-rendered payload produced by a run,
// TTL-bounded and scoped to one app_id.
type Artifact struct {
	ArtifactID   string         `json:"artifact_id"`
	ChatID       string         `json:"chat_id"`
	AppID        string         `json:"app_id"`
	WorkflowName string         `json:"workflow_name"`
	State        map[string]any `json:"state"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
}

// Expired reports whether the artifact's TTL has elapsed as of now.
func (a *Artifact) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}
