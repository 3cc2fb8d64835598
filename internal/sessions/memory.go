package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mozaiks/core/pkg/runtime"
)

// MemoryStore is an in-memory Store, used in tests and single-process
// deployments that don't need durability across restarts.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*runtime.Session // chat_id -> session
	messages  map[string][]runtime.Message
	artifacts map[string]map[string]*runtime.Artifact // chat_id -> artifact_id -> artifact
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  map[string]*runtime.Session{},
		messages:  map[string][]runtime.Message{},
		artifacts: map[string]map[string]*runtime.Artifact{},
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *runtime.Session) error {
	if session == nil {
		return nil
	}
	clone := *session
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[clone.ChatID] = &clone
	return nil
}

func (m *MemoryStore) UpdateSessionStatus(ctx context.Context, appID, chatID string, status runtime.RunStatus, totalTokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[chatID]
	if !ok || session.AppID != appID {
		return ErrNotFound
	}
	session.Status = status
	session.TotalTokens = totalTokens
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, appID, chatID string) (*runtime.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	if session.AppID != appID {
		return nil, ErrForbidden
	}
	clone := *session
	return &clone, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg runtime.Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.messages[msg.ChatID]
	msg.SequenceNo = int64(len(log)) + 1
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.messages[msg.ChatID] = append(log, msg)
	if session, ok := m.sessions[msg.ChatID]; ok {
		session.LastSequence = msg.SequenceNo
		session.UpdatedAt = msg.CreatedAt
	}
	return msg.SequenceNo, nil
}

func (m *MemoryStore) UpsertArtifact(ctx context.Context, artifact runtime.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.artifacts[artifact.ChatID]
	if !ok {
		byID = map[string]*runtime.Artifact{}
		m.artifacts[artifact.ChatID] = byID
	}
	clone := artifact
	byID[artifact.ArtifactID] = &clone
	return nil
}

func (m *MemoryStore) GetArtifact(ctx context.Context, appID, chatID, artifactID string) (*runtime.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID, ok := m.artifacts[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	artifact, ok := byID[artifactID]
	if !ok {
		return nil, ErrNotFound
	}
	if artifact.AppID != appID {
		return nil, ErrForbidden
	}
	if artifact.Expired(time.Now().UTC()) {
		return nil, ErrNotFound
	}
	clone := *artifact
	return &clone, nil
}

func (m *MemoryStore) Resume(ctx context.Context, appID, chatID string) (*Resume, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	if session.AppID != appID {
		return nil, ErrForbidden
	}
	sessionClone := *session

	messages := append([]runtime.Message(nil), m.messages[chatID]...)

	var artifacts []runtime.Artifact
	now := time.Now().UTC()
	for _, a := range m.artifacts[chatID] {
		if a.Expired(now) {
			continue
		}
		artifacts = append(artifacts, *a)
	}

	return &Resume{Session: &sessionClone, Messages: messages, Artifacts: artifacts}, nil
}

func (m *MemoryStore) PruneExpiredArtifacts(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for chatID, byID := range m.artifacts {
		for id, a := range byID {
			if a.Expired(now) {
				delete(byID, id)
				removed++
			}
		}
		if len(byID) == 0 {
			delete(m.artifacts, chatID)
		}
	}
	return removed, nil
}

// ListSessions returns every session for (appID, userID), newest
// first.
func (m *MemoryStore) ListSessions(ctx context.Context, appID, userID string) ([]runtime.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []runtime.Session
	for _, s := range m.sessions {
		if s.AppID == appID && s.UserID == userID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Completed implements orchestrator.PrerequisiteChecker: whether the
// given user has any completed run of workflowName under appID.
func (m *MemoryStore) Completed(ctx context.Context, appID, userID, workflowName string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.AppID == appID && s.UserID == userID && s.WorkflowName == workflowName && s.Status == runtime.StatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Close() error { return nil }
