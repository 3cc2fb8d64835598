package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mozaiks/core/pkg/runtime"
)

var (
	// ErrLockTimeout is returned when acquiring a chat lock times out.
	ErrLockTimeout = errors.New("sessions: lock acquisition timeout")
)

// DefaultLockTimeout is used when SessionLocker is constructed with a
// non-positive timeout.
const DefaultLockTimeout = 5 * time.Second

const lockPollInterval = 10 * time.Millisecond

type chatMutex struct {
	mu     sync.Mutex
	locked bool
}

// SessionLocker serializes concurrent writers to the same chat_id, so
// two orchestrator goroutines racing to append a message or upsert an
// artifact for one chat can't interleave and corrupt sequence_no
// assignment. Safe for concurrent use.
type SessionLocker struct {
	locks   sync.Map // map[string]*chatMutex
	timeout time.Duration
}

// NewSessionLocker creates a SessionLocker with the given default
// acquire timeout; a non-positive timeout falls back to DefaultLockTimeout.
func NewSessionLocker(timeout time.Duration) *SessionLocker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &SessionLocker{timeout: timeout}
}

func (s *SessionLocker) getOrCreateMutex(chatID string) *chatMutex {
	if m, ok := s.locks.Load(chatID); ok {
		return m.(*chatMutex)
	}
	actual, _ := s.locks.LoadOrStore(chatID, &chatMutex{})
	return actual.(*chatMutex)
}

// Lock blocks until the chat's lock is free or the default timeout elapses.
func (s *SessionLocker) Lock(chatID string) error {
	return s.LockWithContext(context.Background(), chatID)
}

// LockWithContext acquires the chat's lock, respecting ctx cancellation
// in addition to the locker's own timeout.
func (s *SessionLocker) LockWithContext(ctx context.Context, chatID string) error {
	m := s.getOrCreateMutex(chatID)
	deadline := time.Now().Add(s.timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m.mu.Lock()
		if !m.locked {
			m.locked = true
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Unlock releases chatID's lock. Safe to call even if not held.
func (s *SessionLocker) Unlock(chatID string) {
	if m, ok := s.locks.Load(chatID); ok {
		mu := m.(*chatMutex)
		mu.mu.Lock()
		mu.locked = false
		mu.mu.Unlock()
	}
}

// TryLock attempts to acquire chatID's lock without blocking.
func (s *SessionLocker) TryLock(chatID string) bool {
	m := s.getOrCreateMutex(chatID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

// LockingStore wraps a Store, serializing AppendMessage and
// UpsertArtifact per chat_id through a SessionLocker so two
// orchestrator goroutines racing to write the same chat (a turn's own
// writer and a concurrent reconnect/replay path, for instance) can't
// interleave sequence_no assignment or clobber one artifact write with
// another.
type LockingStore struct {
	Store
	locks *SessionLocker
}

// NewLockingStore wraps store so its writes serialize per chat_id
// through locks. A nil locks uses NewSessionLocker(DefaultLockTimeout).
func NewLockingStore(store Store, locks *SessionLocker) *LockingStore {
	if locks == nil {
		locks = NewSessionLocker(DefaultLockTimeout)
	}
	return &LockingStore{Store: store, locks: locks}
}

// AppendMessage appends a message while holding chat_id's lock.
func (s *LockingStore) AppendMessage(ctx context.Context, msg runtime.Message) (int64, error) {
	if err := s.locks.LockWithContext(ctx, msg.ChatID); err != nil {
		return 0, err
	}
	defer s.locks.Unlock(msg.ChatID)
	return s.Store.AppendMessage(ctx, msg)
}

// UpsertArtifact writes an artifact snapshot while holding chat_id's lock.
func (s *LockingStore) UpsertArtifact(ctx context.Context, artifact runtime.Artifact) error {
	if err := s.locks.LockWithContext(ctx, artifact.ChatID); err != nil {
		return err
	}
	defer s.locks.Unlock(artifact.ChatID)
	return s.Store.UpsertArtifact(ctx, artifact)
}
