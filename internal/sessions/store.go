// Package sessions implements durable chat/message/artifact storage
// and replay (C9): the Store interface with an in-memory backend for
// tests and a Postgres/Cockroach-flavored SQL backend for production,
// plus a background job that prunes artifacts past their TTL.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/mozaiks/core/pkg/runtime"
)

// ErrNotFound is returned when a session, message log, or artifact
// lookup misses.
var ErrNotFound = errors.New("sessions: not found")

// ErrForbidden is returned when a read is scoped to an app_id that
// does not match the record's own app_id.
var ErrForbidden = errors.New("sessions: app_id mismatch")

// Resume is the ordered message log plus the latest artifact snapshot
// per artifact_id, returned by Store.Resume for reconnect/replay.
type Resume struct {
	Session   *runtime.Session
	Messages  []runtime.Message
	Artifacts []runtime.Artifact
}

// Store is the persistence contract for C9: chat sessions, their
// dense per-chat message log, and TTL-bounded artifact snapshots.
// Every write is tagged with app_id; every read is filtered by the
// app_id the caller supplies, per spec §4.9's isolation rule.
type Store interface {
	// CreateSession upserts a new chat_sessions record.
	CreateSession(ctx context.Context, session *runtime.Session) error

	// UpdateSessionStatus updates a session's terminal status and
	// final token usage on a run's terminal event.
	UpdateSessionStatus(ctx context.Context, appID, chatID string, status runtime.RunStatus, totalTokens int64) error

	// GetSession fetches one session, scoped to appID.
	GetSession(ctx context.Context, appID, chatID string) (*runtime.Session, error)

	// AppendMessage inserts one message at the next dense sequence_no
	// for its chat_id, returning the assigned sequence number.
	AppendMessage(ctx context.Context, msg runtime.Message) (int64, error)

	// UpsertArtifact writes the latest snapshot for one artifact_id,
	// optionally carrying an expires_at.
	UpsertArtifact(ctx context.Context, artifact runtime.Artifact) error

	// GetArtifact reads one artifact, scoped to appID; returns
	// ErrNotFound on miss or expiry, ErrForbidden on app_id mismatch.
	GetArtifact(ctx context.Context, appID, chatID, artifactID string) (*runtime.Artifact, error)

	// Resume returns the ordered message log plus the latest artifact
	// snapshot per artifact_id for chatID, scoped to appID.
	Resume(ctx context.Context, appID, chatID string) (*Resume, error)

	// ListSessions returns every session for (appID, userID), newest
	// first, for the sessions-list HTTP endpoint.
	ListSessions(ctx context.Context, appID, userID string) ([]runtime.Session, error)

	// PruneExpiredArtifacts deletes every artifact whose expires_at has
	// elapsed as of now, returning the number removed.
	PruneExpiredArtifacts(ctx context.Context, now time.Time) (int, error)

	// Completed implements orchestrator.PrerequisiteChecker: whether
	// userID has any completed run of workflowName under appID.
	Completed(ctx context.Context, appID, userID, workflowName string) (bool, error)

	// Close releases any held resources (DB connections, watchers).
	Close() error
}
