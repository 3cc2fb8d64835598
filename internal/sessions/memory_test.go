package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mozaiks/core/pkg/runtime"
)

func TestMemoryStoreSessionLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	session := &runtime.Session{
		ChatID:       "chat-1",
		AppID:        "app-1",
		UserID:       "user-1",
		WorkflowName: "onboarding",
		Status:       runtime.StatusInProgress,
		CacheSeed:    "seed",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	loaded, err := store.GetSession(ctx, "app-1", "chat-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if loaded.WorkflowName != "onboarding" {
		t.Fatalf("expected workflow_name onboarding, got %q", loaded.WorkflowName)
	}

	if _, err := store.GetSession(ctx, "other-app", "chat-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for app_id mismatch, got %v", err)
	}
	if _, err := store.GetSession(ctx, "app-1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.UpdateSessionStatus(ctx, "app-1", "chat-1", runtime.StatusCompleted, 42); err != nil {
		t.Fatalf("UpdateSessionStatus() error = %v", err)
	}
	loaded, _ = store.GetSession(ctx, "app-1", "chat-1")
	if loaded.Status != runtime.StatusCompleted || loaded.TotalTokens != 42 {
		t.Fatalf("expected status completed and tokens 42, got %+v", loaded)
	}
}

func TestMemoryStoreAppendMessageAssignsDenseSequence(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, content := range []string{"hi", "how can I help", "thanks"} {
		seq, err := store.AppendMessage(ctx, runtime.Message{ChatID: "chat-1", AppID: "app-1", Role: runtime.RoleUser, Content: content})
		if err != nil {
			t.Fatalf("AppendMessage(%d) error = %v", i, err)
		}
		if seq != int64(i+1) {
			t.Fatalf("expected sequence_no %d, got %d", i+1, seq)
		}
	}

	resume, err := store.Resume(ctx, "app-1", "chat-1")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if len(resume.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(resume.Messages))
	}
	for i, msg := range resume.Messages {
		if msg.SequenceNo != int64(i+1) {
			t.Fatalf("expected message %d to have sequence_no %d, got %d", i, i+1, msg.SequenceNo)
		}
	}
}

func TestMemoryStoreArtifactTTLAndScoping(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	if err := store.UpsertArtifact(ctx, runtime.Artifact{
		ArtifactID: "a1", ChatID: "chat-1", AppID: "app-1", WorkflowName: "wf", State: map[string]any{"v": 1}, UpdatedAt: now, ExpiresAt: &future,
	}); err != nil {
		t.Fatalf("UpsertArtifact() error = %v", err)
	}
	if err := store.UpsertArtifact(ctx, runtime.Artifact{
		ArtifactID: "a2", ChatID: "chat-1", AppID: "app-1", WorkflowName: "wf", State: map[string]any{"v": 2}, UpdatedAt: now, ExpiresAt: &past,
	}); err != nil {
		t.Fatalf("UpsertArtifact() error = %v", err)
	}

	if _, err := store.GetArtifact(ctx, "app-1", "chat-1", "a2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired artifact to read as ErrNotFound, got %v", err)
	}
	if _, err := store.GetArtifact(ctx, "other-app", "chat-1", "a1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for app_id mismatch, got %v", err)
	}

	got, err := store.GetArtifact(ctx, "app-1", "chat-1", "a1")
	if err != nil {
		t.Fatalf("GetArtifact() error = %v", err)
	}
	if got.State["v"] != 1 {
		t.Fatalf("expected state v=1, got %v", got.State)
	}

	removed, err := store.PruneExpiredArtifacts(ctx, now)
	if err != nil {
		t.Fatalf("PruneExpiredArtifacts() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 artifact pruned, got %d", removed)
	}

	resume, err := store.Resume(ctx, "app-1", "chat-1")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if len(resume.Artifacts) != 1 || resume.Artifacts[0].ArtifactID != "a1" {
		t.Fatalf("expected resume to only include a1, got %+v", resume.Artifacts)
	}
}

func TestMemoryStoreCompletedChecksWorkflowHistory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := store.Completed(ctx, "app-1", "user-1", "onboarding")
	if err != nil {
		t.Fatalf("Completed() error = %v", err)
	}
	if ok {
		t.Fatalf("expected Completed() to be false before any session exists")
	}

	if err := store.CreateSession(ctx, &runtime.Session{
		ChatID: "chat-1", AppID: "app-1", UserID: "user-1", WorkflowName: "onboarding",
		Status: runtime.StatusInProgress, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	ok, err = store.Completed(ctx, "app-1", "user-1", "onboarding")
	if err != nil {
		t.Fatalf("Completed() error = %v", err)
	}
	if ok {
		t.Fatalf("expected Completed() to be false while still in_progress")
	}

	if err := store.UpdateSessionStatus(ctx, "app-1", "chat-1", runtime.StatusCompleted, 10); err != nil {
		t.Fatalf("UpdateSessionStatus() error = %v", err)
	}

	ok, err = store.Completed(ctx, "app-1", "user-1", "onboarding")
	if err != nil {
		t.Fatalf("Completed() error = %v", err)
	}
	if !ok {
		t.Fatalf("expected Completed() to be true after status completed")
	}
}
