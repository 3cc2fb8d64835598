package sessions

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mozaiks/core/pkg/runtime"
)

func setupMockPostgresStore(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return db, mock, &PostgresStore{db: db}
}

func TestPostgresStoreCreateSession(t *testing.T) {
	db, mock, store := setupMockPostgresStore(t)
	defer db.Close()

	mock.ExpectPrepare("INSERT INTO chat_sessions")
	mock.ExpectExec("INSERT INTO chat_sessions").
		WithArgs("chat-1", "app-1", "user-1", "onboarding", runtime.StatusInProgress, "seed",
			sqlmock.AnyArg(), sqlmock.AnyArg(), int64(0), int64(0), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	stmt, err := db.Prepare(`INSERT INTO chat_sessions`)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	store.stmtCreateSession = stmt

	now := time.Now().UTC()
	err = store.CreateSession(context.Background(), &runtime.Session{
		ChatID: "chat-1", AppID: "app-1", UserID: "user-1", WorkflowName: "onboarding",
		Status: runtime.StatusInProgress, CacheSeed: "seed", CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreAppendMessageReturnsAssignedSequence(t *testing.T) {
	db, mock, store := setupMockPostgresStore(t)
	defer db.Close()

	mock.ExpectPrepare("WITH next AS")
	mock.ExpectQuery("WITH next AS").
		WillReturnRows(sqlmock.NewRows([]string{"sequence_no"}).AddRow(int64(3)))
	mock.ExpectExec("UPDATE chat_sessions SET last_sequence_no").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stmt, err := db.Prepare(`WITH next AS`)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	store.stmtAppendMessage = stmt

	seq, err := store.AppendMessage(context.Background(), runtime.Message{
		ChatID: "chat-1", AppID: "app-1", Role: runtime.RoleUser, Content: "hi",
	})
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if seq != 3 {
		t.Fatalf("expected sequence_no 3, got %d", seq)
	}
}

func TestPostgresStoreGetSessionNotFound(t *testing.T) {
	db, mock, store := setupMockPostgresStore(t)
	defer db.Close()

	mock.ExpectPrepare("SELECT chat_id FROM chat_sessions")
	mock.ExpectQuery("SELECT chat_id FROM chat_sessions").
		WillReturnError(sql.ErrNoRows)

	stmt, err := db.Prepare(`SELECT chat_id FROM chat_sessions`)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	store.stmtGetSession = stmt

	_, err = store.GetSession(context.Background(), "app-1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStoreUpsertArtifact(t *testing.T) {
	db, mock, store := setupMockPostgresStore(t)
	defer db.Close()

	mock.ExpectPrepare("INSERT INTO artifacts")
	mock.ExpectExec("INSERT INTO artifacts").
		WithArgs("a1", "chat-1", "app-1", "wf", sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	stmt, err := db.Prepare(`INSERT INTO artifacts`)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	store.stmtUpsertArtifact = stmt

	now := time.Now().UTC()
	err = store.UpsertArtifact(context.Background(), runtime.Artifact{
		ArtifactID: "a1", ChatID: "chat-1", AppID: "app-1", WorkflowName: "wf",
		State: map[string]any{"v": 1}, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("UpsertArtifact() error = %v", err)
	}
}
