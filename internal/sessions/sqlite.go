package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mozaiks/core/pkg/runtime"
)

// SQLiteStore implements Store on an embedded SQLite database, for
// single-process deployments and local development where standing up
// Postgres is unwanted overhead. It owns its own schema creation
// rather than golang-migrate's versioned migrations, since a file that
// does not exist until the process creates it has no prior version to
// migrate from.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path (use ":memory:" for an ephemeral store)
// and creates its schema if missing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessions: open sqlite: %w", err)
	}
	// SQLite allows exactly one writer at a time; a single shared
	// connection avoids SQLITE_BUSY from the driver's own pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: enable wal: %w", err)
	}
	if err := sqliteSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			chat_id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			cache_seed TEXT NOT NULL,
			resumed_from TEXT,
			client_request_id TEXT,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			last_sequence_no INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_lookup ON chat_sessions (app_id, user_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			chat_id TEXT NOT NULL,
			app_id TEXT NOT NULL,
			sequence_no INTEGER NOT NULL,
			agent TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			structured_output TEXT,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (chat_id, sequence_no)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			app_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			expires_at DATETIME,
			PRIMARY KEY (chat_id, artifact_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_expiry ON artifacts (expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("sessions: sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session *runtime.Session) error {
	if session == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO chat_sessions
			(chat_id, app_id, user_id, workflow_name, status, cache_seed, resumed_from, client_request_id, total_tokens, last_sequence_no, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ChatID, session.AppID, session.UserID, session.WorkflowName, session.Status,
		session.CacheSeed, nullString(session.ResumedFrom), nullString(session.ClientRequestID),
		session.TotalTokens, session.LastSequence, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sessions: create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, appID, chatID string, status runtime.RunStatus, totalTokens int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET status = ?, total_tokens = ?, updated_at = ?
		WHERE chat_id = ? AND app_id = ?
	`, status, totalTokens, time.Now().UTC(), chatID, appID)
	if err != nil {
		return fmt.Errorf("sessions: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sessions: update status rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, appID, chatID string) (*runtime.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, app_id, user_id, workflow_name, status, cache_seed, resumed_from, client_request_id, total_tokens, last_sequence_no, created_at, updated_at
		FROM chat_sessions WHERE chat_id = ?
	`, chatID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get session: %w", err)
	}
	if session.AppID != appID {
		return nil, ErrForbidden
	}
	return session, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg runtime.Message) (int64, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	structured, err := marshalStructured(msg.StructuredOutput)
	if err != nil {
		return 0, fmt.Errorf("sessions: marshal structured output: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sessions: append message: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence_no), 0) + 1 FROM chat_messages WHERE chat_id = ?`, msg.ChatID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("sessions: next sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (chat_id, app_id, sequence_no, agent, role, content, structured_output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ChatID, msg.AppID, seq, nullString(msg.Agent), msg.Role, msg.Content, structured, msg.CreatedAt); err != nil {
		return 0, fmt.Errorf("sessions: append message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET last_sequence_no = ?, updated_at = ? WHERE chat_id = ?`,
		seq, msg.CreatedAt, msg.ChatID); err != nil {
		return 0, fmt.Errorf("sessions: bump last_sequence_no: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sessions: append message commit: %w", err)
	}
	return seq, nil
}

func (s *SQLiteStore) UpsertArtifact(ctx context.Context, artifact runtime.Artifact) error {
	state, err := marshalState(artifact.State)
	if err != nil {
		return fmt.Errorf("sessions: marshal artifact state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, chat_id, app_id, workflow_name, state, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, artifact_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at, expires_at = excluded.expires_at
	`, artifact.ArtifactID, artifact.ChatID, artifact.AppID, artifact.WorkflowName, state, artifact.UpdatedAt, artifact.ExpiresAt)
	if err != nil {
		return fmt.Errorf("sessions: upsert artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, appID, chatID, artifactID string) (*runtime.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT artifact_id, chat_id, app_id, workflow_name, state, updated_at, expires_at
		FROM artifacts WHERE chat_id = ? AND artifact_id = ?
	`, chatID, artifactID)
	artifact, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get artifact: %w", err)
	}
	if artifact.AppID != appID {
		return nil, ErrForbidden
	}
	if artifact.Expired(time.Now().UTC()) {
		return nil, ErrNotFound
	}
	return artifact, nil
}

func (s *SQLiteStore) Resume(ctx context.Context, appID, chatID string) (*Resume, error) {
	session, err := s.GetSession(ctx, appID, chatID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, app_id, sequence_no, agent, role, content, structured_output, created_at
		FROM chat_messages WHERE chat_id = ? ORDER BY sequence_no ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("sessions: resume messages: %w", err)
	}
	defer rows.Close()

	var messages []runtime.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("sessions: scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions: resume messages: %w", err)
	}

	artifactRows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, chat_id, app_id, workflow_name, state, updated_at, expires_at
		FROM artifacts WHERE chat_id = ? AND (expires_at IS NULL OR expires_at > ?)
	`, chatID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("sessions: resume artifacts: %w", err)
	}
	defer artifactRows.Close()

	var artifacts []runtime.Artifact
	for artifactRows.Next() {
		artifact, err := scanArtifact(artifactRows)
		if err != nil {
			return nil, fmt.Errorf("sessions: scan artifact: %w", err)
		}
		artifacts = append(artifacts, *artifact)
	}
	if err := artifactRows.Err(); err != nil {
		return nil, fmt.Errorf("sessions: resume artifacts: %w", err)
	}

	return &Resume{Session: session, Messages: messages, Artifacts: artifacts}, nil
}

func (s *SQLiteStore) PruneExpiredArtifacts(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sessions: prune expired artifacts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sessions: prune expired artifacts rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, appID, userID string) ([]runtime.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, app_id, user_id, workflow_name, status, cache_seed, resumed_from, client_request_id, total_tokens, last_sequence_no, created_at, updated_at
		FROM chat_sessions WHERE app_id = ? AND user_id = ? ORDER BY created_at DESC
	`, appID, userID)
	if err != nil {
		return nil, fmt.Errorf("sessions: list sessions: %w", err)
	}
	defer rows.Close()

	var out []runtime.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sessions: scan session: %w", err)
		}
		out = append(out, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions: list sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Completed(ctx context.Context, appID, userID, workflowName string) (bool, error) {
	var ok bool
	row := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM chat_sessions
			WHERE app_id = ? AND user_id = ? AND workflow_name = ? AND status = ?
		)
	`, appID, userID, workflowName, runtime.StatusCompleted)
	if err := row.Scan(&ok); err != nil {
		return false, fmt.Errorf("sessions: completed: %w", err)
	}
	return ok, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
