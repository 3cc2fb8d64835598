package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mozaiks/core/pkg/runtime"
)

// PostgresStore implements Store on top of a Postgres-flavored SQL
// database (Postgres or CockroachDB), applying its own schema
// migrations on construction.
type PostgresStore struct {
	db *sql.DB

	stmtCreateSession *sql.Stmt
	stmtUpdateStatus  *sql.Stmt
	stmtGetSession    *sql.Stmt
	stmtAppendMessage *sql.Stmt
	stmtUpsertArtifact *sql.Stmt
	stmtGetArtifact   *sql.Stmt
	stmtGetMessages   *sql.Stmt
	stmtGetArtifacts  *sql.Stmt
	stmtPruneExpired  *sql.Stmt
	stmtNextSeq       *sql.Stmt
	stmtListSessions  *sql.Stmt
	stmtCompleted     *sql.Stmt
}

// PostgresConfig holds connection-pool tuning for PostgresStore.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sane connection-pool defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStore opens dsn, runs pending migrations, and prepares
// the store's statements. databaseName is the logical name golang-migrate
// records its schema_migrations table under.
func NewPostgresStore(dsn, databaseName string, config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessions: open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: ping database: %w", err)
	}

	if err := runMigrations(db, databaseName); err != nil {
		db.Close()
		return nil, err
	}

	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: prepare statements: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtCreateSession, err = s.db.Prepare(`
		INSERT INTO chat_sessions (chat_id, app_id, user_id, workflow_name, status, cache_seed, resumed_from, client_request_id, total_tokens, last_sequence_no, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (chat_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	s.stmtUpdateStatus, err = s.db.Prepare(`
		UPDATE chat_sessions SET status = $1, total_tokens = $2, updated_at = $3
		WHERE chat_id = $4 AND app_id = $5
	`)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	s.stmtGetSession, err = s.db.Prepare(`
		SELECT chat_id, app_id, user_id, workflow_name, status, cache_seed, resumed_from, client_request_id, total_tokens, last_sequence_no, created_at, updated_at
		FROM chat_sessions WHERE chat_id = $1
	`)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	s.stmtAppendMessage, err = s.db.Prepare(`
		WITH next AS (
			SELECT COALESCE(MAX(sequence_no), 0) + 1 AS seq FROM chat_messages WHERE chat_id = $1
		)
		INSERT INTO chat_messages (chat_id, app_id, sequence_no, agent, role, content, structured_output, created_at)
		SELECT $1, $2, next.seq, $3, $4, $5, $6, $7 FROM next
		RETURNING sequence_no
	`)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	s.stmtUpsertArtifact, err = s.db.Prepare(`
		INSERT INTO artifacts (artifact_id, chat_id, app_id, workflow_name, state, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chat_id, artifact_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at
	`)
	if err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}

	s.stmtGetArtifact, err = s.db.Prepare(`
		SELECT artifact_id, chat_id, app_id, workflow_name, state, updated_at, expires_at
		FROM artifacts WHERE chat_id = $1 AND artifact_id = $2
	`)
	if err != nil {
		return fmt.Errorf("get artifact: %w", err)
	}

	s.stmtGetMessages, err = s.db.Prepare(`
		SELECT chat_id, app_id, sequence_no, agent, role, content, structured_output, created_at
		FROM chat_messages WHERE chat_id = $1 ORDER BY sequence_no ASC
	`)
	if err != nil {
		return fmt.Errorf("get messages: %w", err)
	}

	s.stmtGetArtifacts, err = s.db.Prepare(`
		SELECT artifact_id, chat_id, app_id, workflow_name, state, updated_at, expires_at
		FROM artifacts WHERE chat_id = $1 AND (expires_at IS NULL OR expires_at > now())
	`)
	if err != nil {
		return fmt.Errorf("get artifacts: %w", err)
	}

	s.stmtPruneExpired, err = s.db.Prepare(`
		DELETE FROM artifacts WHERE expires_at IS NOT NULL AND expires_at <= $1
	`)
	if err != nil {
		return fmt.Errorf("prune expired: %w", err)
	}

	s.stmtListSessions, err = s.db.Prepare(`
		SELECT chat_id, app_id, user_id, workflow_name, status, cache_seed, resumed_from, client_request_id, total_tokens, last_sequence_no, created_at, updated_at
		FROM chat_sessions WHERE app_id = $1 AND user_id = $2 ORDER BY created_at DESC
	`)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	s.stmtCompleted, err = s.db.Prepare(`
		SELECT EXISTS(
			SELECT 1 FROM chat_sessions
			WHERE app_id = $1 AND user_id = $2 AND workflow_name = $3 AND status = $4
		)
	`)
	if err != nil {
		return fmt.Errorf("completed: %w", err)
	}

	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *runtime.Session) error {
	if session == nil {
		return nil
	}
	_, err := s.stmtCreateSession.ExecContext(ctx,
		session.ChatID, session.AppID, session.UserID, session.WorkflowName, session.Status,
		session.CacheSeed, nullString(session.ResumedFrom), nullString(session.ClientRequestID),
		session.TotalTokens, session.LastSequence, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sessions: create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, appID, chatID string, status runtime.RunStatus, totalTokens int64) error {
	res, err := s.stmtUpdateStatus.ExecContext(ctx, status, totalTokens, time.Now().UTC(), chatID, appID)
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

func (s *PostgresStore) GetSession(ctx context.Context, appID, chatID string) (*runtime.Session, error) {
	row := s.stmtGetSession.QueryRowContext(ctx, chatID)
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

func (s *PostgresStore) AppendMessage(ctx context.Context, msg runtime.Message) (int64, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	structured, err := marshalStructured(msg.StructuredOutput)
	if err != nil {
		return 0, fmt.Errorf("sessions: marshal structured output: %w", err)
	}

	var seq int64
	row := s.stmtAppendMessage.QueryRowContext(ctx, msg.ChatID, msg.AppID, nullString(msg.Agent), msg.Role, msg.Content, structured, msg.CreatedAt)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("sessions: append message: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET last_sequence_no = $1, updated_at = $2 WHERE chat_id = $3`,
		seq, msg.CreatedAt, msg.ChatID); err != nil {
		return 0, fmt.Errorf("sessions: bump last_sequence_no: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) UpsertArtifact(ctx context.Context, artifact runtime.Artifact) error {
	state, err := marshalState(artifact.State)
	if err != nil {
		return fmt.Errorf("sessions: marshal artifact state: %w", err)
	}
	_, err = s.stmtUpsertArtifact.ExecContext(ctx,
		artifact.ArtifactID, artifact.ChatID, artifact.AppID, artifact.WorkflowName, state, artifact.UpdatedAt, artifact.ExpiresAt)
	if err != nil {
		return fmt.Errorf("sessions: upsert artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, appID, chatID, artifactID string) (*runtime.Artifact, error) {
	row := s.stmtGetArtifact.QueryRowContext(ctx, chatID, artifactID)
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

func (s *PostgresStore) Resume(ctx context.Context, appID, chatID string) (*Resume, error) {
	session, err := s.GetSession(ctx, appID, chatID)
	if err != nil {
		return nil, err
	}

	rows, err := s.stmtGetMessages.QueryContext(ctx, chatID)
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

	artifactRows, err := s.stmtGetArtifacts.QueryContext(ctx, chatID)
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

func (s *PostgresStore) PruneExpiredArtifacts(ctx context.Context, now time.Time) (int, error) {
	res, err := s.stmtPruneExpired.ExecContext(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sessions: prune expired artifacts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sessions: prune expired artifacts rows affected: %w", err)
	}
	return int(n), nil
}

// ListSessions returns every session for (appID, userID), newest
// first.
func (s *PostgresStore) ListSessions(ctx context.Context, appID, userID string) ([]runtime.Session, error) {
	rows, err := s.stmtListSessions.QueryContext(ctx, appID, userID)
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

// Completed implements orchestrator.PrerequisiteChecker: whether the
// given user has any completed run of workflowName under appID.
func (s *PostgresStore) Completed(ctx context.Context, appID, userID, workflowName string) (bool, error) {
	var ok bool
	row := s.stmtCompleted.QueryRowContext(ctx, appID, userID, workflowName, runtime.StatusCompleted)
	if err := row.Scan(&ok); err != nil {
		return false, fmt.Errorf("sessions: completed: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// row is satisfied by both *sql.Row and *sql.Rows.
type row interface {
	Scan(dest ...any) error
}

func scanSession(r row) (*runtime.Session, error) {
	var session runtime.Session
	var resumedFrom, clientRequestID sql.NullString
	if err := r.Scan(&session.ChatID, &session.AppID, &session.UserID, &session.WorkflowName, &session.Status,
		&session.CacheSeed, &resumedFrom, &clientRequestID, &session.TotalTokens, &session.LastSequence,
		&session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, err
	}
	session.ResumedFrom = resumedFrom.String
	session.ClientRequestID = clientRequestID.String
	return &session, nil
}

func scanMessage(r row) (*runtime.Message, error) {
	var msg runtime.Message
	var agent sql.NullString
	var structured []byte
	if err := r.Scan(&msg.ChatID, &msg.AppID, &msg.SequenceNo, &agent, &msg.Role, &msg.Content, &structured, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.Agent = agent.String
	if len(structured) > 0 {
		if err := json.Unmarshal(structured, &msg.StructuredOutput); err != nil {
			return nil, fmt.Errorf("unmarshal structured_output: %w", err)
		}
	}
	return &msg, nil
}

func scanArtifact(r row) (*runtime.Artifact, error) {
	var artifact runtime.Artifact
	var state []byte
	var expiresAt sql.NullTime
	if err := r.Scan(&artifact.ArtifactID, &artifact.ChatID, &artifact.AppID, &artifact.WorkflowName, &state, &artifact.UpdatedAt, &expiresAt); err != nil {
		return nil, err
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &artifact.State); err != nil {
			return nil, fmt.Errorf("unmarshal artifact state: %w", err)
		}
	}
	if expiresAt.Valid {
		artifact.ExpiresAt = &expiresAt.Time
	}
	return &artifact, nil
}

func marshalStructured(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func marshalState(v map[string]any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
