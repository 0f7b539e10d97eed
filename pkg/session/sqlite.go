package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteStore persists session graphs in a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (creating if needed) the session database at path.
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("Session store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_prompt TEXT NOT NULL,
			current_step TEXT,
			status TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER,
			error_message TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

		CREATE TABLE IF NOT EXISTS workflow_steps (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			step_id TEXT NOT NULL,
			description TEXT NOT NULL,
			tool TEXT NOT NULL,
			args TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, step_id)
		);

		CREATE TABLE IF NOT EXISTS tool_outputs (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			step_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			success INTEGER NOT NULL,
			output TEXT,
			error TEXT,
			duration_ms INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			verification_passed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, step_id)
		);

		CREATE TABLE IF NOT EXISTS user_approvals (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			step_id TEXT NOT NULL,
			approved INTEGER NOT NULL,
			feedback TEXT,
			timestamp INTEGER NOT NULL,
			user_id TEXT,
			PRIMARY KEY (session_id, seq)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts the full session graph in a single transaction. Re-saving an
// existing session updates steps and outputs in place and rewrites the
// approval list, so repeated saves never duplicate rows.
func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	contextJSON, err := json.Marshal(sess.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal session context: %w", err)
	}

	var completedAt interface{}
	if sess.CompletedAt != nil {
		completedAt = sess.CompletedAt.UnixMilli()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, user_prompt, current_step, status, context, created_at, updated_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_prompt = excluded.user_prompt,
			current_step = excluded.current_step,
			status = excluded.status,
			context = excluded.context,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at,
			error_message = excluded.error_message`,
		sess.ID, sess.UserPrompt, sess.CurrentStep, string(sess.Status), string(contextJSON),
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(), completedAt, sess.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	for _, step := range sess.WorkflowSteps {
		argsJSON, err := json.Marshal(step.Args)
		if err != nil {
			return fmt.Errorf("failed to marshal step args: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (session_id, step_id, description, tool, args, status, retry_count, max_retries, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, step_id) DO UPDATE SET
				description = excluded.description,
				tool = excluded.tool,
				args = excluded.args,
				status = excluded.status,
				retry_count = excluded.retry_count,
				max_retries = excluded.max_retries,
				updated_at = excluded.updated_at`,
			sess.ID, step.StepID, step.Description, step.Tool, string(argsJSON),
			string(step.Status), step.RetryCount, step.MaxRetries,
			step.CreatedAt.UnixMilli(), step.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert step %s: %w", step.StepID, err)
		}
	}

	for _, out := range sess.ToolOutputs {
		outputJSON, err := json.Marshal(out.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal tool output: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tool_outputs (session_id, step_id, tool, success, output, error, duration_ms, timestamp, verification_passed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, step_id) DO UPDATE SET
				tool = excluded.tool,
				success = excluded.success,
				output = excluded.output,
				error = excluded.error,
				duration_ms = excluded.duration_ms,
				timestamp = excluded.timestamp,
				verification_passed = excluded.verification_passed`,
			sess.ID, out.StepID, out.Tool, out.Success, string(outputJSON), out.Error,
			out.Duration.Milliseconds(), out.Timestamp.UnixMilli(), out.VerificationPassed,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert tool output %s: %w", out.StepID, err)
		}
	}

	// Approvals are an append-only list; rewrite it wholesale so re-saves
	// stay idempotent.
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_approvals WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("failed to clear approvals: %w", err)
	}
	for i, a := range sess.UserApprovals {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_approvals (session_id, seq, step_id, approved, feedback, timestamp, user_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, i, a.StepID, a.Approved, a.Feedback, a.Timestamp.UnixMilli(), a.UserID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert approval: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session save: %w", err)
	}

	s.logger.Debug().Str("session_id", sess.ID).Msg("Session persisted")
	return nil
}

// Load reads the full session graph by id. Returns ErrNotFound when the
// session does not exist.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_prompt, current_step, status, context, created_at, updated_at, completed_at, error_message
		FROM sessions WHERE id = ?`, id)

	var (
		sess        Session
		currentStep sql.NullString
		contextJSON string
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
		errMsg      sql.NullString
		status      string
	)
	if err := row.Scan(&sess.ID, &sess.UserPrompt, &currentStep, &status, &contextJSON,
		&createdAt, &updatedAt, &completedAt, &errMsg); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess.CurrentStep = currentStep.String
	sess.Status = Status(status)
	sess.ErrorMessage = errMsg.String
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		sess.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(contextJSON), &sess.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session context: %w", err)
	}
	sess.ToolOutputs = make(map[string]*ToolOutput)

	if err := s.loadSteps(ctx, &sess); err != nil {
		return nil, err
	}
	if err := s.loadOutputs(ctx, &sess); err != nil {
		return nil, err
	}
	if err := s.loadApprovals(ctx, &sess); err != nil {
		return nil, err
	}

	return &sess, nil
}

func (s *SQLiteStore) loadSteps(ctx context.Context, sess *Session) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, description, tool, args, status, retry_count, max_retries, created_at, updated_at
		FROM workflow_steps WHERE session_id = ? ORDER BY created_at, step_id`, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step      WorkflowStep
			argsJSON  string
			status    string
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&step.StepID, &step.Description, &step.Tool, &argsJSON,
			&status, &step.RetryCount, &step.MaxRetries, &createdAt, &updatedAt); err != nil {
			return fmt.Errorf("failed to scan step: %w", err)
		}
		step.Status = StepStatus(status)
		step.CreatedAt = time.UnixMilli(createdAt)
		step.UpdatedAt = time.UnixMilli(updatedAt)
		if err := json.Unmarshal([]byte(argsJSON), &step.Args); err != nil {
			return fmt.Errorf("failed to unmarshal step args: %w", err)
		}
		sess.WorkflowSteps = append(sess.WorkflowSteps, &step)
	}
	return rows.Err()
}

func (s *SQLiteStore) loadOutputs(ctx context.Context, sess *Session) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, tool, success, output, error, duration_ms, timestamp, verification_passed
		FROM tool_outputs WHERE session_id = ?`, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load tool outputs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			out        ToolOutput
			outputJSON sql.NullString
			errText    sql.NullString
			durationMs int64
			timestamp  int64
		)
		if err := rows.Scan(&out.StepID, &out.Tool, &out.Success, &outputJSON, &errText,
			&durationMs, &timestamp, &out.VerificationPassed); err != nil {
			return fmt.Errorf("failed to scan tool output: %w", err)
		}
		out.Error = errText.String
		out.Duration = time.Duration(durationMs) * time.Millisecond
		out.Timestamp = time.UnixMilli(timestamp)
		if outputJSON.Valid && outputJSON.String != "" && outputJSON.String != "null" {
			if err := json.Unmarshal([]byte(outputJSON.String), &out.Output); err != nil {
				return fmt.Errorf("failed to unmarshal tool output: %w", err)
			}
		}
		sess.ToolOutputs[out.StepID] = &out
	}
	return rows.Err()
}

func (s *SQLiteStore) loadApprovals(ctx context.Context, sess *Session) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, approved, feedback, timestamp, user_id
		FROM user_approvals WHERE session_id = ? ORDER BY seq`, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load approvals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a         UserApproval
			feedback  sql.NullString
			userID    sql.NullString
			timestamp int64
		)
		if err := rows.Scan(&a.StepID, &a.Approved, &feedback, &timestamp, &userID); err != nil {
			return fmt.Errorf("failed to scan approval: %w", err)
		}
		a.Feedback = feedback.String
		a.UserID = userID.String
		a.Timestamp = time.UnixMilli(timestamp)
		sess.UserApprovals = append(sess.UserApprovals, a)
	}
	return rows.Err()
}

// Delete removes the session and its dependent rows.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ListRecent returns up to limit sessions ordered by most recent update.
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
