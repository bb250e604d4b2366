package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/stepflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Tasks ---

const taskColumns = `id, user_id, agent_id, original_prompt, status, plan, context, results, error, halt_step_id, version, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	if err != nil {
		return nil, storeFailure("get task", err)
	}
	return t, nil
}

// SaveTask writes the whole task record in one statement, so a concurrent
// reader sees either the previous or the new state of plan and context.
func (s *LibSQLStore) SaveTask(ctx context.Context, task *Task) error {
	if err := s.saveTask(ctx, s.db, task); err != nil {
		return storeFailure("save task", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *LibSQLStore) saveTask(ctx context.Context, db execer, task *Task) error {
	plan, err := json.Marshal(task.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	taskCtx, err := marshalContext(task.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	var results json.RawMessage
	if task.Results != nil {
		if results, err = json.Marshal(task.Results); err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
	}
	var taskErr json.RawMessage
	if task.Error != nil {
		if taskErr, err = json.Marshal(task.Error); err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
	}

	task.CreatedAt = timeOrNow(task.CreatedAt)
	task.UpdatedAt = time.Now().UTC()
	task.Version++

	_, err = db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id=excluded.user_id, agent_id=excluded.agent_id, original_prompt=excluded.original_prompt,
		   status=excluded.status, plan=excluded.plan, context=excluded.context, results=excluded.results,
		   error=excluded.error, halt_step_id=excluded.halt_step_id, version=excluded.version,
		   updated_at=excluded.updated_at, completed_at=excluded.completed_at`,
		task.ID, nullStr(task.UserID), nullStr(task.AgentID), task.OriginalPrompt, string(task.Status),
		string(plan), string(taskCtx), nullRaw(results), nullRaw(taskErr), nullStr(task.HaltStepID),
		task.Version, task.CreatedAt, task.UpdatedAt, nullTime(task.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateTask(ctx context.Context, id string, update TaskUpdate) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeFailure("begin tx", err)
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	if err != nil {
		return nil, storeFailure("get task", err)
	}

	applyTaskUpdate(t, update)
	if err := s.saveTask(ctx, tx, t); err != nil {
		return nil, storeFailure("update task", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeFailure("commit task update", err)
	}
	return t, nil
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, *filter.UpdatedBefore)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeFailure("list tasks", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storeFailure("scan task", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *LibSQLStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return storeFailure("delete task", err)
	}
	if err := checkRowsAffected(res, "task", id); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM events WHERE task_id = ?`, id)
	return err
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var (
		userID, agentID, haltStepID sql.NullString
		planJSON, ctxJSON           string
		resultsJSON, errorJSON      sql.NullString
		completedAt                 sql.NullTime
		status                      string
	)
	if err := row.Scan(&t.ID, &userID, &agentID, &t.OriginalPrompt, &status, &planJSON, &ctxJSON,
		&resultsJSON, &errorJSON, &haltStepID, &t.Version, &t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	t.UserID = userID.String
	t.AgentID = agentID.String
	t.HaltStepID = haltStepID.String
	t.Status = schema.TaskStatus(status)
	if err := json.Unmarshal([]byte(planJSON), &t.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	t.Context = flow.Context{}
	if ctxJSON != "" {
		if err := json.Unmarshal([]byte(ctxJSON), &t.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if raw := rawOrNil(resultsJSON); raw != nil {
		if err := json.Unmarshal(raw, &t.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	if raw := rawOrNil(errorJSON); raw != nil {
		t.Error = &schema.FlowError{}
		if err := json.Unmarshal(raw, t.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

// --- Sessions ---

const sessionColumns = `id, workflow_id, current_step_id, context, turns, created_at, updated_at`

func (s *LibSQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("session", id)
	}
	if err != nil {
		return nil, storeFailure("get session", err)
	}
	return sess, nil
}

func (s *LibSQLStore) SaveSession(ctx context.Context, session *Session) error {
	sessCtx, err := marshalContext(session.Context)
	if err != nil {
		return storeFailure("marshal session context", err)
	}
	session.CreatedAt = timeOrNow(session.CreatedAt)
	session.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   workflow_id=excluded.workflow_id, current_step_id=excluded.current_step_id,
		   context=excluded.context, turns=excluded.turns, updated_at=excluded.updated_at`,
		session.ID, session.WorkflowID, session.CurrentStepID, string(sessCtx), session.Turns,
		session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return storeFailure("save session", err)
	}
	return nil
}

func (s *LibSQLStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return storeFailure("delete session", err)
	}
	return checkRowsAffected(res, "session", id)
}

func (s *LibSQLStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, *filter.UpdatedBefore)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeFailure("list sessions", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeFailure("scan session", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanSession(row rowScanner) (*Session, error) {
	sess := &Session{}
	var ctxJSON string
	if err := row.Scan(&sess.ID, &sess.WorkflowID, &sess.CurrentStepID, &ctxJSON, &sess.Turns,
		&sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Context = flow.Context{}
	if ctxJSON != "" {
		if err := json.Unmarshal([]byte(ctxJSON), &sess.Context); err != nil {
			return nil, fmt.Errorf("unmarshal session context: %w", err)
		}
	}
	return sess, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeFailure("begin tx", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE task_id = ?`, event.TaskID,
	).Scan(&seq)
	if err != nil {
		return storeFailure("next event sequence", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (task_id, step_id, event_type, payload, agent_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.TaskID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), nullStr(event.AgentID),
		event.Timestamp, seq,
	)
	if err != nil {
		return storeFailure("insert event", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	if err := tx.Commit(); err != nil {
		return storeFailure("commit event", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, taskID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, step_id, event_type, payload, agent_id, timestamp, sequence
		 FROM events WHERE task_id = ? AND sequence > ? ORDER BY sequence ASC`,
		taskID, since,
	)
	if err != nil {
		return nil, storeFailure("get events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, agentID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &stepID, &e.Type, &payload, &agentID, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeFailure("scan event", err)
		}
		e.StepID = stepID.String
		e.AgentID = agentID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

func marshalContext(c flow.Context) ([]byte, error) {
	if len(c) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}
