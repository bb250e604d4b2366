package store

import "context"

// TaskStore persists tasks. Implementations guarantee read-after-write
// consistency per task id and are safe for concurrent use.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	SaveTask(ctx context.Context, task *Task) error
	UpdateTask(ctx context.Context, id string, update TaskUpdate) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// SessionStore persists conversation sessions.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	SaveSession(ctx context.Context, session *Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
}

// EventStore is the append-only task history.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, taskID string, since int64) ([]*Event, error)
}

// Store bundles every persistence concern of a single backend.
type Store interface {
	TaskStore
	SessionStore
	EventStore

	Migrate(ctx context.Context) error
	Close() error
}
