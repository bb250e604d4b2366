package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// EventOption decorates the event an FSM emits.
type EventOption func(*store.Event)

// WithAgent records the agent responsible for the transition.
func WithAgent(agentID string) EventOption {
	return func(e *store.Event) { e.AgentID = agentID }
}

// WithPayload attaches a JSON payload. Values that cannot be encoded are dropped.
func WithPayload(v any) EventOption {
	return func(e *store.Event) {
		if v == nil {
			return
		}
		if b, err := json.Marshal(v); err == nil {
			e.Payload = b
		}
	}
}

func appendEvent(ctx context.Context, appender EventAppender, event *store.Event, opts []EventOption) error {
	if appender == nil {
		return nil
	}
	for _, opt := range opts {
		opt(event)
	}
	return appender.AppendEvent(ctx, event)
}

// --- Task FSM ---

// TaskFSM validates task lifecycle transitions and records them in the event log.
type TaskFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewTaskFSM creates a new TaskFSM that emits events via the given appender.
func NewTaskFSM(appender EventAppender) *TaskFSM {
	return &TaskFSM{appender: appender}
}

// Transition validates and records a task state transition.
// The caller is responsible for persisting the new state to the store.
func (f *TaskFSM) Transition(ctx context.Context, taskID string, from, to schema.TaskStatus, opts ...EventOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidTaskTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, to).
			WithDetails(map[string]any{"task_id": taskID, "from": string(from), "to": string(to)})
	}

	if eventType := taskEventType(to); eventType != "" {
		event := &store.Event{TaskID: taskID, Type: eventType}
		if err := appendEvent(ctx, f.appender, event, opts); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit task event: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

// Record appends a task-level event that is not a status change, such as a
// halt or a resume.
func (f *TaskFSM) Record(ctx context.Context, taskID, stepID, eventType string, opts ...EventOption) error {
	event := &store.Event{TaskID: taskID, StepID: stepID, Type: eventType}
	if err := appendEvent(ctx, f.appender, event, opts); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit task event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func taskEventType(to schema.TaskStatus) string {
	switch to {
	case schema.TaskStatusRunning:
		return schema.EventTaskStarted
	case schema.TaskStatusCompleted:
		return schema.EventTaskCompleted
	case schema.TaskStatusFailed:
		return schema.EventTaskFailed
	case schema.TaskStatusCancelled:
		return schema.EventTaskAborted
	default:
		return ""
	}
}

// --- Step FSM ---

// StepFSM validates step lifecycle transitions and records them in the event log.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewStepFSM creates a new StepFSM that emits events via the given appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{appender: appender}
}

// Transition validates and records a step state transition.
func (f *StepFSM) Transition(ctx context.Context, taskID, stepID string, from, to schema.StepStatus, opts ...EventOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"task_id": taskID, "from": string(from), "to": string(to)})
	}

	if eventType := stepEventType(to); eventType != "" {
		event := &store.Event{TaskID: taskID, StepID: stepID, Type: eventType}
		if err := appendEvent(ctx, f.appender, event, opts); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
				WithStep(stepID).WithCause(err)
		}
	}
	return nil
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidTaskTransitions defines the allowed state transitions for tasks.
// A task halted for input stays running.
var ValidTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusPending:   {schema.TaskStatusRunning, schema.TaskStatusFailed, schema.TaskStatusCancelled},
	schema.TaskStatusRunning:   {schema.TaskStatusCompleted, schema.TaskStatusFailed, schema.TaskStatusCancelled},
	schema.TaskStatusCompleted: {},
	schema.TaskStatusFailed:    {},
	schema.TaskStatusCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// Statuses only move forward.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusFailed},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
}
