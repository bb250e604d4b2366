package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/pkg/schema"
)

// Task is the persisted record of one planned, possibly interactive run.
type Task struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id,omitempty"`
	AgentID        string            `json:"agent_id,omitempty"`
	OriginalPrompt string            `json:"original_prompt"`
	Status         schema.TaskStatus `json:"status"`
	Plan           []*flow.Step      `json:"plan"`
	Context        flow.Context      `json:"context"`
	Results        flow.Context      `json:"results,omitempty"`
	Error          *schema.FlowError `json:"error,omitempty"`
	HaltStepID     string            `json:"halt_step_id,omitempty"`
	Version        int64             `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Step returns the plan step with the given id.
func (t *Task) Step(id string) (*flow.Step, bool) {
	return flow.FindStep(t.Plan, id)
}

// AllStepsCompleted reports whether every plan step has completed.
func (t *Task) AllStepsCompleted() bool {
	for _, s := range t.Plan {
		if s.Status != schema.StepStatusCompleted {
			return false
		}
	}
	return len(t.Plan) > 0
}

// Clone returns a deep copy of the task, keeping bound step functions.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Plan = flow.ClonePlan(t.Plan)
	out.Context = t.Context.Clone()
	if t.Results != nil {
		out.Results = t.Results.Clone()
	}
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		out.CompletedAt = &c
	}
	return &out
}

// TaskUpdate carries a partial task change. Nil fields are left untouched;
// Context is merged into the stored context.
type TaskUpdate struct {
	Status      *schema.TaskStatus
	Context     flow.Context
	Results     flow.Context
	Error       *schema.FlowError
	HaltStepID  *string
	CompletedAt *time.Time
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Status        *schema.TaskStatus
	UserID        string
	UpdatedBefore *time.Time
	Limit         int
	Offset        int
}

// Session is the persisted state of one conversation with a workflow.
type Session struct {
	ID            string       `json:"id"`
	WorkflowID    string       `json:"workflow_id"`
	CurrentStepID string       `json:"current_step_id"`
	Context       flow.Context `json:"context"`
	Turns         int          `json:"turns"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Context = s.Context.Clone()
	return &out
}

// SessionFilter narrows ListSessions results.
type SessionFilter struct {
	WorkflowID    string
	UpdatedBefore *time.Time
	Limit         int
}

// Event is an immutable entry in the task history log.
type Event struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventFilter narrows event queries.
type EventFilter struct {
	TaskID string
	Since  *time.Time
	Limit  int
}
