package schema

// Progress event types published to live subscribers of a task.
const (
	EventStep          = "step"
	EventTaskComplete  = "task_complete"
	EventTaskError     = "task_error"
	EventTaskCancelled = "task_cancelled"
)

// Event types appended to the persistent event log.
const (
	EventTaskCreated   = "task_created"
	EventTaskStarted   = "task_started"
	EventTaskHalted    = "task_halted"
	EventTaskResumed   = "task_resumed"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskAborted   = "task_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventSessionTurn = "session_turn"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// StepStatus represents the lifecycle state of a step. Transitions only move forward.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// IsTerminal reports whether the step has left running for good.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}
