// Package service is the boundary API of stepflow. The HTTP and MCP transports
// are thin adapters over Service.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/planner"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/workflows"
	"github.com/rendis/stepflow/pkg/schema"
)

// TaskRunner is the part of the plan executor the service drives.
type TaskRunner interface {
	Create(ctx context.Context, task *store.Task) (*store.Task, error)
	Execute(ctx context.Context, task *store.Task) (*engine.RunResult, error)
	Claim(ctx context.Context, taskID, stepID string, input map[string]any) (*store.Task, error)
	Advance(ctx context.Context, taskID, stepID string) (*engine.RunResult, error)
	Cancel(ctx context.Context, taskID string) error
}

// Conversations runs session turns.
type Conversations interface {
	Converse(ctx context.Context, sessionID string, userInput *string, workflowID string) (*engine.TurnResult, error)
}

// WorkflowCatalog lists registered workflow templates.
type WorkflowCatalog interface {
	List() []workflows.Summary
	Workflow(id string) (*flow.Workflow, error)
}

// Config wires a Service. Tasks, Runner, Planner and Pool are required.
type Config struct {
	Tasks       store.TaskStore
	Events      store.EventStore
	Runner      TaskRunner
	Sessions    Conversations
	Planner     planner.Planner
	Workflows   WorkflowCatalog
	Pool        *engine.WorkerPool
	Broadcaster streaming.Broadcaster
	Renderer    flow.MessageRenderer
	Logger      *slog.Logger

	// NewID generates task and session ids. Defaults to random UUIDs.
	NewID func() string
}

// Service implements start, continue, status, converse and cancel.
type Service struct {
	tasks     store.TaskStore
	events    store.EventStore
	runner    TaskRunner
	sessions  Conversations
	planner   planner.Planner
	workflows WorkflowCatalog
	pool      *engine.WorkerPool
	hub       streaming.Broadcaster
	renderer  flow.MessageRenderer
	logger    *slog.Logger
	newID     func() string
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Tasks == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "service: task store is required")
	case cfg.Runner == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "service: task runner is required")
	case cfg.Planner == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "service: planner is required")
	case cfg.Pool == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "service: worker pool is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Service{
		tasks:     cfg.Tasks,
		events:    cfg.Events,
		runner:    cfg.Runner,
		sessions:  cfg.Sessions,
		planner:   cfg.Planner,
		workflows: cfg.Workflows,
		pool:      cfg.Pool,
		hub:       cfg.Broadcaster,
		renderer:  cfg.Renderer,
		logger:    cfg.Logger,
		newID:     cfg.NewID,
	}, nil
}

// StartRequest asks for a new task.
type StartRequest struct {
	Prompt     string         `json:"prompt"`
	Context    map[string]any `json:"context,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
}

// StartResponse carries the id and plan of a started task.
type StartResponse struct {
	TaskID     string       `json:"task_id"`
	Source     string       `json:"source"`
	WorkflowID string       `json:"workflow_id,omitempty"`
	Plan       []*flow.Step `json:"plan"`
}

// Start plans req, persists the task and queues its first run.
func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" && req.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "prompt is required")
	}

	plan, err := s.planner.Plan(ctx, planner.Request{
		Prompt:     req.Prompt,
		Context:    req.Context,
		WorkflowID: req.WorkflowID,
	})
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodePlanner)
	}
	if plan == nil || len(plan.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodePlanner, "planner returned no steps")
	}

	task := &store.Task{
		ID:             s.newID(),
		UserID:         req.UserID,
		AgentID:        req.AgentID,
		OriginalPrompt: req.Prompt,
		Plan:           plan.Steps,
		Context:        flow.Context(req.Context).Clone(),
	}
	if task.Context == nil {
		task.Context = flow.Context{}
	}
	ctx = logging.WithAgentID(logging.WithTaskID(ctx, task.ID), task.AgentID)

	created, err := s.runner.Create(ctx, task)
	if err != nil {
		return nil, err
	}
	if err := s.submit(ctx, task.ID, func(ctx context.Context) error {
		_, err := s.runner.Execute(ctx, task)
		return err
	}); err != nil {
		s.abandon(ctx, task.ID)
		return nil, err
	}

	s.logger.InfoContext(ctx, "task started",
		slog.String("source", plan.Source), slog.String("workflow_id", plan.WorkflowID), slog.Int("steps", len(created.Plan)))
	return &StartResponse{
		TaskID:     created.ID,
		Source:     plan.Source,
		WorkflowID: plan.WorkflowID,
		Plan:       created.Plan,
	}, nil
}

// ContinueResponse reports an accepted resume.
type ContinueResponse struct {
	Success bool   `json:"success"`
	TaskID  string `json:"task_id"`
	StepID  string `json:"step_id"`
}

// Continue answers the step a task is halted at and queues the rest of the
// run. Stale or duplicate resumes fail with STALE_RESUME before anything is
// queued.
func (s *Service) Continue(ctx context.Context, taskID, stepID string, input map[string]any) (*ContinueResponse, error) {
	if taskID == "" || stepID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "task id and step id are required")
	}
	ctx = logging.WithStepID(logging.WithTaskID(ctx, taskID), stepID)

	if _, err := s.runner.Claim(ctx, taskID, stepID, input); err != nil {
		return nil, err
	}
	if err := s.submit(ctx, taskID, func(ctx context.Context) error {
		_, err := s.runner.Advance(ctx, taskID, stepID)
		return err
	}); err != nil {
		s.abandon(ctx, taskID)
		return nil, err
	}
	return &ContinueResponse{Success: true, TaskID: taskID, StepID: stepID}, nil
}

// TaskView is the externally visible state of a task.
type TaskView struct {
	TaskID      string            `json:"task_id"`
	Status      schema.TaskStatus `json:"status"`
	Prompt      string            `json:"prompt,omitempty"`
	Plan        []*flow.Step      `json:"plan"`
	Context     flow.Context      `json:"context,omitempty"`
	Results     flow.Context      `json:"results,omitempty"`
	Error       *schema.FlowError `json:"error,omitempty"`
	HaltStepID  string            `json:"halt_step_id,omitempty"`
	HaltMessage string            `json:"halt_message,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Status returns the current state of a task. A halted task carries the
// message of the step waiting for input.
func (s *Service) Status(ctx context.Context, taskID string) (*TaskView, error) {
	if taskID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "task id is required")
	}
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	view := &TaskView{
		TaskID:      task.ID,
		Status:      task.Status,
		Prompt:      task.OriginalPrompt,
		Plan:        task.Plan,
		Context:     task.Context,
		Results:     task.Results,
		Error:       task.Error,
		HaltStepID:  task.HaltStepID,
		CreatedAt:   task.CreatedAt,
		UpdatedAt:   task.UpdatedAt,
		CompletedAt: task.CompletedAt,
	}
	if step, ok := task.Step(task.HaltStepID); ok {
		msg, err := flow.Render(ctx, s.renderer, step, task.Context)
		if err != nil {
			s.logger.WarnContext(ctx, "render halt message failed",
				slog.String("task_id", taskID), slog.String("error", err.Error()))
			msg = step.Message
		}
		view.HaltMessage = msg
	}
	return view, nil
}

// ConverseRequest is one conversation turn. An empty SessionID starts a new
// session, which then requires WorkflowID.
type ConverseRequest struct {
	SessionID  string  `json:"session_id,omitempty"`
	UserInput  *string `json:"user_input,omitempty"`
	WorkflowID string  `json:"workflow_id,omitempty"`
}

// Converse runs one synchronous session turn.
func (s *Service) Converse(ctx context.Context, req ConverseRequest) (*engine.TurnResult, error) {
	if s.sessions == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "conversations are not enabled")
	}
	if req.SessionID == "" {
		if req.WorkflowID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required to start a session")
		}
		req.SessionID = s.newID()
	}
	return s.sessions.Converse(ctx, req.SessionID, req.UserInput, req.WorkflowID)
}

// Cancel cancels a task. Running tasks stop at their next step boundary.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	if taskID == "" {
		return schema.NewError(schema.ErrCodeValidation, "task id is required")
	}
	if err := s.runner.Cancel(logging.WithTaskID(ctx, taskID), taskID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "task cancel requested", slog.String("task_id", taskID))
	return nil
}

// Wait blocks until the queued run of taskID finishes and returns the task state.
func (s *Service) Wait(ctx context.Context, taskID string) (*TaskView, error) {
	if err := s.pool.Await(ctx, taskID); err != nil && ctx.Err() != nil {
		return nil, err
	}
	return s.Status(ctx, taskID)
}

// Events returns the recorded history of a task after sequence since.
func (s *Service) Events(ctx context.Context, taskID string, since int64) ([]*store.Event, error) {
	if s.events == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "event log is not enabled")
	}
	if _, err := s.tasks.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.events.GetEvents(ctx, taskID, since)
}

// Watch streams live progress of an existing task until cancel is called.
func (s *Service) Watch(ctx context.Context, taskID string) (<-chan streaming.ProgressEvent, func(), error) {
	if s.hub == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "progress streaming is not enabled")
	}
	if _, err := s.tasks.GetTask(ctx, taskID); err != nil {
		return nil, nil, err
	}
	ch, cancel := streaming.Stream(s.hub, streaming.Filter{TaskID: taskID})
	return ch, cancel, nil
}

// ListWorkflows returns the registered workflow templates.
func (s *Service) ListWorkflows() []workflows.Summary {
	if s.workflows == nil {
		return nil
	}
	return s.workflows.List()
}

// Shutdown stops accepting runs and waits for queued ones.
func (s *Service) Shutdown() {
	s.pool.Shutdown()
}

// abandon cancels a task whose next run could not be queued. Nothing would
// ever run it otherwise.
func (s *Service) abandon(ctx context.Context, taskID string) {
	if err := s.runner.Cancel(context.WithoutCancel(ctx), taskID); err != nil {
		s.logger.WarnContext(ctx, "cancel unqueued task failed", slog.String("error", err.Error()))
	}
}

// submit queues fn on the pool under key. The run outlives the request: it keeps
// ctx values but not its cancellation.
func (s *Service) submit(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	bg := context.WithoutCancel(ctx)
	_, err := s.pool.SubmitKeyed(bg, key, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "background run failed", slog.String("error", err.Error()))
		}
		return err
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeConflict, "task queue is not accepting work").WithCause(err)
	}
	return nil
}
