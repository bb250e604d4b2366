package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// Executor drives the plan of a task until it completes, fails, is cancelled
// or halts at a user input step.
type Executor interface {
	// Execute runs a task from its first step. New tasks are persisted first.
	Execute(ctx context.Context, task *store.Task) (*RunResult, error)

	// ContinueExecution resumes a halted task with user input: Claim followed by Advance.
	ContinueExecution(ctx context.Context, taskID, stepID string, input map[string]any) (*RunResult, error)

	// Claim validates a resume against the current halt point and applies the
	// input. Losers of a resume race get STALE_RESUME and change nothing.
	Claim(ctx context.Context, taskID, stepID string, input map[string]any) (*store.Task, error)

	// Advance drives the loop onward from a step completed by Claim.
	Advance(ctx context.Context, taskID, stepID string) (*RunResult, error)

	// Cancel requests cancellation. Tasks no run is holding stop at once;
	// running tasks stop at the next step boundary.
	Cancel(ctx context.Context, taskID string) error
}

// RunResult is the outcome of one executor call.
type RunResult struct {
	TaskID     string            `json:"task_id"`
	Status     schema.TaskStatus `json:"status"`
	Results    flow.Context      `json:"results,omitempty"`
	Error      *schema.FlowError `json:"error,omitempty"`
	HaltStepID string            `json:"halt_step_id,omitempty"`
}

// Halted reports whether the run stopped to wait for input.
func (r *RunResult) Halted() bool {
	return r.Status == schema.TaskStatusRunning && r.HaltStepID != ""
}

func (r *RunResult) String() string {
	if r.Halted() {
		return fmt.Sprintf("task %s halted at %s", r.TaskID, r.HaltStepID)
	}
	return fmt.Sprintf("task %s %s", r.TaskID, r.Status)
}

// ActionBinder attaches runnable actions to declarative steps.
type ActionBinder interface {
	Bind(step *flow.Step) error
}

const (
	// DefaultMaxSteps bounds the steps a single run may execute.
	DefaultMaxSteps = 256
	// DefaultPoolSize is the default background run concurrency.
	DefaultPoolSize = 10
)

// ExecutorConfig holds the collaborators of a PlanExecutor. Only the task
// store is required.
type ExecutorConfig struct {
	MaxSteps    int
	Binder      ActionBinder
	Conditions  flow.ConditionEvaluator
	Broadcaster streaming.Broadcaster
	Events      EventAppender
	Metrics     Recorder
	Logger      *slog.Logger
}

// PlanExecutor is the Executor implementation.
type PlanExecutor struct {
	tasks    store.TaskStore
	resolver *flow.Resolver
	binder   ActionBinder
	hub      streaming.Broadcaster
	taskFSM  *TaskFSM
	stepFSM  *StepFSM
	metrics  Recorder
	logger   *slog.Logger
	maxSteps int

	locks *keyedMutex

	// bindings keeps runtime-only step functions by task id, since stores
	// only persist the declarative part of a step.
	bindings sync.Map // string -> map[string]stepBinding

	cancelMu sync.Mutex
	cancels  map[string]struct{}
}

type stepBinding struct {
	action     flow.ActionFunc
	render     flow.MessageFunc
	conditions []flow.Predicate
}

// NewExecutor creates a PlanExecutor over tasks.
func NewExecutor(tasks store.TaskStore, cfg ExecutorConfig) *PlanExecutor {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &PlanExecutor{
		tasks:    tasks,
		resolver: flow.NewResolver(cfg.Conditions),
		binder:   cfg.Binder,
		hub:      cfg.Broadcaster,
		taskFSM:  NewTaskFSM(cfg.Events),
		stepFSM:  NewStepFSM(cfg.Events),
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		maxSteps: cfg.MaxSteps,
		locks:    newKeyedMutex(),
		cancels:  make(map[string]struct{}),
	}
}

// Execute runs task from its first plan step.
func (e *PlanExecutor) Execute(ctx context.Context, task *store.Task) (*RunResult, error) {
	if task == nil || task.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "task id is required")
	}
	if len(task.Plan) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "task plan has no steps")
	}

	defer e.lock(ctx, task.ID)()

	ctx = logging.WithAgentID(logging.WithTaskID(ctx, task.ID), task.AgentID)
	e.remember(task)

	current, err := e.tasks.GetTask(ctx, task.ID)
	switch {
	case store.IsNotFound(err):
		if current, err = e.create(ctx, task); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}
	e.rebind(current)

	switch current.Status {
	case schema.TaskStatusPending:
	case schema.TaskStatusRunning:
		if current.HaltStepID != "" {
			return resultOf(current), nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "task %s is already running", current.ID)
	default:
		return resultOf(current), nil
	}

	if e.cancelRequested(current.ID) {
		return e.cancel(ctx, current)
	}
	if err := e.transitionTask(ctx, current, schema.TaskStatusRunning); err != nil {
		return nil, err
	}
	if err := e.save(ctx, current); err != nil {
		return nil, err
	}
	e.metrics.TaskStarted()
	e.logger.InfoContext(ctx, "task started", slog.Int("steps", len(current.Plan)))

	return e.run(ctx, current, current.Plan[0].ID)
}

// Create persists task as pending without running it. Execute picks it up later.
func (e *PlanExecutor) Create(ctx context.Context, task *store.Task) (*store.Task, error) {
	if task == nil || task.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "task id is required")
	}
	if len(task.Plan) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "task plan has no steps")
	}

	unlock := e.locks.Lock(task.ID)
	defer unlock()

	ctx = logging.WithAgentID(logging.WithTaskID(ctx, task.ID), task.AgentID)
	if _, err := e.tasks.GetTask(ctx, task.ID); err == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "task %s already exists", task.ID)
	} else if !store.IsNotFound(err) {
		return nil, err
	}
	e.remember(task)
	created, err := e.create(ctx, task)
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

func (e *PlanExecutor) create(ctx context.Context, task *store.Task) (*store.Task, error) {
	current := task.Clone()
	if current.Status == "" {
		current.Status = schema.TaskStatusPending
	}
	if current.Context == nil {
		current.Context = flow.Context{}
	}
	flow.LinkPlan(current.Plan)
	if err := e.save(ctx, current); err != nil {
		return nil, err
	}
	if err := e.taskFSM.Record(ctx, current.ID, "", schema.EventTaskCreated, WithAgent(current.AgentID)); err != nil {
		return nil, err
	}
	return current, nil
}

// ContinueExecution claims the halt point and drives the loop onward.
func (e *PlanExecutor) ContinueExecution(ctx context.Context, taskID, stepID string, input map[string]any) (*RunResult, error) {
	if _, err := e.Claim(ctx, taskID, stepID, input); err != nil {
		return nil, err
	}
	return e.Advance(ctx, taskID, stepID)
}

// Claim applies a resume to the halted step stepID.
func (e *PlanExecutor) Claim(ctx context.Context, taskID, stepID string, input map[string]any) (*store.Task, error) {
	defer e.lock(ctx, taskID)()

	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithStepID(logging.WithAgentID(logging.WithTaskID(ctx, taskID), task.AgentID), stepID)

	if task.Context == nil {
		task.Context = flow.Context{}
	}
	step, ok := task.Step(stepID)
	if task.Status != schema.TaskStatusRunning || task.HaltStepID != stepID || !ok ||
		step.Type != schema.StepTypeUserInput || step.Status != schema.StepStatusRunning {
		e.metrics.ResumeRejected()
		e.logger.WarnContext(ctx, "stale resume rejected",
			slog.String("halt_step_id", task.HaltStepID), slog.String("status", string(task.Status)))
		return nil, schema.NewErrorf(schema.ErrCodeStaleResume, "step %q is not the current halt point", stepID).
			WithStep(stepID).
			WithDetails(map[string]any{"task_id": taskID, "halt_step_id": task.HaltStepID, "status": string(task.Status)})
	}

	if e.cancelRequested(taskID) {
		if _, err := e.cancel(ctx, task); err != nil {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "task %s was cancelled", taskID).WithStep(stepID)
	}

	value, err := schema.Signal{TaskID: taskID, StepID: stepID, Input: input}.Value(step.InputKey)
	if err != nil {
		return nil, err
	}

	task.Context.Merge(flow.Context(input).Clone())
	task.Context[step.InputKey] = value
	step.Result = flow.Context{step.InputKey: value}.Clone()
	if err := e.setStep(ctx, task, step, schema.StepStatusCompleted); err != nil {
		return nil, err
	}
	task.HaltStepID = ""
	if err := e.taskFSM.Record(ctx, taskID, stepID, schema.EventTaskResumed, WithAgent(task.AgentID)); err != nil {
		return nil, err
	}
	if err := e.save(ctx, task); err != nil {
		return nil, err
	}
	e.publishStep(ctx, task, step)
	e.logger.InfoContext(ctx, "task resumed")
	return task.Clone(), nil
}

// Advance continues from stepID, which must have been completed by Claim.
func (e *PlanExecutor) Advance(ctx context.Context, taskID, stepID string) (*RunResult, error) {
	defer e.lock(ctx, taskID)()

	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithAgentID(logging.WithTaskID(ctx, taskID), task.AgentID)
	e.rebind(task)

	if task.Status.IsTerminal() {
		return resultOf(task), nil
	}
	step, ok := task.Step(stepID)
	if !ok || step.Status != schema.StepStatusCompleted || task.HaltStepID != "" {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "task %s cannot advance from step %q", taskID, stepID).
			WithStep(stepID)
	}

	next, res, err := e.after(ctx, task, step)
	if res != nil || err != nil {
		return res, err
	}
	return e.run(ctx, task, next)
}

// Cancel stops a task. Terminal tasks yield CONFLICT.
func (e *PlanExecutor) Cancel(ctx context.Context, taskID string) error {
	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %s is already %s", taskID, task.Status)
	}

	e.requestCancel(taskID)

	unlock, ok := e.locks.TryLock(taskID)
	if !ok {
		// The holder observes the flag at its next step boundary or on release.
		return nil
	}
	defer unlock()

	task, err = e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return e.stop(ctx, task)
}

// stop cancels task unless it already finished. Holding the lock means no run
// is inside a step, so a running task without a halt point was stranded by a
// failed save or a run that was never queued.
func (e *PlanExecutor) stop(ctx context.Context, task *store.Task) error {
	ctx = logging.WithAgentID(logging.WithTaskID(ctx, task.ID), task.AgentID)
	switch {
	case task.Status == schema.TaskStatusCancelled:
		e.clearCancel(task.ID)
		return nil
	case task.Status.IsTerminal():
		e.clearCancel(task.ID)
		return schema.NewErrorf(schema.ErrCodeConflict, "task %s is already %s", task.ID, task.Status)
	}
	_, err := e.cancel(ctx, task)
	return err
}

// lock takes the task lock. The returned release applies any cancel request
// that arrived while the lock was held.
func (e *PlanExecutor) lock(ctx context.Context, taskID string) func() {
	unlock := e.locks.Lock(taskID)
	return func() {
		unlock()
		e.settle(context.WithoutCancel(ctx), taskID)
	}
}

func (e *PlanExecutor) settle(ctx context.Context, taskID string) {
	if !e.cancelRequested(taskID) {
		return
	}
	unlock, ok := e.locks.TryLock(taskID)
	if !ok {
		// The new holder settles on its own release.
		return
	}
	defer unlock()

	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		e.logger.WarnContext(ctx, "load task for cancel failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		return
	}
	if err := e.stop(ctx, task); err != nil && !schema.IsCode(err, schema.ErrCodeConflict) {
		e.logger.WarnContext(ctx, "apply cancel failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
}

// Forget drops the runtime state kept for a task. Call it once a task is deleted.
func (e *PlanExecutor) Forget(taskID string) {
	e.bindings.Delete(taskID)
	e.clearCancel(taskID)
}

// run is the step loop. It returns once the task halts or reaches a terminal status.
func (e *PlanExecutor) run(ctx context.Context, task *store.Task, stepID string) (*RunResult, error) {
	for executed := 0; ; executed++ {
		if executed >= e.maxSteps {
			return e.fail(ctx, task, schema.NewErrorf(schema.ErrCodeTransition,
				"step limit of %d exceeded", e.maxSteps).WithStep(stepID))
		}
		if e.cancelRequested(task.ID) {
			return e.cancel(ctx, task)
		}

		step, ok := task.Step(stepID)
		if !ok {
			return e.fail(ctx, task, schema.NewErrorf(schema.ErrCodeTransition,
				"plan has no step %q", stepID).WithStep(stepID))
		}
		if step.Status != schema.StepStatusPending {
			return e.fail(ctx, task, schema.NewErrorf(schema.ErrCodeTransition,
				"step %q was already visited (%s)", stepID, step.Status).WithStep(stepID))
		}
		sctx := logging.WithStepID(ctx, step.ID)

		switch step.Type {
		case schema.StepTypeUserInput:
			return e.halt(sctx, task, step)
		case schema.StepTypeEnd:
			if err := e.setStep(sctx, task, step, schema.StepStatusRunning); err != nil {
				return nil, err
			}
			if err := e.setStep(sctx, task, step, schema.StepStatusCompleted); err != nil {
				return nil, err
			}
			if err := e.save(sctx, task); err != nil {
				return nil, err
			}
			e.publishStep(sctx, task, step)
		case schema.StepTypeSystemAction:
			if res, err := e.runAction(sctx, task, step); res != nil || err != nil {
				return res, err
			}
		default:
			return e.fail(ctx, task, schema.NewErrorf(schema.ErrCodeValidation,
				"unknown step type %q", step.Type).WithStep(step.ID))
		}

		next, res, err := e.after(ctx, task, step)
		if res != nil || err != nil {
			return res, err
		}
		stepID = next
	}
}

// after runs the post-step boundary: cancellation, termination and next-step
// resolution. A non-nil result means the run is over.
func (e *PlanExecutor) after(ctx context.Context, task *store.Task, step *flow.Step) (string, *RunResult, error) {
	if e.cancelRequested(task.ID) {
		res, err := e.cancel(ctx, task)
		return "", res, err
	}
	if step.Ends() || task.AllStepsCompleted() {
		res, err := e.complete(ctx, task)
		return "", res, err
	}
	next, err := e.resolver.Next(ctx, step, task.Context)
	if err != nil {
		res, err := e.fail(ctx, task, schema.AsFlowError(err, schema.ErrCodeTransition))
		return "", res, err
	}
	return next, nil, nil
}

func (e *PlanExecutor) runAction(ctx context.Context, task *store.Task, step *flow.Step) (*RunResult, error) {
	if err := e.setStep(ctx, task, step, schema.StepStatusRunning); err != nil {
		return nil, err
	}
	if err := e.save(ctx, task); err != nil {
		return nil, err
	}
	e.publishStep(ctx, task, step)

	started := time.Now()
	delta, err := e.invoke(ctx, task.Context, step)
	if err != nil {
		e.metrics.StepFinished(step.Type, schema.StepStatusFailed, time.Since(started))
		return e.failStep(ctx, task, step, err)
	}

	delta = delta.Clone()
	task.Context.Merge(delta)
	step.Result = delta
	if err := e.setStep(ctx, task, step, schema.StepStatusCompleted); err != nil {
		return nil, err
	}
	if err := e.save(ctx, task); err != nil {
		return nil, err
	}
	e.publishStep(ctx, task, step)
	e.metrics.StepFinished(step.Type, schema.StepStatusCompleted, time.Since(started))
	e.logger.DebugContext(ctx, "step completed", slog.Duration("elapsed", time.Since(started)))
	return nil, nil
}

// invoke calls the step action on a copy of c, converting panics to errors.
func (e *PlanExecutor) invoke(ctx context.Context, c flow.Context, step *flow.Step) (delta flow.Context, err error) {
	if step.Action == nil {
		if e.binder == nil {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no action bound to step %q", step.ID).WithStep(step.ID)
		}
		if err := e.binder.Bind(step); err != nil {
			return nil, err
		}
	}
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeStepFailed, "action panicked: %v", r).WithStep(step.ID)
		}
	}()
	return step.Action(ctx, step, c.Clone())
}

func (e *PlanExecutor) halt(ctx context.Context, task *store.Task, step *flow.Step) (*RunResult, error) {
	if err := e.setStep(ctx, task, step, schema.StepStatusRunning); err != nil {
		return nil, err
	}
	task.HaltStepID = step.ID
	if err := e.taskFSM.Record(ctx, task.ID, step.ID, schema.EventTaskHalted, WithAgent(task.AgentID)); err != nil {
		return nil, err
	}
	if err := e.save(ctx, task); err != nil {
		return nil, err
	}
	e.publishStep(ctx, task, step)
	if e.cancelRequested(task.ID) {
		return e.cancel(ctx, task)
	}
	e.logger.InfoContext(ctx, "task halted for input", slog.String("input_key", step.InputKey))
	return resultOf(task), nil
}

func (e *PlanExecutor) complete(ctx context.Context, task *store.Task) (*RunResult, error) {
	task.Results = task.Context.Clone()
	if err := e.finish(ctx, task, schema.TaskStatusCompleted); err != nil {
		return nil, err
	}
	e.publish(ctx, task, "", schema.EventTaskComplete, task.Results)
	e.logger.InfoContext(ctx, "task completed")
	return resultOf(task), nil
}

// failStep records an action failure on the step and fails the task.
func (e *PlanExecutor) failStep(ctx context.Context, task *store.Task, step *flow.Step, cause error) (*RunResult, error) {
	fe := stepFailure(step.ID, cause)
	step.Error = fe
	if err := e.setStep(ctx, task, step, schema.StepStatusFailed, WithPayload(fe)); err != nil {
		return nil, err
	}
	e.publishStep(ctx, task, step)
	return e.fail(ctx, task, fe)
}

// fail ends the task with err.
func (e *PlanExecutor) fail(ctx context.Context, task *store.Task, fe *schema.FlowError) (*RunResult, error) {
	task.Error = fe
	if err := e.finish(ctx, task, schema.TaskStatusFailed, WithPayload(fe)); err != nil {
		return nil, err
	}
	e.publish(ctx, task, fe.StepID, schema.EventTaskError, fe)
	e.logger.ErrorContext(ctx, "task failed", slog.String("code", fe.Code), slog.String("error", fe.Message))
	return resultOf(task), nil
}

// cancel ends the task as cancelled, failing every step still running: the
// halted step, or one whose completion was never persisted.
func (e *PlanExecutor) cancel(ctx context.Context, task *store.Task) (*RunResult, error) {
	fe := schema.NewError(schema.ErrCodeCancelled, "task cancelled")
	for _, step := range task.Plan {
		if step.Status != schema.StepStatusRunning {
			continue
		}
		msg := "cancelled while running"
		if step.ID == task.HaltStepID {
			msg = "cancelled while waiting for input"
		}
		step.Error = schema.NewError(schema.ErrCodeCancelled, msg).WithStep(step.ID)
		if err := e.setStep(ctx, task, step, schema.StepStatusFailed, WithPayload(step.Error)); err != nil {
			return nil, err
		}
		e.publishStep(ctx, task, step)
	}
	task.HaltStepID = ""
	task.Error = fe
	if err := e.finish(ctx, task, schema.TaskStatusCancelled); err != nil {
		return nil, err
	}
	e.clearCancel(task.ID)
	e.publish(ctx, task, "", schema.EventTaskCancelled, fe)
	e.logger.InfoContext(ctx, "task cancelled")
	return resultOf(task), nil
}

func (e *PlanExecutor) finish(ctx context.Context, task *store.Task, to schema.TaskStatus, opts ...EventOption) error {
	if err := e.transitionTask(ctx, task, to, opts...); err != nil {
		return err
	}
	now := time.Now().UTC()
	task.CompletedAt = &now
	if err := e.save(ctx, task); err != nil {
		return err
	}
	e.metrics.TaskFinished(to)
	return nil
}

func (e *PlanExecutor) transitionTask(ctx context.Context, task *store.Task, to schema.TaskStatus, opts ...EventOption) error {
	opts = append([]EventOption{WithAgent(task.AgentID)}, opts...)
	if err := e.taskFSM.Transition(ctx, task.ID, task.Status, to, opts...); err != nil {
		return err
	}
	task.Status = to
	return nil
}

func (e *PlanExecutor) setStep(ctx context.Context, task *store.Task, step *flow.Step, to schema.StepStatus, opts ...EventOption) error {
	opts = append([]EventOption{WithAgent(task.AgentID)}, opts...)
	if err := e.stepFSM.Transition(ctx, task.ID, step.ID, step.Status, to, opts...); err != nil {
		return err
	}
	now := time.Now().UTC()
	step.Status = to
	if to == schema.StepStatusRunning {
		step.StartedAt = &now
	} else {
		step.CompletedAt = &now
	}
	return nil
}

func (e *PlanExecutor) save(ctx context.Context, task *store.Task) error {
	if err := e.tasks.SaveTask(ctx, task); err != nil {
		return schema.AsFlowError(err, schema.ErrCodeStore)
	}
	return nil
}

func (e *PlanExecutor) publishStep(ctx context.Context, task *store.Task, step *flow.Step) {
	e.publish(ctx, task, step.ID, schema.EventStep, step.Clone())
}

func (e *PlanExecutor) publish(ctx context.Context, task *store.Task, stepID, eventType string, payload any) {
	if e.hub == nil {
		return
	}
	status := string(task.Status)
	if step, ok := task.Step(stepID); ok && eventType == schema.EventStep {
		status = string(step.Status)
	}
	e.hub.Publish(ctx, streaming.ProgressEvent{
		TaskID:    task.ID,
		StepID:    stepID,
		Type:      eventType,
		Status:    status,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

// remember keeps the runtime functions of task's steps for later reloads.
func (e *PlanExecutor) remember(task *store.Task) {
	bound := make(map[string]stepBinding)
	for _, s := range task.Plan {
		b := stepBinding{action: s.Action, render: s.Render}
		hasCond := false
		for _, t := range s.Transitions {
			b.conditions = append(b.conditions, t.Condition)
			hasCond = hasCond || t.Condition != nil
		}
		if b.action != nil || b.render != nil || hasCond {
			bound[s.ID] = b
		}
	}
	if len(bound) > 0 {
		e.bindings.Store(task.ID, bound)
	}
}

// rebind restores runtime functions on a task loaded from the store and binds
// named actions through the binder.
func (e *PlanExecutor) rebind(task *store.Task) {
	if task.Context == nil {
		task.Context = flow.Context{}
	}
	var bound map[string]stepBinding
	if v, ok := e.bindings.Load(task.ID); ok {
		bound = v.(map[string]stepBinding)
	}
	for _, s := range task.Plan {
		if b, ok := bound[s.ID]; ok {
			if s.Action == nil {
				s.Action = b.action
			}
			if s.Render == nil {
				s.Render = b.render
			}
			if len(b.conditions) == len(s.Transitions) {
				for i := range s.Transitions {
					if s.Transitions[i].Condition == nil {
						s.Transitions[i].Condition = b.conditions[i]
					}
				}
			}
		}
		if s.Action == nil && s.Type == schema.StepTypeSystemAction && e.binder != nil {
			// Bind errors surface when the step runs.
			_ = e.binder.Bind(s)
		}
	}
}

func (e *PlanExecutor) requestCancel(taskID string) {
	e.cancelMu.Lock()
	e.cancels[taskID] = struct{}{}
	e.cancelMu.Unlock()
}

func (e *PlanExecutor) cancelRequested(taskID string) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	_, ok := e.cancels[taskID]
	return ok
}

func (e *PlanExecutor) clearCancel(taskID string) {
	e.cancelMu.Lock()
	delete(e.cancels, taskID)
	e.cancelMu.Unlock()
}

func resultOf(task *store.Task) *RunResult {
	res := &RunResult{
		TaskID:     task.ID,
		Status:     task.Status,
		Error:      task.Error,
		HaltStepID: task.HaltStepID,
	}
	if task.Results != nil {
		res.Results = task.Results.Clone()
	}
	return res
}

// stepFailure normalizes an action error to STEP_FAILED, keeping the original
// code in the details.
func stepFailure(stepID string, cause error) *schema.FlowError {
	fe := schema.AsFlowError(cause, schema.ErrCodeStepFailed)
	if fe.Code != schema.ErrCodeStepFailed {
		fe = schema.NewError(schema.ErrCodeStepFailed, fe.Message).
			WithCause(cause).
			WithDetails(map[string]any{"cause_code": fe.Code})
	} else {
		clone := *fe
		fe = &clone
	}
	if fe.StepID == "" {
		fe.StepID = stepID
	}
	return fe
}

var _ Executor = (*PlanExecutor)(nil)
