package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// WorkflowSource resolves workflow templates by id.
type WorkflowSource interface {
	Workflow(id string) (*flow.Workflow, error)
}

// TurnResult is what one conversation turn returns to the caller.
type TurnResult struct {
	SessionID         string       `json:"session_id"`
	SystemMessage     string       `json:"system_message"`
	IsWaitingForInput bool         `json:"is_waiting_for_input"`
	IsCompleted       bool         `json:"is_completed"`
	CurrentStepID     string       `json:"current_step_id"`
	Context           flow.Context `json:"context,omitempty"`
}

// SessionConfig holds the optional collaborators of a SessionEngine.
type SessionConfig struct {
	MaxSteps   int
	Conditions flow.ConditionEvaluator
	Renderer   flow.MessageRenderer
	Binder     ActionBinder
	Events     EventAppender
	Metrics    Recorder
	Logger     *slog.Logger
}

// SessionEngine advances conversations against workflow templates, one
// synchronous turn at a time.
type SessionEngine struct {
	sessions  store.SessionStore
	workflows WorkflowSource
	resolver  *flow.Resolver
	renderer  flow.MessageRenderer
	binder    ActionBinder
	events    EventAppender
	metrics   Recorder
	logger    *slog.Logger
	maxSteps  int
	locks     *keyedMutex
}

// NewSessionEngine creates a SessionEngine.
func NewSessionEngine(sessions store.SessionStore, workflows WorkflowSource, cfg SessionConfig) *SessionEngine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &SessionEngine{
		sessions:  sessions,
		workflows: workflows,
		resolver:  flow.NewResolver(cfg.Conditions),
		renderer:  cfg.Renderer,
		binder:    cfg.Binder,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		maxSteps:  cfg.MaxSteps,
		locks:     newKeyedMutex(),
	}
}

// Converse runs one turn of sessionID. The first turn creates the session and
// requires workflowID; later turns use the session's own workflow. userInput
// answers the step the session is waiting on, if any. A failed turn leaves the
// stored session as it was.
func (s *SessionEngine) Converse(ctx context.Context, sessionID string, userInput *string, workflowID string) (*TurnResult, error) {
	if sessionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "session id is required")
	}
	ctx = logging.WithSessionID(ctx, sessionID)

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.sessions.GetSession(ctx, sessionID)
	var wf *flow.Workflow
	switch {
	case store.IsNotFound(err):
		if workflowID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required to start a session")
		}
		if wf, err = s.workflows.Workflow(workflowID); err != nil {
			return nil, err
		}
		sess = &store.Session{
			ID:            sessionID,
			WorkflowID:    wf.ID,
			CurrentStepID: wf.InitialStepID,
			Context:       flow.Context{},
		}
		s.logger.InfoContext(ctx, "session created", slog.String("workflow_id", wf.ID))
	case err != nil:
		return nil, err
	default:
		if wf, err = s.workflows.Workflow(sess.WorkflowID); err != nil {
			return nil, err
		}
	}
	if sess.Context == nil {
		sess.Context = flow.Context{}
	}

	step, err := wf.Step(sess.CurrentStepID)
	if err != nil {
		return nil, err
	}

	if userInput != nil && step.Type == schema.StepTypeUserInput {
		sess.Context[step.InputKey] = *userInput
		if step, err = s.advance(ctx, wf, step, sess.Context); err != nil {
			return nil, err
		}
	}

	// A session that finished on a terminal action stays finished.
	completed := sess.Turns > 0 && step.Type == schema.StepTypeSystemAction && step.Terminal
	for executed := 0; !completed && step.Type == schema.StepTypeSystemAction; executed++ {
		if executed >= s.maxSteps {
			return nil, schema.NewErrorf(schema.ErrCodeTransition,
				"step limit of %d exceeded", s.maxSteps).WithStep(step.ID)
		}
		sctx := logging.WithStepID(ctx, step.ID)

		started := time.Now()
		delta, err := s.invoke(sctx, step, sess.Context)
		if err != nil {
			s.metrics.StepFinished(step.Type, schema.StepStatusFailed, time.Since(started))
			fe := stepFailure(step.ID, err)
			s.logger.WarnContext(sctx, "session action failed", slog.String("error", fe.Message))
			return nil, fe
		}
		sess.Context.Merge(delta.Clone())
		s.metrics.StepFinished(step.Type, schema.StepStatusCompleted, time.Since(started))

		if step.Terminal {
			completed = true
			break
		}
		if step, err = s.advance(sctx, wf, step, sess.Context); err != nil {
			return nil, err
		}
	}
	if step.Type == schema.StepTypeEnd {
		completed = true
	}

	message, err := flow.Render(ctx, s.renderer, step, sess.Context)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeExpression).WithStep(step.ID)
	}

	sess.CurrentStepID = step.ID
	sess.Turns++
	if err := s.sessions.SaveSession(ctx, sess); err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}

	waiting := step.Type == schema.StepTypeUserInput
	s.record(ctx, sess, waiting, completed)
	s.metrics.SessionTurn(completed)
	s.logger.DebugContext(ctx, "session turn",
		slog.String("step_id", step.ID), slog.Bool("waiting", waiting), slog.Bool("completed", completed))

	return &TurnResult{
		SessionID:         sess.ID,
		SystemMessage:     message,
		IsWaitingForInput: waiting,
		IsCompleted:       completed,
		CurrentStepID:     step.ID,
		Context:           sess.Context.Clone(),
	}, nil
}

func (s *SessionEngine) advance(ctx context.Context, wf *flow.Workflow, step *flow.Step, c flow.Context) (*flow.Step, error) {
	next, err := s.resolver.Next(ctx, step, c)
	if err != nil {
		return nil, err
	}
	return wf.Step(next)
}

// invoke runs the step action on a copy of c. Workflow steps are shared, so an
// unbound step is bound on a clone.
func (s *SessionEngine) invoke(ctx context.Context, step *flow.Step, c flow.Context) (delta flow.Context, err error) {
	if step.Action == nil {
		if s.binder == nil {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no action bound to step %q", step.ID).WithStep(step.ID)
		}
		step = step.Clone()
		if err := s.binder.Bind(step); err != nil {
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

func (s *SessionEngine) record(ctx context.Context, sess *store.Session, waiting, completed bool) {
	if s.events == nil {
		return
	}
	event := &store.Event{TaskID: sess.ID, StepID: sess.CurrentStepID, Type: schema.EventSessionTurn}
	WithPayload(map[string]any{
		"workflow_id": sess.WorkflowID,
		"turn":        sess.Turns,
		"waiting":     waiting,
		"completed":   completed,
	})(event)
	if err := s.events.AppendEvent(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "append session event failed", slog.String("error", err.Error()))
	}
}
