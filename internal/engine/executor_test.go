package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- Test helpers ---

type countingRecorder struct {
	mu       sync.Mutex
	started  int
	finished map[schema.TaskStatus]int
	steps    map[schema.StepStatus]int
	rejected int
	turns    map[bool]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		finished: make(map[schema.TaskStatus]int),
		steps:    make(map[schema.StepStatus]int),
		turns:    make(map[bool]int),
	}
}

func (r *countingRecorder) TaskStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *countingRecorder) TaskFinished(status schema.TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[status]++
}

func (r *countingRecorder) StepFinished(_ schema.StepType, status schema.StepStatus, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[status]++
}

func (r *countingRecorder) ResumeRejected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected++
}

func (r *countingRecorder) SessionTurn(completed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns[completed]++
}

type harness struct {
	store   *store.MemoryStore
	hub     *streaming.MemoryHub
	metrics *countingRecorder
	cfg     ExecutorConfig
	exec    *PlanExecutor

	mu       sync.Mutex
	progress []streaming.ProgressEvent
}

func newHarness(t *testing.T, mutate ...func(*ExecutorConfig)) *harness {
	t.Helper()
	conds, err := expressions.NewConditions()
	require.NoError(t, err)

	h := &harness{
		store:   store.NewMemoryStore(),
		hub:     streaming.NewMemoryHub(logging.Discard()),
		metrics: newCountingRecorder(),
	}
	h.hub.Subscribe("", func(e streaming.ProgressEvent) {
		h.mu.Lock()
		h.progress = append(h.progress, e)
		h.mu.Unlock()
	})

	cfg := ExecutorConfig{
		Conditions:  conds,
		Broadcaster: h.hub,
		Events:      h.store,
		Metrics:     h.metrics,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.cfg = cfg
	h.exec = NewExecutor(h.store, cfg)
	return h
}

// flakyStore fails or blocks SaveTask for the tasks matched by its hooks.
type flakyStore struct {
	*store.MemoryStore

	mu      sync.Mutex
	failOn  func(*store.Task) bool
	blockOn func(*store.Task) bool
	blocked chan struct{}
	release chan struct{}
}

// withFlakyStore rebuilds h.exec over a flakyStore wrapping h.store.
func (h *harness) withFlakyStore() *flakyStore {
	fs := &flakyStore{MemoryStore: h.store}
	h.exec = NewExecutor(fs, h.cfg)
	return fs
}

func (s *flakyStore) failWhen(fn func(*store.Task) bool) {
	s.mu.Lock()
	s.failOn = fn
	s.mu.Unlock()
}

// blockOnce makes the first save matching fn wait for the returned release.
func (s *flakyStore) blockOnce(fn func(*store.Task) bool) (blocked <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockOn = fn
	s.blocked = make(chan struct{})
	s.release = make(chan struct{})
	return s.blocked, func() { close(s.release) }
}

func (s *flakyStore) SaveTask(ctx context.Context, task *store.Task) error {
	s.mu.Lock()
	fail := s.failOn != nil && s.failOn(task)
	block := s.blockOn != nil && s.blockOn(task)
	if block {
		s.blockOn = nil
	}
	blocked, release := s.blocked, s.release
	s.mu.Unlock()

	if fail {
		return errors.New("disk full")
	}
	if block {
		close(blocked)
		<-release
	}
	return s.MemoryStore.SaveTask(ctx, task)
}

func (h *harness) eventTypes(taskID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, e := range h.progress {
		if e.TaskID == taskID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (h *harness) task(t *testing.T, id string) *store.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func setValues(values map[string]any) flow.ActionFunc {
	return func(_ context.Context, _ *flow.Step, _ flow.Context) (flow.Context, error) {
		return flow.Context(values).Clone(), nil
	}
}

func greetAction(_ context.Context, _ *flow.Step, c flow.Context) (flow.Context, error) {
	return flow.Context{"greeting": fmt.Sprintf("Hello, %v", c["name"])}, nil
}

func newTask(id string, plan ...*flow.Step) *store.Task {
	return &store.Task{ID: id, AgentID: "agent-1", OriginalPrompt: "test", Plan: plan}
}

func greetTask(id string) *store.Task {
	return newTask(id,
		&flow.Step{ID: "ask", Type: schema.StepTypeUserInput, InputKey: "name", Message: "What is your name?"},
		&flow.Step{ID: "greet", Type: schema.StepTypeSystemAction, Action: greetAction},
	)
}

// --- Execute ---

func TestExecutor_AllSystemActionsCompleteInOneCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := newTask("t-auto",
		&flow.Step{ID: "s1", Type: schema.StepTypeSystemAction, Action: setValues(map[string]any{"a": 1})},
		&flow.Step{ID: "s2", Type: schema.StepTypeSystemAction, Action: setValues(map[string]any{"b": 2})},
	)

	res, err := h.exec.Execute(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, res.Status)
	assert.False(t, res.Halted())
	assert.Equal(t, flow.Context{"a": 1, "b": 2}, res.Results)

	assert.Equal(t, []string{
		schema.EventStep, schema.EventStep, schema.EventStep, schema.EventStep, schema.EventTaskComplete,
	}, h.eventTypes("t-auto"))

	stored := h.task(t, "t-auto")
	assert.Equal(t, schema.TaskStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	for _, s := range stored.Plan {
		assert.Equal(t, schema.StepStatusCompleted, s.Status, s.ID)
		assert.NotNil(t, s.StartedAt)
		assert.NotNil(t, s.CompletedAt)
	}
	assert.Equal(t, flow.Context{"b": 2}, stored.Plan[1].Result)

	assert.Equal(t, 1, h.metrics.started)
	assert.Equal(t, 1, h.metrics.finished[schema.TaskStatusCompleted])
	assert.Equal(t, 2, h.metrics.steps[schema.StepStatusCompleted])
}

func TestExecutor_ExecuteValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec.Execute(context.Background(), nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = h.exec.Execute(context.Background(), newTask("t-empty"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestExecutor_CreateThenExecute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.exec.Create(ctx, greetTask("t-created"))
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, created.Status)
	for _, s := range created.Plan {
		assert.Equal(t, schema.StepStatusPending, s.Status, s.ID)
	}

	_, err = h.exec.Create(ctx, greetTask("t-created"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	res, err := h.exec.Execute(ctx, greetTask("t-created"))
	require.NoError(t, err)
	assert.True(t, res.Halted())
	assert.Equal(t, "ask", res.HaltStepID)

	events, err := h.store.GetEvents(ctx, "t-created", 0)
	require.NoError(t, err)
	createdEvents := 0
	for _, e := range events {
		if e.Type == schema.EventTaskCreated {
			createdEvents++
		}
	}
	assert.Equal(t, 1, createdEvents)
	assert.Equal(t, 1, h.metrics.started)
}

func TestExecutor_ExecuteIsIdempotentForHaltedAndTerminalTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.exec.Execute(ctx, greetTask("t-idem"))
	require.NoError(t, err)
	require.True(t, res.Halted())

	again, err := h.exec.Execute(ctx, greetTask("t-idem"))
	require.NoError(t, err)
	assert.Equal(t, res.HaltStepID, again.HaltStepID)
	assert.Equal(t, 1, h.metrics.started)
}

// --- Halt and resume ---

func TestExecutor_HaltAndResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.exec.Execute(ctx, greetTask("t-greet"))
	require.NoError(t, err)
	assert.True(t, res.Halted())
	assert.Equal(t, schema.TaskStatusRunning, res.Status)
	assert.Equal(t, "ask", res.HaltStepID)
	assert.Equal(t, "task t-greet halted at ask", res.String())

	halted := h.task(t, "t-greet")
	ask, _ := halted.Step("ask")
	assert.Equal(t, schema.StepStatusRunning, ask.Status)
	greet, _ := halted.Step("greet")
	assert.Equal(t, schema.StepStatusPending, greet.Status)

	res, err = h.exec.ContinueExecution(ctx, "t-greet", "ask", map[string]any{"name": "Alice"})
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, res.Status)
	assert.Equal(t, "Alice", res.Results["name"])
	assert.Equal(t, "Hello, Alice", res.Results["greeting"])

	done := h.task(t, "t-greet")
	ask, _ = done.Step("ask")
	assert.Equal(t, flow.Context{"name": "Alice"}, ask.Result)
	assert.Empty(t, done.HaltStepID)
}

func TestExecutor_ClaimThenAdvance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.exec.Execute(ctx, greetTask("t-split"))
	require.NoError(t, err)

	_, err = h.exec.Advance(ctx, "t-split", "ask")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "advance before claim")

	claimed, err := h.exec.Claim(ctx, "t-split", "ask", map[string]any{"name": "Bob"})
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusRunning, claimed.Status)
	assert.Empty(t, claimed.HaltStepID)
	assert.Equal(t, "Bob", claimed.Context["name"])

	res, err := h.exec.Advance(ctx, "t-split", "ask")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, res.Status)

	// Advancing a finished task reports its result.
	res, err = h.exec.Advance(ctx, "t-split", "ask")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, res.Status)
}

func TestExecutor_StaleResumeChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.exec.Execute(ctx, greetTask("t-stale"))
	require.NoError(t, err)
	before := h.task(t, "t-stale")

	_, err = h.exec.ContinueExecution(ctx, "t-stale", "greet", map[string]any{"name": "Mallory"})
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeStaleResume, fe.Code)
	assert.Equal(t, "ask", fe.Details["halt_step_id"])

	_, err = h.exec.ContinueExecution(ctx, "t-stale", "missing", map[string]any{"name": "Mallory"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStaleResume))

	after := h.task(t, "t-stale")
	assert.Equal(t, before.Version, after.Version)
	assert.NotContains(t, after.Context, "name")
	assert.Equal(t, 2, h.metrics.rejected)

	_, err = h.exec.ContinueExecution(ctx, "t-stale", "ask", map[string]any{"name": "Alice"})
	require.NoError(t, err)

	completed := h.task(t, "t-stale")
	_, err = h.exec.ContinueExecution(ctx, "t-stale", "ask", map[string]any{"name": "Alice"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStaleResume))
	assert.Equal(t, completed.Version, h.task(t, "t-stale").Version)
}

func TestExecutor_ConcurrentResumeHasOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.exec.Execute(ctx, greetTask("t-race"))
	require.NoError(t, err)

	const callers = 8
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.exec.ContinueExecution(ctx, "t-race", "ask", map[string]any{"name": fmt.Sprintf("caller-%d", i)})
		}(i)
	}
	close(start)
	wg.Wait()

	winners, stale := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case schema.IsCode(err, schema.ErrCodeStaleResume):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, callers-1, stale)
	assert.Equal(t, schema.TaskStatusCompleted, h.task(t, "t-race").Status)
}

func TestExecutor_ResumeInputResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.exec.Execute(ctx, greetTask("t-input"))
	require.NoError(t, err)

	_, err = h.exec.ContinueExecution(ctx, "t-input", "ask", map[string]any{"first": "A", "second": "B"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Equal(t, "ask", h.task(t, "t-input").HaltStepID, "a rejected input keeps the halt point")

	res, err := h.exec.ContinueExecution(ctx, "t-input", "ask", map[string]any{"answer": "Bob"})
	require.NoError(t, err)
	assert.Equal(t, "Bob", res.Results["name"])
	assert.Equal(t, "Bob", res.Results["answer"])
	assert.Equal(t, "Hello, Bob", res.Results["greeting"])
}

// --- Failures ---

func TestExecutor_StepFailures(t *testing.T) {
	tests := []struct {
		name      string
		action    flow.ActionFunc
		message   string
		causeCode string
	}{
		{
			name: "plain error",
			action: func(context.Context, *flow.Step, flow.Context) (flow.Context, error) {
				return nil, errors.New("boom")
			},
			message: "boom",
		},
		{
			name: "step failed error keeps its message",
			action: func(context.Context, *flow.Step, flow.Context) (flow.Context, error) {
				return nil, schema.NewError(schema.ErrCodeStepFailed, "assertion failed")
			},
			message: "assertion failed",
		},
		{
			name: "foreign code is kept as cause",
			action: func(context.Context, *flow.Step, flow.Context) (flow.Context, error) {
				return nil, schema.NewError(schema.ErrCodeExpression, "bad reference")
			},
			message:   "bad reference",
			causeCode: schema.ErrCodeExpression,
		},
		{
			name: "panic",
			action: func(context.Context, *flow.Step, flow.Context) (flow.Context, error) {
				panic("kaboom")
			},
			message: "action panicked: kaboom",
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			id := fmt.Sprintf("t-fail-%d", i)
			task := newTask(id,
				&flow.Step{ID: "prep", Type: schema.StepTypeSystemAction, Action: setValues(map[string]any{"ready": true})},
				&flow.Step{ID: "work", Type: schema.StepTypeSystemAction, Action: tt.action},
				&flow.Step{ID: "never", Type: schema.StepTypeSystemAction, Action: setValues(map[string]any{"x": 1})},
			)

			res, err := h.exec.Execute(context.Background(), task)
			require.NoError(t, err)
			assert.Equal(t, schema.TaskStatusFailed, res.Status)
			require.NotNil(t, res.Error)
			assert.Equal(t, schema.ErrCodeStepFailed, res.Error.Code)
			assert.Equal(t, "work", res.Error.StepID)
			assert.Contains(t, res.Error.Message, tt.message)
			if tt.causeCode != "" {
				assert.Equal(t, tt.causeCode, res.Error.Details["cause_code"])
			}

			stored := h.task(t, id)
			work, _ := stored.Step("work")
			assert.Equal(t, schema.StepStatusFailed, work.Status)
			require.NotNil(t, work.Error)
			never, _ := stored.Step("never")
			assert.Equal(t, schema.StepStatusPending, never.Status)
			assert.Equal(t, true, stored.Context["ready"], "earlier deltas survive a failure")

			types := h.eventTypes(id)
			assert.Equal(t, schema.EventTaskError, types[len(types)-1])
			assert.Equal(t, 1, h.metrics.finished[schema.TaskStatusFailed])
		})
	}
}

func TestExecutor_UnboundActionFails(t *testing.T) {
	h := newHarness(t)
	task := newTask("t-unbound", &flow.Step{ID: "s1", Type: schema.StepTypeSystemAction, ActionName: "missing"})

	res, err := h.exec.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeStepFailed, res.Error.Code)
	assert.Equal(t, schema.ErrCodeNotFound, res.Error.Details["cause_code"])
}

// --- Transitions ---

func routingTask(id string, transitions []flow.Transition) *store.Task {
	return newTask(id,
		&flow.Step{ID: "score", Type: schema.StepTypeSystemAction, Action: setValues(map[string]any{"score": 80}), Transitions: transitions},
		&flow.Step{ID: "high", Type: schema.StepTypeEnd},
		&flow.Step{ID: "mid", Type: schema.StepTypeEnd},
		&flow.Step{ID: "low", Type: schema.StepTypeEnd},
	)
}

func TestExecutor_FirstMatchingTransitionWins(t *testing.T) {
	h := newHarness(t)

	res, err := h.exec.Execute(context.Background(), routingTask("t-route", []flow.Transition{
		{When: "context.score > 90", Target: "high"},
		{When: "context.score > 50", Target: "mid"},
		{When: "score > 10", Lang: schema.LangExpr, Target: "low"},
	}))
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, res.Status)

	stored := h.task(t, "t-route")
	for id, want := range map[string]schema.StepStatus{
		"high": schema.StepStatusPending,
		"mid":  schema.StepStatusCompleted,
		"low":  schema.StepStatusPending,
	} {
		s, _ := stored.Step(id)
		assert.Equal(t, want, s.Status, id)
	}
}

func TestExecutor_PredicateTransitions(t *testing.T) {
	h := newHarness(t)

	res, err := h.exec.Execute(context.Background(), routingTask("t-pred", []flow.Transition{
		{Condition: func(c flow.Context) bool { return c["score"] == 80 }, Target: "high"},
		{Target: "low"},
	}))
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, res.Status)

	high, _ := h.task(t, "t-pred").Step("high")
	assert.Equal(t, schema.StepStatusCompleted, high.Status)
}

func TestExecutor_NoMatchingTransition(t *testing.T) {
	h := newHarness(t)

	res, err := h.exec.Execute(context.Background(), routingTask("t-nomatch", []flow.Transition{
		{When: "context.score > 90", Target: "high"},
	}))
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeTransition, res.Error.Code)
	assert.Equal(t, "score", res.Error.StepID)

	score, _ := h.task(t, "t-nomatch").Step("score")
	assert.Equal(t, schema.StepStatusCompleted, score.Status)
}

func TestExecutor_StepLimit(t *testing.T) {
	h := newHarness(t, func(cfg *ExecutorConfig) { cfg.MaxSteps = 3 })

	var plan []*flow.Step
	for i := 0; i < 5; i++ {
		plan = append(plan, &flow.Step{
			ID:     fmt.Sprintf("s%d", i),
			Type:   schema.StepTypeSystemAction,
			Action: setValues(map[string]any{fmt.Sprintf("k%d", i): i}),
		})
	}

	res, err := h.exec.Execute(context.Background(), newTask("t-cap", plan...))
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeTransition, res.Error.Code)
	assert.Contains(t, res.Error.Message, "step limit of 3 exceeded")
}

func TestExecutor_RevisitedStepFails(t *testing.T) {
	h := newHarness(t)
	task := newTask("t-loop",
		&flow.Step{ID: "a", Type: schema.StepTypeSystemAction, Action: setValues(nil), Transitions: []flow.Transition{{Target: "b"}}},
		&flow.Step{ID: "b", Type: schema.StepTypeSystemAction, Action: setValues(nil), Transitions: []flow.Transition{{Target: "a"}}},
	)

	res, err := h.exec.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeTransition, res.Error.Code)
	assert.Contains(t, res.Error.Message, "already visited")
}

// --- Cancellation ---

func TestExecutor_CancelHaltedTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.exec.Execute(ctx, greetTask("t-cancel"))
	require.NoError(t, err)

	require.NoError(t, h.exec.Cancel(ctx, "t-cancel"))

	stored := h.task(t, "t-cancel")
	assert.Equal(t, schema.TaskStatusCancelled, stored.Status)
	assert.Empty(t, stored.HaltStepID)
	require.NotNil(t, stored.Error)
	assert.Equal(t, schema.ErrCodeCancelled, stored.Error.Code)
	ask, _ := stored.Step("ask")
	assert.Equal(t, schema.StepStatusFailed, ask.Status)
	assert.Equal(t, schema.ErrCodeCancelled, ask.Error.Code)

	types := h.eventTypes("t-cancel")
	assert.Equal(t, schema.EventTaskCancelled, types[len(types)-1])

	err = h.exec.Cancel(ctx, "t-cancel")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	_, err = h.exec.ContinueExecution(ctx, "t-cancel", "ask", map[string]any{"name": "Alice"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStaleResume))
}

func TestExecutor_CancelPendingTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := greetTask("t-pending")
	flow.LinkPlan(task.Plan)
	task.Status = schema.TaskStatusPending
	require.NoError(t, h.store.SaveTask(ctx, task))

	require.NoError(t, h.exec.Cancel(ctx, "t-pending"))
	assert.Equal(t, schema.TaskStatusCancelled, h.task(t, "t-pending").Status)

	res, err := h.exec.Execute(ctx, greetTask("t-pending"))
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCancelled, res.Status)
	assert.Zero(t, h.metrics.started)
}

func TestExecutor_CancelDuringRunningAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	task := newTask("t-busy",
		&flow.Step{ID: "slow", Type: schema.StepTypeSystemAction, Action: func(context.Context, *flow.Step, flow.Context) (flow.Context, error) {
			close(entered)
			<-release
			return flow.Context{"slow": true}, nil
		}},
		&flow.Step{ID: "after", Type: schema.StepTypeSystemAction, Action: setValues(map[string]any{"after": true})},
	)

	done := make(chan *RunResult, 1)
	go func() {
		res, err := h.exec.Execute(ctx, task)
		assert.NoError(t, err)
		done <- res
	}()

	<-entered
	require.NoError(t, h.exec.Cancel(ctx, "t-busy"))
	close(release)

	select {
	case res := <-done:
		assert.Equal(t, schema.TaskStatusCancelled, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	stored := h.task(t, "t-busy")
	slow, _ := stored.Step("slow")
	assert.Equal(t, schema.StepStatusCompleted, slow.Status, "the running step finishes")
	next, _ := stored.Step("after")
	assert.Equal(t, schema.StepStatusPending, next.Status)
	assert.Equal(t, true, stored.Context["slow"])
}

func TestExecutor_CancelWhileHaltIsSaving(t *testing.T) {
	h := newHarness(t)
	fs := h.withFlakyStore()
	ctx := context.Background()

	blocked, release := fs.blockOnce(func(task *store.Task) bool { return task.HaltStepID != "" })

	done := make(chan *RunResult, 1)
	go func() {
		res, err := h.exec.Execute(ctx, greetTask("t-halting"))
		assert.NoError(t, err)
		done <- res
	}()

	<-blocked
	require.NoError(t, h.exec.Cancel(ctx, "t-halting"))
	release()

	select {
	case res := <-done:
		assert.Equal(t, schema.TaskStatusCancelled, res.Status)
		assert.Empty(t, res.HaltStepID)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}

	stored := h.task(t, "t-halting")
	assert.Equal(t, schema.TaskStatusCancelled, stored.Status)
	assert.Empty(t, stored.HaltStepID)
	ask, _ := stored.Step("ask")
	assert.Equal(t, schema.StepStatusFailed, ask.Status)

	types := h.eventTypes("t-halting")
	assert.Equal(t, schema.EventTaskCancelled, types[len(types)-1])
	assert.False(t, h.exec.cancelRequested("t-halting"))
}

func TestExecutor_ClaimRefusesCancelledTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.exec.Execute(ctx, greetTask("t-claim-cancel"))
	require.NoError(t, err)

	// A cancel that could not take the lock leaves only the flag behind.
	h.exec.requestCancel("t-claim-cancel")

	_, err = h.exec.Claim(ctx, "t-claim-cancel", "ask", map[string]any{"name": "Alice"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))

	stored := h.task(t, "t-claim-cancel")
	assert.Equal(t, schema.TaskStatusCancelled, stored.Status)
	assert.NotContains(t, stored.Context, "name")
	ask, _ := stored.Step("ask")
	assert.Equal(t, schema.StepStatusFailed, ask.Status)
}

func TestExecutor_CancelFinishesClaimedTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.exec.Execute(ctx, greetTask("t-claimed"))
	require.NoError(t, err)
	_, err = h.exec.Claim(ctx, "t-claimed", "ask", map[string]any{"name": "Alice"})
	require.NoError(t, err)

	// The advance never ran.
	require.NoError(t, h.exec.Cancel(ctx, "t-claimed"))

	stored := h.task(t, "t-claimed")
	assert.Equal(t, schema.TaskStatusCancelled, stored.Status)
	ask, _ := stored.Step("ask")
	assert.Equal(t, schema.StepStatusCompleted, ask.Status)
	greet, _ := stored.Step("greet")
	assert.Equal(t, schema.StepStatusPending, greet.Status)

	res, err := h.exec.Advance(ctx, "t-claimed", "ask")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCancelled, res.Status)
}

func TestExecutor_CancelUnknownTask(t *testing.T) {
	h := newHarness(t)
	err := h.exec.Cancel(context.Background(), "nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

// --- Persistence failures ---

func TestExecutor_FailedActionSaveStopsTheRun(t *testing.T) {
	h := newHarness(t)
	fs := h.withFlakyStore()
	ctx := context.Background()

	fs.failWhen(func(task *store.Task) bool {
		s1, ok := task.Step("s1")
		return ok && s1.Status == schema.StepStatusCompleted
	})
	task := newTask("t-save",
		&flow.Step{ID: "s1", Type: schema.StepTypeSystemAction, Action: setValues(map[string]any{"a": 1})},
		&flow.Step{ID: "s2", Type: schema.StepTypeSystemAction, Action: setValues(map[string]any{"b": 2})},
	)

	_, err := h.exec.Execute(ctx, task)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))

	stored := h.task(t, "t-save")
	assert.Equal(t, schema.TaskStatusRunning, stored.Status)
	assert.NotContains(t, stored.Context, "a")
	s1, _ := stored.Step("s1")
	assert.Equal(t, schema.StepStatusRunning, s1.Status, "only the last persisted state is kept")
	s2, _ := stored.Step("s2")
	assert.Equal(t, schema.StepStatusPending, s2.Status)

	// Cancel finishes the stranded task.
	fs.failWhen(nil)
	require.NoError(t, h.exec.Cancel(ctx, "t-save"))
	stored = h.task(t, "t-save")
	assert.Equal(t, schema.TaskStatusCancelled, stored.Status)
	s1, _ = stored.Step("s1")
	assert.Equal(t, schema.StepStatusFailed, s1.Status)
	require.NotNil(t, s1.Error)
	assert.Equal(t, schema.ErrCodeCancelled, s1.Error.Code)
}

func TestExecutor_FailedHaltSave(t *testing.T) {
	h := newHarness(t)
	fs := h.withFlakyStore()
	ctx := context.Background()

	fs.failWhen(func(task *store.Task) bool { return task.HaltStepID != "" })

	_, err := h.exec.Execute(ctx, greetTask("t-halt-save"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))

	stored := h.task(t, "t-halt-save")
	assert.Equal(t, schema.TaskStatusRunning, stored.Status)
	assert.Empty(t, stored.HaltStepID)
	ask, _ := stored.Step("ask")
	assert.Equal(t, schema.StepStatusPending, ask.Status)

	_, err = h.exec.Claim(ctx, "t-halt-save", "ask", map[string]any{"name": "Alice"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStaleResume))
}

func TestExecutor_FailedClaimSaveKeepsHaltPoint(t *testing.T) {
	h := newHarness(t)
	fs := h.withFlakyStore()
	ctx := context.Background()

	_, err := h.exec.Execute(ctx, greetTask("t-claim-save"))
	require.NoError(t, err)

	fs.failWhen(func(task *store.Task) bool {
		return task.Status == schema.TaskStatusRunning && task.HaltStepID == ""
	})
	_, err = h.exec.ContinueExecution(ctx, "t-claim-save", "ask", map[string]any{"name": "Alice"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))

	stored := h.task(t, "t-claim-save")
	assert.Equal(t, "ask", stored.HaltStepID)
	assert.NotContains(t, stored.Context, "name")
	ask, _ := stored.Step("ask")
	assert.Equal(t, schema.StepStatusRunning, ask.Status)

	fs.failWhen(nil)
	res, err := h.exec.ContinueExecution(ctx, "t-claim-save", "ask", map[string]any{"name": "Alice"})
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, res.Status)
	assert.Equal(t, "Hello, Alice", res.Results["greeting"])
}

// --- History ---

func TestExecutor_EventLogShowsMonotonicStatuses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.exec.Execute(ctx, greetTask("t-log"))
	require.NoError(t, err)
	_, err = h.exec.ContinueExecution(ctx, "t-log", "ask", map[string]any{"name": "Alice"})
	require.NoError(t, err)

	log := store.NewEventLog(h.store)
	steps, err := log.ReplaySteps(ctx, "t-log")
	require.NoError(t, err)

	forward := []schema.StepStatus{schema.StepStatusRunning, schema.StepStatusCompleted}
	require.Contains(t, steps, "ask")
	require.Contains(t, steps, "greet")
	assert.Equal(t, forward, steps["ask"].Statuses)
	assert.Equal(t, forward, steps["greet"].Statuses)

	timeline, err := log.TaskTimeline(ctx, "t-log")
	require.NoError(t, err)
	assert.Equal(t, []string{
		schema.EventTaskCreated, schema.EventTaskStarted, schema.EventTaskCompleted,
	}, timeline)

	events, err := log.GetEvents(ctx, "t-log", 0)
	require.NoError(t, err)
	for _, e := range events {
		assert.Equal(t, "agent-1", e.AgentID, e.Type)
	}
}

// --- Backends and binding ---

func TestExecutor_LibSQLRebindsAfterReload(t *testing.T) {
	db, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })

	conds, err := expressions.NewConditions()
	require.NoError(t, err)
	exec := NewExecutor(db, ExecutorConfig{Conditions: conds, Events: db})
	ctx := context.Background()

	task := newTask("t-libsql",
		&flow.Step{ID: "ask", Type: schema.StepTypeUserInput, InputKey: "name"},
		&flow.Step{ID: "greet", Type: schema.StepTypeSystemAction, Action: greetAction, Transitions: []flow.Transition{
			{Condition: func(c flow.Context) bool { return c["name"] == "Alice" }, Target: "done"},
			{Target: "other"},
		}},
		&flow.Step{ID: "other", Type: schema.StepTypeEnd},
		&flow.Step{ID: "done", Type: schema.StepTypeEnd},
	)

	res, err := exec.Execute(ctx, task)
	require.NoError(t, err)
	require.True(t, res.Halted())

	res, err = exec.ContinueExecution(ctx, "t-libsql", "ask", map[string]any{"name": "Alice"})
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, res.Status)
	assert.Equal(t, "Hello, Alice", res.Results["greeting"])

	stored, err := db.GetTask(ctx, "t-libsql")
	require.NoError(t, err)
	done, _ := stored.Step("done")
	assert.Equal(t, schema.StepStatusCompleted, done.Status)
	other, _ := stored.Step("other")
	assert.Equal(t, schema.StepStatusPending, other.Status)

	exec.Forget("t-libsql")
	_, ok := exec.bindings.Load("t-libsql")
	assert.False(t, ok)
}

func TestExecutor_BindsNamedActionsThroughRegistry(t *testing.T) {
	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, actions.BuiltinDeps{}))
	h := newHarness(t, func(cfg *ExecutorConfig) { cfg.Binder = reg })
	ctx := context.Background()

	task := newTask("t-named",
		&flow.Step{ID: "ask", Type: schema.StepTypeUserInput, InputKey: "name"},
		&flow.Step{ID: "greet", Type: schema.StepTypeSystemAction, ActionName: "context.set", Params: map[string]any{
			"values": map[string]any{"greeted": true, "who": "${{ context.name }}"},
		}},
	)

	res, err := h.exec.Execute(ctx, task)
	require.NoError(t, err)
	require.True(t, res.Halted())

	res, err = h.exec.ContinueExecution(ctx, "t-named", "ask", map[string]any{"name": "Alice"})
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, res.Status)
	assert.Equal(t, true, res.Results["greeted"])
	assert.Equal(t, "Alice", res.Results["who"])
}
