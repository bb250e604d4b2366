package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/internal/service"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- Mock API ---

type mockAPI struct {
	err error

	startReq  service.StartRequest
	continued map[string]any
	turnReq   service.ConverseRequest
	cancelled string

	view   *service.TaskView
	events chan streaming.ProgressEvent
}

func (m *mockAPI) Start(_ context.Context, req service.StartRequest) (*service.StartResponse, error) {
	m.startReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &service.StartResponse{
		TaskID: "task-1",
		Source: "template",
		Plan:   []*flow.Step{{ID: "ask", Type: schema.StepTypeUserInput, Status: schema.StepStatusPending}},
	}, nil
}

func (m *mockAPI) Continue(_ context.Context, taskID, stepID string, input map[string]any) (*service.ContinueResponse, error) {
	m.continued = input
	if m.err != nil {
		return nil, m.err
	}
	return &service.ContinueResponse{Success: true, TaskID: taskID, StepID: stepID}, nil
}

func (m *mockAPI) Status(_ context.Context, taskID string) (*service.TaskView, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.view != nil {
		return m.view, nil
	}
	return &service.TaskView{TaskID: taskID, Status: schema.TaskStatusRunning, HaltStepID: "ask"}, nil
}

func (m *mockAPI) Converse(_ context.Context, req service.ConverseRequest) (*engine.TurnResult, error) {
	m.turnReq = req
	if m.err != nil {
		return nil, m.err
	}
	id := req.SessionID
	if id == "" {
		id = "session-1"
	}
	return &engine.TurnResult{SessionID: id, SystemMessage: "What would you like to purchase?", IsWaitingForInput: true}, nil
}

func (m *mockAPI) Cancel(_ context.Context, taskID string) error {
	m.cancelled = taskID
	return m.err
}

func (m *mockAPI) Watch(context.Context, string) (<-chan streaming.ProgressEvent, func(), error) {
	if m.events == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "progress streaming is not enabled")
	}
	return m.events, func() {}, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []map[string]any
	done     chan struct{}
	want     int
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payload)
	if len(n.payloads) == n.want {
		close(n.done)
	}
	return nil
}

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// --- Tests ---

func TestStartTool(t *testing.T) {
	api := &mockAPI{}
	s := NewStepflowServer(StepflowServerDeps{API: api})

	req := buildRequest("stepflow.start", map[string]any{
		"prompt":   "buy a laptop",
		"context":  map[string]any{"budget": 900},
		"user_id":  "user-1",
		"agent_id": "agent-1",
	})

	result, err := s.handleStart(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	var resp service.StartResponse
	unmarshalResult(t, result, &resp)
	assert.Equal(t, "task-1", resp.TaskID)
	require.Len(t, resp.Plan, 1)

	assert.Equal(t, "buy a laptop", api.startReq.Prompt)
	assert.Equal(t, "user-1", api.startReq.UserID)
	assert.Equal(t, "agent-1", api.startReq.AgentID)
	assert.Equal(t, map[string]any{"budget": 900}, api.startReq.Context)
}

func TestStartToolMissingPrompt(t *testing.T) {
	s := NewStepflowServer(StepflowServerDeps{API: &mockAPI{}})

	result, err := s.handleStart(context.Background(), buildRequest("stepflow.start", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStartToolPlannerError(t *testing.T) {
	api := &mockAPI{err: schema.NewError(schema.ErrCodePlanner, "no workflow matches the request")}
	s := NewStepflowServer(StepflowServerDeps{API: api})

	result, err := s.handleStart(context.Background(), buildRequest("stepflow.start", map[string]any{"prompt": "sing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "start failed: [PLANNER_ERROR] no workflow matches the request", extractText(t, result))
}

func TestContinueTool(t *testing.T) {
	api := &mockAPI{}
	s := NewStepflowServer(StepflowServerDeps{API: api})

	req := buildRequest("stepflow.continue", map[string]any{
		"task_id":    "task-1",
		"step_id":    "ask",
		"user_input": map[string]any{"item": "Laptop"},
	})

	result, err := s.handleContinue(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, map[string]any{"item": "Laptop"}, api.continued)

	var resp service.ContinueResponse
	unmarshalResult(t, result, &resp)
	assert.True(t, resp.Success)
}

func TestContinueToolMissingParams(t *testing.T) {
	s := NewStepflowServer(StepflowServerDeps{API: &mockAPI{}})

	tests := []map[string]any{
		{"step_id": "ask", "user_input": map[string]any{"a": 1}},
		{"task_id": "task-1", "user_input": map[string]any{"a": 1}},
		{"task_id": "task-1", "step_id": "ask"},
	}
	for _, args := range tests {
		result, err := s.handleContinue(context.Background(), buildRequest("stepflow.continue", args))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	}
}

func TestContinueToolStaleResume(t *testing.T) {
	api := &mockAPI{err: schema.NewError(schema.ErrCodeStaleResume, `step "ask" is not the current halt point`)}
	s := NewStepflowServer(StepflowServerDeps{API: api})

	result, err := s.handleContinue(context.Background(), buildRequest("stepflow.continue", map[string]any{
		"task_id": "task-1", "step_id": "ask", "user_input": map[string]any{"item": "x"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "STALE_RESUME")
}

func TestStatusTool(t *testing.T) {
	s := NewStepflowServer(StepflowServerDeps{API: &mockAPI{}})

	result, err := s.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{"task_id": "task-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var view service.TaskView
	unmarshalResult(t, result, &view)
	assert.Equal(t, schema.TaskStatusRunning, view.Status)
	assert.Equal(t, "ask", view.HaltStepID)
}

func TestStatusToolMissingID(t *testing.T) {
	s := NewStepflowServer(StepflowServerDeps{API: &mockAPI{}})

	result, err := s.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusToolNotFound(t *testing.T) {
	api := &mockAPI{err: schema.NewError(schema.ErrCodeNotFound, `task "nope" not found`)}
	s := NewStepflowServer(StepflowServerDeps{API: api})

	result, err := s.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{"task_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "NOT_FOUND")
}

func TestConverseTool(t *testing.T) {
	api := &mockAPI{}
	s := NewStepflowServer(StepflowServerDeps{API: api})

	result, err := s.handleConverse(context.Background(), buildRequest("stepflow.converse", map[string]any{
		"workflow_id": "procurement-intake",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Nil(t, api.turnReq.UserInput)

	var turn engine.TurnResult
	unmarshalResult(t, result, &turn)
	assert.Equal(t, "session-1", turn.SessionID)
	assert.True(t, turn.IsWaitingForInput)

	result, err = s.handleConverse(context.Background(), buildRequest("stepflow.converse", map[string]any{
		"session_id": "session-1",
		"user_input": "Laptop",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.NotNil(t, api.turnReq.UserInput)
	assert.Equal(t, "Laptop", *api.turnReq.UserInput)
	assert.Equal(t, "session-1", api.turnReq.SessionID)
}

func TestConverseToolNeedsWorkflowForNewSession(t *testing.T) {
	s := NewStepflowServer(StepflowServerDeps{API: &mockAPI{}})

	result, err := s.handleConverse(context.Background(), buildRequest("stepflow.converse", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool(t *testing.T) {
	api := &mockAPI{}
	s := NewStepflowServer(StepflowServerDeps{API: api})

	result, err := s.handleCancel(context.Background(), buildRequest("stepflow.cancel", map[string]any{"task_id": "task-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "task-1", api.cancelled)

	api.err = schema.NewError(schema.ErrCodeConflict, "task task-1 is already completed")
	result, err = s.handleCancel(context.Background(), buildRequest("stepflow.cancel", map[string]any{"task_id": "task-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "CONFLICT")
}

func TestFollowNotifiesHaltAndCompletion(t *testing.T) {
	api := &mockAPI{events: make(chan streaming.ProgressEvent, 4)}
	s := NewStepflowServer(StepflowServerDeps{API: api})
	rec := &recordingNotifier{done: make(chan struct{}), want: 3}
	s.notifier = rec

	s.follow(context.Background(), "task-1", "agent-1")

	api.events <- streaming.ProgressEvent{TaskID: "task-1", StepID: "calc", Type: schema.EventStep,
		Payload: &flow.Step{ID: "calc", Type: schema.StepTypeSystemAction, Status: schema.StepStatusCompleted}}
	api.events <- streaming.ProgressEvent{TaskID: "task-1", StepID: "amount", Type: schema.EventStep,
		Payload: &flow.Step{ID: "amount", Type: schema.StepTypeUserInput, Status: schema.StepStatusRunning, Message: "How much?"}}
	api.events <- streaming.ProgressEvent{TaskID: "task-1", Type: schema.EventTaskComplete, Status: "completed"}

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifications not delivered")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.payloads, 3)
	assert.Equal(t, "waiting_for_input", rec.payloads[0]["event"])
	assert.Equal(t, "ask", rec.payloads[0]["step_id"])
	assert.Equal(t, "amount", rec.payloads[1]["step_id"])
	assert.Equal(t, "How much?", rec.payloads[1]["message"])
	assert.Equal(t, schema.EventTaskComplete, rec.payloads[2]["event"])
}

func TestFollowStopsForFinishedTask(t *testing.T) {
	api := &mockAPI{
		events: make(chan streaming.ProgressEvent),
		view:   &service.TaskView{TaskID: "task-1", Status: schema.TaskStatusFailed},
	}
	s := NewStepflowServer(StepflowServerDeps{API: api})
	rec := &recordingNotifier{done: make(chan struct{}), want: 1}
	s.notifier = rec

	s.follow(context.Background(), "task-1", "agent-1")

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "task_failed", rec.payloads[0]["event"])
}

func TestMCPNotifierSkipsUnknownAgent(t *testing.T) {
	s := NewStepflowServer(StepflowServerDeps{})
	n := NewMCPNotifier(s.MCPServer(), NewSessionRegistry())

	assert.NoError(t, n.Notify(context.Background(), "agent-x", map[string]any{"event": "task_complete"}))
}

func TestMCPNotifierDropsStaleSession(t *testing.T) {
	s := NewStepflowServer(StepflowServerDeps{})
	sessions := NewSessionRegistry()
	sessions.Register("agent-1", "gone")
	n := NewMCPNotifier(s.MCPServer(), sessions)

	assert.NoError(t, n.Notify(context.Background(), "agent-1", map[string]any{"event": "task_complete"}))
	_, ok := sessions.SessionFor("agent-1")
	assert.False(t, ok)
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
