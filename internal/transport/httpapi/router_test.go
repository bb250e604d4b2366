package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/observability"
	"github.com/rendis/stepflow/internal/planner"
	"github.com/rendis/stepflow/internal/service"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/internal/workflows"
	"github.com/rendis/stepflow/pkg/schema"
)

// fakeAPI fails every call with err unless a test overrides it.
type fakeAPI struct {
	err       error
	startReq  service.StartRequest
	turnReq   service.ConverseRequest
	continued map[string]any
}

func (f *fakeAPI) Start(_ context.Context, req service.StartRequest) (*service.StartResponse, error) {
	f.startReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &service.StartResponse{TaskID: "task-1", Source: planner.SourceTemplate}, nil
}

func (f *fakeAPI) Continue(_ context.Context, taskID, stepID string, input map[string]any) (*service.ContinueResponse, error) {
	f.continued = input
	if f.err != nil {
		return nil, f.err
	}
	return &service.ContinueResponse{Success: true, TaskID: taskID, StepID: stepID}, nil
}

func (f *fakeAPI) Status(_ context.Context, taskID string) (*service.TaskView, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.TaskView{TaskID: taskID, Status: schema.TaskStatusRunning}, nil
}

func (f *fakeAPI) Wait(ctx context.Context, taskID string) (*service.TaskView, error) {
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("wait without deadline")
	}
	return &service.TaskView{TaskID: taskID, Status: schema.TaskStatusCompleted}, nil
}

func (f *fakeAPI) Cancel(context.Context, string) error { return f.err }

func (f *fakeAPI) Converse(_ context.Context, req service.ConverseRequest) (*engine.TurnResult, error) {
	f.turnReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &engine.TurnResult{SessionID: req.SessionID, IsWaitingForInput: true}, nil
}

func (f *fakeAPI) Events(context.Context, string, int64) ([]*store.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []*store.Event{{TaskID: "task-1", Type: schema.EventTaskCreated, Sequence: 1}}, nil
}

func (f *fakeAPI) Watch(context.Context, string) (<-chan streaming.ProgressEvent, func(), error) {
	return nil, nil, f.err
}

func (f *fakeAPI) ListWorkflows() []workflows.Summary {
	return []workflows.Summary{{ID: "procurement-intake"}}
}

func (f *fakeAPI) WorkflowDiagram(_ context.Context, workflowID, format string) (*service.Diagram, error) {
	if f.err != nil {
		return nil, f.err
	}
	if format == "png" {
		return &service.Diagram{Format: diagram.FormatPNG, Body: []byte("\x89PNG")}, nil
	}
	return &service.Diagram{Format: diagram.FormatMermaid, Body: []byte("graph TD\n    %% " + workflowID + "\n")}, nil
}

func (f *fakeAPI) TaskDiagram(_ context.Context, taskID, _ string) (*service.Diagram, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.Diagram{Format: diagram.FormatASCII, Body: []byte("=== task " + taskID + " ===\n")}, nil
}

func serve(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *schema.FlowError {
	t.Helper()
	var body struct {
		Error *schema.FlowError `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.NotNil(t, body.Error)
	return body.Error
}

func TestRouter_Health(t *testing.T) {
	r := NewRouter(Dependencies{API: &fakeAPI{}})
	rec := serve(t, r, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_StartTask(t *testing.T) {
	api := &fakeAPI{}
	r := NewRouter(Dependencies{API: api})

	rec := serve(t, r, http.MethodPost, "/v1/tasks", `{"prompt":"buy a laptop","user_id":"u1","context":{"budget":900}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/v1/tasks/task-1", rec.Header().Get("Location"))
	assert.Equal(t, "buy a laptop", api.startReq.Prompt)
	assert.Equal(t, "u1", api.startReq.UserID)
	assert.Equal(t, float64(900), api.startReq.Context["budget"])

	rec = serve(t, r, http.MethodPost, "/v1/tasks", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeValidation, decodeError(t, rec).Code)
}

func TestRouter_ContinueTask(t *testing.T) {
	api := &fakeAPI{}
	r := NewRouter(Dependencies{API: api})

	rec := serve(t, r, http.MethodPost, "/v1/tasks/task-1/continue", `{"step_id":"ask","user_input":{"name":"Alice"}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"success":true,"task_id":"task-1","step_id":"ask"}`, rec.Body.String())
	assert.Equal(t, map[string]any{"name": "Alice"}, api.continued)
}

func TestRouter_ErrorStatusMapping(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{schema.ErrCodeValidation, http.StatusBadRequest},
		{schema.ErrCodeNotFound, http.StatusNotFound},
		{schema.ErrCodeConflict, http.StatusConflict},
		{schema.ErrCodeStaleResume, http.StatusConflict},
		{schema.ErrCodePlanner, http.StatusUnprocessableEntity},
		{schema.ErrCodeTransition, http.StatusUnprocessableEntity},
		{schema.ErrCodeStore, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			r := NewRouter(Dependencies{API: &fakeAPI{err: schema.NewError(tt.code, "boom").WithStep("s1")}})
			rec := serve(t, r, http.MethodGet, "/v1/tasks/task-1", "")
			assert.Equal(t, tt.status, rec.Code)
			fe := decodeError(t, rec)
			assert.Equal(t, tt.code, fe.Code)
			assert.Equal(t, "s1", fe.StepID)
		})
	}
}

func TestRouter_UncodedErrorIsInternal(t *testing.T) {
	r := NewRouter(Dependencies{API: &fakeAPI{err: errors.New("disk on fire")}})
	rec := serve(t, r, http.MethodPost, "/v1/tasks/task-1/cancel", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	fe := decodeError(t, rec)
	assert.Equal(t, "internal error", fe.Message)
}

func TestRouter_GetTaskWithWait(t *testing.T) {
	r := NewRouter(Dependencies{API: &fakeAPI{}, WaitTimeout: time.Second})
	rec := serve(t, r, http.MethodGet, "/v1/tasks/task-1?wait=true", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	var view service.TaskView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, schema.TaskStatusCompleted, view.Status)
}

func TestRouter_History(t *testing.T) {
	r := NewRouter(Dependencies{API: &fakeAPI{}})

	rec := serve(t, r, http.MethodGet, "/v1/tasks/task-1/history?since=0", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), schema.EventTaskCreated)

	rec = serve(t, r, http.MethodGet, "/v1/tasks/task-1/history?since=-4", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_SessionTurns(t *testing.T) {
	api := &fakeAPI{}
	r := NewRouter(Dependencies{API: api})

	rec := serve(t, r, http.MethodPost, "/v1/sessions/s-1/turns", `{"workflow_id":"procurement-intake"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s-1", api.turnReq.SessionID)
	assert.Nil(t, api.turnReq.UserInput)

	rec = serve(t, r, http.MethodPost, "/v1/sessions/s-1/turns", `{"user_input":"Laptop"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, api.turnReq.UserInput)
	assert.Equal(t, "Laptop", *api.turnReq.UserInput)

	rec = serve(t, r, http.MethodPost, "/v1/sessions", `{"workflow_id":"procurement-intake"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, api.turnReq.SessionID)
}

func TestRouter_ListWorkflows(t *testing.T) {
	r := NewRouter(Dependencies{API: &fakeAPI{}})
	rec := serve(t, r, http.MethodGet, "/v1/workflows", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"procurement-intake"`)
}

func TestRouter_Diagrams(t *testing.T) {
	r := NewRouter(Dependencies{API: &fakeAPI{}})

	rec := serve(t, r, http.MethodGet, "/v1/workflows/procurement-intake/diagram", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "%% procurement-intake")

	rec = serve(t, r, http.MethodGet, "/v1/workflows/procurement-intake/diagram?format=png", "")
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = serve(t, r, http.MethodGet, "/v1/tasks/task-9/diagram?format=ascii", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "=== task task-9 ===\n", rec.Body.String())

	r = NewRouter(Dependencies{API: &fakeAPI{err: schema.NewError(schema.ErrCodeValidation, "unknown diagram format")}})
	rec = serve(t, r, http.MethodGet, "/v1/tasks/task-9/diagram?format=gif", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_UnknownRoute(t *testing.T) {
	r := NewRouter(Dependencies{API: &fakeAPI{}})
	rec := serve(t, r, http.MethodGet, "/v2/nothing", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, schema.ErrCodeNotFound, decodeError(t, rec).Code)
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.InitMetrics(reg)
	r := NewRouter(Dependencies{API: &fakeAPI{}, Metrics: m, MetricsHandler: observability.Handler(reg)})

	serve(t, r, http.MethodGet, "/v1/workflows", "")
	rec := serve(t, r, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stepflow_http_requests_total")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/workflows", "200")))
}

func TestRouter_RecoversFromPanics(t *testing.T) {
	r := NewRouter(Dependencies{API: nil})
	rec := serve(t, r, http.MethodGet, "/v1/workflows", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// --- End to end over a real service ---

func newLiveService(t *testing.T) *service.Service {
	t.Helper()
	conds, err := expressions.NewConditions()
	require.NoError(t, err)
	jq := expressions.NewGoJQEngine()
	acts := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(acts, actions.BuiltinDeps{JQ: jq}))
	v, err := validation.NewWorkflowValidator(
		validation.WithActions(acts),
		validation.WithConditionCompiler(conds),
		validation.WithTemplateCompiler(jq),
	)
	require.NoError(t, err)
	registry := workflows.NewRegistry(v, acts, nil)
	require.NoError(t, registry.LoadBuiltins())

	st := store.NewMemoryStore()
	hub := streaming.NewMemoryHub(logging.Discard())
	renderer := expressions.NewRenderer(jq)
	pool := engine.NewWorkerPool(2)
	t.Cleanup(pool.Shutdown)

	svc, err := service.New(service.Config{
		Tasks:  st,
		Events: st,
		Runner: engine.NewExecutor(st, engine.ExecutorConfig{
			Binder: acts, Conditions: conds, Broadcaster: hub, Events: st,
		}),
		Sessions: engine.NewSessionEngine(st, registry, engine.SessionConfig{
			Conditions: conds, Renderer: renderer, Binder: acts, Events: st,
		}),
		Planner:     planner.NewTemplatePlanner(registry),
		Workflows:   registry,
		Pool:        pool,
		Broadcaster: hub,
		Renderer:    renderer,
	})
	require.NoError(t, err)
	return svc
}

func TestRouter_TaskOverHTTP(t *testing.T) {
	r := NewRouter(Dependencies{API: newLiveService(t), WaitTimeout: 5 * time.Second})

	rec := serve(t, r, http.MethodPost, "/v1/tasks", `{"prompt":"purchase request"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started service.StartResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))

	rec = serve(t, r, http.MethodGet, "/v1/tasks/"+started.TaskID+"?wait=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view service.TaskView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, "ask_item", view.HaltStepID)
	assert.Equal(t, "What would you like to purchase?", view.HaltMessage)

	rec = serve(t, r, http.MethodPost, "/v1/tasks/"+started.TaskID+"/continue",
		`{"step_id":"ask_amount","user_input":{"amount":"10"}}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, schema.ErrCodeStaleResume, decodeError(t, rec).Code)

	rec = serve(t, r, http.MethodPost, "/v1/tasks/"+started.TaskID+"/continue",
		`{"step_id":"ask_item","user_input":{"item":"Desk"}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(t, r, http.MethodGet, "/v1/tasks/"+started.TaskID+"?wait=1", "")
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, "ask_amount", view.HaltStepID)

	rec = serve(t, r, http.MethodGet, "/v1/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, r, http.MethodGet, "/v1/tasks/"+started.TaskID+"/diagram", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "class ask_amount waiting")
}

func TestRouter_StreamsEventsUntilCancelled(t *testing.T) {
	svc := newLiveService(t)
	srv := httptest.NewServer(NewRouter(Dependencies{API: svc}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started, err := svc.Start(ctx, service.StartRequest{Prompt: "buy paper"})
	require.NoError(t, err)
	_, err = svc.Wait(ctx, started.TaskID)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/tasks/"+started.TaskID+"/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.NoError(t, svc.Cancel(ctx, started.TaskID))

	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	assert.Equal(t, []string{schema.EventStep, schema.EventTaskCancelled}, names)
}

func TestRouter_StreamUnknownTask(t *testing.T) {
	r := NewRouter(Dependencies{API: newLiveService(t)})
	rec := serve(t, r, http.MethodGet, "/v1/tasks/missing/events", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
