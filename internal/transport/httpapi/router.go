package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/observability"
	"github.com/rendis/stepflow/internal/service"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/workflows"
	"github.com/rendis/stepflow/pkg/schema"
)

// API is the service surface served over HTTP.
type API interface {
	Start(ctx context.Context, req service.StartRequest) (*service.StartResponse, error)
	Continue(ctx context.Context, taskID, stepID string, input map[string]any) (*service.ContinueResponse, error)
	Status(ctx context.Context, taskID string) (*service.TaskView, error)
	Wait(ctx context.Context, taskID string) (*service.TaskView, error)
	Cancel(ctx context.Context, taskID string) error
	Converse(ctx context.Context, req service.ConverseRequest) (*engine.TurnResult, error)
	Events(ctx context.Context, taskID string, since int64) ([]*store.Event, error)
	Watch(ctx context.Context, taskID string) (<-chan streaming.ProgressEvent, func(), error)
	ListWorkflows() []workflows.Summary
	WorkflowDiagram(ctx context.Context, workflowID, format string) (*service.Diagram, error)
	TaskDiagram(ctx context.Context, taskID, format string) (*service.Diagram, error)
}

// Dependencies holds everything the router needs. Only API is required.
type Dependencies struct {
	API            API
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Logger         *slog.Logger
	// WaitTimeout bounds GET /v1/tasks/{taskID}?wait=true.
	WaitTimeout time.Duration
}

const defaultWaitTimeout = 30 * time.Second

// NewRouter creates the chi router with middleware and all routes.
func NewRouter(deps Dependencies) chi.Router {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.WaitTimeout <= 0 {
		deps.WaitTimeout = defaultWaitTimeout
	}
	h := &handlers{api: deps.API, logger: deps.Logger, waitTimeout: deps.WaitTimeout}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(Recovery(deps.Logger))
	if deps.Metrics != nil {
		r.Use(observability.MetricsMiddleware(deps.Metrics))
	}

	r.Get("/healthz", handleHealth)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequestLogging(deps.Logger))

		r.Post("/tasks", h.startTask)
		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.Get("/", h.getTask)
			r.Post("/continue", h.continueTask)
			r.Post("/cancel", h.cancelTask)
			r.Get("/events", h.streamEvents)
			r.Get("/history", h.history)
			r.Get("/diagram", h.taskDiagram)
		})

		r.Post("/sessions", h.newSession)
		r.Post("/sessions/{sessionID}/turns", h.converse)

		r.Get("/workflows", h.listWorkflows)
		r.Get("/workflows/{workflowID}/diagram", h.workflowDiagram)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, schema.NewErrorf(schema.ErrCodeNotFound, "no route for %s %s", r.Method, r.URL.Path))
	})
	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Recovery turns handler panics into 500 responses.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorContext(r.Context(), "panic recovered",
						slog.Any("error", rec),
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
					)
					WriteError(w, schema.NewError(schema.ErrCodeStore, "internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogging logs one line per request.
func RequestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
