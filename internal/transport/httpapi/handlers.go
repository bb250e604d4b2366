package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/stepflow/internal/service"
	"github.com/rendis/stepflow/pkg/schema"
)

type handlers struct {
	api         API
	logger      *slog.Logger
	waitTimeout time.Duration
}

func (h *handlers) startTask(w http.ResponseWriter, r *http.Request) {
	var req service.StartRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	resp, err := h.api.Start(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/tasks/"+resp.TaskID)
	WriteJSON(w, http.StatusAccepted, resp)
}

type continueRequest struct {
	StepID    string         `json:"step_id"`
	UserInput map[string]any `json:"user_input"`
}

func (h *handlers) continueTask(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	resp, err := h.api.Continue(r.Context(), chi.URLParam(r, "taskID"), req.StepID, req.UserInput)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, resp)
}

// getTask returns the task state. With ?wait=true it first waits for the
// queued run to settle.
func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var (
		view *service.TaskView
		err  error
	)
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ctx, cancel := context.WithTimeout(r.Context(), h.waitTimeout)
		defer cancel()
		view, err = h.api.Wait(ctx, taskID)
	} else {
		view, err = h.api.Status(r.Context(), taskID)
	}
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (h *handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := h.api.Cancel(r.Context(), taskID); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "cancel_requested": true})
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			WriteError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid since %q", raw))
			return
		}
		since = n
	}
	events, err := h.api.Events(r.Context(), chi.URLParam(r, "taskID"), since)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

type turnRequest struct {
	UserInput  *string `json:"user_input,omitempty"`
	WorkflowID string  `json:"workflow_id,omitempty"`
}

func (h *handlers) converse(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	h.turn(w, r, service.ConverseRequest{
		SessionID:  chi.URLParam(r, "sessionID"),
		UserInput:  req.UserInput,
		WorkflowID: req.WorkflowID,
	})
}

func (h *handlers) newSession(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	h.turn(w, r, service.ConverseRequest{UserInput: req.UserInput, WorkflowID: req.WorkflowID})
}

func (h *handlers) turn(w http.ResponseWriter, r *http.Request, req service.ConverseRequest) {
	turn, err := h.api.Converse(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, turn)
}

func (h *handlers) listWorkflows(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"workflows": h.api.ListWorkflows()})
}

func (h *handlers) workflowDiagram(w http.ResponseWriter, r *http.Request) {
	d, err := h.api.WorkflowDiagram(r.Context(), chi.URLParam(r, "workflowID"), r.URL.Query().Get("format"))
	writeDiagram(w, d, err)
}

func (h *handlers) taskDiagram(w http.ResponseWriter, r *http.Request) {
	d, err := h.api.TaskDiagram(r.Context(), chi.URLParam(r, "taskID"), r.URL.Query().Get("format"))
	writeDiagram(w, d, err)
}

func writeDiagram(w http.ResponseWriter, d *service.Diagram, err error) {
	if err != nil {
		WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", d.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(d.Body)
}
