package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/stepflow/pkg/schema"
)

// streamEvents sends the live progress of a task as Server-Sent Events. The
// stream ends after the event that finishes the task.
func (h *handlers) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, schema.NewError(schema.ErrCodeStore, "streaming not supported"))
		return
	}

	taskID := chi.URLParam(r, "taskID")
	ch, cancel, err := h.api.Watch(r.Context(), taskID)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.WarnContext(r.Context(), "encode progress event failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
			if finishesTask(event.Type) {
				return
			}
		}
	}
}

func finishesTask(eventType string) bool {
	switch eventType {
	case schema.EventTaskComplete, schema.EventTaskError, schema.EventTaskCancelled:
		return true
	}
	return false
}
