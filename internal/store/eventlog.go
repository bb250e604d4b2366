package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// EventLog reads task history back out of an EventStore.
type EventLog struct {
	events EventStore
}

// NewEventLog wraps an EventStore.
func NewEventLog(events EventStore) *EventLog {
	return &EventLog{events: events}
}

// AppendEvent appends to the underlying store.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.events.AppendEvent(ctx, event)
}

// GetEvents returns events for a task with sequence > since.
func (el *EventLog) GetEvents(ctx context.Context, taskID string, since int64) ([]*Event, error) {
	return el.events.GetEvents(ctx, taskID, since)
}

// StepHistory is the ordered list of statuses a step passed through.
type StepHistory struct {
	StepID   string              `json:"step_id"`
	Statuses []schema.StepStatus `json:"statuses"`
	Error    json.RawMessage     `json:"error,omitempty"`
}

// Current is the last recorded status, or pending when none was recorded.
func (h *StepHistory) Current() schema.StepStatus {
	if len(h.Statuses) == 0 {
		return schema.StepStatusPending
	}
	return h.Statuses[len(h.Statuses)-1]
}

// ReplaySteps rebuilds the per-step status history of a task from its events.
// A gap in the sequence is reported as a store error.
func (el *EventLog) ReplaySteps(ctx context.Context, taskID string) (map[string]*StepHistory, error) {
	events, err := el.events.GetEvents(ctx, taskID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in task %s: expected %d, got %d", taskID, expected, e.Sequence)
		}
	}

	steps := make(map[string]*StepHistory)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		h, ok := steps[e.StepID]
		if !ok {
			h = &StepHistory{StepID: e.StepID}
			steps[e.StepID] = h
		}
		switch e.Type {
		case schema.EventStepStarted:
			h.Statuses = append(h.Statuses, schema.StepStatusRunning)
		case schema.EventStepCompleted:
			h.Statuses = append(h.Statuses, schema.StepStatusCompleted)
		case schema.EventStepFailed:
			h.Statuses = append(h.Statuses, schema.StepStatusFailed)
			h.Error = e.Payload
		}
	}
	return steps, nil
}

// TaskTimeline returns the task-level event types in order.
func (el *EventLog) TaskTimeline(ctx context.Context, taskID string) ([]string, error) {
	events, err := el.events.GetEvents(ctx, taskID, 0)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range events {
		if e.StepID == "" {
			out = append(out, e.Type)
		}
	}
	return out, nil
}
