package streaming

import (
	"context"
	"time"
)

// ProgressEvent is a live notification about a task. It is best effort; the
// task store remains the system of record.
type ProgressEvent struct {
	TaskID    string    `json:"task_id"`
	StepID    string    `json:"step_id,omitempty"`
	Type      string    `json:"type"`
	Status    string    `json:"status,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Callback receives published events. It runs on the publisher's goroutine.
type Callback func(ProgressEvent)

// Subscription identifies one registered callback.
type Subscription uint64

// Filter selects events for a channel stream.
type Filter struct {
	TaskID string   `json:"task_id,omitempty"`
	Types  []string `json:"types,omitempty"`
}

// Broadcaster fans progress events out to subscribers keyed by task id.
// An empty task id subscribes to every task.
type Broadcaster interface {
	Subscribe(taskID string, cb Callback) Subscription
	Unsubscribe(taskID string, sub Subscription)
	Publish(ctx context.Context, event ProgressEvent)
}
