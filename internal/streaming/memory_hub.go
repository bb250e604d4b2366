package streaming

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultChannelBuffer = 64

// MemoryHub is an in-process Broadcaster.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[string]map[Subscription]Callback
	seq    atomic.Uint64
	logger *slog.Logger
}

// NewMemoryHub creates a new MemoryHub. A nil logger discards panic reports.
func NewMemoryHub(logger *slog.Logger) *MemoryHub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MemoryHub{
		subs:   make(map[string]map[Subscription]Callback),
		logger: logger,
	}
}

// Subscribe registers cb for events of taskID ("" for all tasks).
func (h *MemoryHub) Subscribe(taskID string, cb Callback) Subscription {
	id := Subscription(h.seq.Add(1))
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.subs[taskID]
	if !ok {
		m = make(map[Subscription]Callback)
		h.subs[taskID] = m
	}
	m[id] = cb
	return id
}

// Unsubscribe removes a subscription. Unknown subscriptions are ignored.
func (h *MemoryHub) Unsubscribe(taskID string, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.subs[taskID]
	if !ok {
		return
	}
	delete(m, sub)
	if len(m) == 0 {
		delete(h.subs, taskID)
	}
}

// Publish delivers event to the subscribers of its task and to wildcard
// subscribers. A panicking callback is logged and does not affect the others.
func (h *MemoryHub) Publish(ctx context.Context, event ProgressEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	targets := make([]Callback, 0, len(h.subs[event.TaskID])+len(h.subs[""]))
	for _, cb := range h.subs[event.TaskID] {
		targets = append(targets, cb)
	}
	if event.TaskID != "" {
		for _, cb := range h.subs[""] {
			targets = append(targets, cb)
		}
	}
	h.mu.RUnlock()

	for _, cb := range targets {
		h.deliver(ctx, cb, event)
	}
}

func (h *MemoryHub) deliver(ctx context.Context, cb Callback, event ProgressEvent) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.WarnContext(ctx, "progress subscriber panicked",
				slog.String("task_id", event.TaskID), slog.Any("panic", r))
		}
	}()
	cb(event)
}

// SubscriberCount returns the number of callbacks registered for taskID.
func (h *MemoryHub) SubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[taskID])
}

// Stream subscribes a buffered channel filtered by f. Events are dropped for a
// reader that falls behind. The returned cancel func must be called to release it.
func Stream(b Broadcaster, f Filter) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, defaultChannelBuffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	sub := b.Subscribe(f.TaskID, func(e ProgressEvent) {
		if !matchFilter(f, e) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	})
	cancel := func() {
		b.Unsubscribe(f.TaskID, sub)
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
	return ch, cancel
}

func matchFilter(f Filter, e ProgressEvent) bool {
	if f.TaskID != "" && f.TaskID != e.TaskID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}
