package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps tasks, sessions and events in process memory. Records are
// copied on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	sessions map[string]*Session
	events   map[string][]*Event
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*Task),
		sessions: make(map[string]*Session),
		events:   make(map[string][]*Event),
	}
}

// Migrate is a no-op for the memory backend.
func (m *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op for the memory backend.
func (m *MemoryStore) Close() error { return nil }

// --- Tasks ---

func (m *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, storeNotFound("task", id)
	}
	return t.Clone(), nil
}

func (m *MemoryStore) SaveTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	task.CreatedAt = timeOrNow(task.CreatedAt)
	task.UpdatedAt = now
	task.Version++
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, id string, update TaskUpdate) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, storeNotFound("task", id)
	}
	applyTaskUpdate(t, update)
	t.Version++
	return t.Clone(), nil
}

func (m *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.UserID != "" && t.UserID != filter.UserID {
			continue
		}
		if filter.UpdatedBefore != nil && !t.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return storeNotFound("task", id)
	}
	delete(m.tasks, id)
	delete(m.events, id)
	return nil
}

// --- Sessions ---

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, storeNotFound("session", id)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) SaveSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session.CreatedAt = timeOrNow(session.CreatedAt)
	session.UpdatedAt = time.Now().UTC()
	m.sessions[session.ID] = session.Clone()
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return storeNotFound("session", id)
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, filter SessionFilter) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if filter.WorkflowID != "" && s.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.UpdatedBefore != nil && !s.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return paginate(out, 0, filter.Limit), nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	event.ID = m.nextID
	event.Sequence = int64(len(m.events[event.TaskID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)
	e := *event
	m.events[event.TaskID] = append(m.events[event.TaskID], &e)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, taskID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events[taskID] {
		if e.Sequence > since {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
