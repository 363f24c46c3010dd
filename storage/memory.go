package storage

import (
	"context"
	"sync"

	"task-sync/domain"
)

// Memory is a process-local task store used for development and tests.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

func NewMemory() *Memory {
	return &Memory{tasks: map[string]domain.Task{}}
}

func (m *Memory) GetTask(_ context.Context, id string) (*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) ListTasks(_ context.Context) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (m *Memory) PutTask(_ context.Context, task domain.Task) error {
	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return &domain.NotFoundError{ID: id}
	}
	delete(m.tasks, id)
	return nil
}
