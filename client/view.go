package client

import (
	"sort"
	"sync"

	"task-sync/domain"
)

// View is the local replica of the task set. Applying an event any number
// of times has the same effect as applying it once.
type View struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

func NewView() *View {
	return &View{tasks: make(map[string]domain.Task)}
}

// Replace swaps the whole view for tasks.
func (v *View) Replace(tasks []domain.Task) {
	next := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		next[t.ID] = t
	}
	v.mu.Lock()
	v.tasks = next
	v.mu.Unlock()
}

// Apply folds one event into the view and reports whether it changed.
// Created inserts when absent, Updated upserts, Deleted removes when
// present.
func (v *View) Apply(ev domain.Event) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch ev.Type {
	case domain.TaskCreated:
		if ev.Task == nil {
			return false
		}
		if _, ok := v.tasks[ev.Task.ID]; ok {
			return false
		}
		v.tasks[ev.Task.ID] = *ev.Task
		return true
	case domain.TaskUpdated:
		if ev.Task == nil {
			return false
		}
		if cur, ok := v.tasks[ev.Task.ID]; ok && cur == *ev.Task {
			return false
		}
		v.tasks[ev.Task.ID] = *ev.Task
		return true
	case domain.TaskDeleted:
		if _, ok := v.tasks[ev.TaskID]; !ok {
			return false
		}
		delete(v.tasks, ev.TaskID)
		return true
	}
	return false
}

func (v *View) Get(id string) (domain.Task, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.tasks[id]
	return t, ok
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.tasks)
}

// Tasks returns the tasks with the given status, newest first. The empty
// status selects all tasks.
func (v *View) Tasks(status domain.Status) []domain.Task {
	v.mu.RLock()
	out := make([]domain.Task, 0, len(v.tasks))
	for _, t := range v.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
