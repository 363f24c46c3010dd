package domain

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusToDo       Status = "To Do"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusToDo, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

const (
	MaxTitleLength       = 100
	MaxDescriptionLength = 500
)

// Task represents a single item of the shared task list.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	OwnerEmail  string    `json:"ownerEmail"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewTask carries the caller supplied fields of a task to create.
type NewTask struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	OwnerEmail  string `json:"ownerEmail"`
}

// TaskPatch is a partial update. Nil fields are left unchanged.
type TaskPatch struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *Status `json:"status"`
}

// Empty reports whether the patch carries no field at all.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil
}

// Apply returns a copy of t with the present patch fields set.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	return t
}

// CompletedBy reports whether moving from prev to next completes the task.
func CompletedBy(prev, next Task) bool {
	return prev.Status != StatusCompleted && next.Status == StatusCompleted
}
