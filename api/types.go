package api

import (
	"context"

	"task-sync/domain"
)

// Tasks is the mutation and read surface the handlers drive.
type Tasks interface {
	Create(ctx context.Context, in domain.NewTask) (domain.Task, error)
	Update(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error)
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context) ([]domain.Task, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper rejects replayed create requests carrying the same idempotency key.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, principal, key string) (bool, error)
	// Remove deletes a previously added key, used when the create fails.
	Remove(ctx context.Context, principal, key string) error
}

// HeaderIdempotencyKey carries the client-chosen key of a create request.
const HeaderIdempotencyKey = "Idempotency-Key"

const maxBodySize = 64 * 1024 // 64 KiB

// createTaskRequest is the POST /api/tasks body.
type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	OwnerEmail  string `json:"ownerEmail"`
}

// updateTaskRequest is the PUT /api/tasks/:id body. Absent fields are left
// unchanged.
type updateTaskRequest struct {
	Title       *string        `json:"title"`
	Description *string        `json:"description"`
	Status      *domain.Status `json:"status"`
}

// envelope is the body of every REST response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Count   *int   `json:"count,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   any    `json:"error,omitempty"`
}
