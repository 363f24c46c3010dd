package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"task-sync/domain"
)

// PartitionKey groups every task of the shared list.
const PartitionKey = "tasks"

// Storage keeps tasks in an Azure table.
type Storage struct {
	taskTable *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{taskTable: svc.NewClient(tasksTable)}, nil
}

type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Status      string `json:"Status"`
	OwnerEmail  string `json:"OwnerEmail"`
	CreatedAt   string `json:"CreatedAt"`
	UpdatedAt   string `json:"UpdatedAt"`
}

func toEntity(t domain.Task) taskEntity {
	return taskEntity{
		Entity:      aztables.Entity{PartitionKey: PartitionKey, RowKey: t.ID},
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		OwnerEmail:  t.OwnerEmail,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func fromEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	created, err := time.Parse(time.RFC3339Nano, ent.CreatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	updated, err := time.Parse(time.RFC3339Nano, ent.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	return domain.Task{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		Status:      domain.Status(ent.Status),
		OwnerEmail:  ent.OwnerEmail,
		CreatedAt:   created,
		UpdatedAt:   updated,
	}, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// GetTask returns the task with the given id or nil when it does not exist.
func (s *Storage) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, PartitionKey, id, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	task, err := fromEntity(resp.Value)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks retrieves every stored task.
func (s *Storage) ListTasks(ctx context.Context) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + PartitionKey + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			task, err := fromEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// PutTask creates or replaces a task.
func (s *Storage) PutTask(ctx context.Context, task domain.Task) error {
	payload, err := json.Marshal(toEntity(task))
	if err != nil {
		return err
	}
	_, err = s.taskTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// DeleteTask removes a task. A missing task yields a domain.NotFoundError.
func (s *Storage) DeleteTask(ctx context.Context, id string) error {
	et := azcore.ETagAny
	_, err := s.taskTable.DeleteEntity(ctx, PartitionKey, id, &aztables.DeleteEntityOptions{IfMatch: &et})
	if err != nil && isNotFound(err) {
		return &domain.NotFoundError{ID: id}
	}
	return err
}
