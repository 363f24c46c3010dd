package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"task-sync/domain"
	"task-sync/notify"
)

const tracerName = "task-sync/service"

// publishTimeout bounds event fan-out once it is detached from the request.
const publishTimeout = 5 * time.Second

// TaskStore is the durable key to task mapping.
type TaskStore interface {
	// GetTask returns nil without error when the task does not exist.
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	PutTask(ctx context.Context, task domain.Task) error
	// DeleteTask returns a domain.NotFoundError when the task does not exist.
	DeleteTask(ctx context.Context, id string) error
}

// Publisher hands committed mutation events to the broadcaster.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Service applies task mutations and emits one event per committed mutation.
type Service struct {
	store    TaskStore
	notifier notify.Notifier
	events   Publisher
	logger   *log.Logger

	now   func() time.Time
	newID func() string
}

func New(store TaskStore, notifier notify.Notifier, events Publisher, logger *log.Logger) *Service {
	if store == nil || events == nil {
		panic("service.New: store and publisher are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}
	return &Service{
		store:    store,
		notifier: notifier,
		events:   events,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Create validates and persists a new task in the To Do state.
func (s *Service) Create(ctx context.Context, in domain.NewTask) (task domain.Task, err error) {
	ctx, span := s.startSpan(ctx, "tasks.create")
	defer func() { endSpan(span, err) }()

	in = in.Normalize()
	now := s.now()
	task = domain.Task{
		ID:          s.newID(),
		Title:       in.Title,
		Description: in.Description,
		Status:      domain.StatusToDo,
		OwnerEmail:  in.OwnerEmail,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	span.SetAttributes(attribute.String("task.id", task.ID))
	if err := task.Validate(); err != nil {
		return domain.Task{}, err
	}
	if err := s.store.PutTask(ctx, task); err != nil {
		return domain.Task{}, fmt.Errorf("store task: %w", err)
	}
	s.publish(ctx, domain.Created(task))
	return task, nil
}

// Update applies the fields present in patch. Moving the task to Completed
// triggers the completion notification once, after the write and before the
// event.
func (s *Service) Update(ctx context.Context, id string, patch domain.TaskPatch) (task domain.Task, err error) {
	ctx, span := s.startSpan(ctx, "tasks.update", attribute.String("task.id", id))
	defer func() { endSpan(span, err) }()

	prev, err := s.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	next := patch.Normalize().Apply(prev)
	if err := next.Validate(); err != nil {
		return domain.Task{}, err
	}
	next.UpdatedAt = s.now()
	if err := s.store.PutTask(ctx, next); err != nil {
		return domain.Task{}, fmt.Errorf("store task: %w", err)
	}
	completed := domain.CompletedBy(prev, next)
	span.SetAttributes(attribute.Bool("task.completed", completed))
	if completed {
		s.afterCompletion(ctx, next)
	}
	s.publish(ctx, domain.Updated(next))
	return next, nil
}

// Remove deletes the task and announces its identifier.
func (s *Service) Remove(ctx context.Context, id string) (err error) {
	ctx, span := s.startSpan(ctx, "tasks.remove", attribute.String("task.id", id))
	defer func() { endSpan(span, err) }()

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete task: %w", err)
	}
	s.publish(ctx, domain.Deleted(id))
	return nil
}

// Get returns the task or a domain.NotFoundError.
func (s *Service) Get(ctx context.Context, id string) (domain.Task, error) {
	if id == "" {
		return domain.Task{}, &domain.NotFoundError{ID: id}
	}
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, fmt.Errorf("load task: %w", err)
	}
	if t == nil {
		return domain.Task{}, &domain.NotFoundError{ID: id}
	}
	return *t, nil
}

// List returns every task, newest first.
func (s *Service) List(ctx context.Context) ([]domain.Task, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (s *Service) afterCompletion(ctx context.Context, task domain.Task) {
	if err := s.notifier.NotifyCompletion(ctx, task); err != nil {
		s.logger.WithError(err).WithField("task", task.ID).Error("completion notification failed")
	}
}

// publish runs after the store write committed, so a failure is logged
// rather than returned: clients reconcile on their next full fetch. The
// event outlives the request, so a client that disconnects right after the
// write does not cancel the broadcast.
func (s *Service) publish(ctx context.Context, ev domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{"task": ev.TaskID, "event": ev.Type}).Error("event publish failed")
	}
}
