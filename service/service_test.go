package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"task-sync/domain"
	"task-sync/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

type recordingNotifier struct {
	calls []domain.Task
	err   error
	// pub and eventsAtCall record how many events preceded the notification.
	pub          *recordingPublisher
	eventsAtCall int
}

func (n *recordingNotifier) NotifyCompletion(_ context.Context, task domain.Task) error {
	n.calls = append(n.calls, task)
	if n.pub != nil {
		n.eventsAtCall = len(n.pub.events)
	}
	return n.err
}

type failingStore struct {
	*storage.Memory
	putErr error
}

func (f failingStore) PutTask(ctx context.Context, t domain.Task) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.Memory.PutTask(ctx, t)
}

func newTestService(t *testing.T, store TaskStore) (*Service, *recordingPublisher, *recordingNotifier) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	pub := &recordingPublisher{}
	n := &recordingNotifier{pub: pub}
	svc := New(store, n, pub, logger)
	var seq int
	svc.newID = func() string { seq++; return fmt.Sprintf("t%d", seq) }
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { clock = clock.Add(time.Second); return clock }
	return svc, pub, n
}

func ptrString(s string) *string               { return &s }
func ptrStatus(s domain.Status) *domain.Status { return &s }

func TestCreatePersistsAndEmitsCreated(t *testing.T) {
	store := storage.NewMemory()
	svc, pub, _ := newTestService(t, store)
	ctx := context.Background()

	task, err := svc.Create(ctx, domain.NewTask{Title: " Write report ", OwnerEmail: "A@x.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID != "t1" || task.Title != "Write report" || task.Status != domain.StatusToDo || task.OwnerEmail != "a@x.com" {
		t.Fatalf("unexpected task %+v", task)
	}
	if !task.CreatedAt.Equal(task.UpdatedAt) {
		t.Fatalf("expected equal timestamps, got %v %v", task.CreatedAt, task.UpdatedAt)
	}
	stored, _ := store.GetTask(ctx, "t1")
	if stored == nil || *stored != task {
		t.Fatalf("store mismatch: %+v", stored)
	}
	if len(pub.events) != 1 || pub.events[0].Type != domain.TaskCreated || pub.events[0].Task.Status != domain.StatusToDo {
		t.Fatalf("unexpected events %+v", pub.events)
	}
}

func TestCreateValidationEmitsNothing(t *testing.T) {
	store := storage.NewMemory()
	svc, pub, _ := newTestService(t, store)
	_, err := svc.Create(context.Background(), domain.NewTask{Title: "", OwnerEmail: "bad"})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(verr.Fields) != 2 {
		t.Fatalf("expected title and email errors, got %v", verr.Fields)
	}
	if len(pub.events) != 0 {
		t.Fatalf("no event expected, got %+v", pub.events)
	}
	tasks, _ := store.ListTasks(context.Background())
	if len(tasks) != 0 {
		t.Fatal("nothing may be stored for an invalid task")
	}
}

func TestCreateStoreFailureEmitsNothing(t *testing.T) {
	store := failingStore{Memory: storage.NewMemory(), putErr: errors.New("table down")}
	svc, pub, _ := newTestService(t, store)
	if _, err := svc.Create(context.Background(), domain.NewTask{Title: "x", OwnerEmail: "a@x.com"}); err == nil {
		t.Fatal("expected store error")
	}
	if len(pub.events) != 0 {
		t.Fatalf("no event expected, got %+v", pub.events)
	}
}

func TestUpdateAppliesOnlyPresentFields(t *testing.T) {
	svc, pub, n := newTestService(t, storage.NewMemory())
	ctx := context.Background()
	created, _ := svc.Create(ctx, domain.NewTask{Title: "Write report", Description: "q3", OwnerEmail: "a@x.com"})

	updated, err := svc.Update(ctx, created.ID, domain.TaskPatch{Status: ptrStatus(domain.StatusInProgress)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "Write report" || updated.Description != "q3" || updated.Status != domain.StatusInProgress {
		t.Fatalf("unexpected task %+v", updated)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) || !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("unexpected timestamps %+v", updated)
	}
	if len(n.calls) != 0 {
		t.Fatal("in-progress must not notify")
	}
	last := pub.events[len(pub.events)-1]
	if last.Type != domain.TaskUpdated || last.Task.Status != domain.StatusInProgress {
		t.Fatalf("unexpected event %+v", last)
	}
}

func TestUpdateCompletionNotifiesOnceBeforeEvent(t *testing.T) {
	svc, _, n := newTestService(t, storage.NewMemory())
	ctx := context.Background()
	created, _ := svc.Create(ctx, domain.NewTask{Title: "Write report", OwnerEmail: "a@x.com"})

	if _, err := svc.Update(ctx, created.ID, domain.TaskPatch{Status: ptrStatus(domain.StatusCompleted)}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(n.calls) != 1 || n.calls[0].Status != domain.StatusCompleted {
		t.Fatalf("expected one notification, got %+v", n.calls)
	}
	if n.eventsAtCall != 1 {
		t.Fatalf("notification must run before the updated event, saw %d events", n.eventsAtCall)
	}
	// Completed -> Completed does not notify again.
	if _, err := svc.Update(ctx, created.ID, domain.TaskPatch{Title: ptrString("Final report"), Status: ptrStatus(domain.StatusCompleted)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(n.calls) != 1 {
		t.Fatalf("expected still one notification, got %d", len(n.calls))
	}
}

func TestUpdateNotificationFailureDoesNotFailMutation(t *testing.T) {
	svc, pub, n := newTestService(t, storage.NewMemory())
	n.err = errors.New("mailer down")
	ctx := context.Background()
	created, _ := svc.Create(ctx, domain.NewTask{Title: "Write report", OwnerEmail: "a@x.com"})
	updated, err := svc.Update(ctx, created.ID, domain.TaskPatch{Status: ptrStatus(domain.StatusCompleted)})
	if err != nil {
		t.Fatalf("notification failure leaked: %v", err)
	}
	if updated.Status != domain.StatusCompleted || len(pub.events) != 2 {
		t.Fatalf("expected committed update and event, got %+v %d", updated, len(pub.events))
	}
}

func TestUpdateErrors(t *testing.T) {
	svc, pub, _ := newTestService(t, storage.NewMemory())
	ctx := context.Background()
	if _, err := svc.Update(ctx, "missing", domain.TaskPatch{Title: ptrString("x")}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	created, _ := svc.Create(ctx, domain.NewTask{Title: "Write report", OwnerEmail: "a@x.com"})
	_, err := svc.Update(ctx, created.ID, domain.TaskPatch{Status: ptrStatus("Done")})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, _ := svc.Get(ctx, created.ID)
	if got.Status != domain.StatusToDo {
		t.Fatalf("failed update must not be applied, got %+v", got)
	}
	if len(pub.events) != 1 {
		t.Fatalf("failed mutations must not emit, got %d events", len(pub.events))
	}
}

func TestRemove(t *testing.T) {
	svc, pub, _ := newTestService(t, storage.NewMemory())
	ctx := context.Background()
	created, _ := svc.Create(ctx, domain.NewTask{Title: "Write report", OwnerEmail: "a@x.com"})
	if err := svc.Remove(ctx, created.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	last := pub.events[len(pub.events)-1]
	if last.Type != domain.TaskDeleted || last.TaskID != created.ID || last.Task != nil {
		t.Fatalf("unexpected event %+v", last)
	}
	if err := svc.Remove(ctx, created.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(pub.events) != 2 {
		t.Fatalf("expected no event for failed remove, got %d", len(pub.events))
	}
}

func TestListMatchesStoreAfterMutations(t *testing.T) {
	store := storage.NewMemory()
	svc, _, _ := newTestService(t, store)
	ctx := context.Background()
	a, _ := svc.Create(ctx, domain.NewTask{Title: "a", OwnerEmail: "a@x.com"})
	b, _ := svc.Create(ctx, domain.NewTask{Title: "b", OwnerEmail: "a@x.com"})
	c, _ := svc.Create(ctx, domain.NewTask{Title: "c", OwnerEmail: "a@x.com"})
	_, _ = svc.Update(ctx, a.ID, domain.TaskPatch{Status: ptrStatus(domain.StatusCompleted)})
	_ = svc.Remove(ctx, b.ID)

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != c.ID || list[1].ID != a.ID {
		t.Fatalf("expected newest first [c a], got %+v", list)
	}
	for _, task := range list {
		stored, _ := store.GetTask(ctx, task.ID)
		if stored == nil || *stored != task {
			t.Fatalf("list entry %s differs from store", task.ID)
		}
	}
}

func TestPublishFailureIsLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	pub := &recordingPublisher{err: errors.New("redis down")}
	svc := New(storage.NewMemory(), nil, pub, logger)
	if _, err := svc.Create(context.Background(), domain.NewTask{Title: "x", OwnerEmail: "a@x.com"}); err != nil {
		t.Fatalf("publish failure must not fail the committed mutation: %v", err)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Message != "event publish failed" {
		t.Fatalf("expected publish failure log, got %+v", entry)
	}
}

func TestMutationSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	svc, _, _ := newTestService(t, storage.NewMemory())
	ctx := context.Background()
	created, _ := svc.Create(ctx, domain.NewTask{Title: "x", OwnerEmail: "a@x.com"})
	_ = svc.Remove(ctx, "missing")

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != "tasks.create" || spans[0].Status.Code == codes.Error {
		t.Fatalf("unexpected create span %+v", spans[0])
	}
	var idAttr string
	for _, kv := range spans[0].Attributes {
		if kv.Key == "task.id" {
			idAttr = kv.Value.AsString()
		}
	}
	if idAttr != created.ID {
		t.Fatalf("expected task.id attribute %s, got %q", created.ID, idAttr)
	}
	if spans[1].Name != "tasks.remove" || spans[1].Status.Code != codes.Error {
		t.Fatalf("expected failed remove span, got %+v", spans[1])
	}
}

// cancelAfterWriteStore cancels the caller's context once the write has
// committed, the way a client hanging up mid-request does.
type cancelAfterWriteStore struct {
	*storage.Memory
	cancel context.CancelFunc
}

func (c cancelAfterWriteStore) PutTask(ctx context.Context, t domain.Task) error {
	if err := c.Memory.PutTask(ctx, t); err != nil {
		return err
	}
	c.cancel()
	return nil
}

type ctxPublisher struct {
	errs []error
}

func (p *ctxPublisher) Publish(ctx context.Context, _ domain.Event) error {
	p.errs = append(p.errs, ctx.Err())
	return ctx.Err()
}

func TestPublishSurvivesCancelledRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger, hook := test.NewNullLogger()
	pub := &ctxPublisher{}
	svc := New(cancelAfterWriteStore{Memory: storage.NewMemory(), cancel: cancel}, &recordingNotifier{}, pub, logger)

	if _, err := svc.Create(ctx, domain.NewTask{Title: "Write report", OwnerEmail: "a@x.com"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("expected request context to be cancelled by the store")
	}
	if len(pub.errs) != 1 || pub.errs[0] != nil {
		t.Fatalf("expected event published on a live context, got %v", pub.errs)
	}
	for _, e := range hook.AllEntries() {
		if e.Message == "event publish failed" {
			t.Fatalf("unexpected publish failure: %v", e.Data)
		}
	}
}
