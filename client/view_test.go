package client

import (
	"testing"
	"time"

	"task-sync/domain"
)

func task(id string, status domain.Status, created time.Time) domain.Task {
	return domain.Task{ID: id, Title: "task " + id, Status: status, CreatedAt: created, UpdatedAt: created}
}

func TestViewApplyIsIdempotent(t *testing.T) {
	v := NewView()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a := task("a", domain.StatusToDo, base)

	if !v.Apply(domain.Created(a)) {
		t.Fatalf("first create should change the view")
	}
	if v.Apply(domain.Created(a)) {
		t.Fatalf("repeated create should be a no-op")
	}

	done := a
	done.Status = domain.StatusCompleted
	if !v.Apply(domain.Updated(done)) {
		t.Fatalf("update should change the view")
	}
	if v.Apply(domain.Updated(done)) {
		t.Fatalf("repeated update should be a no-op")
	}
	// a create arriving after the update does not roll it back
	if v.Apply(domain.Created(a)) {
		t.Fatalf("stale create should be ignored")
	}
	if got, _ := v.Get("a"); got.Status != domain.StatusCompleted {
		t.Fatalf("unexpected status %q", got.Status)
	}

	if !v.Apply(domain.Deleted("a")) {
		t.Fatalf("delete should change the view")
	}
	if v.Apply(domain.Deleted("a")) {
		t.Fatalf("repeated delete should be a no-op")
	}
	if v.Len() != 0 {
		t.Fatalf("expected empty view, got %d", v.Len())
	}
}

func TestViewUpdateInsertsUnknownTask(t *testing.T) {
	v := NewView()
	b := task("b", domain.StatusInProgress, time.Now())
	if !v.Apply(domain.Updated(b)) {
		t.Fatalf("update of unknown task should insert it")
	}
	if _, ok := v.Get("b"); !ok {
		t.Fatalf("task b missing")
	}
}

func TestViewTasksFilterAndOrder(t *testing.T) {
	v := NewView()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	v.Replace([]domain.Task{
		task("old", domain.StatusToDo, base),
		task("mid", domain.StatusCompleted, base.Add(time.Minute)),
		task("new", domain.StatusToDo, base.Add(2*time.Minute)),
	})

	all := v.Tasks("")
	if len(all) != 3 || all[0].ID != "new" || all[1].ID != "mid" || all[2].ID != "old" {
		t.Fatalf("unexpected order: %+v", ids(all))
	}
	todo := v.Tasks(domain.StatusToDo)
	if len(todo) != 2 || todo[0].ID != "new" || todo[1].ID != "old" {
		t.Fatalf("unexpected filtered tasks: %+v", ids(todo))
	}
	if got := v.Tasks(domain.StatusInProgress); len(got) != 0 {
		t.Fatalf("expected no in-progress tasks, got %+v", ids(got))
	}

	v.Replace(nil)
	if v.Len() != 0 {
		t.Fatalf("replace should drop everything")
	}
}

func ids(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
