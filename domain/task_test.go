package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func ptrString(s string) *string { return &s }
func ptrStatus(s Status) *Status { return &s }

func validTask() Task {
	return Task{ID: "t1", Title: "Write report", Status: StatusToDo, OwnerEmail: "a@x.com"}
}

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Task)
		field  string
	}{
		{"valid", func(*Task) {}, ""},
		{"empty title", func(t *Task) { t.Title = "" }, "title"},
		{"long title", func(t *Task) { t.Title = strings.Repeat("a", MaxTitleLength+1) }, "title"},
		{"title at bound", func(t *Task) { t.Title = strings.Repeat("é", MaxTitleLength) }, ""},
		{"long description", func(t *Task) { t.Description = strings.Repeat("d", MaxDescriptionLength+1) }, "description"},
		{"bad status", func(t *Task) { t.Status = "Done" }, "status"},
		{"missing email", func(t *Task) { t.OwnerEmail = "" }, "ownerEmail"},
		{"malformed email", func(t *Task) { t.OwnerEmail = "not-an-email" }, "ownerEmail"},
		{"display name email", func(t *Task) { t.OwnerEmail = "Bob <b@x.com>" }, "ownerEmail"},
		{"dotless domain", func(t *Task) { t.OwnerEmail = "a@localhost" }, "ownerEmail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := validTask()
			tt.mutate(&task)
			err := task.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Fatalf("expected field %s in %v", tt.field, verr.Fields)
			}
		})
	}
}

func TestNewTaskNormalize(t *testing.T) {
	n := NewTask{Title: "  Write report ", Description: " d ", OwnerEmail: " A@X.com "}.Normalize()
	if n.Title != "Write report" || n.Description != "d" || n.OwnerEmail != "a@x.com" {
		t.Fatalf("unexpected normalized task %+v", n)
	}
}

func TestTaskPatchApplyLeavesAbsentFields(t *testing.T) {
	task := validTask()
	task.Description = "keep"
	got := TaskPatch{Status: ptrStatus(StatusInProgress)}.Apply(task)
	if got.Status != StatusInProgress || got.Title != task.Title || got.Description != "keep" {
		t.Fatalf("unexpected patched task %+v", got)
	}
	if !(TaskPatch{}).Empty() || (TaskPatch{Title: ptrString("x")}).Empty() {
		t.Fatal("Empty reported wrong value")
	}
}

func TestCompletedBy(t *testing.T) {
	todo := validTask()
	done := todo
	done.Status = StatusCompleted
	if !CompletedBy(todo, done) {
		t.Fatal("expected to-do -> completed to complete")
	}
	if CompletedBy(done, done) {
		t.Fatal("completed -> completed must not complete again")
	}
	if CompletedBy(done, todo) {
		t.Fatal("reopen must not complete")
	}
}

func TestNotFoundErrorMatchesSentinel(t *testing.T) {
	err := error(&NotFoundError{ID: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected NotFoundError to match ErrNotFound")
	}
}

func TestEventFromMessage(t *testing.T) {
	task := validTask()
	data, _ := json.Marshal(task)
	ev, ok, err := EventFromMessage(Message{Type: string(TaskUpdated), Data: data})
	if err != nil || !ok {
		t.Fatalf("decode updated: ok=%v err=%v", ok, err)
	}
	if ev.Type != TaskUpdated || ev.TaskID != "t1" || ev.Task.Title != task.Title {
		t.Fatalf("unexpected event %+v", ev)
	}

	ev, ok, err = EventFromMessage(Message{Type: string(TaskDeleted), Data: json.RawMessage(`"t1"`)})
	if err != nil || !ok || ev.Type != TaskDeleted || ev.TaskID != "t1" || ev.Task != nil {
		t.Fatalf("unexpected deleted event %+v ok=%v err=%v", ev, ok, err)
	}

	if _, ok, _ := EventFromMessage(Message{Type: MessageWelcome}); ok {
		t.Fatal("welcome must not decode as a task event")
	}
}
