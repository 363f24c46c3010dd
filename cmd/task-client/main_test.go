package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"task-sync/client"
	"task-sync/domain"
)

func TestStatusFilter(t *testing.T) {
	cases := map[string]domain.Status{
		"":         "",
		"all":      "",
		"todo":     domain.StatusToDo,
		"progress": domain.StatusInProgress,
		"done":     domain.StatusCompleted,
	}
	for arg, want := range cases {
		got, err := statusFilter(arg)
		if err != nil || got != want {
			t.Fatalf("%q: got %q, %v", arg, got, err)
		}
	}
	if _, err := statusFilter("later"); err == nil {
		t.Fatalf("expected error for unknown filter")
	}
}

func TestExecuteRejectsUnknownCommand(t *testing.T) {
	var buf bytes.Buffer
	s := client.New(client.Options{Dialer: client.FallbackDialer{}, API: &client.RESTClient{BaseURL: "http://127.0.0.1:0"}})
	if err := execute(context.Background(), s, &buf, "frobnicate"); err == nil {
		t.Fatalf("expected error")
	}
	if err := execute(context.Background(), s, &buf, "ls"); err != nil {
		t.Fatalf("ls: %v", err)
	}
	if !strings.Contains(buf.String(), "0 task(s)") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
