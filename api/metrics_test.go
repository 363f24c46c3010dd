package api

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestRequestMetricsLogFields(t *testing.T) {
	logger, hook := test.NewNullLogger()
	m := newRequestMetrics(logger, http.MethodPut, "/api/tasks/:id")
	m.start = m.start.Add(-50 * time.Millisecond)
	m.ObserveAuth(2 * time.Millisecond)
	m.ObserveService(10 * time.Millisecond)
	m.ObserveEncode(-time.Millisecond)
	m.SetTaskID("t1")
	m.SetIdempotencyKeyProvided(true)

	m.Log(http.StatusOK, nil)

	entry := hook.LastEntry()
	if entry == nil || entry.Message != "tasks.request.metrics" {
		t.Fatalf("unexpected entry %#v", entry)
	}
	if entry.Data["route"] != "/api/tasks/:id" || entry.Data["method"] != http.MethodPut || entry.Data["status"] != http.StatusOK {
		t.Fatalf("unexpected request fields %v", entry.Data)
	}
	if total, _ := entry.Data["total_ms"].(float64); total < 50 {
		t.Fatalf("unexpected total %v", entry.Data["total_ms"])
	}
	if entry.Data["auth_ms"] != 2.0 || entry.Data["service_ms"] != 10.0 {
		t.Fatalf("unexpected stage timings %v", entry.Data)
	}
	if _, ok := entry.Data["encode_ms"]; ok {
		t.Fatalf("negative durations must be dropped")
	}
	if _, ok := entry.Data["tasks_returned"]; ok {
		t.Fatalf("tasks_returned should be absent when unset")
	}
	if entry.Data["task_id"] != "t1" || entry.Data["idempotency_key"] != true {
		t.Fatalf("unexpected fields %v", entry.Data)
	}
}

func TestRequestMetricsRecordsFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	m := newRequestMetrics(logger, http.MethodGet, "/api/tasks")
	m.SetTasksReturned(-3)
	m.Fail("service", errors.New("table unavailable"))

	m.Log(http.StatusInternalServerError, nil)

	entry := hook.LastEntry()
	if entry.Data["error_stage"] != "service" || entry.Data["error"] != "table unavailable" {
		t.Fatalf("unexpected failure fields %v", entry.Data)
	}
	if entry.Data["tasks_returned"] != 0 {
		t.Fatalf("unexpected tasks_returned %v", entry.Data["tasks_returned"])
	}
}

func TestRequestMetricsNilSafe(t *testing.T) {
	var m *requestMetrics
	m.Log(http.StatusOK, nil)
}
