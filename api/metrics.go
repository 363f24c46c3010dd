package api

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// requestMetrics collects stage timings of one task request and emits them
// as a single structured log line.
type requestMetrics struct {
	logger          *log.Logger
	route           string
	method          string
	start           time.Time
	authDuration    time.Duration
	serviceDuration time.Duration
	encodeDuration  time.Duration
	taskID          string
	tasksReturned   int
	idempotent      bool
	errorStage      string
	cause           error
}

func newRequestMetrics(logger *log.Logger, method, route string) *requestMetrics {
	return &requestMetrics{logger: logger, method: method, route: route, start: time.Now(), tasksReturned: -1}
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *requestMetrics) ObserveService(d time.Duration) {
	if d > 0 {
		m.serviceDuration = d
	}
}

func (m *requestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *requestMetrics) SetTaskID(id string) { m.taskID = id }

func (m *requestMetrics) SetTasksReturned(n int) {
	if n < 0 {
		n = 0
	}
	m.tasksReturned = n
}

func (m *requestMetrics) SetIdempotencyKeyProvided(provided bool) { m.idempotent = provided }

// Fail records the stage a request failed at and the error behind it.
func (m *requestMetrics) Fail(stage string, err error) {
	if stage != "" {
		m.errorStage = stage
	}
	if err != nil {
		m.cause = err
	}
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":    m.route,
		"method":   m.method,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.serviceDuration > 0 {
		fields["service_ms"] = durationToMillis(m.serviceDuration)
	}
	if m.encodeDuration > 0 {
		fields["encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.taskID != "" {
		fields["task_id"] = m.taskID
	}
	if m.tasksReturned >= 0 {
		fields["tasks_returned"] = m.tasksReturned
	}
	if m.idempotent {
		fields["idempotency_key"] = true
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err == nil {
		err = m.cause
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("tasks.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
