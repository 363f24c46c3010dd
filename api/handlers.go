package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"task-sync/broadcast"
	"task-sync/domain"
)

// Options wires the handlers to their collaborators. Auth and Deduper are
// optional.
type Options struct {
	Tasks   Tasks
	Hub     *broadcast.Hub
	Auth    Authenticator
	Deduper Deduper
	Logger  *log.Logger

	// PollWait bounds how long a long-poll drain waits for a message.
	PollWait time.Duration
	// AllowedOrigins restricts WebSocket upgrades; empty allows any origin.
	AllowedOrigins []string
}

const defaultPollWait = 25 * time.Second

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, opts Options) {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.PollWait <= 0 {
		opts.PollWait = defaultPollWait
	}
	e.HTTPErrorHandler = errorHandler(opts.Logger)

	e.GET("/", root)
	e.GET("/healthz", healthz(opts.Hub))

	e.POST("/api/tasks", createTask(opts.Tasks, opts.Auth, opts.Deduper, opts.Logger))
	e.GET("/api/tasks", listTasks(opts.Tasks, opts.Auth, opts.Logger))
	e.GET("/api/tasks/:id", getTask(opts.Tasks, opts.Auth, opts.Logger))
	e.PUT("/api/tasks/:id", updateTask(opts.Tasks, opts.Auth, opts.Logger))
	e.DELETE("/api/tasks/:id", deleteTask(opts.Tasks, opts.Auth, opts.Logger))

	registerRealtime(e, opts)
}

func root(c echo.Context) error {
	return c.JSON(http.StatusOK, envelope{Success: true, Message: "Welcome to the task-sync API server"})
}

type healthStatus struct {
	Timestamp        time.Time `json:"timestamp"`
	ConnectedClients int       `json:"connectedClients"`
}

func healthz(hub *broadcast.Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		status := healthStatus{Timestamp: time.Now().UTC()}
		if hub != nil {
			status.ConnectedClients = hub.Sessions()
		}
		return c.JSON(http.StatusOK, envelope{Success: true, Message: "Server is running!", Data: status})
	}
}

func errorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := "Internal Server Error"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(code)
			}
		} else {
			logger.WithError(err).WithField("path", c.Path()).Error("unhandled request error")
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, envelope{Success: false, Message: msg})
		}
		if err != nil {
			logger.WithError(err).Error("write error response")
		}
	}
}

// authenticate resolves the caller, answering 401 itself on failure.
func authenticate(c echo.Context, auth Authenticator, metrics *requestMetrics) (string, bool, error) {
	start := time.Now()
	user, err := principal(auth, c.Request())
	metrics.ObserveAuth(time.Since(start))
	if err != nil {
		metrics.Fail("auth", err)
		return "", false, c.JSON(http.StatusUnauthorized, envelope{Success: false, Message: err.Error()})
	}
	return user, true, nil
}

func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	return dec.Decode(v)
}

// respondError maps service errors onto the envelope and status code.
func respondError(c echo.Context, metrics *requestMetrics, err error, failMsg string) error {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		metrics.Fail("validation", err)
		return c.JSON(http.StatusBadRequest, envelope{Success: false, Message: verr.Error(), Error: verr.Fields})
	case errors.Is(err, domain.ErrNotFound):
		metrics.Fail("not_found", err)
		return c.JSON(http.StatusNotFound, envelope{Success: false, Message: "Task not found"})
	default:
		metrics.Fail("service", err)
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, envelope{Success: false, Message: failMsg, Error: err.Error()})
	}
}

func createTask(tasks Tasks, auth Authenticator, dedup Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newRequestMetrics(logger, http.MethodPost, "/api/tasks")
		defer func() { metrics.Log(c.Response().Status, err) }()

		user, ok, err := authenticate(c, auth, metrics)
		if !ok {
			return err
		}
		var req createTaskRequest
		if derr := decodeBody(c, &req); derr != nil {
			metrics.Fail("decode", derr)
			return c.JSON(http.StatusBadRequest, envelope{Success: false, Message: "invalid body"})
		}

		ctx := c.Request().Context()
		key := c.Request().Header.Get(HeaderIdempotencyKey)
		metrics.SetIdempotencyKeyProvided(key != "")
		if key != "" && dedup != nil {
			added, derr := dedup.Add(ctx, user, key)
			if derr != nil {
				metrics.Fail("idempotency", derr)
				c.Logger().Error(derr)
				return c.JSON(http.StatusInternalServerError, envelope{Success: false, Message: "Failed to create task", Error: derr.Error()})
			}
			if !added {
				metrics.Fail("idempotency", nil)
				return c.JSON(http.StatusConflict, envelope{Success: false, Message: "Duplicate request"})
			}
		}

		start := time.Now()
		task, serr := tasks.Create(ctx, domain.NewTask{Title: req.Title, Description: req.Description, OwnerEmail: req.OwnerEmail})
		metrics.ObserveService(time.Since(start))
		if serr != nil {
			if key != "" && dedup != nil {
				if rerr := dedup.Remove(ctx, user, key); rerr != nil {
					logger.WithError(rerr).WithField("key", key).Warn("release idempotency key")
				}
			}
			return respondError(c, metrics, serr, "Failed to create task")
		}
		metrics.SetTaskID(task.ID)

		start = time.Now()
		err = c.JSON(http.StatusCreated, envelope{Success: true, Message: "Task created successfully", Data: task})
		metrics.ObserveEncode(time.Since(start))
		return err
	}
}

func listTasks(tasks Tasks, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newRequestMetrics(logger, http.MethodGet, "/api/tasks")
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, ok, aerr := authenticate(c, auth, metrics); !ok {
			return aerr
		}
		start := time.Now()
		list, serr := tasks.List(c.Request().Context())
		metrics.ObserveService(time.Since(start))
		if serr != nil {
			return respondError(c, metrics, serr, "Failed to fetch tasks")
		}
		if list == nil {
			list = []domain.Task{}
		}
		metrics.SetTasksReturned(len(list))
		count := len(list)

		start = time.Now()
		err = c.JSON(http.StatusOK, envelope{Success: true, Count: &count, Data: list})
		metrics.ObserveEncode(time.Since(start))
		return err
	}
}

func getTask(tasks Tasks, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newRequestMetrics(logger, http.MethodGet, "/api/tasks/:id")
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, ok, aerr := authenticate(c, auth, metrics); !ok {
			return aerr
		}
		id := c.Param("id")
		metrics.SetTaskID(id)
		start := time.Now()
		task, serr := tasks.Get(c.Request().Context(), id)
		metrics.ObserveService(time.Since(start))
		if serr != nil {
			return respondError(c, metrics, serr, "Failed to fetch task")
		}
		return c.JSON(http.StatusOK, envelope{Success: true, Data: task})
	}
}

func updateTask(tasks Tasks, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newRequestMetrics(logger, http.MethodPut, "/api/tasks/:id")
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, ok, aerr := authenticate(c, auth, metrics); !ok {
			return aerr
		}
		id := c.Param("id")
		metrics.SetTaskID(id)
		var req updateTaskRequest
		if derr := decodeBody(c, &req); derr != nil {
			metrics.Fail("decode", derr)
			return c.JSON(http.StatusBadRequest, envelope{Success: false, Message: "invalid body"})
		}
		start := time.Now()
		task, serr := tasks.Update(c.Request().Context(), id, domain.TaskPatch{
			Title:       req.Title,
			Description: req.Description,
			Status:      req.Status,
		})
		metrics.ObserveService(time.Since(start))
		if serr != nil {
			return respondError(c, metrics, serr, "Failed to update task")
		}
		return c.JSON(http.StatusOK, envelope{Success: true, Message: "Task updated successfully", Data: task})
	}
}

func deleteTask(tasks Tasks, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newRequestMetrics(logger, http.MethodDelete, "/api/tasks/:id")
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, ok, aerr := authenticate(c, auth, metrics); !ok {
			return aerr
		}
		id := c.Param("id")
		metrics.SetTaskID(id)
		start := time.Now()
		serr := tasks.Remove(c.Request().Context(), id)
		metrics.ObserveService(time.Since(start))
		if serr != nil {
			return respondError(c, metrics, serr, "Failed to delete task")
		}
		return c.JSON(http.StatusOK, envelope{Success: true, Message: "Task deleted successfully"})
	}
}
