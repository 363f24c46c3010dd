package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"task-sync/domain"
)

var errUnauthorized = errors.New("unauthorized")

// APIError is a failed request on the REST surface.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return errUnauthorized
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var env envelope
	msg := strings.TrimSpace(string(body))
	if sonic.Unmarshal(body, &env) == nil && env.Message != "" {
		msg = env.Message
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Count   *int            `json:"count"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
}

// RESTClient drives /api/tasks. Mutations never touch a local view: the
// resulting events do.
type RESTClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func (c *RESTClient) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

func (c *RESTClient) call(ctx context.Context, method, path string, in any, headers map[string]string, out any) error {
	var body io.Reader
	if in != nil {
		data, err := sonic.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if resp.StatusCode >= 300 || !env.Success {
		return responseError(resp.StatusCode, env)
	}
	if out != nil && len(env.Data) > 0 {
		return sonic.Unmarshal(env.Data, out)
	}
	return nil
}

func responseError(status int, env envelope) error {
	switch status {
	case http.StatusNotFound:
		return &domain.NotFoundError{}
	case http.StatusBadRequest:
		var fields map[string]string
		if len(env.Error) > 0 && sonic.Unmarshal(env.Error, &fields) == nil && len(fields) > 0 {
			return &domain.ValidationError{Fields: fields}
		}
	}
	return &APIError{Status: status, Message: env.Message}
}

// List fetches the full task list.
func (c *RESTClient) List(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := c.call(ctx, http.MethodGet, "/api/tasks", nil, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *RESTClient) Get(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := c.call(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, nil, &t)
	return t, withID(err, id)
}

// Create sends a fresh idempotency key so a retried request cannot create
// the task twice.
func (c *RESTClient) Create(ctx context.Context, in domain.NewTask) (domain.Task, error) {
	var t domain.Task
	err := c.call(ctx, http.MethodPost, "/api/tasks", in, map[string]string{"Idempotency-Key": uuid.NewString()}, &t)
	return t, err
}

func (c *RESTClient) Update(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	var t domain.Task
	err := c.call(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(id), patch, nil, &t)
	return t, withID(err, id)
}

func (c *RESTClient) Delete(ctx context.Context, id string) error {
	return withID(c.call(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil, nil), id)
}

func withID(err error, id string) error {
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		nf.ID = id
	}
	return err
}
