package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"task-sync/domain"
)

const transportPolling = "polling"

// PollingDialer opens long-poll sessions on /realtime/poll.
type PollingDialer struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	// RequestTimeout bounds one drain request; it must exceed the server
	// poll wait.
	RequestTimeout time.Duration
}

func (d PollingDialer) Name() string { return transportPolling }

func (d PollingDialer) Dial(ctx context.Context) (Conn, error) {
	c := &pollConn{
		base:    strings.TrimRight(d.BaseURL, "/") + "/realtime/poll",
		token:   d.Token,
		http:    d.HTTP,
		timeout: d.RequestTimeout,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.timeout <= 0 {
		c.timeout = time.Minute
	}
	resp, err := c.do(ctx, http.MethodPost, c.base, nil)
	if err != nil {
		return nil, &TransportError{Op: "dial", Transport: transportPolling, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, &TransportError{Op: "dial", Transport: transportPolling, Err: statusError(resp)}
	}
	var open struct {
		SessionID string `json:"sessionId"`
	}
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&open); err != nil || open.SessionID == "" {
		return nil, &TransportError{Op: "dial", Transport: transportPolling, Err: fmt.Errorf("bad open response: %v", err)}
	}
	c.sessionURL = c.base + "/" + open.SessionID
	c.closed = make(chan struct{})
	return c, nil
}

type pollConn struct {
	base       string
	sessionURL string
	token      string
	http       *http.Client
	timeout    time.Duration

	pending   []domain.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *pollConn) Transport() string { return transportPolling }

func (c *pollConn) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

// Recv is only called from one goroutine.
func (c *pollConn) Recv(ctx context.Context) (domain.Message, error) {
	for len(c.pending) == 0 {
		if err := c.poll(ctx); err != nil {
			return domain.Message{}, err
		}
	}
	m := c.pending[0]
	c.pending = c.pending[1:]
	return m, nil
}

func (c *pollConn) poll(ctx context.Context) error {
	select {
	case <-c.closed:
		return &TransportError{Op: "recv", Transport: transportPolling, Err: net.ErrClosed}
	default:
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	resp, err := c.do(ctx, http.MethodGet, c.sessionURL, nil)
	if err != nil {
		return &TransportError{Op: "recv", Transport: transportPolling, Err: err}
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return &TransportError{Op: "recv", Transport: transportPolling, Err: errors.Join(ErrServerClosed, statusError(resp))}
	default:
		return &TransportError{Op: "recv", Transport: transportPolling, Err: statusError(resp)}
	}
	var body struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &TransportError{Op: "recv", Transport: transportPolling, Err: err}
	}
	for _, raw := range body.Messages {
		var m domain.Message
		if err := sonic.Unmarshal(raw, &m); err != nil {
			continue
		}
		c.pending = append(c.pending, m)
	}
	return nil
}

func (c *pollConn) Send(ctx context.Context, m domain.Message) error {
	data, err := sonic.Marshal(m)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, c.sessionURL, data)
	if err != nil {
		return &TransportError{Op: "send", Transport: transportPolling, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return &TransportError{Op: "send", Transport: transportPolling, Err: statusError(resp)}
	}
	return nil
}

// Close ends the server session and unblocks a pending Recv.
func (c *pollConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, derr := c.do(ctx, http.MethodDelete, c.sessionURL, nil)
		if derr != nil {
			err = derr
			return
		}
		resp.Body.Close()
	})
	return err
}
