package client

import (
	"context"
	"errors"
	"fmt"

	"task-sync/domain"
)

// ErrServerClosed reports that the server ended the session on purpose.
var ErrServerClosed = errors.New("server closed the session")

// TransportError wraps a failure of the real-time channel.
type TransportError struct {
	Op        string
	Transport string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Conn is one open real-time session.
type Conn interface {
	// Recv blocks until the next server message arrives or the connection
	// fails. Closing the connection unblocks it.
	Recv(ctx context.Context) (domain.Message, error)
	Send(ctx context.Context, m domain.Message) error
	Close() error
	Transport() string
}

// Dialer opens real-time sessions.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	Name() string
}

// FallbackDialer tries each dialer in order and returns the first session
// that opens.
type FallbackDialer struct {
	Dialers []Dialer
}

func (f FallbackDialer) Name() string { return "fallback" }

func (f FallbackDialer) Dial(ctx context.Context) (Conn, error) {
	if len(f.Dialers) == 0 {
		return nil, &TransportError{Op: "dial", Transport: f.Name(), Err: errors.New("no transports configured")}
	}
	var errs []error
	for _, d := range f.Dialers {
		conn, err := d.Dial(ctx)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &TransportError{Op: "dial", Transport: f.Name(), Err: errors.Join(errs...)}
}
