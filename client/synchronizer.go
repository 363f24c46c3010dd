// Package client keeps a local replica of the task set in sync with the
// server over a real-time channel, reconnecting and reconciling as needed.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"task-sync/domain"
)

// API is the request channel: the full-list read and the mutations.
type API interface {
	List(ctx context.Context) ([]domain.Task, error)
	Create(ctx context.Context, in domain.NewTask) (domain.Task, error)
	Update(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error)
	Delete(ctx context.Context, id string) error
}

// Options configures a Synchronizer. Zero durations take the defaults.
type Options struct {
	Dialer Dialer
	API    API

	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	// MaxAttempts of zero retries forever.
	MaxAttempts    int
	ConnectTimeout time.Duration
	// ServerCloseDelay is the fixed wait after the server ended the session.
	ServerCloseDelay time.Duration

	Logger *log.Logger
	// OnChange is called from the Run goroutine after every state or view
	// change.
	OnChange func(Status)
}

func DefaultOptions() Options {
	return Options{
		ReconnectDelay:    time.Second,
		ReconnectDelayMax: 5 * time.Second,
		ConnectTimeout:    20 * time.Second,
		ServerCloseDelay:  time.Second,
	}
}

var (
	errSuperseded   = errors.New("superseded by a newer connection attempt")
	errNotConnected = errors.New("not connected")
)

// Synchronizer owns the connection lifecycle and the local view.
type Synchronizer struct {
	opts   Options
	view   *View
	logger *log.Logger
	kick   chan struct{}
	now    func() time.Time

	mu            sync.Mutex
	status        Status
	gen           uint64
	cancelAttempt context.CancelFunc
	conn          Conn
}

func New(opts Options) *Synchronizer {
	if opts.Dialer == nil || opts.API == nil {
		panic("client.New: dialer and api are required")
	}
	def := DefaultOptions()
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	if opts.ReconnectDelayMax < opts.ReconnectDelay {
		opts.ReconnectDelayMax = max(def.ReconnectDelayMax, opts.ReconnectDelay)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ServerCloseDelay <= 0 {
		opts.ServerCloseDelay = def.ServerCloseDelay
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	s := &Synchronizer{
		opts:   opts,
		view:   NewView(),
		logger: opts.Logger,
		kick:   make(chan struct{}, 1),
		now:    time.Now,
	}
	s.status = Status{State: Disconnected, Since: s.now()}
	return s
}

// Run connects and keeps the view in sync until ctx is done.
func (s *Synchronizer) Run(ctx context.Context) error {
	state := Connecting
	failures := 0
	var delay time.Duration
	for {
		gen, attemptCtx, cancel := s.begin(ctx, state, failures)
		if delay > 0 && !sleep(attemptCtx, delay) {
			cancel()
			if ctx.Err() != nil {
				return s.stop(ctx)
			}
			state, failures, delay = Connecting, 0, 0
			continue
		}

		conn, err := s.connect(attemptCtx, gen)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return s.stop(ctx)
			}
			if errors.Is(err, errSuperseded) {
				state, failures, delay = Connecting, 0, 0
				continue
			}
			failures++
			s.logger.WithError(err).WithField("attempt", failures).Warn("connection attempt failed")
			if s.opts.MaxAttempts > 0 && failures >= s.opts.MaxAttempts {
				s.setStatus(gen, Failed, fmt.Errorf("giving up after %d attempts: %w", failures, err), failures)
				if !s.awaitReconnect(ctx) {
					return s.stop(ctx)
				}
				state, failures, delay = Connecting, 0, 0
				continue
			}
			state, delay = Reconnecting, s.backoff(failures)
			s.setStatus(gen, Reconnecting, err, failures)
			continue
		}

		failures = 0
		err = s.consume(attemptCtx, conn, gen)
		_ = conn.Close()
		cancel()
		if ctx.Err() != nil {
			return s.stop(ctx)
		}
		if errors.Is(err, errSuperseded) {
			state, delay = Connecting, 0
			continue
		}
		s.logger.WithError(err).WithField("transport", conn.Transport()).Warn("disconnected")
		state, delay = Reconnecting, s.backoff(1)
		if errors.Is(err, ErrServerClosed) {
			delay = s.opts.ServerCloseDelay
		}
		s.setStatus(gen, Reconnecting, err, 0)
	}
}

// Reconnect abandons the current connection or attempt and connects
// again. It works from any state, Failed included.
func (s *Synchronizer) Reconnect() {
	s.mu.Lock()
	s.gen++
	cancel := s.cancelAttempt
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Tasks returns the local view filtered by status, newest first. The empty
// status selects all tasks.
func (s *Synchronizer) Tasks(status domain.Status) []domain.Task { return s.view.Tasks(status) }

func (s *Synchronizer) Task(id string) (domain.Task, bool) { return s.view.Get(id) }

// Create, Update and Delete go over the request channel. The local view
// changes only when the resulting event arrives.
func (s *Synchronizer) Create(ctx context.Context, in domain.NewTask) (domain.Task, error) {
	return s.opts.API.Create(ctx, in)
}

func (s *Synchronizer) Update(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	return s.opts.API.Update(ctx, id, patch)
}

func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	return s.opts.API.Delete(ctx, id)
}

// Join subscribes the current session to a room.
func (s *Synchronizer) Join(ctx context.Context, room string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	data, err := sonic.Marshal(room)
	if err != nil {
		return err
	}
	return conn.Send(ctx, domain.Message{Type: domain.MessageJoin, Data: data})
}

func (s *Synchronizer) begin(ctx context.Context, state State, failures int) (uint64, context.Context, context.CancelFunc) {
	attemptCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.cancelAttempt = cancel
	s.conn = nil
	changed := s.status.State != state
	s.status.State = state
	s.status.Attempt = failures
	s.status.Transport = ""
	s.status.SessionID = ""
	if changed {
		s.status.Since = s.now()
	}
	st := s.status
	s.mu.Unlock()

	// a Reconnect issued before this attempt is already honoured
	select {
	case <-s.kick:
	default:
	}
	if changed {
		s.notify(st)
	}
	return gen, attemptCtx, cancel
}

// connect dials, then replaces the view with a full fetch. Both steps share
// the connect timeout.
func (s *Synchronizer) connect(ctx context.Context, gen uint64) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	conn, err := s.opts.Dialer.Dial(ctx)
	if err != nil {
		if !s.current(gen) {
			return nil, errSuperseded
		}
		return nil, err
	}
	tasks, err := s.opts.API.List(ctx)
	if err != nil {
		_ = conn.Close()
		if !s.current(gen) {
			return nil, errSuperseded
		}
		return nil, fmt.Errorf("refresh tasks: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, errSuperseded
	}
	s.view.Replace(tasks)
	s.conn = conn
	s.status = Status{State: Connected, Transport: conn.Transport(), Since: s.now()}
	st := s.status
	s.mu.Unlock()

	s.logger.WithFields(log.Fields{"transport": conn.Transport(), "tasks": len(tasks)}).Info("connected")
	s.notify(st)
	return conn, nil
}

func (s *Synchronizer) consume(ctx context.Context, conn Conn, gen uint64) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		m, err := conn.Recv(ctx)
		if err != nil {
			if !s.current(gen) {
				return errSuperseded
			}
			var te *TransportError
			if errors.As(err, &te) && te.Op == "decode" {
				s.logger.WithError(err).Warn("dropping undecodable message")
				continue
			}
			return err
		}
		s.handle(gen, m)
	}
}

func (s *Synchronizer) handle(gen uint64, m domain.Message) {
	switch m.Type {
	case domain.MessageWelcome:
		var w domain.Welcome
		if err := sonic.Unmarshal(m.Data, &w); err != nil {
			s.logger.WithError(err).Warn("bad welcome")
			return
		}
		s.mu.Lock()
		if s.gen == gen {
			s.status.SessionID = w.SessionID
		}
		s.mu.Unlock()
		s.logger.WithField("session", w.SessionID).Debug(w.Message)
		return
	case domain.MessageError:
		s.logger.WithField("data", string(m.Data)).Warn("server rejected a message")
		return
	case domain.MessagePong, domain.MessageJoined, domain.MessageLeft:
		s.logger.WithField("type", m.Type).Debug("server reply")
		return
	}

	ev, ok, err := domain.EventFromMessage(m)
	if !ok {
		s.logger.WithField("type", m.Type).Debug("ignoring unknown message")
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("type", m.Type).Warn("bad event payload")
		return
	}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	changed := s.view.Apply(ev)
	st := s.status
	s.mu.Unlock()
	if changed {
		s.notify(st)
	}
}

func (s *Synchronizer) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Synchronizer) setStatus(gen uint64, state State, err error, attempt int) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.status.State != state {
		s.status.Since = s.now()
	}
	s.status.State = state
	s.status.Err = err
	s.status.Attempt = attempt
	s.conn = nil
	st := s.status
	s.mu.Unlock()
	s.notify(st)
}

func (s *Synchronizer) stop(ctx context.Context) error {
	s.mu.Lock()
	s.conn = nil
	s.cancelAttempt = nil
	s.status = Status{State: Disconnected, Since: s.now()}
	st := s.status
	s.mu.Unlock()
	s.notify(st)
	return ctx.Err()
}

func (s *Synchronizer) awaitReconnect(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.kick:
		return true
	}
}

func (s *Synchronizer) notify(st Status) {
	if s.opts.OnChange != nil {
		s.opts.OnChange(st)
	}
}

// backoff returns the wait before the n-th consecutive attempt: the base
// delay doubled per failure, capped at the maximum.
func (s *Synchronizer) backoff(n int) time.Duration {
	d := s.opts.ReconnectDelay
	for i := 1; i < n && d < s.opts.ReconnectDelayMax; i++ {
		d *= 2
	}
	return min(d, s.opts.ReconnectDelayMax)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
