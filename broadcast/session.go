package broadcast

import (
	"context"
	"sort"
	"sync"
	"time"
)

// State is the lifecycle stage of a session.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport names the channel a session is served over.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportSSE       Transport = "sse"
	TransportPolling   Transport = "polling"
)

// Session is one live subscriber connection. It is never persisted; a
// reconnecting client gets a new Session.
type Session struct {
	ID        string
	Transport Transport
	Principal string

	out  chan []byte
	done chan struct{}

	mu       sync.Mutex
	state    State
	rooms    map[string]struct{}
	lastSeen time.Time
}

func newSession(id string, opts ConnectOptions, queueSize int, now time.Time) *Session {
	return &Session{
		ID:        id,
		Transport: opts.Transport,
		Principal: opts.Principal,
		out:       make(chan []byte, queueSize),
		done:      make(chan struct{}),
		state:     StateConnecting,
		rooms:     make(map[string]struct{}),
		lastSeen:  now,
	}
}

// Outbound yields encoded messages in the order they were queued.
func (s *Session) Outbound() <-chan []byte { return s.out }

// Done is closed once the session is disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Rooms returns the joined rooms in lexical order.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// InRoom reports whether a message scoped to room reaches this session.
// The empty room addresses everyone.
func (s *Session) InRoom(room string) bool {
	if room == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

// Drain returns the queued messages, waiting up to wait for the first one.
// ok is false once the session is closed and nothing is left to deliver.
func (s *Session) Drain(ctx context.Context, wait time.Duration) (msgs [][]byte, ok bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case msg := <-s.out:
		msgs = append(msgs, msg)
	case <-s.done:
		return s.drainQueued(nil), false
	case <-ctx.Done():
		return nil, true
	case <-timer.C:
		return nil, true
	}
	return s.drainQueued(msgs), true
}

func (s *Session) drainQueued(msgs [][]byte) [][]byte {
	for {
		select {
		case msg := <-s.out:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

// offer queues msg without blocking. It reports false when the session is
// not open or its queue is full.
func (s *Session) offer(msg []byte) (queued, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return false, false
	}
	select {
	case s.out <- msg:
		return true, true
	default:
		return false, true
	}
}

func (s *Session) open() {
	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateOpen
	}
	s.mu.Unlock()
}

// close reports whether this call performed the transition.
func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	close(s.done)
	return true
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) join(room string) {
	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) leave(room string) {
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
}
