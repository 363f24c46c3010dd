package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"task-sync/domain"
)

// ErrUnknownSession is returned for operations on a session id that is not
// registered.
var ErrUnknownSession = errors.New("unknown session")

const welcomeText = "Connected to server successfully"

// Config holds the hub tunables. The grace interval after which a silent
// session is reaped is PingInterval + PingTimeout.
type Config struct {
	QueueSize     int
	PingInterval  time.Duration
	PingTimeout   time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:     64,
		PingInterval:  25 * time.Second,
		PingTimeout:   60 * time.Second,
		SweepInterval: 5 * time.Second,
	}
}

func (c Config) Grace() time.Duration { return c.PingInterval + c.PingTimeout }

// ConnectOptions describes the session being opened.
type ConnectOptions struct {
	Transport Transport
	Principal string
}

// Hub fans committed mutation events out to every open session.
type Hub struct {
	cfg      Config
	registry Registry
	logger   *log.Logger
	closing  atomic.Bool

	now   func() time.Time
	newID func() string
}

func NewHub(cfg Config, registry Registry, logger *log.Logger) *Hub {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (h *Hub) Config() Config { return h.cfg }

// Connect registers a new open session with the welcome message queued.
// Events committed before the call are not replayed. Once Shutdown has run
// the returned session is already closed.
func (h *Hub) Connect(opts ConnectOptions) *Session {
	s := newSession(h.newID(), opts, h.cfg.QueueSize, h.now())
	h.registry.Add(s)
	s.open()
	if h.closing.Load() {
		h.Disconnect(s)
		return s
	}
	h.send(s, domain.MessageWelcome, domain.Welcome{Message: welcomeText, SessionID: s.ID})
	h.logger.WithFields(log.Fields{
		"session":   s.ID,
		"transport": s.Transport,
		"principal": s.Principal,
		"sessions":  h.registry.Len(),
	}).Info("session connected")
	return s
}

// Broadcast encodes ev once and offers it to every open session the event
// is scoped to. A session whose queue is full is disconnected. It returns
// the number of sessions the event was queued for.
func (h *Hub) Broadcast(ev domain.Event) int {
	msg, err := EncodeMessage(string(ev.Type), ev.Payload())
	if err != nil {
		h.logger.WithError(err).WithField("event", ev.Type).Error("encode event")
		return 0
	}
	delivered := 0
	for _, s := range h.registry.Snapshot() {
		if !s.InRoom(ev.Room) {
			continue
		}
		queued, open := s.offer(msg)
		switch {
		case queued:
			delivered++
		case open:
			h.logger.WithFields(log.Fields{"session": s.ID, "event": ev.Type}).Warn("session queue full, disconnecting")
			h.Disconnect(s)
		}
	}
	h.logger.WithFields(log.Fields{"event": ev.Type, "task": ev.TaskID, "sessions": delivered}).Debug("event broadcast")
	return delivered
}

// Publish makes the hub usable as the service's event sink when no relay
// sits in between.
func (h *Hub) Publish(_ context.Context, ev domain.Event) error {
	h.Broadcast(ev)
	return nil
}

// Disconnect closes s and drops it from the registry. It is idempotent.
func (h *Hub) Disconnect(s *Session) {
	if s == nil {
		return
	}
	if cur, ok := h.registry.Get(s.ID); ok && cur == s {
		h.registry.Remove(s.ID)
	}
	if s.close() {
		h.logger.WithFields(log.Fields{"session": s.ID, "sessions": h.registry.Len()}).Info("session disconnected")
	}
}

// DisconnectID is Disconnect by id. It reports whether the session existed.
func (h *Hub) DisconnectID(id string) bool {
	s, ok := h.registry.Get(id)
	if !ok {
		return false
	}
	h.Disconnect(s)
	return true
}

func (h *Hub) Session(id string) (*Session, bool) { return h.registry.Get(id) }

// Sessions returns the number of registered sessions.
func (h *Hub) Sessions() int { return h.registry.Len() }

func (h *Hub) Join(id, room string) error {
	s, ok := h.registry.Get(id)
	if !ok {
		return fmt.Errorf("join %q: %w", room, ErrUnknownSession)
	}
	s.join(room)
	return nil
}

func (h *Hub) Leave(id, room string) error {
	s, ok := h.registry.Get(id)
	if !ok {
		return fmt.Errorf("leave %q: %w", room, ErrUnknownSession)
	}
	s.leave(room)
	return nil
}

// Touch records liveness for the session.
func (h *Hub) Touch(id string) bool {
	s, ok := h.registry.Get(id)
	if ok {
		s.touch(h.now())
	}
	return ok
}

// Receive handles one client frame on behalf of s and queues the reply.
func (h *Hub) Receive(s *Session, m domain.Message) {
	s.touch(h.now())
	switch m.Type {
	case domain.MessagePing:
		h.send(s, domain.MessagePong, nil)
	case domain.MessageJoin, domain.MessageLeave:
		var room string
		if err := sonic.Unmarshal(m.Data, &room); err != nil || room == "" {
			h.send(s, domain.MessageError, "room name required")
			return
		}
		if m.Type == domain.MessageJoin {
			s.join(room)
			h.send(s, domain.MessageJoined, room)
		} else {
			s.leave(room)
			h.send(s, domain.MessageLeft, room)
		}
		h.logger.WithFields(log.Fields{"session": s.ID, "room": room, "op": m.Type}).Debug("room membership changed")
	default:
		h.send(s, domain.MessageError, "unsupported message type "+m.Type)
	}
}

func (h *Hub) send(s *Session, typ string, payload any) {
	msg, err := EncodeMessage(typ, payload)
	if err != nil {
		h.logger.WithError(err).WithField("type", typ).Error("encode message")
		return
	}
	if queued, open := s.offer(msg); !queued && open {
		h.logger.WithFields(log.Fields{"session": s.ID, "type": typ}).Warn("session queue full, disconnecting")
		h.Disconnect(s)
	}
}

// Run reaps sessions silent for longer than the grace interval until ctx
// is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() int {
	cutoff := h.now().Add(-h.cfg.Grace())
	reaped := 0
	for _, s := range h.registry.Snapshot() {
		if s.LastSeen().Before(cutoff) {
			h.logger.WithFields(log.Fields{"session": s.ID, "lastSeen": s.LastSeen()}).Info("reaping silent session")
			h.Disconnect(s)
			reaped++
		}
	}
	return reaped
}

// Shutdown disconnects every session and refuses new ones.
func (h *Hub) Shutdown() {
	h.closing.Store(true)
	for _, s := range h.registry.Snapshot() {
		h.Disconnect(s)
	}
}

// EncodeMessage renders the wire envelope {"type", "data"}.
func EncodeMessage(typ string, payload any) ([]byte, error) {
	m := domain.Message{Type: typ}
	if payload != nil {
		data, err := sonic.Marshal(payload)
		if err != nil {
			return nil, err
		}
		m.Data = data
	}
	return sonic.Marshal(m)
}

// DecodeMessage parses a client frame.
func DecodeMessage(raw []byte) (domain.Message, error) {
	var m domain.Message
	if err := sonic.Unmarshal(raw, &m); err != nil {
		return domain.Message{}, err
	}
	if m.Type == "" {
		return domain.Message{}, errors.New("message type required")
	}
	return m, nil
}

// Reject tells the session its last frame could not be handled.
func (h *Hub) Reject(s *Session, reason string) {
	h.send(s, domain.MessageError, reason)
}
