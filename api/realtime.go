package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"task-sync/broadcast"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 64 * 1024
)

type pollOpenResponse struct {
	SessionID string `json:"sessionId"`
}

type pollResponse struct {
	Messages []json.RawMessage `json:"messages"`
}

func registerRealtime(e *echo.Echo, opts Options) {
	if opts.Hub == nil {
		return
	}
	upgrader := newUpgrader(opts.AllowedOrigins)
	e.GET("/realtime/ws", serveWebSocket(opts.Hub, opts.Auth, upgrader, opts.Logger))
	e.GET("/realtime/sse", serveSSE(opts.Hub, opts.Auth, opts.Logger))
	e.POST("/realtime/poll", openPoll(opts.Hub, opts.Auth))
	e.GET("/realtime/poll/:id", drainPoll(opts.Hub, opts.Auth, opts.PollWait))
	e.POST("/realtime/poll/:id", sendPoll(opts.Hub, opts.Auth))
	e.DELETE("/realtime/poll/:id", closePoll(opts.Hub, opts.Auth))
}

func newUpgrader(origins []string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get(echo.HeaderOrigin)
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			if !ok {
				_, ok = allowed["*"]
			}
			return ok
		},
	}
}

func unauthorized(c echo.Context, err error) error {
	return c.JSON(http.StatusUnauthorized, envelope{Success: false, Message: err.Error()})
}

func serveWebSocket(hub *broadcast.Hub, auth Authenticator, upgrader *websocket.Upgrader, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, err := principal(auth, c.Request())
		if err != nil {
			return unauthorized(c, err)
		}
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// the upgrader has already answered the request
			logger.WithError(err).Debug("websocket upgrade failed")
			return nil
		}
		s := hub.Connect(broadcast.ConnectOptions{Transport: broadcast.TransportWebSocket, Principal: user})
		cfg := hub.Config()
		go writeWebSocket(conn, s, hub, cfg.PingInterval)
		readWebSocket(conn, s, hub, cfg.Grace(), logger)
		return nil
	}
}

// readWebSocket pumps client frames into the hub until the connection
// fails or goes silent for longer than grace.
func readWebSocket(conn *websocket.Conn, s *broadcast.Session, hub *broadcast.Hub, grace time.Duration, logger *log.Logger) {
	defer hub.Disconnect(s)
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(grace))
	conn.SetPongHandler(func(string) error {
		hub.Touch(s.ID)
		return conn.SetReadDeadline(time.Now().Add(grace))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).WithField("session", s.ID).Debug("websocket read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(grace))
		m, err := broadcast.DecodeMessage(data)
		if err != nil {
			hub.Touch(s.ID)
			hub.Reject(s, "malformed message")
			continue
		}
		hub.Receive(s, m)
	}
}

// writeWebSocket drains the session queue onto the connection and pings
// every pingInterval. It owns closing the connection.
func writeWebSocket(conn *websocket.Conn, s *broadcast.Session, hub *broadcast.Hub, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg := <-s.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				hub.Disconnect(s)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				hub.Disconnect(s)
				return
			}
		case <-s.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}

func serveSSE(hub *broadcast.Hub, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, err := principal(auth, c.Request())
		if err != nil {
			return unauthorized(c, err)
		}
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.JSON(http.StatusInternalServerError, envelope{Success: false, Message: "stream unsupported"})
		}
		c.Response().WriteHeader(http.StatusOK)
		flusher.Flush()

		s := hub.Connect(broadcast.ConnectOptions{Transport: broadcast.TransportSSE, Principal: user})
		defer hub.Disconnect(s)
		ticker := time.NewTicker(hub.Config().PingInterval)
		defer ticker.Stop()
		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-s.Done():
				return nil
			case msg := <-s.Outbound():
				if err := writeEvent(c.Response(), msg); err != nil {
					logger.WithError(err).WithField("session", s.ID).Debug("sse write failed")
					return nil
				}
			case <-ticker.C:
				if _, err := c.Response().Write([]byte(": ping\n\n")); err != nil {
					return nil
				}
			}
			flusher.Flush()
			// a successful write is the only liveness signal of a one-way stream
			hub.Touch(s.ID)
		}
	}
}

func writeEvent(w http.ResponseWriter, msg []byte) error {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}

// pollSession resolves the session named in the path. Sessions of another
// principal are reported as missing.
func pollSession(c echo.Context, hub *broadcast.Hub, auth Authenticator) (*broadcast.Session, error) {
	user, err := principal(auth, c.Request())
	if err != nil {
		return nil, unauthorized(c, err)
	}
	s, ok := hub.Session(c.Param("id"))
	if !ok || s.Transport != broadcast.TransportPolling || s.Principal != user {
		return nil, c.JSON(http.StatusNotFound, envelope{Success: false, Message: "Session not found"})
	}
	return s, nil
}

func openPoll(hub *broadcast.Hub, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, err := principal(auth, c.Request())
		if err != nil {
			return unauthorized(c, err)
		}
		s := hub.Connect(broadcast.ConnectOptions{Transport: broadcast.TransportPolling, Principal: user})
		return c.JSON(http.StatusCreated, pollOpenResponse{SessionID: s.ID})
	}
}

func drainPoll(hub *broadcast.Hub, auth Authenticator, wait time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		s, err := pollSession(c, hub, auth)
		if s == nil {
			return err
		}
		hub.Touch(s.ID)
		msgs, open := s.Drain(c.Request().Context(), wait)
		hub.Touch(s.ID)
		if !open && len(msgs) == 0 {
			return c.JSON(http.StatusGone, envelope{Success: false, Message: "Session closed"})
		}
		resp := pollResponse{Messages: make([]json.RawMessage, len(msgs))}
		for i, m := range msgs {
			resp.Messages[i] = m
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func sendPoll(hub *broadcast.Hub, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		s, err := pollSession(c, hub, auth)
		if s == nil {
			return err
		}
		var raw json.RawMessage
		if err := decodeBody(c, &raw); err != nil {
			hub.Touch(s.ID)
			return c.JSON(http.StatusBadRequest, envelope{Success: false, Message: "invalid body"})
		}
		m, err := broadcast.DecodeMessage(raw)
		if err != nil {
			hub.Touch(s.ID)
			return c.JSON(http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
		}
		hub.Receive(s, m)
		return c.NoContent(http.StatusAccepted)
	}
}

func closePoll(hub *broadcast.Hub, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		s, err := pollSession(c, hub, auth)
		if s == nil {
			return err
		}
		hub.Disconnect(s)
		return c.NoContent(http.StatusNoContent)
	}
}
