package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"task-sync/domain"
)

const (
	transportWebSocket = "websocket"
	wsWriteWait        = 10 * time.Second
	// wsReadTimeout is the server ping interval plus ping timeout.
	wsReadTimeout = 85 * time.Second
)

// WebSocketDialer opens sessions on GET /realtime/ws.
type WebSocketDialer struct {
	BaseURL string
	Token   string
	Dialer  *websocket.Dialer
}

func (d WebSocketDialer) Name() string { return transportWebSocket }

func (d WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	target, err := wsURL(d.BaseURL)
	if err != nil {
		return nil, &TransportError{Op: "dial", Transport: transportWebSocket, Err: err}
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			err = errors.Join(err, errUnauthorized)
		}
		return nil, &TransportError{Op: "dial", Transport: transportWebSocket, Err: err}
	}
	c := &wsConn{conn: conn}
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		c.mu.Lock()
		defer c.mu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return c, nil
}

func wsURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/realtime/ws"
	return u.String(), nil
}

type wsConn struct {
	conn *websocket.Conn
	// mu serializes writers
	mu        sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Transport() string { return transportWebSocket }

func (c *wsConn) Recv(context.Context) (domain.Message, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			err = errors.Join(ErrServerClosed, err)
		}
		return domain.Message{}, &TransportError{Op: "recv", Transport: transportWebSocket, Err: err}
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	var m domain.Message
	if err := sonic.Unmarshal(data, &m); err != nil {
		return domain.Message{}, &TransportError{Op: "decode", Transport: transportWebSocket, Err: err}
	}
	return m, nil
}

func (c *wsConn) Send(_ context.Context, m domain.Message) error {
	data, err := sonic.Marshal(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransportError{Op: "send", Transport: transportWebSocket, Err: err}
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}
