package session

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const localRemoteIP = "remote_ip"

type WebSocketConfig struct {
	MaxPayload   int64
	WriteTimeout time.Duration
}

func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		MaxPayload:   4096,
		WriteTimeout: 10 * time.Second,
	}
}

// wsTransport serializes writes to one websocket connection.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (t *wsTransport) Send(_ context.Context, data []byte) SendResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return SendSkipped
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return SendFailure
	}
	return SendSuccessful
}

func (t *wsTransport) Close(code int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = t.conn.Close()
}

// UpgradeMiddleware admits websocket upgrades and remembers the client IP,
// which is only reliable on the fiber context.
func UpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals(localRemoteIP, c.IP())
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// WebSocketHandler runs the read loop of one connection.
func WebSocketHandler(registry *Registry, cfg WebSocketConfig) func(*websocket.Conn) {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWebSocketConfig().WriteTimeout
	}
	return func(c *websocket.Conn) {
		ctx := context.Background()
		ip, _ := c.Locals(localRemoteIP).(string)
		if cfg.MaxPayload > 0 {
			c.SetReadLimit(cfg.MaxPayload)
		}
		t := &wsTransport{conn: c, writeTimeout: cfg.WriteTimeout}

		s, err := registry.AddSession(ctx, t, ip)
		if err != nil {
			t.Close(ClosePolicyViolation, "too many failed logins")
			return
		}

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !s.Terminated() {
					s.OnError(ctx, err)
				} else {
					s.OnClose(ctx, err.Error())
				}
				return
			}
			s.OnMessage(ctx, msg)
			if s.Terminated() {
				return
			}
		}
	}
}
