package gateway

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dawei-ai/dawei/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	sendBuffer = 256
)

// Client is one connected WebSocket session. Outbound frames go through
// the send channel so a single writer goroutine preserves FIFO order.
type Client struct {
	SessionID string

	server *Server
	conn   *websocket.Conn
	send   chan *protocol.Frame
	done   chan struct{}
}

func newClient(s *Server, conn *websocket.Conn) *Client {
	return &Client{
		SessionID: uuid.NewString(),
		server:    s,
		conn:      conn,
		send:      make(chan *protocol.Frame, sendBuffer),
		done:      make(chan struct{}),
	}
}

// Send queues a frame for delivery. Frames for a saturated client are
// dropped rather than blocking the publisher.
func (c *Client) Send(f *protocol.Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
		slog.Warn("client send buffer full, dropping frame",
			"session", c.SessionID, "type", f.Type)
	}
}

// SendError queues a typed error frame.
func (c *Client) SendError(code, message string, recoverable bool) {
	c.Send(protocol.NewFrame(protocol.TypeError, c.SessionID, protocol.ErrorPayload{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
	}))
}

func (c *Client) readPump() {
	defer c.server.disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame protocol.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "session", c.SessionID, "error", err)
			}
			return
		}
		c.server.dispatch(c, &frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
