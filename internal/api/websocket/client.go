package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Client owns one upgraded connection. writePump is the only goroutine
// writing to the socket; everything else goes through the send channel.
type Client struct {
	sessionID   string
	userID      string
	username    string
	connectedAt time.Time

	conn    *websocket.Conn
	send    chan []byte
	gateway *Gateway
}

// readPump drains inbound frames until the connection dies, then hands the
// client to the gateway for teardown. The pong handler doubles as the
// session liveness signal.
func (c *Client) readPump() {
	defer func() {
		c.gateway.unregister <- c
		c.conn.Close()
	}()

	pongWait := c.gateway.cfg.Timeout()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.gateway.touchSession(c.sessionID)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.gateway.logger.Warn("websocket read error",
					zap.String("session_id", c.sessionID),
					zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("INVALID_MESSAGE", "Malformed message")
			continue
		}
		c.gateway.handleClientMessage(c, &msg)
	}
}

// writePump flushes the send channel and keeps the connection alive with
// pings. A closed send channel means the hub dropped us; say goodbye.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.gateway.cfg.Heartbeat())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue marshals v onto the send channel. Returns false when the buffer
// is full or the payload will not marshal; the caller decides whether that
// matters.
func (c *Client) enqueue(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) sendError(code, message string) {
	c.enqueue(errorEvent{Type: evtError, Code: code, Message: message})
}
