package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxInboundMessage = 4096

// Client is one websocket connection served by the Hub
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) addRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *Client) roomList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// readPump handles join/leave requests until the connection fails
func (c *Client) readPump() {
	defer c.hub.unregister(c)

	pongWait := c.hub.pingInterval * 2
	c.conn.SetReadLimit(maxInboundMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Warn("Realtime read error",
					slog.String("client_id", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.logger.Warn("Malformed realtime message",
				slog.String("client_id", c.id),
				slog.String("error", err.Error()),
			)
			continue
		}

		var room string
		if err := json.Unmarshal(msg.Data, &room); err != nil || room == "" {
			c.hub.logger.Warn("Realtime message without import id",
				slog.String("client_id", c.id),
				slog.String("event", msg.Event),
			)
			continue
		}

		switch msg.Event {
		case EventJoinRoom:
			c.hub.Join(c, room)
		case EventLeaveRoom:
			c.hub.Leave(c, room)
		default:
			c.hub.logger.Debug("Ignoring unknown realtime event",
				slog.String("client_id", c.id),
				slog.String("event", msg.Event),
			)
		}
	}
}

// writePump is the only writer on the connection, which keeps per-room order
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Warn("Failed to write to realtime client",
					slog.String("client_id", c.id),
					slog.String("error", err.Error()),
				)
				c.hub.unregister(c)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}
		}
	}
}
