package chat

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
	sendBuffer     = 32
)

// Client is one chat connection. room, name and image are guarded by the
// hub's mutex.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	room  string
	name  string
	image string
}

// readPump decodes frames until the connection fails.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("chat read error", slog.String("error", err.Error()))
			}
			return
		}

		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("ignoring malformed chat frame", slog.String("error", err.Error()))
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg Inbound) {
	switch msg.Type {
	case TypeJoin:
		room := clean(msg.RoomID, maxRoomLength)
		if room == "" {
			return
		}
		c.hub.join(c, room, clean(msg.Name, maxNameLength), clean(msg.Image, maxImageLength))
		c.logger.Debug("client joined room", slog.String("room", room))
	case TypePost:
		text := clean(msg.Text, maxTextLength)
		if text == "" {
			return
		}
		if !c.hub.post(c, text) {
			c.logger.Debug("ignoring post before join")
		}
	default:
		c.logger.Debug("ignoring chat frame", slog.String("type", msg.Type))
	}
}

// writePump sends queued messages and keepalive pings. It owns all writes
// to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
