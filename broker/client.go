package broker

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicebartender/canvas-relay/logger"
	"github.com/nicebartender/canvas-relay/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8 << 20 // exports can be large
	sendBuffer = 256
)

// Client is one socket attached to the hub.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// channel is read and written only by the hub loop.
	channel string

	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	id := uuid.NewString()
	return &Client{
		ID:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: hub.logger.WithFields(zap.String("client_id", id)),
	}
}

// enqueue must only be called from the hub loop, which also owns closing send.
// A full buffer drops the frame and counts it against the hub.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.hub.errors++
		c.hub.dropped++
		c.hub.recorder.Record(EventRelayError, c.channel, c.ID, "send buffer full, frame dropped")
		c.logger.Warn("client send buffer full, dropping frame", zap.String("channel", c.channel))
	}
}

func (c *Client) sendFrame(f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		c.logger.Error("marshal error", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// ReadPump reads frames until the socket fails, then unregisters.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.leaveHub(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("client disconnected", zap.Error(err))
			}
			return
		}
		// Any inbound traffic proves the peer is alive.
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if !c.hub.submit(c, message) {
			return
		}
	}
}

// WritePump drains the send buffer and keeps the peer alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
