package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"gigchat/internal/auth"
	"gigchat/internal/config"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("presence: send queue full")
	ErrClosed    = errors.New("presence: connection closed")
)

// Client is a middleman between one websocket connection and the gateway.
type Client struct {
	id       string
	identity auth.Identity
	gateway  *Gateway
	conn     *websocket.Conn
	// Buffered channel of outbound frames.
	send chan []byte

	mu     sync.Mutex
	closed bool

	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
	log            *zap.Logger
}

func newClient(g *Gateway, conn *websocket.Conn, identity auth.Identity, cfg config.Presence) *Client {
	id := uuid.NewString()
	return &Client{
		id:             id,
		identity:       identity,
		gateway:        g,
		conn:           conn,
		send:           make(chan []byte, cfg.SendBuffer),
		writeWait:      cfg.WriteWait,
		pongWait:       cfg.PongWait,
		pingPeriod:     (cfg.PongWait * 9) / 10,
		maxMessageSize: cfg.MaxMessageSize,
		log:            g.log.With(zap.String("user_id", identity.UserID), zap.String("conn_id", id)),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Push(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the write pump, which sends a close frame and tears down the
// connection. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump pumps frames from the websocket connection to the gateway.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.gateway.Disconnect(ctx, c.identity.UserID, c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		c.gateway.HandleFrame(ctx, c.identity, c, data)
	}
}

// writePump pumps frames from the send queue to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if !ok {
				// The gateway closed the queue.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

			// Flush whatever queued up meanwhile before waiting again.
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, next); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
