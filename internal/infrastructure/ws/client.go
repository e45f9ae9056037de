package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hilthontt/eventgate/internal/infrastructure/logging"
	"github.com/hilthontt/eventgate/internal/infrastructure/security"
)

var (
	ErrConnectionClosed = errors.New("ws: connection closed")
	ErrSendBufferFull   = errors.New("ws: send buffer full")
)

// Client is one authenticated websocket connection. It is the registry's
// Transport: Send queues a frame for the write pump and Close asks the write
// pump to say goodbye with a close code.
type Client struct {
	conn   *connWrapper
	ID     string
	UserID string
	key    *[security.KeySize]byte
	send   chan []byte

	// Protection against double-close and race conditions
	closeOnce   sync.Once
	closed      chan struct{}
	closeCode   int
	closeReason string
	done        chan struct{} // closed when the write pump exits

	cfg    Config
	logger logging.Logger
}

func newClient(conn *websocket.Conn, cfg Config, logger logging.Logger) *Client {
	return &Client{
		conn:   newConnWrapper(conn),
		send:   make(chan []byte, cfg.SendBuffer),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
		cfg:    cfg,
		logger: logger,
	}
}

func (c *Client) Send(frame []byte) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closed)
	})
	return nil
}

func (c *Client) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) extra() map[logging.ExtraKey]any {
	return map[logging.ExtraKey]any{
		logging.ConnectionID: c.ID,
		logging.UserID:       c.UserID,
	}
}

// readPump feeds frames to the gateway in arrival order until the peer goes
// away or the connection is closed locally.
func (c *Client) readPump(g *Gateway) {
	defer g.release(c)

	c.conn.conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.conn.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

	c.conn.conn.SetPongHandler(func(string) error {
		_ = c.conn.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) && !c.IsClosed() {
				extra := c.extra()
				extra[logging.ErrorMessage] = err.Error()
				c.logger.Warn(logging.WebSocket, logging.Consume, "ws read error", extra)
			}
			return
		}

		_ = c.conn.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		if len(raw) == 0 {
			continue
		}

		g.receive(c, raw)
	}
}

// writePump owns data writes. On close it flushes what is already queued,
// then sends the close frame.
func (c *Client) writePump() {
	defer close(c.done)
	defer c.conn.Close()

	pingPeriod := c.cfg.PongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteText(frame, c.cfg.WriteWait); err != nil {
				extra := c.extra()
				extra[logging.ErrorMessage] = err.Error()
				c.logger.Warn(logging.WebSocket, logging.Publish, "ws write error", extra)
				_ = c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			if err := c.conn.Ping(c.cfg.WriteWait); err != nil {
				_ = c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.closed:
			c.flush()
			_ = c.conn.WriteClose(c.closeCode, c.closeReason, c.cfg.WriteWait)
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteText(frame, c.cfg.WriteWait); err != nil {
				return
			}
		default:
			return
		}
	}
}
