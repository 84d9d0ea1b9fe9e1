package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	defaultBuffer  = 64
)

var (
	// ErrBackpressure reports a frame dropped because the client lags behind.
	ErrBackpressure = errors.New("ws: client send buffer full")
	// ErrClientClosed reports a send on a closed client.
	ErrClientClosed = errors.New("ws: client closed")
)

// Client represents a websocket client connection. Outbound frames are
// buffered and written by WritePump.
type Client struct {
	conn      *websocket.Conn
	log       *slog.Logger
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a client wrapper with a bounded send buffer.
func NewClient(conn *websocket.Conn, buffer int, logger *slog.Logger) *Client {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn: conn,
		log:  logger,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send queues payload without blocking.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close stops the client. WritePump flushes queued frames and then closes
// the underlying connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// WritePump drains the send buffer and keeps the connection alive with
// pings. It owns the connection and closes it on return.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case payload := <-c.send:
			if err := c.write(payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
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

func (c *Client) write(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) flush() {
	for {
		select {
		case payload := <-c.send:
			if err := c.write(payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ReadPump hands every inbound text frame to handle until the peer goes away
// or the read deadline passes without a pong.
func (c *Client) ReadPump(handle func([]byte)) {
	defer c.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read failed", "error", err)
			}
			return
		}
		handle(payload)
	}
}
