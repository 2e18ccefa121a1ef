package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	// heartbeatInterval is how often the server pings the client.
	heartbeatInterval = 25 * time.Second

	// pongTimeout is how long to wait for a pong response.
	pongTimeout = 7 * time.Second

	// readTimeout is the maximum time to wait for a frame from the client.
	readTimeout = 60 * time.Second

	// writeTimeout is the maximum time to wait for a write to complete.
	writeTimeout = 10 * time.Second

	// sendBufferSize is the capacity of the outbound message channel.
	sendBufferSize = 256
)

// Client represents a single authenticated WebSocket session bound to one
// username. Each client has its own read, write, and heartbeat goroutines
// managed by a shared context. Outbound traffic goes through a buffered
// channel so broadcasters and the router enqueue without ever blocking on
// a slow reader.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	username string
	joinedAt time.Time
	send     chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewClient creates a new Client bound to the given hub and WebSocket
// connection. The username comes from the verified bearer token. The
// provided context controls the client's lifecycle; cancelling it stops
// all client goroutines.
func NewClient(h *Hub, conn *websocket.Conn, username string, ctx context.Context) *Client {
	clientCtx, cancel := context.WithCancel(ctx)
	return &Client{
		hub:      h,
		conn:     conn,
		username: username,
		joinedAt: time.Now(),
		send:     make(chan []byte, sendBufferSize),
		ctx:      clientCtx,
		cancel:   cancel,
	}
}

// ReadPump reads frames from the WebSocket connection and routes them
// through the hub. When ReadPump exits, the client is unregistered.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
	}()

	// Keep the WebSocket cutoff above maxFrameSize so oversized frames
	// reach RouteMessage for an application-level silent drop rather than
	// a connection close.
	c.conn.SetReadLimit(2 * maxFrameSize)

	for {
		readCtx, readCancel := context.WithTimeout(c.ctx, readTimeout)
		_, data, err := c.conn.Read(readCtx)
		readCancel()
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Debug("read error",
					"username", c.username,
					"error", err,
				)
			}
			return
		}
		if err := c.hub.RouteMessage(c, data); err != nil {
			slog.Debug("route error",
				"username", c.username,
				"error", err,
			)
		}
	}
}

// WritePump writes messages from the send channel to the WebSocket
// connection as text frames. It exits when the client context is
// cancelled.
func (c *Client) WritePump() {
	for {
		select {
		case msg := <-c.send:
			writeCtx, writeCancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			writeCancel()
			if err != nil {
				slog.Debug("write error",
					"username", c.username,
					"error", err,
				)
				return
			}

		case <-c.ctx.Done():
			_ = c.conn.Close(websocket.StatusNormalClosure, "closed")
			return
		}
	}
}

// HeartbeatLoop sends periodic pings to the client to verify the
// connection is alive. If a pong is not received within pongTimeout, the
// connection is closed and the client goroutines exit via context
// cancellation.
func (c *Client) HeartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(c.ctx, pongTimeout)
			err := c.conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Info("heartbeat failed",
					"username", c.username,
					"error", err,
				)
				_ = c.conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
				return
			}
		}
	}
}

// Send enqueues data on the client's outbound channel. If the session is
// closed or the buffer is full, the message is dropped so the caller
// never blocks.
func (c *Client) Send(data []byte) {
	select {
	case <-c.ctx.Done():
	case c.send <- data:
	default:
		slog.Debug("send buffer full, dropping message",
			"username", c.username,
		)
	}
}

// Close cancels the client context, stopping all client goroutines.
func (c *Client) Close() {
	c.cancel()
}

// Username returns the username the session is bound to.
func (c *Client) Username() string {
	return c.username
}
