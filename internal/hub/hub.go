// Package hub implements the WebSocket session registry and message
// router. The Hub maps usernames to live sessions, pushes personalized
// online-user lists on every join and leave, and relays authorized
// direct messages between sessions.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/veilchat/veil/internal/protocol"
)

// maxFrameSize is the maximum allowed size in bytes for an incoming
// frame. Frames exceeding this limit are silently dropped to prevent
// abuse.
const maxFrameSize = 65536

// ErrAlreadyConnected is returned by Register when the username already
// owns a live session. Each user has at most one session.
var ErrAlreadyConnected = fmt.Errorf("hub: user already connected")

// FriendChecker answers whether two users are befriended. The relation
// is symmetric and owned elsewhere; the hub only reads it.
type FriendChecker interface {
	HasFriend(a, b string) (bool, error)
}

// Hub maintains the set of live sessions and routes messages between
// them. The registry is the only shared mutable state: Register and
// Unregister serialize on the mutex, and the presence broadcast for a
// membership change happens under the same critical section so
// concurrent joins and leaves can never produce a torn online list or a
// missed broadcast.
type Hub struct {
	// mu protects clients and order.
	mu sync.RWMutex

	// clients maps usernames to live sessions.
	clients map[string]*Client

	// order holds usernames in session arrival order. Presence lists
	// preserve this relative order.
	order []string

	// friends answers the befriended predicate for message authorization.
	friends FriendChecker

	// rateLimiter enforces per-user token bucket rate limiting.
	// Can be nil to disable rate limiting (e.g., tests).
	rateLimiter *RateLimiter
}

// NewHub creates a new Hub. friends must be non-nil; rl may be nil to
// disable rate limiting (e.g., tests).
func NewHub(friends FriendChecker, rl *RateLimiter) *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		friends:     friends,
		rateLimiter: rl,
	}
}

// Run blocks until the context is cancelled, then closes every live
// session. Run should be called in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	for username, client := range h.clients {
		client.cancel()
		delete(h.clients, username)
	}
	h.order = h.order[:0]
	h.mu.Unlock()
	activeConnections.Set(0)
	slog.Info("hub stopped")
}

// Register adds the client to the registry and broadcasts updated online
// lists, including the joining client's own view of everyone else.
// Returns ErrAlreadyConnected if the username already has a live session.
// The broadcast completes before Register returns, so a frame sent by the
// new client immediately after the handshake cannot race its own presence
// update.
func (h *Hub) Register(client *Client) error {
	h.mu.Lock()
	if _, ok := h.clients[client.username]; ok {
		h.mu.Unlock()
		return ErrAlreadyConnected
	}
	h.clients[client.username] = client
	h.order = append(h.order, client.username)
	h.broadcastPresenceLocked()
	count := len(h.clients)
	h.mu.Unlock()

	activeConnections.Set(float64(count))
	slog.Info("client registered",
		"username", client.username,
		"connections", count,
	)
	return nil
}

// Unregister removes the client from the registry and broadcasts updated
// online lists to the remaining sessions. It is idempotent: unregistering
// an unknown or already-removed client is a no-op and triggers no
// broadcast. A stale client whose username has since been re-registered
// by a newer session is ignored.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.username]
	if !ok || current != client {
		h.mu.Unlock()
		client.cancel()
		return
	}
	delete(h.clients, client.username)
	for i, username := range h.order {
		if username == client.username {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	client.cancel()
	h.broadcastPresenceLocked()
	count := len(h.clients)
	h.mu.Unlock()

	if h.rateLimiter != nil {
		h.rateLimiter.Remove(client.username)
	}
	activeConnections.Set(float64(count))
	slog.Info("client unregistered",
		"username", client.username,
		"connections", count,
	)
}

// broadcastPresenceLocked pushes a personalized online-users envelope to
// every live session. Each receiver's list excludes its own username and
// preserves arrival order. Callers must hold h.mu.
func (h *Hub) broadcastPresenceLocked() {
	for username, client := range h.clients {
		others := make([]string, 0, len(h.order)-1)
		for _, online := range h.order {
			if online != username {
				others = append(others, online)
			}
		}
		data, err := protocol.Marshal(protocol.NewOnlineUsers(others))
		if err != nil {
			slog.Error("failed to marshal online users", "error", err)
			continue
		}
		client.Send(data)
	}
}

// ClientCount returns the number of currently connected sessions.
// It is safe for concurrent use.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// LookupClient returns the session registered for the given username.
// Returns the client and true if found, or nil and false otherwise.
// It is safe for concurrent use.
func (h *Hub) LookupClient(username string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[username]
	return c, ok
}

// RouteMessage handles one inbound frame from a live session: parse,
// authorize against the friendship relation, stamp sender and a fresh
// message id, then acknowledge to the sender and relay to the recipient's
// session if it is online. Every failure is answered with an error
// envelope on the originating session only; no failure closes the
// connection. The ack and the relayed event are the same marshaled bytes,
// id included.
func (h *Hub) RouteMessage(from *Client, frame []byte) error {
	if h.rateLimiter != nil && !h.rateLimiter.Allow(from.username) {
		socketErrors.WithLabelValues("rate_limited").Inc()
		return h.sendError(from, protocol.NewError("Rate limit exceeded, try again later"))
	}

	if len(frame) > maxFrameSize {
		slog.Debug("route: frame exceeds max size",
			"from", from.username,
			"size", len(frame),
			"max", maxFrameSize,
		)
		return nil
	}

	msg, err := protocol.ParseDirect(frame)
	if err != nil {
		socketErrors.WithLabelValues("deserialization").Inc()
		return h.sendError(from, protocol.NewDeserializationError(frame))
	}

	befriended, err := h.friends.HasFriend(from.username, msg.Recipient)
	if err != nil {
		slog.Error("friendship lookup failed",
			"from", from.username,
			"to", msg.Recipient,
			"error", err,
		)
		socketErrors.WithLabelValues("internal").Inc()
		return h.sendError(from, protocol.NewError("Uuups, something went wrong.."))
	}
	if !befriended {
		socketErrors.WithLabelValues("authorization").Inc()
		return h.sendError(from, protocol.NewNotBefriendedError(msg.Recipient))
	}

	event := msg
	event.Sender = from.username
	event.ID = uuid.NewString()
	event.Type = protocol.TypeDirect
	data, err := protocol.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal direct message: %w", err)
	}

	// Ack to the sender, then relay. An offline recipient is a silent
	// miss; the ack has already been queued and is not retracted.
	from.Send(data)
	if recipient, ok := h.LookupClient(msg.Recipient); ok {
		recipient.Send(data)
		messagesRelayed.Inc()
	} else {
		deliveryMisses.Inc()
		slog.Debug("route: recipient offline",
			"from", from.username,
			"to", msg.Recipient,
		)
	}
	return nil
}

// sendError writes an error envelope to the originating session only.
func (h *Hub) sendError(to *Client, env protocol.SocketError) error {
	data, err := protocol.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal error envelope: %w", err)
	}
	to.Send(data)
	return nil
}
