// Package wake implements the optional advisory push channel spec §4.4
// describes: a long-lived websocket that tells clients "new commits in
// partition X past seq Y" so they can pull promptly instead of polling.
// Delivery is never required for correctness — the client's cursor only
// ever advances via pull — so this package owns no retry or durability
// logic of its own; a dropped connection just means the next periodic
// pull catches up.
package wake

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Notification is one advisory wake signal.
type Notification struct {
	PartitionID string `json:"partition_id"`
	CommitSeq   int64  `json:"commit_seq"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans out wake notifications to every currently connected client.
// internal/serverengine.Engine calls Notify after a successful push.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  *slog.Logger
}

type client struct {
	conn *websocket.Conn
	send chan Notification
}

// NewHub builds an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[*client]struct{}), logger: logger}
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection until it closes or the request context is cancelled.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("wake upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan Notification, 16)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
	}()

	// Drain pings from the client so the connection doesn't look idle to
	// intermediate proxies; the client sends no meaningful payload.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case n := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(n); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// Notify implements internal/serverengine.Waker: it fans out a notification
// to every connected client without blocking on a slow reader — a client
// whose send buffer is full simply misses this advisory signal.
func (h *Hub) Notify(partitionID string, commitSeq int64) {
	n := Notification{PartitionID: partitionID, CommitSeq: commitSeq}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- n:
		default:
		}
	}
}

// Client is the client-side half: it connects once and surfaces
// notifications on a channel the client's pull loop can select on to pull
// sooner than its normal poll interval.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to a wake Hub's websocket endpoint.
func Dial(url string) (*Client, <-chan Notification, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan Notification, 16)
	go func() {
		defer close(out)
		for {
			var n Notification
			if err := conn.ReadJSON(&n); err != nil {
				return
			}
			out <- n
		}
	}()
	return &Client{conn: conn}, out, nil
}

// Close disconnects the wake client.
func (c *Client) Close() error { return c.conn.Close() }
