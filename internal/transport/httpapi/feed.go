package httpapi

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/rideon/internal/config"
	"github.com/roach88/rideon/internal/ir"
)

// clientBuffer is how many visits a websocket client may fall behind before
// it is disconnected.
const clientBuffer = 64

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Feed broadcasts completed visits to every connected websocket client.
// It is an emit.Sink: a visit counts as delivered once it has been queued
// for the clients connected at that moment, even when there are none.
type Feed struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]bool
	closed  bool
}

// NewFeed creates a feed with no clients.
func NewFeed(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{logger: logger, clients: make(map[*client]bool)}
}

// Name implements emit.Sink.
func (f *Feed) Name() string { return config.SinkFeed }

// Publish implements emit.Sink.
func (f *Feed) Publish(ctx context.Context, visit ir.VisitCompleted) error {
	data, err := ir.EncodeVisit(visit)
	if err != nil {
		return err
	}
	f.broadcast(data)
	return nil
}

func (f *Feed) add(conn *websocket.Conn) (*client, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false
	}
	c := newClient(conn)
	f.clients[c] = true
	return c, true
}

func (f *Feed) remove(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
}

func (f *Feed) broadcast(data []byte) {
	f.mu.RLock()
	clients := make([]*client, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			f.logger.Warn("feed client too slow, disconnecting")
			f.remove(c)
		}
	}
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Close disconnects every client and refuses new ones.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for c := range f.clients {
		delete(f.clients, c)
		close(c.send)
	}
}
