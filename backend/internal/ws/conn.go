package ws

import (
	"context"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is one websocket connection of one authenticated user. A user may
// hold several at once (tabs, devices); every Conn carries its own socket id.
type Conn struct {
	ws       *websocket.Conn
	socketID string
	userID   uint64
	username string

	mu     sync.Mutex
	closed bool
	send   chan ServerMessage
}

func NewConn(ws *websocket.Conn, socketID string, userID uint64, username string) *Conn {
	return &Conn{
		ws:       ws,
		socketID: socketID,
		userID:   userID,
		username: username,
		send:     make(chan ServerMessage, 32),
	}
}

func (c *Conn) SocketID() string { return c.socketID }
func (c *Conn) UserID() uint64   { return c.userID }
func (c *Conn) Username() string { return c.username }

// Enqueue queues an outbound message, dropping it when the client cannot
// keep up. Fanout is best-effort; a slow consumer must not stall a room.
// Safe to call concurrently with closeSend: a fanout goroutine may still
// hold this conn after the socket disconnected.
func (c *Conn) Enqueue(msg ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// closeSend stops the write loop. Idempotent; Enqueue becomes a no-op after.
func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			log.Printf("ws: write to socket %s failed: %v", c.socketID, err)
			return
		}
	}
}

// readLoop consumes client messages until the socket errors or closes.
// The manager runs the disconnect cleanup when it returns; the send channel
// stays open until the manager has removed this conn from the hub.
func (c *Conn) readLoop(ctx context.Context, m *Manager) {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("ws: read from socket %s (user=%d) ended: %v", c.socketID, c.userID, err)
			return
		}
		m.handleClientMessage(ctx, c, msg)
	}
}
