package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"connecto/backend/internal/cache"
)

// 允许本地开发环境的来源；缺失 Origin 的非浏览器客户端直接放行
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Manager owns the socket lifecycle: upgrade, attach, client message
// dispatch, and the disconnect cleanup that keeps Hub and PresenceStore
// honest about who is still here.
type Manager struct {
	hub      *Hub
	presence *cache.PresenceStore
	router   *Router
}

func NewManager(hub *Hub, presence *cache.PresenceStore, router *Router) *Manager {
	return &Manager{hub: hub, presence: presence, router: router}
}

// WebSocketConnect upgrades the request and runs the connection until it
// closes. The auth middleware has already placed userId/username in the gin
// context.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade failed for user %d: %v", userID, err)
		return
	}

	socketID := uuid.NewString()
	conn := NewConn(wsConn, socketID, userID, username)
	m.attach(c.Request.Context(), conn)

	go conn.writeLoop()
	conn.readLoop(context.Background(), m)

	// remove from the hub first so no fanout can pick the conn up, then
	// stop the write loop
	m.detach(context.Background(), conn)
	conn.closeSend()
	_ = wsConn.Close()
}

func (m *Manager) attach(ctx context.Context, c *Conn) {
	_, wasOnline := m.presence.GetInfo(ctx, c.userID)
	m.hub.Register(c)
	if err := m.presence.AddSocket(ctx, c.userID, c.socketID); err != nil {
		log.Printf("ws: presence attach for user %d failed: %v", c.userID, err)
	}
	m.presence.RecordActivity(ctx, c.userID, "connect", c.socketID)
	if !wasOnline {
		// first socket: offline -> online
		m.router.PresenceChanged(ctx, c.userID, "online", m.hub.GetRoomsOf(c.userID))
	}
}

func (m *Manager) detach(ctx context.Context, c *Conn) {
	left := m.hub.DropConn(c)
	for _, roomID := range left {
		m.router.MemberLeft(ctx, roomID, c.userID, c.username)
	}
	if err := m.presence.RemoveSocket(ctx, c.userID, c.socketID); err != nil {
		log.Printf("ws: presence detach for user %d failed: %v", c.userID, err)
	}
	m.presence.RecordActivity(ctx, c.userID, "disconnect", c.socketID)
	if _, stillOnline := m.presence.GetInfo(ctx, c.userID); !stillOnline {
		// last socket: online -> offline
		m.router.PresenceChanged(ctx, c.userID, "offline", left)
	}
}

func (m *Manager) handleClientMessage(ctx context.Context, c *Conn, msg ClientMessage) {
	switch msg.Type {
	case "join":
		if msg.RoomID == "" {
			c.Enqueue(ServerMessage{Event: "error", Data: "missing roomId"})
			return
		}
		if err := m.hub.Join(ctx, c, msg.RoomID); err != nil {
			if errors.Is(err, ErrAccessDenied) {
				c.Enqueue(ServerMessage{Event: "error", RoomID: msg.RoomID, Data: "ACCESS_DENIED"})
			} else {
				log.Printf("ws: join room %s for user %d failed: %v", msg.RoomID, c.userID, err)
				c.Enqueue(ServerMessage{Event: "error", RoomID: msg.RoomID, Data: "JOIN_FAILED"})
			}
			return
		}
		m.router.MemberJoined(ctx, msg.RoomID, c.userID, c.username, c.socketID)
		if err := m.presence.UpdateLocation(ctx, c.userID, m.hub.GetRoomsOf(c.userID)); err != nil {
			log.Printf("ws: update location for user %d failed: %v", c.userID, err)
		}
		m.presence.RecordActivity(ctx, c.userID, "join", msg.RoomID)
		c.Enqueue(ServerMessage{Event: "joined", RoomID: msg.RoomID})

	case "leave":
		if m.hub.Leave(c, msg.RoomID) {
			m.router.MemberLeft(ctx, msg.RoomID, c.userID, c.username)
		}
		if err := m.presence.UpdateLocation(ctx, c.userID, m.hub.GetRoomsOf(c.userID)); err != nil {
			log.Printf("ws: update location for user %d failed: %v", c.userID, err)
		}
		m.presence.RecordActivity(ctx, c.userID, "leave", msg.RoomID)

	case "typing":
		if msg.RoomID == "" {
			return
		}
		var err error
		if msg.Typing {
			err = m.presence.AddTyping(ctx, msg.RoomID, c.userID)
		} else {
			err = m.presence.RemoveTyping(ctx, msg.RoomID, c.userID)
		}
		if err != nil {
			log.Printf("ws: typing update in room %s for user %d failed: %v", msg.RoomID, c.userID, err)
		}
		m.router.TypingChanged(ctx, msg.RoomID, c.userID, msg.Typing)

	case "heartbeat":
		// TTL renewal: AddSocket is idempotent and refreshes the lease
		if err := m.presence.AddSocket(ctx, c.userID, c.socketID); err != nil {
			log.Printf("ws: heartbeat for user %d failed: %v", c.userID, err)
		}
		c.Enqueue(ServerMessage{Event: "heartbeat:ack"})

	default:
		c.Enqueue(ServerMessage{Event: "error", Data: "unknown message type"})
	}
}
