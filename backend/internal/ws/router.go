package ws

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"connecto/backend/internal/bus"
	"connecto/backend/internal/cache"
)

// Transport is the realtime emission contract the router drives. The Hub
// implements it for locally-connected sockets.
type Transport interface {
	EmitToRoom(roomID string, msg ServerMessage)
	EmitToRoomExcept(roomID, skipSocketID string, msg ServerMessage)
	EmitToSocket(socketID string, msg ServerMessage)
	EmitToAll(msg ServerMessage)
}

// ParentLookup resolves the larger group a room belongs to (a chat room's
// owning travel room). External contract; the gorm adapter implements it.
type ParentLookup interface {
	ParentRoom(ctx context.Context, roomID string) (string, bool, error)
}

// ChatMessage is the domain shape the router fans out. Persistence happened
// elsewhere before the event reaches us.
type ChatMessage struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	AuthorID   uint64    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Kind       string    `json:"kind"` // text | photo | video | file | location
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

const previewRunes = 50

// Distributed event names carrying emissions across replicas. Every replica
// runs the same handlers, so a fanout started on replica A reaches sockets
// connected to replica B through the event bus mirror.
const (
	eventBroadcastRoom = "broadcast.room"
	eventBroadcastUser = "broadcast.user"
	eventBroadcastAll  = "broadcast.all"
)

type roomBroadcast struct {
	RoomID          string        `json:"roomId"`
	ExcludeSocketID string        `json:"excludeSocketId,omitempty"`
	Message         ServerMessage `json:"message"`
}

type userBroadcast struct {
	UserID  uint64        `json:"userId"`
	Message ServerMessage `json:"message"`
}

// Router maps domain events to transport emissions: a room, one user's full
// socket set, or every connection. Side effects are emissions only.
type Router struct {
	transport Transport
	bus       *bus.EventBus
	presence  *cache.PresenceStore
	parents   ParentLookup

	// localOnly keeps emissions on this replica's sockets instead of
	// mirroring them over the bus. See ReplicaLocal.
	localOnly bool
}

func NewRouter(t Transport, b *bus.EventBus, p *cache.PresenceStore, parents ParentLookup) *Router {
	r := &Router{transport: t, bus: b, presence: p, parents: parents}

	b.Handle(eventBroadcastRoom, func(ctx context.Context, payload json.RawMessage) {
		var rb roomBroadcast
		if err := json.Unmarshal(payload, &rb); err != nil {
			log.Printf("router: bad room broadcast: %v", err)
			return
		}
		if rb.ExcludeSocketID != "" {
			r.transport.EmitToRoomExcept(rb.RoomID, rb.ExcludeSocketID, rb.Message)
			return
		}
		r.transport.EmitToRoom(rb.RoomID, rb.Message)
	})
	b.Handle(eventBroadcastUser, func(ctx context.Context, payload json.RawMessage) {
		var ub userBroadcast
		if err := json.Unmarshal(payload, &ub); err != nil {
			log.Printf("router: bad user broadcast: %v", err)
			return
		}
		// only sockets connected to this replica resolve; the rest are
		// someone else's to deliver
		for _, socketID := range r.presence.GetSockets(ctx, ub.UserID) {
			r.transport.EmitToSocket(socketID, ub.Message)
		}
	})
	b.Handle(eventBroadcastAll, func(ctx context.Context, payload json.RawMessage) {
		var msg ServerMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("router: bad global broadcast: %v", err)
			return
		}
		r.transport.EmitToAll(msg)
	})
	return r
}

// ReplicaLocal returns a view of the router whose emissions hit only this
// replica's sockets. Handlers that already run on every replica (bus-bound
// domain events) must use it: mirroring their fanout again would deliver
// once per replica in the cluster.
func (r *Router) ReplicaLocal() *Router {
	cp := *r
	cp.localOnly = true
	return &cp
}

func (r *Router) emitRoom(ctx context.Context, roomID string, msg ServerMessage) {
	if r.localOnly {
		r.transport.EmitToRoom(roomID, msg)
		return
	}
	r.bus.Emit(ctx, eventBroadcastRoom, roomBroadcast{RoomID: roomID, Message: msg})
}

func (r *Router) emitRoomExcept(ctx context.Context, roomID, skipSocketID string, msg ServerMessage) {
	if r.localOnly {
		r.transport.EmitToRoomExcept(roomID, skipSocketID, msg)
		return
	}
	r.bus.Emit(ctx, eventBroadcastRoom, roomBroadcast{RoomID: roomID, ExcludeSocketID: skipSocketID, Message: msg})
}

func (r *Router) emitUser(ctx context.Context, userID uint64, msg ServerMessage) {
	if r.localOnly {
		for _, socketID := range r.presence.GetSockets(ctx, userID) {
			r.transport.EmitToSocket(socketID, msg)
		}
		return
	}
	r.bus.Emit(ctx, eventBroadcastUser, userBroadcast{UserID: userID, Message: msg})
}

// MessageNew fans a freshly persisted message to its room and pushes a
// lighter summary to the parent room when the room has one.
func (r *Router) MessageNew(ctx context.Context, m ChatMessage) {
	r.emitRoom(ctx, m.RoomID, ServerMessage{
		Event:  EventMessageNew,
		RoomID: m.RoomID,
		Data:   map[string]any{"message": m, "preview": Preview(m)},
	})
	r.notifyParent(ctx, m)
}

// MessageUpdated fans an edit to the room.
func (r *Router) MessageUpdated(ctx context.Context, m ChatMessage) {
	r.emitRoom(ctx, m.RoomID, ServerMessage{
		Event:  EventMessageUpdated,
		RoomID: m.RoomID,
		Data:   map[string]any{"message": m, "preview": Preview(m)},
	})
}

// MessageDeleted fans a deletion to the room.
func (r *Router) MessageDeleted(ctx context.Context, roomID, messageID string) {
	r.emitRoom(ctx, roomID, ServerMessage{
		Event:  EventMessageDeleted,
		RoomID: roomID,
		Data:   map[string]any{"messageId": messageID},
	})
}

// TypingChanged announces one user's typing flip plus the room's current
// typing roster.
func (r *Router) TypingChanged(ctx context.Context, roomID string, userID uint64, typing bool) {
	r.emitRoom(ctx, roomID, ServerMessage{
		Event:  EventTypingStatus,
		RoomID: roomID,
		Data:   map[string]any{"userId": userID, "typing": typing},
	})
	users := r.presence.GetTyping(ctx, roomID)
	ids := make([]uint64, 0, len(users))
	for _, t := range users {
		ids = append(ids, t.UserID)
	}
	r.emitRoom(ctx, roomID, ServerMessage{
		Event:  EventTypingUsers,
		RoomID: roomID,
		Data:   map[string]any{"userIds": ids},
	})
}

// MemberJoined announces a join to the room, skipping the joiner's own
// socket.
func (r *Router) MemberJoined(ctx context.Context, roomID string, userID uint64, username, socketID string) {
	r.emitRoomExcept(ctx, roomID, socketID, ServerMessage{
		Event:  EventUserJoined,
		RoomID: roomID,
		Data:   map[string]any{"userId": userID, "username": username},
	})
}

// MemberLeft announces a departure to the remaining room members.
func (r *Router) MemberLeft(ctx context.Context, roomID string, userID uint64, username string) {
	r.emitRoom(ctx, roomID, ServerMessage{
		Event:  EventUserLeft,
		RoomID: roomID,
		Data:   map[string]any{"userId": userID, "username": username},
	})
}

// PresenceChanged announces an online/offline flip to every room the user
// was last seen in.
func (r *Router) PresenceChanged(ctx context.Context, userID uint64, status string, roomIDs []string) {
	for _, roomID := range roomIDs {
		r.emitRoom(ctx, roomID, ServerMessage{
			Event:  EventOnlineStatus,
			RoomID: roomID,
			Data:   map[string]any{"userId": userID, "status": status},
		})
	}
}

// RoomStatsChanged pushes a membership-count style summary to a room.
func (r *Router) RoomStatsChanged(ctx context.Context, roomID string, stats any) {
	r.emitRoom(ctx, roomID, ServerMessage{Event: EventRoomStats, RoomID: roomID, Data: stats})
}

// NotifyUser delivers a notification to every socket the user holds, on any
// replica.
func (r *Router) NotifyUser(ctx context.Context, userID uint64, data any) {
	r.emitUser(ctx, userID, ServerMessage{Event: EventNotification, Data: data})
}

// Announce delivers a notification to every connection everywhere.
func (r *Router) Announce(ctx context.Context, data any) {
	msg := ServerMessage{Event: EventNotification, Data: data}
	if r.localOnly {
		r.transport.EmitToAll(msg)
		return
	}
	r.bus.Emit(ctx, eventBroadcastAll, msg)
}

func (r *Router) notifyParent(ctx context.Context, m ChatMessage) {
	if r.parents == nil {
		return
	}
	parent, ok, err := r.parents.ParentRoom(ctx, m.RoomID)
	if err != nil {
		log.Printf("router: parent lookup for room %s failed: %v", m.RoomID, err)
		return
	}
	if !ok {
		return
	}
	r.emitRoom(ctx, parent, ServerMessage{
		Event:  EventRoomStats,
		RoomID: parent,
		Data: map[string]any{
			"roomId":  m.RoomID,
			"event":   "message",
			"preview": Preview(m),
			"at":      m.CreatedAt,
		},
	})
}

// Preview derives the short human-readable line shown in room lists: the
// first 50 runes of a text message, a fixed label otherwise.
func Preview(m ChatMessage) string {
	switch m.Kind {
	case "photo":
		return "[photo]"
	case "video":
		return "[video]"
	case "file":
		return "[file]"
	case "location":
		return "[location]"
	}
	runes := []rune(m.Content)
	if len(runes) <= previewRunes {
		return m.Content
	}
	return string(runes[:previewRunes]) + "…"
}
