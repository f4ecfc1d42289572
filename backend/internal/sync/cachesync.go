package sync

import (
	"context"
	"encoding/json"
	"log"
	"strconv"

	"connecto/backend/internal/bus"
	"connecto/backend/internal/cache"
	"connecto/backend/internal/ws"
)

// DomainEvent is the payload of an `<entity>.<created|updated|deleted>`
// event published by the CRUD layer. Metadata names the fields that changed;
// message rides along on chatMessage events so the router can fan it out
// without a read back.
type DomainEvent struct {
	EntityID   string            `json:"entityId"`
	RelatedIDs map[string]string `json:"relatedIds,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	Message    *ws.ChatMessage   `json:"message,omitempty"`
}

// handlerFunc reacts to one domain lifecycle event. Handlers never fail:
// individual cache-store errors are logged inside the coordinator and the
// value self-heals on the next read. The router argument decides the fanout
// scope: the Kafka path (one consumer-group owner per event) mirrors across
// replicas, the bus path (every replica runs the handler) stays local.
type handlerFunc func(ctx context.Context, r *ws.Router, evt DomainEvent)

// Manager reacts to domain lifecycle events with the right combination of
// cache invalidation and broadcast fanout. The event table is built once in
// New so coverage and ordering are visible in one place.
type Manager struct {
	cache  *cache.Coordinator
	router *ws.Router

	handlers map[string]handlerFunc
	order    []string
}

func NewManager(c *cache.Coordinator, router *ws.Router) *Manager {
	m := &Manager{
		cache:    c,
		router:   router,
		handlers: make(map[string]handlerFunc),
	}

	// one entry per domain lifecycle event
	m.register("chatMessage.created", m.onMessageCreated)
	m.register("chatMessage.updated", m.onMessageUpdated)
	m.register("chatMessage.deleted", m.onMessageDeleted)
	m.register("chatRoom.created", m.onRoomChanged)
	m.register("chatRoom.updated", m.onRoomChanged)
	m.register("chatRoom.deleted", m.onRoomChanged)
	m.register("travel.created", m.onTravelChanged)
	m.register("travel.updated", m.onTravelChanged)
	m.register("travel.deleted", m.onTravelChanged)
	m.register("planet.created", m.onPlanetChanged)
	m.register("planet.updated", m.onPlanetChanged)
	m.register("planet.deleted", m.onPlanetChanged)
	m.register("user.created", m.onUserChanged)
	m.register("user.updated", m.onUserChanged)
	m.register("user.deleted", m.onUserChanged)
	return m
}

func (m *Manager) register(name string, h handlerFunc) {
	if _, ok := m.handlers[name]; !ok {
		m.order = append(m.order, name)
	}
	m.handlers[name] = h
}

// HandledEvents returns the table's event names in registration order.
func (m *Manager) HandledEvents() []string {
	return append([]string(nil), m.order...)
}

// Dispatch routes one event by name, mirroring its fanout across replicas.
// This is the Kafka path: the consumer group hands each event to exactly one
// replica. Unknown names are logged and skipped so the CRUD layer is free to
// grow event kinds before this side learns them.
func (m *Manager) Dispatch(ctx context.Context, name string, evt DomainEvent) {
	m.dispatch(ctx, m.router, name, evt)
}

func (m *Manager) dispatch(ctx context.Context, r *ws.Router, name string, evt DomainEvent) {
	h, ok := m.handlers[name]
	if !ok {
		log.Printf("cachesync: no handler for %q, skipping", name)
		return
	}
	h(ctx, r, evt)
}

// BindBus registers every table entry on the event bus, so domain events
// raised in-process (or mirrored from another replica) reach the same
// handlers the Kafka feed does. Bus-delivered events run on every replica,
// so their fanout stays on the local sockets: re-mirroring here would
// deliver each message once per replica.
func (m *Manager) BindBus(b *bus.EventBus) {
	local := m.router.ReplicaLocal()
	for _, name := range m.order {
		name := name
		b.Handle("domain."+name, func(ctx context.Context, payload json.RawMessage) {
			var evt DomainEvent
			if err := json.Unmarshal(payload, &evt); err != nil {
				log.Printf("cachesync: bad %s payload: %v", name, err)
				return
			}
			m.dispatch(ctx, local, name, evt)
		})
	}
}

func (m *Manager) onMessageCreated(ctx context.Context, r *ws.Router, evt DomainEvent) {
	roomID := evt.RelatedIDs["roomId"]
	if roomID == "" && evt.Message != nil {
		roomID = evt.Message.RoomID
	}
	if roomID != "" {
		m.cache.Invalidate(ctx, cache.RoomMessagePages(roomID))
	}
	if evt.Message != nil {
		r.MessageNew(ctx, *evt.Message)
	}
}

func (m *Manager) onMessageUpdated(ctx context.Context, r *ws.Router, evt DomainEvent) {
	if evt.Message == nil {
		return
	}
	m.cache.Invalidate(ctx, cache.RoomMessagePages(evt.Message.RoomID))
	r.MessageUpdated(ctx, *evt.Message)
}

func (m *Manager) onMessageDeleted(ctx context.Context, r *ws.Router, evt DomainEvent) {
	roomID := evt.RelatedIDs["roomId"]
	if roomID == "" {
		return
	}
	m.cache.Invalidate(ctx, cache.RoomMessagePages(roomID))
	r.MessageDeleted(ctx, roomID, evt.EntityID)
}

// onRoomChanged drops the room's own entry, and cascades to the owning
// travel when the change touched something the travel summary shows
// (member count, room count).
func (m *Manager) onRoomChanged(ctx context.Context, r *ws.Router, evt DomainEvent) {
	m.cache.InvalidateEntity(ctx, "chatRoom", evt.EntityID)
	if travelID := evt.RelatedIDs["travelId"]; travelID != "" && touchesParent(evt.Metadata) {
		m.cache.InvalidateEntity(ctx, "travel", travelID)
		r.RoomStatsChanged(ctx, evt.EntityID, evt.Metadata)
	}
}

func (m *Manager) onTravelChanged(ctx context.Context, r *ws.Router, evt DomainEvent) {
	m.cache.InvalidateEntity(ctx, "travel", evt.EntityID)
}

func (m *Manager) onPlanetChanged(ctx context.Context, r *ws.Router, evt DomainEvent) {
	m.cache.InvalidateEntity(ctx, "planet", evt.EntityID)
}

func (m *Manager) onUserChanged(ctx context.Context, r *ws.Router, evt DomainEvent) {
	if evt.EntityID == "" {
		return
	}
	userID, err := strconv.ParseUint(evt.EntityID, 10, 64)
	if err != nil {
		log.Printf("cachesync: bad user id %q: %v", evt.EntityID, err)
		return
	}
	m.cache.InvalidateUser(ctx, userID)
}

// touchesParent reports whether the change metadata names a field the
// parent entity's cached summary depends on.
func touchesParent(metadata map[string]any) bool {
	for _, field := range []string{"memberCount", "roomCount", "members"} {
		if _, ok := metadata[field]; ok {
			return true
		}
	}
	return false
}
