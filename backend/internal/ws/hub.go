package ws

import (
	"context"
	"errors"
	"sync"
)

// ErrAccessDenied is returned by Join when the authorization check refuses
// the user. It is the one coordination failure that propagates to callers.
var ErrAccessDenied = errors.New("ws: room access denied")

// AccessChecker is the external authorization contract. The rule itself
// lives outside this core; Join only consumes the yes/no answer.
type AccessChecker interface {
	CanAccess(ctx context.Context, userID uint64, roomID string) (bool, error)
}

// Hub is the per-process room registry: which locally-connected sockets sit
// in which rooms. It is a soft index. Authority is the access check at join
// time; the maps are rebuilt from scratch on startup and never synchronized
// across replicas. Forward and reverse maps are kept so member and room
// lookups are both O(1).
type Hub struct {
	access AccessChecker

	mu sync.RWMutex
	// roomID -> set of connections
	rooms map[string]map[*Conn]struct{}
	// userID -> set of roomIDs (reverse index)
	userRooms map[uint64]map[string]struct{}
	// socketID -> connection, for per-socket emission
	conns map[string]*Conn
}

func NewHub(access AccessChecker) *Hub {
	return &Hub{
		access:    access,
		rooms:     make(map[string]map[*Conn]struct{}),
		userRooms: make(map[uint64]map[string]struct{}),
		conns:     make(map[string]*Conn),
	}
}

// Register makes a connection addressable by socket id. Called once per
// socket before any Join.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.socketID] = c
}

// Join checks access and registers the membership. On denial nothing is
// mutated. The join announcement is the router's job, so members on other
// replicas hear it too.
func (h *Hub) Join(ctx context.Context, c *Conn, roomID string) error {
	allowed, err := h.access.CanAccess(ctx, c.userID, roomID)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrAccessDenied
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Conn]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	if h.userRooms[c.userID] == nil {
		h.userRooms[c.userID] = make(map[string]struct{})
	}
	h.userRooms[c.userID][roomID] = struct{}{}
	return nil
}

// Leave removes the membership, reporting whether the connection was a
// member. Leaving a room the connection never joined is a no-op.
func (h *Hub) Leave(c *Conn, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := conns[c]; !ok {
		return false
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.rooms, roomID)
	}
	h.dropUserRoomLocked(c, roomID)
	return true
}

// dropUserRoomLocked removes roomID from the reverse index unless another
// connection of the same user still sits in the room. Caller holds mu.
func (h *Hub) dropUserRoomLocked(c *Conn, roomID string) {
	for other := range h.rooms[roomID] {
		if other.userID == c.userID {
			return
		}
	}
	if rooms, ok := h.userRooms[c.userID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(h.userRooms, c.userID)
		}
	}
}

// DropConn leaves every room the connection held and forgets the socket.
// Disconnect path: runs for every socket, graceful or not.
func (h *Hub) DropConn(c *Conn) []string {
	h.mu.Lock()
	var left []string
	for roomID, conns := range h.rooms {
		if _, ok := conns[c]; !ok {
			continue
		}
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
		h.dropUserRoomLocked(c, roomID)
		left = append(left, roomID)
	}
	delete(h.conns, c.socketID)
	h.mu.Unlock()
	return left
}

// GetMembers returns the distinct user ids currently connected to a room on
// this replica.
func (h *Hub) GetMembers(roomID string) []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[uint64]struct{})
	var members []uint64
	for c := range h.rooms[roomID] {
		if _, ok := seen[c.userID]; ok {
			continue
		}
		seen[c.userID] = struct{}{}
		members = append(members, c.userID)
	}
	return members
}

// GetRoomsOf returns the rooms a user currently sits in on this replica.
func (h *Hub) GetRoomsOf(userID uint64) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := h.userRooms[userID]
	if len(rooms) == 0 {
		return nil
	}
	out := make([]string, 0, len(rooms))
	for roomID := range rooms {
		out = append(out, roomID)
	}
	return out
}

// RoomCount reports distinct connected users per the stats endpoint.
func (h *Hub) RoomCount(roomID string) int {
	return len(h.GetMembers(roomID))
}

// EmitToRoom fans a message out to every connection in the room.
func (h *Hub) EmitToRoom(roomID string, msg ServerMessage) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Enqueue(msg)
	}
}

// EmitToRoomExcept fans out to a room skipping one socket (the joiner of a
// join announcement). The skipped socket is only ever connected to one
// replica; on every other replica this behaves like EmitToRoom.
func (h *Hub) EmitToRoomExcept(roomID, skipSocketID string, msg ServerMessage) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		if c.socketID != skipSocketID {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Enqueue(msg)
	}
}

// EmitToSocket delivers to one socket if it is connected here.
func (h *Hub) EmitToSocket(socketID string, msg ServerMessage) {
	h.mu.RLock()
	c := h.conns[socketID]
	h.mu.RUnlock()
	if c != nil {
		c.Enqueue(msg)
	}
}

// EmitToAll delivers to every connection on this replica.
func (h *Hub) EmitToAll(msg ServerMessage) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Enqueue(msg)
	}
}
