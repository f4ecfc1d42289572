package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"connecto/backend/internal/cache"
	"connecto/backend/internal/ws"
)

// PresenceHandler serves the read side of presence over HTTP: who is
// online, who is typing, how busy a room is. All answers are best-effort,
// "record absent" simply reads as offline.
type PresenceHandler struct {
	presence *cache.PresenceStore
	hub      *ws.Hub
}

func NewPresenceHandler(presence *cache.PresenceStore, hub *ws.Hub) *PresenceHandler {
	return &PresenceHandler{presence: presence, hub: hub}
}

// GET /presence/users/:id
func (h *PresenceHandler) GetUserStatus(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	rec, ok := h.presence.GetInfo(c.Request.Context(), userID)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"userId": userID, "status": "offline"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":           userID,
		"status":           rec.Status,
		"lastSeenAt":       rec.LastSeenAt,
		"rooms":            rec.CurrentRoomIDs,
		"sockets":          len(rec.SocketIDs),
		"totalConnections": h.presence.GetConnCount(c.Request.Context(), userID),
	})
}

// GET /presence/rooms/:id/typing
func (h *PresenceHandler) GetTypingUsers(c *gin.Context) {
	roomID := c.Param("id")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing room id"})
		return
	}
	states := h.presence.GetTyping(c.Request.Context(), roomID)
	ids := make([]uint64, 0, len(states))
	for _, t := range states {
		ids = append(ids, t.UserID)
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "userIds": ids})
}

// GET /presence/rooms/:id/stats. Local-replica view only: the hub counts
// sockets connected to this process, which is all fanout ever needs.
func (h *PresenceHandler) GetRoomStats(c *gin.Context) {
	roomID := c.Param("id")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing room id"})
		return
	}
	members := h.hub.GetMembers(roomID)
	c.JSON(http.StatusOK, gin.H{
		"roomId":      roomID,
		"memberCount": len(members),
		"members":     members,
	})
}
