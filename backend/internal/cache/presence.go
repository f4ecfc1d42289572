package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"slices"
	"strconv"
	"time"

	"connecto/backend/internal/kvstore"
)

const (
	// DefaultPresenceTTL is the lease window for a presence record. Every
	// write renews it; a user whose replica stops heartbeating disappears
	// from the store once it lapses. TTL is a lease, not a lock: two
	// replicas can both hold a live record for the same user.
	DefaultPresenceTTL = 5 * time.Minute

	// typingMaxAge is the soft expiry for typing entries, enforced at read
	// time rather than by the store.
	typingMaxAge = 30 * time.Second
)

// PresenceRecord is a user's ephemeral connectivity state. It exists iff the
// socket set is non-empty; removing the last socket deletes it.
type PresenceRecord struct {
	UserID         uint64    `json:"userId"`
	Status         string    `json:"status"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
	ConnectedAt    time.Time `json:"connectedAt"`
	SocketIDs      []string  `json:"socketIds"`
	CurrentRoomIDs []string  `json:"currentRoomIds"`
}

// TypingState marks one user typing in one room.
type TypingState struct {
	RoomID    string    `json:"roomId"`
	UserID    uint64    `json:"userId"`
	StartedAt time.Time `json:"startedAt"`
}

// Activity is one presence activity record, shipped best-effort to the
// analytics pipeline.
type Activity struct {
	UserID uint64    `json:"userId"`
	Action string    `json:"action"`
	Target string    `json:"target"`
	At     time.Time `json:"at"`
}

// ActivityRecorder receives activity records. The Kafka dispatcher
// implements it; a nil recorder disables the feed.
type ActivityRecorder interface {
	Enqueue(ctx context.Context, a Activity) error
}

// PresenceStore keeps per-user online state in the shared store under a TTL
// lease. All reads treat "record absent" as offline; a crash and a TTL
// lapse are indistinguishable on purpose. Store failures degrade to
// miss/no-op so presence never fails a request.
type PresenceStore struct {
	store    kvstore.Store
	ttl      time.Duration
	recorder ActivityRecorder
	now      func() time.Time
}

func NewPresenceStore(store kvstore.Store, recorder ActivityRecorder) *PresenceStore {
	return &PresenceStore{
		store:    store,
		ttl:      DefaultPresenceTTL,
		recorder: recorder,
		now:      time.Now,
	}
}

// SetOnline writes a full record for the user, replacing whatever is there,
// and starts the TTL lease.
func (p *PresenceStore) SetOnline(ctx context.Context, userID uint64, rec PresenceRecord, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = p.ttl
	}
	rec.UserID = userID
	rec.Status = "online"
	rec.LastSeenAt = p.now()
	if rec.ConnectedAt.IsZero() {
		rec.ConnectedAt = rec.LastSeenAt
	}
	return p.writeRecord(ctx, userID, rec, ttl)
}

// GetInfo returns the record, or found=false when the user is offline
// (record absent, expired, or the store is unreachable).
func (p *PresenceStore) GetInfo(ctx context.Context, userID uint64) (PresenceRecord, bool) {
	var rec PresenceRecord
	b, err := p.store.Get(ctx, userRecordKey(userID))
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			log.Printf("presence: get user %d failed: %v", userID, err)
		}
		return rec, false
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		log.Printf("presence: corrupt record for user %d: %v", userID, err)
		_ = p.store.Del(ctx, userRecordKey(userID))
		return PresenceRecord{}, false
	}
	return rec, true
}

// SetOffline deletes the record regardless of remaining sockets.
func (p *PresenceStore) SetOffline(ctx context.Context, userID uint64) error {
	if err := p.store.Del(ctx, userRecordKey(userID)); err != nil {
		log.Printf("presence: set offline user %d failed: %v", userID, err)
		return err
	}
	return nil
}

// AddSocket attaches a socket id, creating the record on the first attach.
// A genuinely new socket also bumps the lifetime connection counter;
// re-attaching the same socket (heartbeat) only renews the lease.
func (p *PresenceStore) AddSocket(ctx context.Context, userID uint64, socketID string) error {
	rec, ok := p.GetInfo(ctx, userID)
	if !ok {
		rec = PresenceRecord{
			UserID:      userID,
			Status:      "online",
			ConnectedAt: p.now(),
		}
	}
	isNew := !slices.Contains(rec.SocketIDs, socketID)
	if isNew {
		rec.SocketIDs = append(rec.SocketIDs, socketID)
	}
	rec.LastSeenAt = p.now()
	if err := p.writeRecord(ctx, userID, rec, p.ttl); err != nil {
		return err
	}
	if isNew {
		if _, err := p.store.Incr(ctx, userConnsKey(userID)); err != nil {
			log.Printf("presence: incr conns for user %d failed: %v", userID, err)
		}
	}
	return nil
}

// GetConnCount returns the user's lifetime connection count, zero when the
// counter is absent or the store is unreachable.
func (p *PresenceStore) GetConnCount(ctx context.Context, userID uint64) int64 {
	b, err := p.store.Get(ctx, userConnsKey(userID))
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			log.Printf("presence: get conns for user %d failed: %v", userID, err)
		}
		return 0
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		log.Printf("presence: corrupt conns counter for user %d: %v", userID, err)
		return 0
	}
	return n
}

// RemoveSocket detaches a socket id. Removing the last one deletes the
// record: the user transitions to offline.
func (p *PresenceStore) RemoveSocket(ctx context.Context, userID uint64, socketID string) error {
	rec, ok := p.GetInfo(ctx, userID)
	if !ok {
		return nil
	}
	rec.SocketIDs = slices.DeleteFunc(rec.SocketIDs, func(s string) bool { return s == socketID })
	if len(rec.SocketIDs) == 0 {
		return p.SetOffline(ctx, userID)
	}
	rec.LastSeenAt = p.now()
	return p.writeRecord(ctx, userID, rec, p.ttl)
}

// GetSockets returns the user's live socket set, empty when offline.
func (p *PresenceStore) GetSockets(ctx context.Context, userID uint64) []string {
	rec, ok := p.GetInfo(ctx, userID)
	if !ok {
		return nil
	}
	return rec.SocketIDs
}

// UpdateLocation replaces the user's current room set. No-op when offline.
func (p *PresenceStore) UpdateLocation(ctx context.Context, userID uint64, roomIDs []string) error {
	rec, ok := p.GetInfo(ctx, userID)
	if !ok {
		return nil
	}
	rec.CurrentRoomIDs = append([]string(nil), roomIDs...)
	rec.LastSeenAt = p.now()
	return p.writeRecord(ctx, userID, rec, p.ttl)
}

// RecordActivity refreshes lastSeenAt and forwards the record to the
// analytics feed when one is wired.
func (p *PresenceStore) RecordActivity(ctx context.Context, userID uint64, action, target string) {
	if rec, ok := p.GetInfo(ctx, userID); ok {
		rec.LastSeenAt = p.now()
		_ = p.writeRecord(ctx, userID, rec, p.ttl)
	}
	if p.recorder == nil {
		return
	}
	a := Activity{UserID: userID, Action: action, Target: target, At: p.now()}
	if err := p.recorder.Enqueue(ctx, a); err != nil {
		log.Printf("presence: activity enqueue for user %d dropped: %v", userID, err)
	}
}

// AddTyping marks a user typing in a room.
func (p *PresenceStore) AddTyping(ctx context.Context, roomID string, userID uint64) error {
	states := p.readTyping(ctx, roomID)
	now := p.now()
	idx := slices.IndexFunc(states, func(t TypingState) bool { return t.UserID == userID })
	if idx >= 0 {
		states[idx].StartedAt = now
	} else {
		states = append(states, TypingState{RoomID: roomID, UserID: userID, StartedAt: now})
	}
	return p.writeTyping(ctx, roomID, states)
}

// RemoveTyping clears a user's typing mark.
func (p *PresenceStore) RemoveTyping(ctx context.Context, roomID string, userID uint64) error {
	states := p.readTyping(ctx, roomID)
	next := slices.DeleteFunc(states, func(t TypingState) bool { return t.UserID == userID })
	if len(next) == len(states) {
		return nil
	}
	return p.writeTyping(ctx, roomID, next)
}

// GetTyping returns entries younger than 30 seconds. A read that filtered
// anything out also rewrites the trimmed list, so cleanup is lazy instead
// of a background sweep.
func (p *PresenceStore) GetTyping(ctx context.Context, roomID string) []TypingState {
	states := p.readTyping(ctx, roomID)
	cutoff := p.now().Add(-typingMaxAge)
	fresh := make([]TypingState, 0, len(states))
	for _, t := range states {
		if t.StartedAt.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) != len(states) {
		if err := p.writeTyping(ctx, roomID, fresh); err != nil {
			log.Printf("presence: typing cleanup for room %s failed: %v", roomID, err)
		}
	}
	return fresh
}

func (p *PresenceStore) writeRecord(ctx context.Context, userID uint64, rec PresenceRecord, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := p.store.Set(ctx, userRecordKey(userID), b, ttl); err != nil {
		log.Printf("presence: write user %d failed: %v", userID, err)
		return err
	}
	return nil
}

func (p *PresenceStore) readTyping(ctx context.Context, roomID string) []TypingState {
	b, err := p.store.Get(ctx, typingKey(roomID))
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			log.Printf("presence: get typing for room %s failed: %v", roomID, err)
		}
		return nil
	}
	var states []TypingState
	if err := json.Unmarshal(b, &states); err != nil {
		log.Printf("presence: corrupt typing list for room %s: %v", roomID, err)
		_ = p.store.Del(ctx, typingKey(roomID))
		return nil
	}
	return states
}

func (p *PresenceStore) writeTyping(ctx context.Context, roomID string, states []TypingState) error {
	if len(states) == 0 {
		return p.store.Del(ctx, typingKey(roomID))
	}
	b, err := json.Marshal(states)
	if err != nil {
		return err
	}
	// typing entries never outlive their soft expiry by much anyway
	return p.store.Set(ctx, typingKey(roomID), b, 2*typingMaxAge)
}
