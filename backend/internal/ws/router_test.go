package ws

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"connecto/backend/internal/bus"
	"connecto/backend/internal/cache"
	"connecto/backend/internal/kvstore"
)

type emission struct {
	target string // "room:<id>" | "socket:<id>" | "all"
	msg    ServerMessage
}

type fakeTransport struct {
	mu        sync.Mutex
	emissions []emission
}

func (f *fakeTransport) EmitToRoom(roomID string, msg ServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emissions = append(f.emissions, emission{target: "room:" + roomID, msg: msg})
}

func (f *fakeTransport) EmitToRoomExcept(roomID, skipSocketID string, msg ServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emissions = append(f.emissions, emission{target: "room:" + roomID + "-" + skipSocketID, msg: msg})
}

func (f *fakeTransport) EmitToSocket(socketID string, msg ServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emissions = append(f.emissions, emission{target: "socket:" + socketID, msg: msg})
}

func (f *fakeTransport) EmitToAll(msg ServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emissions = append(f.emissions, emission{target: "all", msg: msg})
}

func (f *fakeTransport) snapshot() []emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emission(nil), f.emissions...)
}

type fakeParents struct {
	parents map[string]string
}

func (f *fakeParents) ParentRoom(ctx context.Context, roomID string) (string, bool, error) {
	p, ok := f.parents[roomID]
	return p, ok, nil
}

func newTestRouter(store kvstore.Store, replica string, parents ParentLookup) (*Router, *fakeTransport, *bus.EventBus) {
	t := &fakeTransport{}
	b := bus.New(store, replica)
	p := cache.NewPresenceStore(store, nil)
	return NewRouter(t, b, p, parents), t, b
}

func eventsOf(emissions []emission) []string {
	var names []string
	for _, e := range emissions {
		names = append(names, e.target+"/"+e.msg.Event)
	}
	return names
}

func TestMessageNewFansOutWithPreviewAndParentSummary(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	router, transport, _ := newTestRouter(store, "replica-a", &fakeParents{
		parents: map[string]string{"room-1": "travel-room-9"},
	})

	m := ChatMessage{
		ID:      "m1",
		RoomID:  "room-1",
		Kind:    "text",
		Content: strings.Repeat("走", 60),
	}
	router.MessageNew(ctx, m)

	emissions := transport.snapshot()
	require.Equal(t, []string{
		"room:room-1/" + EventMessageNew,
		"room:travel-room-9/" + EventRoomStats,
	}, eventsOf(emissions))

	data := emissions[0].msg.Data.(map[string]any)
	require.Equal(t, strings.Repeat("走", 50)+"…", data["preview"])
}

func TestPreviewLabels(t *testing.T) {
	require.Equal(t, "[photo]", Preview(ChatMessage{Kind: "photo", Content: "ignored"}))
	require.Equal(t, "[video]", Preview(ChatMessage{Kind: "video"}))
	require.Equal(t, "[file]", Preview(ChatMessage{Kind: "file"}))
	require.Equal(t, "[location]", Preview(ChatMessage{Kind: "location"}))
	require.Equal(t, "short", Preview(ChatMessage{Kind: "text", Content: "short"}))
}

func TestNotifyUserHitsEverySocket(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	router, transport, _ := newTestRouter(store, "replica-a", nil)

	presence := cache.NewPresenceStore(store, nil)
	require.NoError(t, presence.AddSocket(ctx, 5, "S1"))
	require.NoError(t, presence.AddSocket(ctx, 5, "S2"))

	router.NotifyUser(ctx, 5, map[string]any{"kind": "invite"})

	targets := []string{}
	for _, e := range transport.snapshot() {
		require.Equal(t, EventNotification, e.msg.Event)
		targets = append(targets, e.target)
	}
	require.ElementsMatch(t, []string{"socket:S1", "socket:S2"}, targets)
}

func TestTypingChangedEmitsStatusAndRoster(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	router, transport, _ := newTestRouter(store, "replica-a", nil)

	presence := cache.NewPresenceStore(store, nil)
	require.NoError(t, presence.AddTyping(ctx, "room-1", 5))

	router.TypingChanged(ctx, "room-1", 5, true)

	require.Equal(t, []string{
		"room:room-1/" + EventTypingStatus,
		"room:room-1/" + EventTypingUsers,
	}, eventsOf(transport.snapshot()))
}

func TestRoomFanoutReachesOtherReplicas(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := kvstore.NewMemoryStore()

	_, transportA, busA := newTestRouter(store, "replica-a", nil)
	routerB, transportB, busB := newTestRouter(store, "replica-b", nil)
	require.NoError(t, busA.Start(ctx))
	require.NoError(t, busB.Start(ctx))

	routerB.MessageDeleted(ctx, "room-1", "m9")

	// replica B emits synchronously through its own transport
	require.Equal(t, []string{"room:room-1/" + EventMessageDeleted}, eventsOf(transportB.snapshot()))

	// replica A picks the same fanout up off the wire
	require.Eventually(t, func() bool {
		return len(transportA.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"room:room-1/" + EventMessageDeleted}, eventsOf(transportA.snapshot()))

	// and replica B never double-delivers its own broadcast
	time.Sleep(50 * time.Millisecond)
	require.Len(t, transportB.snapshot(), 1)
}

func TestMemberAnnouncementsCrossTheMirror(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()

	// the real hub as transport: the join announcement must reach alice
	// but never echo back to the joiner's own socket
	hub := NewHub(&fakeAccess{})
	b := bus.New(store, "replica-a")
	router := NewRouter(hub, b, cache.NewPresenceStore(store, nil), nil)

	alice := newTestConn(1, "S1")
	bob := newTestConn(2, "S2")
	hub.Register(alice)
	hub.Register(bob)
	require.NoError(t, hub.Join(ctx, alice, "room-1"))
	require.NoError(t, hub.Join(ctx, bob, "room-1"))

	router.MemberJoined(ctx, "room-1", 2, "bob", "S2")

	msgs := drain(alice)
	require.Len(t, msgs, 1)
	require.Equal(t, EventUserJoined, msgs[0].Event)
	require.Empty(t, drain(bob), "joiner does not hear their own join")

	require.True(t, hub.Leave(bob, "room-1"))
	router.MemberLeft(ctx, "room-1", 2, "bob")

	msgs = drain(alice)
	require.Len(t, msgs, 1)
	require.Equal(t, EventUserLeft, msgs[0].Event)
}

func TestMemberJoinedReachesOtherReplicas(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := kvstore.NewMemoryStore()

	routerA, transportA, busA := newTestRouter(store, "replica-a", nil)
	_, transportB, busB := newTestRouter(store, "replica-b", nil)
	require.NoError(t, busA.Start(ctx))
	require.NoError(t, busB.Start(ctx))

	routerA.MemberJoined(ctx, "room-1", 2, "bob", "S2")

	require.Equal(t, []string{"room:room-1-S2/" + EventUserJoined}, eventsOf(transportA.snapshot()))
	require.Eventually(t, func() bool {
		return len(transportB.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"room:room-1-S2/" + EventUserJoined}, eventsOf(transportB.snapshot()))
}

func TestPresenceChangedAnnouncesPerRoom(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	router, transport, _ := newTestRouter(store, "replica-a", nil)

	router.PresenceChanged(ctx, 5, "offline", []string{"room-1", "room-2"})

	require.Equal(t, []string{
		"room:room-1/" + EventOnlineStatus,
		"room:room-2/" + EventOnlineStatus,
	}, eventsOf(transport.snapshot()))
}
