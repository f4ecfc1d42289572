package ws

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeAccess struct {
	deny map[string]bool
	err  error
}

func (f *fakeAccess) CanAccess(ctx context.Context, userID uint64, roomID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return !f.deny[roomID], nil
}

func drain(c *Conn) []ServerMessage {
	var msgs []ServerMessage
	for {
		select {
		case m := <-c.send:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func newTestConn(userID uint64, socketID string) *Conn {
	return NewConn(nil, socketID, userID, "user")
}

func TestJoinDeniedMutatesNothing(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(&fakeAccess{deny: map[string]bool{"secret": true}})

	alice := newTestConn(1, "S1")
	hub.Register(alice)
	require.NoError(t, hub.Join(ctx, alice, "open"))

	before := hub.GetMembers("secret")

	bob := newTestConn(2, "S2")
	hub.Register(bob)
	err := hub.Join(ctx, bob, "secret")
	require.ErrorIs(t, err, ErrAccessDenied)

	require.Equal(t, before, hub.GetMembers("secret"))
	require.Empty(t, hub.GetRoomsOf(2))
}

func TestJoinCheckErrorPropagates(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("db down")
	hub := NewHub(&fakeAccess{err: boom})

	c := newTestConn(1, "S1")
	hub.Register(c)
	err := hub.Join(ctx, c, "room-1")
	require.ErrorIs(t, err, boom)
	require.Empty(t, hub.GetRoomsOf(1))
}

func TestEmitToRoomExceptSkipsOneSocket(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(&fakeAccess{})

	alice := newTestConn(1, "S1")
	bob := newTestConn(2, "S2")
	hub.Register(alice)
	hub.Register(bob)
	require.NoError(t, hub.Join(ctx, alice, "room-1"))
	require.NoError(t, hub.Join(ctx, bob, "room-1"))

	hub.EmitToRoomExcept("room-1", "S2", ServerMessage{Event: EventUserJoined, RoomID: "room-1"})

	msgs := drain(alice)
	require.Len(t, msgs, 1)
	require.Equal(t, EventUserJoined, msgs[0].Event)
	require.Empty(t, drain(bob), "skipped socket hears nothing")

	// a socket id connected elsewhere skips nobody here
	hub.EmitToRoomExcept("room-1", "S-other-replica", ServerMessage{Event: EventUserJoined})
	require.Len(t, drain(alice), 1)
	require.Len(t, drain(bob), 1)
}

func TestLeaveRemovesMembership(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(&fakeAccess{})

	alice := newTestConn(1, "S1")
	bob := newTestConn(2, "S2")
	hub.Register(alice)
	hub.Register(bob)
	require.NoError(t, hub.Join(ctx, alice, "room-1"))
	require.NoError(t, hub.Join(ctx, bob, "room-1"))

	require.True(t, hub.Leave(bob, "room-1"))
	require.Empty(t, hub.GetRoomsOf(2))
	require.Equal(t, []uint64{1}, hub.GetMembers("room-1"))

	// leaving a room never joined is a no-op
	require.False(t, hub.Leave(bob, "room-404"))
	require.False(t, hub.Leave(bob, "room-1"), "already left")
}

func TestMembershipIndexes(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(&fakeAccess{})

	alice1 := newTestConn(1, "S1")
	alice2 := newTestConn(1, "S2") // second device, same user
	bob := newTestConn(2, "S3")
	for _, c := range []*Conn{alice1, alice2, bob} {
		hub.Register(c)
	}

	require.NoError(t, hub.Join(ctx, alice1, "room-1"))
	require.NoError(t, hub.Join(ctx, alice2, "room-1"))
	require.NoError(t, hub.Join(ctx, bob, "room-1"))
	require.NoError(t, hub.Join(ctx, alice1, "room-2"))

	require.ElementsMatch(t, []uint64{1, 2}, hub.GetMembers("room-1"), "members are distinct users")
	require.ElementsMatch(t, []string{"room-1", "room-2"}, hub.GetRoomsOf(1))
	require.Equal(t, 2, hub.RoomCount("room-1"))

	// one of alice's devices leaves room-1: she is still a member there
	hub.Leave(alice1, "room-1")
	require.ElementsMatch(t, []uint64{1, 2}, hub.GetMembers("room-1"))
	require.ElementsMatch(t, []string{"room-1", "room-2"}, hub.GetRoomsOf(1))
}

func TestDropConnLeavesEverything(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(&fakeAccess{})

	alice := newTestConn(1, "S1")
	bob := newTestConn(2, "S2")
	hub.Register(alice)
	hub.Register(bob)
	require.NoError(t, hub.Join(ctx, alice, "room-1"))
	require.NoError(t, hub.Join(ctx, alice, "room-2"))
	require.NoError(t, hub.Join(ctx, bob, "room-1"))
	drain(alice)
	drain(bob)

	left := hub.DropConn(alice)
	require.ElementsMatch(t, []string{"room-1", "room-2"}, left)
	require.Empty(t, hub.GetRoomsOf(1))
	require.Equal(t, []uint64{2}, hub.GetMembers("room-1"))
	require.Empty(t, hub.GetMembers("room-2"))

	// the socket is no longer addressable
	hub.EmitToSocket("S1", ServerMessage{Event: "x"})
	require.Empty(t, drain(alice))
}

func TestBroadcastAfterDisconnectDoesNotPanic(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(&fakeAccess{})

	alice := newTestConn(1, "S1")
	bob := newTestConn(2, "S2")
	hub.Register(alice)
	hub.Register(bob)
	require.NoError(t, hub.Join(ctx, alice, "room-1"))
	require.NoError(t, hub.Join(ctx, bob, "room-1"))

	// disconnect has closed the send channel but the conn is still in the
	// room: a concurrent fanout must not crash the replica
	bob.closeSend()
	require.NotPanics(t, func() {
		hub.EmitToRoom("room-1", ServerMessage{Event: EventMessageNew, RoomID: "room-1"})
		hub.EmitToSocket("S2", ServerMessage{Event: EventNotification})
		hub.EmitToAll(ServerMessage{Event: EventNotification})
	})
	require.Len(t, drain(alice), 2)

	// closeSend is idempotent
	require.NotPanics(t, func() { bob.closeSend() })
}

func TestEmitTargets(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(&fakeAccess{})

	alice := newTestConn(1, "S1")
	bob := newTestConn(2, "S2")
	hub.Register(alice)
	hub.Register(bob)
	require.NoError(t, hub.Join(ctx, alice, "room-1"))

	hub.EmitToRoom("room-1", ServerMessage{Event: "a"})
	hub.EmitToSocket("S2", ServerMessage{Event: "b"})
	hub.EmitToAll(ServerMessage{Event: "c"})

	aliceEvents := []string{}
	for _, m := range drain(alice) {
		aliceEvents = append(aliceEvents, m.Event)
	}
	bobEvents := []string{}
	for _, m := range drain(bob) {
		bobEvents = append(bobEvents, m.Event)
	}
	require.ElementsMatch(t, []string{"a", "c"}, aliceEvents)
	require.ElementsMatch(t, []string{"b", "c"}, bobEvents)
}
