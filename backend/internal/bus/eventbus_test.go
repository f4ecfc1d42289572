package bus

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"connecto/backend/internal/kvstore"
)

func TestEmitDispatchesLocallyBeforePublish(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	b := New(store, "replica-a")

	var got string
	b.Handle("greeting", func(ctx context.Context, payload json.RawMessage) {
		var s string
		require.NoError(t, json.Unmarshal(payload, &s))
		got = s
	})

	b.Emit(ctx, "greeting", "hello")
	require.Equal(t, "hello", got, "local dispatch is synchronous")
}

func TestCrossReplicaDeliveryAndOriginDedup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := kvstore.NewMemoryStore()

	a := New(store, "replica-a")
	b := New(store, "replica-b")

	var aCount, bCount atomic.Int64
	a.Handle("ping", func(ctx context.Context, payload json.RawMessage) { aCount.Add(1) })
	b.Handle("ping", func(ctx context.Context, payload json.RawMessage) { bCount.Add(1) })

	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	a.Emit(ctx, "ping", map[string]int{"n": 1})

	require.Eventually(t, func() bool { return bCount.Load() == 1 }, time.Second, 10*time.Millisecond,
		"replica-b receives replica-a's event")

	// replica-a must not reprocess its own broadcast
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(1), aCount.Load(), "self-origin event is dropped")
}

func TestMalformedMessageIsSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := kvstore.NewMemoryStore()

	b := New(store, "replica-b")
	var count atomic.Int64
	b.Handle("ping", func(ctx context.Context, payload json.RawMessage) { count.Add(1) })
	require.NoError(t, b.Start(ctx))

	// garbage first, then a valid event from another origin
	require.NoError(t, store.Publish(ctx, "connecto:events:ping", []byte("{not json")))
	evt := Event{Name: "ping", Payload: json.RawMessage(`{}`), Timestamp: time.Now(), Origin: "replica-a"}
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	require.NoError(t, store.Publish(ctx, "connecto:events:ping", data))

	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 10*time.Millisecond,
		"subscription loop survives the malformed message")
}

func TestHandledEventsOrder(t *testing.T) {
	b := New(kvstore.NewMemoryStore(), "replica-a")
	noop := func(ctx context.Context, payload json.RawMessage) {}
	b.Handle("third", noop)
	b.Handle("first", noop)
	b.Handle("third", noop) // second handler, same name
	b.Handle("second", noop)

	require.Equal(t, []string{"third", "first", "second"}, b.HandledEvents())
}
