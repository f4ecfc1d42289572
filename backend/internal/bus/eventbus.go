package bus

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"connecto/backend/internal/kvstore"
)

const channelPrefix = "connecto:events:"

// Event is the wire form of a distributed event. A replica drops inbound
// events whose Origin equals its own identity, so its own broadcasts are
// never processed twice.
type Event struct {
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin"`
}

// Handler processes one event payload. Handlers must tolerate duplicated
// and reordered delivery; no ordering is guaranteed across replicas.
type Handler func(ctx context.Context, payload json.RawMessage)

// EventBus dispatches events to local handlers and mirrors them to every
// other replica through the shared store's pub/sub channels.
type EventBus struct {
	store     kvstore.Store
	replicaID string

	mu sync.RWMutex
	// 显式注册表：事件名 -> handler 列表，按注册顺序执行
	handlers map[string][]Handler
	order    []string
}

func New(store kvstore.Store, replicaID string) *EventBus {
	return &EventBus{
		store:     store,
		replicaID: replicaID,
		handlers:  make(map[string][]Handler),
	}
}

func (b *EventBus) ReplicaID() string { return b.replicaID }

// Handle registers a handler for an event name. Registration happens once
// at startup; the table is the single place showing which events are wired.
func (b *EventBus) Handle(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[name]; !ok {
		b.order = append(b.order, name)
	}
	b.handlers[name] = append(b.handlers[name], h)
}

// HandledEvents returns the registered event names in registration order.
func (b *EventBus) HandledEvents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.order...)
}

// Emit dispatches to local handlers immediately, then best-effort publishes
// the event for other replicas. A publish failure is logged and swallowed:
// the local effect has already happened, only cross-replica convergence is
// reduced.
func (b *EventBus) Emit(ctx context.Context, name string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("eventbus: marshal %q failed: %v", name, err)
		return
	}

	b.dispatch(ctx, name, raw)

	evt := Event{Name: name, Payload: raw, Timestamp: time.Now(), Origin: b.replicaID}
	data, err := json.Marshal(evt)
	if err != nil {
		log.Printf("eventbus: marshal envelope %q failed: %v", name, err)
		return
	}
	if err := b.store.Publish(ctx, channelPrefix+name, data); err != nil {
		log.Printf("eventbus: publish %q failed: %v", name, err)
	}
}

func (b *EventBus) dispatch(ctx context.Context, name string, payload json.RawMessage) {
	b.mu.RLock()
	hs := b.handlers[name]
	b.mu.RUnlock()
	for _, h := range hs {
		h(ctx, payload)
	}
}

// Start opens the pattern subscription covering all event channels and
// re-dispatches inbound events from other replicas. It returns after the
// subscription is established; the receive loop runs until ctx is cancelled.
func (b *EventBus) Start(ctx context.Context) error {
	msgs, err := b.store.PSubscribe(ctx, channelPrefix+"*")
	if err != nil {
		return err
	}
	go b.receiveLoop(ctx, msgs)
	return nil
}

func (b *EventBus) receiveLoop(ctx context.Context, msgs <-chan kvstore.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				// 单条消息丢弃，循环继续
				log.Printf("eventbus: drop malformed message on %s: %v", msg.Channel, err)
				continue
			}
			if evt.Origin == b.replicaID {
				continue
			}
			name := evt.Name
			if name == "" {
				name = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			b.dispatch(ctx, name, evt.Payload)
		}
	}
}
