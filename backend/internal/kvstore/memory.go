package kvstore

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// memoryStore is a process-local Store used by tests and by local development
// without a Redis instance. Expiry is checked lazily on read; pub/sub fans
// out to every live pattern subscription in the same process, so two
// components sharing one memoryStore observe each other's publishes.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	subs    map[int]*memorySub
	nextSub int
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type memorySub struct {
	pattern string
	ch      chan Message
}

func NewMemoryStore() Store {
	return &memoryStore{
		entries: make(map[string]memoryEntry),
		subs:    make(map[int]*memorySub),
	}
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// live returns the entry if present and unexpired, pruning it otherwise.
// Caller must hold mu.
func (s *memoryStore) live(key string) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(time.Now()) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *memoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *memoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *memoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

func (s *memoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key)
	return ok, nil
}

func (s *memoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if e, ok := s.live(key); ok {
		v, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		n = v
	}
	n++
	e := s.entries[key]
	e.value = []byte(strconv.FormatInt(n, 10))
	s.entries[key] = e
	return n, nil
}

func (s *memoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil
	}
	e.expiresAt = time.Now().Add(ttl)
	s.entries[key] = e
	return nil
}

func (s *memoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return -2 * time.Second, nil // redis convention: -2 for missing key
	}
	if e.expiresAt.IsZero() {
		return -1 * time.Second, nil // -1 for no expiry
	}
	return time.Until(e.expiresAt), nil
}

func (s *memoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	now := time.Now()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *memoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	var targets []chan Message
	for _, sub := range s.subs {
		if ok, _ := path.Match(sub.pattern, channel); ok {
			targets = append(targets, sub.ch)
		}
	}
	s.mu.Unlock()

	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, ch := range targets {
		// 订阅方阻塞时丢弃，与 redis pub/sub 的 at-most-once 语义一致
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (s *memoryStore) PSubscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	sub := &memorySub{pattern: pattern, ch: make(chan Message, 64)}
	s.subs[id] = sub
	s.mu.Unlock()

	// the channel is deliberately never closed: a concurrent Publish may
	// still hold a reference, and subscribers stop via ctx anyway
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}()
	return sub.ch, nil
}
