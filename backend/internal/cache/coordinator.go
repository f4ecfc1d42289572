package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"golang.org/x/sync/singleflight"

	"connecto/backend/internal/bus"
	"connecto/backend/internal/kvstore"
)

const (
	// EventInvalidate is the distributed event carrying invalidation patterns.
	EventInvalidate = "cache.invalidate"

	// Jitter spread added to write TTLs so hot keys do not expire together.
	ttlJitter = 60 * time.Second
)

// InvalidatePayload is the payload of a cache.invalidate event.
type InvalidatePayload struct {
	Patterns []string `json:"patterns"`
}

// Coordinator reads and writes cached values on the shared store and
// spreads invalidation patterns over the event bus. Consistency is
// eventual: another replica can read a stale value until its delete lands.
type Coordinator struct {
	store kvstore.Store
	bus   *bus.EventBus
	sf    singleflight.Group
}

func NewCoordinator(store kvstore.Store, b *bus.EventBus) *Coordinator {
	c := &Coordinator{store: store, bus: b}
	b.Handle(EventInvalidate, func(ctx context.Context, payload json.RawMessage) {
		var p InvalidatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("cache: bad invalidate payload: %v", err)
			return
		}
		c.deletePatterns(ctx, p.Patterns)
	})
	return c
}

// GetJSON reads a cached value into dest. The boolean is false on a miss;
// store failures and corrupt values are also reported as misses so the
// caller falls back to the durable source.
func (c *Coordinator) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	b, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return false, nil
		}
		log.Printf("cache: get %s failed, treating as miss: %v", key, err)
		return false, nil
	}
	if err := json.Unmarshal(b, dest); err != nil {
		// corrupt entry: same as a miss, and drop it so the next write is clean
		log.Printf("cache: corrupt value at %s: %v", key, err)
		_ = c.store.Del(ctx, key)
		return false, nil
	}
	return true, nil
}

// SetJSON writes a value with the given TTL.
func (c *Coordinator) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	if err := c.store.Set(ctx, key, b, ttl); err != nil {
		log.Printf("cache: set %s failed: %v", key, err)
		return err
	}
	return nil
}

// GetOrLoad reads through the cache, deduplicating concurrent loads of the
// same key with singleflight. A load returning ok=false caches nothing and
// leaves dest untouched.
func (c *Coordinator) GetOrLoad(ctx context.Context, key string, ttl time.Duration, dest any, load func(ctx context.Context) (any, bool, error)) error {
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		var raw json.RawMessage
		if hit, _ := c.GetJSON(ctx, key, &raw); hit {
			return raw, nil
		}
		val, ok, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("cache: marshal %s: %w", key, err)
		}
		// jitter only on read-through writes: these come in bursts
		if err := c.store.Set(ctx, key, b, jitterTTL(ttl)); err != nil {
			log.Printf("cache: set %s failed: %v", key, err)
		}
		return json.RawMessage(b), nil
	})
	if err != nil {
		return err
	}
	if raw, ok := v.(json.RawMessage); ok && raw != nil {
		return json.Unmarshal(raw, dest)
	}
	return nil
}

// Invalidate deletes every key matching the patterns, locally and on all
// other replicas. The local delete runs synchronously inside Emit; the
// remote deletes are best-effort and unordered.
func (c *Coordinator) Invalidate(ctx context.Context, patterns ...string) {
	if len(patterns) == 0 {
		return
	}
	c.bus.Emit(ctx, EventInvalidate, InvalidatePayload{Patterns: patterns})
}

// InvalidateEntity drops an entity's own entry and everything scoped under it.
func (c *Coordinator) InvalidateEntity(ctx context.Context, kind, id string) {
	c.Invalidate(ctx, EntityKey(kind, id), EntityPattern(kind, id))
}

// InvalidateUser drops a user's cached profile and derived entries.
func (c *Coordinator) InvalidateUser(ctx context.Context, userID uint64) {
	c.Invalidate(ctx,
		UserKey(userID),
		UserKey(userID)+":*",
		UserTravelsKey(userID),
	)
}

func (c *Coordinator) deletePatterns(ctx context.Context, patterns []string) {
	for _, pattern := range patterns {
		keys, err := c.store.Keys(ctx, pattern)
		if err != nil {
			log.Printf("cache: scan %q failed: %v", pattern, err)
			continue
		}
		if len(keys) == 0 {
			continue
		}
		if err := c.store.Del(ctx, keys...); err != nil {
			log.Printf("cache: delete %q (%d keys) failed: %v", pattern, len(keys), err)
		}
	}
}

// jitterTTL spreads expiries to avoid a stampede when many keys were
// written in the same burst.
func jitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	return ttl + time.Duration(rand.Int63n(int64(ttlJitter)))
}
