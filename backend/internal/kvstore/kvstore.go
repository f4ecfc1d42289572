package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
// Callers must treat it as "not yet computed", never as "known empty".
var ErrNotFound = errors.New("kvstore: key not found")

// Message is one inbound pub/sub message from a pattern subscription.
type Message struct {
	Channel string
	Payload []byte
}

// Store is the shared key-value contract the coordination layer depends on.
// The production implementation is Redis; tests and local development use
// the in-memory implementation. TTL of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Keys scans for keys matching a glob pattern, e.g. "travel:5:*".
	Keys(ctx context.Context, pattern string) ([]string, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	// PSubscribe opens a pattern subscription. Delivery stops when ctx is
	// cancelled; the channel may or may not be closed afterwards, so
	// consumers must select on ctx as well.
	PSubscribe(ctx context.Context, pattern string) (<-chan Message, error)
}
