// Package backend defines the key/value provider abstraction shared by the
// remote configuration client and the dashboard, together with the key
// layout both sides agree on.
package backend

import (
	"context"
	"errors"
	"time"
)

// Provider types.
const (
	Memory = "memory" // For debug or test usage.
	Etcd   = "etcd"
)

const (
	DialTimeout   = 3 * time.Second
	ReadTimeout   = 3 * time.Second
	WriteTimeout  = 3 * time.Second
	RetryTimeout  = time.Second
	KeepAliveTime = 10 * time.Second
)

// DefaultChanLen is the buffer size of watch channels.
const DefaultChanLen = 100

// ErrUnknownProvider is returned when a provider type is not recognised.
var ErrUnknownProvider = errors.New("unknown provider type")

// EventType describes the kind of change delivered by a watch.
type EventType string

const (
	Put    EventType = "put"
	Delete EventType = "delete"
	// Reset is emitted for every live key after a watch had to resynchronise.
	Reset EventType = "reset"
)

// KVPair is a single key and its value.
type KVPair struct {
	Key   string
	Value string
}

// KVPairs is a list of key/value pairs.
type KVPairs []*KVPair

// WatchEvent is a change notification for a watched key.
type WatchEvent struct {
	KVPair
	Type EventType
}

// EventChan delivers watch events.
type EventChan chan *WatchEvent

// Provider is implemented by every key/value backend.
type Provider interface {
	// Type returns the provider type.
	Type() string

	// Set stores value under key. A zero ttl never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value of key, or every key under the prefix when dir is set.
	// Missing keys yield an empty result, not an error.
	Get(ctx context.Context, key string, dir bool) (KVPairs, error)

	// Incr atomically increments the integer stored under key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Delete removes key, or every key under the prefix when dir is set.
	Delete(ctx context.Context, key string, dir bool) error

	// Watch streams changes of key (or the prefix) until ctx is done.
	Watch(ctx context.Context, key string, dir bool) (EventChan, error)

	// KeepAlive stores value with ttl and keeps refreshing it until ctx is
	// done, at which point the key is removed.
	KeepAlive(ctx context.Context, key, value string, ttl time.Duration) error

	// Close releases the provider connection.
	Close() error
}
