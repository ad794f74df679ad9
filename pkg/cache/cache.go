package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Backend is a durable key-value store behind a Store.
// All methods are best effort from the Store's point of view: errors are
// logged and never reach query callers.
type Backend interface {
	// Get returns the value of key. ok is false if key does not exist.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value. retention is a hint for how long the backend needs
	// to keep the value. Zero means no limit.
	Set(ctx context.Context, key, value string, retention time.Duration) error

	Delete(ctx context.Context, key string) error

	// Keys returns all keys that start with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	io.Closer
}

// BatchSetter is implemented by backends that can store many values in
// one round trip.
type BatchSetter interface {
	BatchSet(ctx context.Context, b []KV) error
}

type KV struct {
	Key       string
	Value     string
	Retention time.Duration
}

var (
	// ErrCorruptRecord is returned when a persisted record cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt cache record")

	// ErrBackendUnavailable can be returned by a Backend that has temporarily
	// stopped talking to its server.
	ErrBackendUnavailable = errors.New("cache backend unavailable")

	ErrClosed = errors.New("cache store closed")
)

type Freshness uint8

const (
	Miss Freshness = iota
	Fresh
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// Entry is one cached value.
type Entry struct {
	Namespace string
	Key       string

	// Value must not be modified. It is shared with the Store.
	Value []byte

	StoredAt   time.Time
	TTL        time.Duration
	AccessedAt time.Time

	// Seq is the write ticket the entry was stored with. See Store.Ticket.
	Seq uint64
}

// freshness of e at now. A positive staleWindow is the time after TTL
// the entry is still served as stale. Beyond that it is a Miss.
func (e *Entry) freshness(now time.Time, staleWindow time.Duration) Freshness {
	age := now.Sub(e.StoredAt)
	if age < e.TTL {
		return Fresh
	}
	if staleWindow > 0 && age >= e.TTL+staleWindow {
		return Miss
	}
	return Stale
}
