// Package cachetest provides an in-memory cache.Backend and a manual clock
// for tests.
package cachetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pmkol/qcache/pkg/cache"
)

// MemBackend is a cache.Backend and cache.BatchSetter backed by a map.
type MemBackend struct {
	mu      sync.Mutex
	m       map[string]string
	err     error
	batches int
	closed  bool
}

var (
	_ cache.Backend     = (*MemBackend)(nil)
	_ cache.BatchSetter = (*MemBackend)(nil)
)

func NewMemBackend() *MemBackend {
	return &MemBackend{m: make(map[string]string)}
}

// FailWith makes every following call return err. A nil err restores it.
func (b *MemBackend) FailWith(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *MemBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", false, b.err
	}
	v, ok := b.m[key]
	return v, ok, nil
}

func (b *MemBackend) Set(_ context.Context, key, value string, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.m[key] = value
	return nil
}

func (b *MemBackend) BatchSet(_ context.Context, kvs []cache.KV) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.batches++
	for _, kv := range kvs {
		b.m[kv.Key] = kv.Value
	}
	return nil
}

func (b *MemBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	delete(b.m, key)
	return nil
}

func (b *MemBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	var keys []string
	for k := range b.m {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Put writes a raw value, bypassing FailWith.
func (b *MemBackend) Put(key, value string) {
	b.mu.Lock()
	b.m[key] = value
	b.mu.Unlock()
}

func (b *MemBackend) Has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.m[key]
	return ok
}

func (b *MemBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.m)
}

func (b *MemBackend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Clock is a manual clock.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
