package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/qcache/pkg/cache"
)

const (
	updatesBuffer = 16
	errorsBuffer  = 4
)

type Status uint8

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
	StatusRevalidating
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusRevalidating:
		return "revalidating"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Snapshot is the state of a query at one point in time.
type Snapshot[T any] struct {
	Status Status

	// Data is the last known value. It is kept through loading, refresh and
	// failures once the query has one.
	Data    T
	HasData bool

	// Err is the error of the last failed foreground fetch. Failed
	// background revalidations are reported by Handle.Errors instead.
	Err error

	// Freshness of Data when it was read from the cache. Miss if Data
	// came from a fetch.
	Freshness cache.Freshness

	UpdatedAt time.Time
}

// Loading reports whether a fetch is running and there is no data yet to
// show, or the data shown is going to be replaced.
func (s Snapshot[T]) Loading() bool {
	return s.Status == StatusLoading
}

// Refreshing reports whether data is shown while a fetch runs in the
// background.
func (s Snapshot[T]) Refreshing() bool {
	return s.Status == StatusRevalidating
}

// Handle is a live view of one query. Its state changes until the query
// context is canceled or Close is called. Closing a Handle detaches it, the
// fetch it was waiting for keeps running and still fills the cache.
type Handle[T any] struct {
	r       *Runner
	key     string
	fetcher Fetcher[T]
	opts    Options
	ctx     context.Context

	// stopAfter unregisters Close from ctx.
	stopAfter func() bool

	mu      sync.Mutex
	snap    Snapshot[T]
	changed chan struct{}
	closed  bool
	done    chan struct{}
	updates chan Snapshot[T]
	errs    chan error
}

func newHandle[T any](ctx context.Context, r *Runner, key string, f Fetcher[T], opts Options) *Handle[T] {
	h := &Handle[T]{
		r:       r,
		key:     key,
		fetcher: f,
		opts:    opts,
		ctx:     ctx,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
		updates: make(chan Snapshot[T], updatesBuffer),
		errs:    make(chan error, errorsBuffer),
	}
	// Close may run right away if ctx is done, it waits for stopAfter.
	h.mu.Lock()
	h.stopAfter = context.AfterFunc(ctx, h.Close)
	h.mu.Unlock()
	return h
}

func (h *Handle[T]) Key() string {
	return h.key
}

// Snapshot returns the current state.
func (h *Handle[T]) Snapshot() Snapshot[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap
}

// Updates delivers every state change. If the receiver falls behind, the
// oldest undelivered snapshots are dropped. The channel is closed when the
// handle is closed.
func (h *Handle[T]) Updates() <-chan Snapshot[T] {
	return h.updates
}

// Errors delivers errors of background revalidations. The data of the
// query is not changed by those. The channel is closed when the handle is
// closed.
func (h *Handle[T]) Errors() <-chan error {
	return h.errs
}

// Wait blocks until the query has data or has failed. It returns the data
// as soon as there is some, even if it is being revalidated.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	return h.wait(ctx, false)
}

// WaitSettled is like Wait but does not return while the data is being
// revalidated.
func (h *Handle[T]) WaitSettled(ctx context.Context) (T, error) {
	return h.wait(ctx, true)
}

func (h *Handle[T]) wait(ctx context.Context, settled bool) (T, error) {
	for {
		h.mu.Lock()
		s, changed, closed := h.snap, h.changed, h.closed
		h.mu.Unlock()

		switch s.Status {
		case StatusIdle:
			return s.Data, ErrDisabled
		case StatusSuccess:
			return s.Data, nil
		case StatusRevalidating:
			if !settled {
				return s.Data, nil
			}
		case StatusError:
			return s.Data, s.Err
		}
		if closed {
			if err := h.ctx.Err(); err != nil {
				return s.Data, err
			}
			return s.Data, ErrHandleClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return s.Data, ctx.Err()
		}
	}
}

// Refresh fetches the value again, ignoring the cache. The current data is
// kept and shown as revalidating while the fetch runs. Refresh is a noop on
// disabled or closed handles.
func (h *Handle[T]) Refresh() {
	if h.opts.Disabled {
		return
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}

	h.emit(func(s *Snapshot[T]) {
		if s.HasData {
			s.Status = StatusRevalidating
		} else {
			s.Status = StatusLoading
		}
	})
	h.startFetch(false)
}

// Close detaches h from its query. It is called automatically when the
// query context is done.
func (h *Handle[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.stopAfter()
	close(h.done)
	close(h.changed)
	close(h.updates)
	close(h.errs)
}

// emit applies f to the state and publishes the result.
func (h *Handle[T]) emit(f func(s *Snapshot[T])) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	f(&h.snap)
	h.snap.UpdatedAt = time.Now()

	// We are the only sender, so making room cannot race with another send.
	select {
	case h.updates <- h.snap:
	default:
		select {
		case <-h.updates:
		default:
		}
		h.updates <- h.snap
	}

	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *Handle[T]) pushErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.errs <- err:
	default:
		select {
		case <-h.errs:
		default:
		}
		h.errs <- err
	}
}

// startFetch starts or joins the fetch of the key and applies its result
// in the background.
func (h *Handle[T]) startFetch(revalidate bool) {
	ch := h.r.fetch(h.ctx, h.key, h.r.ttl(h.opts), h.opts.Timeout, encodeFetcher(h.r, h.key, h.fetcher))
	go func() {
		select {
		case res := <-ch:
			h.settle(res, revalidate)
		case <-h.done:
		}
	}()
}

func (h *Handle[T]) settle(res singleflight.Result, revalidate bool) {
	err := res.Err
	var v T
	if err == nil {
		b, _ := res.Val.([]byte)
		v, err = h.decode(b)
		if err != nil {
			err = &FetchError{Namespace: h.r.namespace, Key: h.key, Err: fmt.Errorf("decode value, %w", err)}
		}
	}

	if err != nil {
		if revalidate {
			h.r.logger.Debug("revalidation failed, keeping stale value", zap.String("key", h.key), zap.Error(err))
			h.emit(func(s *Snapshot[T]) { s.Status = StatusSuccess })
			h.pushErr(err)
			return
		}
		h.emit(func(s *Snapshot[T]) {
			s.Status = StatusError
			s.Err = err
		})
		return
	}

	h.emit(func(s *Snapshot[T]) {
		s.Status = StatusSuccess
		s.Data = v
		s.HasData = true
		s.Err = nil
		s.Freshness = cache.Miss
	})
}

func (h *Handle[T]) decode(b []byte) (T, error) {
	var v T
	err := h.r.opts.Codec.Unmarshal(b, &v)
	return v, err
}
