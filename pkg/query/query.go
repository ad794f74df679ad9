package query

import (
	"context"

	"go.uber.org/zap"

	"github.com/pmkol/qcache/pkg/cache"
)

// Query looks up key in the namespace of r and returns a Handle of its
// state. The handle follows these paths:
//
//   - fresh hit: success with the cached value, fetcher is not called.
//   - stale hit with opts.StaleWhileRevalidate: success with the stale value,
//     then revalidating while the fetcher runs, then success with the new
//     value. A failed revalidation keeps the stale value.
//   - stale hit without it: loading with the stale value kept as data.
//   - miss: loading, then success or error.
//
// Concurrent queries of the same key share one fetcher call. The fetch is
// not canceled by ctx, ctx only bounds the lifetime of the handle.
func Query[T any](ctx context.Context, r *Runner, key string, fetcher Fetcher[T], opts Options) *Handle[T] {
	h := newHandle(ctx, r, key, fetcher, opts)
	if opts.Disabled {
		h.emit(func(s *Snapshot[T]) { s.Status = StatusIdle })
		return h
	}
	r.recordQuery()

	e, f := r.store.Get(r.namespace, key)
	if f != cache.Miss {
		v, err := h.decode(e.Value)
		if err != nil {
			r.logger.Debug("cached value cannot be decoded, treated as a miss", zap.String("key", key), zap.Error(err))
			f = cache.Miss
		} else {
			switch {
			case f == cache.Fresh:
				h.emit(func(s *Snapshot[T]) { hit(s, v, f, StatusSuccess) })
				return h
			case opts.StaleWhileRevalidate:
				h.emit(func(s *Snapshot[T]) { hit(s, v, f, StatusSuccess) })
				r.recordRevalidation()
				h.emit(func(s *Snapshot[T]) { s.Status = StatusRevalidating })
				h.startFetch(true)
				return h
			default:
				h.emit(func(s *Snapshot[T]) { hit(s, v, f, StatusLoading) })
				h.startFetch(false)
				return h
			}
		}
	}

	h.emit(func(s *Snapshot[T]) { s.Status = StatusLoading })
	h.startFetch(false)
	return h
}

func hit[T any](s *Snapshot[T], v T, f cache.Freshness, st Status) {
	s.Status = st
	s.Data = v
	s.HasData = true
	s.Freshness = f
}

// Get runs a query and waits for its first result.
func Get[T any](ctx context.Context, r *Runner, key string, fetcher Fetcher[T], opts Options) (T, Snapshot[T], error) {
	h := Query(ctx, r, key, fetcher, opts)
	defer h.Close()
	v, err := h.Wait(ctx)
	return v, h.Snapshot(), err
}
