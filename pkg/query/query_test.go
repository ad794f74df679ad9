package query_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/pmkol/qcache/pkg/cache"
	"github.com/pmkol/qcache/pkg/cache/cachetest"
	"github.com/pmkol/qcache/pkg/codec"
	"github.com/pmkol/qcache/pkg/query"
)

const waitTimeout = 2 * time.Second

func newRunner(t *testing.T, clock *cachetest.Clock) (*query.Runner, *cache.Store) {
	t.Helper()
	opts := cache.Options{}
	if clock != nil {
		opts.Now = clock.Now
	}
	s, err := cache.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	r, err := query.NewRunner(s, "ns", query.RunnerOpts{DefaultTTL: time.Minute})
	require.NoError(t, err)
	return r, s
}

func next[T any](t *testing.T, h *query.Handle[T]) query.Snapshot[T] {
	t.Helper()
	select {
	case s, ok := <-h.Updates():
		require.True(t, ok, "updates closed")
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for update")
	}
	return query.Snapshot[T]{}
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

// gate is a fetcher that blocks until released and counts its calls.
type gate[T any] struct {
	calls   atomic.Int32
	release chan struct{}
	v       T
	err     error
}

func newGate[T any](v T, err error) *gate[T] {
	return &gate[T]{release: make(chan struct{}), v: v, err: err}
}

func (g *gate[T]) fetch(ctx context.Context) (T, error) {
	g.calls.Add(1)
	<-g.release
	return g.v, g.err
}

func (g *gate[T]) open() { close(g.release) }

func mustNotFetch[T any](t *testing.T) query.Fetcher[T] {
	return func(context.Context) (T, error) {
		t.Error("fetcher must not be called")
		var zero T
		return zero, errors.New("unexpected fetch")
	}
}

func TestQuery_missDedup(t *testing.T) {
	r, s := newRunner(t, nil)
	g := newGate("v", nil)

	const n = 10
	handles := make([]*query.Handle[string], 0, n)
	for i := 0; i < n; i++ {
		h := query.Query(context.Background(), r, "k", g.fetch, query.Options{})
		assert.True(t, h.Snapshot().Loading())
		handles = append(handles, h)
	}
	g.open()

	ctx := waitCtx(t)
	for _, h := range handles {
		v, err := h.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "v", v)
		assert.Equal(t, cache.Miss, h.Snapshot().Freshness)
	}
	assert.EqualValues(t, 1, g.calls.Load())

	e, f := s.Get("ns", "k")
	assert.Equal(t, cache.Fresh, f)
	assert.Equal(t, []byte(`"v"`), e.Value)

	st := r.Stats()
	assert.EqualValues(t, n, st.Queries)
	assert.EqualValues(t, 1, st.Fetches)
}

func TestQuery_dedupRunsOneOfTwoFetchers(t *testing.T) {
	r, _ := newRunner(t, nil)
	ga, gb := newGate("a", nil), newGate("b", nil)

	ha := query.Query(context.Background(), r, "p", ga.fetch, query.Options{})
	defer ha.Close()
	hb := query.Query(context.Background(), r, "p", gb.fetch, query.Options{})
	defer hb.Close()
	ga.open()
	gb.open()

	ctx := waitCtx(t)
	va, err := ha.Wait(ctx)
	require.NoError(t, err)
	vb, err := hb.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, va, vb)
	assert.EqualValues(t, 1, ga.calls.Load()+gb.calls.Load())
	if ga.calls.Load() == 1 {
		assert.Equal(t, "a", va)
	} else {
		assert.Equal(t, "b", va)
	}
}

func TestQuery_concurrentDedup(t *testing.T) {
	r, _ := newRunner(t, nil)
	g := newGate(42, nil)

	var wg sync.WaitGroup
	started := make(chan struct{}, 20)
	results := make(chan int, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := query.Query(context.Background(), r, "k", g.fetch, query.Options{})
			started <- struct{}{}
			v, err := h.Wait(waitCtx(t))
			if err == nil {
				results <- v
			}
		}()
	}
	for i := 0; i < 20; i++ {
		<-started
	}
	g.open()
	wg.Wait()
	close(results)

	var got int
	for v := range results {
		assert.Equal(t, 42, v)
		got++
	}
	assert.Equal(t, 20, got)
	assert.EqualValues(t, 1, g.calls.Load())
}

func TestQuery_freshHit(t *testing.T) {
	r, s := newRunner(t, nil)
	s.Set("ns", "k", []byte(`"cached"`), time.Minute)

	h := query.Query(context.Background(), r, "k", mustNotFetch[string](t), query.Options{StaleWhileRevalidate: true})
	snap := h.Snapshot()
	assert.Equal(t, query.StatusSuccess, snap.Status)
	assert.Equal(t, "cached", snap.Data)
	assert.Equal(t, cache.Fresh, snap.Freshness)
	assert.EqualValues(t, 0, r.Stats().Fetches)
}

func TestQuery_staleWhileRevalidate(t *testing.T) {
	clock := cachetest.NewClock(time.Unix(1000, 0))
	r, s := newRunner(t, clock)
	s.Set("ns", "k", []byte(`"old"`), time.Second)
	clock.Advance(2 * time.Second)

	g := newGate("new", nil)
	h := query.Query(context.Background(), r, "k", g.fetch, query.Options{StaleWhileRevalidate: true})

	v, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "old", v)

	s1 := next(t, h)
	assert.Equal(t, query.StatusSuccess, s1.Status)
	assert.Equal(t, "old", s1.Data)
	assert.Equal(t, cache.Stale, s1.Freshness)

	s2 := next(t, h)
	assert.True(t, s2.Refreshing())
	assert.Equal(t, "old", s2.Data)

	g.open()
	s3 := next(t, h)
	assert.Equal(t, query.StatusSuccess, s3.Status)
	assert.Equal(t, "new", s3.Data)

	assert.EqualValues(t, 1, r.Stats().Revalidations)
	e, f := s.Get("ns", "k")
	assert.Equal(t, cache.Fresh, f)
	assert.Equal(t, []byte(`"new"`), e.Value)
}

func TestQuery_failedRevalidationKeepsValue(t *testing.T) {
	clock := cachetest.NewClock(time.Unix(1000, 0))
	r, s := newRunner(t, clock)
	s.Set("ns", "k", []byte(`"old"`), time.Second)
	clock.Advance(2 * time.Second)

	boom := errors.New("boom")
	h := query.Query(context.Background(), r, "k", func(context.Context) (string, error) {
		return "", boom
	}, query.Options{StaleWhileRevalidate: true})

	select {
	case err := <-h.Errors():
		var fe *query.FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "k", fe.Key)
		assert.ErrorIs(t, err, boom)
	case <-time.After(waitTimeout):
		t.Fatal("no revalidation error")
	}

	snap := h.Snapshot()
	assert.Equal(t, query.StatusSuccess, snap.Status)
	assert.Equal(t, "old", snap.Data)
	assert.NoError(t, snap.Err)

	e, f := s.Get("ns", "k")
	assert.Equal(t, cache.Stale, f)
	assert.Equal(t, []byte(`"old"`), e.Value)
}

func TestQuery_staleWithoutRevalidate(t *testing.T) {
	clock := cachetest.NewClock(time.Unix(1000, 0))
	r, s := newRunner(t, clock)
	s.Set("ns", "k", []byte(`"old"`), time.Second)
	clock.Advance(2 * time.Second)

	g := newGate("new", nil)
	h := query.Query(context.Background(), r, "k", g.fetch, query.Options{})
	snap := h.Snapshot()
	assert.True(t, snap.Loading())
	assert.True(t, snap.HasData)
	assert.Equal(t, "old", snap.Data)

	g.open()
	v, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "new", v)
}

func TestQuery_missError(t *testing.T) {
	r, s := newRunner(t, nil)
	boom := errors.New("boom")

	h := query.Query(context.Background(), r, "k", func(context.Context) (int, error) {
		return 0, boom
	}, query.Options{})
	_, err := h.Wait(waitCtx(t))
	require.ErrorIs(t, err, boom)

	snap := h.Snapshot()
	assert.Equal(t, query.StatusError, snap.Status)
	assert.False(t, snap.HasData)

	_, f := s.Get("ns", "k")
	assert.Equal(t, cache.Miss, f)
	assert.EqualValues(t, 1, r.Stats().FetchErrors)
}

func TestQuery_disabled(t *testing.T) {
	r, s := newRunner(t, nil)
	s.Set("ns", "k", []byte(`1`), time.Minute)

	h := query.Query(context.Background(), r, "k", mustNotFetch[int](t), query.Options{Disabled: true})
	assert.Equal(t, query.StatusIdle, h.Snapshot().Status)
	assert.False(t, h.Snapshot().HasData)

	_, err := h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, query.ErrDisabled)

	h.Refresh()
	assert.Equal(t, query.StatusIdle, h.Snapshot().Status)
	assert.EqualValues(t, 0, r.Stats().Queries)
}

func TestQuery_cancelDetaches(t *testing.T) {
	r, s := newRunner(t, nil)

	fetchErr := make(chan error, 1)
	release := make(chan struct{})
	fetcher := func(ctx context.Context) (string, error) {
		<-release
		fetchErr <- ctx.Err()
		return "v", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := query.Query(ctx, r, "k", fetcher, query.Options{})
	cancel()

	// Updates is closed after the handle is detached.
	for range h.Updates() {
	}
	_, err := h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	assert.NoError(t, <-fetchErr)
	assert.Eventually(t, func() bool {
		_, f := s.Get("ns", "k")
		return f == cache.Fresh
	}, waitTimeout, 5*time.Millisecond)
}

func TestQuery_refresh(t *testing.T) {
	r, s := newRunner(t, nil)
	s.Set("ns", "k", []byte(`"old"`), time.Minute)

	g := newGate("new", nil)
	h := query.Query(context.Background(), r, "k", g.fetch, query.Options{})
	require.Equal(t, query.StatusSuccess, next(t, h).Status)

	h.Refresh()
	snap := next(t, h)
	assert.True(t, snap.Refreshing())
	assert.Equal(t, "old", snap.Data)

	g.open()
	snap = next(t, h)
	assert.Equal(t, query.StatusSuccess, snap.Status)
	assert.Equal(t, "new", snap.Data)
	assert.EqualValues(t, 1, g.calls.Load())
}

func TestQuery_refreshFailureKeepsData(t *testing.T) {
	r, s := newRunner(t, nil)
	s.Set("ns", "k", []byte(`"old"`), time.Minute)

	boom := errors.New("boom")
	h := query.Query(context.Background(), r, "k", func(context.Context) (string, error) {
		return "", boom
	}, query.Options{})
	require.Equal(t, query.StatusSuccess, next(t, h).Status)

	h.Refresh()
	require.True(t, next(t, h).Refreshing())
	snap := next(t, h)
	assert.Equal(t, query.StatusError, snap.Status)
	assert.ErrorIs(t, snap.Err, boom)
	assert.True(t, snap.HasData)
	assert.Equal(t, "old", snap.Data)
}

func TestQuery_undecodableCacheIsMiss(t *testing.T) {
	r, s := newRunner(t, nil)
	s.Set("ns", "k", []byte(`not json`), time.Minute)

	v, snap, err := query.Get(waitCtx(t), r, "k", func(context.Context) (int, error) {
		return 7, nil
	}, query.Options{})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, cache.Miss, snap.Freshness)
	assert.EqualValues(t, 1, r.Stats().Fetches)
}

func TestQuery_fetcherPanics(t *testing.T) {
	r, _ := newRunner(t, nil)
	_, _, err := query.Get(waitCtx(t), r, "k", func(context.Context) (int, error) {
		panic("oops")
	}, query.Options{})

	var fe *query.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Error(), "oops")
}

func TestQuery_timeout(t *testing.T) {
	r, _ := newRunner(t, nil)
	_, _, err := query.Get(waitCtx(t), r, "k", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, query.Options{Timeout: 10 * time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQuery_invalidatedWhileFetching(t *testing.T) {
	r, s := newRunner(t, nil)
	g := newGate("v", nil)

	h := query.Query(context.Background(), r, "k", g.fetch, query.Options{})
	assert.Eventually(t, func() bool { return g.calls.Load() == 1 }, waitTimeout, time.Millisecond)
	r.InvalidateAll()
	g.open()

	// The caller still gets the value, the cache does not keep it.
	v, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	_, f := s.Get("ns", "k")
	assert.Equal(t, cache.Miss, f)
}

func TestQuery_metrics(t *testing.T) {
	s, err := cache.New(cache.Options{})
	require.NoError(t, err)
	defer s.Close()

	reg := prometheus.NewRegistry()
	r1, err := query.NewRunner(s, "a", query.RunnerOpts{MetricsReg: reg})
	require.NoError(t, err)
	r2, err := query.NewRunner(s, "b", query.RunnerOpts{MetricsReg: reg})
	require.NoError(t, err)

	f := func(context.Context) (int, error) { return 1, nil }
	for _, r := range []*query.Runner{r1, r2} {
		_, _, err := query.Get(waitCtx(t), r, "k", f, query.Options{})
		require.NoError(t, err)
	}

	n, err := testutil.GatherAndCount(reg, "query_fetches_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRetry(t *testing.T) {
	var calls atomic.Int32
	f := query.Retry(func(context.Context) (int, error) {
		if calls.Add(1) < 3 {
			return 0, errors.New("temporary")
		}
		return 3, nil
	}, backoff.WithBackOff(&backoff.ZeroBackOff{}))

	v, err := f(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRetry_permanent(t *testing.T) {
	var calls atomic.Int32
	notFound := errors.New("not found")
	f := query.Retry(func(context.Context) (int, error) {
		calls.Add(1)
		return 0, backoff.Permanent(notFound)
	}, backoff.WithBackOff(&backoff.ZeroBackOff{}))

	_, err := f(context.Background())
	assert.ErrorIs(t, err, notFound)
	assert.EqualValues(t, 1, calls.Load())
}

func TestHandle_waitSettled(t *testing.T) {
	clock := cachetest.NewClock(time.Unix(1000, 0))
	r, s := newRunner(t, clock)
	s.Set("ns", "k", []byte(`"old"`), time.Second)
	clock.Advance(2 * time.Second)

	g := newGate("new", nil)
	h := query.Query(context.Background(), r, "k", g.fetch, query.Options{StaleWhileRevalidate: true})
	defer h.Close()

	done := make(chan string, 1)
	go func() {
		v, _ := h.WaitSettled(waitCtx(t))
		done <- v
	}()
	select {
	case <-done:
		t.Fatal("WaitSettled returned during revalidation")
	case <-time.After(20 * time.Millisecond):
	}
	g.open()
	select {
	case v := <-done:
		assert.Equal(t, "new", v)
	case <-time.After(waitTimeout):
		t.Fatal("timeout")
	}
}

func TestHandle_close(t *testing.T) {
	r, _ := newRunner(t, nil)
	g := newGate(1, nil)
	h := query.Query(context.Background(), r, "k", g.fetch, query.Options{})
	h.Close()
	h.Close()

	_, err := h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, query.ErrHandleClosed)
	h.Refresh()
	assert.True(t, h.Snapshot().Loading())
	g.open()
}

// afterFuncCtx counts the functions registered by context.AfterFunc that
// have not run or been stopped.
type afterFuncCtx struct {
	context.Context
	active atomic.Int32
}

func (c *afterFuncCtx) AfterFunc(f func()) func() bool {
	c.active.Add(1)
	stop := context.AfterFunc(c.Context, func() {
		c.active.Add(-1)
		f()
	})
	return func() bool {
		ok := stop()
		if ok {
			c.active.Add(-1)
		}
		return ok
	}
}

func TestHandle_closeUnregistersFromContext(t *testing.T) {
	r, s := newRunner(t, nil)
	s.Set("ns", "k", []byte("1"), time.Minute)

	parent, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx := &afterFuncCtx{Context: parent}

	for i := 0; i < 100; i++ {
		h := query.Query[int](ctx, r, "k", mustNotFetch[int](t), query.Options{})
		v, err := h.Wait(waitCtx(t))
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		h.Close()
	}
	assert.EqualValues(t, 0, ctx.active.Load())

	h := query.Query[int](ctx, r, "k", mustNotFetch[int](t), query.Options{})
	assert.EqualValues(t, 1, ctx.active.Load())
	cancel()
	_, ok := <-h.Updates()
	for ok {
		_, ok = <-h.Updates()
	}
	assert.EqualValues(t, 0, ctx.active.Load())
}

func TestQuery_protoCodec(t *testing.T) {
	s, err := cache.New(cache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	r, err := query.NewRunner(s, "banners", query.RunnerOpts{Codec: codec.Proto})
	require.NoError(t, err)

	fetch := func(context.Context) (*wrapperspb.StringValue, error) {
		return wrapperspb.String("spring-sale"), nil
	}
	v, snap, err := query.Get(context.Background(), r, "home", fetch, query.Options{})
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, snap.Freshness)
	assert.True(t, proto.Equal(wrapperspb.String("spring-sale"), v))

	want, err := proto.Marshal(wrapperspb.String("spring-sale"))
	require.NoError(t, err)
	e, f := s.Get("banners", "home")
	require.Equal(t, cache.Fresh, f)
	assert.Equal(t, want, e.Value)

	v, snap, err = query.Get(context.Background(), r, "home", mustNotFetch[*wrapperspb.StringValue](t), query.Options{})
	require.NoError(t, err)
	assert.Equal(t, cache.Fresh, snap.Freshness)
	assert.Equal(t, "spring-sale", v.GetValue())
}
