package query

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/qcache/mlog"
	"github.com/pmkol/qcache/pkg/cache"
	"github.com/pmkol/qcache/pkg/codec"
	"github.com/pmkol/qcache/pkg/utils"
)

const defaultTTL = time.Minute

// Fetcher produces the value of a query. The context passed to it is not
// canceled when callers go away, only by Options.Timeout if set.
type Fetcher[T any] func(ctx context.Context) (T, error)

type Options struct {
	// TTL of the fetched value. Zero uses the Runner's DefaultTTL.
	TTL time.Duration

	// StaleWhileRevalidate serves a stale value immediately and refreshes
	// it in the background.
	StaleWhileRevalidate bool

	// Disabled short-circuits the query to StatusIdle with no cache lookup
	// and no fetch.
	Disabled bool

	// Timeout bounds each fetch. Zero means no timeout.
	Timeout time.Duration
}

type RunnerOpts struct {
	// Codec encodes values for the cache. Default is codec.JSON.
	Codec codec.Codec

	// DefaultTTL is used when Options.TTL is zero. Default is one minute.
	DefaultTTL time.Duration

	// Logger is the *zap.Logger for this Runner.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// MetricsReg registers the Runner metrics if not nil. Runners of
	// different namespaces can share one registerer.
	MetricsReg prometheus.Registerer
}

type Stats struct {
	Queries       uint64 `json:"queries"`
	Fetches       uint64 `json:"fetches"`
	FetchErrors   uint64 `json:"fetch_errors"`
	Revalidations uint64 `json:"revalidations"`
}

// Runner runs queries of one namespace of a cache.Store. Concurrent queries
// of the same key share one fetch.
type Runner struct {
	store     *cache.Store
	namespace string
	opts      RunnerOpts
	logger    *zap.Logger

	sf singleflight.Group

	metrics                                      *runnerMetrics
	queries, fetches, fetchErrors, revalidations atomic.Uint64
}

func NewRunner(store *cache.Store, namespace string, opts RunnerOpts) (*Runner, error) {
	if store == nil {
		return nil, errors.New("nil store")
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSON
	}
	utils.SetDefaultNum(&opts.DefaultTTL, defaultTTL)

	r := &Runner{
		store:     store,
		namespace: namespace,
		opts:      opts,
		logger:    mlog.OrNop(opts.Logger).With(zap.String("namespace", namespace)),
		metrics:   newRunnerMetrics(),
	}
	if opts.MetricsReg != nil {
		m, err := r.metrics.register(opts.MetricsReg)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics, %w", err)
		}
		r.metrics = m
	}
	return r, nil
}

func (r *Runner) Namespace() string {
	return r.namespace
}

func (r *Runner) Store() *cache.Store {
	return r.store
}

// Invalidate removes key of this namespace from the store.
func (r *Runner) Invalidate(key string) bool {
	return r.store.Invalidate(r.namespace, key)
}

// InvalidateAll removes every entry of this namespace from the store.
func (r *Runner) InvalidateAll() int {
	return r.store.InvalidateNamespace(r.namespace)
}

func (r *Runner) Stats() Stats {
	return Stats{
		Queries:       r.queries.Load(),
		Fetches:       r.fetches.Load(),
		FetchErrors:   r.fetchErrors.Load(),
		Revalidations: r.revalidations.Load(),
	}
}

// fetch starts a fetch of key, or attaches to the one already in flight.
// The fetch runs on its own goroutine with a context that keeps ctx's
// values but not its cancellation. A successful result is written to the
// store before it is delivered.
func (r *Runner) fetch(ctx context.Context, key string, ttl, timeout time.Duration, do func(ctx context.Context) ([]byte, error)) <-chan singleflight.Result {
	return r.sf.DoChan(key, func() (any, error) {
		r.fetches.Add(1)
		r.metrics.fetches.WithLabelValues(r.namespace).Inc()

		ticket := r.store.Ticket()
		fctx := context.WithoutCancel(ctx)
		if timeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, timeout)
			defer cancel()
		}

		b, err := do(fctx)
		if err != nil {
			r.fetchErrors.Add(1)
			r.metrics.fetchErrors.WithLabelValues(r.namespace).Inc()
			r.logger.Debug("fetch failed", zap.String("key", key), zap.Error(err))
			return nil, err
		}
		if !r.store.SetAt(r.namespace, key, b, ttl, ticket) {
			r.logger.Debug("fetch result is older than the cached value", zap.String("key", key))
		}
		return b, nil
	})
}

// encodeFetcher adapts f to the byte level fetch of the Runner.
func encodeFetcher[T any](r *Runner, key string, f Fetcher[T]) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) (b []byte, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = &FetchError{Namespace: r.namespace, Key: key, Err: fmt.Errorf("fetcher panicked: %v", p)}
			}
		}()

		v, err := f(ctx)
		if err != nil {
			return nil, &FetchError{Namespace: r.namespace, Key: key, Err: err}
		}
		b, err = r.opts.Codec.Marshal(v)
		if err != nil {
			return nil, &FetchError{Namespace: r.namespace, Key: key, Err: fmt.Errorf("encode value, %w", err)}
		}
		return b, nil
	}
}

func (r *Runner) ttl(opts Options) time.Duration {
	if opts.TTL > 0 {
		return opts.TTL
	}
	return r.opts.DefaultTTL
}

func (r *Runner) recordQuery() {
	r.queries.Add(1)
	r.metrics.queries.WithLabelValues(r.namespace).Inc()
}

func (r *Runner) recordRevalidation() {
	r.revalidations.Add(1)
	r.metrics.revalidations.WithLabelValues(r.namespace).Inc()
}
