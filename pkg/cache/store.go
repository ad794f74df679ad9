package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/qcache/mlog"
	"github.com/pmkol/qcache/pkg/lru"
	"github.com/pmkol/qcache/pkg/utils"
)

const (
	defaultMaxEntries      = 10240
	defaultCleanerInterval = time.Minute
	defaultPersistQueue    = 1024
	defaultPersistTimeout  = time.Second
	defaultKeyPrefix       = "qcache:"
)

type Options struct {
	// MaxEntries bounds the number of entries kept in memory.
	// The least recently read entry is evicted first. Default is 10240.
	MaxEntries int

	// StaleWindow is how long an entry is still served as stale after its
	// TTL. Zero keeps stale entries until they are evicted or invalidated.
	StaleWindow time.Duration

	// CleanerInterval is the interval of the goroutine that drops entries
	// beyond StaleWindow. Only used if StaleWindow > 0.
	// Default is one minute. Negative value disables the cleaner.
	CleanerInterval time.Duration

	// Backend persists entries. Optional.
	Backend Backend

	// KeyPrefix is prepended to every backend key. Default is "qcache:".
	KeyPrefix string

	// PersistQueue is the size of the backend write queue. Default is 1024.
	PersistQueue int

	// PersistTimeout is the timeout of each backend operation. Default is 1s.
	PersistTimeout time.Duration

	// Compress compresses persisted values with snappy.
	Compress bool

	// Logger is the *zap.Logger for this Store.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// MetricsReg registers the Store metrics if not nil.
	MetricsReg prometheus.Registerer

	// Now is the clock of the Store. Default is time.Now.
	Now func() time.Time
}

func (opts *Options) init() {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	utils.SetDefaultNum(&opts.CleanerInterval, defaultCleanerInterval)
	utils.SetDefaultNum(&opts.PersistQueue, defaultPersistQueue)
	utils.SetDefaultNum(&opts.PersistTimeout, defaultPersistTimeout)
	if len(opts.KeyPrefix) == 0 {
		opts.KeyPrefix = defaultKeyPrefix
	}
	opts.Logger = mlog.OrNop(opts.Logger)
	if opts.Now == nil {
		opts.Now = time.Now
	}
}

type Stats struct {
	Entries       int    `json:"entries"`
	Fresh         uint64 `json:"fresh"`
	Stale         uint64 `json:"stale"`
	Miss          uint64 `json:"miss"`
	Evictions     uint64 `json:"evictions"`
	Discarded     uint64 `json:"discarded"`
	PersistErrors uint64 `json:"persist_errors"`
}

// Store is a namespaced in-memory cache with per entry TTL and optional
// best effort persistence. It is safe for concurrent use.
type Store struct {
	opts Options
	now  func() time.Time

	closed           uint32
	closeCleanerChan chan struct{}
	cleanerDone      chan struct{}

	mu     sync.Mutex
	lru    *lru.LRU[string, *Entry]
	floors map[string]uint64 // namespace -> ticket of its last InvalidateNamespace

	seq       atomic.Uint64
	persister *persister

	metrics                                                   *storeMetrics
	fresh, stale, miss, evictions, discarded, persistFailures atomic.Uint64
}

func New(opts Options) (*Store, error) {
	opts.init()
	s := &Store{
		opts:             opts,
		now:              opts.Now,
		closeCleanerChan: make(chan struct{}),
		cleanerDone:      make(chan struct{}),
		floors:           make(map[string]uint64),
	}
	s.lru = lru.NewLRU[string, *Entry](opts.MaxEntries, s.onEvict)
	s.metrics = newStoreMetrics(func() float64 { return float64(s.Len()) })
	if opts.MetricsReg != nil {
		if err := s.metrics.register(opts.MetricsReg); err != nil {
			return nil, fmt.Errorf("failed to register metrics, %w", err)
		}
	}

	if opts.Backend != nil {
		s.persister = newPersister(opts.Backend, opts.PersistQueue, opts.PersistTimeout, opts.Logger, s.onPersistError)
	}

	if opts.StaleWindow > 0 && opts.CleanerInterval > 0 {
		go s.startCleaner(opts.CleanerInterval)
	} else {
		close(s.cleanerDone)
	}
	return s, nil
}

func storeKey(ns, key string) string {
	return ns + "\x00" + key
}

func (s *Store) isClosed() bool {
	return atomic.LoadUint32(&s.closed) != 0
}

// Ticket returns a new write ticket. Tickets increase monotonically.
// A caller that takes a ticket before starting a fetch and stores the
// result with SetAt never overwrites the result of a fetch started later.
func (s *Store) Ticket() uint64 {
	return s.seq.Add(1)
}

// Get returns the entry of (ns, key) and its freshness.
// Entry is zero if freshness is Miss.
func (s *Store) Get(ns, key string) (Entry, Freshness) {
	if s.isClosed() {
		return Entry{}, Miss
	}

	now := s.now()
	k := storeKey(ns, key)

	s.mu.Lock()
	e, ok := s.lru.Get(k)
	if !ok {
		s.mu.Unlock()
		s.recordLookup(Miss)
		return Entry{}, Miss
	}
	f := e.freshness(now, s.opts.StaleWindow)
	if f == Miss {
		s.lru.Del(k)
		s.persistDelete(e)
		s.mu.Unlock()
		s.recordLookup(Miss)
		return Entry{}, Miss
	}
	e.AccessedAt = now
	out := *e
	s.mu.Unlock()

	s.recordLookup(f)
	return out, f
}

// Set stores value under (ns, key), replacing any existing entry.
func (s *Store) Set(ns, key string, value []byte, ttl time.Duration) {
	s.SetAt(ns, key, value, ttl, s.Ticket())
}

// SetAt is like Set but the write is discarded if the current entry was
// written with a newer ticket, or if ns was invalidated after ticket was
// issued. It reports whether the write was applied.
func (s *Store) SetAt(ns, key string, value []byte, ttl time.Duration, ticket uint64) bool {
	if s.isClosed() {
		return false
	}

	buf := make([]byte, len(value))
	copy(buf, value)
	now := s.now()
	e := &Entry{
		Namespace:  ns,
		Key:        key,
		Value:      buf,
		StoredAt:   now,
		TTL:        ttl,
		AccessedAt: now,
		Seq:        ticket,
	}
	var record string
	if s.persister != nil {
		record = encodeRecord(e, s.opts.Compress)
	}

	k := storeKey(ns, key)
	s.mu.Lock()
	if ticket < s.floors[ns] {
		s.mu.Unlock()
		s.recordDiscard()
		return false
	}
	if old, ok := s.lru.Peek(k); ok && old.Seq > ticket {
		s.mu.Unlock()
		s.recordDiscard()
		return false
	}
	s.lru.Add(k, e)
	if s.persister != nil {
		s.persister.enqueue(persistOp{
			kind:      opSet,
			key:       backendKey(s.opts.KeyPrefix, ns, key),
			value:     record,
			retention: s.retention(ttl),
		})
	}
	s.mu.Unlock()
	return true
}

// Invalidate removes (ns, key). It reports whether the entry was in memory.
func (s *Store) Invalidate(ns, key string) bool {
	if s.isClosed() {
		return false
	}
	s.mu.Lock()
	ok := s.lru.Del(storeKey(ns, key))
	s.persistDelete(&Entry{Namespace: ns, Key: key})
	s.mu.Unlock()
	return ok
}

// InvalidateNamespace removes all entries of ns and returns the number of
// entries removed from memory. Writes with a ticket issued before the call
// are discarded afterwards.
func (s *Store) InvalidateNamespace(ns string) int {
	if s.isClosed() {
		return 0
	}
	floor := s.Ticket()

	s.mu.Lock()
	s.floors[ns] = floor
	removed := s.lru.Clean(func(_ string, e *Entry) bool {
		return e.Namespace == ns
	})
	if s.persister != nil {
		s.persister.enqueue(persistOp{kind: opDeletePrefix, key: namespacePrefix(s.opts.KeyPrefix, ns)})
	}
	s.mu.Unlock()

	s.opts.Logger.Debug("namespace invalidated", zap.String("namespace", ns), zap.Int("removed", removed))
	return removed
}

// Load restores persisted entries from the backend. Records that cannot be
// decoded or are already beyond StaleWindow are dropped and deleted from
// the backend. Entries that are already in memory are kept.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.persister == nil || s.isClosed() {
		return 0, nil
	}

	b := s.opts.Backend
	keys, err := b.Keys(ctx, s.opts.KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list persisted keys, %w", err)
	}

	now := s.now()
	entries := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		v, ok, err := b.Get(ctx, k)
		if err != nil {
			s.opts.Logger.Warn("failed to read persisted entry", zap.String("key", k), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		e, err := decodeRecord(v)
		if err == nil && backendKey(s.opts.KeyPrefix, e.Namespace, e.Key) != k {
			err = fmt.Errorf("%w: key mismatch", ErrCorruptRecord)
		}
		if err != nil {
			s.opts.Logger.Debug("dropping persisted entry", zap.String("key", k), zap.Error(err))
			s.persister.enqueue(persistOp{kind: opDelete, key: k})
			continue
		}
		if e.freshness(now, s.opts.StaleWindow) == Miss {
			s.persister.enqueue(persistOp{kind: opDelete, key: k})
			continue
		}
		e.AccessedAt = e.StoredAt
		entries = append(entries, e)
	}

	// Oldest first, so the LRU order follows the write order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StoredAt.Before(entries[j].StoredAt)
	})

	n := 0
	s.mu.Lock()
	for _, e := range entries {
		k := storeKey(e.Namespace, e.Key)
		if _, ok := s.lru.Peek(k); ok {
			continue
		}
		if s.floors[e.Namespace] > 0 {
			continue
		}
		s.lru.Add(k, e)
		n++
	}
	s.mu.Unlock()

	s.opts.Logger.Info("cache entries restored", zap.Int("restored", n), zap.Int("persisted", len(keys)))
	return n, nil
}

// Sync waits until all backend writes queued so far are applied.
func (s *Store) Sync(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	return s.persister.sync(ctx)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

func (s *Store) Stats() Stats {
	return Stats{
		Entries:       s.Len(),
		Fresh:         s.fresh.Load(),
		Stale:         s.stale.Load(),
		Miss:          s.miss.Load(),
		Evictions:     s.evictions.Load(),
		Discarded:     s.discarded.Load(),
		PersistErrors: s.persistFailures.Load(),
	}
}

// Close stops the cleaner, flushes queued backend writes and closes the
// backend. Close is safe to call multiple times.
func (s *Store) Close() error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return nil
	}
	close(s.closeCleanerChan)
	<-s.cleanerDone

	if s.persister != nil {
		s.persister.close()
		return s.opts.Backend.Close()
	}
	return nil
}

func (s *Store) startCleaner(interval time.Duration) {
	defer close(s.cleanerDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCleanerChan:
			return
		case <-ticker.C:
			if n := s.cleanExpired(); n > 0 {
				s.opts.Logger.Debug("expired entries removed", zap.Int("removed", n))
			}
		}
	}
}

func (s *Store) cleanExpired() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Clean(func(_ string, e *Entry) bool {
		if e.freshness(now, s.opts.StaleWindow) != Miss {
			return false
		}
		s.persistDelete(e)
		return true
	})
}

// onEvict is called with s.mu held.
func (s *Store) onEvict(_ string, e *Entry) {
	s.evictions.Add(1)
	s.metrics.evictions.Inc()
	s.persistDelete(e)
}

// persistDelete must be called with s.mu held.
func (s *Store) persistDelete(e *Entry) {
	if s.persister == nil {
		return
	}
	s.persister.enqueue(persistOp{kind: opDelete, key: backendKey(s.opts.KeyPrefix, e.Namespace, e.Key)})
}

func (s *Store) retention(ttl time.Duration) time.Duration {
	if s.opts.StaleWindow > 0 {
		return ttl + s.opts.StaleWindow
	}
	return 0
}

func (s *Store) recordLookup(f Freshness) {
	switch f {
	case Fresh:
		s.fresh.Add(1)
	case Stale:
		s.stale.Add(1)
	default:
		s.miss.Add(1)
	}
	s.metrics.lookups.WithLabelValues(f.String()).Inc()
}

func (s *Store) recordDiscard() {
	s.discarded.Add(1)
	s.metrics.discarded.Inc()
}

func (s *Store) onPersistError() {
	s.persistFailures.Add(1)
	s.metrics.persistErrors.Inc()
}
