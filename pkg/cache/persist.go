package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxBatchSize = 64

type opKind uint8

const (
	opSet opKind = iota
	opDelete
	opDeletePrefix
	opBarrier
)

type persistOp struct {
	kind      opKind
	key       string // key, or prefix for opDeletePrefix
	value     string
	retention time.Duration
	done      chan struct{} // opBarrier
}

// persister applies backend writes on a single goroutine, so writes to the
// same key reach the backend in the order they were queued.
type persister struct {
	backend Backend
	timeout time.Duration
	logger  *zap.Logger
	onError func()

	mu     sync.RWMutex
	closed bool
	ops    chan persistOp
	done   chan struct{}

	// overflow keeps ops that did not fit in ops, in order. Once it is not
	// empty, new ops are appended to it until the run loop takes it.
	omu      sync.Mutex
	overflow []persistOp
	wake     chan struct{}
}

func newPersister(b Backend, queueSize int, timeout time.Duration, logger *zap.Logger, onError func()) *persister {
	p := &persister{
		backend: b,
		timeout: timeout,
		logger:  logger,
		onError: onError,
		ops:     make(chan persistOp, queueSize),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	go p.run()
	return p
}

// enqueue never blocks. If the queue is full, sets are dropped. Deletes
// are never dropped, a lost delete would let Load restore an invalidated
// entry.
func (p *persister) enqueue(op persistOp) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	p.omu.Lock()
	defer p.omu.Unlock()
	if len(p.overflow) == 0 {
		select {
		case p.ops <- op:
			return true
		default:
		}
	}
	if op.kind == opSet && len(p.overflow) >= cap(p.ops) {
		p.logger.Warn("persist queue is full, op dropped", zap.String("key", op.key))
		p.onError()
		return false
	}
	p.overflow = append(p.overflow, op)
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// sync blocks until every op queued before it is applied.
func (p *persister) sync(ctx context.Context) error {
	done := make(chan struct{})
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	p.omu.Lock()
	if len(p.overflow) > 0 {
		p.overflow = append(p.overflow, persistOp{kind: opBarrier, done: done})
		p.omu.Unlock()
		p.mu.RUnlock()
		select {
		case p.wake <- struct{}{}:
		default:
		}
		return p.waitBarrier(ctx, done)
	}
	p.omu.Unlock()
	select {
	case p.ops <- persistOp{kind: opBarrier, done: done}:
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	p.mu.RUnlock()
	return p.waitBarrier(ctx, done)
}

func (p *persister) waitBarrier(ctx context.Context, done chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close flushes queued ops and stops the goroutine.
func (p *persister) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ops)
	p.mu.Unlock()
	<-p.done
}

func (p *persister) run() {
	defer close(p.done)

	batch := make([]KV, 0, maxBatchSize)
	for {
		op, ok := p.next()
		if !ok {
			return
		}
		if op.kind != opSet {
			p.apply(op)
			continue
		}

		// Collect the sets that are already waiting. Stop at the first
		// non-set op to keep ordering.
		batch = append(batch[:0], KV{Key: op.key, Value: op.value, Retention: op.retention})
		var pending *persistOp
	collect:
		for len(batch) < maxBatchSize {
			select {
			case next, ok := <-p.ops:
				if !ok {
					break collect
				}
				if next.kind != opSet {
					pending = &next
					break collect
				}
				batch = append(batch, KV{Key: next.key, Value: next.value, Retention: next.retention})
			default:
				break collect
			}
		}
		p.storeBatch(batch)
		if pending != nil {
			p.apply(*pending)
		}
	}
}

// next returns the next op of the queue. Overflow ops are newer than
// every queued op, so they are applied once the queue is empty.
func (p *persister) next() (persistOp, bool) {
	for {
		select {
		case op, ok := <-p.ops:
			if ok {
				return op, true
			}
			for p.applyOverflow() {
			}
			return persistOp{}, false
		default:
		}

		if p.applyOverflow() {
			continue
		}
		select {
		case op, ok := <-p.ops:
			if ok {
				return op, true
			}
			for p.applyOverflow() {
			}
			return persistOp{}, false
		case <-p.wake:
		}
	}
}

// applyOverflow applies the overflow ops and reports whether there were
// any. New ops go to the queue again while they are applied.
func (p *persister) applyOverflow() bool {
	p.omu.Lock()
	ops := p.overflow
	p.overflow = nil
	p.omu.Unlock()
	for _, op := range ops {
		p.apply(op)
	}
	return len(ops) > 0
}

func (p *persister) apply(op persistOp) {
	switch op.kind {
	case opBarrier:
		close(op.done)
		return
	case opSet:
		p.storeBatch([]KV{{Key: op.key, Value: op.value, Retention: op.retention}})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	switch op.kind {
	case opDelete:
		p.check(p.backend.Delete(ctx, op.key), "delete", op.key)
	case opDeletePrefix:
		keys, err := p.backend.Keys(ctx, op.key)
		if err != nil {
			p.check(err, "list keys", op.key)
			return
		}
		for _, k := range keys {
			if err := p.backend.Delete(ctx, k); err != nil {
				p.check(err, "delete", k)
				return
			}
		}
	}
}

func (p *persister) storeBatch(b []KV) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if bs, ok := p.backend.(BatchSetter); ok && len(b) > 1 {
		p.check(bs.BatchSet(ctx, b), "batch set", b[0].Key)
		return
	}
	for _, kv := range b {
		p.check(p.backend.Set(ctx, kv.Key, kv.Value, kv.Retention), "set", kv.Key)
	}
}

func (p *persister) check(err error, op, key string) {
	if err == nil {
		return
	}
	p.onError()
	if errors.Is(err, ErrBackendUnavailable) {
		p.logger.Debug("backend unavailable", zap.String("op", op), zap.String("key", key))
		return
	}
	p.logger.Warn("failed to persist cache entry", zap.String("op", op), zap.String("key", key), zap.Error(err))
}
