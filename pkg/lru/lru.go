package lru

import (
	"fmt"

	"github.com/pmkol/qcache/pkg/list"
)

// LRU is a size bounded map that drops the least recently used key
// when a new key is added to a full LRU. Get and Add count as use, Peek does not.
// It is not safe for concurrent use.
type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	l *list.List[KV[K, V]]
	m map[K]*list.Elem[KV[K, V]]
}

type KV[K comparable, V any] struct {
	key K
	v   V
}

// NewLRU creates a LRU. onEvict is called for keys dropped for capacity only,
// not for Del or Clean.
func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("LRU: invalid max size: %d", maxSize))
	}

	return &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		l:       list.New[KV[K, V]](),
		m:       make(map[K]*list.Elem[KV[K, V]]),
	}
}

func (q *LRU[K, V]) Add(key K, v V) {
	if e, ok := q.m[key]; ok {
		e.Value.v = v
		q.l.MoveToBack(e)
		return
	}

	// Full. Reuse the oldest element.
	if q.l.Len() >= q.maxSize {
		e := q.l.Front()
		oldKey, oldV := e.Value.key, e.Value.v
		delete(q.m, oldKey)

		e.Value.key = key
		e.Value.v = v
		q.m[key] = e
		q.l.MoveToBack(e)

		if q.onEvict != nil {
			q.onEvict(oldKey, oldV)
		}
		return
	}

	e := list.NewElem(KV[K, V]{
		key: key,
		v:   v,
	})
	q.m[key] = e
	q.l.PushBack(e)
}

func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.l.MoveToBack(e)
	return e.Value.v, true
}

// Peek is like Get but does not update recency.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	return e.Value.v, true
}

func (q *LRU[K, V]) Del(key K) bool {
	e := q.m[key]
	if e == nil {
		return false
	}
	q.l.PopElem(e)
	delete(q.m, key)
	return true
}

// Clean removes every key that f returns true for.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	e := q.l.Front()
	for e != nil {
		next := e.Next()
		if f(e.Value.key, e.Value.v) {
			q.l.PopElem(e)
			delete(q.m, e.Value.key)
			removed++
		}
		e = next
	}
	return
}

func (q *LRU[K, V]) Len() int {
	return q.l.Len()
}
