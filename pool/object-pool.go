package pool

import (
	"sync"

	"github.com/gammazero/deque"
)

const DefaultMaxRetained = 4096

type Stats struct {
	Created  uint64
	Reused   uint64
	Returned uint64
	Dropped  uint64
	Idle     int
}

// ObjectPool recycles pointers to short lived values such as trades and deltas.
// Unlike sync.Pool it keeps its free list across GC cycles and reports stats.
// Callers must not touch an item after Return.
type ObjectPool[T any] struct {
	newFn       func() *T
	resetFn     func(*T)
	maxRetained int

	mu    sync.Mutex
	free  deque.Deque[*T]
	stats Stats
}

// New builds a pool. A nil newFn allocates zero values, a nil resetFn zeroes the item.
func New[T any](newFn func() *T, resetFn func(*T), maxRetained int) *ObjectPool[T] {
	if newFn == nil {
		newFn = func() *T { return new(T) }
	}
	if resetFn == nil {
		resetFn = func(item *T) {
			var zero T
			*item = zero
		}
	}
	if maxRetained <= 0 {
		maxRetained = DefaultMaxRetained
	}
	return &ObjectPool[T]{
		newFn:       newFn,
		resetFn:     resetFn,
		maxRetained: maxRetained,
	}
}

func (p *ObjectPool[T]) Get() *T {
	p.mu.Lock()
	if p.free.Len() > 0 {
		item := p.free.PopBack()
		p.stats.Reused++
		p.mu.Unlock()
		return item
	}
	p.stats.Created++
	p.mu.Unlock()
	return p.newFn()
}

// Return resets item and keeps it for reuse, or drops it when the free list is full.
func (p *ObjectPool[T]) Return(item *T) {
	if item == nil {
		return
	}
	p.resetFn(item)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Returned++
	if p.free.Len() >= p.maxRetained {
		p.stats.Dropped++
		return
	}
	p.free.PushBack(item)
}

func (p *ObjectPool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Idle = p.free.Len()
	return s
}
