// Package pool implements a mutex-guarded freelist.
//
// In contrast to sync.Pool objects survive GC, so a warmed up pool keeps the
// hot path allocation free.
package pool

import "sync"

// SlicePool hands out the most recently released object first.
type SlicePool[T any] struct {
	mu    sync.Mutex
	s     []T
	limit int // 0 - без ограничения
}

// NewSlicePoolSize preallocates room for size objects. The pool still grows
// past size.
func NewSlicePoolSize[T any](size int) *SlicePool[T] {
	return &SlicePool[T]{s: make([]T, 0, size)}
}

// NewBoundedSlicePool keeps at most limit objects, extra releases are
// dropped for GC.
func NewBoundedSlicePool[T any](limit int) *SlicePool[T] {
	if limit < 1 {
		panic("assertion error: limit < 1")
	}
	return &SlicePool[T]{s: make([]T, 0, limit), limit: limit}
}

func (p *SlicePool[T]) Acquire() (v T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := len(p.s)
	if l == 0 {
		return v, false
	}

	v = p.s[l-1]
	var zero T
	p.s[l-1] = zero
	p.s = p.s[:l-1]
	return v, true
}

// Release returns v to the pool. It reports false if v was dropped.
func (p *SlicePool[T]) Release(v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.limit > 0 && len(p.s) >= p.limit {
		return false
	}
	p.s = append(p.s, v)
	return true
}

// Len returns the number of idle objects.
func (p *SlicePool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.s)
}
