// Package common provides shared utilities and data structures for the application.
package common

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Pool maintains a pool of slices of predefined sizes
// to reduce memory allocations and GC pressure.
// A pool is owned by a single session (a document or a search) and passed explicitly.
type Pool[T any] struct {
	pools  map[int]*sync.Pool
	sizes  []int
	rented atomic.Int64
}

// Slab is a rented slice. Ownership moves together with the slab,
// the last owner must Close it exactly once.
type Slab[T any] struct {
	pool *Pool[T]
	Buf  []T
}

type (
	BufferPool = Pool[byte]
	Buffer     = Slab[byte]
)

// Close puts the Buf back to the pool
func (b *Slab[T]) Close() {
	if b.Buf == nil {
		panic("slab is released twice")
	}
	b.pool.rented.Add(-1)
	b.pool.Put(b.Buf)
	b.Buf = nil
}

// NewPool creates a new pool with the given slice sizes (ascending).
// Each size will have its own sync.Pool instance.
func NewPool[T any](sizes []int) *Pool[T] {
	pools := make(map[int]*sync.Pool, len(sizes))
	for _, sz := range sizes {
		pools[sz] = &sync.Pool{
			New: func() interface{} {
				return make([]T, sz)
			},
		}
	}
	return &Pool[T]{pools: pools, sizes: sizes}
}

func NewBufferPool(sizes []int) *BufferPool { return NewPool[byte](sizes) }

// DoublingSizes returns from, 2*from, 4*from... up to max inclusive.
func DoublingSizes(from, max int) []int {
	if from <= 0 || max < from {
		panic(fmt.Sprintf("invalid pool sizes: %d..%d", from, max))
	}
	var sizes []int
	for sz := from; sz <= max; sz *= 2 {
		sizes = append(sizes, sz)
	}
	return sizes
}

// Get returns a slab with len(Buf) >= minSize.
// If no suitable size is configured, a new slice of exactly minSize is allocated.
func (bp *Pool[T]) Get(minSize int) *Slab[T] {
	bp.rented.Add(1)
	for _, sz := range bp.sizes {
		if sz >= minSize {
			return &Slab[T]{Buf: bp.pools[sz].Get().([]T), pool: bp}
		}
	}
	// fallback: exact size
	return &Slab[T]{Buf: make([]T, minSize), pool: bp}
}

// Rented is the number of slabs that are not closed yet.
func (bp *Pool[T]) Rented() int64 { return bp.rented.Load() }

// Put returns a slice to the pool if its capacity matches one of the predefined sizes.
// Slices with non-matching sizes are discarded.
func (bp *Pool[T]) Put(buf []T) {
	capBuf := cap(buf)
	for _, sz := range bp.sizes {
		if sz == capBuf {
			bp.pools[sz].Put(buf[:sz])
			return
		}
	}
}
