// Package index implements append-only ordered structures over growing data:
// a chunked ordered index, an indexed tree and the line index built on top of it.
// All structures follow the single writer / many readers discipline.
package index

import (
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"logscope/internal/common"
)

const (
	DefaultStartChunk = 1024
	MaxChunk          = 1 << 20
)

// Ordered is an append-only, chunked array of non-decreasing integers.
// Chunks come from a pool and double in capacity (up to MaxChunk).
// Only the current chunk is mutable; sealed chunks never change and are read without locks.
type Ordered struct {
	pool       *common.Pool[int64]
	startChunk int

	mu     sync.RWMutex
	sealed [][]int64
	slabs  []*common.Slab[int64]
	cur    []int64
	curLen atomic.Int64 // filled part of cur

	length atomic.Int64
	last   int64 // writer only
}

// NewOrderedPool makes a pool that can serve all chunk sizes of an Ordered with the given start.
func NewOrderedPool(startChunk int) *common.Pool[int64] {
	return common.NewPool[int64](common.DoublingSizes(startChunk, max(startChunk, MaxChunk)))
}

func NewOrdered(pool *common.Pool[int64], startChunk int) *Ordered {
	if startChunk <= 0 {
		startChunk = DefaultStartChunk
	}
	if pool == nil {
		pool = NewOrderedPool(startChunk)
	}
	return &Ordered{pool: pool, startChunk: startChunk}
}

// Add appends v which must not be less than the last added value.
func (o *Ordered) Add(v int64) {
	n := o.length.Load()
	if n > 0 && v < o.last {
		panic(fmt.Sprintf("ordered index: %d added after %d", v, o.last))
	}

	cl := int(o.curLen.Load())
	if o.cur == nil || cl == len(o.cur) {
		o.grow()
		cl = 0
	}
	o.cur[cl] = v
	o.last = v
	o.curLen.Store(int64(cl + 1))
	o.length.Store(n + 1)
}

// grow seals the current chunk and publishes a fresh one.
func (o *Ordered) grow() {
	size := o.startChunk
	if o.cur != nil {
		size = min(len(o.cur)*2, max(o.startChunk, MaxChunk))
	}
	slab := o.pool.Get(size)

	o.mu.Lock()
	if o.cur != nil {
		o.sealed = append(o.sealed, o.cur)
	}
	o.slabs = append(o.slabs, slab)
	o.cur = slab.Buf[:size]
	o.curLen.Store(0)
	o.mu.Unlock()
}

func (o *Ordered) Len() int { return int(o.length.Load()) }

// Last returns the greatest value, ok is false for an empty index.
func (o *Ordered) Last() (v int64, ok bool) {
	sealed, tail := o.snapshot()
	switch {
	case len(tail) > 0:
		return tail[len(tail)-1], true
	case len(sealed) > 0: // a fresh chunk is not filled yet
		ch := sealed[len(sealed)-1]
		return ch[len(ch)-1], true
	default:
		return 0, false
	}
}

// snapshot captures sealed chunks and the filled part of the current chunk.
// The returned slices are safe to read without locks.
func (o *Ordered) snapshot() (sealed [][]int64, tail []int64) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.cur == nil {
		return nil, nil
	}
	return o.sealed, o.cur[:o.curLen.Load()]
}

// Seek positions a cursor at the first value >= v.
func (o *Ordered) Seek(v int64) *Cursor {
	sealed, tail := o.snapshot()
	c := &Cursor{sealed: sealed, tail: tail}

	// sealed chunks are full, compare against their max values
	c.ci = sort.Search(len(sealed), func(k int) bool { return sealed[k][len(sealed[k])-1] >= v })
	c.i, _ = slices.BinarySearch(c.chunk(), v)
	return c
}

// EnumerateFrom yields all values >= v in ascending order.
// Every range over the sequence takes a fresh snapshot.
func (o *Ordered) EnumerateFrom(v int64) iter.Seq[int64] {
	return func(yield func(int64) bool) {
		c := o.Seek(v)
		for {
			x, ok := c.Next()
			if !ok || !yield(x) {
				return
			}
		}
	}
}

// Release returns chunks to the pool; the index must not be used afterward.
func (o *Ordered) Release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.slabs {
		s.Close()
	}
	o.slabs, o.sealed, o.cur = nil, nil, nil
	o.curLen.Store(0)
}

// Cursor iterates a snapshot of an Ordered index.
type Cursor struct {
	sealed [][]int64
	tail   []int64
	ci, i  int
}

func (c *Cursor) chunk() []int64 {
	if c.ci < len(c.sealed) {
		return c.sealed[c.ci]
	}
	if c.ci == len(c.sealed) {
		return c.tail
	}
	return nil
}

func (c *Cursor) Next() (int64, bool) {
	for {
		ch := c.chunk()
		if ch == nil && c.ci > len(c.sealed) {
			return 0, false
		}
		if c.i < len(ch) {
			v := ch[c.i]
			c.i++
			return v, true
		}
		if c.ci >= len(c.sealed) {
			c.ci = len(c.sealed) + 1
			return 0, false
		}
		c.ci++
		c.i = 0
	}
}
