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
	DefaultLeafCap = 1024
	LineLeafCap    = 64 * 1024
	DefaultFanout  = 64
)

type kind uint8

const (
	leafKind kind = iota
	nodeKind
)

// ref is a tagged reference into one of the tree arenas.
type ref struct {
	kind kind
	idx  int32
}

type leaf struct {
	minIndex int // absolute position of values[0]
	first    int64
	values   []int64 // fixed capacity, filled up to the tree length
	slab     *common.Slab[int64]
	next     int32 // -1 until the following leaf exists
}

type node struct {
	level      int // 0 holds leaves
	minIndex   int
	firstValue int64
	children   []ref // capacity is the tree fanout
}

// Tree is an append-only sequence of non-decreasing values
// that can be sought both by position and by value in O(log n).
// Leaves have a fixed capacity and are chained; nodes index leaves by their
// first position and first value. Full nodes get a sibling and, when the root
// overflows, a new root is put on top: the tree grows upward, never rebalances.
type Tree struct {
	leafCap, fanout int
	pool            *common.Pool[int64]

	mu     sync.RWMutex // guards arenas and node children
	leaves []leaf
	nodes  []node
	tips   []int32 // rightmost node per level
	root   ref

	length atomic.Int64
	last   int64 // writer only
}

func NewTree(leafCap, fanout int) *Tree {
	if leafCap <= 0 {
		leafCap = DefaultLeafCap
	}
	if fanout < 2 {
		fanout = DefaultFanout
	}
	return &Tree{
		leafCap: leafCap,
		fanout:  fanout,
		pool:    common.NewPool[int64]([]int{leafCap}),
	}
}

func (t *Tree) Len() int { return int(t.length.Load()) }

// Add appends v which must not be less than the last added value.
func (t *Tree) Add(v int64) {
	n := int(t.length.Load())
	if n > 0 && v < t.last {
		panic(fmt.Sprintf("indexed tree: %d added after %d", v, t.last))
	}
	if n%t.leafCap == 0 {
		t.addLeaf(n, v)
	}
	lf := &t.leaves[len(t.leaves)-1]
	lf.values[n-lf.minIndex] = v
	t.last = v
	t.length.Store(int64(n + 1))
}

func (t *Tree) addLeaf(minIndex int, first int64) {
	slab := t.pool.Get(t.leafCap)

	t.mu.Lock()
	defer t.mu.Unlock()

	id := int32(len(t.leaves))
	if id > 0 {
		t.leaves[id-1].next = id
	}
	t.leaves = append(
		t.leaves, leaf{
			minIndex: minIndex,
			first:    first,
			values:   slab.Buf[:t.leafCap],
			slab:     slab,
			next:     -1,
		},
	)
	t.attach(ref{leafKind, id}, 0, minIndex, first)
}

// attach appends r to the rightmost node at the level.
func (t *Tree) attach(r ref, level, minIndex int, first int64) {
	if level == len(t.tips) {
		// the very first leaf
		id := t.newNode(level, minIndex, first, r)
		t.tips = append(t.tips, id)
		t.root = ref{nodeKind, id}
		return
	}

	tip := &t.nodes[t.tips[level]]
	if len(tip.children) < t.fanout {
		tip.children = append(tip.children, r)
		return
	}

	// the tip is full: open a sibling and link it one level up
	sibling := t.newNode(level, minIndex, first, r)
	t.tips[level] = sibling
	if level+1 == len(t.tips) {
		old := t.nodes[t.root.idx]
		top := t.newNode(level+1, old.minIndex, old.firstValue, t.root)
		t.tips = append(t.tips, top)
		t.root = ref{nodeKind, top}
	}
	t.attach(ref{nodeKind, sibling}, level+1, minIndex, first)
}

func (t *Tree) newNode(level, minIndex int, first int64, child ref) int32 {
	children := make([]ref, 1, t.fanout)
	children[0] = child
	t.nodes = append(
		t.nodes, node{
			level:      level,
			minIndex:   minIndex,
			firstValue: first,
			children:   children,
		},
	)
	return int32(len(t.nodes) - 1)
}

func (t *Tree) minIndex(r ref) int {
	if r.kind == leafKind {
		return t.leaves[r.idx].minIndex
	}
	return t.nodes[r.idx].minIndex
}

func (t *Tree) firstValue(r ref) int64 {
	if r.kind == leafKind {
		return t.leaves[r.idx].first
	}
	return t.nodes[r.idx].firstValue
}

// view is a consistent snapshot for lock-free walking of leaves.
type view struct {
	leaves []leaf
	n      int
}

// leafByIndex descends to the leaf that holds position i (i < n). Must hold the read lock.
func (t *Tree) leafByIndex(i int) int32 {
	r := t.root
	for r.kind == nodeKind {
		children := t.nodes[r.idx].children
		k := sort.Search(len(children), func(j int) bool { return t.minIndex(children[j]) > i }) - 1
		r = children[k]
	}
	return r.idx
}

// leafByValue descends to the last visible leaf whose first value is below v
// (or the first leaf). Must hold the read lock.
func (t *Tree) leafByValue(v int64, n int) int32 {
	r := t.root
	for r.kind == nodeKind {
		children := t.nodes[r.idx].children
		visible := sort.Search(len(children), func(j int) bool { return t.minIndex(children[j]) >= n })
		k := sort.Search(visible, func(j int) bool { return t.firstValue(children[j]) >= v }) - 1
		r = children[max(k, 0)]
	}
	return r.idx
}

// At returns the value at position i; i must be below Len.
func (t *Tree) At(i int) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := int(t.length.Load())
	if i < 0 || i >= n {
		panic(fmt.Sprintf("indexed tree: position %d out of range [0,%d)", i, n))
	}
	lf := &t.leaves[t.leafByIndex(i)]
	return lf.values[i-lf.minIndex]
}

// FindByValue returns the first position whose value is >= v.
// ok is false when all values are below v (pos is then Len).
func (t *Tree) FindByValue(v int64) (pos int, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := int(t.length.Load())
	pos, _ = t.findByValue(v, n)
	return pos, pos < n
}

func (t *Tree) findByValue(v int64, n int) (pos int, li int32) {
	if n == 0 {
		return 0, -1
	}
	li = t.leafByValue(v, n)
	lf := &t.leaves[li]
	visible := min(t.leafCap, n-lf.minIndex)
	p, _ := slices.BinarySearch(lf.values[:visible], v)
	return lf.minIndex + p, li
}

// EnumerateFromIndex yields values from position i onward.
func (t *Tree) EnumerateFromIndex(i int) iter.Seq[int64] {
	return func(yield func(int64) bool) {
		t.mu.RLock()
		vw := view{leaves: t.leaves, n: int(t.length.Load())}
		if i < 0 || i >= vw.n {
			t.mu.RUnlock()
			return
		}
		li := t.leafByIndex(i)
		t.mu.RUnlock()

		vw.walk(li, i, func(_ int, v int64) bool { return yield(v) })
	}
}

// EnumerateFromValue yields (position, value) pairs starting at the first value >= v.
func (t *Tree) EnumerateFromValue(v int64) iter.Seq2[int, int64] {
	return func(yield func(int, int64) bool) {
		t.mu.RLock()
		vw := view{leaves: t.leaves, n: int(t.length.Load())}
		pos, li := t.findByValue(v, vw.n)
		t.mu.RUnlock()
		if pos >= vw.n {
			return
		}
		// pos may point past li: walk follows the chain

		vw.walk(li, pos, yield)
	}
}

// walk follows the leaf chain from position pos of leaf li up to the snapshot length.
func (vw view) walk(li int32, pos int, yield func(int, int64) bool) {
	for pos < vw.n {
		lf := &vw.leaves[li]
		off := pos - lf.minIndex
		if off >= len(lf.values) {
			li = lf.next
			continue
		}
		if !yield(pos, lf.values[off]) {
			return
		}
		pos++
	}
}

// Release returns leaves to the pool; the tree must not be used afterward.
// Snapshots share the leaf array, so it is dropped but never written.
func (t *Tree) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.leaves {
		t.leaves[i].slab.Close()
	}
	t.leaves, t.nodes, t.tips = nil, nil, nil
	t.length.Store(0)
}
