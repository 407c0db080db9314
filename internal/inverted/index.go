package inverted

import (
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"logscope/internal/common"
	"logscope/internal/index"
)

// Granularity is the number of insertions between two count snapshots.
const Granularity = 16384

// Snapshot is a point-in-time record of per-key counts. Never modified once published.
type Snapshot struct {
	Inserted int64   // total insertions so far
	NextLine int64   // every line inserted before the snapshot is below it, every later one is not
	Counts   []int64 // by KeyID; ids beyond len had no lines yet
}

// KeyCount describes one key known to an index.
type KeyCount struct {
	ID    KeyID
	Key   Key
	Count int
}

// Index maps keys to ordered line numbers. Lines must be added in ascending order
// by a single writer; readers may query concurrently.
type Index struct {
	dict *Dictionary
	pool *common.Pool[int64]

	mu       sync.RWMutex // guards the postings slice
	postings []*index.Ordered

	keyOf *column // primary index only

	snapshots atomic.Pointer[[]Snapshot]
	inserted  atomic.Int64
	finalized atomic.Bool

	// writer only
	counts   []int64
	log      []Snapshot
	nextLine int64
	granule  int64
}

// NewIndex makes a primary index that also remembers the key of every line,
// so lines must be dense: 0, 1, 2...
func NewIndex(dict *Dictionary, pool *common.Pool[int64]) *Index {
	ix := newIndex(dict, pool)
	ix.keyOf = &column{}
	return ix
}

// Derive makes a secondary index sharing the dictionary, e.g. for search results.
// Its lines may have gaps.
func (ix *Index) Derive() *Index {
	return newIndex(ix.dict, ix.pool)
}

func newIndex(dict *Dictionary, pool *common.Pool[int64]) *Index {
	if pool == nil {
		pool = index.NewOrderedPool(index.DefaultStartChunk)
	}
	ix := &Index{dict: dict, pool: pool, granule: Granularity}
	ix.snapshots.Store(&[]Snapshot{})
	return ix
}

func (ix *Index) Dictionary() *Dictionary { return ix.dict }

// AddKey interns the key view (copying it on first sight) and adds the line under it.
func (ix *Index) AddKey(view []byte, line int64) KeyID {
	id := ix.dict.Intern(view)
	ix.Add(id, line)
	return id
}

// Add puts line under the key; line must be greater than any line added before.
func (ix *Index) Add(id KeyID, line int64) {
	if line < ix.nextLine {
		panic(fmt.Sprintf("inverted index: line %d added after %d", line, ix.nextLine-1))
	}
	if ix.finalized.Load() {
		panic("inverted index: add after finalize")
	}
	if ix.keyOf != nil {
		if int64(ix.keyOf.len()) != line {
			panic(fmt.Sprintf("inverted index: line %d is not dense (expected %d)", line, ix.keyOf.len()))
		}
		ix.keyOf.append(id)
	}

	if int(id) >= len(ix.counts) {
		ix.counts = append(ix.counts, make([]int64, int(id)+1-len(ix.counts))...)
	}
	p := ix.posting(id)
	if p == nil {
		p = index.NewOrdered(ix.pool, index.DefaultStartChunk)
		ix.mu.Lock()
		if int(id) >= len(ix.postings) {
			ix.postings = append(ix.postings, make([]*index.Ordered, int(id)+1-len(ix.postings))...)
		}
		ix.postings[id] = p
		ix.mu.Unlock()
	}
	p.Add(line)
	ix.counts[id]++
	ix.nextLine = line + 1

	if n := ix.inserted.Add(1); n%ix.granule == 0 {
		ix.snapshot()
	}
}

// Finalize takes the last snapshot; no lines can be added afterward.
func (ix *Index) Finalize() {
	if ix.finalized.Load() {
		return
	}
	if n := len(ix.log); n == 0 || ix.log[n-1].Inserted != ix.inserted.Load() {
		ix.snapshot()
	}
	ix.finalized.Store(true)
}

func (ix *Index) Finalized() bool { return ix.finalized.Load() }

func (ix *Index) snapshot() {
	ix.log = append(
		ix.log, Snapshot{
			Inserted: ix.inserted.Load(),
			NextLine: ix.nextLine,
			Counts:   slices.Clone(ix.counts),
		},
	)
	published := ix.log[:len(ix.log):len(ix.log)]
	ix.snapshots.Store(&published)
}

// Snapshots returns the published snapshot log, oldest first.
func (ix *Index) Snapshots() []Snapshot { return *ix.snapshots.Load() }

// Len is the number of inserted lines.
func (ix *Index) Len() int { return int(ix.inserted.Load()) }

func (ix *Index) posting(id KeyID) *index.Ordered {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if int(id) >= len(ix.postings) {
		return nil
	}
	return ix.postings[id]
}

// allPostings is a copy of the postings list; entries may be nil.
func (ix *Index) allPostings() []*index.Ordered {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Clone(ix.postings)
}

// Count is the number of lines under the key.
func (ix *Index) Count(id KeyID) int {
	if p := ix.posting(id); p != nil {
		return p.Len()
	}
	return 0
}

// Lines yields the lines of one key starting from line `from`.
func (ix *Index) Lines(id KeyID, from int64) iter.Seq[int64] {
	if p := ix.posting(id); p != nil {
		return p.EnumerateFrom(from)
	}
	return common.Empty[int64]()
}

// KeyOf returns the key of a line of a primary index.
func (ix *Index) KeyOf(line int64) KeyID {
	if ix.keyOf == nil {
		panic("inverted index: derived index has no key column")
	}
	return ix.keyOf.at(line)
}

// Keys lists keys present in this index with their current counts.
func (ix *Index) Keys() []KeyCount {
	var keys []KeyCount
	for id, p := range ix.allPostings() {
		if p == nil {
			continue
		}
		keys = append(keys, KeyCount{ID: KeyID(id), Key: ix.dict.Key(KeyID(id)), Count: p.Len()})
	}
	return keys
}

// Release returns posting chunks to the pool; the index must not be used afterward.
func (ix *Index) Release() {
	for _, p := range ix.allPostings() {
		if p != nil {
			p.Release()
		}
	}
	ix.mu.Lock()
	ix.postings = nil
	ix.mu.Unlock()
}
