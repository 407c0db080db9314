package inverted

import (
	"container/heap"
	"fmt"
	"iter"
	"sort"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"

	"logscope/internal/index"
)

// View is the ascending merge of all lines of an index except those under excluded keys.
// It is safe for concurrent use and follows the growth of the index.
type View struct {
	ix       *Index
	excluded *roaring.Bitmap
	memo     atomic.Pointer[filteredLog]
}

// filteredLog holds, per snapshot, the number of lines under non-excluded keys.
type filteredLog struct {
	snapshots []Snapshot
	totals    []int64
}

// Provider returns a view that skips lines of the excluded keys.
func (ix *Index) Provider(excluded ...KeyID) *View {
	bm := roaring.New()
	for _, id := range excluded {
		bm.Add(uint32(id))
	}
	return &View{ix: ix, excluded: bm}
}

func (v *View) Excluded() []KeyID {
	ids := make([]KeyID, 0, v.excluded.GetCardinality())
	it := v.excluded.Iterator()
	for it.HasNext() {
		ids = append(ids, KeyID(it.Next()))
	}
	return ids
}

// Count is the number of lines in the view.
func (v *View) Count() int {
	count := 0
	for id, p := range v.ix.allPostings() {
		if p != nil && !v.excluded.Contains(uint32(id)) {
			count += p.Len()
		}
	}
	return count
}

// filtered returns the filtered snapshot log, extending the memoized one when the index has grown.
func (v *View) filtered() *filteredLog {
	snaps := v.ix.Snapshots()
	prev := v.memo.Load()
	if prev != nil && len(prev.snapshots) == len(snaps) {
		return prev
	}

	f := &filteredLog{snapshots: snaps, totals: make([]int64, len(snaps))}
	done := 0
	if prev != nil {
		done = copy(f.totals, prev.totals)
	}
	for i := done; i < len(snaps); i++ {
		var total int64
		for id, c := range snaps[i].Counts {
			if !v.excluded.Contains(uint32(id)) {
				total += c
			}
		}
		f.totals[i] = total
	}
	v.memo.Store(f)
	return f
}

// seek finds where to start merging to reach logical position start:
// the line to enumerate from and the number of view entries to skip after it.
func (v *View) seek(start int) (from int64, skip int) {
	f := v.filtered()
	k := sort.Search(len(f.totals), func(i int) bool { return f.totals[i] > int64(start) }) - 1
	if k < 0 {
		return 0, start
	}
	return f.snapshots[k].NextLine, start - int(f.totals[k])
}

// Fetch fills buf with the lines at positions [start, start+len(buf)).
// The range must be within Count.
func (v *View) Fetch(start int, buf []int64) {
	if len(buf) == 0 {
		return
	}
	count := v.Count()
	if start < 0 || start+len(buf) > count {
		panic(fmt.Sprintf("filtered view: fetch [%d,%d) out of range [0,%d)", start, start+len(buf), count))
	}

	from, skip := v.seek(start)
	i := 0
	for line := range v.merge(from) {
		if skip > 0 {
			skip--
			continue
		}
		buf[i] = line
		i++
		if i == len(buf) {
			return
		}
	}
	panic(fmt.Sprintf("filtered view: lines ended at %d of %d", start+i, start+len(buf)))
}

// From yields the lines of the view starting at logical position start.
func (v *View) From(start int) iter.Seq[int64] {
	return func(yield func(int64) bool) {
		from, skip := v.seek(max(start, 0))
		for line := range v.merge(from) {
			if skip > 0 {
				skip--
				continue
			}
			if !yield(line) {
				return
			}
		}
	}
}

func (v *View) All() iter.Seq[int64] { return v.From(0) }

// merge yields lines >= from of all non-excluded keys in ascending order.
func (v *View) merge(from int64) iter.Seq[int64] {
	return func(yield func(int64) bool) {
		h := make(cursorHeap, 0)
		for id, p := range v.ix.allPostings() {
			if p == nil || v.excluded.Contains(uint32(id)) {
				continue
			}
			c := p.Seek(from)
			if head, ok := c.Next(); ok {
				h = append(h, headCursor{head: head, cur: c})
			}
		}
		heap.Init(&h)

		for h.Len() > 0 {
			top := &h[0]
			if !yield(top.head) {
				return
			}
			if next, ok := top.cur.Next(); ok {
				top.head = next
				heap.Fix(&h, 0)
			} else {
				heap.Pop(&h)
			}
		}
	}
}

type headCursor struct {
	head int64
	cur  *index.Cursor
}

type cursorHeap []headCursor

func (h cursorHeap) Len() int           { return len(h) }
func (h cursorHeap) Less(i, j int) bool { return h[i].head < h[j].head }
func (h cursorHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x interface{}) {
	*h = append(*h, x.(headCursor))
}

func (h *cursorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
