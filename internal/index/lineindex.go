package index

import (
	"fmt"
	"iter"
	"sync/atomic"
)

// Span locates one line in the byte stream, terminator included.
type Span struct {
	Offset int64
	Length int64
}

func (s Span) End() int64 { return s.Offset + s.Length }

// watermark is what readers may see; it is replaced as a whole on every publish.
type watermark struct {
	lines     int   // completed lines
	committed int64 // end of the last completed line
	scanned   int64 // bytes consumed by the scanner
	finished  bool
}

// LineIndex keeps line start offsets of a growing stream.
// The writer adds lines in batches and publishes them; readers only see published state.
// The unterminated tail of an unfinished stream is exposed as one pending line.
type LineIndex struct {
	starts *Tree
	mark   atomic.Pointer[watermark]

	// writer only
	lines     int
	committed int64
}

func NewLineIndex(leafCap int) *LineIndex {
	if leafCap <= 0 {
		leafCap = LineLeafCap
	}
	li := &LineIndex{starts: NewTree(leafCap, DefaultFanout)}
	li.mark.Store(&watermark{})
	return li
}

// Add registers a completed line and returns its number.
// The line stays invisible to readers until Publish.
func (li *LineIndex) Add(s Span) int64 {
	if s.Offset != li.committed {
		panic(fmt.Sprintf("line index: line at %d does not follow %d", s.Offset, li.committed))
	}
	li.starts.Add(s.Offset)
	li.committed = s.End()
	li.lines++
	return int64(li.lines - 1)
}

// Publish exposes added lines; scanned is the number of consumed bytes so far.
func (li *LineIndex) Publish(scanned int64) {
	li.mark.Store(&watermark{lines: li.lines, committed: li.committed, scanned: max(scanned, li.committed)})
}

// Finish marks the stream exhausted: no pending line remains.
func (li *LineIndex) Finish(total int64) {
	li.mark.Store(
		&watermark{lines: li.lines, committed: li.committed, scanned: max(total, li.committed), finished: true},
	)
}

func (li *LineIndex) Finished() bool { return li.mark.Load().finished }

// Completed is the number of terminated (or final) lines.
func (li *LineIndex) Completed() int { return li.mark.Load().lines }

// Count includes the pending line of an unfinished stream.
// Callers must check Finished before trusting the last line.
func (li *LineIndex) Count() int {
	m := li.mark.Load()
	if !m.finished && m.scanned > m.committed {
		return m.lines + 1
	}
	return m.lines
}

// Bytes is the number of bytes covered by completed lines.
func (li *LineIndex) Bytes() int64 { return li.mark.Load().committed }

// GetLine returns the span of line i < Count.
func (li *LineIndex) GetLine(i int) Span {
	return li.getLine(li.mark.Load(), i)
}

func (li *LineIndex) getLine(m *watermark, i int) Span {
	switch {
	case i >= 0 && i < m.lines-1:
		start := li.starts.At(i)
		return Span{Offset: start, Length: li.starts.At(i+1) - start}
	case i >= 0 && i == m.lines-1:
		start := li.starts.At(i)
		return Span{Offset: start, Length: m.committed - start}
	case i == m.lines && !m.finished && m.scanned > m.committed:
		return Span{Offset: m.committed, Length: m.scanned - m.committed}
	default:
		panic(fmt.Sprintf("line index: line %d out of range [0,%d)", i, m.lines))
	}
}

// Lines yields completed lines starting at line i.
func (li *LineIndex) Lines(i int) iter.Seq2[int, Span] {
	return func(yield func(int, Span) bool) {
		m := li.mark.Load()
		if i < 0 || i >= m.lines {
			return
		}
		prev, num := int64(-1), i
		for off := range li.starts.EnumerateFromIndex(i) {
			if prev >= 0 {
				if !yield(num, Span{prev, off - prev}) {
					return
				}
				num++
			}
			if num == m.lines-1 {
				yield(num, Span{off, m.committed - off})
				return
			}
			prev = off
		}
	}
}

// Fetch fills buf with spans of lines [start, start+len(buf)) which must be below Count.
func (li *LineIndex) Fetch(start int, buf []Span) {
	m := li.mark.Load()
	count := m.lines
	if !m.finished && m.scanned > m.committed {
		count++
	}
	if start < 0 || start+len(buf) > count {
		panic(fmt.Sprintf("line index: fetch [%d,%d) out of range [0,%d)", start, start+len(buf), count))
	}

	i := 0
	for _, s := range li.Lines(start) {
		if i == len(buf) {
			return
		}
		buf[i] = s
		i++
	}
	for ; i < len(buf); i++ {
		buf[i] = li.getLine(m, start+i) // pending line
	}
}

// LineOf returns the number of the line that contains the byte offset.
func (li *LineIndex) LineOf(offset int64) (int, bool) {
	m := li.mark.Load()
	if offset < 0 {
		return 0, false
	}
	if offset >= m.committed {
		if !m.finished && offset < m.scanned {
			return m.lines, true
		}
		return 0, false
	}
	pos, ok := li.starts.FindByValue(offset)
	if ok && pos < m.lines && li.starts.At(pos) == offset {
		return pos, true
	}
	return pos - 1, true
}

// Offsets exposes the underlying tree of line starts.
func (li *LineIndex) Offsets() *Tree { return li.starts }

func (li *LineIndex) Release() { li.starts.Release() }
