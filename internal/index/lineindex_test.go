package index

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func addLines(li *LineIndex, lengths ...int64) {
	off := li.committed
	for _, l := range lengths {
		li.Add(Span{off, l})
		off += l
	}
}

func TestLineIndexPendingLine(t *testing.T) {
	li := NewLineIndex(4)
	defer li.Release()

	require.Equal(t, 0, li.Count())

	addLines(li, 5, 3, 7)
	require.Equal(t, 0, li.Count(), "unpublished lines are invisible")

	li.Publish(20) // 5 bytes of an unterminated line
	require.Equal(t, 4, li.Count())
	require.Equal(t, 3, li.Completed())
	require.False(t, li.Finished())
	require.Equal(t, int64(15), li.Bytes())

	require.Equal(t, Span{0, 5}, li.GetLine(0))
	require.Equal(t, Span{5, 3}, li.GetLine(1))
	require.Equal(t, Span{8, 7}, li.GetLine(2))
	require.Equal(t, Span{15, 5}, li.GetLine(3))
	require.Panics(t, func() { li.GetLine(4) })

	// the pending line turns out longer and gets terminated
	addLines(li, 9)
	li.Publish(24)
	require.Equal(t, 4, li.Count())
	require.Equal(t, Span{15, 9}, li.GetLine(3))
	require.Equal(t, int64(24), li.GetLine(3).End())
}

func TestLineIndexFinish(t *testing.T) {
	li := NewLineIndex(4)
	addLines(li, 2, 2)
	li.Finish(4)

	require.True(t, li.Finished())
	require.Equal(t, 2, li.Count())
	require.Panics(t, func() { li.GetLine(2) })
}

func TestLineIndexRejectsGaps(t *testing.T) {
	li := NewLineIndex(4)
	li.Add(Span{0, 3})
	require.Panics(t, func() { li.Add(Span{4, 1}) })
}

func TestLineIndexFetchAndLines(t *testing.T) {
	li := NewLineIndex(3)
	lengths := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	addLines(li, lengths...)
	li.Publish(li.Bytes() + 4)

	var expected []Span
	off := int64(0)
	for _, l := range lengths {
		expected = append(expected, Span{off, l})
		off += l
	}
	pending := Span{off, 4}

	for start := 0; start <= len(lengths); start++ {
		var got []Span
		for i, s := range li.Lines(start) {
			require.Equal(t, start+len(got), i)
			got = append(got, s)
		}
		if start < len(lengths) {
			require.Equal(t, expected[start:], got)
		} else {
			require.Empty(t, got)
		}
	}

	buf := make([]Span, 4)
	li.Fetch(2, buf)
	require.Equal(t, expected[2:6], buf)

	buf = make([]Span, 3)
	li.Fetch(8, buf)
	require.Equal(t, []Span{expected[8], expected[9], pending}, buf)

	require.Panics(t, func() { li.Fetch(9, make([]Span, 3)) })
}

func TestLineIndexLineOf(t *testing.T) {
	li := NewLineIndex(2)
	addLines(li, 4, 4, 4) // starts 0, 4, 8
	li.Publish(14)

	tests := []struct {
		offset int64
		line   int
		ok     bool
	}{
		{-1, 0, false},
		{0, 0, true},
		{3, 0, true},
		{4, 1, true},
		{7, 1, true},
		{11, 2, true},
		{12, 3, true}, // pending
		{13, 3, true},
		{14, 0, false},
	}
	for _, tt := range tests {
		line, ok := li.LineOf(tt.offset)
		require.Equal(t, tt.ok, ok, "offset %d", tt.offset)
		if ok {
			require.Equal(t, tt.line, line, "offset %d", tt.offset)
		}
	}
}

func TestLineIndexConcurrentReaders(t *testing.T) {
	li := NewLineIndex(16)
	const n = 20_000

	wg := sync.WaitGroup{}
	wg.Add(2)
	for r := 0; r < 2; r++ {
		go func() {
			defer wg.Done()
			for !li.Finished() {
				count := li.Count()
				for i := 0; i < count; i++ {
					s := li.GetLine(i)
					if s.Offset != int64(i)*3 {
						t.Errorf("line %d at %d", i, s.Offset)
						return
					}
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		li.Add(Span{int64(i) * 3, 3})
		if i%100 == 0 {
			li.Publish(li.Bytes() + 1)
		}
	}
	li.Finish(li.Bytes())
	wg.Wait()
	require.Equal(t, n, li.Count())
}
