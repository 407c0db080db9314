package inverted

import (
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestViewCountExcludesKeys(t *testing.T) {
	ix := NewIndex(NewDictionary(), nil)
	ix.granule = 50
	const n = 1000
	lines := populate(ix, n, 6)
	ix.Finalize()

	type test struct {
		excluded []KeyID
	}
	tests := []test{
		{nil},
		{[]KeyID{0}},
		{[]KeyID{1, 3}},
		{[]KeyID{0, 1, 2, 3, 4, 5}},
		{[]KeyID{42}}, // unknown keys are ignored
	}
	for _, tt := range tests {
		t.Run(
			fmt.Sprintf("excluded %v", tt.excluded), func(t *testing.T) {
				v := ix.Provider(tt.excluded...)

				expectedCount := n
				var expected []int64
				for id, ls := range lines {
					if slices.Contains(tt.excluded, id) {
						expectedCount -= len(ls)
						continue
					}
					expected = append(expected, ls...)
				}
				slices.Sort(expected)

				require.Equal(t, expectedCount, v.Count())
				require.Equal(t, expected, slices.Collect(v.All()))

				// random access at every position and for several widths
				for _, width := range []int{1, 7, 64} {
					for start := 0; start+width <= len(expected); start += 13 {
						buf := make([]int64, width)
						v.Fetch(start, buf)
						require.Equal(t, expected[start:start+width], buf, "start %d width %d", start, width)
					}
				}
				require.Panics(t, func() { v.Fetch(expectedCount, make([]int64, 1)) })
			},
		)
	}
}

func TestViewMergeIsStrictlyIncreasing(t *testing.T) {
	ix := NewIndex(NewDictionary(), nil).Derive()
	// sparse lines, interleaved between keys
	for line := int64(0); line < 3000; line += 3 {
		ix.Add(KeyID(line%4), line)
	}
	ix.Finalize()

	prev := int64(-1)
	count := 0
	for line := range ix.Provider().All() {
		require.Greater(t, line, prev)
		prev = line
		count++
	}
	require.Equal(t, 1000, count)
	require.Equal(t, 1000, ix.Provider().Count())
}

func TestViewFollowsGrowingIndex(t *testing.T) {
	ix := NewIndex(NewDictionary(), nil)
	ix.granule = 10
	a, b := []byte(NewKey("a")), []byte(NewKey("b"))

	v := ix.Provider(ix.Dictionary().Intern(b))
	line := int64(0)
	add := func(k []byte, times int) {
		for i := 0; i < times; i++ {
			ix.AddKey(k, line)
			line++
		}
	}

	add(a, 25)
	require.Equal(t, 25, v.Count())
	add(b, 30)
	require.Equal(t, 25, v.Count())
	add(a, 5)
	require.Equal(t, 30, v.Count())

	buf := make([]int64, 6)
	v.Fetch(24, buf)
	require.Equal(t, []int64{24, 55, 56, 57, 58, 59}, buf)
}

func TestViewConcurrentFetch(t *testing.T) {
	ix := NewIndex(NewDictionary(), nil)
	ix.granule = 32
	const n = 10_000
	keys := [][]byte{[]byte(NewKey("a")), []byte(NewKey("b")), []byte(NewKey("c"))}
	excluded := ix.Dictionary().Intern(keys[1])
	v := ix.Provider(excluded)

	wg := sync.WaitGroup{}
	wg.Add(2)
	for r := 0; r < 2; r++ {
		go func() {
			defer wg.Done()
			for ix.Len() < n {
				count := v.Count()
				if count < 2 {
					continue
				}
				buf := make([]int64, 2)
				v.Fetch(count-2, buf)
				if buf[0] >= buf[1] || buf[1]%3 == 1 {
					t.Errorf("unexpected lines %v", buf)
					return
				}
			}
		}()
	}
	for line := 0; line < n; line++ {
		ix.AddKey(keys[line%3], int64(line))
	}
	wg.Wait()
}
