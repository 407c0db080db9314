package index

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderedEnumerateFrom(t *testing.T) {
	type test struct {
		startChunk int
		values     []int64
	}
	// non-decreasing sequences with gaps and duplicates
	randomValues := func(n int) []int64 {
		r := rand.New(rand.NewPCG(1, 2))
		out := make([]int64, n)
		v := int64(0)
		for i := range out {
			v += int64(r.IntN(3))
			out[i] = v
		}
		return out
	}
	tests := []test{
		{startChunk: 4, values: nil},
		{startChunk: 4, values: []int64{0}},
		{startChunk: 4, values: []int64{1, 1, 1, 1, 1}},
		{startChunk: 4, values: []int64{0, 2, 4, 6, 8, 10, 12, 14, 16}},
		{startChunk: 2, values: randomValues(100)},
		{startChunk: 16, values: randomValues(1000)},
	}

	for i, tt := range tests {
		t.Run(
			fmt.Sprintf("test %d", i), func(t *testing.T) {
				o := NewOrdered(nil, tt.startChunk)
				defer o.Release()
				for _, v := range tt.values {
					o.Add(v)
				}
				require.Equal(t, len(tt.values), o.Len())

				maxV := int64(0)
				if len(tt.values) > 0 {
					maxV = tt.values[len(tt.values)-1]
					last, ok := o.Last()
					require.True(t, ok)
					require.Equal(t, maxV, last)
				}

				for v := int64(0); v <= maxV+1; v++ {
					var expected []int64
					for _, x := range tt.values {
						if x >= v {
							expected = append(expected, x)
						}
					}
					require.Equal(t, expected, slices.Collect(o.EnumerateFrom(v)), "from %d", v)
				}
			},
		)
	}
}

func TestOrderedRejectsDecreasingValues(t *testing.T) {
	o := NewOrdered(nil, 4)
	o.Add(10)
	require.Panics(t, func() { o.Add(9) })
}

func TestOrderedSequenceIsRestartable(t *testing.T) {
	o := NewOrdered(nil, 2)
	o.Add(1)
	seq := o.EnumerateFrom(0)
	require.Equal(t, []int64{1}, slices.Collect(seq))
	o.Add(2)
	o.Add(3)
	require.Equal(t, []int64{1, 2, 3}, slices.Collect(seq))
}

func TestOrderedConcurrentReaders(t *testing.T) {
	o := NewOrdered(nil, 8)
	const n = 50_000

	wg := sync.WaitGroup{}
	wg.Add(4)
	for r := 0; r < 4; r++ {
		go func() {
			defer wg.Done()
			for o.Len() < n {
				prev := int64(-1)
				count := 0
				for v := range o.EnumerateFrom(0) {
					if v <= prev {
						t.Errorf("unordered read: %d after %d", v, prev)
						return
					}
					prev = v
					count++
				}
				if count > n {
					t.Errorf("read %d values", count)
					return
				}
			}
		}()
	}

	for i := int64(0); i < n; i++ {
		o.Add(i)
	}
	wg.Wait()
	require.Equal(t, n, o.Len())
}
