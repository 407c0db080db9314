package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgressThrottling(t *testing.T) {
	var notified []float64
	p := NewProgress(func(v float64) { notified = append(notified, v) })

	p.Report(5, 1000)   // 0.5%: below the step
	p.Report(10, 1000)  // 1%
	p.Report(15, 1000)  // 1.5%: below the step since last report
	p.Report(500, 1000) // 50%
	p.Set(150)          // clamped

	require.Equal(t, []float64{1, 50, 100}, notified)
	require.Equal(t, 100.0, p.Value())
	require.False(t, p.Finished())

	p.Finish()
	require.True(t, p.Finished())
	<-p.Done()

	p.Set(10) // ignored after finish
	require.Equal(t, 100.0, p.Value())
	require.Len(t, notified, 3)
}

func TestProgressFinishNotifies(t *testing.T) {
	var notified []float64
	p := NewProgress(func(v float64) { notified = append(notified, v) })
	p.Report(1, 3)
	p.Finish()
	p.Finish()
	require.Len(t, notified, 2)
	require.Equal(t, 100.0, notified[1])
}
