package common

import (
	"math"
	"sync"
)

// ProgressStep is the minimal change (in percent) that is worth a notification.
const ProgressStep = 1.0

// Progress is a percentage in [0,100] with throttled change notifications
// and a terminal "finished" signal.
type Progress struct {
	mu       sync.Mutex
	value    float64
	reported float64
	onChange func(float64)
	done     chan struct{}
	finished bool
}

// NewProgress makes a progress that calls onChange (may be nil) on every notable change.
// onChange is called synchronously by the goroutine that moves the progress.
func NewProgress(onChange func(float64)) *Progress {
	return &Progress{onChange: onChange, done: make(chan struct{})}
}

// Report sets the progress as current/total.
func (p *Progress) Report(current, total int64) {
	if total <= 0 {
		return
	}
	p.Set(float64(current) * 100 / float64(total))
}

func (p *Progress) Set(v float64) {
	v = math.Max(0, math.Min(100, v))

	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.value = v
	notify := math.Abs(v-p.reported) >= ProgressStep
	if notify {
		p.reported = v
	}
	p.mu.Unlock()

	if notify && p.onChange != nil {
		p.onChange(v)
	}
}

func (p *Progress) Value() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// Finish moves the progress to 100 and releases everyone waiting on Done.
// Subsequent calls are no-ops.
func (p *Progress) Finish() {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	notify := p.reported != 100
	p.value, p.reported = 100, 100
	close(p.done)
	p.mu.Unlock()

	if notify && p.onChange != nil {
		p.onChange(100)
	}
}

func (p *Progress) Done() <-chan struct{} { return p.done }

func (p *Progress) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}
