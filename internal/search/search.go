// Package search runs a pattern over the lines of an indexed log and publishes
// the matching line numbers into a secondary line index and field index.
package search

import (
	"context"
	"errors"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"logscope/internal/common"
	"logscope/internal/index"
	"logscope/internal/inverted"
	"logscope/internal/metrics"
)

// MaxSearchSizeLines is the number of lines in one matching task.
const MaxSearchSizeLines = 1024

type State int32

const (
	Running State = iota
	Finished
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Source is the indexed log a search reads. The search never writes to it.
type Source struct {
	Lines    *index.LineIndex
	Fields   *inverted.Index // primary index with a key per line; may be nil
	Reader   io.ReaderAt
	Encoding common.Encoding
}

type Options struct {
	Workers    int                // defaults to NumCPU
	ChunkLines int                // defaults to MaxSearchSizeLines
	AsOf       int                // lines to search; 0 means lines completed when the search starts
	Pool       *common.BufferPool // read buffers
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Search is one run of the pipeline. Lines and Fields can be read while it runs.
type Search struct {
	ID       uuid.UUID
	Lines    *index.Tree     // positions of matches, values are source line numbers
	Fields   *inverted.Index // matches filed under the source keys
	Progress *common.Progress

	src     Source
	matcher Matcher
	opts    Options
	logger  *zap.Logger

	matchPool *common.Pool[int64]
	spanPool  *common.Pool[index.Span]
	emptyKey  inverted.KeyID

	state        atomic.Int32
	consolidated atomic.Int64 // source lines covered by applied results
	err          error
	started      atomic.Bool
	cancel       context.CancelFunc
	cancelMu     sync.Mutex
	cancelled    bool // Cancel was called, possibly before Run
	done         chan struct{}
	refs         atomic.Int32 // the owner plus pinned readers

	skipLog rate.Sometimes
}

func New(src Source, m Matcher, opts Options) *Search {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.ChunkLines <= 0 {
		opts.ChunkLines = MaxSearchSizeLines
	}
	if opts.Pool == nil {
		opts.Pool = common.NewBufferPool(common.DoublingSizes(64*1024, 64*1024*1024))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Search{
		ID:        uuid.New(),
		Lines:     index.NewTree(index.DefaultLeafCap, index.DefaultFanout),
		Progress:  common.NewProgress(nil),
		src:       src,
		matcher:   m,
		opts:      opts,
		matchPool: common.NewPool[int64]([]int{opts.ChunkLines}),
		spanPool:  common.NewPool[index.Span]([]int{opts.ChunkLines}),
		done:      make(chan struct{}),
		skipLog:   rate.Sometimes{Interval: 5 * time.Second},
	}
	s.logger = opts.Logger.With(zap.String("search", s.ID.String()))
	s.refs.Store(1)

	if src.Fields != nil {
		s.Fields = src.Fields.Derive()
	} else {
		s.Fields = inverted.NewIndex(inverted.NewDictionary(), nil).Derive()
		s.emptyKey = s.Fields.Dictionary().Intern(nil)
	}
	return s
}

func (s *Search) State() State { return State(s.state.Load()) }

// Err is the failure of a finished run.
func (s *Search) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Search) Done() <-chan struct{} { return s.done }

// Wait blocks until the run ends and returns its failure, cancellation is not one.
func (s *Search) Wait() error {
	<-s.done
	return s.err
}

func (s *Search) Cancel() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.cancelled = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Start runs the search in the background.
func (s *Search) Start(ctx context.Context) {
	go func() { _ = s.Run(ctx) }()
}

// Run executes the pipeline and blocks until it ends. A search runs only once.
// Matches consolidated before a cancellation stay valid.
func (s *Search) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return xerrors.New("search is already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	s.cancel = cancel
	if s.cancelled {
		cancel()
	}
	s.cancelMu.Unlock()
	defer cancel()

	s.opts.Metrics.SearchStarted()
	startedAt := time.Now()

	total := s.src.Lines.Completed()
	if s.opts.AsOf > 0 {
		total = min(total, s.opts.AsOf)
	}
	s.logger.Debug("search started", zap.Int("lines", total), zap.Int("workers", s.opts.Workers))

	err := s.run(ctx, total)

	state := Finished
	switch {
	case err != nil:
		state = Failed
		s.err = err
		s.logger.Error("search failed", zap.Error(err))
	case ctx.Err() != nil && s.consolidated.Load() < int64(total):
		state = Cancelled
	}
	s.Fields.Finalize()
	s.state.Store(int32(state))
	s.Progress.Finish()
	s.opts.Metrics.SearchDone(state.String(), time.Since(startedAt).Seconds())
	s.logger.Debug("search ended", zap.Stringer("state", state), zap.Int("matches", s.Lines.Len()))
	close(s.done)
	return err
}

// task is a chunk of lines handed from the loader to a matcher.
type task struct {
	first int // line number of spans[0]
	buf   *common.Buffer
	base  int64 // stream offset of buf.Buf[0]
	spans *common.Slab[index.Span]
	n     int
	slot  chan common.ErrVal[matches]
}

// matches is a pooled list of matching line numbers.
type matches struct {
	lines *common.Slab[int64]
	n     int
	count int // lines in the task
}

func (s *Search) run(ctx context.Context, total int) error {
	workers := s.opts.Workers
	tasks := make(chan task, workers)
	order := make(chan chan common.ErrVal[matches], workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.load(gctx, total, tasks, order) })
	g.Go(func() error { return s.matchAll(gctx, tasks) })
	g.Go(func() error { return s.consolidate(gctx, order) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// load reads chunks of lines and queues them for matching, in line order.
func (s *Search) load(ctx context.Context, total int, tasks chan<- task, order chan<- chan common.ErrVal[matches]) error {
	defer close(order)
	defer close(tasks)

	for _, chunk := range (common.Location{From: 0, To: total}).Split(s.opts.ChunkLines) {
		first, n := chunk.From, int(chunk.Len())

		spans := s.spanPool.Get(n)
		s.src.Lines.Fetch(first, spans.Buf[:n])
		from, to := spans.Buf[0].Offset, spans.Buf[n-1].End()

		buf := s.opts.Pool.Get(int(to - from))
		read, err := s.src.Reader.ReadAt(buf.Buf[:to-from], from)
		if err != nil && !(errors.Is(err, io.EOF) && read == int(to-from)) {
			buf.Close()
			spans.Close()
			return xerrors.Errorf("read lines %d-%d at %d: %w", first, first+n, from, err)
		}

		t := task{first: first, buf: buf, base: from, spans: spans, n: n, slot: common.NewSlot[matches]()}
		select {
		case tasks <- t:
		case <-ctx.Done():
			buf.Close()
			spans.Close()
			return nil
		}
		// the task is queued: its slot is always resolved
		select {
		case order <- t.slot:
		case <-ctx.Done():
			// the consolidator never sees this slot
			s.discard(<-t.slot)
			return nil
		}
		s.Progress.Report(int64(first+n), int64(total))
	}
	return nil
}

// matchAll runs matchers until the task channel is closed.
func (s *Search) matchAll(ctx context.Context, tasks <-chan task) error {
	p := pool.New().WithMaxGoroutines(s.opts.Workers).WithContext(ctx)
	for i := 0; i < s.opts.Workers; i++ {
		p.Go(
			func(ctx context.Context) error {
				dec := s.src.Encoding.NewDecoder()
				for t := range tasks {
					t.slot <- s.match(ctx, dec, t)
				}
				return nil
			},
		)
	}
	return p.Wait()
}

func (s *Search) match(ctx context.Context, dec *common.Decoder, t task) common.ErrVal[matches] {
	defer t.buf.Close()
	defer t.spans.Close()
	if err := ctx.Err(); err != nil {
		return common.NewErrValE[matches](err)
	}

	m := matches{lines: s.matchPool.Get(t.n), count: t.n}
	for i, span := range t.spans.Buf[:t.n] {
		start := span.Offset - t.base
		text, err := dec.Decode(t.buf.Buf[start : start+span.Length])
		if err != nil {
			// an undecodable line does not match
			s.skipLog.Do(
				func() {
					s.logger.Warn("skip undecodable line", zap.Int("line", t.first+i), zap.Error(err))
				},
			)
			continue
		}
		if s.matcher.Match(text) {
			m.lines.Buf[m.n] = int64(t.first + i)
			m.n++
		}
	}
	s.opts.Metrics.SearchChunk(m.n)
	return common.NewErrValV(m)
}

// consolidate applies results strictly in the order the loader queued them.
func (s *Search) consolidate(ctx context.Context, order <-chan chan common.ErrVal[matches]) error {
	for slot := range order {
		var r common.ErrVal[matches]
		select {
		case r = <-slot:
		case <-ctx.Done():
			s.discard(<-slot)
			s.drain(order)
			return nil
		}
		if r.Err != nil {
			s.drain(order)
			return r.Err
		}
		s.apply(r.Val)
	}
	return nil
}

func (s *Search) apply(m matches) {
	defer m.lines.Close()
	for _, line := range m.lines.Buf[:m.n] {
		s.Lines.Add(line)
		key := s.emptyKey
		if s.src.Fields != nil {
			key = s.src.Fields.KeyOf(line)
		}
		s.Fields.Add(key, line)
	}
	s.consolidated.Add(int64(m.count))
}

// drain releases the results that are not going to be applied.
func (s *Search) drain(order <-chan chan common.ErrVal[matches]) {
	for slot := range order {
		s.discard(<-slot)
	}
}

func (s *Search) discard(r common.ErrVal[matches]) {
	if r.Err == nil {
		r.Val.lines.Close()
	}
}

// Count is the number of matches consolidated so far.
func (s *Search) Count() int { return s.Lines.Len() }

// Acquire pins the result indexes for a reader, who must Release them.
// It fails once the last reference is gone.
func (s *Search) Acquire() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference. The last one waits for the run to end and frees the result indexes.
func (s *Search) Release() {
	n := s.refs.Add(-1)
	if n < 0 {
		panic("search is released twice")
	}
	if n > 0 {
		return
	}
	<-s.done
	s.Lines.Release()
	s.Fields.Release()
}
