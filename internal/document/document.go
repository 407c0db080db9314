// Package document is a session over one log file: it loads the file into
// the line and field indexes and serves random access, filtered views and searches.
package document

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"

	"logscope/internal/common"
	"logscope/internal/index"
	"logscope/internal/ingest"
	"logscope/internal/inverted"
	"logscope/internal/metrics"
	"logscope/internal/search"
)

var ErrClosed = errors.New("document is closed")

type Options struct {
	Encoding       common.Encoding
	FieldPattern   string // named groups become fields; empty disables fields
	ScanBufferSize int
	Follow         bool
	PollInterval   time.Duration
	UseMmap        bool // static files only
	ReadLimit      int  // bytes per second, 0 is unlimited
	Workers        int  // search workers, 0 is NumCPU
}

type Document struct {
	Path     string
	Lines    *index.LineIndex
	Fields   *inverted.Index
	Progress *common.Progress

	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	file   *os.File
	mapped *mmap.ReaderAt
	reader io.ReaderAt
	size   int64
	pool   *common.BufferPool
	parser ingest.FieldParser

	mu     sync.Mutex
	search *search.Search
	closed bool
}

// Open prepares a document; nothing is read until Load.
func Open(path string, opts Options, logger *zap.Logger, m *metrics.Metrics) (*Document, error) {
	if opts.Encoding.Name == "" {
		opts.Encoding = common.UTF8
	}
	if opts.ScanBufferSize <= 0 {
		opts.ScanBufferSize = ingest.DefaultScanBufferSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	d := &Document{
		Path:     path,
		Lines:    index.NewLineIndex(index.LineLeafCap),
		Fields:   inverted.NewIndex(inverted.NewDictionary(), nil),
		Progress: common.NewProgress(nil),
		opts:     opts,
		logger:   logger.With(zap.String("file", path)),
		metrics:  m,
		pool: common.NewBufferPool(
			common.DoublingSizes(opts.ScanBufferSize, max(opts.ScanBufferSize, 256*1024*1024)),
		),
	}

	if opts.FieldPattern != "" {
		parser, err := ingest.NewRegexpFieldParser(opts.FieldPattern)
		if err != nil {
			return nil, err
		}
		d.parser = parser
	}

	var err error
	d.file, err = os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open document: %w", err)
	}
	info, err := d.file.Stat()
	if err != nil {
		_ = d.file.Close()
		return nil, xerrors.Errorf("stat document: %w", err)
	}
	d.size = info.Size()
	d.reader = d.file

	// a mapping does not see appended data
	if opts.UseMmap && !opts.Follow && d.size > 0 {
		d.mapped, err = mmap.Open(path)
		if err != nil {
			_ = d.file.Close()
			return nil, xerrors.Errorf("mmap document: %w", err)
		}
		d.reader = d.mapped
	}
	return d, nil
}

// Load scans the file into the indexes and blocks until the file is indexed
// or, in follow mode, until ctx is cancelled. Cancellation is not an error.
func (d *Document) Load(ctx context.Context) error {
	indexer := ingest.NewIndexer(d.Lines, d.Fields, d.opts.Encoding, d.parser, d.logger).
		WithMetrics(d.metrics).
		WithProgress(d.Progress, d.size)

	scanner := ingest.NewScanner(d.pool, d.opts.ScanBufferSize, d.logger).Limit(d.opts.ReadLimit)
	if d.opts.Follow {
		scanner.Follow(d.opts.PollInterval)
	}

	startedAt := time.Now()
	total, err := scanner.Scan(ctx, io.NewSectionReader(d.reader, 0, 1<<62), d.opts.Encoding.Terminators, indexer)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		d.logger.Debug("load stopped", zap.Int64("bytes", total), zap.Int("lines", d.Lines.Count()))
		return nil
	}
	if err != nil {
		return xerrors.Errorf("load %s: %w", d.Path, err)
	}
	d.logger.Info("loaded", zap.Int64("bytes", total), zap.Duration("took", time.Since(startedAt)))
	return nil
}

// Count includes the pending last line of an unfinished load.
func (d *Document) Count() int { return d.Lines.Count() }

// Finished reports that the last line is final.
func (d *Document) Finished() bool { return d.Lines.Finished() }

func (d *Document) GetLine(i int) index.Span { return d.Lines.GetLine(i) }

func (d *Document) Fetch(start int, buf []index.Span) { d.Lines.Fetch(start, buf) }

// ReadLine returns the text of line i without its terminator.
func (d *Document) ReadLine(i int) (string, error) {
	return d.readSpan(d.Lines.GetLine(i))
}

// ReadLines returns texts of count lines starting at line start.
func (d *Document) ReadLines(start, count int) ([]string, error) {
	spans := make([]index.Span, count)
	d.Lines.Fetch(start, spans)
	texts := make([]string, 0, count)
	for _, span := range spans {
		text, err := d.readSpan(span)
		if err != nil {
			return nil, err
		}
		texts = append(texts, text)
	}
	return texts, nil
}

func (d *Document) readSpan(span index.Span) (string, error) {
	buf := d.pool.Get(int(span.Length))
	defer buf.Close()

	n, err := d.reader.ReadAt(buf.Buf[:span.Length], span.Offset)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == span.Length) {
		return "", xerrors.Errorf("read line at %d: %w", span.Offset, err)
	}
	text, err := d.opts.Encoding.NewDecoder().Decode(buf.Buf[:span.Length])
	if err != nil {
		return "", err
	}
	return string(text), nil
}

// Key returns the field key of line i.
func (d *Document) Key(i int) inverted.Key {
	return d.Fields.Dictionary().Key(d.Fields.KeyOf(int64(i)))
}

func (d *Document) Keys() []inverted.KeyCount { return d.Fields.Keys() }

func (d *Document) FieldNames() []string {
	if d.parser == nil {
		return nil
	}
	return d.parser.Fields()
}

// Provider gives the lines of the document except those under the excluded keys.
// Keys that never occurred are ignored.
func (d *Document) Provider(excluded ...inverted.Key) *inverted.View {
	return d.Fields.Provider(d.keyIDs(excluded)...)
}

func (d *Document) keyIDs(keys []inverted.Key) []inverted.KeyID {
	ids := make([]inverted.KeyID, 0, len(keys))
	for _, k := range keys {
		if id, ok := d.Fields.Dictionary().Lookup(k); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Search starts a search over the lines indexed so far and returns it pinned,
// the caller must Release it. A previous search is cancelled and released.
func (d *Document) Search(ctx context.Context, m search.Matcher) (*search.Search, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	d.dropSearch()

	s := search.New(
		search.Source{Lines: d.Lines, Fields: d.Fields, Reader: d.reader, Encoding: d.opts.Encoding},
		m,
		search.Options{Workers: d.opts.Workers, Pool: d.pool, Logger: d.logger, Metrics: d.metrics},
	)
	s.Acquire()
	s.Start(ctx)
	d.search = s
	return s, nil
}

// AcquireSearch pins the current search for reading and returns it, or nil when there is none.
// The caller must Release it; a replaced search is freed after its last reader is done.
func (d *Document) AcquireSearch() *search.Search {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.search == nil || !d.search.Acquire() {
		return nil
	}
	return d.search
}

// CancelSearch stops and releases the current search.
func (d *Document) CancelSearch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropSearch()
}

// dropSearch cancels the current search and gives up the document's reference,
// readers that pinned it keep its results alive. The run is over on return,
// so Close may free the document indexes.
func (d *Document) dropSearch() {
	if d.search == nil {
		return
	}
	d.search.Cancel()
	<-d.search.Done()
	d.search.Release()
	d.search = nil
}

// Close stops the current search, releases the indexes and the file.
// Load must have returned before.
func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.dropSearch()
	d.Lines.Release()
	d.Fields.Release()

	var errs []error
	if d.mapped != nil {
		errs = append(errs, d.mapped.Close())
	}
	errs = append(errs, d.file.Close())
	return errors.Join(errs...)
}
