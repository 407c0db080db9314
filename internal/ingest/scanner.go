package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"logscope/internal/common"
)

const DefaultScanBufferSize = 64 * 1024

// Line locates one line inside a scanned buffer.
// Length includes the terminator bytes, so the next line starts at Offset+Length.
type Line struct {
	Offset int64 // in the stream
	Start  int   // in the buffer
	Length int
}

func (l Line) Bytes(buf []byte) []byte { return buf[l.Start : l.Start+l.Length] }

// LineConsumer receives batches of lines from the Scanner.
// It takes ownership of buf and must Close it. buf is nil when lines is empty:
// such a call only reports that scanned grew (the pending tail of a followed stream).
type LineConsumer interface {
	Consume(buf *common.Buffer, lines []Line, scanned int64) error
	// Complete is called once at the end of a finite stream.
	Complete(total int64) error
}

// Scanner splits a byte stream into lines.
type Scanner struct {
	pool    *common.BufferPool
	bufSize int
	follow  time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewScanner(pool *common.BufferPool, bufSize int, logger *zap.Logger) *Scanner {
	if bufSize <= 0 {
		bufSize = DefaultScanBufferSize
	}
	return &Scanner{pool: pool, bufSize: bufSize, logger: logger}
}

// Follow makes the scanner wait for new data at the end of the stream
// (polling every interval) instead of completing. Only ctx stops it.
func (s *Scanner) Follow(interval time.Duration) *Scanner {
	s.follow = interval
	return s
}

// Limit caps the read throughput in bytes per second; zero means unlimited.
func (s *Scanner) Limit(bytesPerSec int) *Scanner {
	if bytesPerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), max(bytesPerSec, s.bufSize))
	}
	return s
}

// scanState is the scan position within the current buffer.
type scanState struct {
	buf       *common.Buffer
	base      int64 // stream offset of buf.Buf[0]
	filled    int
	lineStart int // start of the current (unterminated) line
	pos       int // next byte to inspect
	batch     []Line
}

func (st *scanState) scanned() int64 { return st.base + int64(st.filled) }

// Scan reads r until EOF (or cancellation in follow mode) and feeds c with lines.
// It returns the number of bytes read. Cancellation returns ctx.Err(),
// all lines passed to c before that remain valid.
func (s *Scanner) Scan(ctx context.Context, r io.Reader, term common.Terminators, c LineConsumer) (int64, error) {
	if err := term.Validate(); err != nil {
		return 0, err
	}
	m := newMatcher(term)
	st := &scanState{buf: s.pool.Get(s.bufSize)}
	st.buf.Buf = st.buf.Buf[:cap(st.buf.Buf)]

	// lines are only handed over together with their buffer
	defer func() {
		if st.buf != nil {
			st.buf.Close()
		}
	}()

	reported := int64(0) // scanned as last reported to the consumer
	for {
		if err := ctx.Err(); err != nil {
			if len(st.batch) > 0 {
				if ferr := s.flush(st, c); ferr != nil {
					return st.scanned(), ferr
				}
			}
			return st.scanned(), err
		}

		if st.filled == len(st.buf.Buf) {
			var err error
			if len(st.batch) > 0 {
				err = s.flush(st, c)
				reported = st.scanned()
			} else {
				s.grow(st)
			}
			if err != nil {
				return st.scanned(), err
			}
		}

		n, err := r.Read(st.buf.Buf[st.filled:])
		st.filled += n
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return st.scanned(), xerrors.Errorf("scan read at %d: %w", st.scanned(), err)
		}
		if s.limiter != nil && n > 0 {
			if werr := s.limiter.WaitN(ctx, min(n, s.limiter.Burst())); werr != nil {
				continue // ctx is checked on top
			}
		}

		final := eof && s.follow == 0
		m.scan(st, final)

		if !eof {
			continue
		}

		if final {
			if st.lineStart < st.filled {
				st.emit(st.filled)
			}
			total := st.scanned()
			if len(st.batch) > 0 {
				if err := s.flush(st, c); err != nil {
					return total, err
				}
			}
			return total, c.Complete(total)
		}

		// follow: publish what we have and wait for more
		if len(st.batch) > 0 {
			if err := s.flush(st, c); err != nil {
				return st.scanned(), err
			}
			reported = st.scanned()
		} else if st.scanned() > reported {
			if err := c.Consume(nil, nil, st.scanned()); err != nil {
				return st.scanned(), err
			}
			reported = st.scanned()
		}
		if err := common.Sleep(ctx, s.follow); err != nil {
			continue
		}
	}
}

// flush hands the batch with its buffer over to the consumer
// and moves the unterminated tail into a fresh buffer.
func (s *Scanner) flush(st *scanState, c LineConsumer) error {
	tail := st.filled - st.lineStart
	next := s.pool.Get(max(s.bufSize, tail*2))
	next.Buf = next.Buf[:cap(next.Buf)]
	copy(next.Buf, st.buf.Buf[st.lineStart:st.filled])

	buf, batch, scanned := st.buf, st.batch, st.scanned()
	st.buf = next
	st.base += int64(st.lineStart)
	st.filled = tail
	st.pos -= st.lineStart
	st.lineStart = 0
	st.batch = nil

	if err := c.Consume(buf, batch, scanned); err != nil {
		return xerrors.Errorf("consume lines: %w", err)
	}
	return nil
}

// grow doubles the buffer when a single line does not fit into it.
func (s *Scanner) grow(st *scanState) {
	next := s.pool.Get(len(st.buf.Buf) * 2)
	next.Buf = next.Buf[:cap(next.Buf)]
	copy(next.Buf, st.buf.Buf[st.lineStart:st.filled])
	s.logger.Debug("scan buffer grown", zap.Int("size", len(next.Buf)), zap.Int64("offset", st.base))

	st.buf.Close()
	st.buf = next
	st.base += int64(st.lineStart)
	st.filled -= st.lineStart
	st.pos -= st.lineStart
	st.lineStart = 0
}

func (st *scanState) emit(end int) {
	st.batch = append(
		st.batch, Line{
			Offset: st.base + int64(st.lineStart),
			Start:  st.lineStart,
			Length: end - st.lineStart,
		},
	)
	st.lineStart = end
	st.pos = end
}

// matcher finds terminators at offsets aligned to their width.
type matcher struct {
	term  common.Terminators
	w     int
	lead  string // first bytes of A and B
	ascii bool
}

func newMatcher(term common.Terminators) *matcher {
	m := &matcher{term: term, w: term.Width()}
	lead := []byte{term.A[0]}
	if term.B[0] != term.A[0] {
		lead = append(lead, term.B[0])
	}
	m.lead = string(lead)
	m.ascii = true
	for _, b := range lead {
		if b >= 0x80 {
			m.ascii = false
		}
	}
	return m
}

func (m *matcher) indexLead(b []byte) int {
	if len(m.lead) == 1 {
		return bytes.IndexByte(b, m.lead[0])
	}
	if m.ascii {
		return bytes.IndexAny(b, m.lead)
	}
	for i, c := range b {
		if c == m.lead[0] || c == m.lead[1] {
			return i
		}
	}
	return -1
}

// scan emits every line terminated within the filled part of the buffer.
// A terminator that may still continue (B at the very end, or a partial code unit)
// is left for the next round unless the stream is final.
func (m *matcher) scan(st *scanState, final bool) {
	buf := st.buf.Buf[:st.filled]
	w := m.w
	for st.pos < len(buf) {
		i := m.indexLead(buf[st.pos:])
		if i < 0 {
			st.pos = len(buf)
			return
		}
		p := st.pos + i
		if p%w != 0 {
			st.pos = p + 1
			continue
		}
		if p+w > len(buf) {
			if !final {
				st.pos = p // partial unit
			} else {
				st.pos = len(buf)
			}
			return
		}

		unit := buf[p : p+w]
		switch {
		case bytes.Equal(unit, m.term.A):
			st.emit(p + w)
		case bytes.Equal(unit, m.term.B):
			next := p + w
			if next+w > len(buf) {
				if !final {
					st.pos = p // inside terminator: wait for the next unit
					return
				}
				st.emit(next)
				continue
			}
			if bytes.Equal(buf[next:next+w], m.term.A) {
				next += w
			}
			st.emit(next)
		default:
			st.pos = p + w
		}
	}
}
