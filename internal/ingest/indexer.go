package ingest

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"logscope/internal/common"
	"logscope/internal/index"
	"logscope/internal/inverted"
	"logscope/internal/metrics"
)

// Indexer consumes scanned lines: it numbers them in the line index
// and files every line under its field key in the inverted index.
// It runs on the scanner goroutine, so it is the single writer of both indexes.
type Indexer struct {
	lines  *index.LineIndex
	fields *inverted.Index
	parser FieldParser // nil puts all lines under the empty key

	decoder *common.Decoder
	key     inverted.KeyBuilder
	locs    []common.Location

	metrics  *metrics.Metrics
	progress *common.Progress
	size     int64 // expected stream size for progress

	logger   *zap.Logger
	logEvery rate.Sometimes
}

func NewIndexer(
	lines *index.LineIndex,
	fields *inverted.Index,
	enc common.Encoding,
	parser FieldParser,
	logger *zap.Logger,
) *Indexer {
	return &Indexer{
		lines:    lines,
		fields:   fields,
		parser:   parser,
		decoder:  enc.NewDecoder(),
		logger:   logger,
		logEvery: rate.Sometimes{Interval: time.Second},
	}
}

func (ix *Indexer) WithMetrics(m *metrics.Metrics) *Indexer {
	ix.metrics = m
	return ix
}

// WithProgress reports scanned/size to p; p is finished on Complete.
func (ix *Indexer) WithProgress(p *common.Progress, size int64) *Indexer {
	ix.progress, ix.size = p, size
	return ix
}

func (ix *Indexer) Consume(buf *common.Buffer, lines []Line, scanned int64) error {
	if buf != nil {
		defer buf.Close()
	}

	for _, l := range lines {
		n := ix.lines.Add(index.Span{Offset: l.Offset, Length: int64(l.Length)})

		ix.key.Reset()
		if ix.parser != nil {
			text, err := ix.decoder.Decode(l.Bytes(buf.Buf))
			if err != nil {
				return xerrors.Errorf("line %d at %d: %w", n, l.Offset, err)
			}
			ix.locs = ix.parser.Parse(text, ix.locs[:0])
			for _, loc := range ix.locs {
				ix.key.Append(text[loc.From:loc.To])
			}
		}
		ix.fields.AddKey(ix.key.View(), n)
	}
	ix.lines.Publish(scanned)

	ix.metrics.IngestBatch(len(lines), scanned)
	ix.metrics.IndexState(ix.fields.Dictionary().Len(), len(ix.fields.Snapshots()))
	if ix.progress != nil {
		ix.progress.Report(scanned, ix.size)
	}
	ix.logEvery.Do(
		func() {
			ix.logger.Debug(
				"indexed",
				zap.Int("lines", ix.lines.Completed()),
				zap.Int64("scanned", scanned),
				zap.Int("keys", ix.fields.Dictionary().Len()),
			)
		},
	)
	return nil
}

func (ix *Indexer) Complete(total int64) error {
	ix.lines.Finish(total)
	ix.fields.Finalize()

	ix.metrics.IndexState(ix.fields.Dictionary().Len(), len(ix.fields.Snapshots()))
	if ix.progress != nil {
		ix.progress.Finish()
	}
	ix.logger.Info(
		"indexing complete",
		zap.Int("lines", ix.lines.Count()),
		zap.Int64("bytes", total),
		zap.Int("keys", ix.fields.Dictionary().Len()),
	)
	return nil
}
