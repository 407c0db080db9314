package ingest

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"

	"logscope/internal/common"
	"logscope/internal/index"
	"logscope/internal/inverted"
	"logscope/internal/metrics"
)

func indexStream(t *testing.T, content []byte, enc common.Encoding, parser FieldParser) (
	*index.LineIndex,
	*inverted.Index,
	*common.Progress,
) {
	lines := index.NewLineIndex(4)
	fields := inverted.NewIndex(inverted.NewDictionary(), nil)
	progress := common.NewProgress(nil)
	ix := NewIndexer(lines, fields, enc, parser, zap.NewNop()).
		WithMetrics(metrics.New()).
		WithProgress(progress, int64(len(content)))

	total, err := newTestScanner(64).Scan(context.Background(), bytes.NewReader(content), enc.Terminators, ix)
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), total)
	return lines, fields, progress
}

func TestIndexerSampleLog(t *testing.T) {
	parser, err := NewRegexpFieldParser(common.FieldPattern)
	require.NoError(t, err)
	require.Equal(t, []string{"level", "component"}, parser.Fields())

	lines, fields, progress := indexStream(t, []byte(common.SampleLog), common.UTF8, parser)

	require.True(t, lines.Finished())
	require.Equal(t, 10, lines.Count())
	require.True(t, fields.Finalized())
	require.True(t, progress.Finished())
	require.Equal(t, 100.0, progress.Value())

	last := lines.GetLine(9)
	require.Equal(t, int64(len(common.SampleLog)), last.End())

	dict := fields.Dictionary()
	errAuth, ok := dict.Lookup(inverted.NewKey("ERROR", "auth"))
	require.True(t, ok)
	require.Equal(t, errAuth, fields.KeyOf(7))

	infoAuth, _ := dict.Lookup(inverted.NewKey("INFO", "auth"))
	require.Equal(t, 2, fields.Count(infoAuth))

	snaps := fields.Snapshots()
	require.Len(t, snaps, 1)
	require.Equal(t, int64(10), snaps[0].Inserted)

	v := fields.Provider(infoAuth, errAuth)
	require.Equal(t, 7, v.Count())
}

func TestIndexerWithoutParser(t *testing.T) {
	lines, fields, _ := indexStream(t, []byte("a\nb\nc\n"), common.UTF8, nil)
	require.Equal(t, 3, lines.Count())
	keys := fields.Keys()
	require.Len(t, keys, 1)
	require.Equal(t, inverted.Key(""), keys[0].Key)
	require.Equal(t, 3, keys[0].Count)
}

func TestIndexerDecodesWideText(t *testing.T) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	content, err := enc.Bytes([]byte(common.SampleLog))
	require.NoError(t, err)

	parser, err := NewRegexpFieldParser(common.FieldPattern)
	require.NoError(t, err)
	lines, fields, _ := indexStream(t, content, common.UTF16LE, parser)

	require.Equal(t, 10, lines.Count())
	id, ok := fields.Dictionary().Lookup(inverted.NewKey("WARN", "service"))
	require.True(t, ok)
	require.Equal(t, id, fields.KeyOf(5))
}

func TestRegexpFieldParser(t *testing.T) {
	_, err := NewRegexpFieldParser(`[`)
	require.Error(t, err)
	_, err = NewRegexpFieldParser(`^(\w+)`)
	require.Error(t, err)

	p, err := NewRegexpFieldParser(`^(?P<level>[A-Z]+)(?: (?P<tag>#\w+))?`)
	require.NoError(t, err)
	require.Equal(
		t,
		[]common.Location{{From: 0, To: 4}, {From: 5, To: 9}},
		p.Parse([]byte("INFO #abc rest"), nil),
	)
	require.Equal(
		t,
		[]common.Location{{From: 0, To: 4}, {From: 0, To: 0}},
		p.Parse([]byte("WARN rest"), nil),
	)
	require.Empty(t, p.Parse([]byte("lowercase"), nil))
}
