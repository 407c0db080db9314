package common

import (
	"bytes"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Terminators are two line-terminating byte sequences of equal width (1 or 2 bytes).
// A is the primary terminator (LF), B is the one that may precede it (CR): "B A" counts once.
type Terminators struct {
	A, B []byte
}

// Width is the code unit size; terminators only match at offsets aligned to it.
func (t Terminators) Width() int { return len(t.A) }

func (t Terminators) Validate() error {
	if len(t.A) < 1 || len(t.A) > 2 || len(t.A) != len(t.B) {
		return fmt.Errorf("invalid terminators: %v %v", t.A, t.B)
	}
	return nil
}

// Trim removes a trailing terminator ("A", "B" or "B A") from the line.
func (t Terminators) Trim(line []byte) []byte {
	trimmed := bytes.TrimSuffix(line, t.A)
	return bytes.TrimSuffix(trimmed, t.B)
}

// Encoding describes how a log file stores its text.
type Encoding struct {
	Name        string
	Terminators Terminators
	enc         encoding.Encoding // nil for utf-8
}

var (
	UTF8 = Encoding{
		Name:        "utf-8",
		Terminators: Terminators{A: []byte{'\n'}, B: []byte{'\r'}},
	}
	UTF16LE = Encoding{
		Name:        "utf-16le",
		Terminators: Terminators{A: []byte{'\n', 0}, B: []byte{'\r', 0}},
		enc:         unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
	}
	UTF16BE = Encoding{
		Name:        "utf-16be",
		Terminators: Terminators{A: []byte{0, '\n'}, B: []byte{0, '\r'}},
		enc:         unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM),
	}

	Encodings = []Encoding{UTF8, UTF16LE, UTF16BE}
)

func LookupEncoding(name string) (Encoding, error) {
	for _, e := range Encodings {
		if e.Name == name {
			return e, nil
		}
	}
	return Encoding{}, fmt.Errorf("unsupported encoding %q", name)
}

// Decoder turns raw line bytes into utf-8 text without the terminator.
// It reuses its output buffer, so the result is valid until the next Decode call.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	dec  *encoding.Decoder
	term Terminators
	buf  []byte
}

func (e Encoding) NewDecoder() *Decoder {
	d := &Decoder{term: e.Terminators}
	if e.enc != nil {
		d.dec = e.enc.NewDecoder()
	}
	return d
}

func (d *Decoder) Decode(line []byte) ([]byte, error) {
	line = d.term.Trim(line)
	if d.dec == nil {
		return line, nil
	}

	d.dec.Reset()
	out := d.buf[:cap(d.buf)]
	if len(out) < len(line)*3/2 {
		out = make([]byte, len(line)*3/2+16)
	}
	for {
		nDst, _, err := d.dec.Transform(out, line, true)
		if err == transform.ErrShortDst {
			d.dec.Reset()
			out = make([]byte, len(out)*2)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("decode line: %w", err)
		}
		d.buf = out
		return out[:nDst], nil
	}
}
