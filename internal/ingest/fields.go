package ingest

import (
	"regexp"

	"golang.org/x/xerrors"

	"logscope/internal/common"
)

// FieldParser finds field values in decoded line text.
type FieldParser interface {
	// Parse appends the location of every field value in line to dst.
	// A line that does not match yields no locations.
	Parse(line []byte, dst []common.Location) []common.Location
	Fields() []string
}

// RegexpFieldParser takes field values from named capture groups.
type RegexpFieldParser struct {
	re     *regexp.Regexp
	groups []int // submatch indexes of named groups
	names  []string
}

// NewRegexpFieldParser compiles the pattern, every named group becomes a field.
func NewRegexpFieldParser(pattern string) (*RegexpFieldParser, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, xerrors.Errorf("field pattern: %w", err)
	}
	p := &RegexpFieldParser{re: re}
	for i, name := range re.SubexpNames() {
		if name != "" {
			p.groups = append(p.groups, i)
			p.names = append(p.names, name)
		}
	}
	if len(p.groups) == 0 {
		return nil, xerrors.Errorf("field pattern %q has no named groups", pattern)
	}
	return p, nil
}

func (p *RegexpFieldParser) Fields() []string { return p.names }

func (p *RegexpFieldParser) Parse(line []byte, dst []common.Location) []common.Location {
	match := p.re.FindSubmatchIndex(line)
	if match == nil {
		return dst
	}
	for _, g := range p.groups {
		from, to := match[2*g], match[2*g+1]
		if from < 0 { // optional group did not participate
			from, to = 0, 0
		}
		dst = append(dst, common.Location{From: from, To: to})
	}
	return dst
}
