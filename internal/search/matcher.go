package search

import (
	"bytes"
	"regexp"

	"golang.org/x/xerrors"
)

// Matcher decides if a decoded line (without its terminator) matches.
// It is shared by all workers and must be safe for concurrent use.
type Matcher interface {
	Match(line []byte) bool
}

type MatcherFunc func(line []byte) bool

func (f MatcherFunc) Match(line []byte) bool { return f(line) }

type RegexpMatcher struct {
	re *regexp.Regexp
}

func NewRegexpMatcher(pattern string) (*RegexpMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, xerrors.Errorf("search pattern: %w", err)
	}
	return &RegexpMatcher{re: re}, nil
}

func (m *RegexpMatcher) Match(line []byte) bool { return m.re.Match(line) }

func (m *RegexpMatcher) String() string { return m.re.String() }

// Substring matches lines containing the literal text.
type Substring []byte

func (s Substring) Match(line []byte) bool { return bytes.Contains(line, s) }
