package common

import (
	"log"
)

// Location represents a contiguous range: [From,To).
// It addresses bytes in a stream or line numbers in an index.
type Location struct {
	From, To int
}

// Split slices a location into chunks of at most maxLen items
func (s Location) Split(maxLen int) (ret []Location) {
	if maxLen <= 0 {
		log.Panicf("invalid split length: %d", maxLen)
	}
	for {
		if int(s.Len()) <= maxLen {
			if s.Len() > 0 {
				ret = append(ret, s)
			}
			return
		}

		ret = append(ret, Location{s.From, s.From + maxLen})
		s = Location{s.From + maxLen, s.To}
	}
}

func (s Location) Len() int64 { return int64(s.To - s.From) }
