package inverted

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const columnChunkBits = 16

// column stores the key id of every line, in line order.
// Chunks have a fixed size and never move once allocated.
type column struct {
	mu     sync.RWMutex
	chunks [][]KeyID
	length atomic.Int64
}

func (c *column) append(id KeyID) {
	n := int(c.length.Load())
	off := n & (1<<columnChunkBits - 1)
	if off == 0 {
		c.mu.Lock()
		c.chunks = append(c.chunks, make([]KeyID, 1<<columnChunkBits))
		c.mu.Unlock()
	}
	c.chunks[n>>columnChunkBits][off] = id
	c.length.Store(int64(n + 1))
}

func (c *column) len() int { return int(c.length.Load()) }

func (c *column) at(line int64) KeyID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if line < 0 || line >= c.length.Load() {
		panic(fmt.Sprintf("key column: line %d out of range [0,%d)", line, c.length.Load()))
	}
	return c.chunks[line>>columnChunkBits][line&(1<<columnChunkBits-1)]
}
