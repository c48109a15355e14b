package peermem

import (
	"fmt"
	"sort"
)

// carver tracks which byte ranges of a pool are handed out. First-fit,
// page-granular. Not safe for concurrent use; callers hold the pool lock.
type carver struct {
	size   int64
	allocs map[int64]int64
}

func newCarver(size int64) carver {
	return carver{
		size:   size,
		allocs: make(map[int64]int64),
	}
}

func (c *carver) alloc(size int64) (int64, error) {
	offsets := make([]int64, 0, len(c.allocs))
	for off := range c.allocs {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	var cursor int64
	for _, off := range offsets {
		if off-cursor >= size {
			break
		}

		cursor = off + c.allocs[off]
	}

	if c.size-cursor < size {
		return 0, fmt.Errorf("pool exhausted: %d bytes requested, %d bytes free at end of pool", size, c.size-cursor)
	}

	c.allocs[cursor] = size

	return cursor, nil
}

func (c *carver) free(off int64) error {
	if _, ok := c.allocs[off]; !ok {
		return fmt.Errorf("no allocation at offset %d", off)
	}

	delete(c.allocs, off)

	return nil
}

func (c *carver) available() int64 {
	var used int64
	for _, size := range c.allocs {
		used += size
	}

	return c.size - used
}
