package session

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// tracker records which pages of a view have been bound. Faults may
// land concurrently; duplicate adds are harmless.
type tracker struct {
	mu sync.RWMutex
	b  *bitset.BitSet
}

func newTracker() *tracker {
	return &tracker{
		// The bitset resizes automatically based on the maximum set bit.
		b: bitset.New(0),
	}
}

func (t *tracker) add(page int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.b.Set(uint(page))
}

func (t *tracker) has(page int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.b.Test(uint(page))
}

func (t *tracker) count() uint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.b.Count()
}
