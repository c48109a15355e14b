package peermem

import (
	"errors"
	"math/bits"
	"os"
)

var (
	ErrUnsupportedDevice = errors.New("device does not expose p2p memory")
	ErrInvalidSize       = errors.New("invalid p2pmem size")
	ErrAllocationFailed  = errors.New("p2pmem allocation failed")

	ErrInvalidTranslation = errors.New("invalid physical translation")
	ErrInvalidFrame       = errors.New("invalid frame")
)

var (
	// PageSize is the host page size. Reservation sizes and mapping
	// offsets are validated against it.
	PageSize = int64(os.Getpagesize())

	pageShift = uint(bits.TrailingZeros64(uint64(PageSize)))
)

// Block is a contiguous carve-out of a device's p2p memory pool.
type Block struct {
	// Buf is the host-accessible view of the block.
	Buf []byte
	// PhysBase is the physical address of the first byte. Zero means
	// the block has no valid translation.
	PhysBase uint64
	// Offset of the block within the pool.
	Offset int64
}

// Pool hands out blocks of a device's p2p memory. Implementations are
// safe for use by a single reservation lifecycle; Alloc and Free may be
// called from different goroutines.
type Pool interface {
	// HasPeerMemory reports whether the underlying device publishes a
	// p2p memory pool at all.
	HasPeerMemory() bool
	// Alloc carves size bytes out of the pool.
	Alloc(size int64) (*Block, error)
	// Free returns a previously allocated block to the pool.
	Free(b *Block) error
	// PFNValid reports whether a frame number refers to memory the
	// platform recognizes.
	PFNValid(pfn uint64) bool
	// Close releases pool resources. Blocks must be freed first.
	Close() error
}
