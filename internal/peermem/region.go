package peermem

import (
	"fmt"
	"sync"
)

// Region is a reservation of p2p memory held for the lifetime of the
// service. It owns the underlying block until Release.
type Region struct {
	pool   Pool
	block  *Block
	size   int64
	frames *frameTable

	releaseOnce sync.Once
	releaseErr  error
}

// Reserve validates the requested size and carves a block out of the
// pool. The capability and size checks run before any allocation so a
// rejected request leaves nothing outstanding.
func Reserve(pool Pool, size int64) (*Region, error) {
	if !pool.HasPeerMemory() {
		return nil, ErrUnsupportedDevice
	}

	if size <= 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("%w: %d must be a positive multiple of the %d-byte page size", ErrInvalidSize, size, PageSize)
	}

	block, err := pool.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	return &Region{
		pool:   pool,
		block:  block,
		size:   size,
		frames: newFrameTable(),
	}, nil
}

func (r *Region) Size() int64 {
	return r.size
}

// Slice returns the backing bytes for [off, off+length).
func (r *Region) Slice(off, length int64) ([]byte, error) {
	if off < 0 || length < 0 || off+length > r.size {
		return nil, fmt.Errorf("slice [%d, %d) is outside the %d-byte region", off, off+length, r.size)
	}

	return r.block.Buf[off : off+length], nil
}

// FrameAt translates a byte offset within the region to the physical
// frame backing it and pins the frame. The offset is truncated to its
// page boundary. Translation failures are hard faults: the caller must
// surface them to the consumer as a bus error, not a soft error.
func (r *Region) FrameAt(off int64) (*Frame, error) {
	if off < 0 || off >= r.size {
		return nil, fmt.Errorf("%w: offset %d is outside the %d-byte region", ErrInvalidTranslation, off, r.size)
	}

	off &^= PageSize - 1

	if r.block.PhysBase == 0 {
		return nil, fmt.Errorf("%w: no physical address for offset %d", ErrInvalidTranslation, off)
	}

	pa := r.block.PhysBase + uint64(off)

	pfn := pa >> pageShift
	if !r.pool.PFNValid(pfn) {
		return nil, fmt.Errorf("%w: pfn %#x", ErrInvalidFrame, pfn)
	}

	f := r.frames.get(pfn)
	f.get()

	return f, nil
}

// Release returns the block to the pool. Safe to call multiple times;
// the block is freed exactly once.
func (r *Region) Release() error {
	r.releaseOnce.Do(func() {
		r.releaseErr = r.pool.Free(r.block)
	})

	return r.releaseErr
}
