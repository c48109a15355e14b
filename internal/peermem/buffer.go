package peermem

import (
	"fmt"
	"sync"
)

const defaultBufferPhysBase = 0x4_0000_0000

// BufferPool is an in-process pool backed by an anonymous buffer with a
// synthetic physical base. It stands in for a device pool in tests and
// when exercising the daemon without p2p-capable hardware.
type BufferPool struct {
	// PhysBase is the synthetic physical address of the pool start.
	// Zero makes every translation fail.
	PhysBase uint64
	// MaxPFN caps the frame numbers PFNValid accepts. Zero derives the
	// limit from the pool bounds.
	MaxPFN uint64
	// Disabled makes the pool report no p2p capability.
	Disabled bool

	mu     sync.Mutex
	buf    []byte
	carve  carver
	closed bool
}

func NewBufferPool(size int64) *BufferPool {
	return &BufferPool{
		PhysBase: defaultBufferPhysBase,
		buf:      make([]byte, size),
		carve:    newCarver(size),
	}
}

func (p *BufferPool) HasPeerMemory() bool {
	return !p.Disabled
}

func (p *BufferPool) Alloc(size int64) (*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("pool is closed")
	}

	off, err := p.carve.alloc(size)
	if err != nil {
		return nil, err
	}

	var physBase uint64
	if p.PhysBase != 0 {
		physBase = p.PhysBase + uint64(off)
	}

	return &Block{
		Buf:      p.buf[off : off+size : off+size],
		PhysBase: physBase,
		Offset:   off,
	}, nil
}

func (p *BufferPool) Free(b *Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.carve.free(b.Offset)
}

func (p *BufferPool) PFNValid(pfn uint64) bool {
	if p.PhysBase == 0 {
		return false
	}

	if p.MaxPFN != 0 {
		return pfn <= p.MaxPFN
	}

	first := p.PhysBase >> pageShift
	last := (p.PhysBase + uint64(len(p.buf)) - 1) >> pageShift

	return pfn >= first && pfn <= last
}

// Available reports the unreserved portion of the pool.
func (p *BufferPool) Available() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.carve.available()
}

func (p *BufferPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	return nil
}
