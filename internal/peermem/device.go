package peermem

import (
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/peermem/p2pmmap/internal/pci"
)

// DevicePool carves reservations out of a PCI device's p2p memory pool.
// Blocks are backed by a memory-mapped window of the BAR publishing the
// pool, so reads and writes go straight to device memory.
type DevicePool struct {
	dev      *pci.Device
	f        *os.File
	physBase uint64
	size     int64

	mu       sync.Mutex
	carve    carver
	mappings map[int64]mmap.MMap
}

// OpenDevicePool prepares the pool of a resolved device. A device
// without a p2p pool yields a pool whose HasPeerMemory reports false;
// capability rejection is the reservation's job, not ours.
func OpenDevicePool(dev *pci.Device) (*DevicePool, error) {
	p := &DevicePool{
		dev:      dev,
		mappings: make(map[int64]mmap.MMap),
	}

	if !dev.HasPeerMemory() {
		return p, nil
	}

	size, err := dev.PeerMemSize()
	if err != nil {
		return nil, fmt.Errorf("failed to read p2pmem pool size of %s: %w", dev, err)
	}

	resources, err := dev.Resources()
	if err != nil {
		return nil, fmt.Errorf("failed to read resource table of %s: %w", dev, err)
	}

	// The pool lives at the start of the first memory BAR large enough
	// to hold it.
	var bar *pci.Resource
	for i := range resources {
		if resources[i].IsMemory() && resources[i].Size() >= size {
			bar = &resources[i]

			break
		}
	}

	if bar == nil {
		return nil, fmt.Errorf("%w: no mappable BAR backs the %d-byte pool of %s", ErrUnsupportedDevice, size, dev)
	}

	f, err := os.OpenFile(dev.ResourcePath(bar.Index), os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open BAR %d of %s: %w", bar.Index, dev, err)
	}

	p.f = f
	p.physBase = bar.Start
	p.size = size
	p.carve = newCarver(size)

	return p, nil
}

func (p *DevicePool) HasPeerMemory() bool {
	return p.f != nil
}

func (p *DevicePool) Alloc(size int64) (*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return nil, fmt.Errorf("device %s has no p2pmem pool", p.dev)
	}

	off, err := p.carve.alloc(size)
	if err != nil {
		return nil, err
	}

	m, err := mmap.MapRegion(p.f, int(size), mmap.RDWR, 0, off)
	if err != nil {
		freeErr := p.carve.free(off)
		if freeErr != nil {
			err = fmt.Errorf("%w (and failed to undo carve: %w)", err, freeErr)
		}

		return nil, fmt.Errorf("failed to map %d bytes of BAR at offset %d: %w", size, off, err)
	}

	p.mappings[off] = m

	return &Block{
		Buf:      m,
		PhysBase: p.physBase + uint64(off),
		Offset:   off,
	}, nil
}

func (p *DevicePool) Free(b *Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.mappings[b.Offset]
	if !ok {
		return fmt.Errorf("no mapping at pool offset %d", b.Offset)
	}

	delete(p.mappings, b.Offset)

	unmapErr := m.Unmap()
	freeErr := p.carve.free(b.Offset)

	if unmapErr != nil {
		return fmt.Errorf("failed to unmap block at offset %d: %w", b.Offset, unmapErr)
	}

	return freeErr
}

func (p *DevicePool) PFNValid(pfn uint64) bool {
	if p.f == nil {
		return false
	}

	first := p.physBase >> pageShift
	last := (p.physBase + uint64(p.size) - 1) >> pageShift

	return pfn >= first && pfn <= last
}

// Available reports the unreserved portion of the pool.
func (p *DevicePool) Available() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return 0
	}

	return p.carve.available()
}

func (p *DevicePool) Close() error {
	if p.f == nil {
		return nil
	}

	return p.f.Close()
}
