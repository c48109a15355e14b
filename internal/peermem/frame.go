package peermem

import (
	"sync"
	"sync/atomic"
)

// Frame describes one physical page of the reserved region. A frame is
// pinned by each successful fault resolution and unpinned with Put once
// the mapping no longer needs it.
type Frame struct {
	pfn  uint64
	refs atomic.Int64
}

// PFN returns the physical frame number.
func (f *Frame) PFN() uint64 {
	return f.pfn
}

// PhysAddr returns the page-aligned physical address of the frame.
func (f *Frame) PhysAddr() uint64 {
	return f.pfn << pageShift
}

// Refs returns the current pin count.
func (f *Frame) Refs() int64 {
	return f.refs.Load()
}

func (f *Frame) get() {
	f.refs.Add(1)
}

// Put drops one pin taken by a fault resolution.
func (f *Frame) Put() {
	f.refs.Add(-1)
}

// frameTable interns frames by pfn so repeated faults on the same page
// resolve to the same descriptor.
type frameTable struct {
	mu     sync.Mutex
	frames map[uint64]*Frame
}

func newFrameTable() *frameTable {
	return &frameTable{
		frames: make(map[uint64]*Frame),
	}
}

func (t *frameTable) get(pfn uint64) *Frame {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.frames[pfn]
	if !ok {
		f = &Frame{pfn: pfn}
		t.frames[pfn] = f
	}

	return f
}
