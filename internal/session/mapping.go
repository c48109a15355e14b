package session

import (
	"fmt"

	"github.com/peermem/p2pmmap/internal/peermem"
)

// Mapping is a granted demand-paged view of the region. Fault is safe
// to call concurrently for distinct pages; concurrent faults on the
// same page resolve to the same frame.
type Mapping struct {
	region  *peermem.Region
	offset  int64
	length  int64
	tracker *tracker
}

func (m *Mapping) Offset() int64 {
	return m.offset
}

func (m *Mapping) Length() int64 {
	return m.length
}

// Pages returns the number of pages the view spans.
func (m *Mapping) Pages() int64 {
	return (m.length + peermem.PageSize - 1) / peermem.PageSize
}

// Fault resolves the physical frame backing a page of the view. The
// page index is relative to the view's own origin; the view's base
// offset within the region is added before translation. Errors here are
// bus-error-class: the adapter surfaces them as a hardware fault signal
// and never retries.
func (m *Mapping) Fault(page int64) (*peermem.Frame, error) {
	if page < 0 || page >= m.Pages() {
		return nil, fmt.Errorf("%w: page %d outside the %d-page view", peermem.ErrInvalidTranslation, page, m.Pages())
	}

	frame, err := m.region.FrameAt(m.offset + page*peermem.PageSize)
	if err != nil {
		return nil, err
	}

	m.tracker.add(page)

	return frame, nil
}

// Page returns the backing bytes of one page of the view.
func (m *Mapping) Page(page int64) ([]byte, error) {
	if page < 0 || page >= m.Pages() {
		return nil, fmt.Errorf("page %d outside the %d-page view", page, m.Pages())
	}

	off := m.offset + page*peermem.PageSize

	length := peermem.PageSize
	if off+length > m.offset+m.length {
		length = m.offset + m.length - off
	}

	return m.region.Slice(off, length)
}

// Bound reports how many distinct pages of the view have been faulted in.
func (m *Mapping) Bound() uint {
	return m.tracker.count()
}

// BoundPage reports whether a specific page has been faulted in.
func (m *Mapping) BoundPage(page int64) bool {
	return m.tracker.has(page)
}
