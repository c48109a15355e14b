package session

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/peermem/p2pmmap/internal/peermem"
)

var (
	ErrAlreadyOpen       = errors.New("session already open")
	ErrMappingOutOfRange = errors.New("mapping out of range")
)

// Service gates access to a reserved region: at most one consumer holds
// the session at a time, and each granted mapping resolves its pages
// lazily against the region.
type Service struct {
	region *peermem.Region
	opened atomic.Bool
	log    *zap.Logger
}

func New(region *peermem.Region, log *zap.Logger) *Service {
	return &Service{
		region: region,
		log:    log,
	}
}

func (s *Service) Region() *peermem.Region {
	return s.region
}

// TryOpen claims the single session slot. The check and the transition
// are one compare-and-swap so concurrent callers cannot both win.
func (s *Service) TryOpen() error {
	if !s.opened.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}

	s.log.Debug("session opened")

	return nil
}

// Close returns the service to the closed state. A redundant close is
// not an error; there is only one bit of state to clear.
func (s *Service) Close() {
	if s.opened.CompareAndSwap(true, false) {
		s.log.Debug("session closed")
	}
}

func (s *Service) Opened() bool {
	return s.opened.Load()
}

// Map grants a demand-paged view of [off, off+length) within the
// region. No frames are bound here; binding happens per page on first
// touch. The offset must be page-aligned.
func (s *Service) Map(off, length int64) (*Mapping, error) {
	if off < 0 || length < 0 || off%peermem.PageSize != 0 {
		return nil, fmt.Errorf("%w: offset %d must be a non-negative page multiple", ErrMappingOutOfRange, off)
	}

	if off+length > s.region.Size() {
		return nil, fmt.Errorf("%w: [%d, %d) exceeds the %d-byte region", ErrMappingOutOfRange, off, off+length, s.region.Size())
	}

	s.log.Debug("mapping granted", zap.Int64("offset", off), zap.Int64("length", length))

	return &Mapping{
		region:  s.region,
		offset:  off,
		length:  length,
		tracker: newTracker(),
	}, nil
}
