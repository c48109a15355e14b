package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peermem/p2pmmap/internal/peermem"
)

func newTestService(t *testing.T, pages int64) (*Service, *peermem.Region) {
	t.Helper()

	pool := peermem.NewBufferPool(2 * pages * peermem.PageSize)

	region, err := peermem.Reserve(pool, pages*peermem.PageSize)
	require.NoError(t, err)

	return New(region, zap.NewNop()), region
}

func TestTryOpenClose(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, 2)

	require.NoError(t, svc.TryOpen())
	assert.True(t, svc.Opened())

	require.ErrorIs(t, svc.TryOpen(), ErrAlreadyOpen)
	assert.True(t, svc.Opened())

	svc.Close()
	assert.False(t, svc.Opened())

	// The cycle repeats.
	require.NoError(t, svc.TryOpen())
	svc.Close()

	// A redundant close is not an error.
	svc.Close()
	assert.False(t, svc.Opened())

	require.NoError(t, svc.TryOpen())
}

func TestTryOpen_Concurrent(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, 2)

	const callers = 16

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if svc.TryOpen() == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestMap_Bounds(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, 2)

	size := svc.Region().Size()

	tests := []struct {
		name    string
		offset  int64
		length  int64
		wantErr bool
	}{
		{name: "full region", offset: 0, length: size},
		{name: "exact end boundary", offset: peermem.PageSize, length: size - peermem.PageSize},
		{name: "single page", offset: peermem.PageSize, length: peermem.PageSize},
		{name: "zero length", offset: 0, length: 0},
		{name: "one byte past the end", offset: 0, length: size + 1, wantErr: true},
		{name: "offset past the end", offset: size, length: peermem.PageSize, wantErr: true},
		{name: "negative offset", offset: -peermem.PageSize, length: peermem.PageSize, wantErr: true},
		{name: "negative length", offset: 0, length: -1, wantErr: true},
		{name: "unaligned offset", offset: 123, length: peermem.PageSize, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, err := svc.Map(tt.offset, tt.length)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMappingOutOfRange)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.offset, m.Offset())
			assert.Equal(t, tt.length, m.Length())
		})
	}
}

func TestMappingFault(t *testing.T) {
	t.Parallel()

	svc, region := newTestService(t, 2)

	m, err := svc.Map(0, 2*peermem.PageSize)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Pages())
	assert.Zero(t, m.Bound())

	f0, err := m.Fault(0)
	require.NoError(t, err)

	f1, err := m.Fault(1)
	require.NoError(t, err)

	// Frames are distinct and ordered page by page.
	assert.Equal(t, f0.PFN()+1, f1.PFN())

	// A repeated fault on the same page resolves to the same frame.
	again, err := m.Fault(0)
	require.NoError(t, err)
	assert.Same(t, f0, again)

	assert.Equal(t, uint(2), m.Bound())
	assert.True(t, m.BoundPage(0))
	assert.True(t, m.BoundPage(1))

	// A view starting at the second page resolves against the region
	// with its base offset added.
	tail, err := svc.Map(peermem.PageSize, peermem.PageSize)
	require.NoError(t, err)

	tf, err := tail.Fault(0)
	require.NoError(t, err)
	assert.Same(t, f1, tf)

	direct, err := region.FrameAt(peermem.PageSize)
	require.NoError(t, err)
	assert.Same(t, f1, direct)
}

func TestMappingFault_OutOfView(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, 2)

	m, err := svc.Map(0, peermem.PageSize)
	require.NoError(t, err)

	_, err = m.Fault(1)
	require.ErrorIs(t, err, peermem.ErrInvalidTranslation)

	_, err = m.Fault(-1)
	require.ErrorIs(t, err, peermem.ErrInvalidTranslation)

	assert.Zero(t, m.Bound())
}

func TestMappingPage(t *testing.T) {
	t.Parallel()

	svc, region := newTestService(t, 2)

	s, err := region.Slice(0, 2*peermem.PageSize)
	require.NoError(t, err)
	for i := range s {
		s[i] = byte(i % 251)
	}

	m, err := svc.Map(0, 2*peermem.PageSize)
	require.NoError(t, err)

	page1, err := m.Page(1)
	require.NoError(t, err)
	require.Len(t, page1, int(peermem.PageSize))
	assert.Equal(t, s[peermem.PageSize], page1[0])

	// A view whose length is not a page multiple exposes a short tail.
	short, err := svc.Map(0, peermem.PageSize+10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), short.Pages())

	tail, err := short.Page(1)
	require.NoError(t, err)
	assert.Len(t, tail, 10)

	_, err = m.Page(2)
	require.Error(t, err)
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()

	pool := peermem.NewBufferPool(4 * peermem.PageSize)

	region, err := peermem.Reserve(pool, 2*peermem.PageSize)
	require.NoError(t, err)

	svc := New(region, zap.NewNop())

	require.NoError(t, svc.TryOpen())

	m, err := svc.Map(0, 2*peermem.PageSize)
	require.NoError(t, err)

	f0, err := m.Fault(0)
	require.NoError(t, err)

	f1, err := m.Fault(1)
	require.NoError(t, err)

	assert.Equal(t, f0.PFN()+1, f1.PFN())

	svc.Close()
	require.NoError(t, svc.TryOpen())
	svc.Close()

	require.NoError(t, region.Release())
	assert.Equal(t, 4*peermem.PageSize, pool.Available())
}
