package peermem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCarver_FirstFit(t *testing.T) {
	t.Parallel()

	c := newCarver(10 * PageSize)

	a, err := c.alloc(2 * PageSize)
	require.NoError(t, err)
	assert.Equal(t, int64(0), a)

	b, err := c.alloc(3 * PageSize)
	require.NoError(t, err)
	assert.Equal(t, 2*PageSize, b)

	require.NoError(t, c.free(a))

	// The freed gap at the front is reused.
	reused, err := c.alloc(PageSize)
	require.NoError(t, err)
	assert.Equal(t, int64(0), reused)

	// A request larger than the gap lands after the last allocation.
	tail, err := c.alloc(4 * PageSize)
	require.NoError(t, err)
	assert.Equal(t, 5*PageSize, tail)
}

func TestCarver_Exhaustion(t *testing.T) {
	t.Parallel()

	c := newCarver(2 * PageSize)

	_, err := c.alloc(2 * PageSize)
	require.NoError(t, err)

	_, err = c.alloc(PageSize)
	require.Error(t, err)

	assert.Equal(t, int64(0), c.available())
}

func TestCarver_FreeUnknownOffset(t *testing.T) {
	t.Parallel()

	c := newCarver(2 * PageSize)

	require.Error(t, c.free(0))
}
