package pci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		locator  string
		expected Address
	}{
		{
			name:     "four components",
			locator:  "0000:3b:00.0",
			expected: Address{Domain: 0, Bus: 0x3b, Slot: 0, Function: 0},
		},
		{
			name:     "four components with nonzero domain",
			locator:  "0001:a0:1f.7",
			expected: Address{Domain: 1, Bus: 0xa0, Slot: 0x1f, Function: 7},
		},
		{
			name:     "three components imply domain 0",
			locator:  "3b:00.0",
			expected: Address{Domain: 0, Bus: 0x3b, Slot: 0, Function: 0},
		},
		{
			name:     "three components with function",
			locator:  "ff:1f.7",
			expected: Address{Domain: 0, Bus: 0xff, Slot: 0x1f, Function: 7},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			addr, err := ParseAddress(tt.locator)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, addr)
		})
	}
}

func TestParseAddress_Malformed(t *testing.T) {
	t.Parallel()

	locators := []string{
		"",
		"3b",
		"3b:00",
		"zz:00.0",
		"not a locator",
		// Out-of-range components.
		"10000:00:00.0",
		"00:20.0",
		"00:1f.8",
		"0000:100:00.0",
	}

	for _, locator := range locators {
		locator := locator
		t.Run(locator, func(t *testing.T) {
			t.Parallel()

			_, err := ParseAddress(locator)
			require.ErrorIs(t, err, ErrMalformedLocator)
		})
	}
}

func TestAddressString(t *testing.T) {
	t.Parallel()

	addr := Address{Domain: 0, Bus: 0x3b, Slot: 0, Function: 0}
	assert.Equal(t, "0000:3b:00.0", addr.String())

	addr = Address{Domain: 0x10, Bus: 0xa0, Slot: 0x1f, Function: 7}
	assert.Equal(t, "0010:a0:1f.7", addr.String())
}

func TestParseAddress_RoundTrip(t *testing.T) {
	t.Parallel()

	addr, err := ParseAddress("0002:3b:1e.5")
	require.NoError(t, err)

	parsed, err := ParseAddress(addr.String())
	require.NoError(t, err)
	assert.Equal(t, addr, parsed)
}
