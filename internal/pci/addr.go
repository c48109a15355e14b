package pci

import (
	"errors"
	"fmt"
)

var ErrMalformedLocator = errors.New("malformed pci locator")

// Address locates a device on the PCI bus.
type Address struct {
	Domain   uint32
	Bus      uint32
	Slot     uint32
	Function uint32
}

const (
	maxDomain   = 0xffff
	maxBus      = 0xff
	maxSlot     = 0x1f
	maxFunction = 0x7
)

// ParseAddress parses a locator in "dddd:bb:ss.f" form, falling back to
// "bb:ss.f" with an implied domain of 0. All components are hexadecimal.
func ParseAddress(locator string) (Address, error) {
	var domain, bus, slot, function uint32

	n, _ := fmt.Sscanf(locator, "%x:%x:%x.%x", &domain, &bus, &slot, &function)
	if n < 4 {
		domain = 0
		bus = 0
		slot = 0
		function = 0

		n, _ = fmt.Sscanf(locator, "%x:%x.%x", &bus, &slot, &function)
	}

	if n < 3 {
		return Address{}, fmt.Errorf("%w: %q", ErrMalformedLocator, locator)
	}

	if domain > maxDomain || bus > maxBus || slot > maxSlot || function > maxFunction {
		return Address{}, fmt.Errorf("%w: %q has out-of-range components", ErrMalformedLocator, locator)
	}

	return Address{
		Domain:   domain,
		Bus:      bus,
		Slot:     slot,
		Function: function,
	}, nil
}

// String renders the canonical sysfs form of the address.
func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Slot, a.Function)
}
