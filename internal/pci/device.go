package pci

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

var ErrDeviceNotFound = errors.New("pci device not found")

// Bus resolves addresses to live device handles.
type Bus interface {
	Find(addr Address) (*Device, error)
}

const DefaultSysfsRoot = "/sys/bus/pci/devices"

// SysfsBus resolves devices through the kernel's sysfs PCI tree.
type SysfsBus struct {
	// Root overrides the sysfs device directory. Empty means
	// DefaultSysfsRoot.
	Root string
}

func (b SysfsBus) Find(addr Address) (*Device, error) {
	root := b.Root
	if root == "" {
		root = DefaultSysfsRoot
	}

	path := filepath.Join(root, addr.String())

	ref, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, addr)
		}

		return nil, fmt.Errorf("failed to open device %s: %w", addr, err)
	}

	d := &Device{
		addr: addr,
		path: path,
		ref:  ref,
	}

	// Identity attributes are informational; a device without them is
	// still usable.
	d.vendorID, _ = readHexAttr(filepath.Join(path, "vendor"))
	d.deviceID, _ = readHexAttr(filepath.Join(path, "device"))

	return d, nil
}

// Device is a live handle to a PCI device. The handle keeps the sysfs
// device directory open until Close releases it.
type Device struct {
	addr     Address
	path     string
	vendorID uint32
	deviceID uint32

	ref       *os.File
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (d *Device) Addr() Address {
	return d.addr
}

func (d *Device) Path() string {
	return d.path
}

func (d *Device) VendorID() uint32 {
	return d.vendorID
}

func (d *Device) DeviceID() uint32 {
	return d.deviceID
}

func (d *Device) String() string {
	return fmt.Sprintf("%s [%04x:%04x]", d.addr, d.vendorID, d.deviceID)
}

// HasPeerMemory reports whether the device publishes a p2p memory pool.
func (d *Device) HasPeerMemory() bool {
	info, err := os.Stat(filepath.Join(d.path, "p2pmem"))

	return err == nil && info.IsDir()
}

// PeerMemSize returns the published size of the device's p2p memory pool.
func (d *Device) PeerMemSize() (int64, error) {
	return readIntAttr(filepath.Join(d.path, "p2pmem", "size"))
}

// PeerMemAvailable returns the unallocated portion of the pool.
func (d *Device) PeerMemAvailable() (int64, error) {
	return readIntAttr(filepath.Join(d.path, "p2pmem", "available"))
}

// Resource describes one entry of the device's sysfs resource table.
type Resource struct {
	Index int
	Start uint64
	End   uint64
	Flags uint64
}

func (r Resource) Size() int64 {
	if r.End < r.Start {
		return 0
	}

	return int64(r.End - r.Start + 1)
}

// IsMemory reports whether the resource is a memory BAR.
func (r Resource) IsMemory() bool {
	const ioresourceMem = 0x00000200

	return r.Flags&ioresourceMem != 0
}

// Resources parses the device's resource table. Entries with a zero
// start address are unpopulated BARs and are skipped.
func (d *Device) Resources() ([]Resource, error) {
	f, err := os.Open(filepath.Join(d.path, "resource"))
	if err != nil {
		return nil, fmt.Errorf("failed to open resource table: %w", err)
	}
	defer f.Close()

	var resources []Resource

	scanner := bufio.NewScanner(f)
	for i := 0; scanner.Scan(); i++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}

		start, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse resource %d start: %w", i, err)
		}

		end, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse resource %d end: %w", i, err)
		}

		flags, err := strconv.ParseUint(strings.TrimPrefix(fields[2], "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse resource %d flags: %w", i, err)
		}

		if start == 0 {
			continue
		}

		resources = append(resources, Resource{
			Index: i,
			Start: start,
			End:   end,
			Flags: flags,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read resource table: %w", err)
	}

	return resources, nil
}

// ResourcePath returns the mappable backing file for a BAR.
func (d *Device) ResourcePath(index int) string {
	return filepath.Join(d.path, fmt.Sprintf("resource%d", index))
}

func (d *Device) Closed() bool {
	return d.closed.Load()
}

// Close releases the device reference. Safe to call multiple times; the
// reference is dropped exactly once.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.closeErr = d.ref.Close()
	})

	return d.closeErr
}

func readHexAttr(path string) (uint32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse attribute %s: %w", path, err)
	}

	return uint32(v), nil
}

func readIntAttr(path string) (int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse attribute %s: %w", path, err)
	}

	return v, nil
}
