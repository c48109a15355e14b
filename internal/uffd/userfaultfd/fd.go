//go:build linux

package userfaultfd

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Fd wraps a userfaultfd file descriptor.
type Fd uintptr

// New creates a userfaultfd and negotiates the API version. The fd is
// non-blocking so a serve loop can poll it.
func New() (Fd, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("userfaultfd syscall failed: %w", errno)
	}

	f := Fd(fd)

	if err := f.api(0); err != nil {
		closeErr := f.Close()
		if closeErr != nil {
			err = fmt.Errorf("%w (and failed to close fd: %w)", err, closeErr)
		}

		return 0, err
	}

	return f, nil
}

func (f Fd) api(features uint64) error {
	api := UffdioAPI{
		API:      UFFD_API,
		Features: features,
	}

	ret, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(f), UFFDIO_API, uintptr(unsafe.Pointer(&api)))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_API ioctl failed: %w (ret=%d)", errno, ret)
	}

	return nil
}

// Register subscribes a virtual address range for missing-page events.
func (f Fd) Register(addr uintptr, size uint64, mode uint64) error {
	register := UffdioRegister{
		Range: UffdioRange{
			Start: uint64(addr),
			Len:   size,
		},
		Mode: mode,
	}

	ret, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(f), UFFDIO_REGISTER, uintptr(unsafe.Pointer(&register)))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_REGISTER ioctl failed: %w (ret=%d)", errno, ret)
	}

	return nil
}

func (f Fd) Unregister(addr, size uintptr) error {
	r := UffdioRange{
		Start: uint64(addr),
		Len:   uint64(size),
	}

	ret, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(f), UFFDIO_UNREGISTER, uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_UNREGISTER ioctl failed: %w (ret=%d)", errno, ret)
	}

	return nil
}

// Copy installs data at the faulting address and wakes the faulting
// thread. The address is truncated to its page boundary. The raw errno
// is returned so callers can detect EEXIST from a concurrent install.
func (f Fd) Copy(addr, pagesize uintptr, data []byte, mode uint64) error {
	cpy := UffdioCopy{
		Dst:  uint64(addr) &^ uint64(pagesize-1),
		Src:  uint64(uintptr(unsafe.Pointer(&data[0]))),
		Len:  uint64(pagesize),
		Mode: mode,
	}

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(f), UFFDIO_COPY, uintptr(unsafe.Pointer(&cpy))); errno != 0 {
		return errno
	}

	if cpy.Copy != int64(pagesize) {
		return fmt.Errorf("UFFDIO_COPY copied %d bytes, expected %d", cpy.Copy, pagesize)
	}

	return nil
}

// Poison marks the page so the faulting access observes SIGBUS. This is
// the hard-fault path for pages that cannot be resolved.
func (f Fd) Poison(addr, size uintptr) error {
	poison := UffdioPoison{
		Range: UffdioRange{
			Start: uint64(addr) &^ uint64(size-1),
			Len:   uint64(size),
		},
	}

	ret, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(f), UFFDIO_POISON, uintptr(unsafe.Pointer(&poison)))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_POISON ioctl failed: %w (ret=%d)", errno, ret)
	}

	return nil
}

func (f Fd) Close() error {
	return syscall.Close(int(f))
}
