//go:build linux

package userfaultfd

// Values from <linux/userfaultfd.h>.
// https://docs.kernel.org/admin-guide/mm/userfaultfd.html
// https://man7.org/linux/man-pages/man2/userfaultfd.2.html
const (
	UFFD_API uint64 = 0xaa

	UFFD_EVENT_PAGEFAULT = 0x12

	UFFDIO_REGISTER_MODE_MISSING uint64 = 1 << 0

	UFFD_PAGEFAULT_FLAG_WRITE uint64 = 1 << 0
	UFFD_PAGEFAULT_FLAG_WP    uint64 = 1 << 1

	UFFD_FEATURE_POISON uint64 = 1 << 16

	// ioctl request numbers, expanded from the _IOWR/_IOR macros.
	UFFDIO_API        = 0xc018aa3f
	UFFDIO_REGISTER   = 0xc020aa00
	UFFDIO_UNREGISTER = 0x8010aa01
	UFFDIO_WAKE       = 0x8010aa02
	UFFDIO_COPY       = 0xc028aa03
	UFFDIO_ZEROPAGE   = 0xc020aa04
	UFFDIO_POISON     = 0xc020aa08
)
