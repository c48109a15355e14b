//go:build linux

package userfaultfd

import "unsafe"

// Wire structs from <linux/userfaultfd.h>. Layouts must match the
// kernel exactly; see the layout test.

type UffdioAPI struct {
	API      uint64
	Features uint64
	Ioctls   uint64
}

type UffdioRange struct {
	Start uint64
	Len   uint64
}

type UffdioRegister struct {
	Range  UffdioRange
	Mode   uint64
	Ioctls uint64
}

type UffdioCopy struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

type UffdioPoison struct {
	Range   UffdioRange
	Mode    uint64
	Updated int64
}

type UffdMsg struct {
	Event uint8
	_     [7]byte
	Arg   [24]byte
}

type UffdPagefault struct {
	Flags   uint64
	Address uint64
	Ptid    uint32
	_       uint32
}

// Pagefault reinterprets the message payload. Valid only when Event is
// UFFD_EVENT_PAGEFAULT.
func (m *UffdMsg) Pagefault() *UffdPagefault {
	return (*UffdPagefault)(unsafe.Pointer(&m.Arg[0]))
}

func (pf *UffdPagefault) IsWrite() bool {
	return pf.Flags&UFFD_PAGEFAULT_FLAG_WRITE != 0
}

func (pf *UffdPagefault) IsWriteProtect() bool {
	return pf.Flags&UFFD_PAGEFAULT_FLAG_WP != 0
}
