package uffd

// SetupMessage is sent by the consumer over the control socket together
// with its userfaultfd, passed as an SCM_RIGHTS control message. The
// consumer has already mmap'd an anonymous window of Length bytes at
// BaseHostVirtAddr and registered it with the userfaultfd; Offset
// places the window within the reserved region.
type SetupMessage struct {
	BaseHostVirtAddr uintptr `json:"base_host_virt_addr"`
	Offset           int64   `json:"offset"`
	Length           int64   `json:"length"`
}

// SetupReply tells the consumer whether the session was admitted and
// the window granted.
type SetupReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
