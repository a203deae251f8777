package nnaccel

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// System page size. Read at startup.
var pageSize uintptr

// Allocate 'size' bytes of memory, aligned to a page boundary.
// The NPU driver can import page aligned memory without an extra copy.
func PageAlignedAlloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	raw := make([]byte, size+int(pageSize))
	offset := pageSize - (uintptr(unsafe.Pointer(&raw[0])) % pageSize)
	if offset == pageSize {
		offset = 0
	}
	return raw[offset : int(offset)+size : int(offset)+size]
}

// Returns true if the first byte of buf lies on a page boundary
func IsPageAligned(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	return uintptr(unsafe.Pointer(&buf[0]))%pageSize == 0
}

func init() {
	pageSize = uintptr(unix.Getpagesize())
}
