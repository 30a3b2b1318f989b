//go:build !unix

package alloc

import (
	"os"
	"unsafe"
)

func pageSize() int {
	return os.Getpagesize()
}

// Without mmap, mappings are page-aligned Go memory
func mapAnonymous(length int) ([]byte, error) {
	page := uintptr(pageSize())
	buf := make([]byte, uintptr(length)+page-1)
	base := uintptr(unsafe.Pointer(&buf[0]))
	off := int((page - base%page) % page)
	return buf[off : off+length : off+length], nil
}

func unmap([]byte) error {
	return nil
}
