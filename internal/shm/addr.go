package shm

import "unsafe"

// addrOf returns the address of the first byte of b.
func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// AddrOf returns the address of the first byte of b, 0 for an empty slice.
func AddrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return addrOf(b)
}
