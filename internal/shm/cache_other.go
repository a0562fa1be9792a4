//go:build !amd64

package shm

import "sync/atomic"

var fenceWord atomic.Uint32

// Sequentially consistent atomics are the only fence the portable runtime offers.
func memoryFence() {
	fenceWord.Add(1)
}

// TODO: DC CIVAC on arm64 once the heap is exercised on a non-coherent arm64 platform.
func flushCacheLine(addr uintptr) {
	memoryFence()
}
