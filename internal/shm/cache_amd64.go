//go:build amd64

package shm

// Implemented in cache_amd64.s.
func memoryFence()

func flushCacheLine(addr uintptr)
