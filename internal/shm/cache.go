package shm

// CacheLineSize is the stride used by cache maintenance sweeps.
const CacheLineSize = 64

// MemoryFence orders all earlier loads and stores before any later ones.
func MemoryFence() {
	memoryFence()
}

// FlushCacheLine writes back and invalidates the cache line holding addr.
// On amd64 this is CLFLUSH, which serves both directions.
func FlushCacheLine(addr uintptr) {
	flushCacheLine(addr)
}
