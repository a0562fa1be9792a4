package shm

import "fmt"

// Region addresses Size bytes starting Offset bytes into the heap.
type Region struct {
	Offset uint64
	Size   uint64
}

// End returns the offset one past the last byte of r.
func (r Region) End() uint64 {
	return r.Offset + r.Size
}

// Within reports whether r lies entirely inside a heap of heapSize bytes.
func (r Region) Within(heapSize uint64) bool {
	return r.End() >= r.Offset && r.End() <= heapSize
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Offset, r.End())
}
