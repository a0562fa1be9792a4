// Package shm contains platform-specific helpers for the shared heap: memfd
// creation and sealing, mapping, and the CPU cache maintenance primitives.
package shm

import "errors"

// ErrUnsupported is returned by the helpers on platforms without memfd.
var ErrUnsupported = errors.New("shared heap: platform not supported")

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Fd   int
}

// MapOptions defines options for mapping a descriptor.
type MapOptions struct {
	Fd       int
	Size     int
	Offset   int64
	ReadOnly bool
}

// Seal flags reported by Seals.
const (
	SealSeal = 1 << iota
	SealShrink
	SealGrow
	SealWrite
)
