// Package layout describes how the shared heap is carved into one uniform
// parameter region followed by a run of fixed-size output image regions.
//
// A Layout is computed once, by the renderer, and travels to the controller
// by value. The controller derives its offsets from the received value and
// never recomputes device alignment itself.
package layout

import (
	"errors"
	"fmt"

	"golang.org/x/exp/constraints"

	"github.com/srediag/vkmemfd/pkg/shm"
)

const (
	// UniformSize is the nominal size of the uniform parameters, a vec4.
	UniformSize = 4 * 4
	// BytesPerPixel of the B8G8R8A8 output format.
	BytesPerPixel = 4
)

var (
	ErrHeapTooSmall        = errors.New("heap size too small")
	ErrUniformSlotTooSmall = errors.New("invalid uniform slot size")
	ErrOutputSlotTooSmall  = errors.New("invalid output slot size")
	ErrNoOutputs           = errors.New("no output regions")
	ErrZeroAlignment       = errors.New("zero alignment")
)

// Layout is the negotiated placement of every region in the heap.
type Layout struct {
	BaseSkip        uint64
	UniformSlotSize uint64
	OutputSlotSize  uint64
	OutputCount     uint64
}

// Uniform returns the uniform parameter region.
func (l Layout) Uniform() shm.Region {
	return shm.Region{Offset: l.BaseSkip, Size: l.UniformSlotSize}
}

// Output returns the i-th output region.
func (l Layout) Output(i uint64) shm.Region {
	return shm.Region{
		Offset: l.BaseSkip + l.UniformSlotSize + i*l.OutputSlotSize,
		Size:   l.OutputSlotSize,
	}
}

// Outputs returns all output regions in heap order.
func (l Layout) Outputs() []shm.Region {
	out := make([]shm.Region, l.OutputCount)
	for i := range out {
		out[i] = l.Output(uint64(i))
	}
	return out
}

// End returns the offset one past the last output region.
func (l Layout) End() uint64 {
	return l.BaseSkip + l.UniformSlotSize + l.OutputCount*l.OutputSlotSize
}

// Fits reports whether every region lies inside a heap of heapSize bytes.
func (l Layout) Fits(heapSize uint64) bool {
	if l.OutputSlotSize != 0 && l.OutputCount > (^uint64(0)-l.BaseSkip-l.UniformSlotSize)/l.OutputSlotSize {
		return false
	}
	return l.End() <= heapSize
}

// Validate checks l against the heap size and the image byte size the
// consumer is going to read from every output region.
func (l Layout) Validate(heapSize, imageSize uint64) error {
	if l.OutputCount == 0 {
		return ErrNoOutputs
	}
	if l.UniformSlotSize < UniformSize {
		return fmt.Errorf("%w: %d", ErrUniformSlotTooSmall, l.UniformSlotSize)
	}
	if l.OutputSlotSize < imageSize {
		return fmt.Errorf("%w: %d < %d", ErrOutputSlotTooSmall, l.OutputSlotSize, imageSize)
	}
	if !l.Fits(heapSize) {
		return fmt.Errorf("%w: layout ends at %d, heap has %d", ErrHeapTooSmall, l.End(), heapSize)
	}
	return nil
}

func (l Layout) String() string {
	return fmt.Sprintf("skip=%d uniform=%d output=%dx%d", l.BaseSkip, l.UniformSlotSize, l.OutputCount, l.OutputSlotSize)
}

// ImageSize returns the byte size of a width x height B8G8R8A8 image.
func ImageSize(width, height int) uint64 {
	return uint64(width) * uint64(height) * BytesPerPixel
}

// AlignedSize rounds nominal up to the next multiple of align.
func AlignedSize[T constraints.Unsigned](nominal, align T) T {
	if rem := nominal % align; rem != 0 {
		return nominal + align - rem
	}
	return nominal
}

// BaseSkip returns the bytes to skip from base so the first region starts
// on an align boundary.
func BaseSkip(base uintptr, align uint64) uint64 {
	if rem := uint64(base) % align; rem != 0 {
		return align - rem
	}
	return 0
}
