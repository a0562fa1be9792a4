package shm

import (
	"fmt"
	"os"

	internalshm "github.com/srediag/vkmemfd/internal/shm"
)

// View is the renderer's handle on the heap: either a MappedView or a
// HandleView. The set is closed.
type View interface {
	Size() uint64
	Close() error
	view()
}

// MappedView exposes the heap through the renderer's own mapping. Host
// pointers into it are import sources.
type MappedView struct {
	*Heap
}

// HandleView exposes the heap only as its memfd. Import sources are
// kernel handles derived from the descriptor.
type HandleView struct {
	file *os.File
	size uint64
}

func (MappedView) view() {}
func (HandleView) view() {}

// File returns the heap descriptor.
func (v HandleView) File() *os.File { return v.file }

// Fd returns the raw heap descriptor.
func (v HandleView) Fd() int { return int(v.file.Fd()) }

// Size returns the heap size.
func (v HandleView) Size() uint64 { return v.size }

// Close closes the heap descriptor.
func (v HandleView) Close() error { return v.file.Close() }

// OpenView opens an inherited heap descriptor. mapped selects a MappedView,
// otherwise the descriptor is kept as a HandleView without mapping it.
func OpenView(f *os.File, mapped bool) (View, error) {
	if mapped {
		h, err := openMapped(f)
		if err != nil {
			return nil, err
		}
		return MappedView{Heap: h}, nil
	}
	size, err := internalshm.FileSize(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("heap size: %w", err)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return HandleView{file: f, size: uint64(size)}, nil
}
