package shm

import (
	"errors"
	"fmt"
	"os"

	internalshm "github.com/srediag/vkmemfd/internal/shm"
)

var (
	ErrInvalidSize  = errors.New("invalid heap size")
	ErrNotSealed    = errors.New("heap is not sealed against resizing")
	ErrOutOfRange   = errors.New("region outside the heap")
	ErrHeapUnmapped = errors.New("heap is not mapped")
)

// Heap is a sealed, fixed-size, memfd-backed region mapped read-write into
// the creating process.
type Heap struct {
	file   *os.File
	region *internalshm.MappedRegion
	size   uint64
}

// CreateOptions defines how the heap is created.
type CreateOptions struct {
	// Name labels the memfd in /proc/<pid>/fd.
	Name string
	// Size is the fixed heap size in bytes.
	Size uint64
}

// Create creates, seals and maps a new heap.
func Create(opts CreateOptions) (*Heap, error) {
	if opts.Size == 0 || opts.Size > uint64(maxInt) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, opts.Size)
	}
	fd, err := internalshm.CreateMemfd(opts.Name, int64(opts.Size), true)
	if err != nil {
		return nil, fmt.Errorf("create heap: %w", err)
	}
	seals, err := internalshm.Seals(fd)
	if err != nil {
		_ = internalshm.CloseFd(fd)
		return nil, fmt.Errorf("create heap: %w", err)
	}
	if seals&(internalshm.SealShrink|internalshm.SealGrow) != internalshm.SealShrink|internalshm.SealGrow {
		_ = internalshm.CloseFd(fd)
		return nil, ErrNotSealed
	}
	region, err := internalshm.MapRegion(internalshm.MapOptions{Fd: fd, Size: int(opts.Size)})
	if err != nil {
		_ = internalshm.CloseFd(fd)
		return nil, fmt.Errorf("map heap: %w", err)
	}
	return &Heap{
		file:   os.NewFile(uintptr(fd), opts.Name),
		region: region,
		size:   opts.Size,
	}, nil
}

// openMapped maps an existing heap descriptor.
func openMapped(f *os.File) (*Heap, error) {
	size, err := internalshm.FileSize(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("heap size: %w", err)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	region, err := internalshm.MapRegion(internalshm.MapOptions{Fd: int(f.Fd()), Size: int(size)})
	if err != nil {
		return nil, fmt.Errorf("map heap: %w", err)
	}
	return &Heap{file: f, region: region, size: uint64(size)}, nil
}

// Size returns the fixed heap size.
func (h *Heap) Size() uint64 { return h.size }

// File returns the backing memfd. It stays owned by the heap.
func (h *Heap) File() *os.File { return h.file }

// Bytes returns the whole mapping.
func (h *Heap) Bytes() []byte {
	if h.region == nil {
		return nil
	}
	return h.region.Addr
}

// Base returns the address of the first mapped byte.
func (h *Heap) Base() uintptr {
	return internalshm.AddrOf(h.Bytes())
}

// Slice returns the mapped bytes of r.
func (h *Heap) Slice(r Region) ([]byte, error) {
	mem := h.Bytes()
	if mem == nil {
		return nil, ErrHeapUnmapped
	}
	if !r.Within(h.size) {
		return nil, fmt.Errorf("%w: %s of %d bytes", ErrOutOfRange, r, h.size)
	}
	return mem[r.Offset:r.End():r.End()], nil
}

// Slices returns the mapped bytes of every region, in order.
func (h *Heap) Slices(regions []Region) ([][]byte, error) {
	out := make([][]byte, 0, len(regions))
	for _, r := range regions {
		b, err := h.Slice(r)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Close unmaps the heap and closes its descriptor.
func (h *Heap) Close() error {
	var errs []error
	if err := internalshm.UnmapRegion(h.region); err != nil {
		errs = append(errs, err)
	}
	h.region = nil
	if h.file != nil {
		if err := h.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const maxInt = int(^uint(0) >> 1)
