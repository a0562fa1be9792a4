// Package importer binds heap regions to device buffers through external
// memory imports. Every region gets its own allocation.
package importer

import (
	"errors"
	"fmt"
	"math/bits"
	"os"

	"github.com/srediag/vkmemfd/internal/debug"
	"github.com/srediag/vkmemfd/internal/udmabuf"
	"github.com/srediag/vkmemfd/pkg/device"
	"github.com/srediag/vkmemfd/pkg/layout"
	"github.com/srediag/vkmemfd/pkg/negotiate"
	"github.com/srediag/vkmemfd/pkg/shm"

	internalshm "github.com/srediag/vkmemfd/internal/shm"
)

var (
	ErrNoMemoryType = errors.New("no memory type accepts the import")
	ErrViewMismatch = errors.New("heap view does not match the import path")
)

// HandleSource derives kernel handles scoped to a range of the heap memfd.
type HandleSource interface {
	Create(memfd int, offset, size uint64) (int, error)
	Close() error
}

// ImportedBuffer is a device buffer bound to one heap region.
type ImportedBuffer struct {
	Kind       negotiate.BufferKind
	Region     shm.Region
	Buffer     device.Buffer
	Memory     device.Memory
	MemoryType int
}

// Bindings are all imported buffers of a layout.
type Bindings struct {
	Uniform *ImportedBuffer
	Outputs []*ImportedBuffer
}

// Option configures an Importer.
type Option func(*Importer)

// WithHandleSource sets the handle source of the dma-buf path. The importer
// opens /dev/udmabuf when none is given.
func WithHandleSource(src HandleSource) Option {
	return func(i *Importer) { i.handles = src }
}

// WithLogger sets the logger.
func WithLogger(l *debug.Logger) Option {
	return func(i *Importer) { i.logger = l }
}

// Importer binds regions of one heap view to one device.
type Importer struct {
	dc          *device.Context
	view        shm.View
	plan        *negotiate.Plan
	handles     HandleSource
	ownsHandles bool
	logger      *debug.Logger
}

// New checks that view matches the import path of dc.
func New(dc *device.Context, view shm.View, plan *negotiate.Plan, opts ...Option) (*Importer, error) {
	i := &Importer{dc: dc, view: view, plan: plan, logger: debug.New("importer", os.Stderr)}
	for _, opt := range opts {
		opt(i)
	}
	switch view.(type) {
	case shm.MappedView:
		if !dc.Path.Mapped() {
			return nil, fmt.Errorf("%w: mapped view on %s path", ErrViewMismatch, dc.Path)
		}
	case shm.HandleView:
		if dc.Path.Mapped() {
			return nil, fmt.Errorf("%w: handle view on %s path", ErrViewMismatch, dc.Path)
		}
		if i.handles == nil {
			dev, err := udmabuf.Open("")
			if err != nil {
				return nil, err
			}
			i.handles = dev
			i.ownsHandles = true
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrViewMismatch, view)
	}
	return i, nil
}

// Bind imports region for the buffer kind described by bp.
func (i *Importer) Bind(region shm.Region, bp negotiate.BufferPlan) (*ImportedBuffer, error) {
	if !region.Within(i.view.Size()) {
		return nil, fmt.Errorf("%w: %s", shm.ErrOutOfRange, region)
	}
	dev := i.dc.Device
	handleType := i.plan.HandleType
	buf, err := dev.CreateBuffer(device.BufferCreateInfo{
		Size:                region.Size,
		Usage:               bp.Usage,
		ExternalHandleTypes: handleType,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s buffer: %w", bp.Kind, err)
	}
	reqs, err := dev.BufferMemoryRequirements(buf)
	if err != nil {
		dev.DestroyBuffer(buf)
		return nil, fmt.Errorf("%s memory requirements: %w", bp.Kind, err)
	}

	src := &device.ImportSource{HandleType: handleType, Fd: -1}
	var importBits uint32
	switch v := i.view.(type) {
	case shm.MappedView:
		src.HostPointer, err = v.Slice(region)
		if err == nil {
			importBits, err = dev.MemoryHostPointerProperties(handleType, src.HostPointer)
		}
	case shm.HandleView:
		src.Fd, err = i.handles.Create(v.Fd(), region.Offset, region.Size)
		if err == nil {
			importBits, err = dev.MemoryFdProperties(handleType, src.Fd)
		}
	}
	fail := func(err error) (*ImportedBuffer, error) {
		if src.Fd >= 0 {
			_ = internalshm.CloseFd(src.Fd)
		}
		dev.DestroyBuffer(buf)
		return nil, err
	}
	if err != nil {
		return fail(fmt.Errorf("import %s region %s: %w", bp.Kind, region, err))
	}

	compatible := reqs.MemoryTypeBits & importBits
	if compatible == 0 {
		return fail(fmt.Errorf("%w: %s buffer %#b, import %#b", ErrNoMemoryType, bp.Kind, reqs.MemoryTypeBits, importBits))
	}
	typeIndex := bits.TrailingZeros32(compatible)

	info := device.MemoryAllocateInfo{
		Size:            region.Size,
		MemoryTypeIndex: typeIndex,
		Import:          src,
	}
	if bp.Dedicated {
		info.DedicatedBuffer = buf
	}
	mem, err := dev.AllocateMemory(info)
	if err != nil {
		return fail(fmt.Errorf("allocate %s memory: %w", bp.Kind, err))
	}
	if err := dev.BindBufferMemory(buf, mem, 0); err != nil {
		dev.FreeMemory(mem)
		dev.DestroyBuffer(buf)
		return nil, fmt.Errorf("bind %s buffer: %w", bp.Kind, err)
	}
	i.logger.Debugf("bound %s region %s to memory type %d", bp.Kind, region, typeIndex)
	return &ImportedBuffer{
		Kind:       bp.Kind,
		Region:     region,
		Buffer:     buf,
		Memory:     mem,
		MemoryType: typeIndex,
	}, nil
}

// BindAll imports the uniform region and then every output region of l.
func (i *Importer) BindAll(l layout.Layout) (*Bindings, error) {
	b := &Bindings{}
	uniform, err := i.Bind(l.Uniform(), i.plan.Uniform)
	if err != nil {
		return nil, err
	}
	b.Uniform = uniform
	for n, region := range l.Outputs() {
		out, err := i.Bind(region, i.plan.Output)
		if err != nil {
			i.Release(b)
			return nil, fmt.Errorf("output %d: %w", n, err)
		}
		b.Outputs = append(b.Outputs, out)
	}
	return b, nil
}

// Release frees every buffer and allocation of b.
func (i *Importer) Release(b *Bindings) {
	release := func(ib *ImportedBuffer) {
		if ib == nil {
			return
		}
		i.dc.Device.DestroyBuffer(ib.Buffer)
		i.dc.Device.FreeMemory(ib.Memory)
	}
	release(b.Uniform)
	for _, ib := range b.Outputs {
		release(ib)
	}
	b.Uniform, b.Outputs = nil, nil
}

// Close releases the handle source if the importer opened it.
func (i *Importer) Close() error {
	if i.ownsHandles {
		return i.handles.Close()
	}
	return nil
}
