// Package negotiate computes the heap layout from the device's placement
// constraints. It runs in the renderer, once; the controller only ever sees
// the resulting layout.Layout.
package negotiate

import (
	"errors"
	"fmt"

	internalshm "github.com/srediag/vkmemfd/internal/shm"
	"github.com/srediag/vkmemfd/pkg/device"
	"github.com/srediag/vkmemfd/pkg/layout"
)

var (
	ErrNotImportable         = errors.New("import path not importable for buffer usage")
	ErrDedicatedSizeMismatch = errors.New("dedicated allocation size not aligned")
	ErrInvalidDimensions     = errors.New("invalid image dimensions")
	ErrHeapTooSmall          = layout.ErrHeapTooSmall
)

// BufferKind is one of the two logical buffers carved from the heap.
type BufferKind int

const (
	KindUniform BufferKind = iota
	KindOutput
)

func (k BufferKind) String() string {
	if k == KindOutput {
		return "output"
	}
	return "uniform"
}

// Usage returns the device usage of the kind.
func (k BufferKind) Usage() device.BufferUsage {
	if k == KindOutput {
		return device.BufferUsageTransferDst
	}
	return device.BufferUsageUniform
}

// BufferPlan is the negotiated placement of one buffer kind.
type BufferPlan struct {
	Kind  BufferKind
	Usage device.BufferUsage
	// NominalSize is the byte count the kind needs.
	NominalSize uint64
	// AllocSize is the slot size, NominalSize padded to Alignment.
	AllocSize uint64
	Alignment uint64
	// Dedicated is set when every import needs its own dedicated allocation.
	Dedicated    bool
	Requirements device.MemoryRequirements
	Props        device.ExternalMemoryProperties
}

// Plan is the full outcome of negotiation.
type Plan struct {
	Layout     layout.Layout
	Uniform    BufferPlan
	Output     BufferPlan
	HandleType device.HandleType
	// Alignment BaseSkip was computed against.
	Alignment uint64
}

// Params are the inputs of negotiation.
type Params struct {
	HeapSize uint64
	// HeapBase is the renderer's mapped base address; unused on the dma-buf path.
	HeapBase    uintptr
	Width       int
	Height      int
	OutputCount int
}

// Negotiate plans both buffer kinds and the heap layout. The same inputs
// always produce the same plan.
func Negotiate(dc *device.Context, p Params) (*Plan, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, p.Width, p.Height)
	}
	if p.OutputCount <= 0 {
		return nil, layout.ErrNoOutputs
	}
	handleType := dc.Path.HandleType()
	pathAlign := dc.Properties.MinImportedHostPointerAlignment
	if !dc.Path.Mapped() {
		pathAlign = uint64(internalshm.PageSize())
	}
	if pathAlign == 0 {
		return nil, layout.ErrZeroAlignment
	}

	uniform, err := planBuffer(dc, KindUniform, layout.UniformSize, pathAlign)
	if err != nil {
		return nil, err
	}
	imageSize := layout.ImageSize(p.Width, p.Height)
	output, err := planBuffer(dc, KindOutput, imageSize, pathAlign)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Uniform:    *uniform,
		Output:     *output,
		HandleType: handleType,
		Alignment:  max(uniform.Alignment, output.Alignment),
	}
	plan.Layout = layout.Layout{
		// every region starts at the larger alignment
		UniformSlotSize: layout.AlignedSize(uniform.AllocSize, plan.Alignment),
		OutputSlotSize:  layout.AlignedSize(output.AllocSize, plan.Alignment),
		OutputCount:     uint64(p.OutputCount),
	}
	if dc.Path.Mapped() {
		plan.Layout.BaseSkip = layout.BaseSkip(p.HeapBase, plan.Alignment)
	}
	if err := plan.Layout.Validate(p.HeapSize, imageSize); err != nil {
		return nil, err
	}
	return plan, nil
}

func planBuffer(dc *device.Context, kind BufferKind, nominal, pathAlign uint64) (*BufferPlan, error) {
	handleType := dc.Path.HandleType()
	props := dc.Physical.ExternalBufferProperties(kind.Usage(), handleType)
	if !props.Importable() {
		return nil, fmt.Errorf("%w: %s via %s", ErrNotImportable, kind, handleType)
	}

	buf, err := dc.Device.CreateBuffer(device.BufferCreateInfo{
		Size:                nominal,
		Usage:               kind.Usage(),
		ExternalHandleTypes: handleType,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s sizing buffer: %w", kind, err)
	}
	reqs, err := dc.Device.BufferMemoryRequirements(buf)
	dc.Device.DestroyBuffer(buf)
	if err != nil {
		return nil, fmt.Errorf("%s memory requirements: %w", kind, err)
	}

	bp := &BufferPlan{
		Kind:         kind,
		Usage:        kind.Usage(),
		NominalSize:  nominal,
		Alignment:    max(pathAlign, reqs.Alignment),
		Dedicated:    props.DedicatedOnly(),
		Requirements: reqs,
		Props:        props,
	}
	if bp.Dedicated {
		if nominal%bp.Alignment != 0 || reqs.Size > nominal {
			return nil, fmt.Errorf("%w: %s needs %d bytes, alignment %d",
				ErrDedicatedSizeMismatch, kind, nominal, bp.Alignment)
		}
		bp.AllocSize = nominal
		return bp, nil
	}
	bp.AllocSize = layout.AlignedSize(max(nominal, reqs.Size), bp.Alignment)
	return bp, nil
}

// Handshake returns the three values the renderer sends to the controller.
func (p *Plan) Handshake() []uint64 {
	return []uint64{p.Layout.BaseSkip, p.Layout.UniformSlotSize, p.Layout.OutputSlotSize}
}

// FromHandshake rebuilds the layout on the controller side.
func FromHandshake(values []uint64, outputCount int) (layout.Layout, error) {
	if len(values) != 3 {
		return layout.Layout{}, fmt.Errorf("handshake carries %d values, want 3", len(values))
	}
	return layout.Layout{
		BaseSkip:        values[0],
		UniformSlotSize: values[1],
		OutputSlotSize:  values[2],
		OutputCount:     uint64(outputCount),
	}, nil
}
