package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"honnef.co/go/safeish"

	"github.com/srediag/vkmemfd/internal/debug"
	"github.com/srediag/vkmemfd/pkg/device"
	"github.com/srediag/vkmemfd/pkg/frame"
	"github.com/srediag/vkmemfd/pkg/importer"
	"github.com/srediag/vkmemfd/pkg/layout"
	"github.com/srediag/vkmemfd/pkg/negotiate"
	"github.com/srediag/vkmemfd/pkg/shaders"
	"github.com/srediag/vkmemfd/pkg/shm"
	"github.com/srediag/vkmemfd/pkg/transport"

	// the reference driver registers itself
	_ "github.com/srediag/vkmemfd/internal/softgpu"
)

var clearColor = [4]float32{0.1, 0.1, 0.1, 1}

// triangle covering the centre of the viewport
var triangle = []device.Vertex{
	{-1, -1},
	{0, 1},
	{1, -1},
}

// RendererFiles are the descriptors a renderer inherits.
type RendererFiles struct {
	In   *os.File
	Out  *os.File
	Heap *os.File
}

// RendererOptions are the collaborators of the renderer.
type RendererOptions struct {
	Stdout   io.Writer
	Stderr   io.Writer
	Importer []importer.Option
}

// RunRenderer opens the device, negotiates and sends the layout, imports
// every heap region and then serves frame requests until the controller
// hangs up.
func RunRenderer(ctx context.Context, cfg *Config, files RendererFiles, opts RendererOptions) error {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if err := VerifyConfig(cfg); err != nil {
		return err
	}
	logger := debug.New("renderer", opts.Stderr)
	fmt.Fprintf(opts.Stdout, "renderer uses %s\n", cfg.Path)

	view, err := shm.OpenView(files.Heap, cfg.Path.Mapped())
	if err != nil {
		return err
	}
	defer view.Close()

	drv, err := device.Lookup(cfg.Driver)
	if err != nil {
		return err
	}
	dc, err := device.Open(drv, cfg.Path)
	if err != nil {
		return err
	}
	defer dc.Close()
	logger.Infof("device %s, API %s, queue family %d", dc.Properties.Name, dc.Properties.APIVersion, dc.QueueFamily)

	params := negotiate.Params{
		HeapSize:    view.Size(),
		Width:       cfg.Width,
		Height:      cfg.Height,
		OutputCount: cfg.OutputCount,
	}
	if mv, ok := view.(shm.MappedView); ok {
		params.HeapBase = mv.Base()
	}
	plan, err := negotiate.Negotiate(dc, params)
	if err != nil {
		return err
	}
	logger.Infof("layout %s", plan.Layout)

	ch := transport.New(files.In, files.Out, channelOptions(cfg, opts.Stderr)...)
	if err := ch.SendValues(plan.Handshake()...); err != nil {
		return fmt.Errorf("layout handshake: %w", err)
	}

	imp, err := importer.New(dc, view, plan, append([]importer.Option{importer.WithLogger(logger)}, opts.Importer...)...)
	if err != nil {
		return err
	}
	defer imp.Close()
	bindings, err := imp.BindAll(plan.Layout)
	if err != nil {
		return err
	}
	defer imp.Release(bindings)

	cmds, err := record(dc, cfg, bindings)
	if err != nil {
		return err
	}
	exec := frame.ExecutorFunc(func(index uint32) error {
		if err := dc.Queue.Submit(cmds[index]); err != nil {
			return err
		}
		return dc.Queue.WaitIdle()
	})
	return frame.NewRenderer(ch, uint32(cfg.OutputCount), exec).Serve(ctx)
}

// record builds the pipeline and one command buffer per output.
func record(dc *device.Context, cfg *Config, b *importer.Bindings) ([]device.CommandBuffer, error) {
	vb, err := vertexBuffer(dc)
	if err != nil {
		return nil, err
	}
	vs, err := shaders.Vertex()
	if err != nil {
		return nil, err
	}
	fs, err := shaders.Fragment()
	if err != nil {
		return nil, err
	}
	pl, err := dc.Device.CreateGraphicsPipeline(device.PipelineCreateInfo{
		VertexShader:   vs,
		VertexEntry:    shaders.VertexEntryPoint,
		FragmentShader: fs,
		FragmentEntry:  shaders.FragmentEntryPoint,
		VertexBuffer:   vb,
		VertexCount:    len(triangle),
		Width:          cfg.Width,
		Height:         cfg.Height,
		ClearColor:     clearColor,
		UniformBuffer:  b.Uniform.Buffer,
		UniformRange:   layout.UniformSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	cmds := make([]device.CommandBuffer, len(b.Outputs))
	for i, out := range b.Outputs {
		if cmds[i], err = dc.Device.RecordRender(pl, out.Buffer); err != nil {
			return nil, fmt.Errorf("record output %d: %w", i, err)
		}
	}
	return cmds, nil
}

var errNoHostVisible = errors.New("no host-visible memory type for the vertex buffer")

// vertexBuffer uploads the triangle into a plain, non-imported allocation.
func vertexBuffer(dc *device.Context) (device.Buffer, error) {
	size := uint64(len(triangle)) * uint64(len(device.Vertex{})) * 4
	buf, err := dc.Device.CreateBuffer(device.BufferCreateInfo{Size: size, Usage: device.BufferUsageVertex})
	if err != nil {
		return 0, fmt.Errorf("create vertex buffer: %w", err)
	}
	reqs, err := dc.Device.BufferMemoryRequirements(buf)
	if err != nil {
		return 0, err
	}
	typeIndex := -1
	for i, mt := range dc.MemoryTypes {
		if reqs.MemoryTypeBits&(1<<i) != 0 && mt.Properties&device.MemoryPropertyHostVisible != 0 {
			typeIndex = i
			break
		}
	}
	if typeIndex < 0 {
		return 0, errNoHostVisible
	}
	mem, err := dc.Device.AllocateMemory(device.MemoryAllocateInfo{Size: reqs.Size, MemoryTypeIndex: typeIndex})
	if err != nil {
		return 0, fmt.Errorf("allocate vertex memory: %w", err)
	}
	if err := dc.Device.BindBufferMemory(buf, mem, 0); err != nil {
		return 0, err
	}
	data, err := dc.Device.MapMemory(mem)
	if err != nil {
		return 0, err
	}
	copy(data, safeish.SliceCast[[]byte](triangle))
	return buf, nil
}
