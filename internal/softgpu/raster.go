package softgpu

import (
	"fmt"
	"image"
	"math"
	"sync"

	"golang.org/x/image/vector"
	"honnef.co/go/safeish"

	"github.com/srediag/vkmemfd/pkg/device"
)

// coverage at or above which a pixel takes the fragment colour
const coverageThreshold = 0x80

func (d *softDevice) CreateGraphicsPipeline(info device.PipelineCreateInfo) (device.Pipeline, error) {
	if err := checkShader(info.VertexShader, device.ShaderStageVertex, info.VertexEntry); err != nil {
		return 0, fmt.Errorf("vertex shader: %w", err)
	}
	if err := checkShader(info.FragmentShader, device.ShaderStageFragment, info.FragmentEntry); err != nil {
		return 0, fmt.Errorf("fragment shader: %w", err)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return 0, fmt.Errorf("%w: render area %dx%d", ErrInvalidPipeline, info.Width, info.Height)
	}
	if info.VertexCount%3 != 0 {
		return 0, fmt.Errorf("%w: %d vertices is not a triangle list", ErrInvalidPipeline, info.VertexCount)
	}
	if info.UniformRange < 16 {
		return 0, fmt.Errorf("%w: uniform range %d", ErrInvalidPipeline, info.UniformRange)
	}
	if _, err := d.bufferBytes(info.UniformBuffer, info.UniformRange); err != nil {
		return 0, fmt.Errorf("uniform buffer: %w", err)
	}
	raw, err := d.bufferBytes(info.VertexBuffer, uint64(info.VertexCount)*8)
	if err != nil {
		return 0, fmt.Errorf("vertex buffer: %w", err)
	}
	mask := rasterize(safeish.SliceCast[[]device.Vertex](raw), info.Width, info.Height)

	h := d.handle()
	d.pipelines.Set(h, &pipeline{info: info, mask: mask})
	return device.Pipeline(h), nil
}

// rasterize scan-converts a triangle list given in normalized device
// coordinates into a coverage mask of w*h pixels.
func rasterize(vertices []device.Vertex, w, h int) *image.Alpha {
	z := vector.NewRasterizer(w, h)
	toPixel := func(v device.Vertex) (float32, float32) {
		return (v[0] + 1) / 2 * float32(w), (v[1] + 1) / 2 * float32(h)
	}
	for i := 0; i+2 < len(vertices); i += 3 {
		x, y := toPixel(vertices[i])
		z.MoveTo(x, y)
		x, y = toPixel(vertices[i+1])
		z.LineTo(x, y)
		x, y = toPixel(vertices[i+2])
		z.LineTo(x, y)
		z.ClosePath()
	}
	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	z.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
	return mask
}

func (d *softDevice) RecordRender(pl device.Pipeline, target device.Buffer) (device.CommandBuffer, error) {
	p, ok := d.pipelines.Get(uint64(pl))
	if !ok {
		return 0, fmt.Errorf("%w: pipeline %d", device.ErrUnknownHandle, pl)
	}
	b, ok := d.buffers.Get(uint64(target))
	if !ok {
		return 0, fmt.Errorf("%w: buffer %d", device.ErrUnknownHandle, target)
	}
	if b.info.Usage&device.BufferUsageTransferDst == 0 {
		return 0, fmt.Errorf("record render: buffer %d is not a transfer destination", target)
	}
	if need := uint64(p.info.Width * p.info.Height * 4); b.info.Size < need {
		return 0, fmt.Errorf("record render: buffer %d holds %d of %d bytes", target, b.info.Size, need)
	}
	h := d.handle()
	d.commands.Set(h, &commandBuffer{pipeline: pl, target: target})
	return device.CommandBuffer(h), nil
}

// execute draws the pipeline and copies the image into the target buffer.
func (d *softDevice) execute(cmd device.CommandBuffer) error {
	c, ok := d.commands.Get(uint64(cmd))
	if !ok {
		return fmt.Errorf("%w: command buffer %d", device.ErrUnknownHandle, cmd)
	}
	p, ok := d.pipelines.Get(uint64(c.pipeline))
	if !ok {
		return fmt.Errorf("%w: pipeline %d", device.ErrUnknownHandle, c.pipeline)
	}
	uniform, uniformCoherent, err := d.bufferView(p.info.UniformBuffer, 16)
	if err != nil {
		return err
	}
	w, h := p.info.Width, p.info.Height
	dst, dstCoherent, err := d.bufferView(c.target, uint64(w*h*4))
	if err != nil {
		return err
	}
	// Shading runs on the CPU, so non-coherent memory takes the host side
	// of the maintenance protocol.
	if !uniformCoherent {
		d.cache.HostRead(uniform)
	}
	var color [4]float32
	copy(color[:], safeish.SliceCast[[]float32](uniform))
	fill, bg := bgra(color), bgra(p.info.ClearColor)

	bands := min(d.opts.Workers, h)
	rows := (h + bands - 1) / bands
	var wg sync.WaitGroup
	for y0 := 0; y0 < h; y0 += rows {
		y1 := min(y0+rows, h)
		shade := func() {
			defer wg.Done()
			shadeRows(dst, p.mask, w, y0, y1, fill, bg)
		}
		wg.Add(1)
		if err := d.pool.Submit(shade); err != nil {
			shade()
		}
	}
	wg.Wait()
	if !dstCoherent {
		d.cache.HostWrite(dst)
	}
	return nil
}

func shadeRows(dst []byte, mask *image.Alpha, w, y0, y1 int, fill, bg [4]byte) {
	for y := y0; y < y1; y++ {
		row := dst[y*w*4 : (y+1)*w*4]
		cov := mask.Pix[y*mask.Stride : y*mask.Stride+w]
		for x := 0; x < w; x++ {
			px := bg
			if cov[x] >= coverageThreshold {
				px = fill
			}
			copy(row[x*4:x*4+4], px[:])
		}
	}
}

// bgra converts an RGBA colour to B8G8R8A8 unorm bytes.
func bgra(c [4]float32) [4]byte {
	return [4]byte{unorm8(c[2]), unorm8(c[1]), unorm8(c[0]), unorm8(c[3])}
}

func unorm8(f float32) byte {
	if math.IsNaN(float64(f)) || f <= 0 {
		return 0
	}
	if f >= 1 {
		return 255
	}
	return byte(f*255 + 0.5)
}
