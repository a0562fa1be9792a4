package softgpu

import (
	"errors"
	"fmt"
	"image"
	"slices"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	internalshm "github.com/srediag/vkmemfd/internal/shm"
	"github.com/srediag/vkmemfd/pkg/coherency"
	"github.com/srediag/vkmemfd/pkg/device"
)

var (
	ErrUnsupportedExtension = errors.New("extension not supported")
	ErrInvalidQueue         = errors.New("invalid queue")
	ErrAlreadyBound         = errors.New("buffer already bound")
	ErrNotBound             = errors.New("buffer not bound")
	ErrDedicatedRequired    = errors.New("dedicated allocation required")
	ErrNotHostVisible       = errors.New("memory not host visible")
	ErrInvalidPipeline      = errors.New("invalid pipeline")
)

type buffer struct {
	info   device.BufferCreateInfo
	reqs   device.MemoryRequirements
	mem    device.Memory
	offset uint64
}

type memory struct {
	size      uint64
	typeIndex int
	data      []byte
	mapping   *internalshm.MappedRegion
	dedicated device.Buffer
	imported  device.HandleType
}

type pipeline struct {
	info device.PipelineCreateInfo
	mask *image.Alpha
}

type commandBuffer struct {
	pipeline device.Pipeline
	target   device.Buffer
}

func shard(key uint64) uint32 {
	return uint32(key ^ key>>32)
}

type softDevice struct {
	opts       Options
	extensions []string
	next       atomic.Uint64

	buffers   cmap.ConcurrentMap[uint64, *buffer]
	memories  cmap.ConcurrentMap[uint64, *memory]
	pipelines cmap.ConcurrentMap[uint64, *pipeline]
	commands  cmap.ConcurrentMap[uint64, *commandBuffer]

	pool  *ants.Pool
	queue *queue
	// maintenance around device access to non-coherent memory
	cache *coherency.Domain
}

func newDevice(opts Options, info device.DeviceCreateInfo) (*softDevice, error) {
	if info.QueueFamilyIndex < 0 || info.QueueFamilyIndex >= len(opts.QueueFamilies) {
		return nil, fmt.Errorf("%w: family %d", ErrInvalidQueue, info.QueueFamilyIndex)
	}
	for _, ext := range info.Extensions {
		if !slices.Contains(opts.Extensions, ext) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedExtension, ext)
		}
	}
	pool, err := ants.NewPool(opts.Workers, ants.WithPreAlloc(true))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	d := &softDevice{
		opts:       opts,
		extensions: slices.Clone(info.Extensions),
		buffers:    cmap.NewWithCustomShardingFunction[uint64, *buffer](shard),
		memories:   cmap.NewWithCustomShardingFunction[uint64, *memory](shard),
		pipelines:  cmap.NewWithCustomShardingFunction[uint64, *pipeline](shard),
		commands:   cmap.NewWithCustomShardingFunction[uint64, *commandBuffer](shard),
		pool:       pool,
		cache:      coherency.New(false, coherency.WithRegisterer(opts.Registerer)),
	}
	d.queue = newQueue(d)
	return d, nil
}

func (d *softDevice) handle() uint64 {
	return d.next.Add(1)
}

func (d *softDevice) enabled(ext string) bool {
	return slices.Contains(d.extensions, ext)
}

func (d *softDevice) CreateBuffer(info device.BufferCreateInfo) (device.Buffer, error) {
	if info.Size == 0 {
		return 0, fmt.Errorf("create buffer: zero size")
	}
	if info.ExternalHandleTypes&device.HandleTypeHostAllocation != 0 && !d.enabled(device.ExtExternalMemoryHost) {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedExtension, device.ExtExternalMemoryHost)
	}
	if info.ExternalHandleTypes&device.HandleTypeDmaBuf != 0 && !d.enabled(device.ExtExternalMemoryDmaBuf) {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedExtension, device.ExtExternalMemoryDmaBuf)
	}
	align := d.opts.BufferAlignment
	if info.Usage&device.BufferUsageTransferDst != 0 && d.opts.TransferAlignment != 0 {
		align = d.opts.TransferAlignment
	}
	h := d.handle()
	d.buffers.Set(h, &buffer{
		info: info,
		reqs: device.MemoryRequirements{
			Size:           (info.Size + 15) &^ 15,
			Alignment:      align,
			MemoryTypeBits: allMemoryTypes,
		},
	})
	return device.Buffer(h), nil
}

func (d *softDevice) DestroyBuffer(buf device.Buffer) {
	d.buffers.Remove(uint64(buf))
}

func (d *softDevice) BufferMemoryRequirements(buf device.Buffer) (device.MemoryRequirements, error) {
	b, ok := d.buffers.Get(uint64(buf))
	if !ok {
		return device.MemoryRequirements{}, fmt.Errorf("%w: buffer %d", device.ErrUnknownHandle, buf)
	}
	return b.reqs, nil
}

func (d *softDevice) MemoryFdProperties(handleType device.HandleType, fd int) (uint32, error) {
	if handleType != device.HandleTypeDmaBuf || !d.enabled(device.ExtExternalMemoryFd) {
		return 0, fmt.Errorf("%w: handle type %s", device.ErrInvalidExternal, handleType)
	}
	size, err := internalshm.FileSize(fd)
	if err != nil || size <= 0 {
		return 0, fmt.Errorf("%w: fd %d", device.ErrInvalidExternal, fd)
	}
	return d.opts.ImportMemoryTypeBits, nil
}

func (d *softDevice) MemoryHostPointerProperties(handleType device.HandleType, ptr []byte) (uint32, error) {
	if handleType != device.HandleTypeHostAllocation || !d.enabled(device.ExtExternalMemoryHost) {
		return 0, fmt.Errorf("%w: handle type %s", device.ErrInvalidExternal, handleType)
	}
	if len(ptr) == 0 {
		return 0, fmt.Errorf("%w: empty host pointer", device.ErrInvalidExternal)
	}
	if addr := internalshm.AddrOf(ptr); uint64(addr)%d.opts.HostPointerAlignment != 0 {
		return 0, fmt.Errorf("%w: host pointer %#x not aligned to %d", device.ErrInvalidExternal, addr, d.opts.HostPointerAlignment)
	}
	return d.opts.ImportMemoryTypeBits, nil
}

func (d *softDevice) AllocateMemory(info device.MemoryAllocateInfo) (device.Memory, error) {
	if info.Size == 0 {
		return 0, fmt.Errorf("allocate memory: zero size")
	}
	if info.MemoryTypeIndex < 0 || info.MemoryTypeIndex >= len(memoryTypes) {
		return 0, fmt.Errorf("allocate memory: memory type %d out of range", info.MemoryTypeIndex)
	}
	if info.DedicatedBuffer != 0 {
		b, ok := d.buffers.Get(uint64(info.DedicatedBuffer))
		if !ok {
			return 0, fmt.Errorf("%w: dedicated buffer %d", device.ErrUnknownHandle, info.DedicatedBuffer)
		}
		if b.mem != 0 {
			return 0, fmt.Errorf("%w: dedicated buffer %d", ErrAlreadyBound, info.DedicatedBuffer)
		}
	}
	m := &memory{size: info.Size, typeIndex: info.MemoryTypeIndex, dedicated: info.DedicatedBuffer}

	if imp := info.Import; imp != nil {
		if d.opts.ImportMemoryTypeBits&(1<<info.MemoryTypeIndex) == 0 {
			return 0, fmt.Errorf("%w: memory type %d cannot import", device.ErrInvalidExternal, info.MemoryTypeIndex)
		}
		if d.opts.DedicatedOnly&imp.HandleType != 0 && info.DedicatedBuffer == 0 {
			return 0, fmt.Errorf("%w: %s", ErrDedicatedRequired, imp.HandleType)
		}
		m.imported = imp.HandleType
		switch imp.HandleType {
		case device.HandleTypeHostAllocation:
			if _, err := d.MemoryHostPointerProperties(imp.HandleType, imp.HostPointer); err != nil {
				return 0, err
			}
			if info.Size%d.opts.HostPointerAlignment != 0 {
				return 0, fmt.Errorf("%w: size %d not aligned to %d", device.ErrInvalidExternal, info.Size, d.opts.HostPointerAlignment)
			}
			if uint64(len(imp.HostPointer)) < info.Size {
				return 0, fmt.Errorf("%w: host pointer covers %d of %d bytes", device.ErrInvalidExternal, len(imp.HostPointer), info.Size)
			}
			m.data = imp.HostPointer[:info.Size:info.Size]
		case device.HandleTypeDmaBuf:
			if _, err := d.MemoryFdProperties(imp.HandleType, imp.Fd); err != nil {
				return 0, err
			}
			size, err := internalshm.FileSize(imp.Fd)
			if err != nil || uint64(size) < info.Size {
				return 0, fmt.Errorf("%w: dma-buf of %d bytes for %d", device.ErrInvalidExternal, size, info.Size)
			}
			region, err := internalshm.MapRegion(internalshm.MapOptions{Fd: imp.Fd, Size: int(info.Size)})
			if err != nil {
				return 0, fmt.Errorf("%w: %v", device.ErrInvalidExternal, err)
			}
			// the mapping keeps the buffer alive; the device owns the fd now
			_ = internalshm.CloseFd(imp.Fd)
			m.mapping = region
			m.data = region.Addr
		default:
			return 0, fmt.Errorf("%w: handle type %s", device.ErrInvalidExternal, imp.HandleType)
		}
	} else {
		m.data = make([]byte, info.Size)
	}

	h := d.handle()
	d.memories.Set(h, m)
	return device.Memory(h), nil
}

func (d *softDevice) FreeMemory(mem device.Memory) {
	m, ok := d.memories.Pop(uint64(mem))
	if !ok {
		return
	}
	if m.mapping != nil {
		_ = internalshm.UnmapRegion(m.mapping)
	}
}

func (d *softDevice) BindBufferMemory(buf device.Buffer, mem device.Memory, offset uint64) error {
	b, ok := d.buffers.Get(uint64(buf))
	if !ok {
		return fmt.Errorf("%w: buffer %d", device.ErrUnknownHandle, buf)
	}
	m, ok := d.memories.Get(uint64(mem))
	if !ok {
		return fmt.Errorf("%w: memory %d", device.ErrUnknownHandle, mem)
	}
	if b.mem != 0 {
		return fmt.Errorf("%w: buffer %d", ErrAlreadyBound, buf)
	}
	if m.dedicated != 0 && m.dedicated != buf {
		return fmt.Errorf("%w: memory %d is dedicated to buffer %d", ErrDedicatedRequired, mem, m.dedicated)
	}
	if b.reqs.MemoryTypeBits&(1<<m.typeIndex) == 0 {
		return fmt.Errorf("bind buffer: memory type %d not allowed", m.typeIndex)
	}
	if offset%b.reqs.Alignment != 0 || offset+b.reqs.Size > m.size {
		return fmt.Errorf("bind buffer: %d bytes at offset %d do not fit in %d", b.reqs.Size, offset, m.size)
	}
	b.mem = mem
	b.offset = offset
	return nil
}

func (d *softDevice) MapMemory(mem device.Memory) ([]byte, error) {
	m, ok := d.memories.Get(uint64(mem))
	if !ok {
		return nil, fmt.Errorf("%w: memory %d", device.ErrUnknownHandle, mem)
	}
	if memoryTypes[m.typeIndex].Properties&device.MemoryPropertyHostVisible == 0 {
		return nil, ErrNotHostVisible
	}
	return m.data, nil
}

// bufferBytes returns n bytes of the memory bound to buf.
func (d *softDevice) bufferBytes(buf device.Buffer, n uint64) ([]byte, error) {
	data, _, err := d.bufferView(buf, n)
	return data, err
}

// bufferView returns the first n bytes bound to buf and whether their
// memory type is host coherent.
func (d *softDevice) bufferView(buf device.Buffer, n uint64) ([]byte, bool, error) {
	b, ok := d.buffers.Get(uint64(buf))
	if !ok {
		return nil, false, fmt.Errorf("%w: buffer %d", device.ErrUnknownHandle, buf)
	}
	if b.mem == 0 {
		return nil, false, fmt.Errorf("%w: buffer %d", ErrNotBound, buf)
	}
	m, ok := d.memories.Get(uint64(b.mem))
	if !ok {
		return nil, false, fmt.Errorf("%w: memory %d", device.ErrUnknownHandle, b.mem)
	}
	if n > b.info.Size || b.offset+n > uint64(len(m.data)) {
		return nil, false, fmt.Errorf("buffer %d: range of %d bytes exceeds %d", buf, n, b.info.Size)
	}
	return m.data[b.offset : b.offset+n], hostCoherent(m.typeIndex), nil
}

func (d *softDevice) Queue(family, index int) (device.Queue, error) {
	if family < 0 || family >= len(d.opts.QueueFamilies) || index < 0 || index >= d.opts.QueueFamilies[family].Count {
		return nil, fmt.Errorf("%w: family %d index %d", ErrInvalidQueue, family, index)
	}
	return d.queue, nil
}

func (d *softDevice) Close() error {
	d.queue.dispose()
	d.pool.Release()
	for _, m := range d.memories.Items() {
		if m.mapping != nil {
			_ = internalshm.UnmapRegion(m.mapping)
		}
	}
	d.memories.Clear()
	d.buffers.Clear()
	return nil
}
