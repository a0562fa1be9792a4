// Package softgpu is a CPU-executed device driver. It imports real host
// pointers and real dma-buf descriptors, so device writes land in the shared
// heap exactly where a hardware device would put them.
package softgpu

import (
	"runtime"
	"slices"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/vkmemfd/pkg/device"

	internalshm "github.com/srediag/vkmemfd/internal/shm"
)

// Names the driver registers under. NameNonCoherent imports external memory
// only into a host-visible type without the coherent property.
const (
	Name            = "soft"
	NameNonCoherent = "soft-noncoherent"
)

func init() {
	device.Register(Name, func() (device.Driver, error) {
		return New(DefaultOptions()), nil
	})
	device.Register(NameNonCoherent, func() (device.Driver, error) {
		return New(NonCoherentOptions()), nil
	})
}

// Options tune the capabilities the driver reports.
type Options struct {
	InstanceVersion device.Version
	APIVersion      device.Version
	Extensions      []string
	QueueFamilies   []device.QueueFamily
	// HostPointerAlignment is MinImportedHostPointerAlignment.
	HostPointerAlignment uint64
	// BufferAlignment is the alignment of every buffer.
	BufferAlignment uint64
	// TransferAlignment, when set, replaces BufferAlignment for
	// transfer-destination buffers.
	TransferAlignment uint64
	// ImportMemoryTypeBits are the memory types external memory can use.
	ImportMemoryTypeBits uint32
	// DedicatedOnly lists handle types that need dedicated allocations.
	DedicatedOnly device.HandleType
	// NotImportable lists handle types reported as not importable.
	NotImportable device.HandleType
	// Workers shading a frame in parallel.
	Workers int
	// Registerer receives the device's cache maintenance counters.
	Registerer prometheus.Registerer
}

// DefaultOptions reports a 1.3 device supporting both import paths.
func DefaultOptions() Options {
	return Options{
		InstanceVersion: device.MakeVersion(1, 3, 0),
		APIVersion:      device.MakeVersion(1, 3, 0),
		Extensions: []string{
			device.ExtExternalMemoryFd,
			device.ExtExternalMemoryDmaBuf,
			device.ExtExternalMemoryHost,
		},
		QueueFamilies: []device.QueueFamily{
			{Flags: device.QueueGraphics | device.QueueCompute | device.QueueTransfer, Count: 1},
		},
		HostPointerAlignment: uint64(internalshm.PageSize()),
		BufferAlignment:      256,
		ImportMemoryTypeBits: 1<<memoryTypeHostCached | 1<<memoryTypeHostCoherent,
		Workers:              runtime.GOMAXPROCS(0),
	}
}

// NonCoherentOptions are DefaultOptions with imports restricted to the
// non-coherent memory type.
func NonCoherentOptions() Options {
	opts := DefaultOptions()
	opts.ImportMemoryTypeBits = 1 << memoryTypeHostNonCoherent
	return opts
}

const (
	memoryTypeDeviceLocal = iota
	memoryTypeHostCached
	memoryTypeHostCoherent
	memoryTypeHostNonCoherent
)

var memoryTypes = []device.MemoryType{
	memoryTypeDeviceLocal:  {Properties: device.MemoryPropertyDeviceLocal, HeapIndex: 0},
	memoryTypeHostCached:   {Properties: device.MemoryPropertyHostVisible | device.MemoryPropertyHostCoherent | device.MemoryPropertyHostCached, HeapIndex: 1},
	memoryTypeHostCoherent: {Properties: device.MemoryPropertyHostVisible | device.MemoryPropertyHostCoherent, HeapIndex: 1},
	// device access to this type goes through explicit cache maintenance
	memoryTypeHostNonCoherent: {Properties: device.MemoryPropertyHostVisible | device.MemoryPropertyHostCached, HeapIndex: 1},
}

const allMemoryTypes = 1<<memoryTypeDeviceLocal | 1<<memoryTypeHostCached | 1<<memoryTypeHostCoherent | 1<<memoryTypeHostNonCoherent

func hostCoherent(typeIndex int) bool {
	return memoryTypes[typeIndex].Properties&device.MemoryPropertyHostCoherent != 0
}

// Driver is the soft driver. It exposes a single physical device.
type Driver struct {
	opts Options
}

// New returns a driver reporting opts.
func New(opts Options) *Driver {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BufferAlignment == 0 {
		opts.BufferAlignment = 1
	}
	if opts.HostPointerAlignment == 0 {
		opts.HostPointerAlignment = uint64(internalshm.PageSize())
	}
	return &Driver{opts: opts}
}

func (d *Driver) InstanceVersion() device.Version { return d.opts.InstanceVersion }

func (d *Driver) PhysicalDevices() ([]device.PhysicalDevice, error) {
	return []device.PhysicalDevice{&physicalDevice{opts: d.opts}}, nil
}

type physicalDevice struct {
	opts Options
}

func (p *physicalDevice) Properties() device.Properties {
	return device.Properties{
		Name:                            "softgpu",
		APIVersion:                      p.opts.APIVersion,
		MinImportedHostPointerAlignment: p.opts.HostPointerAlignment,
	}
}

func (p *physicalDevice) Extensions() []string {
	return slices.Clone(p.opts.Extensions)
}

func (p *physicalDevice) QueueFamilies() []device.QueueFamily {
	return slices.Clone(p.opts.QueueFamilies)
}

func (p *physicalDevice) MemoryTypes() []device.MemoryType {
	return slices.Clone(memoryTypes)
}

func (p *physicalDevice) ExternalBufferProperties(usage device.BufferUsage, handleType device.HandleType) device.ExternalMemoryProperties {
	if handleType != device.HandleTypeHostAllocation && handleType != device.HandleTypeDmaBuf {
		return device.ExternalMemoryProperties{}
	}
	props := device.ExternalMemoryProperties{CompatibleHandleTypes: handleType}
	if p.opts.NotImportable&handleType == 0 {
		props.Features |= device.ExternalMemoryFeatureImportable
	}
	if p.opts.DedicatedOnly&handleType != 0 {
		props.Features |= device.ExternalMemoryFeatureDedicatedOnly
	}
	return props
}

func (p *physicalDevice) CreateDevice(info device.DeviceCreateInfo) (device.Device, error) {
	return newDevice(p.opts, info)
}
