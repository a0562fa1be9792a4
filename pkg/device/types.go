package device

import "fmt"

// Version packs major.minor.patch the way graphics APIs report it.
type Version uint32

// MakeVersion packs a version number.
func MakeVersion(major, minor, patch uint32) Version {
	return Version(major<<22 | minor<<12 | patch)
}

func (v Version) Major() uint32 { return uint32(v) >> 22 }
func (v Version) Minor() uint32 { return uint32(v) >> 12 & 0x3ff }
func (v Version) Patch() uint32 { return uint32(v) & 0xfff }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
}

// MinAPIVersion is the floor for both the instance and the device.
var MinAPIVersion = MakeVersion(1, 1, 0)

// Extension names a device capability set.
const (
	ExtExternalMemoryFd     = "external_memory_fd"
	ExtExternalMemoryDmaBuf = "external_memory_dma_buf"
	ExtExternalMemoryHost   = "external_memory_host"
)

// HandleType identifies an external memory import source.
type HandleType uint32

const (
	HandleTypeHostAllocation HandleType = 1 << iota
	HandleTypeDmaBuf
)

func (h HandleType) String() string {
	switch h {
	case HandleTypeHostAllocation:
		return "host-allocation"
	case HandleTypeDmaBuf:
		return "dma-buf"
	}
	return fmt.Sprintf("HandleType(%d)", uint32(h))
}

// BufferUsage flags.
type BufferUsage uint32

const (
	BufferUsageUniform BufferUsage = 1 << iota
	BufferUsageTransferDst
	BufferUsageVertex
)

// ExternalMemoryFeature flags reported for a usage and handle type.
type ExternalMemoryFeature uint32

const (
	ExternalMemoryFeatureDedicatedOnly ExternalMemoryFeature = 1 << iota
	ExternalMemoryFeatureExportable
	ExternalMemoryFeatureImportable
)

// ExternalMemoryProperties describes what a handle type supports for a usage.
type ExternalMemoryProperties struct {
	Features                ExternalMemoryFeature
	CompatibleHandleTypes   HandleType
	ExportFromImportedTypes HandleType
}

// Importable reports whether the handle type can be imported.
func (p ExternalMemoryProperties) Importable() bool {
	return p.Features&ExternalMemoryFeatureImportable != 0
}

// DedicatedOnly reports whether imports need one buffer per allocation.
func (p ExternalMemoryProperties) DedicatedOnly() bool {
	return p.Features&ExternalMemoryFeatureDedicatedOnly != 0
}

// QueueFlags of a queue family.
type QueueFlags uint32

const (
	QueueGraphics QueueFlags = 1 << iota
	QueueCompute
	QueueTransfer
)

// QueueFamily describes one family of queues.
type QueueFamily struct {
	Flags QueueFlags
	Count int
}

// MemoryProperty flags of a memory type.
type MemoryProperty uint32

const (
	MemoryPropertyDeviceLocal MemoryProperty = 1 << iota
	MemoryPropertyHostVisible
	MemoryPropertyHostCoherent
	MemoryPropertyHostCached
)

// MemoryType is one entry of the device's memory type table.
type MemoryType struct {
	Properties MemoryProperty
	HeapIndex  int
}

// Properties of a physical device.
type Properties struct {
	Name       string
	APIVersion Version
	// MinImportedHostPointerAlignment is the alignment imported host
	// pointers and their sizes must satisfy.
	MinImportedHostPointerAlignment uint64
}

// MemoryRequirements of a buffer.
type MemoryRequirements struct {
	Size           uint64
	Alignment      uint64
	MemoryTypeBits uint32
}

// Handles of device objects. Zero is never a valid handle.
type (
	Buffer        uint64
	Memory        uint64
	Pipeline      uint64
	CommandBuffer uint64
)

// BufferCreateInfo describes a buffer.
type BufferCreateInfo struct {
	Size  uint64
	Usage BufferUsage
	// ExternalHandleTypes lists the handle types the buffer may be bound to.
	ExternalHandleTypes HandleType
}

// ImportSource is the external memory an allocation imports. Exactly one of
// HostPointer and Fd is used, selected by HandleType.
type ImportSource struct {
	HandleType HandleType
	// HostPointer is the mapped memory starting at the imported address.
	HostPointer []byte
	// Fd is a kernel handle; ownership moves to the device on success.
	Fd int
}

// MemoryAllocateInfo describes an allocation.
type MemoryAllocateInfo struct {
	Size            uint64
	MemoryTypeIndex int
	// Import is nil for plain device allocations.
	Import *ImportSource
	// DedicatedBuffer binds the allocation to exactly one buffer when non-zero.
	DedicatedBuffer Buffer
}

// DeviceCreateInfo describes the logical device.
type DeviceCreateInfo struct {
	QueueFamilyIndex int
	Extensions       []string
}

// ShaderStage of a shader module.
type ShaderStage uint32

const (
	ShaderStageVertex ShaderStage = 1 << iota
	ShaderStageFragment
)

// Vertex is a 2D position in normalized device coordinates.
type Vertex [2]float32

// PipelineCreateInfo describes the single graphics pipeline: SPIR-V shader
// modules with their entry points, the triangle list to draw, the render
// area and the uniform buffer feeding the fragment stage.
type PipelineCreateInfo struct {
	VertexShader   []byte
	VertexEntry    string
	FragmentShader []byte
	FragmentEntry  string
	VertexBuffer   Buffer
	VertexCount    int
	Width, Height  int
	ClearColor     [4]float32
	UniformBuffer  Buffer
	UniformRange   uint64
}
