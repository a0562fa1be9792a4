package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownHandle     = errors.New("unknown device handle")
	ErrInvalidExternal   = errors.New("invalid external handle")
	ErrUnknownDriver     = errors.New("unknown device driver")
	ErrDeviceLost        = errors.New("device lost")
	ErrOutOfDeviceMemory = errors.New("out of device memory")
)

// Driver is the entry point of a device implementation.
type Driver interface {
	// InstanceVersion returns the highest API version the driver offers.
	InstanceVersion() Version
	// PhysicalDevices enumerates devices in the driver's preference order.
	PhysicalDevices() ([]PhysicalDevice, error)
}

// PhysicalDevice answers capability queries and creates logical devices.
type PhysicalDevice interface {
	Properties() Properties
	Extensions() []string
	QueueFamilies() []QueueFamily
	MemoryTypes() []MemoryType
	ExternalBufferProperties(usage BufferUsage, handleType HandleType) ExternalMemoryProperties
	CreateDevice(info DeviceCreateInfo) (Device, error)
}

// Device owns buffers, allocations and rendering objects.
type Device interface {
	CreateBuffer(info BufferCreateInfo) (Buffer, error)
	DestroyBuffer(buf Buffer)
	BufferMemoryRequirements(buf Buffer) (MemoryRequirements, error)

	// MemoryFdProperties returns the memory types able to import fd.
	MemoryFdProperties(handleType HandleType, fd int) (uint32, error)
	// MemoryHostPointerProperties returns the memory types able to import
	// the host pointer at the start of ptr.
	MemoryHostPointerProperties(handleType HandleType, ptr []byte) (uint32, error)

	AllocateMemory(info MemoryAllocateInfo) (Memory, error)
	FreeMemory(mem Memory)
	BindBufferMemory(buf Buffer, mem Memory, offset uint64) error
	// MapMemory returns host access to a host-visible allocation.
	MapMemory(mem Memory) ([]byte, error)

	CreateGraphicsPipeline(info PipelineCreateInfo) (Pipeline, error)
	// RecordRender records drawing with pipeline and copying the result
	// into target, tightly packed B8G8R8A8.
	RecordRender(pipeline Pipeline, target Buffer) (CommandBuffer, error)

	Queue(family, index int) (Queue, error)
	Close() error
}

// Queue executes recorded work.
type Queue interface {
	Submit(cmds ...CommandBuffer) error
	// WaitIdle blocks until all submitted work finished.
	WaitIdle() error
}

// Factory opens a driver.
type Factory func() (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a driver available by name. It panics on duplicates.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("device: driver registered twice: " + name)
	}
	registry[name] = factory
}

// Lookup opens the driver registered as name.
func Lookup(name string) (Driver, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return factory()
}

// Drivers lists registered driver names.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
