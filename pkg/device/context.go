// Package device abstracts the graphics device the renderer imports the
// shared heap into, and negotiates the capabilities an import path needs.
package device

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrAPIVersion       = errors.New("API version below the floor")
	ErrNoPhysicalDevice = errors.New("no physical device")
	ErrMissingExtension = errors.New("missing extensions")
	ErrNoGraphicsQueue  = errors.New("no queue family supports graphics")
	ErrUnknownPath      = errors.New("unknown import path")
)

// ImportPath selects how heap bytes become visible to the device.
type ImportPath int

const (
	// ImportPathMemfd imports the renderer's mapping of the heap as host pointers.
	ImportPathMemfd ImportPath = iota
	// ImportPathUdmabuf imports dma-buf handles cut from the heap memfd.
	ImportPathUdmabuf
)

// ParseImportPath maps an invocation token to an ImportPath.
func ParseImportPath(token string) (ImportPath, error) {
	switch token {
	case "memfd":
		return ImportPathMemfd, nil
	case "udmabuf":
		return ImportPathUdmabuf, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPath, token)
}

func (p ImportPath) String() string {
	if p == ImportPathUdmabuf {
		return "udmabuf"
	}
	return "memfd"
}

// HandleType returns the external memory handle type of the path.
func (p ImportPath) HandleType() HandleType {
	if p == ImportPathUdmabuf {
		return HandleTypeDmaBuf
	}
	return HandleTypeHostAllocation
}

// Mapped reports whether the renderer maps the heap itself.
func (p ImportPath) Mapped() bool {
	return p == ImportPathMemfd
}

type extensionRequirement struct {
	name     string
	required func(ImportPath) bool
}

var extensionTable = []extensionRequirement{
	{ExtExternalMemoryFd, func(p ImportPath) bool { return p == ImportPathUdmabuf }},
	{ExtExternalMemoryDmaBuf, func(p ImportPath) bool { return p == ImportPathUdmabuf }},
	{ExtExternalMemoryHost, func(p ImportPath) bool { return p == ImportPathMemfd }},
}

// RequiredExtensions returns the extension family the path needs.
func (p ImportPath) RequiredExtensions() []string {
	var names []string
	for _, e := range extensionTable {
		if e.required(p) {
			names = append(names, e.name)
		}
	}
	return names
}

// Context is an opened device ready for heap imports.
type Context struct {
	Path        ImportPath
	Physical    PhysicalDevice
	Properties  Properties
	MemoryTypes []MemoryType
	Device      Device
	Queue       Queue
	QueueFamily int
	Extensions  []string
}

// Open selects the first physical device of drv, verifies the API floor and
// the extension family of path, picks a graphics queue family and creates
// the logical device. It is meant to run once per process.
func Open(drv Driver, path ImportPath) (*Context, error) {
	if v := drv.InstanceVersion(); v < MinAPIVersion {
		return nil, fmt.Errorf("%w: instance %s < %s", ErrAPIVersion, v, MinAPIVersion)
	}
	physicals, err := drv.PhysicalDevices()
	if err != nil {
		return nil, fmt.Errorf("enumerate physical devices: %w", err)
	}
	if len(physicals) == 0 {
		return nil, ErrNoPhysicalDevice
	}
	phys := physicals[0]
	props := phys.Properties()
	if props.APIVersion < MinAPIVersion {
		return nil, fmt.Errorf("%w: device %s < %s", ErrAPIVersion, props.APIVersion, MinAPIVersion)
	}

	available := phys.Extensions()
	enabled := path.RequiredExtensions()
	var missing []string
	for _, name := range enabled {
		if !slices.Contains(available, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrMissingExtension, missing)
	}

	family := -1
	for i, qf := range phys.QueueFamilies() {
		if qf.Flags&QueueGraphics != 0 && qf.Count > 0 {
			family = i
			break
		}
	}
	if family < 0 {
		return nil, ErrNoGraphicsQueue
	}

	dev, err := phys.CreateDevice(DeviceCreateInfo{
		QueueFamilyIndex: family,
		Extensions:       enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}
	queue, err := dev.Queue(family, 0)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("get queue: %w", err)
	}
	return &Context{
		Path:        path,
		Physical:    phys,
		Properties:  props,
		MemoryTypes: phys.MemoryTypes(),
		Device:      dev,
		Queue:       queue,
		QueueFamily: family,
		Extensions:  enabled,
	}, nil
}

// Close destroys the logical device.
func (c *Context) Close() error {
	return c.Device.Close()
}
