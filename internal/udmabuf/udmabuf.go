// Package udmabuf cuts dma-buf descriptors out of sealed memfd ranges through
// the kernel's /dev/udmabuf service.
package udmabuf

import (
	"errors"
	"time"
)

// DevicePath is the udmabuf character device.
const DevicePath = "/dev/udmabuf"

var (
	ErrUnaligned   = errors.New("udmabuf: range not page aligned")
	ErrUnsupported = errors.New("udmabuf: platform not supported")
)

const (
	createCloexec = 0x01
	// _IOW('u', 0x42, struct udmabuf_create)
	ioctlCreate = 0x40187542

	retryInterval = time.Millisecond
	maxRetries    = 8
)

// createArgs mirrors struct udmabuf_create.
type createArgs struct {
	memfd  uint32
	flags  uint32
	offset uint64
	size   uint64
}
