//go:build linux

package udmabuf

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// Device is an open handle on /dev/udmabuf.
type Device struct {
	f *os.File
}

// Open opens the udmabuf device at path, DevicePath when empty.
func Open(path string) (*Device, error) {
	if path == "" {
		path = DevicePath
	}
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Device{f: f}, nil
}

// Create returns a new close-on-exec dma-buf descriptor covering
// [offset, offset+size) of memfd. Both bounds must be page aligned.
func (d *Device) Create(memfd int, offset, size uint64) (int, error) {
	page := uint64(unix.Getpagesize())
	if size == 0 || offset%page != 0 || size%page != 0 {
		return -1, fmt.Errorf("%w: offset %d size %d", ErrUnaligned, offset, size)
	}
	args := createArgs{
		memfd:  uint32(memfd),
		flags:  createCloexec,
		offset: offset,
		size:   size,
	}
	var fd int
	op := func() error {
		r, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), ioctlCreate, uintptr(unsafe.Pointer(&args)))
		if errno == 0 {
			fd = int(r)
			return nil
		}
		if errors.Is(errno, unix.EINTR) || errors.Is(errno, unix.EAGAIN) {
			return errno
		}
		return backoff.Permanent(errno)
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), maxRetries)
	if err := backoff.Retry(op, policy); err != nil {
		return -1, fmt.Errorf("UDMABUF_CREATE offset %d size %d: %w", offset, size, err)
	}
	return fd, nil
}

// Close closes the device handle. Descriptors already created stay valid.
func (d *Device) Close() error {
	return d.f.Close()
}
