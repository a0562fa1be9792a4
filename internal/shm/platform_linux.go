//go:build linux

package shm

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// CreateMemfd creates an anonymous, close-on-exec memfd of size bytes. When
// seal is set the size is frozen with F_SEAL_SHRINK|F_SEAL_GROW and the seal
// set itself is locked with F_SEAL_SEAL.
func CreateMemfd(name string, size int64, seal bool) (int, error) {
	flags := unix.MFD_CLOEXEC
	if seal {
		flags |= unix.MFD_ALLOW_SEALING
	}
	fd, err := unix.MemfdCreate(name, flags)
	if err != nil {
		return -1, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("ftruncate: %w", err)
	}
	if seal {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS,
			unix.F_SEAL_SEAL|unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("seal: %w", err)
		}
	}
	return fd, nil
}

// Seals returns the seals of fd translated to the Seal* flags.
func Seals(fd int) (int, error) {
	raw, err := unix.FcntlInt(uintptr(fd), unix.F_GET_SEALS, 0)
	if err != nil {
		return 0, fmt.Errorf("get seals: %w", err)
	}
	var seals int
	if raw&unix.F_SEAL_SEAL != 0 {
		seals |= SealSeal
	}
	if raw&unix.F_SEAL_SHRINK != 0 {
		seals |= SealShrink
	}
	if raw&unix.F_SEAL_GROW != 0 {
		seals |= SealGrow
	}
	if raw&unix.F_SEAL_WRITE != 0 {
		seals |= SealWrite
	}
	return seals, nil
}

// FileSize reports the size of fd by seeking to its end.
func FileSize(fd int) (int64, error) {
	off, err := unix.Seek(fd, 0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek: %w", err)
	}
	if _, err := unix.Seek(fd, 0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek: %w", err)
	}
	return off, nil
}

// MapRegion maps opts.Size bytes of opts.Fd shared, read-write unless
// opts.ReadOnly. Pages are populated on first touch.
func MapRegion(opts MapOptions) (*MappedRegion, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if opts.ReadOnly {
		prot = unix.PROT_READ
	}
	addr, err := unix.Mmap(opts.Fd, opts.Offset, opts.Size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{
		Addr: addr,
		Fd:   opts.Fd,
	}, nil
}

// UnmapRegion unmaps the region. The descriptor is left open.
func UnmapRegion(region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	region.Addr = nil
	return nil
}

// CloseFd closes a raw descriptor.
func CloseFd(fd int) error {
	return unix.Close(fd)
}

// PageSize returns the system page size.
func PageSize() int {
	return unix.Getpagesize()
}
