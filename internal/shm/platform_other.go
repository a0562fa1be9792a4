//go:build !linux

package shm

import "os"

func CreateMemfd(name string, size int64, seal bool) (int, error) { return -1, ErrUnsupported }

func Seals(fd int) (int, error) { return 0, ErrUnsupported }

func FileSize(fd int) (int64, error) { return 0, ErrUnsupported }

func MapRegion(opts MapOptions) (*MappedRegion, error) { return nil, ErrUnsupported }

func UnmapRegion(region *MappedRegion) error { return ErrUnsupported }

func CloseFd(fd int) error { return ErrUnsupported }

func PageSize() int { return os.Getpagesize() }
