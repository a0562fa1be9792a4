//go:build linux

package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateMemfdSealed(t *testing.T) {
	fd, err := CreateMemfd("shm-test", 1<<20, true)
	require.NoError(t, err)
	defer CloseFd(fd) //nolint:errcheck

	seals, err := Seals(fd)
	require.NoError(t, err)
	assert.Equal(t, SealSeal|SealShrink|SealGrow, seals)

	size, err := FileSize(fd)
	require.NoError(t, err)
	assert.EqualValues(t, 1<<20, size)

	region, err := MapRegion(MapOptions{Fd: fd, Size: int(size)})
	require.NoError(t, err)
	region.Addr[0] = 0xAB
	region.Addr[len(region.Addr)-1] = 0xCD

	other, err := MapRegion(MapOptions{Fd: fd, Size: int(size), ReadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), other.Addr[0])
	assert.Equal(t, byte(0xCD), other.Addr[len(other.Addr)-1])

	require.NoError(t, UnmapRegion(other))
	require.NoError(t, UnmapRegion(region))
	assert.Nil(t, region.Addr)
}

func TestCreateMemfdUnsealed(t *testing.T) {
	fd, err := CreateMemfd("shm-test-unsealed", 4096, false)
	require.NoError(t, err)
	defer CloseFd(fd) //nolint:errcheck

	// without MFD_ALLOW_SEALING the kernel reports F_SEAL_SEAL
	seals, err := Seals(fd)
	require.NoError(t, err)
	assert.Equal(t, SealSeal, seals)
}

func TestCacheMaintenance(t *testing.T) {
	fd, err := CreateMemfd("shm-cache", 4096, true)
	require.NoError(t, err)
	defer CloseFd(fd) //nolint:errcheck
	region, err := MapRegion(MapOptions{Fd: fd, Size: 4096})
	require.NoError(t, err)
	defer UnmapRegion(region) //nolint:errcheck

	region.Addr[0] = 7
	MemoryFence()
	for off := 0; off < len(region.Addr); off += CacheLineSize {
		FlushCacheLine(addrOf(region.Addr[off:]))
	}
	MemoryFence()
	assert.Equal(t, byte(7), region.Addr[0])
}
