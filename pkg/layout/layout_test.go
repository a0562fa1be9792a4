package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/vkmemfd/pkg/shm"
)

func TestAlignedSize(t *testing.T) {
	assert.Equal(t, uint64(4096), AlignedSize[uint64](16, 4096))
	assert.Equal(t, uint64(4096), AlignedSize[uint64](4096, 4096))
	assert.Equal(t, uint64(8192), AlignedSize[uint64](4097, 4096))
	assert.Equal(t, uint64(1441792), AlignedSize[uint64](1440000, 4096))
	assert.Equal(t, uint32(64), AlignedSize[uint32](1, 64))
}

func TestBaseSkip(t *testing.T) {
	assert.Equal(t, uint64(0), BaseSkip(0x7f0000000000, 4096))
	assert.Equal(t, uint64(4095), BaseSkip(0x7f0000000001, 4096))
	assert.Equal(t, uint64(16), BaseSkip(0x30, 64))
	for base := uintptr(0); base < 300; base += 7 {
		skip := BaseSkip(base, 256)
		assert.Less(t, skip, uint64(256))
		assert.Zero(t, (uint64(base)+skip)%256)
	}
}

func TestRegions(t *testing.T) {
	l := Layout{BaseSkip: 64, UniformSlotSize: 4096, OutputSlotSize: 8192, OutputCount: 3}

	assert.Equal(t, shm.Region{Offset: 64, Size: 4096}, l.Uniform())
	assert.Equal(t, []shm.Region{
		{Offset: 4160, Size: 8192},
		{Offset: 12352, Size: 8192},
		{Offset: 20544, Size: 8192},
	}, l.Outputs())
	assert.Equal(t, uint64(28736), l.End())

	// regions are contiguous and never overlap
	prev := l.Uniform()
	for _, r := range l.Outputs() {
		assert.Equal(t, prev.End(), r.Offset)
		prev = r
	}
}

func TestValidate(t *testing.T) {
	img := ImageSize(600, 600)
	require.Equal(t, uint64(1440000), img)

	l := Layout{UniformSlotSize: 4096, OutputSlotSize: 1441792, OutputCount: 64}
	require.NoError(t, l.Validate(8<<30, img))

	assert.ErrorIs(t, l.Validate(l.End()-1, img), ErrHeapTooSmall)
	assert.NoError(t, l.Validate(l.End(), img))

	small := l
	small.OutputSlotSize = img - 1
	assert.ErrorIs(t, small.Validate(8<<30, img), ErrOutputSlotTooSmall)

	tiny := l
	tiny.UniformSlotSize = 8
	assert.ErrorIs(t, tiny.Validate(8<<30, img), ErrUniformSlotTooSmall)

	none := l
	none.OutputCount = 0
	assert.ErrorIs(t, none.Validate(8<<30, img), ErrNoOutputs)

	huge := Layout{UniformSlotSize: 16, OutputSlotSize: 1 << 40, OutputCount: 1 << 30}
	assert.ErrorIs(t, huge.Validate(^uint64(0), 16), ErrHeapTooSmall)
}
