//go:build linux

package importer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	internalshm "github.com/srediag/vkmemfd/internal/shm"
	"github.com/srediag/vkmemfd/internal/softgpu"
	"github.com/srediag/vkmemfd/pkg/device"
	"github.com/srediag/vkmemfd/pkg/importer"
	"github.com/srediag/vkmemfd/pkg/negotiate"
	"github.com/srediag/vkmemfd/pkg/shm"
)

const (
	width, height = 32, 32
	outputs       = 3
)

// memfdSource hands out fresh memfds in place of udmabuf descriptors.
type memfdSource struct {
	calls  []shm.Region
	closed bool
}

func (s *memfdSource) Create(_ int, offset, size uint64) (int, error) {
	s.calls = append(s.calls, shm.Region{Offset: offset, Size: size})
	return internalshm.CreateMemfd("fake-udmabuf", int64(size), true)
}

func (s *memfdSource) Close() error {
	s.closed = true
	return nil
}

type ImporterTestSuite struct {
	suite.Suite
	heap *shm.Heap
}

func (s *ImporterTestSuite) SetupTest() {
	h, err := shm.Create(shm.CreateOptions{Name: "importer-test", Size: 64 << 20})
	s.Require().NoError(err)
	s.heap = h
}

func (s *ImporterTestSuite) TearDownTest() {
	s.NoError(s.heap.Close())
}

func (s *ImporterTestSuite) open(opts softgpu.Options, path device.ImportPath) (*device.Context, *negotiate.Plan) {
	dc, err := device.Open(softgpu.New(opts), path)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = dc.Close() })
	plan, err := negotiate.Negotiate(dc, negotiate.Params{
		HeapSize:    s.heap.Size(),
		HeapBase:    s.heap.Base(),
		Width:       width,
		Height:      height,
		OutputCount: outputs,
	})
	s.Require().NoError(err)
	return dc, plan
}

func (s *ImporterTestSuite) TestHostPointerBindAll() {
	dc, plan := s.open(softgpu.DefaultOptions(), device.ImportPathMemfd)
	imp, err := importer.New(dc, shm.MappedView{Heap: s.heap}, plan)
	s.Require().NoError(err)
	defer imp.Close()

	b, err := imp.BindAll(plan.Layout)
	s.Require().NoError(err)
	s.Len(b.Outputs, outputs)
	s.Equal(plan.Layout.Uniform(), b.Uniform.Region)

	seen := map[device.Memory]bool{b.Uniform.Memory: true}
	for i, out := range b.Outputs {
		s.Equal(plan.Layout.Output(uint64(i)), out.Region)
		s.False(seen[out.Memory], "regions must not share allocations")
		seen[out.Memory] = true
		// lowest bit of the import-capable types
		s.Equal(1, out.MemoryType)
	}

	// device-side bytes are heap bytes
	data, err := dc.Device.MapMemory(b.Outputs[1].Memory)
	s.Require().NoError(err)
	data[7] = 0x42
	heapBytes, err := s.heap.Slice(b.Outputs[1].Region)
	s.Require().NoError(err)
	s.Equal(byte(0x42), heapBytes[7])

	imp.Release(b)
	s.Nil(b.Uniform)
}

func (s *ImporterTestSuite) TestHandleImport() {
	dc, plan := s.open(softgpu.DefaultOptions(), device.ImportPathUdmabuf)
	view, err := shm.OpenView(s.heap.File(), false)
	s.Require().NoError(err)
	src := &memfdSource{}
	imp, err := importer.New(dc, view, plan, importer.WithHandleSource(src))
	s.Require().NoError(err)

	b, err := imp.BindAll(plan.Layout)
	s.Require().NoError(err)
	s.Equal(append([]shm.Region{plan.Layout.Uniform()}, plan.Layout.Outputs()...), src.calls)
	s.Zero(b.Uniform.Region.Offset)

	s.NoError(imp.Close())
	s.False(src.closed, "caller-provided sources stay open")
}

func (s *ImporterTestSuite) TestNoMemoryType() {
	opts := softgpu.DefaultOptions()
	opts.ImportMemoryTypeBits = 0
	dc, plan := s.open(opts, device.ImportPathMemfd)
	imp, err := importer.New(dc, shm.MappedView{Heap: s.heap}, plan)
	s.Require().NoError(err)
	_, err = imp.BindAll(plan.Layout)
	s.ErrorIs(err, importer.ErrNoMemoryType)
}

func (s *ImporterTestSuite) TestViewMismatch() {
	dc, plan := s.open(softgpu.DefaultOptions(), device.ImportPathUdmabuf)
	_, err := importer.New(dc, shm.MappedView{Heap: s.heap}, plan)
	s.ErrorIs(err, importer.ErrViewMismatch)
}

func (s *ImporterTestSuite) TestOutOfRange() {
	dc, plan := s.open(softgpu.DefaultOptions(), device.ImportPathMemfd)
	imp, err := importer.New(dc, shm.MappedView{Heap: s.heap}, plan)
	s.Require().NoError(err)
	_, err = imp.Bind(shm.Region{Offset: s.heap.Size(), Size: 4096}, plan.Output)
	s.ErrorIs(err, shm.ErrOutOfRange)
}

func TestImporterTestSuite(t *testing.T) {
	suite.Run(t, new(ImporterTestSuite))
}

func TestDedicatedHint(t *testing.T) {
	heap, err := shm.Create(shm.CreateOptions{Name: "importer-dedicated", Size: 1 << 20})
	require.NoError(t, err)
	defer heap.Close()

	opts := softgpu.DefaultOptions()
	opts.DedicatedOnly = device.HandleTypeHostAllocation
	opts.HostPointerAlignment = 16
	opts.BufferAlignment = 16
	dc, err := device.Open(softgpu.New(opts), device.ImportPathMemfd)
	require.NoError(t, err)
	defer dc.Close()

	plan, err := negotiate.Negotiate(dc, negotiate.Params{
		HeapSize: heap.Size(), HeapBase: heap.Base(), Width: 4, Height: 4, OutputCount: 2,
	})
	require.NoError(t, err)
	require.True(t, plan.Output.Dedicated)

	imp, err := importer.New(dc, shm.MappedView{Heap: heap}, plan)
	require.NoError(t, err)
	b, err := imp.BindAll(plan.Layout)
	require.NoError(t, err)
	assert.Len(t, b.Outputs, 2)
}
