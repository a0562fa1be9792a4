package frame

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"honnef.co/go/safeish"

	"github.com/srediag/vkmemfd/pkg/coherency"
	"github.com/srediag/vkmemfd/pkg/layout"
	"github.com/srediag/vkmemfd/pkg/shm"
	"github.com/srediag/vkmemfd/pkg/transport"
)

const (
	testWidth, testHeight = 16, 16
	testOutputs           = 4
)

var testImageSize = layout.ImageSize(testWidth, testHeight)

type maintenance struct {
	fences, lines atomic.Int64
}

func (m *maintenance) Fence()            { m.fences.Add(1) }
func (m *maintenance) FlushLine(uintptr) { m.lines.Add(1) }

// alternation fails the test when the controller writes a second request
// before it consumed the previous reply.
type alternation struct {
	t           *testing.T
	outstanding atomic.Bool
	requests    atomic.Int64
}

type requestWriter struct {
	a *alternation
	w io.Writer
}

func (w requestWriter) Write(p []byte) (int, error) {
	if !w.a.outstanding.CompareAndSwap(false, true) {
		w.a.t.Error("second request issued before the reply")
	}
	w.a.requests.Add(1)
	return w.w.Write(p)
}

type replyReader struct {
	a *alternation
	r io.Reader
}

func (r replyReader) Read(p []byte) (int, error) {
	n, err := io.ReadFull(r.r, p)
	if n == len(p) {
		r.a.outstanding.Store(false)
	}
	return n, err
}

type FrameTestSuite struct {
	suite.Suite
	heap   *shm.Heap
	layout layout.Layout
	maint  *maintenance

	ctrlR, ctrlW *os.File
	rendR, rendW *os.File
}

func (s *FrameTestSuite) SetupTest() {
	page := uint64(os.Getpagesize())
	s.layout = layout.Layout{
		BaseSkip:        0,
		UniformSlotSize: page,
		OutputSlotSize:  layout.AlignedSize(testImageSize, page),
		OutputCount:     testOutputs,
	}
	h, err := shm.Create(shm.CreateOptions{Name: "frame-test", Size: s.layout.End()})
	s.Require().NoError(err)
	s.heap = h
	s.maint = &maintenance{}

	// controller -> renderer
	s.rendR, s.ctrlW, err = os.Pipe()
	s.Require().NoError(err)
	// renderer -> controller
	s.ctrlR, s.rendW, err = os.Pipe()
	s.Require().NoError(err)
}

func (s *FrameTestSuite) TearDownTest() {
	for _, f := range []*os.File{s.ctrlR, s.ctrlW, s.rendR, s.rendW} {
		_ = f.Close()
	}
	s.NoError(s.heap.Close())
}

func (s *FrameTestSuite) controller(coherent bool, a *alternation) *Controller {
	var ch *transport.Channel
	if a != nil {
		ch = transport.New(replyReader{a: a, r: s.ctrlR}, requestWriter{a: a, w: s.ctrlW})
	} else {
		ch = transport.New(s.ctrlR, s.ctrlW)
	}
	c, err := NewController(ch, s.heap, s.layout, testImageSize,
		coherency.New(coherent, coherency.WithMaintainer(s.maint)))
	s.Require().NoError(err)
	return c
}

// fill paints output index with the uniform's first byte, like a device would.
func (s *FrameTestSuite) fill() Executor {
	return ExecutorFunc(func(index uint32) error {
		uniform, err := s.heap.Slice(s.layout.Uniform())
		if err != nil {
			return err
		}
		out, err := s.heap.Slice(s.layout.Output(uint64(index)))
		if err != nil {
			return err
		}
		rgba := safeish.SliceCast[[]float32](uniform[:16])
		for i := range out[:testImageSize] {
			out[i] = byte(rgba[0] * 255)
		}
		return nil
	})
}

func (s *FrameTestSuite) TestRoundTripSequence() {
	a := &alternation{t: s.T()}
	c := s.controller(false, a)
	r := NewRenderer(transport.New(s.rendR, s.rendW), testOutputs, s.fill())

	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background()) }()

	seq := NewSequence(testOutputs)
	var sent []uint32
	for i := 0; i < 3*testOutputs; i++ {
		index, rgba := seq.Next()
		s.Require().NoError(c.RenderFrame(context.Background(), index, rgba))
		s.Equal(StateIdle, c.State())
		sent = append(sent, index)

		img, err := c.Output(index)
		s.Require().NoError(err)
		s.Len(img, int(testImageSize))
		s.Equal(byte(rgba[0]*255), img[0])
	}
	s.Equal([]uint32{0, 1, 2, 3, 3, 2, 1, 0, 1, 2, 3, 3}, sent)
	s.Equal(int64(len(sent)), a.requests.Load())

	// one fence per write plus one per read
	s.Equal(int64(2*len(sent)), s.maint.fences.Load())
	perFrame := int64(1 + (testImageSize+63)/64)
	s.Equal(perFrame*int64(len(sent)), s.maint.lines.Load())

	s.Require().NoError(s.ctrlW.Close())
	s.NoError(<-done, "hang-up between frames ends the renderer")
}

func (s *FrameTestSuite) TestCoherentSkipsMaintenance() {
	c := s.controller(true, nil)
	r := NewRenderer(transport.New(s.rendR, s.rendW), testOutputs, s.fill())
	go func() { _, _ = r.ServeFrame() }()

	s.Require().NoError(c.RenderFrame(context.Background(), 2, [4]float32{1, 0, 0, 1}))
	_, err := c.Output(2)
	s.Require().NoError(err)
	s.Zero(s.maint.fences.Load())
	s.Zero(s.maint.lines.Load())
}

func (s *FrameTestSuite) TestReplyMismatch() {
	c := s.controller(true, nil)
	peer := transport.New(s.rendR, s.rendW)
	go func() {
		v, err := peer.Recv()
		if err == nil {
			_ = peer.Send(v + 1)
		}
	}()
	err := c.RenderFrame(context.Background(), 1, [4]float32{})
	s.ErrorIs(err, ErrReplyMismatch)
	s.Equal(StateFailed, c.State())

	// later requests report the original failure instead of a busy channel
	err = c.RenderFrame(context.Background(), 0, [4]float32{})
	s.ErrorIs(err, ErrChannelFailed)
	s.ErrorIs(err, ErrReplyMismatch)
	s.NotErrorIs(err, ErrRequestInFlight)
	s.Equal(StateFailed, c.State())
}

func (s *FrameTestSuite) TestPeerGoneIsTerminal() {
	c := s.controller(true, nil)
	s.Require().NoError(s.rendW.Close())
	err := c.RenderFrame(context.Background(), 0, [4]float32{})
	s.ErrorIs(err, transport.ErrShortRead)
	s.Equal(StateFailed, c.State())
	s.ErrorIs(c.RenderFrame(context.Background(), 0, [4]float32{}), ErrChannelFailed)
}

func (s *FrameTestSuite) TestRequestInFlight() {
	c := s.controller(true, nil)
	peer := transport.New(s.rendR, s.rendW)
	release := make(chan struct{})
	go func() {
		v, err := peer.Recv()
		if err != nil {
			return
		}
		<-release
		_ = peer.Send(v)
	}()

	first := make(chan error, 1)
	go func() { first <- c.RenderFrame(context.Background(), 0, [4]float32{}) }()
	s.Eventually(func() bool { return c.State() == StateAwaitingRender }, time.Second, time.Millisecond)

	s.ErrorIs(c.RenderFrame(context.Background(), 1, [4]float32{}), ErrRequestInFlight)
	close(release)
	s.NoError(<-first)
	s.Equal(StateIdle, c.State())
}

func (s *FrameTestSuite) TestIndexOutOfRange() {
	c := s.controller(true, nil)
	s.ErrorIs(c.RenderFrame(context.Background(), testOutputs, [4]float32{}), ErrIndexOutOfRange)
	_, err := c.Output(testOutputs)
	s.ErrorIs(err, ErrIndexOutOfRange)
	s.Equal(StateIdle, c.State())

	// the renderer rejects it as well
	ctrl := transport.New(s.ctrlR, s.ctrlW)
	s.Require().NoError(ctrl.Send(testOutputs))
	r := NewRenderer(transport.New(s.rendR, s.rendW), testOutputs, s.fill())
	_, err = r.ServeFrame()
	s.ErrorIs(err, ErrIndexOutOfRange)
}

func (s *FrameTestSuite) TestLayoutMustFitHeap() {
	l := s.layout
	l.OutputCount++
	_, err := NewController(transport.New(s.ctrlR, s.ctrlW), s.heap, l, testImageSize, coherency.New(true))
	s.ErrorIs(err, layout.ErrHeapTooSmall)
}

func TestFrameTestSuite(t *testing.T) {
	suite.Run(t, new(FrameTestSuite))
}

func TestSequence(t *testing.T) {
	seq := NewSequence(4)
	var got []uint32
	var channels []int
	for i := 0; i < 16; i++ {
		channels = append(channels, seq.Channel())
		index, rgba := seq.Next()
		got = append(got, index)
		assert.Equal(t, float32(1), rgba[3])
		assert.InDelta(t, float32(index)/3, rgba[channels[i]], 1e-6)
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 3, 2, 1, 0, 1, 2, 3, 3, 2, 1, 0, 1}, got)
	assert.Equal(t, 0, channels[7])
	assert.Equal(t, 1, channels[8])
	assert.Equal(t, 2, channels[15])
}

func TestSequenceSingleOutput(t *testing.T) {
	seq := NewSequence(1)
	for i := 0; i < 5; i++ {
		index, rgba := seq.Next()
		require.Equal(t, uint32(0), index)
		assert.Equal(t, [4]float32{0, 0, 0, 1}, rgba)
	}
}
