// Package frame implements the synchronous frame control protocol. The
// controller writes render parameters into the uniform region, sends an
// output index and blocks until the renderer echoes it back; at most one
// request is ever in flight.
package frame

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"honnef.co/go/safeish"

	"github.com/srediag/vkmemfd/pkg/coherency"
	"github.com/srediag/vkmemfd/pkg/layout"
	"github.com/srediag/vkmemfd/pkg/shm"
	"github.com/srediag/vkmemfd/pkg/transport"
)

var (
	ErrRequestInFlight = errors.New("frame request already in flight")
	ErrReplyMismatch   = errors.New("renderer replied with a different output")
	ErrIndexOutOfRange = errors.New("output index out of range")
	// ErrChannelFailed is returned by every request after an exchange
	// failed; the channel can no longer be trusted to be in step.
	ErrChannelFailed = errors.New("frame channel failed")
)

// State of the controller side of the protocol.
type State int32

const (
	StateIdle State = iota
	StateAwaitingRender
	// StateFailed is terminal.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingRender:
		return "awaiting-render"
	case StateFailed:
		return "failed"
	}
	return "idle"
}

const instrumentationName = "github.com/srediag/vkmemfd/pkg/frame"

// Option configures a Controller.
type Option func(*Controller)

// WithTracerProvider traces every frame as one span.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Controller) { c.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider records frame counts and round-trip latency.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Controller) { c.meter = mp.Meter(instrumentationName) }
}

// Controller drives the renderer from the heap owner's side.
type Controller struct {
	ch        *transport.Channel
	layout    layout.Layout
	uniform   []byte
	outputs   [][]byte
	imageSize uint64
	domain    *coherency.Domain
	state     atomic.Int32
	// set once, before state moves to StateFailed
	failure error

	tracer  trace.Tracer
	meter   metric.Meter
	frames  metric.Int64Counter
	latency metric.Float64Histogram
}

// NewController validates l against heap and imageSize and derives every
// region from it.
func NewController(ch *transport.Channel, heap *shm.Heap, l layout.Layout, imageSize uint64, domain *coherency.Domain, opts ...Option) (*Controller, error) {
	if err := l.Validate(heap.Size(), imageSize); err != nil {
		return nil, err
	}
	uniform, err := heap.Slice(l.Uniform())
	if err != nil {
		return nil, err
	}
	outputs, err := heap.Slices(l.Outputs())
	if err != nil {
		return nil, err
	}
	c := &Controller{
		ch:        ch,
		layout:    l,
		uniform:   uniform[:layout.UniformSize],
		outputs:   outputs,
		imageSize: imageSize,
		domain:    domain,
		tracer:    tracenoop.NewTracerProvider().Tracer(instrumentationName),
		meter:     metricnoop.NewMeterProvider().Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.frames, err = c.meter.Int64Counter("vkmemfd.frames",
		metric.WithDescription("Frames rendered.")); err != nil {
		return nil, err
	}
	if c.latency, err = c.meter.Float64Histogram("vkmemfd.frame.round_trip",
		metric.WithDescription("Request to reply latency."), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return c, nil
}

// State returns the protocol state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Layout returns the layout the controller runs with.
func (c *Controller) Layout() layout.Layout { return c.layout }

// RenderFrame has output index rendered with rgba and returns once the
// renderer echoed the index.
func (c *Controller) RenderFrame(ctx context.Context, index uint32, rgba [4]float32) error {
	if uint64(index) >= c.layout.OutputCount {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, c.layout.OutputCount)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateAwaitingRender)) {
		if c.State() == StateFailed {
			return fmt.Errorf("%w: %w", ErrChannelFailed, c.failure)
		}
		return ErrRequestInFlight
	}
	ctx, span := c.tracer.Start(ctx, "frame.render",
		trace.WithAttributes(attribute.Int("frame.output", int(index))))
	defer span.End()

	copy(c.uniform, safeish.AsBytes(&rgba))
	c.domain.HostWrite(c.uniform)

	start := time.Now()
	if err := c.exchange(index); err != nil {
		span.RecordError(err)
		c.failure = err
		c.state.Store(int32(StateFailed))
		return err
	}
	c.latency.Record(ctx, time.Since(start).Seconds())
	c.frames.Add(ctx, 1)
	c.state.Store(int32(StateIdle))
	return nil
}

func (c *Controller) exchange(index uint32) error {
	if err := c.ch.Send(index); err != nil {
		return err
	}
	reply, err := c.ch.Recv()
	if err != nil {
		return err
	}
	if reply != index {
		return fmt.Errorf("%w: sent %d, got %d", ErrReplyMismatch, index, reply)
	}
	return nil
}

// Output returns the image bytes of output index, invalidated for the CPU.
func (c *Controller) Output(index uint32) ([]byte, error) {
	if uint64(index) >= c.layout.OutputCount {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, c.layout.OutputCount)
	}
	img := c.outputs[index][:c.imageSize]
	c.domain.HostRead(img)
	return img, nil
}
