package frame

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/srediag/vkmemfd/pkg/transport"
)

// ErrPeerClosed reports that the controller closed its end between frames.
var ErrPeerClosed = errors.New("controller closed the channel")

// Executor renders one output and returns once the device queue is drained.
type Executor interface {
	Execute(index uint32) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(index uint32) error

func (f ExecutorFunc) Execute(index uint32) error { return f(index) }

// Renderer answers frame requests on the device owner's side.
type Renderer struct {
	ch          *transport.Channel
	outputCount uint32
	exec        Executor
}

// NewRenderer returns a Renderer serving outputCount outputs.
func NewRenderer(ch *transport.Channel, outputCount uint32, exec Executor) *Renderer {
	return &Renderer{ch: ch, outputCount: outputCount, exec: exec}
}

// ServeFrame handles one request: read the index, render, echo it.
func (r *Renderer) ServeFrame() (uint32, error) {
	index, err := r.ch.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, ErrPeerClosed
		}
		return 0, err
	}
	if index >= r.outputCount {
		return index, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, r.outputCount)
	}
	if err := r.exec.Execute(index); err != nil {
		return index, fmt.Errorf("render output %d: %w", index, err)
	}
	return index, r.ch.Send(index)
}

// Serve handles requests until ctx is done, the controller hangs up, or an
// error occurs. A controller hanging up between frames ends Serve cleanly.
func (r *Renderer) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.ServeFrame(); err != nil {
			if errors.Is(err, ErrPeerClosed) {
				return nil
			}
			return err
		}
	}
}
