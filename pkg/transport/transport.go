// Package transport carries the control protocol between the controller and
// the renderer: fixed-width 4-byte unsigned integers in native byte order,
// written back to back with no framing.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/srediag/vkmemfd/internal/debug"
)

// ValueSize is the byte width of every value on the wire.
const ValueSize = 4

var (
	ErrShortRead     = errors.New("short read on control channel")
	ErrShortWrite    = errors.New("short write on control channel")
	ErrValueOverflow = errors.New("value does not fit the wire format")
	ErrPeerTimeout   = errors.New("peer did not answer in time")
)

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Option configures a Channel.
type Option func(*Channel)

// WithReadTimeout bounds every read. Zero, the default, blocks forever.
// It only takes effect when the reader supports deadlines, as pipes do.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Channel) { c.timeout = d }
}

// WithTrace logs every value sent and received at trace level.
func WithTrace(l *debug.Logger) Option {
	return func(c *Channel) { c.trace = l }
}

// Channel is one side of the control channel pair. It is not safe for
// concurrent use; the protocol never needs it to be.
type Channel struct {
	r       io.Reader
	w       io.Writer
	timeout time.Duration
	trace   *debug.Logger
	buf     [ValueSize * 8]byte
}

// New returns a Channel reading from r and writing to w.
func New(r io.Reader, w io.Writer, opts ...Option) *Channel {
	c := &Channel{r: r, w: w}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send writes one value.
func (c *Channel) Send(v uint32) error {
	return c.SendValues(uint64(v))
}

// Recv blocks until one full value is available.
func (c *Channel) Recv() (uint32, error) {
	vals, err := c.RecvValues(1)
	if err != nil {
		return 0, err
	}
	return uint32(vals[0]), nil
}

// SendValues writes vals in one write. Values above MaxUint32 are rejected
// before anything is written.
func (c *Channel) SendValues(vals ...uint64) error {
	var b []byte
	if len(vals)*ValueSize <= len(c.buf) {
		b = c.buf[:len(vals)*ValueSize]
	} else {
		b = make([]byte, len(vals)*ValueSize)
	}
	for i, v := range vals {
		if v > math.MaxUint32 {
			return fmt.Errorf("%w: %d", ErrValueOverflow, v)
		}
		binary.NativeEndian.PutUint32(b[i*ValueSize:], uint32(v))
	}
	n, err := c.w.Write(b)
	if err != nil {
		return fmt.Errorf("%w: %d of %d bytes: %v", ErrShortWrite, n, len(b), err)
	}
	if n != len(b) {
		return fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(b))
	}
	if c.trace != nil {
		c.trace.Tracef("sent %v", vals)
	}
	return nil
}

// RecvValues blocks until n full values are available.
func (c *Channel) RecvValues(n int) ([]uint64, error) {
	var b []byte
	if n*ValueSize <= len(c.buf) {
		b = c.buf[:n*ValueSize]
	} else {
		b = make([]byte, n*ValueSize)
	}
	if c.timeout > 0 {
		if d, ok := c.r.(deadliner); ok {
			if err := d.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
				return nil, fmt.Errorf("set read deadline: %w", err)
			}
		}
	}
	got, err := io.ReadFull(c.r, b)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrPeerTimeout, c.timeout)
		}
		return nil, fmt.Errorf("%w: %d of %d bytes: %w", ErrShortRead, got, len(b), err)
	}
	vals := make([]uint64, n)
	for i := range vals {
		vals[i] = uint64(binary.NativeEndian.Uint32(b[i*ValueSize:]))
	}
	if c.trace != nil {
		c.trace.Tracef("received %v", vals)
	}
	return vals, nil
}
