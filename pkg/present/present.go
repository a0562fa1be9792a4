// Package present is the presentation side of the controller: a surface that
// consumes one finished output image per frame.
package present

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultMaxPayload is the transport limit of the built-in surfaces, the
// size of the largest request a big-requests display server accepts.
const DefaultMaxPayload = 16 << 20

var (
	ErrImageTooLarge   = errors.New("image exceeds half the surface payload limit")
	ErrUnexpectedEvent = errors.New("unexpected surface event")
	ErrFormat          = errors.New("unsupported pixel format")
	ErrClosed          = errors.New("surface closed")
)

// PixelFormat of the presented bytes.
type PixelFormat int

const (
	// FormatB8G8R8A8 is 32-bit pixels, blue in the lowest byte.
	FormatB8G8R8A8 PixelFormat = iota
)

func (f PixelFormat) String() string {
	if f == FormatB8G8R8A8 {
		return "B8G8R8A8"
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

// Event is anything the surface reports on its own.
type Event struct {
	Kind string
}

// Surface consumes output images.
type Surface interface {
	// MaxPayload is the largest single transfer the surface accepts.
	MaxPayload() uint64
	Present(pixels []byte, width, height int, format PixelFormat) error
	// PollEvent returns a pending event without blocking.
	PollEvent() (Event, bool)
	Close() error
}

// CheckImageSize rejects images larger than half of the surface's payload
// limit. It runs once, before the first frame.
func CheckImageSize(s Surface, size uint64) error {
	if limit := s.MaxPayload() / 2; size > limit {
		return fmt.Errorf("%w: %d > %d", ErrImageTooLarge, size, limit)
	}
	return nil
}

// CheckEvents polls the surface once. Any pending event is fatal: the
// surface never expects input.
func CheckEvents(s Surface) error {
	if ev, ok := s.PollEvent(); ok {
		return fmt.Errorf("%w: %s", ErrUnexpectedEvent, ev.Kind)
	}
	return nil
}

func checkFrame(pixels []byte, width, height int, format PixelFormat) error {
	if format != FormatB8G8R8A8 {
		return fmt.Errorf("%w: %s", ErrFormat, format)
	}
	if width <= 0 || height <= 0 || len(pixels) < width*height*4 {
		return fmt.Errorf("present %dx%d: %d bytes", width, height, len(pixels))
	}
	return nil
}

// Headless is a Surface without a display. It counts frames and remembers
// the last one; tests inject events into it.
type Headless struct {
	maxPayload uint64

	mu     sync.Mutex
	frames int
	last   []byte
	events []Event
	closed bool
}

// NewHeadless returns a Headless surface with the given payload limit,
// DefaultMaxPayload when zero.
func NewHeadless(maxPayload uint64) *Headless {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Headless{maxPayload: maxPayload}
}

func (h *Headless) MaxPayload() uint64 { return h.maxPayload }

func (h *Headless) Present(pixels []byte, width, height int, format PixelFormat) error {
	if err := checkFrame(pixels, width, height, format); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.frames++
	h.last = append(h.last[:0], pixels[:width*height*4]...)
	return nil
}

func (h *Headless) PollEvent() (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) == 0 {
		return Event{}, false
	}
	ev := h.events[0]
	h.events = h.events[1:]
	return ev, true
}

// Inject queues an event for PollEvent.
func (h *Headless) Inject(ev Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

// Frames returns the number of frames presented.
func (h *Headless) Frames() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frames
}

// Last returns a copy of the last presented image.
func (h *Headless) Last() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.last...)
}

func (h *Headless) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}
