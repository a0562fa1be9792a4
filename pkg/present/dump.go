package present

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/image/bmp"
)

// Dump is a Surface that writes every Nth frame to a directory as BMP.
type Dump struct {
	dir        string
	every      int
	maxPayload uint64
	frames     int
	img        *image.RGBA
}

// NewDump writes frames 0, every, 2*every, ... into dir, creating it.
func NewDump(dir string, every int) (*Dump, error) {
	if every <= 0 {
		every = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dump dir: %w", err)
	}
	return &Dump{dir: dir, every: every, maxPayload: DefaultMaxPayload}, nil
}

func (d *Dump) MaxPayload() uint64 { return d.maxPayload }

func (d *Dump) Present(pixels []byte, width, height int, format PixelFormat) error {
	if err := checkFrame(pixels, width, height, format); err != nil {
		return err
	}
	n := d.frames
	d.frames++
	if n%d.every != 0 {
		return nil
	}
	if d.img == nil || d.img.Rect.Dx() != width || d.img.Rect.Dy() != height {
		d.img = image.NewRGBA(image.Rect(0, 0, width, height))
	}
	for i := 0; i < width*height*4; i += 4 {
		d.img.Pix[i+0] = pixels[i+2]
		d.img.Pix[i+1] = pixels[i+1]
		d.img.Pix[i+2] = pixels[i+0]
		d.img.Pix[i+3] = 0xff
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := bmp.Encode(buf, d.img); err != nil {
		return fmt.Errorf("encode frame %d: %w", n, err)
	}
	path := filepath.Join(d.dir, fmt.Sprintf("frame-%06d.bmp", n))
	if err := os.WriteFile(path, buf.B, 0o644); err != nil {
		return fmt.Errorf("write frame %d: %w", n, err)
	}
	return nil
}

func (d *Dump) PollEvent() (Event, bool) { return Event{}, false }

func (d *Dump) Close() error { return nil }

// Frames returns the number of frames presented.
func (d *Dump) Frames() int { return d.frames }
