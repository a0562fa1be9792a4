package present

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

func TestCheckImageSize(t *testing.T) {
	s := NewHeadless(4 << 20)
	assert.NoError(t, CheckImageSize(s, 600*600*4))
	assert.NoError(t, CheckImageSize(s, 2<<20))
	assert.ErrorIs(t, CheckImageSize(s, 2<<20+1), ErrImageTooLarge)
	assert.Equal(t, uint64(DefaultMaxPayload), NewHeadless(0).MaxPayload())
}

func TestCheckEvents(t *testing.T) {
	s := NewHeadless(0)
	assert.NoError(t, CheckEvents(s))
	s.Inject(Event{Kind: "expose"})
	assert.ErrorIs(t, CheckEvents(s), ErrUnexpectedEvent)
	assert.NoError(t, CheckEvents(s), "events are consumed")
}

func TestHeadlessPresent(t *testing.T) {
	s := NewHeadless(0)
	img := bytes.Repeat([]byte{1, 2, 3, 4}, 4)
	require.NoError(t, s.Present(img, 2, 2, FormatB8G8R8A8))
	assert.Equal(t, 1, s.Frames())
	assert.Equal(t, img, s.Last())

	assert.ErrorIs(t, s.Present(img, 2, 2, PixelFormat(7)), ErrFormat)
	assert.Error(t, s.Present(img[:8], 2, 2, FormatB8G8R8A8))

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Present(img, 2, 2, FormatB8G8R8A8), ErrClosed)
}

func TestDump(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "frames")
	d, err := NewDump(dir, 2)
	require.NoError(t, err)

	// one blue-ish BGRA pixel
	img := []byte{200, 10, 20, 255}
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Present(img, 1, 1, FormatB8G8R8A8))
	}
	assert.Equal(t, 3, d.Frames())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "frame-000000.bmp", entries[0].Name())
	assert.Equal(t, "frame-000002.bmp", entries[1].Name())

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()
	decoded, err := bmp.Decode(f)
	require.NoError(t, err)
	r, g, b, _ := decoded.At(0, 0).RGBA()
	assert.Equal(t, []uint32{20, 10, 200}, []uint32{r >> 8, g >> 8, b >> 8})
}
