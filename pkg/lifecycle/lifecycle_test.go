package lifecycle

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/vkmemfd/pkg/device"
	"github.com/srediag/vkmemfd/pkg/transport"
)

const helperEnv = "VKMEMFD_LIFECYCLE_HELPER"

// TestMain turns the test binary into a minimal renderer when re-executed
// by TestSplit: it reports the heap size and echoes one value.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(helperRenderer())
	}
	os.Exit(m.Run())
}

func helperRenderer() int {
	inv, err := ParseArgs(os.Args[1:])
	if err != nil || inv.Role != RoleRenderer {
		fmt.Fprintln(os.Stderr, "helper:", err)
		return 2
	}
	in, out, heap, err := inv.Renderer.Files("heap")
	if err != nil {
		return 3
	}
	st, err := heap.Stat()
	if err != nil {
		return 3
	}
	ch := transport.New(in, out, transport.WithReadTimeout(10*time.Second))
	if err := ch.SendValues(uint64(st.Size()), uint64(inv.Path)); err != nil {
		return 4
	}
	v, err := ch.Recv()
	if err != nil {
		return 5
	}
	if err := ch.Send(v); err != nil {
		return 6
	}
	return 0
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    Invocation
		wantErr bool
	}{
		{
			name: "defaults",
			want: Invocation{Role: RoleController, Path: device.ImportPathMemfd, Coherent: true},
		},
		{
			name: "controller modes",
			args: []string{"udmabuf", "incoherent"},
			want: Invocation{Role: RoleController, Path: device.ImportPathUdmabuf, Coherent: false},
		},
		{
			name: "last selector wins",
			args: []string{"udmabuf", "memfd", "incoherent", "coherent"},
			want: Invocation{Role: RoleController, Path: device.ImportPathMemfd, Coherent: true},
		},
		{
			name: "renderer",
			args: []string{"renderer-3-4-5", "udmabuf"},
			want: Invocation{
				Role:     RoleRenderer,
				Path:     device.ImportPathUdmabuf,
				Coherent: true,
				Renderer: RendererArgs{In: 3, Out: 4, Heap: 5},
			},
		},
		{name: "unknown token", args: []string{"vulkan"}, wantErr: true},
		{name: "short renderer token", args: []string{"renderer-3-4"}, wantErr: true},
		{name: "trailing garbage", args: []string{"renderer-3-4-5x"}, wantErr: true},
		{name: "negative fd", args: []string{"renderer-3--4-5"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseArgs(tt.args)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUsage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTokenRoundTrip(t *testing.T) {
	a := RendererArgs{In: 7, Out: 9, Heap: 11}
	assert.Equal(t, "renderer-7-9-11", a.Token())
	inv, err := ParseArgs([]string{a.Token()})
	require.NoError(t, err)
	assert.Equal(t, a, inv.Renderer)
}

func TestUsage(t *testing.T) {
	assert.Equal(t, "Usage: vkmemfd [udmabuf|memfd] [coherent|incoherent]\n", Usage("vkmemfd"))
}

func TestSplit(t *testing.T) {
	heap, err := os.CreateTemp(t.TempDir(), "heap")
	require.NoError(t, err)
	defer heap.Close()
	require.NoError(t, heap.Truncate(8192))

	exe, err := os.Executable()
	require.NoError(t, err)
	peer, err := Split(context.Background(), SplitOptions{
		Executable: exe,
		Heap:       heap,
		Path:       device.ImportPathUdmabuf,
		Env:        append(os.Environ(), helperEnv+"=1"),
		Stderr:     os.Stderr,
	})
	require.NoError(t, err)
	assert.Positive(t, peer.Pid())
	assert.True(t, peer.Alive())

	vals, err := peer.Channel.RecvValues(2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{8192, uint64(device.ImportPathUdmabuf)}, vals)

	require.NoError(t, peer.Channel.Send(42))
	v, err := peer.Channel.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)

	require.NoError(t, peer.Hangup())
	require.NoError(t, peer.Wait())
}

func TestSplitNeedsHeap(t *testing.T) {
	_, err := Split(context.Background(), SplitOptions{})
	assert.Error(t, err)
}
