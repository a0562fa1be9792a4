package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/srediag/vkmemfd/pkg/device"
	"github.com/srediag/vkmemfd/pkg/transport"
)

// Descriptor numbers of the renderer's inherited files.
const (
	childIn   = 3
	childOut  = 4
	childHeap = 5
)

// SplitOptions describe the renderer to start.
type SplitOptions struct {
	// Executable defaults to the running binary.
	Executable string
	Heap       *os.File
	Path       device.ImportPath
	Env        []string
	Stdout     io.Writer
	Stderr     io.Writer
	// Channel options of the controller's end.
	ChannelOptions []transport.Option
}

// Peer is the running renderer as the controller sees it.
type Peer struct {
	Cmd     *exec.Cmd
	Channel *transport.Channel

	in  *os.File
	out *os.File
}

// Split starts the renderer and returns the controller's end of the channel
// pair. Exactly one renderer is started per call.
func Split(ctx context.Context, opts SplitOptions) (*Peer, error) {
	if opts.Heap == nil {
		return nil, errors.New("split: no heap descriptor")
	}
	exe := opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("split: %w", err)
		}
	}

	// renderer -> controller
	parentIn, childW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("split: pipe: %w", err)
	}
	// controller -> renderer
	childR, parentOut, err := os.Pipe()
	if err != nil {
		closeAll(parentIn, childW)
		return nil, fmt.Errorf("split: pipe: %w", err)
	}

	args := RendererArgs{In: childIn, Out: childOut, Heap: childHeap}
	cmd := exec.CommandContext(ctx, exe, args.Token(), opts.Path.String())
	cmd.ExtraFiles = []*os.File{childR, childW, opts.Heap}
	cmd.Env = opts.Env
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if err := cmd.Start(); err != nil {
		closeAll(parentIn, childW, childR, parentOut)
		return nil, fmt.Errorf("split: start renderer: %w", err)
	}
	closeAll(childR, childW)

	return &Peer{
		Cmd:     cmd,
		Channel: transport.New(parentIn, parentOut, opts.ChannelOptions...),
		in:      parentIn,
		out:     parentOut,
	}, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// Pid returns the renderer's process id.
func (p *Peer) Pid() int { return p.Cmd.Process.Pid }

// Alive reports whether the renderer process still runs.
func (p *Peer) Alive() bool {
	proc, err := process.NewProcess(int32(p.Pid()))
	if err != nil {
		return false
	}
	status, err := proc.Status()
	if err == nil && slices.Contains(status, process.Zombie) {
		return false
	}
	return true
}

// Hangup closes the controller's write end; the renderer sees end of file
// at its next frame boundary.
func (p *Peer) Hangup() error {
	return p.out.Close()
}

// Wait waits for the renderer to exit and releases the channel.
func (p *Peer) Wait() error {
	err := p.Cmd.Wait()
	closeAll(p.in, p.out)
	return err
}
