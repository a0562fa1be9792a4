package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/vkmemfd/internal/debug"
	"github.com/srediag/vkmemfd/pkg/coherency"
	"github.com/srediag/vkmemfd/pkg/frame"
	"github.com/srediag/vkmemfd/pkg/health"
	"github.com/srediag/vkmemfd/pkg/layout"
	"github.com/srediag/vkmemfd/pkg/lifecycle"
	"github.com/srediag/vkmemfd/pkg/negotiate"
	"github.com/srediag/vkmemfd/pkg/present"
	"github.com/srediag/vkmemfd/pkg/shm"
	"github.com/srediag/vkmemfd/pkg/transport"
)

// ControllerOptions are the collaborators of the controller.
type ControllerOptions struct {
	// Surface defaults to a Dump surface when Config.DumpDir is set and to
	// a Headless one otherwise.
	Surface present.Surface
	// Executable is the renderer binary, the running one when empty.
	Executable string
	// Env of the renderer, the controller's own environment when nil.
	Env      []string
	Stdout   io.Writer
	Stderr   io.Writer
	Registry *prometheus.Registry
	Frame    []frame.Option
}

func (o *ControllerOptions) defaults(cfg *Config) error {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Registry == nil {
		o.Registry = prometheus.NewRegistry()
	}
	if o.Surface == nil {
		if cfg.DumpDir != "" {
			d, err := present.NewDump(cfg.DumpDir, cfg.DumpEvery)
			if err != nil {
				return err
			}
			o.Surface = d
		} else {
			o.Surface = present.NewHeadless(cfg.MaxPayload)
		}
	}
	return nil
}

// RunController creates the heap, starts the renderer and drives frames
// until ctx is done or Config.MaxFrames frames were presented.
func RunController(ctx context.Context, cfg *Config, opts ControllerOptions) error {
	if err := VerifyConfig(cfg); err != nil {
		return err
	}
	if err := opts.defaults(cfg); err != nil {
		return err
	}
	logger := debug.New("controller", opts.Stderr)
	fmt.Fprintf(opts.Stdout, "memfd heap is assumed %s\n", coherence(cfg.Coherent))

	if err := health.CheckHeapSize(cfg.HeapSize); err != nil {
		logger.Warnf("%v, pages are populated on demand", err)
	}
	heap, err := shm.Create(shm.CreateOptions{Name: cfg.Name, Size: cfg.HeapSize})
	if err != nil {
		return err
	}
	defer heap.Close()
	logger.Infof("heap of %d bytes at %#x", heap.Size(), heap.Base())

	peer, err := lifecycle.Split(ctx, lifecycle.SplitOptions{
		Executable:     opts.Executable,
		Heap:           heap.File(),
		Path:           cfg.Path,
		Env:            opts.Env,
		Stdout:         opts.Stdout,
		Stderr:         opts.Stderr,
		ChannelOptions: channelOptions(cfg, opts.Stderr),
	})
	if err != nil {
		return err
	}
	logger.Infof("renderer started, pid %d", peer.Pid())

	var monitor *health.Monitor
	if cfg.MetricsAddr != "" {
		var stop func()
		monitor, stop = startMonitor(ctx, cfg.MetricsAddr, opts.Registry, peer.Alive, logger)
		defer stop()
	}

	if err := drive(ctx, cfg, heap, peer.Channel, &opts, monitor, logger); err != nil {
		return err
	}
	_ = peer.Hangup()
	return peer.Wait()
}

// startMonitor serves the health endpoint until stop is called or ctx is
// done. stop returns once the server has shut down.
func startMonitor(ctx context.Context, addr string, reg *prometheus.Registry,
	alive func() bool, logger *debug.Logger) (monitor *health.Monitor, stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	monitor = health.New(reg)
	monitor.WatchProcess("renderer", alive)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := monitor.Serve(ctx, addr); err != nil {
			logger.Errorf("health endpoint: %v", err)
		}
	}()
	return monitor, func() {
		cancel()
		<-done
	}
}

func channelOptions(cfg *Config, log io.Writer) []transport.Option {
	opts := []transport.Option{
		transport.WithTrace(debug.New("protocol trace", log)),
	}
	if cfg.PeerTimeout > 0 {
		opts = append(opts, transport.WithReadTimeout(cfg.PeerTimeout))
	}
	return opts
}

func coherence(coherent bool) string {
	if coherent {
		return "coherent"
	}
	return "incoherent"
}

// drive runs the controller graph over an established channel.
func drive(ctx context.Context, cfg *Config, heap *shm.Heap, ch *transport.Channel,
	opts *ControllerOptions, monitor *health.Monitor, logger *debug.Logger) error {
	surface := opts.Surface
	defer surface.Close()
	imageSize := layout.ImageSize(cfg.Width, cfg.Height)
	if err := present.CheckImageSize(surface, imageSize); err != nil {
		return err
	}

	vals, err := ch.RecvValues(3)
	if err != nil {
		return fmt.Errorf("layout handshake: %w", err)
	}
	l, err := negotiate.FromHandshake(vals, cfg.OutputCount)
	if err != nil {
		return err
	}
	logger.Infof("layout %s", l)

	domain := coherency.New(cfg.Coherent, coherency.WithRegisterer(opts.Registry))
	ctrl, err := frame.NewController(ch, heap, l, imageSize, domain, opts.Frame...)
	if err != nil {
		return err
	}
	if monitor != nil {
		monitor.SetReady()
	}

	seq := frame.NewSequence(cfg.OutputCount)
	for n := 0; cfg.MaxFrames == 0 || n < cfg.MaxFrames; n++ {
		if err := present.CheckEvents(surface); err != nil {
			return err
		}
		index, rgba := seq.Next()
		if err := ctrl.RenderFrame(ctx, index, rgba); err != nil {
			return err
		}
		img, err := ctrl.Output(index)
		if err != nil {
			return err
		}
		if err := surface.Present(img, cfg.Width, cfg.Height, present.FormatB8G8R8A8); err != nil {
			return err
		}
		if err := pace(ctx, cfg.FrameInterval); err != nil {
			return err
		}
	}
	return nil
}

func pace(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
