// Package app wires the two role graphs of the program: the controller,
// which owns the heap and the surface, and the renderer, which owns the
// device.
package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/srediag/vkmemfd/internal/softgpu"
	"github.com/srediag/vkmemfd/pkg/device"
	"github.com/srediag/vkmemfd/pkg/layout"
	"github.com/srediag/vkmemfd/pkg/present"
)

const (
	defaultName          = "vkmemfd"
	defaultWidth         = 600
	defaultHeight        = 600
	defaultOutputCount   = 64
	defaultHeapSize      = 8 << 30
	defaultFrameInterval = time.Second / 60
)

// Environment overrides. The renderer inherits the controller's
// environment, so both sides see the same values.
const (
	EnvWidth         = "VKMEMFD_WIDTH"
	EnvHeight        = "VKMEMFD_HEIGHT"
	EnvOutputs       = "VKMEMFD_OUTPUTS"
	EnvHeapSize      = "VKMEMFD_HEAP_SIZE"
	EnvFrameInterval = "VKMEMFD_FRAME_INTERVAL"
	EnvMaxFrames     = "VKMEMFD_MAX_FRAMES"
	EnvPeerTimeout   = "VKMEMFD_PEER_TIMEOUT"
	EnvDriver        = "VKMEMFD_DRIVER"
	EnvMetricsAddr   = "VKMEMFD_METRICS_ADDR"
	EnvDumpDir       = "VKMEMFD_DUMP_DIR"
	EnvDumpEvery     = "VKMEMFD_DUMP_EVERY"
)

// Config of both roles.
type Config struct {
	Name        string
	Width       int
	Height      int
	OutputCount int
	// HeapSize is deliberately larger than needed to exercise demand paging.
	HeapSize uint64
	// Coherent skips all cache maintenance.
	Coherent bool
	Path     device.ImportPath
	Driver   string

	// FrameInterval paces presentation; zero presents back to back.
	FrameInterval time.Duration
	// MaxFrames stops the controller after that many frames; zero runs forever.
	MaxFrames int
	// PeerTimeout bounds every channel read; zero blocks forever.
	PeerTimeout time.Duration

	MetricsAddr string
	DumpDir     string
	DumpEvery   int
	// MaxPayload is the surface transfer limit.
	MaxPayload uint64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:          defaultName,
		Width:         defaultWidth,
		Height:        defaultHeight,
		OutputCount:   defaultOutputCount,
		HeapSize:      defaultHeapSize,
		Coherent:      true,
		Path:          device.ImportPathMemfd,
		Driver:        softgpu.Name,
		FrameInterval: defaultFrameInterval,
		DumpEvery:     1,
		MaxPayload:    present.DefaultMaxPayload,
	}
}

// VerifyConfig checks c for values no layout could satisfy.
func VerifyConfig(c *Config) error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", c.Width, c.Height)
	}
	if c.OutputCount <= 0 || c.OutputCount > 1<<16 {
		return fmt.Errorf("invalid output count %d", c.OutputCount)
	}
	if need := layout.UniformSize + uint64(c.OutputCount)*layout.ImageSize(c.Width, c.Height); c.HeapSize < need {
		return fmt.Errorf("heap size %d below the %d bytes the images need", c.HeapSize, need)
	}
	if c.Driver == "" {
		return errors.New("no device driver")
	}
	if c.FrameInterval < 0 || c.PeerTimeout < 0 || c.MaxFrames < 0 {
		return errors.New("negative interval, timeout or frame count")
	}
	if c.DumpEvery <= 0 {
		return fmt.Errorf("invalid dump interval %d", c.DumpEvery)
	}
	return nil
}

// LoadEnv applies the environment overrides found by lookup, os.LookupEnv
// when nil.
func LoadEnv(c *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	ints := []struct {
		key string
		dst *int
	}{
		{EnvWidth, &c.Width},
		{EnvHeight, &c.Height},
		{EnvOutputs, &c.OutputCount},
		{EnvMaxFrames, &c.MaxFrames},
		{EnvDumpEvery, &c.DumpEvery},
	}
	for _, e := range ints {
		if v, ok := lookup(e.key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = n
		}
	}
	if v, ok := lookup(EnvHeapSize); ok {
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHeapSize, err)
		}
		c.HeapSize = n
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvFrameInterval, &c.FrameInterval},
		{EnvPeerTimeout, &c.PeerTimeout},
	}
	for _, e := range durations {
		if v, ok := lookup(e.key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = d
		}
	}
	strs := []struct {
		key string
		dst *string
	}{
		{EnvDriver, &c.Driver},
		{EnvMetricsAddr, &c.MetricsAddr},
		{EnvDumpDir, &c.DumpDir},
	}
	for _, e := range strs {
		if v, ok := lookup(e.key); ok {
			*e.dst = v
		}
	}
	return nil
}
