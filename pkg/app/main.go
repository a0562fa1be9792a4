package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/srediag/vkmemfd/internal/debug"
	"github.com/srediag/vkmemfd/pkg/lifecycle"
)

// ExitUsage is the exit status after printing usage.
const ExitUsage = 1

// Main runs the role argv selects and returns the exit status. Every
// failure past argument parsing stops the process through debug.Fatal.
func Main(argv []string) int {
	argv0 := "vkmemfd"
	if len(argv) > 0 {
		argv0 = filepath.Base(argv[0])
		argv = argv[1:]
	}
	inv, err := lifecycle.ParseArgs(argv)
	if err != nil {
		fmt.Fprint(os.Stdout, lifecycle.Usage(argv0))
		return ExitUsage
	}

	role := "app"
	if inv.Role == lifecycle.RoleRenderer {
		role = "renderer"
	}
	cfg := DefaultConfig()
	if err := LoadEnv(cfg, nil); err != nil {
		debug.Fatal(role, err)
	}
	cfg.Path = inv.Path
	cfg.Coherent = inv.Coherent

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch inv.Role {
	case lifecycle.RoleRenderer:
		in, out, heap, ferr := inv.Renderer.Files(cfg.Name)
		if ferr != nil {
			debug.Fatal(role, ferr)
		}
		err = RunRenderer(ctx, cfg, RendererFiles{In: in, Out: out, Heap: heap}, RendererOptions{})
	default:
		err = RunController(ctx, cfg, ControllerOptions{})
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		debug.Fatal(role, err)
	}
	return 0
}
