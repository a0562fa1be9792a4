// Package lifecycle splits the program into its two roles. The controller
// re-executes its own binary as the renderer, handing it the control
// channel ends and the heap descriptor through inherited descriptors whose
// numbers travel in the invocation arguments.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srediag/vkmemfd/pkg/device"
)

// ErrUsage reports unrecognised invocation arguments.
var ErrUsage = errors.New("invalid arguments")

// Role a process plays.
type Role int

const (
	RoleController Role = iota
	RoleRenderer
)

func (r Role) String() string {
	if r == RoleRenderer {
		return "renderer"
	}
	return "controller"
}

const rendererPrefix = "renderer-"

// RendererArgs are the descriptor numbers a renderer inherits.
type RendererArgs struct {
	In   int
	Out  int
	Heap int
}

// Token encodes a as the renderer's role token.
func (a RendererArgs) Token() string {
	return fmt.Sprintf("%s%d-%d-%d", rendererPrefix, a.In, a.Out, a.Heap)
}

// Invocation is the parsed command line.
type Invocation struct {
	Role     Role
	Path     device.ImportPath
	Coherent bool
	Renderer RendererArgs
}

// ParseArgs parses the arguments after the program name. Tokens may come in
// any order; for repeated selectors the last one wins.
func ParseArgs(args []string) (Invocation, error) {
	inv := Invocation{Role: RoleController, Path: device.ImportPathMemfd, Coherent: true}
	for _, arg := range args {
		switch arg {
		case "udmabuf":
			inv.Path = device.ImportPathUdmabuf
		case "memfd":
			inv.Path = device.ImportPathMemfd
		case "coherent":
			inv.Coherent = true
		case "incoherent":
			inv.Coherent = false
		default:
			if !strings.HasPrefix(arg, rendererPrefix) {
				return Invocation{}, fmt.Errorf("%w: %q", ErrUsage, arg)
			}
			ra, err := parseRendererToken(arg)
			if err != nil {
				return Invocation{}, err
			}
			inv.Role = RoleRenderer
			inv.Renderer = ra
		}
	}
	return inv, nil
}

// parseRendererToken reports a malformed token as ErrUsage, like any other
// unknown argument.
func parseRendererToken(tok string) (RendererArgs, error) {
	var ra RendererArgs
	var tail string
	n, _ := fmt.Sscanf(tok[len(rendererPrefix):], "%d-%d-%d%s", &ra.In, &ra.Out, &ra.Heap, &tail)
	if n < 3 || tail != "" || ra.In < 0 || ra.Out < 0 || ra.Heap < 0 {
		return RendererArgs{}, fmt.Errorf("%w: invalid renderer args %q", ErrUsage, tok)
	}
	return ra, nil
}

// Usage returns the usage line for argv0.
func Usage(argv0 string) string {
	return fmt.Sprintf("Usage: %s [udmabuf|memfd] [coherent|incoherent]\n", argv0)
}
