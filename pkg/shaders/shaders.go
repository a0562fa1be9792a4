// Package shaders holds the WGSL sources of the triangle pipeline and
// compiles them to SPIR-V with naga. Each stage is compiled once, on first
// use.
package shaders

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/gogpu/naga"
)

// Entry points of the two stages.
const (
	VertexEntryPoint   = "vs_main"
	FragmentEntryPoint = "fs_main"
)

var (
	//go:embed vertex.wgsl
	vertexWGSL string

	//go:embed fragment.wgsl
	fragmentWGSL string
)

var (
	vertex   = sync.OnceValues(func() ([]byte, error) { return compile("vertex", vertexWGSL) })
	fragment = sync.OnceValues(func() ([]byte, error) { return compile("fragment", fragmentWGSL) })
)

// Vertex returns the SPIR-V of the vertex stage. It reads a vec2 position
// at location 0 and emits it as the clip-space position.
func Vertex() ([]byte, error) { return vertex() }

// Fragment returns the SPIR-V of the fragment stage. It outputs the colour
// held in the uniform buffer at binding 0 to location 0.
func Fragment() ([]byte, error) { return fragment() }

// Sources returns the WGSL text of both stages.
func Sources() (vertexSource, fragmentSource string) {
	return vertexWGSL, fragmentWGSL
}

func compile(stage, source string) ([]byte, error) {
	code, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("compile %s shader: %w", stage, err)
	}
	return code, nil
}
