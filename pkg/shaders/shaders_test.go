package shaders

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	opEntryPoint = 15
	opFunction   = 54
)

// definedEntryPoints returns the function ids named by OpEntryPoint and
// the set of function ids the module defines.
func definedEntryPoints(t *testing.T, code []byte) (entries []uint32, defined map[uint32]bool) {
	t.Helper()
	require.Zero(t, len(code)%4)
	require.GreaterOrEqual(t, len(code), 20)
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	require.Equal(t, uint32(0x07230203), words[0])
	defined = map[uint32]bool{}
	for i := 5; i < len(words); {
		op, n := words[i]&0xffff, int(words[i]>>16)
		require.NotZero(t, n)
		require.LessOrEqual(t, i+n, len(words))
		switch op {
		case opEntryPoint:
			entries = append(entries, words[i+2])
		case opFunction:
			defined[words[i+2]] = true
		}
		i += n
	}
	return entries, defined
}

func TestStagesDefineTheirEntryPoints(t *testing.T) {
	for name, stage := range map[string]func() ([]byte, error){
		"vertex":   Vertex,
		"fragment": Fragment,
	} {
		t.Run(name, func(t *testing.T) {
			code, err := stage()
			require.NoError(t, err)
			entries, defined := definedEntryPoints(t, code)
			require.Len(t, entries, 1)
			assert.True(t, defined[entries[0]], "entry point %%%d has no OpFunction", entries[0])
		})
	}
}

func TestCompiledOnce(t *testing.T) {
	a, err := Vertex()
	require.NoError(t, err)
	b, err := Vertex()
	require.NoError(t, err)
	assert.Same(t, &a[0], &b[0])
}

func TestSources(t *testing.T) {
	vs, fs := Sources()
	assert.Contains(t, vs, "@vertex")
	assert.Contains(t, vs, "fn "+VertexEntryPoint)
	assert.Contains(t, fs, "@fragment")
	assert.Contains(t, fs, "fn "+FragmentEntryPoint)
	assert.Contains(t, fs, "var<uniform>")
}
