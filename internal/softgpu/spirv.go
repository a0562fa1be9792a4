package softgpu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/srediag/vkmemfd/pkg/device"
)

var ErrInvalidShader = errors.New("invalid shader module")

const (
	spirvMagic       = 0x07230203
	spirvHeaderWords = 5

	opEntryPoint  = 15
	opFunction    = 54
	opFunctionEnd = 56
	opVariable    = 59
	opDecorate    = 71

	modelVertex   = 0
	modelFragment = 4

	decorationLocation = 30
	decorationBinding  = 33

	storageInput   = 1
	storageUniform = 2
	storageOutput  = 3
)

type entryPoint struct {
	model    uint32
	function uint32
	name     string
	iface    []uint32
}

// spirvModule is the part of a SPIR-V module the driver checks before
// running its fixed-function equivalent of the pipeline.
type spirvModule struct {
	entryPoints []entryPoint
	// function result ids that have a body
	functions map[uint32]bool
	// variable id to storage class
	variables map[uint32]uint32
	locations map[uint32]uint32
	bindings  map[uint32]uint32
}

func parseSPIRV(code []byte) (*spirvModule, error) {
	if len(code)%4 != 0 || len(code) < spirvHeaderWords*4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidShader, len(code))
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	if words[0] != spirvMagic {
		return nil, fmt.Errorf("%w: magic %#x", ErrInvalidShader, words[0])
	}
	m := &spirvModule{
		functions: map[uint32]bool{},
		variables: map[uint32]uint32{},
		locations: map[uint32]uint32{},
		bindings:  map[uint32]uint32{},
	}
	var open uint32
	for i := spirvHeaderWords; i < len(words); {
		op, n := words[i]&0xffff, int(words[i]>>16)
		if n == 0 || i+n > len(words) {
			return nil, fmt.Errorf("%w: truncated instruction at word %d", ErrInvalidShader, i)
		}
		args := words[i+1 : i+n]
		switch op {
		case opEntryPoint:
			if len(args) < 3 {
				return nil, fmt.Errorf("%w: short OpEntryPoint", ErrInvalidShader)
			}
			name, used := literalString(args[2:])
			m.entryPoints = append(m.entryPoints, entryPoint{
				model:    args[0],
				function: args[1],
				name:     name,
				iface:    args[2+used:],
			})
		case opFunction:
			if len(args) < 2 {
				return nil, fmt.Errorf("%w: short OpFunction", ErrInvalidShader)
			}
			open = args[1]
		case opFunctionEnd:
			if open == 0 {
				return nil, fmt.Errorf("%w: OpFunctionEnd outside a function", ErrInvalidShader)
			}
			m.functions[open] = true
			open = 0
		case opVariable:
			if len(args) >= 3 {
				m.variables[args[1]] = args[2]
			}
		case opDecorate:
			if len(args) >= 3 {
				switch args[1] {
				case decorationLocation:
					m.locations[args[0]] = args[2]
				case decorationBinding:
					m.bindings[args[0]] = args[2]
				}
			}
		}
		i += n
	}
	if open != 0 {
		return nil, fmt.Errorf("%w: function %%%d has no end", ErrInvalidShader, open)
	}
	return m, nil
}

// checkShader verifies that code has an entry point named entry for stage
// whose function is defined in the module and whose interface matches the
// triangle pipeline the driver emulates: a vertex stage reading location 0,
// or a fragment stage writing location 0 from the uniform at binding 0.
func checkShader(code []byte, stage device.ShaderStage, entry string) error {
	m, err := parseSPIRV(code)
	if err != nil {
		return err
	}
	model := uint32(modelVertex)
	if stage == device.ShaderStageFragment {
		model = modelFragment
	}
	var ep *entryPoint
	for i := range m.entryPoints {
		if m.entryPoints[i].name == entry {
			ep = &m.entryPoints[i]
			break
		}
	}
	if ep == nil {
		return fmt.Errorf("%w: no %q entry point", ErrInvalidShader, entry)
	}
	if ep.model != model {
		return fmt.Errorf("%w: %q has execution model %d, want %d", ErrInvalidShader, entry, ep.model, model)
	}
	if !m.functions[ep.function] {
		return fmt.Errorf("%w: %q names undefined function %%%d", ErrInvalidShader, entry, ep.function)
	}

	switch stage {
	case device.ShaderStageVertex:
		if !m.hasInterface(ep, storageInput, 0) {
			return fmt.Errorf("%w: %q reads no position at location 0", ErrInvalidShader, entry)
		}
	case device.ShaderStageFragment:
		if !m.hasInterface(ep, storageOutput, 0) {
			return fmt.Errorf("%w: %q writes no colour at location 0", ErrInvalidShader, entry)
		}
		if !m.hasUniform(0) {
			return fmt.Errorf("%w: no uniform buffer at binding 0", ErrInvalidShader)
		}
	}
	return nil
}

func (m *spirvModule) hasInterface(ep *entryPoint, storage, location uint32) bool {
	for _, id := range ep.iface {
		if sc, ok := m.variables[id]; ok && sc == storage {
			if loc, ok := m.locations[id]; ok && loc == location {
				return true
			}
		}
	}
	return false
}

func (m *spirvModule) hasUniform(binding uint32) bool {
	for id, sc := range m.variables {
		if sc != storageUniform {
			continue
		}
		if b, ok := m.bindings[id]; ok && b == binding {
			return true
		}
	}
	return false
}

// literalString decodes a nul-terminated SPIR-V string and returns it with
// the number of words it occupies.
func literalString(words []uint32) (string, int) {
	var b []byte
	for i, w := range words {
		for s := 0; s < 32; s += 8 {
			c := byte(w >> s)
			if c == 0 {
				return string(b), i + 1
			}
			b = append(b, c)
		}
	}
	return string(b), len(words)
}
