// Package fieldvm is a minimal field variation interpreter.
//
// A program owns a set of flow variables kept in a per node scratch buffer
// and writes their current values into every generated packet. The scratch
// layout is a 4 byte random seed followed by one 8 byte slot per variable.
package fieldvm

import (
	"encoding/binary"
	"fmt"
)

// Op is the update applied to a flow variable after every packet.
type Op uint8

const (
	OpInc Op = iota
	OpDec
	OpRandom
)

func (m Op) String() string {
	switch m {
	case OpInc:
		return "inc"
	case OpDec:
		return "dec"
	case OpRandom:
		return "random"
	default:
		return fmt.Sprintf("op(%d)", uint8(m))
	}
}

// ParseOp parses an operation name.
func ParseOp(s string) (Op, error) {
	switch s {
	case "inc", "":
		return OpInc, nil
	case "dec":
		return OpDec, nil
	case "random":
		return OpRandom, nil
	default:
		return 0, fmt.Errorf("unknown flow variable operation %q", s)
	}
}

// FlowVar is a variable cycling in [Min, Max].
type FlowVar struct {
	Name string
	// Size is the width written into the packet: 1, 2, 4 or 8 bytes.
	Size uint8
	Op   Op
	Min  uint64
	Max  uint64
	Step uint64
	// Init is the value carried by the first packet.
	Init uint64
}

// Write stores a variable into the packet at a fixed offset.
type Write struct {
	Var    int
	Offset int
}

// Program is a compiled variation program.
type Program struct {
	Vars   []FlowVar
	Writes []Write
}

const seedSize = 4

// ScratchSize returns the size of the per node flow variable buffer.
func (m *Program) ScratchSize() int {
	return seedSize + 8*len(m.Vars)
}

// Validate checks the program against packets of the given length.
func (m *Program) Validate(pktLen int) error {
	for _, v := range m.Vars {
		switch v.Size {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("variable %q: invalid size %d", v.Name, v.Size)
		}
		if v.Min > v.Max {
			return fmt.Errorf("variable %q: min %d is above max %d", v.Name, v.Min, v.Max)
		}
		if v.Init < v.Min || v.Init > v.Max {
			return fmt.Errorf("variable %q: init %d is out of [%d, %d]", v.Name, v.Init, v.Min, v.Max)
		}
		if v.Op != OpRandom && v.Step == 0 {
			return fmt.Errorf("variable %q: zero step", v.Name)
		}
	}

	for _, w := range m.Writes {
		if w.Var < 0 || w.Var >= len(m.Vars) {
			return fmt.Errorf("write references unknown variable %d", w.Var)
		}
		if end := w.Offset + int(m.Vars[w.Var].Size); w.Offset < 0 || end > pktLen {
			return fmt.Errorf("write of %q at %d overflows packet of %d bytes",
				m.Vars[w.Var].Name, w.Offset, pktLen)
		}
	}

	return nil
}

// Init resets the scratch buffer: seed first, then initial values.
func (m *Program) Init(scratch []byte, seed uint32) {
	if seed == 0 {
		seed = 1
	}
	binary.LittleEndian.PutUint32(scratch, seed)
	for idx, v := range m.Vars {
		binary.LittleEndian.PutUint64(scratch[seedSize+8*idx:], v.Init)
	}
}

// Run writes the current values into the packet, then advances every
// variable.
func (m *Program) Run(scratch []byte, pkt []byte) {
	for _, w := range m.Writes {
		v := &m.Vars[w.Var]
		value := binary.LittleEndian.Uint64(scratch[seedSize+8*w.Var:])
		put(pkt[w.Offset:], v.Size, value)
	}

	for idx := range m.Vars {
		v := &m.Vars[idx]
		slot := scratch[seedSize+8*idx:]
		value := binary.LittleEndian.Uint64(slot)
		binary.LittleEndian.PutUint64(slot, m.advance(scratch, v, value))
	}
}

func (m *Program) advance(scratch []byte, v *FlowVar, value uint64) uint64 {
	switch v.Op {
	case OpInc:
		if v.Max-value < v.Step {
			return v.Min
		}
		return value + v.Step
	case OpDec:
		if value-v.Min < v.Step {
			return v.Max
		}
		return value - v.Step
	case OpRandom:
		seed := binary.LittleEndian.Uint32(scratch)
		seed ^= seed << 13
		seed ^= seed >> 17
		seed ^= seed << 5
		binary.LittleEndian.PutUint32(scratch, seed)

		span := v.Max - v.Min
		if span == ^uint64(0) {
			return uint64(seed)
		}
		return v.Min + uint64(seed)%(span+1)
	default:
		panic(fmt.Sprintf("unknown flow variable operation %d", v.Op))
	}
}

func put(dst []byte, size uint8, value uint64) {
	switch size {
	case 1:
		dst[0] = uint8(value)
	case 2:
		binary.BigEndian.PutUint16(dst, uint16(value))
	case 4:
		binary.BigEndian.PutUint32(dst, uint32(value))
	case 8:
		binary.BigEndian.PutUint64(dst, value)
	}
}
