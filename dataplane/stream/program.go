package stream

import (
	"errors"
	"fmt"
	"slices"

	"github.com/yanet-platform/tgen/common/go/bitset"
)

// ErrNoStreams is returned when a program has nothing to run.
var ErrNoStreams = errors.New("program has no streams")

// Program is the set of streams of a traffic profile.
//
// Stream IDs are indices into the program.
type Program struct {
	streams []Stream
}

// NewProgram assigns IDs to the streams in order and validates the result.
func NewProgram(streams ...Stream) (*Program, error) {
	if len(streams) == 0 {
		return nil, ErrNoStreams
	}

	p := &Program{streams: slices.Clone(streams)}
	for idx := range p.streams {
		p.streams[idx].ID = ID(idx)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// Len returns the number of streams.
func (m *Program) Len() int {
	return len(m.streams)
}

// Stream returns the descriptor with the given ID, or nil.
func (m *Program) Stream(id ID) *Stream {
	if int(id) >= len(m.streams) {
		return nil
	}
	return &m.streams[id]
}

// Ports returns the ports used by the program in ascending order.
func (m *Program) Ports() []uint8 {
	ports := make([]uint8, 0)
	for idx := range m.streams {
		if !slices.Contains(ports, m.streams[idx].Port) {
			ports = append(ports, m.streams[idx].Port)
		}
	}
	slices.Sort(ports)
	return ports
}

// PortStreams returns the IDs of the streams bound to the port.
func (m *Program) PortStreams(port uint8) []ID {
	ids := make([]ID, 0)
	for idx := range m.streams {
		if m.streams[idx].Port == port {
			ids = append(ids, ID(idx))
		}
	}
	return ids
}

// Validate checks every stream and the chain links between them.
func (m *Program) Validate() error {
	for idx := range m.streams {
		s := &m.streams[idx]
		if err := s.Validate(); err != nil {
			return err
		}

		if s.Next == NoStream {
			continue
		}
		next := m.Stream(s.Next)
		if next == nil {
			return fmt.Errorf("stream %q: next stream %d does not exist", s.Name, s.Next)
		}
		if next.Port != s.Port {
			return fmt.Errorf("stream %q: next stream %q is bound to port %d, not %d",
				s.Name, next.Name, next.Port, s.Port)
		}
		if s.Type == Continuous {
			return fmt.Errorf("stream %q: continuous stream never reaches next stream %q",
				s.Name, next.Name)
		}
	}

	for _, port := range m.Ports() {
		if !slices.ContainsFunc(m.PortStreams(port), func(id ID) bool {
			return m.streams[id].SelfStart
		}) {
			return fmt.Errorf("port %d: no self-starting stream", port)
		}
	}

	return nil
}

// Cycles returns every chain loop in the program, each as the list of stream
// IDs starting from the lowest one.
//
// Loops are legal, they make a program run until stopped or until a stream
// in the loop runs out of Loops.
func (m *Program) Cycles() [][]ID {
	visited := bitset.New(uint32(len(m.streams)))
	onPath := bitset.New(uint32(len(m.streams)))
	cycles := make([][]ID, 0)

	for start := range m.streams {
		if visited.Contains(uint32(start)) {
			continue
		}

		path := make([]ID, 0)
		id := ID(start)
		for id != NoStream && !visited.Contains(uint32(id)) {
			visited.Insert(uint32(id))
			onPath.Insert(uint32(id))
			path = append(path, id)
			id = m.streams[id].Next
		}

		if id != NoStream && onPath.Contains(uint32(id)) {
			from := slices.Index(path, id)
			cycles = append(cycles, rotateMin(slices.Clone(path[from:])))
		}

		for _, p := range path {
			onPath.Remove(uint32(p))
		}
	}

	return cycles
}

func rotateMin(cycle []ID) []ID {
	minIdx := 0
	for idx, id := range cycle {
		if id < cycle[minIdx] {
			minIdx = idx
		}
	}
	return append(cycle[minIdx:], cycle[:minIdx]...)
}
