// Package stream describes the traffic program a worker executes.
//
// Streams are immutable once a program is activated; nodes refer to them by
// ID and never own them.
package stream

import (
	"fmt"
	"time"

	"github.com/yanet-platform/tgen/dataplane/fieldvm"
)

// Type is the emission pattern of a stream.
type Type uint8

const (
	// Continuous streams emit at a fixed rate until stopped.
	Continuous Type = iota
	// SingleBurst streams emit one burst, then hand over to the next stream.
	SingleBurst
	// MultiBurst streams emit a number of bursts separated by an
	// inter-burst gap, then hand over to the next stream.
	MultiBurst
)

func (m Type) String() string {
	switch m {
	case Continuous:
		return "continuous"
	case SingleBurst:
		return "single_burst"
	case MultiBurst:
		return "multi_burst"
	default:
		return fmt.Sprintf("type(%d)", uint8(m))
	}
}

// ParseType parses a stream type name.
func ParseType(s string) (Type, error) {
	switch s {
	case "continuous", "cont":
		return Continuous, nil
	case "single_burst", "burst":
		return SingleBurst, nil
	case "multi_burst":
		return MultiBurst, nil
	default:
		return 0, fmt.Errorf("unknown stream type %q", s)
	}
}

// ID is the index of a stream inside its program.
type ID uint32

// NoStream terminates a chain.
const NoStream = ID(^uint32(0))

// Stream is a single stream descriptor.
type Stream struct {
	ID   ID
	Name string
	Port uint8
	Type Type

	// PPS is the base packet rate, scaled by Multiplier.
	PPS        float64
	Multiplier float64

	// ISG delays the stream start, IBG separates bursts.
	ISG time.Duration
	IBG time.Duration
	// PhasePre and PhasePost are added before and after every burst.
	PhasePre  time.Duration
	PhasePost time.Duration

	BurstSize uint32
	Bursts    uint32

	// Next is the stream activated when this one is exhausted.
	Next ID
	// Loops limits how many times the stream runs before its chain ends,
	// zero for no limit.
	Loops uint16
	// SelfStart streams are scheduled when traffic starts; the rest wait
	// for a chain transition.
	SelfStart bool

	// Packet is the template frame.
	Packet []byte
	// Program is the optional field variation program.
	Program *fieldvm.Program
	// CacheSize is the number of precomputed variation outcomes, zero to
	// run the program for every packet.
	CacheSize uint16

	StatsNeeded bool
	StatsHwID   uint8
	// NullStream streams keep their timing but never transmit.
	NullStream bool
}

// PacketOffset returns the inter-packet time in seconds.
func (m *Stream) PacketOffset() float64 {
	return 1.0 / (m.PPS * m.Multiplier)
}

// NextStreamDelay is added to the exhaustion time before the next stream's
// own delay applies.
func (m *Stream) NextStreamDelay() float64 {
	return m.PhasePost.Seconds()
}

// NextBurstDelay separates two bursts of a multi-burst stream.
func (m *Stream) NextBurstDelay() float64 {
	return m.IBG.Seconds() + m.PhasePost.Seconds() + m.PhasePre.Seconds()
}

// RefreshDelay is the delay before the first packet once the stream is
// (re)started.
func (m *Stream) RefreshDelay() float64 {
	return m.ISG.Seconds() + m.PhasePre.Seconds()
}

// Validate checks the descriptor on its own.
func (m *Stream) Validate() error {
	if m.PPS <= 0 {
		return fmt.Errorf("stream %q: rate must be positive, got %v", m.Name, m.PPS)
	}
	if m.Multiplier <= 0 {
		return fmt.Errorf("stream %q: multiplier must be positive, got %v", m.Name, m.Multiplier)
	}
	if m.ISG < 0 || m.IBG < 0 || m.PhasePre < 0 || m.PhasePost < 0 {
		return fmt.Errorf("stream %q: negative delay", m.Name)
	}
	if len(m.Packet) == 0 && !m.NullStream {
		return fmt.Errorf("stream %q: empty packet", m.Name)
	}

	switch m.Type {
	case Continuous:
	case SingleBurst:
		if m.BurstSize == 0 {
			return fmt.Errorf("stream %q: zero burst size", m.Name)
		}
		if m.Bursts > 1 {
			return fmt.Errorf("stream %q: single burst stream with %d bursts", m.Name, m.Bursts)
		}
	case MultiBurst:
		if m.BurstSize == 0 || m.Bursts == 0 {
			return fmt.Errorf("stream %q: zero burst size or count", m.Name)
		}
	default:
		return fmt.Errorf("stream %q: unknown type %d", m.Name, m.Type)
	}

	if m.Program != nil {
		if err := m.Program.Validate(len(m.Packet)); err != nil {
			return fmt.Errorf("stream %q: invalid program: %w", m.Name, err)
		}
	}
	if m.CacheSize > 0 && m.Program == nil {
		return fmt.Errorf("stream %q: cache requires a variation program", m.Name)
	}

	return nil
}

// BurstCount returns the number of bursts, one for single-burst streams.
func (m *Stream) BurstCount() uint32 {
	if m.Type == SingleBurst {
		return 1
	}
	return m.Bursts
}
