package numa

import (
	"fmt"
	"iter"
	"math/bits"
	"strconv"
	"strings"

	"github.com/yanet-platform/tgen/common/go/bitset"
)

// MaxSockets is the number of sockets a NUMAMap can describe.
const MaxSockets = 32

const MAX = NUMAMap(^uint32(0))

// SocketID is the index of a NUMA socket.
type SocketID uint8

// NUMAMap is a bit mask of NUMA sockets.
type NUMAMap uint32

// NewWithOneBitSet returns a new NUMAMap with a single bit set at the
// specified index (zero-based).
//
// Panics if the idx >= 32.
func NewWithOneBitSet(idx uint32) NUMAMap {
	if idx >= MaxSockets {
		panic("index is out of range")
	}

	return NUMAMap(1 << idx)
}

// NewWithTrailingOnes returns a new NUMAMap with the specified number of
// trailing ones.
func NewWithTrailingOnes(numOnes int) NUMAMap {
	if numOnes == 0 {
		return NUMAMap(0)
	}
	if numOnes > MaxSockets {
		return MAX
	}

	return NUMAMap(^uint32(0) >> (MaxSockets - numOnes))
}

// Parse parses a comma separated socket list, for example "0,1".
func Parse(s string) (NUMAMap, error) {
	m := NUMAMap(0)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		idx, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("failed to parse socket %q: %w", part, err)
		}
		if idx >= MaxSockets {
			return 0, fmt.Errorf("socket %d is out of range", idx)
		}

		m |= NewWithOneBitSet(uint32(idx))
	}

	return m, nil
}

func (m NUMAMap) IsEmpty() bool {
	return m == 0
}

func (m NUMAMap) Len() int {
	return bits.OnesCount32(uint32(m))
}

func (m NUMAMap) Contains(socket SocketID) bool {
	if socket >= MaxSockets {
		return false
	}
	return m&(1<<socket) != 0
}

func (m NUMAMap) Intersect(other NUMAMap) NUMAMap {
	return m & other
}

func (m NUMAMap) Iter() iter.Seq[uint32] {
	return bitset.NewBitsTraverser(uint64(m)).Iter()
}

// String formats the map the way Parse reads it.
func (m NUMAMap) String() string {
	parts := make([]string, 0, m.Len())
	for idx := range m.Iter() {
		parts = append(parts, strconv.Itoa(int(idx)))
	}
	return strings.Join(parts, ",")
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *NUMAMap) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (m NUMAMap) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
