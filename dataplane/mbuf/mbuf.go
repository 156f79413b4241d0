// Package mbuf implements reference counted packet buffers allocated from
// per NUMA socket pools.
//
// Allocation never blocks: when the socket budget is spent Alloc returns
// ErrPoolExhausted immediately.
package mbuf

import (
	"errors"
	"fmt"

	"github.com/c2h5oh/datasize"

	"github.com/yanet-platform/tgen/common/go/numa"
	"github.com/yanet-platform/tgen/common/go/slab"
)

var (
	// ErrPoolExhausted is returned when the socket pool has no room left.
	ErrPoolExhausted = errors.New("packet buffer pool exhausted")
	// ErrNoSocket is returned when the pool does not serve the socket.
	ErrNoSocket = errors.New("socket is not served by the pool")
)

const socketShift = 24

// maxHandle is the largest arena handle that fits below the socket byte of a
// Ref.
var maxHandle = slab.Handle(1<<socketShift - 1)

// Ref is a handle to a buffer. The high byte carries the socket.
//
// The zero Ref is the nil buffer.
type Ref uint32

// Nil is the empty buffer reference.
const Nil Ref = 0

func makeRef(socket numa.SocketID, h slab.Handle) Ref {
	return Ref(uint32(socket)<<socketShift | uint32(h))
}

// Socket returns the NUMA socket the buffer was allocated on.
func (m Ref) Socket() numa.SocketID {
	return numa.SocketID(uint32(m) >> socketShift)
}

func (m Ref) handle() slab.Handle {
	return slab.Handle(uint32(m) & (1<<socketShift - 1))
}

// Buffer is a packet buffer.
type Buffer struct {
	// Data is the frame, owned by the pool.
	Data   []byte
	refcnt uint32
}

// Config describes which sockets a pool serves and how much memory each
// socket may hand out.
type Config struct {
	// Sockets is the set of served sockets.
	Sockets numa.NUMAMap `yaml:"sockets"`
	// Memory is the per socket budget.
	Memory datasize.ByteSize `yaml:"memory"`
	// Capacity is the expected number of live buffers per socket.
	Capacity int `yaml:"capacity"`
}

// DefaultConfig returns a single socket pool with 64MB of buffers.
func DefaultConfig() Config {
	return Config{
		Sockets:  numa.NewWithOneBitSet(0),
		Memory:   64 * datasize.MB,
		Capacity: 4096,
	}
}

type socketPool struct {
	buffers *slab.Arena[Buffer]
	used    uint64
	limit   uint64
}

// Pool hands out buffers per socket.
//
// Not safe for concurrent use: every worker owns its own pool.
type Pool struct {
	sockets [numa.MaxSockets]*socketPool
}

// NewPool creates a pool from the config.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Sockets.IsEmpty() {
		return nil, fmt.Errorf("failed to create pool: no sockets configured")
	}
	if cfg.Memory == 0 {
		return nil, fmt.Errorf("failed to create pool: zero memory budget")
	}

	pool := &Pool{}
	for idx := range cfg.Sockets.Iter() {
		pool.sockets[idx] = &socketPool{
			buffers: slab.NewArena[Buffer](cfg.Capacity),
			limit:   cfg.Memory.Bytes(),
		}
	}

	return pool, nil
}

func (m *Pool) socket(socket numa.SocketID) *socketPool {
	if int(socket) >= len(m.sockets) {
		return nil
	}
	return m.sockets[socket]
}

// Alloc allocates a zeroed buffer of the given size on the socket.
//
// The returned buffer has a single reference.
func (m *Pool) Alloc(socket numa.SocketID, size int) (Ref, error) {
	sp := m.socket(socket)
	if sp == nil {
		return Nil, fmt.Errorf("socket %d: %w", socket, ErrNoSocket)
	}
	if sp.used+uint64(size) > sp.limit {
		return Nil, fmt.Errorf("socket %d: %d bytes requested, %d of %d in use: %w",
			socket, size, sp.used, sp.limit, ErrPoolExhausted)
	}

	h := sp.buffers.Put(Buffer{
		Data:   make([]byte, size),
		refcnt: 1,
	})
	if h > maxHandle {
		sp.buffers.Take(h)
		return Nil, fmt.Errorf("socket %d: %d buffers are live: %w", socket, sp.buffers.Len(), ErrPoolExhausted)
	}
	sp.used += uint64(size)

	return makeRef(socket, h), nil
}

// AllocCopy allocates a buffer holding a copy of data.
func (m *Pool) AllocCopy(socket numa.SocketID, data []byte) (Ref, error) {
	ref, err := m.Alloc(socket, len(data))
	if err != nil {
		return Nil, err
	}
	copy(m.Data(ref), data)
	return ref, nil
}

// Get returns the buffer, or nil if the reference is not live.
func (m *Pool) Get(ref Ref) *Buffer {
	sp := m.socket(ref.Socket())
	if sp == nil {
		return nil
	}
	return sp.buffers.Get(ref.handle())
}

// Data returns the frame bytes of a live buffer.
func (m *Pool) Data(ref Ref) []byte {
	if b := m.Get(ref); b != nil {
		return b.Data
	}
	return nil
}

// Retain takes an extra reference.
func (m *Pool) Retain(ref Ref) Ref {
	b := m.Get(ref)
	if b == nil {
		panic(fmt.Sprintf("retain of a dead buffer %#x", uint32(ref)))
	}
	b.refcnt++
	return ref
}

// RefCount returns the number of references held on the buffer.
func (m *Pool) RefCount(ref Ref) uint32 {
	if b := m.Get(ref); b != nil {
		return b.refcnt
	}
	return 0
}

// Free drops one reference and releases the memory on the last one.
//
// Returns false when the reference was not live.
func (m *Pool) Free(ref Ref) bool {
	sp := m.socket(ref.Socket())
	if sp == nil {
		return false
	}
	b := sp.buffers.Get(ref.handle())
	if b == nil {
		return false
	}

	b.refcnt--
	if b.refcnt > 0 {
		return true
	}

	sp.used -= uint64(len(b.Data))
	sp.buffers.Take(ref.handle())

	return true
}

// InUse returns the number of bytes held on the socket.
func (m *Pool) InUse(socket numa.SocketID) datasize.ByteSize {
	if sp := m.socket(socket); sp != nil {
		return datasize.ByteSize(sp.used)
	}
	return 0
}

// Live returns the number of live buffers on the socket.
func (m *Pool) Live(socket numa.SocketID) int {
	if sp := m.socket(socket); sp != nil {
		return sp.buffers.Len()
	}
	return 0
}
