package node

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/yanet-platform/tgen/common/go/numa"
	"github.com/yanet-platform/tgen/common/go/slab"
	"github.com/yanet-platform/tgen/dataplane/capture"
	"github.com/yanet-platform/tgen/dataplane/mbuf"
)

// ReplayState is the lifecycle state of a capture-replay node.
type ReplayState uint8

const (
	// ReplayInvalid nodes were not created yet.
	ReplayInvalid ReplayState = iota
	ReplayActive
	ReplayInactive
	ReplayMarkedFree
)

func (m ReplayState) String() string {
	switch m {
	case ReplayInvalid:
		return "invalid"
	case ReplayActive:
		return "active"
	case ReplayInactive:
		return "inactive"
	case ReplayMarkedFree:
		return "marked_free"
	default:
		return fmt.Sprintf("state(%d)", uint8(m))
	}
}

// ReplayConfig describes a capture replay.
type ReplayConfig struct {
	Port   uint8
	Dir    Dir
	Socket numa.SocketID
	// MAC, when set, replaces the destination and source addresses of
	// every replayed frame.
	MAC []byte
	// IPG is a fixed inter-packet gap in seconds; negative replays the
	// recorded gaps.
	IPG float64
	// Speedup divides the recorded gaps.
	Speedup float64
	// Count is the number of passes over the capture.
	Count uint32
	// Dual captures carry the direction in bit 0 of the interface index.
	Dual bool
}

// ReplayNode replays a prerecorded packet sequence.
type ReplayNode struct {
	Base

	// Cache line 0.

	lastPktTime float64
	speedup     float64
	ipg         float64
	count       uint32
	reader      slab.Handle
	record      slab.Handle
	state       ReplayState
	dual        bool
	_           [10]byte

	// Cache line 1.

	mac [12]byte
	_   [52]byte
}

// Node returns the pool slot holding the node.
func (m *ReplayNode) Node() *Node {
	return (*Node)(unsafe.Pointer(m))
}

// Create takes ownership of the reader and loads the first record.
//
// On success the node is Active and due at its current time.
func (m *ReplayNode) Create(env *Env, reader capture.Reader, cfg ReplayConfig) error {
	if cfg.Count == 0 {
		return fmt.Errorf("failed to create replay: zero pass count")
	}
	if cfg.IPG < 0 && cfg.Speedup <= 0 {
		return fmt.Errorf("failed to create replay: speedup must be positive, got %v", cfg.Speedup)
	}

	m.Port = cfg.Port
	m.Socket = cfg.Socket
	m.SetDir(cfg.Dir)
	m.ipg = cfg.IPG
	m.speedup = cfg.Speedup
	m.count = cfg.Count
	m.dual = cfg.Dual
	if len(cfg.MAC) > 0 {
		copy(m.mac[:], cfg.MAC)
		m.Flags.Set(FlagMACOverride, true)
	}

	m.reader = env.Readers.Put(reader)
	m.record = env.Records.Put(capture.Record{})

	rec := env.Records.Get(m.record)
	if !reader.ReadRecord(rec) {
		m.Destroy(env)
		return fmt.Errorf("failed to create replay: %w", capture.ErrEmpty)
	}
	m.lastPktTime = rec.Time
	m.state = ReplayActive
	m.updateDir(rec)

	return nil
}

// Destroy releases the reader and the staging record. Safe to call more
// than once.
func (m *ReplayNode) Destroy(env *Env) {
	if reader, ok := env.Readers.Take(m.reader); ok {
		if closer, ok := reader.(io.Closer); ok {
			closer.Close()
		}
	}
	env.Records.Take(m.record)
	m.reader = slab.Nil
	m.record = slab.Nil
}

func (m *ReplayNode) State() ReplayState {
	return m.state
}

func (m *ReplayNode) IsActive() bool {
	return m.state == ReplayActive
}

func (m *ReplayNode) IsDual() bool {
	return m.dual
}

// Count returns the passes left, including the current one.
func (m *ReplayNode) Count() uint32 {
	return m.count
}

func (m *ReplayNode) MarkForFree() {
	m.state = ReplayMarkedFree
}

func (m *ReplayNode) IsMarkedForFree() bool {
	return m.state == ReplayMarkedFree
}

// Deactivate stops the replay without releasing it.
func (m *ReplayNode) Deactivate() {
	if m.state == ReplayActive {
		m.state = ReplayInactive
	}
}

func (m *ReplayNode) updateDir(rec *capture.Record) {
	if m.dual {
		m.SetDir(Dir(rec.Interface & 0x1))
	}
}

// Next advances to the following record, rewinding at the end of the
// capture while passes remain.
func (m *ReplayNode) Next(env *Env) {
	if !m.IsActive() {
		panic(fmt.Sprintf("advancing a %s replay", m.state))
	}

	reader := *env.Readers.Get(m.reader)
	rec := env.Records.Get(m.record)

	m.lastPktTime = rec.Time

	if !reader.ReadRecord(rec) {
		m.count--
		if m.count == 0 {
			m.state = ReplayInactive
			return
		}

		if err := reader.Rewind(); err != nil || !reader.ReadRecord(rec) {
			m.state = ReplayInactive
			return
		}
		// The first record of a new pass follows the last one at once.
		m.lastPktTime = rec.Time
	}

	m.updateDir(rec)
}

// IPG returns the delay until the current record is due.
func (m *ReplayNode) IPG(env *Env) float64 {
	if m.state == ReplayInvalid {
		panic("inter-packet gap of an invalid replay")
	}

	if m.ipg >= 0 {
		return m.ipg
	}

	rec := env.Records.Get(m.record)
	gap := (rec.Time - m.lastPktTime) / m.speedup
	if gap < 0 {
		return 0
	}
	return gap
}

// Packet copies the current record into a new buffer owned by the caller.
func (m *ReplayNode) Packet(env *Env) (mbuf.Ref, error) {
	if m.state == ReplayInvalid {
		panic("packet of an invalid replay")
	}

	rec := env.Records.Get(m.record)
	ref, err := env.Buffers.AllocCopy(m.Socket, rec.Data)
	if err != nil {
		return mbuf.Nil, fmt.Errorf("replay on port %d: %w: %w", m.Port, ErrAllocation, err)
	}

	if m.Flags.Has(FlagMACOverride) {
		copy(env.Buffers.Data(ref), m.mac[:])
	}

	return ref, nil
}

// Handle emits the current record and schedules the next one, or stops the
// port traffic once the capture is done.
func (m *ReplayNode) Handle(thread Thread) {
	if m.state == ReplayInvalid {
		panic("handling an invalid replay")
	}

	thread.SendNode(m.Node())
	if !m.IsActive() {
		return
	}

	m.Next(thread.Env())

	if m.IsActive() {
		m.Time += m.IPG(thread.Env())
		thread.Push(m.Node())
		return
	}

	thread.StopTraffic(m.Port)
}
