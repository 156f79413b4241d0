package node

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/yanet-platform/tgen/common/go/numa"
	"github.com/yanet-platform/tgen/common/go/slab"
	"github.com/yanet-platform/tgen/dataplane/mbuf"
	"github.com/yanet-platform/tgen/dataplane/stream"
)

// State is the lifecycle state of a traffic node.
type State uint8

const (
	// StateMarkedFree nodes are waiting for the scheduler to recycle them.
	StateMarkedFree State = iota + 1
	// StateInactive nodes wait for a chain transition or a stop.
	StateInactive
	// StateActive nodes are scheduled.
	StateActive
)

func (m State) String() string {
	switch m {
	case StateMarkedFree:
		return "marked_free"
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", uint8(m))
	}
}

// TrafficNode drives the emission cadence of one stream.
type TrafficNode struct {
	Base

	// Cache line 0, read-write on every tick.

	nextTimeOffset float64
	// cacheRef is a buffer reference in constant mode and an array handle
	// in cache-array mode.
	cacheRef    uint32
	cacheCursor uint16
	// actionCounter is the number of runs left to a stream with a loop
	// limit.
	actionCounter     uint16
	singleBurst       uint32
	singleBurstRefill uint32
	multiBursts       uint32
	state             State
	streamType        stream.Type
	pause             bool
	nullStream        bool
	statHwID          uint8
	_                 [15]byte

	// Cache line 1, read-only after initialization.

	stream    stream.ID
	next      Ref
	prefix    slab.Handle
	flowVar   slab.Handle
	cacheSize uint16
	_         [46]byte
}

// Node returns the pool slot holding the node.
func (m *TrafficNode) Node() *Node {
	return (*Node)(unsafe.Pointer(m))
}

// Create initializes the node for the stream and prepares its buffers.
//
// The node is left Inactive and unlinked.
func (m *TrafficNode) Create(env *Env, s *stream.Stream, socket numa.SocketID) error {
	m.Socket = socket
	m.Port = s.Port
	m.stream = s.ID
	m.next = NoRef
	m.state = StateInactive
	m.streamType = s.Type
	if s.Type == stream.SingleBurst {
		m.streamType = stream.MultiBurst
	}
	m.nextTimeOffset = s.PacketOffset()
	m.nullStream = s.NullStream
	m.statHwID = s.StatsHwID
	m.actionCounter = s.Loops
	m.Flags.Set(FlagStatsNeeded, s.StatsNeeded)
	m.Refresh(env)

	if s.NullStream {
		return nil
	}

	switch {
	case s.Program == nil:
		ref, err := env.Buffers.AllocCopy(socket, s.Packet)
		if err != nil {
			return fmt.Errorf("stream %q: %w: %w", s.Name, ErrAllocation, err)
		}
		m.SetConstBuffer(ref)
	case s.CacheSize > 0:
		if err := m.fillCacheArray(env, s); err != nil {
			m.Free(env)
			return fmt.Errorf("stream %q: %w", s.Name, err)
		}
	default:
		m.allocPrefixHeader(env, s.Packet)
		m.flowVar = env.Scratch.Put(make([]byte, s.Program.ScratchSize()))
		m.refreshFlowVars(env, s)
	}

	return nil
}

// fillCacheArray precomputes CacheSize variation outcomes.
func (m *TrafficNode) fillCacheArray(env *Env, s *stream.Stream) error {
	m.CacheArrayAlloc(env, s.CacheSize)

	scratch := make([]byte, s.Program.ScratchSize())
	s.Program.Init(scratch, uint32(s.ID)+1)

	for idx := range s.CacheSize {
		ref, err := env.Buffers.AllocCopy(m.Socket, s.Packet)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAllocation, err)
		}
		s.Program.Run(scratch, env.Buffers.Data(ref))
		m.CacheArraySet(env, idx, ref)
	}

	return nil
}

func (m *TrafficNode) allocPrefixHeader(env *Env, packet []byte) {
	buf := make([]byte, len(packet))
	copy(buf, packet)
	m.prefix = env.Scratch.Put(buf)
}

func (m *TrafficNode) freePrefixHeader(env *Env) {
	env.Scratch.Take(m.prefix)
	m.prefix = slab.Nil
}

func (m *TrafficNode) refreshFlowVars(env *Env, s *stream.Stream) {
	if s == nil || s.Program == nil {
		return
	}
	if scratch := env.Scratch.Get(m.flowVar); scratch != nil {
		s.Program.Init(*scratch, uint32(s.ID)+1)
	}
}

// Refresh restores the burst counters of the stream, used whenever the node
// is (re)activated.
func (m *TrafficNode) Refresh(env *Env) {
	s := env.Stream(m.stream)
	if s == nil {
		return
	}

	m.singleBurst = s.BurstSize
	m.singleBurstRefill = s.BurstSize
	m.multiBursts = s.BurstCount()
	m.refreshFlowVars(env, s)
}

// ConsumeLoop counts a finished run of the stream. It returns false once a
// stream with a loop limit has no runs left, which ends its chain.
func (m *TrafficNode) ConsumeLoop(env *Env) bool {
	s := env.Stream(m.stream)
	if s == nil || s.Loops == 0 {
		return true
	}
	if m.actionCounter > 0 {
		m.actionCounter--
	}
	return m.actionCounter > 0
}

// LoopsLeft returns the runs left to a stream with a loop limit.
func (m *TrafficNode) LoopsLeft() uint16 {
	return m.actionCounter
}

// Link sets the chained successor.
func (m *TrafficNode) Link(next Ref) {
	m.next = next
}

// Next returns the chained successor.
func (m *TrafficNode) Next() Ref {
	return m.next
}

// StreamID returns the stream the node emits.
func (m *TrafficNode) StreamID() stream.ID {
	return m.stream
}

func (m *TrafficNode) StreamType() stream.Type {
	return m.streamType
}

func (m *TrafficNode) State() State {
	return m.state
}

// StateString returns the state name for dumps and logs.
func (m *TrafficNode) StateString() string {
	return m.state.String()
}

func (m *TrafficNode) SetState(state State) {
	m.state = state
}

func (m *TrafficNode) SingleBurstCount() uint32 {
	return m.singleBurst
}

func (m *TrafficNode) MultiBurstCount() uint32 {
	return m.multiBursts
}

func (m *TrafficNode) NextTimeOffset() float64 {
	return m.nextTimeOffset
}

func (m *TrafficNode) StatHwID() uint8 {
	return m.statHwID
}

func (m *TrafficNode) IsStatNeeded() bool {
	return m.Flags.Has(FlagStatsNeeded)
}

func (m *TrafficNode) IsPause() bool {
	return m.pause
}

func (m *TrafficNode) SetPause(pause bool) {
	m.pause = pause
}

// IsNodeActive reports whether handled ticks transmit.
func (m *TrafficNode) IsNodeActive() bool {
	return !m.pause && !m.nullStream
}

// UpdateRate scales the packet rate by factor.
//
// Burst counters are left untouched so the change applies mid-burst.
func (m *TrafficNode) UpdateRate(factor float64) {
	m.nextTimeOffset = m.nextTimeOffset / factor
}

// UpdateRefreshTime schedules a restart of the stream relative to cur.
func (m *TrafficNode) UpdateRefreshTime(env *Env, cur float64) {
	m.Time = cur + env.Stream(m.stream).RefreshDelay()
}

// MarkForFree makes the node eligible for recycling and drops its links.
func (m *TrafficNode) MarkForFree() {
	m.state = StateMarkedFree
	m.stream = stream.NoStream
	m.next = NoRef
}

func (m *TrafficNode) IsMarkedForFree() bool {
	return m.state == StateMarkedFree
}

// Free releases the buffers the node owns. Safe to call more than once.
func (m *TrafficNode) Free(env *Env) {
	if m.Flags.Has(FlagConstBuffer) {
		env.Buffers.Free(mbuf.Ref(m.cacheRef))
		m.ClearConstBuffer()
	}
	m.CacheArrayFree(env)
	m.freePrefixHeader(env)
	env.Scratch.Take(m.flowVar)
	m.flowVar = slab.Nil
}

// Packet returns a buffer holding the next packet, with a reference owned by
// the caller.
func (m *TrafficNode) Packet(env *Env) (mbuf.Ref, error) {
	switch {
	case m.Flags.Has(FlagConstBuffer):
		return env.Buffers.Retain(mbuf.Ref(m.cacheRef)), nil
	case m.Flags.Has(FlagCacheArray):
		return env.Buffers.Retain(m.CacheArrayCurrent(env)), nil
	}

	prefix := env.Scratch.Get(m.prefix)
	if prefix == nil {
		panic(fmt.Sprintf("stream %d: node has no packet source", m.stream))
	}

	ref, err := env.Buffers.AllocCopy(m.Socket, *prefix)
	if err != nil {
		return mbuf.Nil, fmt.Errorf("stream %d: %w: %w", m.stream, ErrAllocation, err)
	}

	s := env.Stream(m.stream)
	if flowVar := env.Scratch.Get(m.flowVar); flowVar != nil && s != nil && s.Program != nil {
		s.Program.Run(*flowVar, env.Buffers.Data(ref))
	}

	return ref, nil
}

// Handle emits the next packet and reschedules the node.
func (m *TrafficNode) Handle(thread Thread) {
	switch m.streamType {
	case stream.Continuous:
		m.handleContinuous(thread)
	case stream.MultiBurst:
		m.handleMultiBurst(thread)
	default:
		panic(fmt.Sprintf("stream %d: unexpected stream type %s", m.stream, m.streamType))
	}
}

func (m *TrafficNode) handleContinuous(thread Thread) {
	if m.IsNodeActive() {
		thread.SendNode(m.Node())
		if m.state != StateActive {
			return
		}
	}

	m.Time += m.nextTimeOffset
	thread.Push(m.Node())
}

func (m *TrafficNode) handleMultiBurst(thread Thread) {
	if m.IsNodeActive() {
		thread.SendNode(m.Node())
		if m.state != StateActive {
			return
		}
	}

	m.singleBurst--
	if m.singleBurst > 0 {
		m.Time += m.nextTimeOffset
		thread.Push(m.Node())
		return
	}

	env := thread.Env()
	s := env.Stream(m.stream)

	m.multiBursts--
	if m.multiBursts > 0 {
		// The next burst starts like a new stream.
		m.Time += s.NextBurstDelay()
		m.singleBurst = m.singleBurstRefill
		thread.Push(m.Node())
		return
	}

	m.state = StateInactive
	if !thread.LinkNext(m, m.next) {
		return
	}

	next := env.Nodes.Get(m.next).Traffic()
	next.UpdateRefreshTime(env, m.Time+s.NextStreamDelay())
	thread.Push(next.Node())
}

// DumpHeader writes the column header for Dump.
func DumpHeader(w io.Writer) {
	fmt.Fprintf(w, " %-12s %-6s %-6s %-12s %-12s %-10s %-10s %-8s %-6s\n",
		"time", "port", "stream", "state", "type", "single", "multi", "next", "pause")
}

// Dump writes a one line description of the node.
func (m *TrafficNode) Dump(w io.Writer) {
	next := "-"
	if m.next != NoRef {
		next = fmt.Sprint(m.next)
	}
	fmt.Fprintf(w, " %-12.6f %-6d %-6d %-12s %-12s %-10d %-10d %-8s %-6t\n",
		m.Time, m.Port, m.stream, m.state, m.streamType,
		m.singleBurst, m.multiBursts, next, m.pause)
}
