// Package node implements the scheduling nodes a worker keeps in its event
// queue.
//
// Every node variant occupies exactly NodeSize bytes and contains no Go
// pointers: a slot of the node pool is reinterpreted as the variant its Kind
// names. Objects a node owns or refers to (buffer arrays, scratch memory,
// capture readers, commands, stream descriptors, chained nodes) are reached
// through handles resolved against the worker's Env.
//
// Node state is only ever touched by the worker that owns the pool.
// Other goroutines talk to a worker through command nodes.
package node

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/yanet-platform/tgen/common/go/numa"
	"github.com/yanet-platform/tgen/common/go/slab"
	"github.com/yanet-platform/tgen/dataplane/capture"
	"github.com/yanet-platform/tgen/dataplane/mbuf"
	"github.com/yanet-platform/tgen/dataplane/stream"
)

const (
	// CacheLineSize is the size of a CPU cache line.
	CacheLineSize = 64
	// NodeSize is the size of every node variant: a read-write hot line
	// followed by a line that is read-only after initialization.
	NodeSize = 2 * CacheLineSize
)

var (
	// ErrAllocation wraps buffer and scratch allocation failures.
	ErrAllocation = errors.New("node allocation failed")
	// ErrInvalidSuccessor is reported when a chain points to a node that
	// cannot be activated.
	ErrInvalidSuccessor = errors.New("invalid chain successor")
	// ErrPoolFull is returned when no node slot is left.
	ErrPoolFull = errors.New("node pool is full")
)

// Kind is the variant tag of a node.
type Kind uint8

const (
	KindFree Kind = iota
	KindTraffic
	KindReplay
	KindCommand
)

func (m Kind) String() string {
	switch m {
	case KindFree:
		return "free"
	case KindTraffic:
		return "traffic"
	case KindReplay:
		return "replay"
	case KindCommand:
		return "command"
	default:
		return fmt.Sprintf("kind(%d)", uint8(m))
	}
}

// Dir is the egress direction of a packet.
type Dir uint8

const (
	DirClient Dir = 0
	DirServer Dir = 1
)

// Flags is the per node flag set.
type Flags uint16

const (
	// FlagDir selects DirServer.
	FlagDir Flags = 1 << iota
	// FlagConstBuffer marks a node that emits one constant buffer.
	FlagConstBuffer
	// FlagCacheArray marks a node that cycles through precomputed buffers.
	FlagCacheArray
	// FlagStatsNeeded requests per stream tx counters.
	FlagStatsNeeded
	// FlagMACOverride makes replayed frames carry the node's MAC addresses.
	FlagMACOverride
	// FlagQueued is set while the node sits in the event queue.
	FlagQueued
)

func (m Flags) Has(f Flags) bool {
	return m&f == f
}

func (m *Flags) Set(f Flags, on bool) {
	if on {
		*m |= f
	} else {
		*m &^= f
	}
}

// Ref is the slot index of a node inside its pool.
type Ref uint32

// NoRef is the empty node link.
const NoRef = Ref(^uint32(0))

// Base holds the fields every variant shares.
type Base struct {
	// Time is the due time in seconds.
	Time   float64
	Kind   Kind
	Socket numa.SocketID
	Port   uint8
	_      uint8
	Flags  Flags
	_      uint16
}

// Dir returns the egress direction.
func (m *Base) Dir() Dir {
	if m.Flags.Has(FlagDir) {
		return DirServer
	}
	return DirClient
}

// SetDir sets the egress direction.
func (m *Base) SetDir(dir Dir) {
	m.Flags.Set(FlagDir, dir&1 == 1)
}

// IsQueued reports whether the node is in the event queue.
func (m *Base) IsQueued() bool {
	return m.Flags.Has(FlagQueued)
}

const baseSize = unsafe.Sizeof(Base{})

// Node is a generic slot of the node pool.
type Node struct {
	Base
	_ [NodeSize - baseSize]byte
}

// Every variant must fill a slot exactly.
var (
	_ [NodeSize - unsafe.Sizeof(Node{})]struct{}
	_ [unsafe.Sizeof(Node{}) - NodeSize]struct{}
	_ [NodeSize - unsafe.Sizeof(TrafficNode{})]struct{}
	_ [unsafe.Sizeof(TrafficNode{}) - NodeSize]struct{}
	_ [NodeSize - unsafe.Sizeof(ReplayNode{})]struct{}
	_ [unsafe.Sizeof(ReplayNode{}) - NodeSize]struct{}
	_ [NodeSize - unsafe.Sizeof(CommandNode{})]struct{}
	_ [unsafe.Sizeof(CommandNode{}) - NodeSize]struct{}
)

func (m *Node) mustKind(kind Kind) {
	if m.Kind != kind {
		panic(fmt.Sprintf("node is %s, not %s", m.Kind, kind))
	}
}

// Traffic reinterprets the slot as a traffic node.
func (m *Node) Traffic() *TrafficNode {
	m.mustKind(KindTraffic)
	return (*TrafficNode)(unsafe.Pointer(m))
}

// Replay reinterprets the slot as a capture-replay node.
func (m *Node) Replay() *ReplayNode {
	m.mustKind(KindReplay)
	return (*ReplayNode)(unsafe.Pointer(m))
}

// Command reinterprets the slot as a command node.
func (m *Node) Command() *CommandNode {
	m.mustKind(KindCommand)
	return (*CommandNode)(unsafe.Pointer(m))
}

// Handle runs the node's event.
func (m *Node) Handle(thread Thread) {
	switch m.Kind {
	case KindTraffic:
		m.Traffic().Handle(thread)
	case KindReplay:
		m.Replay().Handle(thread)
	case KindCommand:
		m.Command().Handle(thread)
	default:
		panic(fmt.Sprintf("handling a %s node", m.Kind))
	}
}

// IsMarkedForFree reports whether the scheduler may recycle the slot.
func (m *Node) IsMarkedForFree() bool {
	switch m.Kind {
	case KindTraffic:
		return m.Traffic().IsMarkedForFree()
	case KindReplay:
		return m.Replay().IsMarkedForFree()
	case KindCommand:
		return m.Command().IsMarkedForFree()
	default:
		return true
	}
}

// MarkForFree moves the node to its terminal state.
func (m *Node) MarkForFree() {
	switch m.Kind {
	case KindTraffic:
		m.Traffic().MarkForFree()
	case KindReplay:
		m.Replay().MarkForFree()
	case KindCommand:
		m.Command().MarkForFree()
	}
}

// Free releases everything the node owns. Safe to call more than once.
func (m *Node) Free(env *Env) {
	switch m.Kind {
	case KindTraffic:
		m.Traffic().Free(env)
	case KindReplay:
		m.Replay().Destroy(env)
	case KindCommand:
		m.Command().FreeCommand(env)
	}
}

////////////////////////////////////////////////////////////////////////////////

// Command is a control-plane request executed inline by a worker.
type Command interface {
	Execute(thread Thread)
}

// Thread is the worker context nodes run in.
type Thread interface {
	// Env returns the worker's node environment.
	Env() *Env
	// Push schedules the node at its due time.
	Push(n *Node)
	// SendNode transmits the node's current packet.
	SendNode(n *Node)
	// LinkNext activates the successor of an exhausted stream.
	//
	// Returns false when nothing should be scheduled; the stop path has
	// been taken care of by the thread in that case.
	LinkNext(cur *TrafficNode, next Ref) bool
	// StopTraffic stops all traffic on the port.
	StopTraffic(port uint8)
}

// AllocPolicy decides what happens when a node cannot get memory.
type AllocPolicy uint8

const (
	// FailFast panics with the allocation error.
	FailFast AllocPolicy = iota
	// Degrade puts the node to sleep and reports the error.
	Degrade
)

func (m AllocPolicy) String() string {
	switch m {
	case FailFast:
		return "fail_fast"
	case Degrade:
		return "degrade"
	default:
		return fmt.Sprintf("policy(%d)", uint8(m))
	}
}

// ParseAllocPolicy parses a policy name.
func ParseAllocPolicy(s string) (AllocPolicy, error) {
	switch s {
	case "fail_fast", "":
		return FailFast, nil
	case "degrade":
		return Degrade, nil
	default:
		return 0, fmt.Errorf("unknown allocation policy %q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *AllocPolicy) UnmarshalText(text []byte) error {
	policy, err := ParseAllocPolicy(string(text))
	if err != nil {
		return err
	}
	*m = policy
	return nil
}

// Env resolves node handles. It is owned by one worker.
type Env struct {
	Nodes    *Pool
	Buffers  *mbuf.Pool
	Program  *stream.Program
	Arrays   *slab.Arena[[]mbuf.Ref]
	Scratch  *slab.Arena[[]byte]
	Readers  *slab.Arena[capture.Reader]
	Records  *slab.Arena[capture.Record]
	Commands *slab.Arena[Command]
	Policy   AllocPolicy
}

// NewEnv creates an environment over the given pools.
func NewEnv(nodes *Pool, buffers *mbuf.Pool, program *stream.Program) *Env {
	return &Env{
		Nodes:    nodes,
		Buffers:  buffers,
		Program:  program,
		Arrays:   slab.NewArena[[]mbuf.Ref](64),
		Scratch:  slab.NewArena[[]byte](64),
		Readers:  slab.NewArena[capture.Reader](4),
		Records:  slab.NewArena[capture.Record](4),
		Commands: slab.NewArena[Command](16),
	}
}

// Stream resolves a stream ID against the active program.
func (m *Env) Stream(id stream.ID) *stream.Stream {
	if m.Program == nil || id == stream.NoStream {
		return nil
	}
	return m.Program.Stream(id)
}
