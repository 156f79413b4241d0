package node

import (
	"fmt"
	"unsafe"
)

// Pool is a fixed-capacity slab of node slots.
//
// Slots are cache line aligned. The backing memory never moves, so a slot
// index is a stable reference for the lifetime of the pool.
type Pool struct {
	mem   []byte
	nodes []Node
	free  []Ref
}

// NewPool allocates capacity slots.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		panic(fmt.Sprintf("invalid node pool capacity %d", capacity))
	}

	// Nodes hold no pointers, so plain bytes are a valid backing store and
	// let us pick a cache line aligned start.
	mem := make([]byte, (capacity+1)*NodeSize)
	off := 0
	if rem := uintptr(unsafe.Pointer(&mem[0])) % CacheLineSize; rem != 0 {
		off = int(CacheLineSize - rem)
	}
	nodes := unsafe.Slice((*Node)(unsafe.Pointer(&mem[off])), capacity)

	free := make([]Ref, 0, capacity)
	for idx := capacity - 1; idx >= 0; idx-- {
		free = append(free, Ref(idx))
	}

	return &Pool{
		mem:   mem,
		nodes: nodes,
		free:  free,
	}
}

// Alloc takes a free slot and tags it with the kind.
func (m *Pool) Alloc(kind Kind) (Ref, *Node, error) {
	if kind == KindFree {
		panic("allocating a free node")
	}

	n := len(m.free)
	if n == 0 {
		return NoRef, nil, fmt.Errorf("failed to allocate %s node: %w", kind, ErrPoolFull)
	}

	ref := m.free[n-1]
	m.free = m.free[:n-1]

	node := &m.nodes[ref]
	*node = Node{}
	node.Kind = kind

	return ref, node, nil
}

// Get returns the slot behind the reference, or nil.
func (m *Pool) Get(ref Ref) *Node {
	if int(ref) >= len(m.nodes) {
		return nil
	}
	return &m.nodes[ref]
}

// Ref returns the slot index of a node that lives in this pool.
func (m *Pool) Ref(n *Node) Ref {
	base := uintptr(unsafe.Pointer(&m.nodes[0]))
	addr := uintptr(unsafe.Pointer(n))
	if addr < base || addr >= base+uintptr(len(m.nodes))*NodeSize {
		panic("node does not belong to the pool")
	}
	return Ref((addr - base) / NodeSize)
}

// Release returns the slot to the free list.
//
// The node must have released its resources. Releasing a free slot is a
// no-op and returns false.
func (m *Pool) Release(ref Ref) bool {
	node := m.Get(ref)
	if node == nil || node.Kind == KindFree {
		return false
	}

	*node = Node{}
	m.free = append(m.free, ref)

	return true
}

// Len returns the number of allocated slots.
func (m *Pool) Len() int {
	return len(m.nodes) - len(m.free)
}

// Cap returns the pool capacity.
func (m *Pool) Cap() int {
	return len(m.nodes)
}

// All calls fn for every allocated slot.
func (m *Pool) All(fn func(Ref, *Node) bool) {
	for idx := range m.nodes {
		if m.nodes[idx].Kind == KindFree {
			continue
		}
		if !fn(Ref(idx), &m.nodes[idx]) {
			return
		}
	}
}
