// Package slab provides handle-indexed arenas.
//
// Nodes refer to owned objects (buffer arrays, scratch memory, readers,
// commands) through 32-bit handles instead of Go pointers, which keeps the
// node layout pointer-free and makes release idempotent: taking a handle
// twice is detected and ignored.
package slab

import (
	"github.com/yanet-platform/tgen/common/go/bitset"
)

// Handle identifies a live object in an Arena.
type Handle uint32

// Nil is never returned by Put.
const Nil Handle = 0

// Arena stores values of type T addressed by handles.
//
// Not safe for concurrent use.
type Arena[T any] struct {
	items []T
	live  bitset.Bitset
	free  []Handle
}

// NewArena creates an arena with room for capacity values before growing.
func NewArena[T any](capacity int) *Arena[T] {
	return &Arena[T]{
		items: make([]T, 0, capacity),
		live:  *bitset.New(uint32(capacity)),
	}
}

// Put stores the value and returns its handle.
func (m *Arena[T]) Put(v T) Handle {
	if n := len(m.free); n > 0 {
		h := m.free[n-1]
		m.free = m.free[:n-1]
		m.items[h-1] = v
		m.live.Insert(uint32(h - 1))
		return h
	}

	m.items = append(m.items, v)
	h := Handle(len(m.items))
	m.live.Insert(uint32(h - 1))
	return h
}

// Get returns a pointer to the value behind the handle, or nil if the handle
// is not live.
//
// The pointer is invalidated by the next Put.
func (m *Arena[T]) Get(h Handle) *T {
	if !m.Live(h) {
		return nil
	}
	return &m.items[h-1]
}

// Live reports whether the handle refers to a stored value.
func (m *Arena[T]) Live(h Handle) bool {
	if h == Nil || int(h) > len(m.items) {
		return false
	}
	return m.live.Contains(uint32(h - 1))
}

// Take removes the value and returns it.
//
// Taking a handle that is not live returns false and leaves the arena intact.
func (m *Arena[T]) Take(h Handle) (T, bool) {
	var zero T
	if !m.Live(h) {
		return zero, false
	}

	v := m.items[h-1]
	m.items[h-1] = zero
	m.live.Remove(uint32(h - 1))
	m.free = append(m.free, h)

	return v, true
}

// Len returns the number of live values.
func (m *Arena[T]) Len() int {
	return len(m.items) - len(m.free)
}
