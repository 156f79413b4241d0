package node

import (
	"fmt"

	"github.com/yanet-platform/tgen/common/go/slab"
	"github.com/yanet-platform/tgen/dataplane/mbuf"
)

// SetConstBuffer makes the node emit the buffer on every tick. The node
// takes over the caller's reference.
func (m *TrafficNode) SetConstBuffer(ref mbuf.Ref) {
	m.cacheRef = uint32(ref)
	m.Flags.Set(FlagConstBuffer, true)
}

// ConstBuffer returns the constant buffer, or mbuf.Nil.
func (m *TrafficNode) ConstBuffer() mbuf.Ref {
	if m.Flags.Has(FlagConstBuffer) {
		return mbuf.Ref(m.cacheRef)
	}
	return mbuf.Nil
}

// ClearConstBuffer leaves constant mode without releasing the buffer.
func (m *TrafficNode) ClearConstBuffer() {
	m.Flags.Set(FlagConstBuffer, false)
	m.cacheRef = 0
}

// IsCacheArray reports whether the node cycles through a buffer array.
func (m *TrafficNode) IsCacheArray() bool {
	return m.Flags.Has(FlagCacheArray)
}

// CacheSize returns the length of the buffer array.
func (m *TrafficNode) CacheSize() uint16 {
	return m.cacheSize
}

// CacheArrayAlloc allocates an empty array of size entries.
//
// Must be paired with CacheArrayFree.
func (m *TrafficNode) CacheArrayAlloc(env *Env, size uint16) {
	if size == 0 {
		panic("zero sized cache array")
	}
	if m.Flags.Has(FlagConstBuffer) || m.IsCacheArray() {
		panic("node already has a buffer cache")
	}

	h := env.Arrays.Put(make([]mbuf.Ref, size))
	m.cacheRef = uint32(h)
	m.cacheSize = size
	m.cacheCursor = 0
	m.Flags.Set(FlagCacheArray, true)
}

func (m *TrafficNode) cacheArray(env *Env) []mbuf.Ref {
	if !m.IsCacheArray() {
		panic("node has no cache array")
	}
	arr := env.Arrays.Get(slab.Handle(m.cacheRef))
	if arr == nil {
		panic(fmt.Sprintf("dangling cache array %d", m.cacheRef))
	}
	return *arr
}

// CacheArraySet stores a buffer at the index, taking over its reference.
func (m *TrafficNode) CacheArraySet(env *Env, idx uint16, ref mbuf.Ref) {
	arr := m.cacheArray(env)
	if prev := arr[idx]; prev != mbuf.Nil {
		env.Buffers.Free(prev)
	}
	arr[idx] = ref
}

// CacheArrayGet returns the buffer at the index.
func (m *TrafficNode) CacheArrayGet(env *Env, idx uint16) mbuf.Ref {
	return m.cacheArray(env)[idx]
}

// CacheArrayCurrent returns the buffer under the cursor and advances it,
// wrapping to the first entry after the last one.
func (m *TrafficNode) CacheArrayCurrent(env *Env) mbuf.Ref {
	arr := m.cacheArray(env)

	ref := arr[m.cacheCursor]
	if ref == mbuf.Nil {
		panic(fmt.Sprintf("cache array entry %d is empty", m.cacheCursor))
	}

	m.cacheCursor++
	if m.cacheCursor == m.cacheSize {
		m.cacheCursor = 0
	}

	return ref
}

// CacheArrayFree releases the array and every buffer in it. Safe to call
// more than once.
func (m *TrafficNode) CacheArrayFree(env *Env) {
	if !m.IsCacheArray() {
		return
	}

	if arr, ok := env.Arrays.Take(slab.Handle(m.cacheRef)); ok {
		for _, ref := range arr {
			if ref != mbuf.Nil {
				env.Buffers.Free(ref)
			}
		}
	}

	m.Flags.Set(FlagCacheArray, false)
	m.cacheRef = 0
	m.cacheSize = 0
	m.cacheCursor = 0
}
