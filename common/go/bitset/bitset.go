package bitset

import (
	"iter"
	"math/bits"
)

// Bitset is a growable set of small non-negative integers.
//
// The zero value is an empty set ready to use.
type Bitset struct {
	words []uint64
}

// New returns a bitset preallocated to hold indices below capacity.
func New(capacity uint32) *Bitset {
	return &Bitset{
		words: make([]uint64, 0, (capacity+63)/64),
	}
}

// Count returns the number of bits set in the bitset.
func (m *Bitset) Count() uint {
	count := uint(0)
	for _, word := range m.words {
		count += uint(bits.OnesCount64(word))
	}

	return count
}

// Insert inserts the given index into the bitset.
//
// Returns false if the index was already present.
func (m *Bitset) Insert(idx uint32) bool {
	word := int(idx / 64)
	for len(m.words) <= word {
		m.words = append(m.words, 0)
	}

	mask := uint64(1) << (idx % 64)
	if m.words[word]&mask != 0 {
		return false
	}
	m.words[word] |= mask

	return true
}

// Remove removes the given index from the bitset.
func (m *Bitset) Remove(idx uint32) {
	word := int(idx / 64)
	if word >= len(m.words) {
		return
	}

	m.words[word] &^= 1 << (idx % 64)
}

// Contains checks whether the given index is present.
func (m *Bitset) Contains(idx uint32) bool {
	word := int(idx / 64)
	if word >= len(m.words) {
		return false
	}

	return m.words[word]&(1<<(idx%64)) != 0
}

// Clear removes all indices while keeping the allocated storage.
func (m *Bitset) Clear() {
	clear(m.words)
}

// Traverse traverses the bitset and calls the given function for each bit set.
//
// Iteration is performed from the least significant bit to the most
// significant one.
func (m *Bitset) Traverse(fn func(uint32) bool) {
	for idx, word := range m.words {
		isContinue := NewBitsTraverser(word).Traverse(func(r uint32) bool {
			return fn(64*uint32(idx) + r)
		})

		if !isContinue {
			break
		}
	}
}

func (m *Bitset) Iter() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		m.Traverse(yield)
	}
}

// AsSlice returns the bitset as a slice of indices, where each index is a
// position of the bit set.
func (m *Bitset) AsSlice() []uint32 {
	out := make([]uint32, 0, m.Count())

	m.Traverse(func(idx uint32) bool {
		out = append(out, idx)
		return true
	})

	return out
}

// BitsTraverser is an iterator that allows to iterate over all bits set in the
// given 64-bit unsigned integer.
//
// Iteration is performed from the least significant bit to the most
// significant one.
type BitsTraverser struct {
	word uint64
}

// NewBitsTraverser constructs a new bits traverser over given 64-bit word.
func NewBitsTraverser(word uint64) BitsTraverser {
	return BitsTraverser{word: word}
}

// Traverse traverses the bitset and calls the given function for each bit set.
func (m BitsTraverser) Traverse(fn func(uint32) bool) bool {
	word := m.word

	for word > 0 {
		r := bits.TrailingZeros64(word)
		// Clears the lowest set bit, compiles to a single "blsr".
		word &= word - 1

		if !fn(uint32(r)) {
			return false
		}
	}

	return true
}

// Iter returns an iterator over the bits set in this word.
func (m BitsTraverser) Iter() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		m.Traverse(yield)
	}
}
