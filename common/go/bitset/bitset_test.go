package bitset

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_BitsetCount(t *testing.T) {
	b := Bitset{}

	assert.Equal(t, uint(0), b.Count())

	b.Insert(0)
	b.Insert(42)
	assert.Equal(t, uint(2), b.Count())
}

func Test_BitsetInsertTwice(t *testing.T) {
	b := New(8)

	assert.True(t, b.Insert(3))
	assert.False(t, b.Insert(3))
	assert.Equal(t, uint(1), b.Count())
}

func Test_BitsetGrows(t *testing.T) {
	b := Bitset{}
	b.Insert(100_000)

	assert.True(t, b.Contains(100_000))
	assert.False(t, b.Contains(99_999))
	assert.False(t, b.Contains(1<<30))
}

func Test_BitsetRemoveAndClear(t *testing.T) {
	b := Bitset{}
	b.Insert(1)
	b.Insert(65)

	b.Remove(1)
	b.Remove(4096)
	assert.Equal(t, []uint32{65}, b.AsSlice())

	b.Clear()
	assert.Equal(t, uint(0), b.Count())
}

func Test_BitsetTraverse(t *testing.T) {
	b := Bitset{}
	b.Insert(0)
	b.Insert(42)
	b.Insert(512)

	bits := make([]uint32, 0)
	b.Traverse(func(idx uint32) bool {
		bits = append(bits, idx)
		return true
	})

	assert.Equal(t, []uint32{0, 42, 512}, bits)
}

func Test_BitsetPartialTraverse(t *testing.T) {
	b := Bitset{}
	b.Insert(42)
	b.Insert(84)
	b.Insert(512)

	bits := make([]uint32, 0)
	b.Traverse(func(idx uint32) bool {
		bits = append(bits, idx)
		return false
	})

	assert.Equal(t, []uint32{42}, bits)
}

func Test_BitsetIter(t *testing.T) {
	b := Bitset{}
	b.Insert(0)
	b.Insert(42)
	b.Insert(512)

	assert.Equal(t, []uint32{0, 42, 512}, slices.Collect(b.Iter()))
}

func Test_BitsTraverserIter(t *testing.T) {
	bits := slices.Collect(NewBitsTraverser(0b1010_0001).Iter())

	assert.Equal(t, []uint32{0, 5, 7}, bits)
}
