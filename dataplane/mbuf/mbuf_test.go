package mbuf

import (
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/tgen/common/go/numa"
)

func newTestPool(t *testing.T, memory datasize.ByteSize) *Pool {
	t.Helper()

	pool, err := NewPool(Config{
		Sockets:  numa.NewWithTrailingOnes(2),
		Memory:   memory,
		Capacity: 16,
	})
	require.NoError(t, err)
	return pool
}

func TestAllocIsSocketScoped(t *testing.T) {
	pool := newTestPool(t, datasize.KB)

	ref, err := pool.Alloc(1, 128)
	require.NoError(t, err)

	assert.Equal(t, numa.SocketID(1), ref.Socket())
	assert.Len(t, pool.Data(ref), 128)
	assert.Equal(t, datasize.ByteSize(128), pool.InUse(1))
	assert.Equal(t, datasize.ByteSize(0), pool.InUse(0))

	_, err = pool.Alloc(5, 64)
	assert.ErrorIs(t, err, ErrNoSocket)
}

func TestAllocExhausted(t *testing.T) {
	pool := newTestPool(t, 256)

	_, err := pool.Alloc(0, 200)
	require.NoError(t, err)

	_, err = pool.Alloc(0, 100)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestAllocHandleOverflow(t *testing.T) {
	prev := maxHandle
	maxHandle = 2
	t.Cleanup(func() { maxHandle = prev })

	pool := newTestPool(t, datasize.KB)

	first, err := pool.Alloc(1, 64)
	require.NoError(t, err)
	_, err = pool.Alloc(1, 64)
	require.NoError(t, err)

	_, err = pool.Alloc(1, 64)
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 2, pool.Live(1))
	assert.Equal(t, datasize.ByteSize(128), pool.InUse(1))

	// A freed handle is reused and fits again.
	require.True(t, pool.Free(first))
	ref, err := pool.Alloc(1, 64)
	require.NoError(t, err)
	assert.Equal(t, numa.SocketID(1), ref.Socket())
}

func TestRefCounting(t *testing.T) {
	pool := newTestPool(t, datasize.KB)

	ref, err := pool.AllocCopy(0, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, pool.Data(ref))

	pool.Retain(ref)
	assert.Equal(t, uint32(2), pool.RefCount(ref))

	assert.True(t, pool.Free(ref))
	assert.Equal(t, 1, pool.Live(0))

	assert.True(t, pool.Free(ref))
	assert.Equal(t, 0, pool.Live(0))
	assert.Equal(t, datasize.ByteSize(0), pool.InUse(0))

	assert.False(t, pool.Free(ref))
	assert.False(t, pool.Free(Nil))
	assert.Panics(t, func() { pool.Retain(ref) })
}

func TestNewPoolValidates(t *testing.T) {
	_, err := NewPool(Config{Memory: datasize.KB})
	assert.Error(t, err)

	_, err = NewPool(Config{Sockets: numa.NewWithOneBitSet(0)})
	assert.Error(t, err)
}
