package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/tgen/dataplane/capture"
)

func frame(tag byte) []byte {
	pkt := make([]byte, 60)
	pkt[59] = tag
	return pkt
}

func newReplay(t *testing.T, th *fakeThread, reader capture.Reader, cfg ReplayConfig) *ReplayNode {
	t.Helper()

	_, n, err := th.env.Nodes.Alloc(KindReplay)
	require.NoError(t, err)

	rn := n.Replay()
	require.NoError(t, rn.Create(th.env, reader, cfg))
	return rn
}

func TestReplayFixedGap(t *testing.T) {
	th := newFakeThread(t)
	reader := capture.NewSliceReader(
		capture.Record{Time: 0, Data: frame(1)},
		capture.Record{Time: 5, Data: frame(2)},
		capture.Record{Time: 9, Data: frame(3)},
	)

	rn := newReplay(t, th, reader, ReplayConfig{Port: 2, IPG: 0.25, Count: 2})
	rn.Time = 10
	th.Push(rn.Node())
	th.run(100)

	times := th.sendTimes()
	require.Len(t, times, 6)
	for k, ts := range times {
		assert.InDelta(t, 10+float64(k)*0.25, ts, eps)
	}

	var tags []byte
	for _, pkt := range th.sent {
		tags = append(tags, pkt.data[59])
		assert.Equal(t, uint8(2), pkt.port)
	}
	assert.Equal(t, []byte{1, 2, 3, 1, 2, 3}, tags)

	assert.Equal(t, []uint8{2}, th.stopped)
	assert.Equal(t, ReplayInactive, rn.State())
	assert.Zero(t, rn.Count())
}

func TestReplayRecordedGaps(t *testing.T) {
	th := newFakeThread(t)
	reader := capture.NewSliceReader(
		capture.Record{Time: 1, Data: frame(1)},
		capture.Record{Time: 3, Data: frame(2)},
		capture.Record{Time: 7, Data: frame(3)},
	)

	rn := newReplay(t, th, reader, ReplayConfig{IPG: -1, Speedup: 2, Count: 2})
	th.Push(rn.Node())
	th.run(100)

	// The rewind does not add a gap.
	assert.Equal(t, []float64{0, 1, 3, 3, 4, 6}, th.sendTimes())
}

func TestReplayDual(t *testing.T) {
	th := newFakeThread(t)
	reader := capture.NewSliceReader(
		capture.Record{Time: 0, Data: frame(1), Interface: 1},
		capture.Record{Time: 1, Data: frame(2), Interface: 2},
		capture.Record{Time: 2, Data: frame(3), Interface: 3},
	)

	mac := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	rn := newReplay(t, th, reader, ReplayConfig{IPG: 1, Count: 1, Dual: true, MAC: mac})
	assert.True(t, rn.IsDual())
	th.Push(rn.Node())
	th.run(100)

	require.Len(t, th.sent, 3)
	assert.Equal(t, []Dir{DirServer, DirClient, DirServer},
		[]Dir{th.sent[0].dir, th.sent[1].dir, th.sent[2].dir})
	for _, pkt := range th.sent {
		assert.Equal(t, mac, pkt.data[:12])
	}
}

func TestReplayCreateErrors(t *testing.T) {
	th := newFakeThread(t)

	_, n, err := th.env.Nodes.Alloc(KindReplay)
	require.NoError(t, err)
	rn := n.Replay()

	err = rn.Create(th.env, capture.NewSliceReader(), ReplayConfig{IPG: 1, Count: 1})
	require.ErrorIs(t, err, capture.ErrEmpty)
	assert.Zero(t, th.env.Readers.Len())
	assert.Zero(t, th.env.Records.Len())

	reader := capture.NewSliceReader(capture.Record{Data: frame(1)})
	require.Error(t, rn.Create(th.env, reader, ReplayConfig{IPG: 1}))
	require.Error(t, rn.Create(th.env, reader, ReplayConfig{IPG: -1, Count: 1}))
}

func TestReplayStates(t *testing.T) {
	th := newFakeThread(t)

	_, n, err := th.env.Nodes.Alloc(KindReplay)
	require.NoError(t, err)
	rn := n.Replay()
	assert.Equal(t, ReplayInvalid, rn.State())
	assert.Panics(t, func() { rn.IPG(th.env) })
	assert.Panics(t, func() { rn.Handle(th) })

	reader := capture.NewSliceReader(capture.Record{Data: frame(1)})
	require.NoError(t, rn.Create(th.env, reader, ReplayConfig{IPG: 0, Count: 1}))
	assert.True(t, rn.IsActive())

	rn.Deactivate()
	assert.Equal(t, ReplayInactive, rn.State())
	assert.Panics(t, func() { rn.Next(th.env) })

	rn.MarkForFree()
	assert.True(t, n.IsMarkedForFree())

	n.Free(th.env)
	n.Free(th.env)
	assert.Zero(t, th.env.Readers.Len())
	assert.Zero(t, th.env.Records.Len())
}
