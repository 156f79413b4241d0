package node

import (
	"bytes"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/tgen/dataplane/fieldvm"
	"github.com/yanet-platform/tgen/dataplane/stream"
)

const eps = 1e-9

func counterProgram() *fieldvm.Program {
	return &fieldvm.Program{
		Vars:   []fieldvm.FlowVar{{Name: "id", Size: 1, Op: fieldvm.OpInc, Max: 255, Step: 1}},
		Writes: []fieldvm.Write{{Var: 0, Offset: 0}},
	}
}

func TestContinuousCadence(t *testing.T) {
	th := newFakeThread(t, testStream(stream.Continuous, 500))
	tn := th.newTraffic(0, 1.5)
	th.Push(tn.Node())

	th.run(10)

	times := th.sendTimes()
	require.Len(t, times, 10)
	for k, ts := range times {
		assert.InDelta(t, 1.5+float64(k)*0.002, ts, eps)
	}
	assert.Empty(t, th.stopped)
	assert.Len(t, th.queue, 1)
}

func TestMultiBurstAccounting(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for range 20 {
		size := uint32(rng.IntN(5) + 1)
		bursts := uint32(rng.IntN(4) + 1)

		s := testStream(stream.MultiBurst, 1000)
		s.BurstSize = size
		s.Bursts = bursts
		s.IBG = 10 * time.Millisecond

		th := newFakeThread(t, s)
		th.Push(th.newTraffic(0, 0).Node())
		th.run(1000)

		times := th.sendTimes()
		require.Len(t, times, int(size*bursts), "S=%d M=%d", size, bursts)

		period := float64(size-1)*0.001 + 0.010
		for b := range bursts {
			for k := range size {
				want := float64(b)*period + float64(k)*0.001
				assert.InDelta(t, want, times[b*size+k], eps, "S=%d M=%d b=%d k=%d", size, bursts, b, k)
			}
		}
		assert.Equal(t, []uint8{0}, th.stopped)
		assert.Empty(t, th.queue)
	}
}

func TestSingleBurst(t *testing.T) {
	s := testStream(stream.SingleBurst, 1000)
	s.BurstSize = 4
	s.Bursts = 0

	th := newFakeThread(t, s)
	tn := th.newTraffic(0, 0)
	assert.Equal(t, stream.MultiBurst, tn.StreamType())
	assert.Equal(t, uint32(1), tn.MultiBurstCount())

	th.Push(tn.Node())
	th.run(100)

	assert.Len(t, th.sent, 4)
	assert.Equal(t, StateInactive, tn.State())
}

func TestRateComposition(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))

	th := newFakeThread(t, testStream(stream.Continuous, 1000))
	tn := th.newTraffic(0, 0)

	tn.UpdateRate(2)
	assert.InDelta(t, 0.0005, tn.NextTimeOffset(), eps)
	tn.UpdateRate(0.5)
	assert.InDelta(t, 0.001, tn.NextTimeOffset(), eps)

	product := 1.0
	for range 8 {
		f := 0.25 + rng.Float64()*4
		product *= f
		tn.UpdateRate(f)
	}
	assert.InEpsilon(t, 0.001/product, tn.NextTimeOffset(), 1e-12)
}

func TestRateChangeMidBurst(t *testing.T) {
	s := testStream(stream.MultiBurst, 1000)
	s.BurstSize = 4

	th := newFakeThread(t, s)
	tn := th.newTraffic(0, 0)
	th.Push(tn.Node())

	th.run(2)
	assert.Equal(t, uint32(2), tn.SingleBurstCount())

	tn.UpdateRate(2)
	assert.Equal(t, uint32(2), tn.SingleBurstCount())

	th.run(100)

	times := th.sendTimes()
	require.Len(t, times, 4)
	assert.InDelta(t, 0.002, times[2], eps)
	assert.InDelta(t, 0.0025, times[3], eps)
}

func TestChainTransition(t *testing.T) {
	a := testStream(stream.MultiBurst, 1000)
	a.BurstSize = 2
	a.PhasePost = 5 * time.Millisecond
	a.Next = 1

	b := testStream(stream.MultiBurst, 1000)
	b.Name = "b"
	b.ISG = 20 * time.Millisecond
	b.PhasePre = time.Millisecond
	b.SelfStart = false

	th := newFakeThread(t, a, b)

	head := th.newTraffic(0, 0)

	ref, n, err := th.env.Nodes.Alloc(KindTraffic)
	require.NoError(t, err)
	succ := n.Traffic()
	require.NoError(t, succ.Create(th.env, th.env.Stream(1), 0))
	head.Link(ref)

	th.Push(head.Node())
	th.run(100)

	times := th.sendTimes()
	require.Len(t, times, 3)
	assert.InDelta(t, 0.0, times[0], eps)
	assert.InDelta(t, 0.001, times[1], eps)
	// 1ms exhaustion + 5ms post phase + 20ms gap + 1ms pre phase.
	assert.InDelta(t, 0.027, times[2], eps)

	assert.Equal(t, StateInactive, head.State())
	assert.Equal(t, StateInactive, succ.State())
	assert.Equal(t, []uint8{0}, th.stopped)
}

func TestConstBuffer(t *testing.T) {
	s := testStream(stream.Continuous, 1000)
	s.Packet = bytes.Repeat([]byte{0xab}, 60)

	th := newFakeThread(t, s)
	tn := th.newTraffic(0, 0)
	ref := tn.ConstBuffer()
	require.NotZero(t, ref)

	th.Push(tn.Node())
	th.run(3)

	require.Len(t, th.sent, 3)
	for _, pkt := range th.sent {
		assert.Equal(t, s.Packet, pkt.data)
	}
	assert.Equal(t, uint32(1), th.env.Buffers.RefCount(ref))

	tn.Free(th.env)
	tn.Free(th.env)
	assert.Zero(t, th.env.Buffers.Live(0))
}

func TestCacheArrayReplay(t *testing.T) {
	s := testStream(stream.Continuous, 1000)
	s.Program = counterProgram()
	s.CacheSize = 3

	th := newFakeThread(t, s)
	tn := th.newTraffic(0, 0)
	require.True(t, tn.IsCacheArray())
	assert.Equal(t, uint16(3), tn.CacheSize())
	assert.Equal(t, 3, th.env.Buffers.Live(0))

	th.Push(tn.Node())
	th.run(7)

	var got []byte
	for _, pkt := range th.sent {
		got = append(got, pkt.data[0])
	}
	assert.Equal(t, []byte{0, 1, 2, 0, 1, 2, 0}, got)

	tn.Free(th.env)
	tn.Free(th.env)
	assert.Zero(t, th.env.Buffers.Live(0))
	assert.Zero(t, th.env.Arrays.Len())
}

func TestPerPacketVariation(t *testing.T) {
	s := testStream(stream.Continuous, 1000)
	s.Program = counterProgram()

	th := newFakeThread(t, s)
	tn := th.newTraffic(0, 0)
	assert.False(t, tn.IsCacheArray())
	assert.Zero(t, tn.ConstBuffer())

	th.Push(tn.Node())
	th.run(4)

	var got []byte
	for _, pkt := range th.sent {
		got = append(got, pkt.data[0])
	}
	assert.Equal(t, []byte{0, 1, 2, 3}, got)

	// Restarting the stream restarts its variables.
	th.sent = nil
	tn.Refresh(th.env)
	th.run(1)
	require.Len(t, th.sent, 1)
	assert.Equal(t, byte(0), th.sent[0].data[0])

	tn.Free(th.env)
	assert.Zero(t, th.env.Scratch.Len())
	assert.Zero(t, th.env.Buffers.Live(0))
}

func TestCacheArray(t *testing.T) {
	th := newFakeThread(t)

	_, n, err := th.env.Nodes.Alloc(KindTraffic)
	require.NoError(t, err)
	tn := n.Traffic()

	assert.Panics(t, func() { tn.CacheArrayAlloc(th.env, 0) })

	tn.CacheArrayAlloc(th.env, 2)
	assert.Panics(t, func() { tn.CacheArrayAlloc(th.env, 2) })
	assert.Panics(t, func() { tn.CacheArrayCurrent(th.env) })

	a, err := th.env.Buffers.AllocCopy(0, []byte{1})
	require.NoError(t, err)
	b, err := th.env.Buffers.AllocCopy(0, []byte{2})
	require.NoError(t, err)
	c, err := th.env.Buffers.AllocCopy(0, []byte{3})
	require.NoError(t, err)

	tn.CacheArraySet(th.env, 0, a)
	tn.CacheArraySet(th.env, 1, b)
	tn.CacheArraySet(th.env, 1, c)
	assert.Equal(t, 2, th.env.Buffers.Live(0))
	assert.Equal(t, c, tn.CacheArrayGet(th.env, 1))

	assert.Equal(t, a, tn.CacheArrayCurrent(th.env))
	assert.Equal(t, c, tn.CacheArrayCurrent(th.env))
	assert.Equal(t, a, tn.CacheArrayCurrent(th.env))

	tn.CacheArrayFree(th.env)
	tn.CacheArrayFree(th.env)
	assert.False(t, tn.IsCacheArray())
	assert.Zero(t, th.env.Buffers.Live(0))
}

func TestSilentNodesKeepTiming(t *testing.T) {
	null := testStream(stream.Continuous, 1000)
	null.NullStream = true

	th := newFakeThread(t, null)
	tn := th.newTraffic(0, 0)
	assert.False(t, tn.IsNodeActive())
	th.Push(tn.Node())
	th.run(5)
	assert.Empty(t, th.sent)
	assert.InDelta(t, 0.005, tn.Time, eps)

	th = newFakeThread(t, testStream(stream.Continuous, 1000))
	tn = th.newTraffic(0, 0)
	tn.SetPause(true)
	th.Push(tn.Node())
	th.run(5)
	assert.Empty(t, th.sent)

	tn.SetPause(false)
	th.run(1)
	assert.Len(t, th.sent, 1)
}

type sleepyThread struct {
	*fakeThread
}

func (m sleepyThread) SendNode(n *Node) {
	n.Traffic().SetState(StateInactive)
}

func TestDormantNodeIsNotRescheduled(t *testing.T) {
	th := newFakeThread(t, testStream(stream.Continuous, 1000))
	tn := th.newTraffic(0, 0)

	tn.Handle(sleepyThread{th})
	assert.Empty(t, th.queue)
	assert.Zero(t, tn.Time)
}

func TestMarkForFree(t *testing.T) {
	th := newFakeThread(t, testStream(stream.Continuous, 1000))
	tn := th.newTraffic(0, 0)
	tn.Link(3)

	tn.MarkForFree()
	assert.True(t, tn.IsMarkedForFree())
	assert.True(t, tn.Node().IsMarkedForFree())
	assert.Equal(t, stream.NoStream, tn.StreamID())
	assert.Equal(t, NoRef, tn.Next())
}

func TestConsumeLoop(t *testing.T) {
	limited := testStream(stream.MultiBurst, 1000)
	limited.Loops = 2
	unlimited := testStream(stream.MultiBurst, 1000)

	th := newFakeThread(t, limited, unlimited)
	a := th.newTraffic(0, 0)
	b := th.newTraffic(1, 0)

	assert.Equal(t, uint16(2), a.LoopsLeft())
	assert.True(t, a.ConsumeLoop(th.Env()))
	assert.False(t, a.ConsumeLoop(th.Env()))
	assert.False(t, a.ConsumeLoop(th.Env()), "exhausted streams stay exhausted")

	// Refresh restores burst counters, not the loop budget.
	a.Refresh(th.Env())
	assert.Zero(t, a.LoopsLeft())

	for range 100 {
		require.True(t, b.ConsumeLoop(th.Env()))
	}
}

func TestDump(t *testing.T) {
	th := newFakeThread(t, testStream(stream.Continuous, 1000))
	tn := th.newTraffic(0, 0)

	var buf bytes.Buffer
	DumpHeader(&buf)
	tn.Dump(&buf)

	assert.Contains(t, buf.String(), "state")
	assert.Contains(t, buf.String(), "active")
	assert.Contains(t, buf.String(), "continuous")
}
