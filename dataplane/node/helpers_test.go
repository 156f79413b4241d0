package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/tgen/dataplane/mbuf"
	"github.com/yanet-platform/tgen/dataplane/stream"
)

type sent struct {
	time float64
	port uint8
	dir  Dir
	data []byte
}

// fakeThread runs nodes in due time order, FIFO on ties.
type fakeThread struct {
	t       *testing.T
	env     *Env
	queue   []Ref
	sent    []sent
	stopped []uint8
}

func newFakeThread(t *testing.T, streams ...stream.Stream) *fakeThread {
	t.Helper()

	var program *stream.Program
	if len(streams) > 0 {
		var err error
		program, err = stream.NewProgram(streams...)
		require.NoError(t, err)
	}

	buffers, err := mbuf.NewPool(mbuf.DefaultConfig())
	require.NoError(t, err)

	return &fakeThread{
		t:   t,
		env: NewEnv(NewPool(64), buffers, program),
	}
}

func (m *fakeThread) Env() *Env {
	return m.env
}

func (m *fakeThread) Push(n *Node) {
	n.Flags.Set(FlagQueued, true)
	m.queue = append(m.queue, m.env.Nodes.Ref(n))
}

func (m *fakeThread) SendNode(n *Node) {
	var ref mbuf.Ref
	var err error

	switch n.Kind {
	case KindTraffic:
		ref, err = n.Traffic().Packet(m.env)
	case KindReplay:
		ref, err = n.Replay().Packet(m.env)
	default:
		m.t.Fatalf("sending a %s node", n.Kind)
	}
	require.NoError(m.t, err)

	data := append([]byte(nil), m.env.Buffers.Data(ref)...)
	m.env.Buffers.Free(ref)

	m.sent = append(m.sent, sent{time: n.Time, port: n.Port, dir: n.Dir(), data: data})
}

func (m *fakeThread) LinkNext(cur *TrafficNode, next Ref) bool {
	if next == NoRef {
		m.stopped = append(m.stopped, cur.Port)
		return false
	}

	n := m.env.Nodes.Get(next)
	if n == nil || n.Kind != KindTraffic || n.Traffic().State() != StateInactive {
		m.stopped = append(m.stopped, cur.Port)
		return false
	}

	succ := n.Traffic()
	succ.Refresh(m.env)
	succ.SetState(StateActive)
	return true
}

func (m *fakeThread) StopTraffic(port uint8) {
	m.stopped = append(m.stopped, port)
}

// pop removes the earliest node, or returns nil.
func (m *fakeThread) pop() *Node {
	if len(m.queue) == 0 {
		return nil
	}

	best := 0
	for idx := 1; idx < len(m.queue); idx++ {
		if m.env.Nodes.Get(m.queue[idx]).Time < m.env.Nodes.Get(m.queue[best]).Time {
			best = idx
		}
	}

	ref := m.queue[best]
	m.queue = append(m.queue[:best], m.queue[best+1:]...)

	n := m.env.Nodes.Get(ref)
	n.Flags.Set(FlagQueued, false)
	return n
}

// run handles at most limit events.
func (m *fakeThread) run(limit int) {
	for range limit {
		n := m.pop()
		if n == nil {
			return
		}
		n.Handle(m)
	}
}

func (m *fakeThread) sendTimes() []float64 {
	out := make([]float64, 0, len(m.sent))
	for _, s := range m.sent {
		out = append(out, s.time)
	}
	return out
}

// newTraffic creates an active traffic node for the stream due at start.
func (m *fakeThread) newTraffic(id stream.ID, start float64) *TrafficNode {
	m.t.Helper()

	_, n, err := m.env.Nodes.Alloc(KindTraffic)
	require.NoError(m.t, err)

	tn := n.Traffic()
	require.NoError(m.t, tn.Create(m.env, m.env.Stream(id), 0))
	tn.SetState(StateActive)
	tn.Time = start
	return tn
}

func testStream(typ stream.Type, pps float64) stream.Stream {
	return stream.Stream{
		Name:       "s",
		Type:       typ,
		PPS:        pps,
		Multiplier: 1,
		BurstSize:  1,
		Bursts:     1,
		Next:       stream.NoStream,
		SelfStart:  true,
		Packet:     make([]byte, 60),
	}
}
