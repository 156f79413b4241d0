// Package worker runs the per-core event loop.
//
// A Thread owns a node pool, a buffer pool and an event queue. All of them
// are touched only by the goroutine running the thread; the control plane
// reaches a running thread through its Mailbox.
package worker

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/tgen/dataplane/capture"
	"github.com/yanet-platform/tgen/dataplane/mbuf"
	"github.com/yanet-platform/tgen/dataplane/node"
	"github.com/yanet-platform/tgen/dataplane/sched"
	"github.com/yanet-platform/tgen/dataplane/stream"
	"github.com/yanet-platform/tgen/dataplane/tx"
)

type options struct {
	Log     *zap.SugaredLogger
	Metrics *tx.Metrics
	Clock   Clock
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// ThreadOption is a function that configures a Thread.
type ThreadOption func(*options)

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) ThreadOption {
	return func(o *options) {
		o.Log = log
	}
}

// WithMetrics sets the prometheus counters.
func WithMetrics(metrics *tx.Metrics) ThreadOption {
	return func(o *options) {
		o.Metrics = metrics
	}
}

// WithClock sets the clock. The default is a virtual clock.
func WithClock(clock Clock) ThreadOption {
	return func(o *options) {
		o.Clock = clock
	}
}

type portState struct {
	running bool
	// active is the number of live chains.
	active int
	// gen identifies the current traffic session.
	gen uint32
}

// Stats are the worker counters.
type Stats struct {
	Packets       uint64
	Bytes         uint64
	Reclaimed     uint64
	AllocFailures uint64
	TxErrors      uint64
}

// Thread is the context nodes run in.
type Thread struct {
	cfg     Config
	env     *node.Env
	queue   *sched.Queue
	tx      tx.Transmitter
	clock   Clock
	mailbox *Mailbox
	events  chan Event
	metrics *tx.Metrics
	log     *zap.SugaredLogger

	now   float64
	ports [256]portState

	packets       atomic.Uint64
	bytes         atomic.Uint64
	reclaimed     atomic.Uint64
	allocFailures atomic.Uint64
	txErrors      atomic.Uint64
}

var _ node.Thread = (*Thread)(nil)

// NewThread creates a worker for the stream program.
func NewThread(cfg Config, program *stream.Program, transmitter tx.Transmitter, options ...ThreadOption) (*Thread, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	if cfg.Nodes <= 0 {
		return nil, fmt.Errorf("invalid node pool capacity %d", cfg.Nodes)
	}
	if cfg.Mailbox <= 0 {
		return nil, fmt.Errorf("invalid mailbox size %d", cfg.Mailbox)
	}
	if !cfg.Buffers.Sockets.Contains(cfg.Socket) {
		return nil, fmt.Errorf("buffer pool does not serve socket %d", cfg.Socket)
	}

	buffers, err := mbuf.NewPool(cfg.Buffers)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer pool: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = NewVirtualClock()
	}

	env := node.NewEnv(node.NewPool(cfg.Nodes), buffers, program)
	env.Policy = cfg.Policy

	return &Thread{
		cfg:     cfg,
		env:     env,
		queue:   sched.NewQueue(cfg.Nodes),
		tx:      transmitter,
		clock:   clock,
		mailbox: NewMailbox(cfg.Mailbox),
		events:  make(chan Event, max(cfg.Events, 1)),
		metrics: opts.Metrics,
		log:     opts.Log.With(zap.Int("worker", cfg.ID)),
	}, nil
}

// ID returns the worker index.
func (m *Thread) ID() int {
	return m.cfg.ID
}

// Mailbox returns the worker's command mailbox.
func (m *Thread) Mailbox() *Mailbox {
	return m.mailbox
}

// Events returns the worker notifications. Events are dropped when nobody
// reads them.
func (m *Thread) Events() <-chan Event {
	return m.events
}

// Stats returns the worker counters. Safe to call from any goroutine.
func (m *Thread) Stats() Stats {
	return Stats{
		Packets:       m.packets.Load(),
		Bytes:         m.bytes.Load(),
		Reclaimed:     m.reclaimed.Load(),
		AllocFailures: m.allocFailures.Load(),
		TxErrors:      m.txErrors.Load(),
	}
}

// Env implements node.Thread.
func (m *Thread) Env() *node.Env {
	return m.env
}

// Now returns the time of the event being handled.
func (m *Thread) Now() float64 {
	return m.now
}

// Push implements node.Thread.
func (m *Thread) Push(n *node.Node) {
	n.Flags.Set(node.FlagQueued, true)
	m.queue.Push(n.Time, m.env.Nodes.Ref(n))
}

// SendNode implements node.Thread.
func (m *Thread) SendNode(n *node.Node) {
	var ref mbuf.Ref
	var err error

	switch n.Kind {
	case node.KindTraffic:
		ref, err = n.Traffic().Packet(m.env)
	case node.KindReplay:
		ref, err = n.Replay().Packet(m.env)
	default:
		panic(fmt.Sprintf("sending a %s node", n.Kind))
	}
	if err != nil {
		m.allocFailed(n, err)
		return
	}
	defer m.env.Buffers.Free(ref)

	data := m.env.Buffers.Data(ref)
	if err := m.tx.Send(n.Time, n.Port, n.Dir(), data); err != nil {
		if m.txErrors.Add(1) == 1 {
			m.log.Warnw("failed to transmit packet", zap.Uint8("port", n.Port), zap.Error(err))
		}
		return
	}

	m.packets.Add(1)
	m.bytes.Add(uint64(len(data)))
	m.metrics.Sent(n.Port, n.Dir(), len(data))
	if n.Kind == node.KindTraffic && n.Traffic().IsStatNeeded() {
		m.metrics.StreamSent(n.Port, n.Traffic().StatHwID(), len(data))
	}
}

func (m *Thread) allocFailed(n *node.Node, err error) {
	if m.env.Policy == node.FailFast {
		panic(err)
	}

	m.allocFailures.Add(1)
	m.metrics.AllocFailed(n.Port)
	m.log.Warnw("node went dormant", zap.Uint8("port", n.Port), zap.Error(err))
	m.emit(EventAllocDegraded, n.Port, err)

	switch n.Kind {
	case node.KindTraffic:
		n.Traffic().SetState(node.StateInactive)
		m.chainDone(n.Port)
	case node.KindReplay:
		n.Replay().Deactivate()
		m.scheduleStop(n.Port)
	}
}

// LinkNext implements node.Thread.
func (m *Thread) LinkNext(cur *node.TrafficNode, next node.Ref) bool {
	if next == node.NoRef {
		return m.chainDone(cur.Port)
	}
	if !cur.ConsumeLoop(m.env) {
		m.log.Debugw("stream ran out of loops", zap.Uint8("port", cur.Port), zap.Uint32("stream", uint32(cur.StreamID())))
		return m.chainDone(cur.Port)
	}

	n := m.env.Nodes.Get(next)
	if n == nil || n.Kind != node.KindTraffic || n.Traffic().IsMarkedForFree() {
		err := fmt.Errorf("stream %d links to node %d: %w", cur.StreamID(), next, node.ErrInvalidSuccessor)
		m.log.Warnw("broken stream chain", zap.Uint8("port", cur.Port), zap.Error(err))
		m.metrics.InvalidSuccessor(cur.Port)
		m.emit(EventInvalidSuccessor, cur.Port, err)
		return m.chainDone(cur.Port)
	}

	succ := n.Traffic()
	if succ.State() == node.StateActive {
		// Another chain already runs the successor.
		return m.chainDone(cur.Port)
	}

	succ.Refresh(m.env)
	succ.SetState(node.StateActive)
	return true
}

// chainDone accounts for a chain that ended. Always returns false.
func (m *Thread) chainDone(port uint8) bool {
	p := &m.ports[port]
	if p.active > 0 {
		p.active--
	}
	if p.active == 0 && p.running {
		m.scheduleStop(port)
	}
	return false
}

// scheduleStop queues a stop of the port's current session at the current
// time, behind the events already due.
func (m *Thread) scheduleStop(port uint8) {
	if err := m.enqueue(stopCommand{port: port, gen: m.ports[port].gen}, m.now); err != nil {
		m.log.Warnw("failed to schedule stop, stopping now", zap.Uint8("port", port), zap.Error(err))
		m.StopTraffic(port)
	}
}

// StopTraffic implements node.Thread.
//
// Nodes of the port are marked for free. Queued nodes are reclaimed when
// they are popped, the others right away.
func (m *Thread) StopTraffic(port uint8) {
	p := &m.ports[port]
	if !p.running {
		return
	}
	p.running = false
	p.active = 0

	reclaimed := 0
	m.env.Nodes.All(func(ref node.Ref, n *node.Node) bool {
		if n.Kind == node.KindCommand || n.Port != port {
			return true
		}
		n.MarkForFree()
		if !n.IsQueued() {
			m.reclaim(ref, n)
			reclaimed++
		}
		return true
	})

	m.log.Infow("stopped traffic",
		zap.Uint8("port", port),
		zap.Float64("time", m.now),
		zap.Int("reclaimed", reclaimed),
	)
	m.emit(EventPortStopped, port, nil)
}

// StartTraffic creates the nodes of the port's streams and schedules the
// self-starting ones relative to start.
//
// A positive duration stops the session at start+duration.
func (m *Thread) StartTraffic(port uint8, start float64, duration float64) error {
	if m.env.Program == nil {
		return fmt.Errorf("failed to start traffic on port %d: no stream program", port)
	}
	p := &m.ports[port]
	if p.running {
		return fmt.Errorf("failed to start traffic on port %d: already running", port)
	}

	ids := m.env.Program.PortStreams(port)
	if len(ids) == 0 {
		return fmt.Errorf("failed to start traffic on port %d: no streams", port)
	}

	refs := make(map[stream.ID]node.Ref, len(ids))
	for _, id := range ids {
		ref, n, err := m.env.Nodes.Alloc(node.KindTraffic)
		if err == nil {
			err = n.Traffic().Create(m.env, m.env.Stream(id), m.cfg.Socket)
			refs[id] = ref
		}
		if err != nil {
			m.releaseRefs(refs)
			return fmt.Errorf("failed to start traffic on port %d: %w", port, err)
		}
	}

	p.gen++
	p.running = true
	p.active = 0

	for _, id := range ids {
		s := m.env.Stream(id)
		tn := m.env.Nodes.Get(refs[id]).Traffic()
		if s.Next != stream.NoStream {
			tn.Link(refs[s.Next])
		}
		if s.SelfStart {
			tn.SetState(node.StateActive)
			tn.UpdateRefreshTime(m.env, start)
			m.Push(tn.Node())
			p.active++
		}
	}

	if duration > 0 {
		if err := m.enqueue(stopCommand{port: port, gen: p.gen}, start+duration); err != nil {
			m.StopTraffic(port)
			return fmt.Errorf("failed to schedule the end of traffic on port %d: %w", port, err)
		}
	}

	m.log.Infow("started traffic",
		zap.Uint8("port", port),
		zap.Int("streams", len(ids)),
		zap.Int("chains", p.active),
		zap.Float64("start", start),
	)

	return nil
}

// StartReplay schedules a capture replay at start. The port stops when the
// replay is done.
//
// The thread owns the reader; it is closed on failure when it implements
// io.Closer.
func (m *Thread) StartReplay(reader capture.Reader, cfg node.ReplayConfig, start float64, duration float64) error {
	p := &m.ports[cfg.Port]

	ref, n, err := m.env.Nodes.Alloc(node.KindReplay)
	if err != nil {
		closeReader(reader)
		return fmt.Errorf("failed to start replay on port %d: %w", cfg.Port, err)
	}

	rn := n.Replay()
	if err := rn.Create(m.env, reader, cfg); err != nil {
		closeReader(reader)
		m.env.Nodes.Release(ref)
		return fmt.Errorf("failed to start replay on port %d: %w", cfg.Port, err)
	}

	if !p.running {
		p.gen++
		p.running = true
	}

	n.Time = start
	m.Push(n)

	if duration > 0 {
		if err := m.enqueue(stopCommand{port: cfg.Port, gen: p.gen}, start+duration); err != nil {
			m.StopTraffic(cfg.Port)
			return fmt.Errorf("failed to schedule the end of replay on port %d: %w", cfg.Port, err)
		}
	}

	m.log.Infow("started replay", zap.Uint8("port", cfg.Port), zap.Float64("start", start))

	return nil
}

func closeReader(reader capture.Reader) {
	if closer, ok := reader.(io.Closer); ok {
		closer.Close()
	}
}

func (m *Thread) releaseRefs(refs map[stream.ID]node.Ref) {
	for _, ref := range refs {
		n := m.env.Nodes.Get(ref)
		n.Free(m.env)
		m.env.Nodes.Release(ref)
	}
}

// forPort calls fn for every traffic node of the port that is still alive.
func (m *Thread) forPort(port uint8, fn func(*node.TrafficNode)) int {
	count := 0
	m.env.Nodes.All(func(_ node.Ref, n *node.Node) bool {
		if n.Kind == node.KindTraffic && n.Port == port && !n.IsMarkedForFree() {
			fn(n.Traffic())
			count++
		}
		return true
	})
	return count
}

// IsRunning reports whether the port has traffic.
func (m *Thread) IsRunning(port uint8) bool {
	return m.ports[port].running
}

func (m *Thread) idle() bool {
	for idx := range m.ports {
		if m.ports[idx].running {
			return false
		}
	}
	return m.queue.Len() == 0
}

func (m *Thread) reclaim(ref node.Ref, n *node.Node) {
	n.Free(m.env)
	if m.env.Nodes.Release(ref) {
		m.reclaimed.Add(1)
		m.metrics.Reclaimed(m.cfg.ID, 1)
	}
}

func (m *Thread) emit(kind EventKind, port uint8, err error) {
	ev := Event{
		Worker: m.cfg.ID,
		Kind:   kind,
		Port:   port,
		Time:   m.now,
		Err:    err,
	}

	select {
	case m.events <- ev:
	default:
		m.log.Debugw("dropped worker event", zap.Stringer("kind", kind))
	}
}

////////////////////////////////////////////////////////////////////////////////

// enqueue wraps the command into a node due at ts.
func (m *Thread) enqueue(cmd node.Command, ts float64) error {
	_, n, err := m.env.Nodes.Alloc(node.KindCommand)
	if err != nil {
		return err
	}

	n.Command().Create(m.env, cmd)
	n.Time = ts
	m.Push(n)

	return nil
}

// accept schedules a command from the mailbox at the current time.
func (m *Thread) accept(cmd node.Command) {
	if err := m.enqueue(cmd, max(m.now, m.clock.Now())); err != nil {
		m.log.Errorw("dropped command", zap.Error(err))
		m.emit(EventCommandFailed, 0, err)
	}
}

func (m *Thread) drainMailbox() {
	for {
		select {
		case cmd := <-m.mailbox.ch:
			m.accept(cmd)
		default:
			return
		}
	}
}

// Step handles the earliest event. Returns false when the queue is empty.
func (m *Thread) Step() bool {
	ts, ref, ok := m.queue.Pop()
	if !ok {
		return false
	}

	n := m.env.Nodes.Get(ref)
	n.Flags.Set(node.FlagQueued, false)

	if n.IsMarkedForFree() {
		m.reclaim(ref, n)
		return true
	}

	m.clock.Advance(ts)
	m.now = ts

	n.Handle(m)

	if n.Kind == node.KindCommand && n.IsMarkedForFree() {
		m.reclaim(ref, n)
	}

	return true
}

// Run handles events until the context is canceled, or until the worker
// is idle when ExitIdle is set.
func (m *Thread) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if m.cfg.CPU >= 0 {
		if err := pinCPU(m.cfg.CPU); err != nil {
			return fmt.Errorf("failed to pin worker to CPU %d: %w", m.cfg.CPU, err)
		}
	}

	m.log.Infow("running worker", zap.Int("cpu", m.cfg.CPU), zap.Stringer("policy", m.cfg.Policy))
	defer m.log.Infow("stopped worker", zap.Float64("time", m.now))
	defer m.shutdown()

	for {
		if ctx.Err() != nil {
			return nil
		}

		m.drainMailbox()

		ts, _, ok := m.queue.Peek()
		if !ok {
			if m.cfg.ExitIdle && m.idle() {
				return nil
			}
			select {
			case <-ctx.Done():
			case cmd := <-m.mailbox.ch:
				m.accept(cmd)
			}
			continue
		}

		if d := m.clock.Until(ts); d > 0 {
			m.sleep(ctx, d)
			continue
		}

		m.Step()
	}
}

func (m *Thread) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case cmd := <-m.mailbox.ch:
		m.accept(cmd)
	case <-timer.C:
	}
}

// shutdown stops every port and releases all nodes.
func (m *Thread) shutdown() {
	for port := range m.ports {
		m.StopTraffic(uint8(port))
	}
	for {
		_, ref, ok := m.queue.Pop()
		if !ok {
			break
		}
		m.reclaim(ref, m.env.Nodes.Get(ref))
	}
}
