package worker

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/yanet-platform/tgen/dataplane/capture"
	"github.com/yanet-platform/tgen/dataplane/node"
)

func thread(t node.Thread) *Thread {
	m, ok := t.(*Thread)
	if !ok {
		panic(fmt.Sprintf("worker command executed by %T", t))
	}
	return m
}

type startCommand struct {
	port     uint8
	duration float64
}

// Start starts the port's stream program at the time the worker gets the
// command. A positive duration in seconds stops it afterwards.
func Start(port uint8, duration float64) node.Command {
	return startCommand{port: port, duration: duration}
}

func (c startCommand) Execute(t node.Thread) {
	m := thread(t)
	if err := m.StartTraffic(c.port, m.now, c.duration); err != nil {
		m.log.Errorw("failed to start traffic", zap.Error(err))
		m.emit(EventCommandFailed, c.port, err)
	}
}

type stopCommand struct {
	port uint8
	// gen is the session to stop, zero for any.
	gen uint32
}

// Stop stops the port's traffic.
func Stop(port uint8) node.Command {
	return stopCommand{port: port}
}

func (c stopCommand) Execute(t node.Thread) {
	m := thread(t)
	if c.gen != 0 && c.gen != m.ports[c.port].gen {
		return
	}
	m.StopTraffic(c.port)
}

type stopAllCommand struct{}

// StopAll stops every port.
func StopAll() node.Command {
	return stopAllCommand{}
}

func (stopAllCommand) Execute(t node.Thread) {
	m := thread(t)
	for port := range m.ports {
		m.StopTraffic(uint8(port))
	}
}

type rateCommand struct {
	port   uint8
	factor float64
}

// UpdateRate multiplies the packet rate of the port's streams by factor.
func UpdateRate(port uint8, factor float64) node.Command {
	return rateCommand{port: port, factor: factor}
}

func (c rateCommand) Execute(t node.Thread) {
	m := thread(t)
	if c.factor <= 0 {
		err := fmt.Errorf("invalid rate factor %v", c.factor)
		m.log.Errorw("failed to update rate", zap.Uint8("port", c.port), zap.Error(err))
		m.emit(EventCommandFailed, c.port, err)
		return
	}

	count := m.forPort(c.port, func(tn *node.TrafficNode) {
		tn.UpdateRate(c.factor)
	})
	m.log.Infow("updated rate",
		zap.Uint8("port", c.port),
		zap.Float64("factor", c.factor),
		zap.Int("nodes", count),
	)
}

type pauseCommand struct {
	port  uint8
	pause bool
}

// Pause silences the port's streams, or resumes them. Paused streams keep
// their timing.
func Pause(port uint8, pause bool) node.Command {
	return pauseCommand{port: port, pause: pause}
}

func (c pauseCommand) Execute(t node.Thread) {
	m := thread(t)
	m.forPort(c.port, func(tn *node.TrafficNode) {
		tn.SetPause(c.pause)
	})
}

type replayCommand struct {
	reader   capture.Reader
	cfg      node.ReplayConfig
	duration float64
}

// Replay starts replaying the capture. The worker owns the reader from now
// on and closes it when it implements io.Closer.
func Replay(reader capture.Reader, cfg node.ReplayConfig, duration float64) node.Command {
	return replayCommand{reader: reader, cfg: cfg, duration: duration}
}

func (c replayCommand) Execute(t node.Thread) {
	m := thread(t)
	if err := m.StartReplay(c.reader, c.cfg, m.now, c.duration); err != nil {
		m.log.Errorw("failed to start replay", zap.Error(err))
		m.emit(EventCommandFailed, c.cfg.Port, err)
	}
}

type dumpCommand struct {
	w    io.Writer
	done chan<- struct{}
}

// Dump writes the traffic nodes to w and closes done.
func Dump(w io.Writer, done chan<- struct{}) node.Command {
	return dumpCommand{w: w, done: done}
}

func (c dumpCommand) Execute(t node.Thread) {
	m := thread(t)
	defer close(c.done)

	node.DumpHeader(c.w)
	m.env.Nodes.All(func(_ node.Ref, n *node.Node) bool {
		if n.Kind == node.KindTraffic {
			n.Traffic().Dump(c.w)
		}
		return true
	})
}
