// Package tx is the transmit path of a worker.
//
// A Transmitter gets every packet a node emits. It must not keep the data
// slice after Send returns: the buffer goes back to the pool.
package tx

import (
	"errors"
	"fmt"
	"sync"

	"github.com/yanet-platform/tgen/dataplane/node"
)

// ErrClosed is returned by sinks after Close.
var ErrClosed = errors.New("transmitter is closed")

// Transmitter sends a frame out of a port.
type Transmitter interface {
	// Send transmits data on the port at the time ts, in seconds since the
	// traffic start.
	Send(ts float64, port uint8, dir node.Dir, data []byte) error
}

// Discard drops every packet.
type Discard struct{}

// Send implements Transmitter.
func (Discard) Send(float64, uint8, node.Dir, []byte) error {
	return nil
}

// Packet is a frame seen by a Recorder.
type Packet struct {
	Time float64
	Port uint8
	Dir  node.Dir
	Data []byte
}

// Recorder keeps a copy of every packet.
type Recorder struct {
	mu      sync.Mutex
	packets []Packet
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Send implements Transmitter.
func (m *Recorder) Send(ts float64, port uint8, dir node.Dir, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.packets = append(m.packets, Packet{
		Time: ts,
		Port: port,
		Dir:  dir,
		Data: append([]byte(nil), data...),
	})
	return nil
}

// Packets returns the packets recorded so far.
func (m *Recorder) Packets() []Packet {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Packet(nil), m.packets...)
}

// Times returns the send time of every recorded packet.
func (m *Recorder) Times() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]float64, 0, len(m.packets))
	for _, p := range m.packets {
		out = append(out, p.Time)
	}
	return out
}

// Len returns the number of recorded packets.
func (m *Recorder) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.packets)
}

// Multi sends every packet to all transmitters, stopping at the first error.
func Multi(txs ...Transmitter) Transmitter {
	return multi(txs)
}

type multi []Transmitter

func (m multi) Send(ts float64, port uint8, dir node.Dir, data []byte) error {
	for idx, tx := range m {
		if err := tx.Send(ts, port, dir, data); err != nil {
			return fmt.Errorf("failed to send to transmitter %d: %w", idx, err)
		}
	}
	return nil
}
