package tx

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yanet-platform/tgen/dataplane/node"
)

// Metrics are the worker counters exported to prometheus.
//
// A nil *Metrics counts nothing.
type Metrics struct {
	packets           *prometheus.CounterVec
	bytes             *prometheus.CounterVec
	streamPackets     *prometheus.CounterVec
	streamBytes       *prometheus.CounterVec
	reclaimed         *prometheus.CounterVec
	allocFailures     *prometheus.CounterVec
	invalidSuccessors *prometheus.CounterVec
	session           string

	sent        counterCache
	streamsSent counterCache
}

type counterPair struct {
	packets prometheus.Counter
	bytes   prometheus.Counter
}

// counterCache keeps resolved label sets, so that the per packet path does
// not build label slices.
type counterCache struct {
	mu    sync.RWMutex
	pairs map[uint16]*counterPair
}

func (m *counterCache) lookup(key uint16) *counterPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pairs[key]
}

func (m *counterCache) add(key uint16, packets *prometheus.CounterVec, bytes *prometheus.CounterVec, labels ...string) *counterPair {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pairs[key]; ok {
		return p
	}
	if m.pairs == nil {
		m.pairs = map[uint16]*counterPair{}
	}
	p := &counterPair{
		packets: packets.WithLabelValues(labels...),
		bytes:   bytes.WithLabelValues(labels...),
	}
	m.pairs[key] = p
	return p
}

// NewMetrics creates the counters of a run and registers them.
func NewMetrics(reg prometheus.Registerer, session string) (*Metrics, error) {
	labels := []string{"session", "port", "direction"}

	m := &Metrics{
		packets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tgen_tx_packets_total",
				Help: "Packets sent by port and direction",
			},
			labels,
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tgen_tx_bytes_total",
				Help: "Bytes sent by port and direction",
			},
			labels,
		),
		streamPackets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tgen_stream_tx_packets_total",
				Help: "Packets sent by streams that request stats",
			},
			[]string{"session", "port", "stat_id"},
		),
		streamBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tgen_stream_tx_bytes_total",
				Help: "Bytes sent by streams that request stats",
			},
			[]string{"session", "port", "stat_id"},
		),
		reclaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tgen_nodes_reclaimed_total",
				Help: "Node slots returned to the pool",
			},
			[]string{"session", "worker"},
		),
		allocFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tgen_alloc_failures_total",
				Help: "Nodes put to sleep by allocation failures",
			},
			[]string{"session", "port"},
		),
		invalidSuccessors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tgen_invalid_successors_total",
				Help: "Chain transitions to nodes that could not be activated",
			},
			[]string{"session", "port"},
		),
		session: session,
	}

	for _, c := range []prometheus.Collector{
		m.packets,
		m.bytes,
		m.streamPackets,
		m.streamBytes,
		m.reclaimed,
		m.allocFailures,
		m.invalidSuccessors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func dirLabel(dir node.Dir) string {
	if dir == node.DirServer {
		return "server"
	}
	return "client"
}

func portLabel(port uint8) string {
	return strconv.Itoa(int(port))
}

// Sent counts a packet on the port.
func (m *Metrics) Sent(port uint8, dir node.Dir, size int) {
	if m == nil {
		return
	}

	key := uint16(port)<<1 | uint16(dir)
	p := m.sent.lookup(key)
	if p == nil {
		p = m.sent.add(key, m.packets, m.bytes, m.session, portLabel(port), dirLabel(dir))
	}
	p.packets.Inc()
	p.bytes.Add(float64(size))
}

// StreamSent counts a packet of a stream that requested stats.
func (m *Metrics) StreamSent(port uint8, statID uint8, size int) {
	if m == nil {
		return
	}

	key := uint16(port)<<8 | uint16(statID)
	p := m.streamsSent.lookup(key)
	if p == nil {
		p = m.streamsSent.add(key, m.streamPackets, m.streamBytes, m.session, portLabel(port), strconv.Itoa(int(statID)))
	}
	p.packets.Inc()
	p.bytes.Add(float64(size))
}

// Reclaimed counts recycled node slots.
func (m *Metrics) Reclaimed(worker int, count int) {
	if m == nil {
		return
	}

	m.reclaimed.WithLabelValues(m.session, strconv.Itoa(worker)).Add(float64(count))
}

// AllocFailed counts a node put to sleep.
func (m *Metrics) AllocFailed(port uint8) {
	if m == nil {
		return
	}

	m.allocFailures.WithLabelValues(m.session, portLabel(port)).Inc()
}

// InvalidSuccessor counts a broken chain transition.
func (m *Metrics) InvalidSuccessor(port uint8) {
	if m == nil {
		return
	}

	m.invalidSuccessors.WithLabelValues(m.session, portLabel(port)).Inc()
}
