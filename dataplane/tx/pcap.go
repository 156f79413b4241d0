package tx

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/yanet-platform/tgen/dataplane/node"
)

// PcapSink writes every packet into a pcap stream.
//
// Safe for concurrent use, so that several workers can share one output.
type PcapSink struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	start  time.Time
}

// CreatePcap creates the file and writes the pcap header.
func CreatePcap(path string, start time.Time) (*PcapSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcap file: %w", err)
	}

	sink, err := NewPcapSink(f, start)
	if err != nil {
		f.Close()
		return nil, err
	}
	sink.closer = f

	return sink, nil
}

// NewPcapSink writes a nanosecond pcap header to w. Packet times are
// offsets from start.
func NewPcapSink(w io.Writer, start time.Time) (*PcapSink, error) {
	pw := pcapgo.NewWriterNanos(w)
	if err := pw.WriteFileHeader(math.MaxUint16, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}

	return &PcapSink{
		w:     pw,
		start: start,
	}, nil
}

// Send implements Transmitter.
func (m *PcapSink) Send(ts float64, port uint8, dir node.Dir, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.w == nil {
		return ErrClosed
	}

	ci := gopacket.CaptureInfo{
		Timestamp:      m.start.Add(time.Duration(ts * float64(time.Second))),
		CaptureLength:  len(data),
		Length:         len(data),
		InterfaceIndex: int(port)<<1 | int(dir),
	}
	if err := m.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}

	return nil
}

// Close closes the underlying file, if the sink owns one.
func (m *PcapSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.w = nil
	if m.closer == nil {
		return nil
	}

	err := m.closer.Close()
	m.closer = nil
	return err
}
