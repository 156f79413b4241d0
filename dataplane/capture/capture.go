// Package capture reads prerecorded packet sequences for replay.
package capture

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcapgo"
)

// ErrEmpty is returned when a capture holds no packets.
var ErrEmpty = errors.New("capture is empty")

// Record is a single captured packet.
type Record struct {
	// Time is the capture timestamp in seconds. File readers count it from
	// the first record so that deltas keep full precision.
	Time float64
	// Data is the raw frame. Readers reuse the slice between reads.
	Data []byte
	// Interface is the capture interface index, bit 0 selects the direction
	// when a dual capture is replayed.
	Interface uint8
}

// Reader yields records in capture order.
type Reader interface {
	// ReadRecord fills the record with the next packet, returning false at
	// the end of the capture or on a corrupt record.
	ReadRecord(rec *Record) bool
	// Rewind restarts the capture from its first record.
	Rewind() error
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// FileReader reads pcap and pcapng files.
type FileReader struct {
	src  io.ReadSeeker
	file *os.File
	pr   packetReader
	err  error
	base time.Time
}

// Open opens a capture file, detecting the format by its magic number.
func Open(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}

	r, err := NewFileReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture %s: %w", path, err)
	}
	r.file = f

	return r, nil
}

// NewFileReader reads a capture from an arbitrary seekable source.
func NewFileReader(src io.ReadSeeker) (*FileReader, error) {
	r := &FileReader{src: src}
	if err := r.reset(); err != nil {
		return nil, err
	}
	return r, nil
}

var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

func (m *FileReader) reset() error {
	if _, err := m.src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}

	br := bufio.NewReader(m.src)
	magic, err := br.Peek(4)
	if err != nil {
		return fmt.Errorf("failed to read magic: %w", err)
	}

	if bytes.Equal(magic, ngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return fmt.Errorf("failed to create pcapng reader: %w", err)
		}
		m.pr = ng
		return nil
	}

	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return fmt.Errorf("failed to create pcap reader: %w", err)
	}
	m.pr = pr
	return nil
}

// ReadRecord implements Reader.
func (m *FileReader) ReadRecord(rec *Record) bool {
	if m.pr == nil {
		return false
	}

	data, ci, err := m.pr.ReadPacketData()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			m.err = err
		}
		return false
	}

	if m.base.IsZero() {
		m.base = ci.Timestamp
	}
	rec.Time = ci.Timestamp.Sub(m.base).Seconds()
	rec.Data = append(rec.Data[:0], data...)
	rec.Interface = uint8(ci.InterfaceIndex)

	return true
}

// Rewind implements Reader.
func (m *FileReader) Rewind() error {
	m.err = nil
	m.base = time.Time{}
	if err := m.reset(); err != nil {
		m.pr = nil
		return err
	}
	return nil
}

// Err returns the last non-EOF read error.
func (m *FileReader) Err() error {
	return m.err
}

// Close closes the underlying file when the reader owns it.
func (m *FileReader) Close() error {
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// SliceReader replays records held in memory.
type SliceReader struct {
	records []Record
	pos     int
}

// NewSliceReader creates a reader over the records.
func NewSliceReader(records ...Record) *SliceReader {
	return &SliceReader{records: records}
}

// ReadRecord implements Reader.
func (m *SliceReader) ReadRecord(rec *Record) bool {
	if m.pos >= len(m.records) {
		return false
	}

	src := &m.records[m.pos]
	m.pos++

	rec.Time = src.Time
	rec.Data = append(rec.Data[:0], src.Data...)
	rec.Interface = src.Interface

	return true
}

// Rewind implements Reader.
func (m *SliceReader) Rewind() error {
	m.pos = 0
	return nil
}
