package profile

import (
	"time"
)

// Config is a traffic profile.
type Config struct {
	// Ports lists the stream programs, one per port.
	Ports []PortConfig `yaml:"ports"`
	// Replays lists capture files to replay.
	Replays []ReplayConfig `yaml:"replays"`
	// Select holds glob patterns of stream names that transmit. The other
	// streams keep their timing and chains but stay silent. Empty selects
	// every stream.
	Select []string `yaml:"select"`
}

// PortConfig describes the streams of one port.
type PortConfig struct {
	// Port is the egress port index.
	Port uint8 `yaml:"port"`
	// Worker is the index of the worker driving the port.
	Worker int `yaml:"worker"`
	// Streams is the stream program of the port.
	Streams []StreamConfig `yaml:"streams"`
}

// StreamConfig describes a stream.
type StreamConfig struct {
	// Name must be unique within the port.
	Name string `yaml:"name"`
	// Type is one of "continuous", "single_burst", "multi_burst".
	Type string `yaml:"type"`
	// PPS is the packet rate.
	PPS float64 `yaml:"pps"`
	// Multiplier scales the rate, 1 when zero.
	Multiplier float64 `yaml:"multiplier"`
	// ISG is the inter-stream gap.
	ISG time.Duration `yaml:"isg"`
	// IBG is the inter-burst gap.
	IBG time.Duration `yaml:"ibg"`
	// PhasePre is added before every burst.
	PhasePre time.Duration `yaml:"phase_pre"`
	// PhasePost is added after every burst.
	PhasePost time.Duration `yaml:"phase_post"`
	// BurstSize is the number of packets per burst.
	BurstSize uint32 `yaml:"burst_size"`
	// Bursts is the number of bursts of a multi-burst stream.
	Bursts uint32 `yaml:"bursts"`
	// Next names the stream started when this one is done.
	Next string `yaml:"next"`
	// Loops is the number of runs of a looping stream before its chain
	// ends, zero for no limit.
	Loops uint16 `yaml:"loops"`
	// SelfStart streams start with the traffic; defaults to true.
	SelfStart *bool `yaml:"self_start"`
	// Packet is the template frame.
	Packet PacketConfig `yaml:"packet"`
	// Vars are the field variations applied to every packet.
	Vars []VarConfig `yaml:"vars"`
	// CacheSize precomputes that many variation outcomes.
	CacheSize uint16 `yaml:"cache_size"`
	// StatsID enables per stream counters under this ID when not zero.
	StatsID uint8 `yaml:"stats_id"`
	// Null streams never transmit.
	Null bool `yaml:"null"`
}

// PacketConfig describes an Ethernet/IP/L4 template.
type PacketConfig struct {
	SrcMAC string `yaml:"src_mac"`
	DstMAC string `yaml:"dst_mac"`
	// VLAN adds a 802.1Q tag when not zero.
	VLAN uint16 `yaml:"vlan"`
	// SrcIP and DstIP select IPv4 or IPv6 by their family.
	SrcIP string `yaml:"src_ip"`
	DstIP string `yaml:"dst_ip"`
	// Proto is "udp" or "tcp".
	Proto   string `yaml:"proto"`
	SrcPort uint16 `yaml:"src_port"`
	DstPort uint16 `yaml:"dst_port"`
	// Size is the frame size without FCS, the smallest valid frame when
	// zero. The payload is zero padded.
	Size int `yaml:"size"`
}

// VarConfig describes a flow variable.
type VarConfig struct {
	Name string `yaml:"name"`
	// Field is one of "src_ip", "dst_ip", "src_port", "dst_port". When
	// empty, Offset is used.
	Field string `yaml:"field"`
	// Offset is the frame offset the value is written to.
	Offset int `yaml:"offset"`
	// Size is the value width in bytes; derived from Field when zero.
	Size uint8  `yaml:"size"`
	Op   string `yaml:"op"`
	Min  uint64 `yaml:"min"`
	Max  uint64 `yaml:"max"`
	// Step is 1 when zero.
	Step uint64 `yaml:"step"`
	// Init is Min when zero.
	Init uint64 `yaml:"init"`
}

// ReplayConfig describes a capture replay.
type ReplayConfig struct {
	// File is a pcap or pcapng capture.
	File   string `yaml:"file"`
	Port   uint8  `yaml:"port"`
	Worker int    `yaml:"worker"`
	// IPG replaces the recorded gaps when set.
	IPG *time.Duration `yaml:"ipg"`
	// Speedup divides the recorded gaps, 1 when zero.
	Speedup float64 `yaml:"speedup"`
	// Count is the number of passes, 1 when zero.
	Count uint32 `yaml:"count"`
	// Dual takes the direction from the capture interface index.
	Dual bool `yaml:"dual"`
	// DstMAC and SrcMAC, when set, overwrite the frame addresses.
	DstMAC string `yaml:"dst_mac"`
	SrcMAC string `yaml:"src_mac"`
}
