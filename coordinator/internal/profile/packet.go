package profile

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/yanet-platform/tgen/common/go/xpacket"
)

const (
	defaultSrcMAC = "02:00:00:00:00:01"
	defaultDstMAC = "02:00:00:00:00:02"
	defaultSrcIP  = "10.0.0.1"
	defaultDstIP  = "10.0.0.2"
)

// Template is a serialized packet with the offsets of its headers.
type Template struct {
	Data []byte
	// L3 and L4 are the offsets of the network and transport headers.
	L3   int
	L4   int
	IPv6 bool
}

func orDefault(s string, def string) string {
	if s == "" {
		return def
	}
	return s
}

// parseMAC parses an Ethernet address. EUI-64 and InfiniBand forms accepted
// by net.ParseMAC do not fit the frame header and are rejected.
func parseMAC(s string) (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, err
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("%q is a %d-byte address, want 6", s, len(mac))
	}
	return mac, nil
}

// BuildPacket serializes the template described by cfg.
func BuildPacket(cfg PacketConfig) (*Template, error) {
	srcMAC, err := parseMAC(orDefault(cfg.SrcMAC, defaultSrcMAC))
	if err != nil {
		return nil, fmt.Errorf("failed to parse source MAC: %w", err)
	}
	dstMAC, err := parseMAC(orDefault(cfg.DstMAC, defaultDstMAC))
	if err != nil {
		return nil, fmt.Errorf("failed to parse destination MAC: %w", err)
	}
	srcIP, err := netip.ParseAddr(orDefault(cfg.SrcIP, defaultSrcIP))
	if err != nil {
		return nil, fmt.Errorf("failed to parse source IP: %w", err)
	}
	dstIP, err := netip.ParseAddr(orDefault(cfg.DstIP, defaultDstIP))
	if err != nil {
		return nil, fmt.Errorf("failed to parse destination IP: %w", err)
	}
	if srcIP.Is4() != dstIP.Is4() {
		return nil, fmt.Errorf("mixed address families: %s and %s", srcIP, dstIP)
	}

	tpl := &Template{IPv6: !srcIP.Is4()}
	lyrs := []gopacket.SerializableLayer{}

	eth := &layers.Ethernet{
		SrcMAC: srcMAC,
		DstMAC: dstMAC,
	}
	lyrs = append(lyrs, eth)
	tpl.L3 = 14

	l3Type := layers.EthernetTypeIPv4
	if tpl.IPv6 {
		l3Type = layers.EthernetTypeIPv6
	}
	if cfg.VLAN != 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		lyrs = append(lyrs, &layers.Dot1Q{
			VLANIdentifier: cfg.VLAN,
			Type:           l3Type,
		})
		tpl.L3 += 4
	} else {
		eth.EthernetType = l3Type
	}

	proto := layers.IPProtocolUDP
	switch cfg.Proto {
	case "", "udp":
	case "tcp":
		proto = layers.IPProtocolTCP
	default:
		return nil, fmt.Errorf("unsupported protocol %q", cfg.Proto)
	}

	var network gopacket.NetworkLayer
	if tpl.IPv6 {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: proto,
			SrcIP:      srcIP.AsSlice(),
			DstIP:      dstIP.AsSlice(),
		}
		network = ip
		lyrs = append(lyrs, ip)
		tpl.L4 = tpl.L3 + 40
	} else {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: proto,
			SrcIP:    srcIP.AsSlice(),
			DstIP:    dstIP.AsSlice(),
		}
		network = ip
		lyrs = append(lyrs, ip)
		tpl.L4 = tpl.L3 + 20
	}

	headerLen := tpl.L4
	switch proto {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(cfg.SrcPort),
			DstPort: layers.TCPPort(cfg.DstPort),
			SYN:     true,
			Window:  65535,
		}
		if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, fmt.Errorf("failed to set checksum layer: %w", err)
		}
		lyrs = append(lyrs, tcp)
		headerLen += 20
	default:
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(cfg.SrcPort),
			DstPort: layers.UDPPort(cfg.DstPort),
		}
		if err := udp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, fmt.Errorf("failed to set checksum layer: %w", err)
		}
		lyrs = append(lyrs, udp)
		headerLen += 8
	}

	size := cfg.Size
	if size == 0 {
		size = max(headerLen, xpacket.MinFrameSize)
	}
	if size < xpacket.MinFrameSize {
		return nil, fmt.Errorf("frame size %d is below the minimum of %d", size, xpacket.MinFrameSize)
	}
	if size < headerLen {
		return nil, fmt.Errorf("frame size %d is below the %d bytes of headers", size, headerLen)
	}
	lyrs = append(lyrs, gopacket.Payload(make([]byte, size-headerLen)))

	tpl.Data, err = xpacket.Serialize(lyrs...)
	if err != nil {
		return nil, err
	}

	return tpl, nil
}

// FieldOffset returns the frame offset and the width of a named header
// field.
func (m *Template) FieldOffset(field string) (int, uint8, error) {
	switch field {
	case "src_ip":
		if m.IPv6 {
			// The low 64 bits of the address.
			return m.L3 + 8 + 8, 8, nil
		}
		return m.L3 + 12, 4, nil
	case "dst_ip":
		if m.IPv6 {
			return m.L3 + 24 + 8, 8, nil
		}
		return m.L3 + 16, 4, nil
	case "src_port":
		return m.L4, 2, nil
	case "dst_port":
		return m.L4 + 2, 2, nil
	default:
		return 0, 0, fmt.Errorf("unknown field %q", field)
	}
}
