package xpacket

import (
	"fmt"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"
)

// MinFrameSize is the minimal Ethernet frame size without FCS.
const MinFrameSize = 60

var serializeOptions = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// Serialize serializes the layers into a raw frame.
func Serialize(lyrs ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()

	if err := gopacket.SerializeLayers(buf, serializeOptions, lyrs...); err != nil {
		return nil, fmt.Errorf("failed to serialize layers: %w", err)
	}

	return buf.Bytes(), nil
}

// LayersToPacket serializes the layers and parses them back, failing the test
// on any error.
func LayersToPacket(t *testing.T, lyrs ...gopacket.SerializableLayer) gopacket.Packet {
	pkt, err := LayersToPacketChecked(lyrs...)
	require.NoError(t, err, "%#+v", lyrs)
	return pkt
}

func LayersToPacketChecked(lyrs ...gopacket.SerializableLayer) (gopacket.Packet, error) {
	data, err := Serialize(lyrs...)
	if err != nil {
		return nil, err
	}

	pkt := ParseEtherPacket(data)
	if pkt.ErrorLayer() != nil {
		return nil, fmt.Errorf("failed to parse packet: %v", pkt.ErrorLayer())
	}

	return pkt, nil
}

func ParseEtherPacket(data []byte) gopacket.Packet {
	// Pad the packet with zero bytes to align its size at 60 bytes
	// https://github.com/google/gopacket/issues/361
	if len(data) < MinFrameSize {
		var zeros [MinFrameSize]byte
		data = append(data, zeros[:MinFrameSize-len(data)]...)
	}

	return gopacket.NewPacket(
		data,
		layers.LayerTypeEthernet,
		gopacket.Default,
	)
}
