package southbound

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Headers is what the control loop needs from a packet-in payload.
type Headers struct {
	EthType layers.EthernetType
	IsARP   bool
	IsIPv4  bool
	IsTCP   bool
	SrcIP   string
	DstIP   string
	Proto   uint8
	SrcPort uint16
	DstPort uint16
}

// DecodeHeaders parses an Ethernet frame. Non-IPv4 frames decode without
// error and only report their EtherType.
func DecodeHeaders(data []byte) (Headers, error) {
	var h Headers
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	eth, ok := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return h, fmt.Errorf("decode headers: no ethernet layer")
	}
	h.EthType = eth.EthernetType

	if packet.Layer(layers.LayerTypeARP) != nil || eth.EthernetType == layers.EthernetTypeARP {
		h.IsARP = true
		return h, nil
	}

	ip, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return h, nil
	}
	h.IsIPv4 = true
	h.SrcIP = ip.SrcIP.String()
	h.DstIP = ip.DstIP.String()
	h.Proto = uint8(ip.Protocol)

	if tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		h.IsTCP = true
		h.SrcPort = uint16(tcp.SrcPort)
		h.DstPort = uint16(tcp.DstPort)
	}
	if err := packet.ErrorLayer(); err != nil && !h.IsTCP && h.Proto == uint8(layers.IPProtocolTCP) {
		return h, fmt.Errorf("decode headers: %w", err.Error())
	}
	return h, nil
}
