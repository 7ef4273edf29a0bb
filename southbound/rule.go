package southbound

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"controlplane/common"
)

const (
	EthTypeIPv4 uint16 = 0x0800
	EthTypeARP  uint16 = 0x0806
)

// Match selects packets; zero fields are wildcards.
type Match struct {
	EthType uint16 `json:"eth_type,omitempty"`
	IPv4Src string `json:"ipv4_src,omitempty"`
	IPv4Dst string `json:"ipv4_dst,omitempty"`
	IPProto uint8  `json:"ip_proto,omitempty"`
}

// FlowMatch is the exact match used for a TCP flow's forwarding rule.
func FlowMatch(key common.FlowKey) Match {
	return Match{
		EthType: EthTypeIPv4,
		IPv4Src: key.Src,
		IPv4Dst: key.Dst,
		IPProto: uint8(key.Proto),
	}
}

func (m Match) String() string {
	return fmt.Sprintf("eth_type=0x%04x,ipv4_src=%s,ipv4_dst=%s,ip_proto=%d", m.EthType, m.IPv4Src, m.IPv4Dst, m.IPProto)
}

// Rule is a single match/output forwarding entry.
type Rule struct {
	Match       Match
	OutPort     common.PortNo
	Priority    uint16
	IdleTimeout time.Duration
	HardTimeout time.Duration
}

func (r Rule) String() string {
	return fmt.Sprintf("prio=%d %s -> port %d", r.Priority, r.Match, r.OutPort)
}

// PacketOut releases a packet buffered at a switch, or injects Data when the
// switch holds no buffer for it.
type PacketOut struct {
	BufferID uint32
	InPort   common.PortNo
	OutPort  common.PortNo
	Data     []byte
}

// NoBuffer marks a packet-in whose payload was sent in full.
const NoBuffer uint32 = 0xffffffff

// SwitchControl is the switch-facing side of the control loop. Every call is
// confirmed or fails; there is no fire-and-forget.
type SwitchControl interface {
	ApplyRule(ctx context.Context, sw common.SwitchID, rule Rule) (common.RuleRef, error)
	RemoveRule(ctx context.Context, ref common.RuleRef) error
	PacketOut(ctx context.Context, sw common.SwitchID, out PacketOut) error
}

func encodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeBytes(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
