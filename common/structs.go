package common

import (
	"fmt"
	"strconv"
	"strings"
)

type SwitchID uint64

type PortNo uint32

// PortController is the reserved output port that punts packets to the controller.
const PortController PortNo = 0xfffffffd

// PortFlood floods out of every port except the ingress one.
const PortFlood PortNo = 0xfffffffb

func (s SwitchID) String() string {
	return "s" + strconv.FormatUint(uint64(s), 10)
}

// Endpoint is one end of a directional link.
type Endpoint struct {
	Switch SwitchID
	Port   PortNo
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Switch, e.Port)
}

// Link is one direction of a physical switch-to-switch connection.
type Link struct {
	From     SwitchID
	FromPort PortNo
	To       SwitchID
	ToPort   PortNo
	Up       bool
}

func (l Link) Reverse() Link {
	return Link{From: l.To, FromPort: l.ToPort, To: l.From, ToPort: l.FromPort, Up: l.Up}
}

func (l Link) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", l.From, l.FromPort, l.To, l.ToPort)
}

// SamePair reports whether both links describe the same physical pair,
// regardless of direction.
func (l Link) SamePair(o Link) bool {
	if l.From == o.From && l.FromPort == o.FromPort && l.To == o.To && l.ToPort == o.ToPort {
		return true
	}
	return l.From == o.To && l.FromPort == o.ToPort && l.To == o.From && l.ToPort == o.FromPort
}

// Path is an ordered sequence of switch hops. Paths are replaced, never edited.
type Path []SwitchID

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = strconv.FormatUint(uint64(s), 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that does not share the backing array.
func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// Traverses reports whether consecutive hops a,b or b,a appear in the path.
func (p Path) Traverses(a, b SwitchID) bool {
	for i := 0; i+1 < len(p); i++ {
		if (p[i] == a && p[i+1] == b) || (p[i] == b && p[i+1] == a) {
			return true
		}
	}
	return false
}

func (p Path) Hops() int {
	if len(p) == 0 {
		return 0
	}
	return len(p) - 1
}

func (p Path) Ingress() SwitchID { return p[0] }

func (p Path) Egress() SwitchID { return p[len(p)-1] }

type Protocol uint8

const (
	ProtocolTCP Protocol = 6
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	default:
		return "proto(" + strconv.Itoa(int(p)) + ")"
	}
}

// FlowKey identifies a transport flow. Src and Dst are IPv4 addresses in
// dotted form.
type FlowKey struct {
	Src   string
	Dst   string
	Proto Protocol
}

func (k FlowKey) String() string {
	return k.Src + "->" + k.Dst + "/" + k.Proto.String()
}

// RuleRef is an opaque handle to a rule applied on a given switch.
type RuleRef struct {
	Switch SwitchID
	Handle string
}

func (r RuleRef) String() string {
	return r.Switch.String() + "#" + r.Handle
}

// StateVector is the network summary sent to the decision oracle.
type StateVector struct {
	FlowCount       float64
	LinkUtilization float64
	RecentReward    float64
	Exploration     float64
}

func (s StateVector) ToSlice() []float64 {
	return []float64{s.FlowCount, s.LinkUtilization, s.RecentReward, s.Exploration}
}

// Network is a dense adjacency matrix indexed by switch position; -1 means
// no live link.
type Network struct {
	Links [][]int
}

// Outcome classifies how a flow's path came to be, for observability.
type Outcome int

const (
	OutcomeDecided Outcome = iota
	OutcomeFallback
	OutcomeReroutePermanentlyFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDecided:
		return "Decided"
	case OutcomeFallback:
		return "Fallback"
	case OutcomeReroutePermanentlyFailed:
		return "ReroutePermanentlyFailed"
	default:
		return "Unknown"
	}
}

// OutcomeRecorder receives per-flow outcomes.
type OutcomeRecorder interface {
	RecordOutcome(key FlowKey, outcome Outcome, path Path)
}
