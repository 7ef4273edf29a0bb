package southbound

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"controlplane/common"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// AppliedRule is a rule held by the in-memory agent.
type AppliedRule struct {
	Ref  common.RuleRef
	Rule Rule
}

// MemoryAgent keeps switch flow tables in process. It backs the "memory"
// southbound mode and the agent server in tests, and can inject failures.
type MemoryAgent struct {
	mu         sync.Mutex
	rules      map[common.SwitchID]map[string]Rule
	failures   map[common.SwitchID]int
	down       map[common.SwitchID]bool
	applyLog   []common.SwitchID
	removeLog  []common.RuleRef
	packetOuts []PacketOutRecord
	hook       func(sw common.SwitchID, rule Rule)
}

type PacketOutRecord struct {
	Switch common.SwitchID
	Out    PacketOut
}

func NewMemoryAgent() *MemoryAgent {
	return &MemoryAgent{
		rules:    make(map[common.SwitchID]map[string]Rule),
		failures: make(map[common.SwitchID]int),
		down:     make(map[common.SwitchID]bool),
	}
}

// FailNext makes the next n calls touching sw fail.
func (m *MemoryAgent) FailNext(sw common.SwitchID, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[sw] = n
}

// SetDown makes every call touching sw fail until cleared.
func (m *MemoryAgent) SetDown(sw common.SwitchID, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[sw] = down
}

// OnApply registers a callback invoked after each confirmed rule.
func (m *MemoryAgent) OnApply(hook func(sw common.SwitchID, rule Rule)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

func (m *MemoryAgent) failLocked(sw common.SwitchID) error {
	if m.down[sw] {
		return fmt.Errorf("switch %s not responding", sw)
	}
	if m.failures[sw] > 0 {
		m.failures[sw]--
		return fmt.Errorf("switch %s rejected request", sw)
	}
	return nil
}

func (m *MemoryAgent) ApplyRule(ctx context.Context, sw common.SwitchID, rule Rule) (common.RuleRef, error) {
	if err := ctx.Err(); err != nil {
		return common.RuleRef{}, err
	}
	m.mu.Lock()
	if err := m.failLocked(sw); err != nil {
		m.mu.Unlock()
		return common.RuleRef{}, err
	}
	if m.rules[sw] == nil {
		m.rules[sw] = make(map[string]Rule)
	}
	ref := common.RuleRef{Switch: sw, Handle: uuid.NewString()}
	m.rules[sw][ref.Handle] = rule
	m.applyLog = append(m.applyLog, sw)
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		hook(sw, rule)
	}
	log.Debugf("MemoryAgent.ApplyRule: %s %s", ref, rule)
	return ref, nil
}

func (m *MemoryAgent) RemoveRule(ctx context.Context, ref common.RuleRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(ref.Switch); err != nil {
		return err
	}
	// removing an unknown rule is confirmed; it may have timed out already
	delete(m.rules[ref.Switch], ref.Handle)
	m.removeLog = append(m.removeLog, ref)
	return nil
}

func (m *MemoryAgent) PacketOut(ctx context.Context, sw common.SwitchID, out PacketOut) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(sw); err != nil {
		return err
	}
	m.packetOuts = append(m.packetOuts, PacketOutRecord{Switch: sw, Out: out})
	return nil
}

// Rules lists the rules installed on a switch ordered by handle.
func (m *MemoryAgent) Rules(sw common.SwitchID) []AppliedRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AppliedRule, 0, len(m.rules[sw]))
	for h, r := range m.rules[sw] {
		out = append(out, AppliedRule{Ref: common.RuleRef{Switch: sw, Handle: h}, Rule: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.Handle < out[j].Ref.Handle })
	return out
}

// RuleCount counts rules across all switches.
func (m *MemoryAgent) RuleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rs := range m.rules {
		n += len(rs)
	}
	return n
}

func (m *MemoryAgent) HasRule(ref common.RuleRef) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rules[ref.Switch][ref.Handle]
	return ok
}

// ApplyOrder returns the switch of every confirmed rule in order.
func (m *MemoryAgent) ApplyOrder() []common.SwitchID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]common.SwitchID(nil), m.applyLog...)
}

func (m *MemoryAgent) Removed() []common.RuleRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]common.RuleRef(nil), m.removeLog...)
}

func (m *MemoryAgent) PacketOuts() []PacketOutRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PacketOutRecord(nil), m.packetOuts...)
}
