package installer

import (
	"context"
	"fmt"
	"time"

	"controlplane/common"
	"controlplane/southbound"
	"controlplane/topology"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	PriorityTableMiss uint16 = 0
	PriorityARP       uint16 = 5
	PriorityFlow      uint16 = 10
)

type Config struct {
	Priority         uint16
	IdleTimeout      time.Duration
	HardTimeout      time.Duration
	MaxApplyAttempts int
	ApplyBackoff     time.Duration
	MaxApplyBackoff  time.Duration
	// ApplyTimeout bounds one switch call.
	ApplyTimeout time.Duration
	// RemoveParallelism caps concurrent removals.
	RemoveParallelism int
}

func DefaultConfig() Config {
	return Config{
		Priority:          PriorityFlow,
		IdleTimeout:       120 * time.Second,
		HardTimeout:       300 * time.Second,
		MaxApplyAttempts:  3,
		ApplyBackoff:      50 * time.Millisecond,
		MaxApplyBackoff:   200 * time.Millisecond,
		ApplyTimeout:      time.Second,
		RemoveParallelism: 8,
	}
}

// FirstPacket is the packet-in that triggered an installation, still held
// at its ingress switch.
type FirstPacket struct {
	Switch   common.SwitchID
	InPort   common.PortNo
	BufferID uint32
	Data     []byte
}

// HopRule is the rule for one switch of a path.
type HopRule struct {
	Switch common.SwitchID
	Rule   southbound.Rule
	// Next is the downstream switch; unset when Egress.
	Next   common.SwitchID
	Egress bool
}

type Installer struct {
	topo    *topology.TopologyManager
	control southbound.SwitchControl
	config  Config
}

func NewInstaller(topo *topology.TopologyManager, control southbound.SwitchControl, config Config) *Installer {
	if config.MaxApplyAttempts <= 0 {
		config.MaxApplyAttempts = 1
	}
	if config.RemoveParallelism <= 0 {
		config.RemoveParallelism = 8
	}
	return &Installer{topo: topo, control: control, config: config}
}

// BuildRules computes one rule per switch, in path order. Every transit hop
// outputs on the live link toward the next switch; the egress switch outputs
// on the destination host's port.
func (in *Installer) BuildRules(key common.FlowKey, path common.Path) ([]HopRule, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty path for %s", common.ErrInvalidPath, key)
	}
	dstHost, ok := in.topo.HostByIP(key.Dst)
	if !ok {
		return nil, fmt.Errorf("%w: destination %s has no known attachment", common.ErrInvalidPath, key.Dst)
	}
	if srcHost, ok := in.topo.HostByIP(key.Src); ok && srcHost.Switch != path.Ingress() {
		return nil, fmt.Errorf("%w: %s does not start at %s's switch %s", common.ErrInvalidPath, path, key.Src, srcHost.Switch)
	}
	if dstHost.Switch != path.Egress() {
		return nil, fmt.Errorf("%w: %s does not end at %s's switch %s", common.ErrInvalidPath, path, key.Dst, dstHost.Switch)
	}

	match := southbound.FlowMatch(key)
	rules := make([]HopRule, 0, len(path))
	for i := 0; i+1 < len(path); i++ {
		port, ok := in.topo.OutPort(path[i], path[i+1])
		if !ok {
			return nil, fmt.Errorf("%w: no live link %s->%s", common.ErrStale, path[i], path[i+1])
		}
		rules = append(rules, HopRule{Switch: path[i], Next: path[i+1], Rule: in.flowRule(match, port)})
	}
	rules = append(rules, HopRule{Switch: path.Egress(), Egress: true, Rule: in.flowRule(match, dstHost.Port)})
	return rules, nil
}

func (in *Installer) flowRule(match southbound.Match, port common.PortNo) southbound.Rule {
	return southbound.Rule{
		Match:       match,
		OutPort:     port,
		Priority:    in.config.Priority,
		IdleTimeout: in.config.IdleTimeout,
		HardTimeout: in.config.HardTimeout,
	}
}

// InstallPath applies the path's rules from the egress switch back to the
// ingress so every downstream hop forwards before traffic reaches it. The
// path counts as installed only when every rule is confirmed; on failure the
// rules applied so far are removed. Errors wrap common.ErrInvalidPath,
// common.ErrStale or common.ErrUnreachable.
func (in *Installer) InstallPath(ctx context.Context, key common.FlowKey, path common.Path, first *FirstPacket) ([]common.RuleRef, error) {
	rules, err := in.BuildRules(key, path)
	if err != nil {
		log.Warnf("InstallPath: flow=%s, path=%s rejected: %v", key, path, err)
		return nil, err
	}

	applied := make([]common.RuleRef, 0, len(rules))
	for i := len(rules) - 1; i >= 0; i-- {
		hop := rules[i]
		if !hop.Egress {
			if port, ok := in.topo.OutPort(hop.Switch, hop.Next); !ok || port != hop.Rule.OutPort {
				in.rollback(key, applied)
				return nil, fmt.Errorf("%w: link %s->%s went down during install", common.ErrStale, hop.Switch, hop.Next)
			}
		}
		ref, err := in.ApplyRule(ctx, hop.Switch, hop.Rule)
		if err != nil {
			in.rollback(key, applied)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s: %v", common.ErrUnreachable, hop.Switch, err)
		}
		applied = append(applied, ref)
	}

	if first != nil {
		in.forwardFirstPacket(ctx, key, rules[0], first)
	}
	log.Infof("InstallPath: flow=%s, path=%s installed with %d rules", key, path, len(applied))
	return applied, nil
}

// forwardFirstPacket releases the buffered packet at the ingress switch.
func (in *Installer) forwardFirstPacket(ctx context.Context, key common.FlowKey, ingress HopRule, first *FirstPacket) {
	out := southbound.PacketOut{
		BufferID: first.BufferID,
		InPort:   first.InPort,
		OutPort:  ingress.Rule.OutPort,
	}
	if first.BufferID == southbound.NoBuffer {
		out.Data = first.Data
	}
	if err := in.control.PacketOut(ctx, ingress.Switch, out); err != nil {
		// the rules are in place; the sender's retransmission will follow them
		log.Warnf("forwardFirstPacket: flow=%s, packet out on %s failed: %v", key, ingress.Switch, err)
	}
}

// ApplyRule applies one rule with bounded retries.
func (in *Installer) ApplyRule(ctx context.Context, sw common.SwitchID, rule southbound.Rule) (common.RuleRef, error) {
	var ref common.RuleRef
	attempt := 0
	op := func() error {
		attempt++
		callCtx, cancel := in.callContext(ctx)
		defer cancel()
		r, err := in.control.ApplyRule(callCtx, sw, rule)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Debugf("ApplyRule: %s attempt %d failed: %v", sw, attempt, err)
			return err
		}
		ref = r
		return nil
	}
	if err := backoff.Retry(op, in.retryPolicy(ctx)); err != nil {
		return common.RuleRef{}, fmt.Errorf("apply on %s after %d attempts: %w", sw, attempt, err)
	}
	return ref, nil
}

// RemoveRules removes every rule concurrently, each with bounded retries.
// All removals are attempted even when some fail.
func (in *Installer) RemoveRules(ctx context.Context, refs []common.RuleRef) error {
	if len(refs) == 0 {
		return nil
	}
	g := new(errgroup.Group)
	g.SetLimit(in.config.RemoveParallelism)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			op := func() error {
				callCtx, cancel := in.callContext(ctx)
				defer cancel()
				err := in.control.RemoveRule(callCtx, ref)
				if err != nil && ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
			if err := backoff.Retry(op, in.retryPolicy(ctx)); err != nil {
				log.Warnf("RemoveRules: rule %s not removed: %v", ref, err)
				return fmt.Errorf("%w: remove %s: %v", common.ErrUnreachable, ref, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ApplyDefaultRules installs the table-miss and ARP flood entries on a newly
// connected switch.
func (in *Installer) ApplyDefaultRules(ctx context.Context, sw common.SwitchID) ([]common.RuleRef, error) {
	defaults := []southbound.Rule{
		{Priority: PriorityTableMiss, OutPort: common.PortController},
		{Priority: PriorityARP, Match: southbound.Match{EthType: southbound.EthTypeARP}, OutPort: common.PortFlood},
	}
	var refs []common.RuleRef
	for _, rule := range defaults {
		ref, err := in.ApplyRule(ctx, sw, rule)
		if err != nil {
			return refs, fmt.Errorf("%w: default rule on %s: %v", common.ErrUnreachable, sw, err)
		}
		refs = append(refs, ref)
	}
	log.Infof("ApplyDefaultRules: switch %s ready", sw)
	return refs, nil
}

func (in *Installer) rollback(key common.FlowKey, applied []common.RuleRef) {
	if len(applied) == 0 {
		return
	}
	// the caller's ctx may already be cancelled; removal must still happen
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(in.config.MaxApplyAttempts+1)*in.callTimeout())
	defer cancel()
	if err := in.RemoveRules(ctx, applied); err != nil {
		log.Errorf("rollback: flow=%s, %d rules may be left behind: %v", key, len(applied), err)
		return
	}
	log.Infof("rollback: flow=%s, removed %d partial rules", key, len(applied))
}

func (in *Installer) callTimeout() time.Duration {
	if in.config.ApplyTimeout > 0 {
		return in.config.ApplyTimeout
	}
	return time.Second
}

func (in *Installer) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, in.callTimeout())
}

func (in *Installer) retryPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	if in.config.ApplyBackoff > 0 {
		b.InitialInterval = in.config.ApplyBackoff
	}
	if in.config.MaxApplyBackoff > 0 {
		b.MaxInterval = in.config.MaxApplyBackoff
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(in.config.MaxApplyAttempts-1)), ctx)
}
