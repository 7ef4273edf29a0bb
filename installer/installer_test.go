package installer

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"controlplane/common"
	"controlplane/southbound"
	"controlplane/topology"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var h1h4 = common.FlowKey{Src: "10.0.0.1", Dst: "10.0.0.4", Proto: common.ProtocolTCP}

// lineTopology is 1-2-3-4 with host i on port 1 of switch i, s_i -> s_{i+1}
// on port 2+i and the reverse on port 2.
func lineTopology(n int) *topology.TopologyManager {
	tm := topology.NewTopologyManager()
	for i := 1; i < n; i++ {
		tm.ApplyLinkUp(common.Link{
			From: common.SwitchID(i), FromPort: common.PortNo(2 + i),
			To: common.SwitchID(i + 1), ToPort: 2,
		})
	}
	for i := 1; i <= n; i++ {
		tm.AddHost(topology.Host{Name: "h" + strconv.Itoa(i), IP: "10.0.0." + strconv.Itoa(i), Switch: common.SwitchID(i), Port: 1})
	}
	return tm
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ApplyBackoff = time.Millisecond
	cfg.MaxApplyBackoff = 2 * time.Millisecond
	cfg.ApplyTimeout = 100 * time.Millisecond
	return cfg
}

func TestBuildRules(t *testing.T) {
	in := NewInstaller(lineTopology(4), southbound.NewMemoryAgent(), testConfig())
	rules, err := in.BuildRules(h1h4, common.Path{1, 2, 3, 4})
	require.NoError(t, err)
	require.Len(t, rules, 4)

	wantPorts := []common.PortNo{3, 4, 5, 1}
	for i, r := range rules {
		assert.Equal(t, common.SwitchID(i+1), r.Switch)
		assert.Equal(t, wantPorts[i], r.Rule.OutPort, "hop %d", i)
		assert.Equal(t, PriorityFlow, r.Rule.Priority)
		assert.Equal(t, southbound.EthTypeIPv4, r.Rule.Match.EthType)
		assert.Equal(t, "10.0.0.1", r.Rule.Match.IPv4Src)
		assert.Equal(t, "10.0.0.4", r.Rule.Match.IPv4Dst)
		assert.Equal(t, uint8(6), r.Rule.Match.IPProto)
		assert.Equal(t, 120*time.Second, r.Rule.IdleTimeout)
		assert.Equal(t, 300*time.Second, r.Rule.HardTimeout)
	}
}

func TestInstallPathReverseOrder(t *testing.T) {
	agent := southbound.NewMemoryAgent()
	in := NewInstaller(lineTopology(4), agent, testConfig())

	refs, err := in.InstallPath(context.Background(), h1h4, common.Path{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	require.Len(t, refs, 4)
	assert.Equal(t, []common.SwitchID{4, 3, 2, 1}, agent.ApplyOrder())
	for _, ref := range refs {
		assert.True(t, agent.HasRule(ref))
	}
	assert.Empty(t, agent.PacketOuts())
}

func TestInstallPathDownstreamFirst(t *testing.T) {
	agent := southbound.NewMemoryAgent()
	in := NewInstaller(lineTopology(4), agent, testConfig())

	// whenever a switch gets its rule, every downstream switch already has one
	installed := map[common.SwitchID]bool{}
	agent.OnApply(func(sw common.SwitchID, _ southbound.Rule) {
		for down := sw + 1; down <= 4; down++ {
			assert.True(t, installed[down], "switch %d programmed before %d", sw, down)
		}
		installed[sw] = true
	})
	_, err := in.InstallPath(context.Background(), h1h4, common.Path{1, 2, 3, 4}, nil)
	require.NoError(t, err)
}

func TestInstallPathForwardsFirstPacket(t *testing.T) {
	agent := southbound.NewMemoryAgent()
	in := NewInstaller(lineTopology(4), agent, testConfig())

	first := &FirstPacket{Switch: 1, InPort: 1, BufferID: southbound.NoBuffer, Data: []byte("syn")}
	_, err := in.InstallPath(context.Background(), h1h4, common.Path{1, 2, 3, 4}, first)
	require.NoError(t, err)

	outs := agent.PacketOuts()
	require.Len(t, outs, 1)
	assert.Equal(t, common.SwitchID(1), outs[0].Switch)
	assert.Equal(t, common.PortNo(3), outs[0].Out.OutPort)
	assert.Equal(t, []byte("syn"), outs[0].Out.Data)

	// buffered at the switch: release by id, no payload
	agent2 := southbound.NewMemoryAgent()
	in2 := NewInstaller(lineTopology(4), agent2, testConfig())
	_, err = in2.InstallPath(context.Background(), h1h4, common.Path{1, 2, 3, 4}, &FirstPacket{Switch: 1, InPort: 1, BufferID: 42, Data: []byte("syn")})
	require.NoError(t, err)
	outs = agent2.PacketOuts()
	require.Len(t, outs, 1)
	assert.Equal(t, uint32(42), outs[0].Out.BufferID)
	assert.Nil(t, outs[0].Out.Data)
}

func TestInstallPathRejections(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		in := NewInstaller(lineTopology(4), southbound.NewMemoryAgent(), testConfig())
		_, err := in.InstallPath(context.Background(), h1h4, nil, nil)
		assert.True(t, errors.Is(err, common.ErrInvalidPath))
	})

	t.Run("SingleSwitchForRemoteHosts", func(t *testing.T) {
		in := NewInstaller(lineTopology(4), southbound.NewMemoryAgent(), testConfig())
		_, err := in.InstallPath(context.Background(), h1h4, common.Path{1}, nil)
		assert.True(t, errors.Is(err, common.ErrInvalidPath))
	})

	t.Run("SingleSwitchLocalHosts", func(t *testing.T) {
		tm := lineTopology(4)
		tm.AddHost(topology.Host{IP: "10.0.0.11", Switch: 1, Port: 7})
		agent := southbound.NewMemoryAgent()
		in := NewInstaller(tm, agent, testConfig())
		key := common.FlowKey{Src: "10.0.0.1", Dst: "10.0.0.11", Proto: common.ProtocolTCP}
		refs, err := in.InstallPath(context.Background(), key, common.Path{1}, nil)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, common.PortNo(7), agent.Rules(1)[0].Rule.OutPort)
	})

	t.Run("DeadLinkIsStale", func(t *testing.T) {
		tm := lineTopology(4)
		tm.ApplyLinkDown(common.Link{From: 2, FromPort: 4})
		agent := southbound.NewMemoryAgent()
		in := NewInstaller(tm, agent, testConfig())
		_, err := in.InstallPath(context.Background(), h1h4, common.Path{1, 2, 3, 4}, nil)
		assert.True(t, errors.Is(err, common.ErrStale))
		assert.Zero(t, agent.RuleCount())
	})

	t.Run("UnreachableRollsBack", func(t *testing.T) {
		agent := southbound.NewMemoryAgent()
		agent.SetDown(2, true)
		in := NewInstaller(lineTopology(4), agent, testConfig())

		_, err := in.InstallPath(context.Background(), h1h4, common.Path{1, 2, 3, 4}, nil)
		assert.True(t, errors.Is(err, common.ErrUnreachable))
		assert.Zero(t, agent.RuleCount(), "partial rules must be removed")
		assert.Len(t, agent.Removed(), 2)
	})
}

func TestInstallPathRetriesTransientFailure(t *testing.T) {
	agent := southbound.NewMemoryAgent()
	agent.FailNext(3, 2)
	in := NewInstaller(lineTopology(4), agent, testConfig())

	refs, err := in.InstallPath(context.Background(), h1h4, common.Path{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	assert.Len(t, refs, 4)
}

func TestInstallPathLinkDropsMidInstall(t *testing.T) {
	tm := lineTopology(4)
	agent := southbound.NewMemoryAgent()
	in := NewInstaller(tm, agent, testConfig())

	agent.OnApply(func(sw common.SwitchID, _ southbound.Rule) {
		if sw == 3 {
			tm.ApplyLinkDown(common.Link{From: 1, FromPort: 3})
		}
	})
	_, err := in.InstallPath(context.Background(), h1h4, common.Path{1, 2, 3, 4}, nil)
	assert.True(t, errors.Is(err, common.ErrStale))
	assert.Zero(t, agent.RuleCount())
}

func TestInstallPathChecksTransitSwitchZero(t *testing.T) {
	// datapath id 0 is a legal switch; its upstream link must still be checked.
	tm := topology.NewTopologyManager()
	tm.ApplyLinkUp(common.Link{From: 1, FromPort: 3, To: 0, ToPort: 2})
	tm.ApplyLinkUp(common.Link{From: 0, FromPort: 3, To: 2, ToPort: 2})
	tm.AddHost(topology.Host{Name: "h1", IP: "10.0.0.1", Switch: 1, Port: 1})
	tm.AddHost(topology.Host{Name: "h2", IP: "10.0.0.2", Switch: 2, Port: 1})
	key := common.FlowKey{Src: "10.0.0.1", Dst: "10.0.0.2", Proto: common.ProtocolTCP}

	agent := southbound.NewMemoryAgent()
	in := NewInstaller(tm, agent, testConfig())
	rules, err := in.BuildRules(key, common.Path{1, 0, 2})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, true}, []bool{rules[0].Egress, rules[1].Egress, rules[2].Egress})
	assert.Equal(t, common.SwitchID(0), rules[0].Next)

	agent.OnApply(func(sw common.SwitchID, _ southbound.Rule) {
		if sw == 0 {
			tm.ApplyLinkDown(common.Link{From: 1, FromPort: 3})
		}
	})
	_, err = in.InstallPath(context.Background(), key, common.Path{1, 0, 2}, nil)
	assert.True(t, errors.Is(err, common.ErrStale))
	assert.Zero(t, agent.RuleCount())
}

func TestRemoveRulesAttemptsAll(t *testing.T) {
	agent := southbound.NewMemoryAgent()
	in := NewInstaller(lineTopology(4), agent, testConfig())
	refs, err := in.InstallPath(context.Background(), h1h4, common.Path{1, 2, 3, 4}, nil)
	require.NoError(t, err)

	agent.SetDown(3, true)
	err = in.RemoveRules(context.Background(), refs)
	assert.True(t, errors.Is(err, common.ErrUnreachable))
	assert.Equal(t, 1, agent.RuleCount(), "only the unreachable switch keeps its rule")
}

func TestApplyDefaultRules(t *testing.T) {
	agent := southbound.NewMemoryAgent()
	in := NewInstaller(lineTopology(2), agent, testConfig())
	refs, err := in.ApplyDefaultRules(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, refs, 2)

	rules := agent.Rules(1)
	prios := map[uint16]common.PortNo{}
	for _, r := range rules {
		prios[r.Rule.Priority] = r.Rule.OutPort
	}
	assert.Equal(t, common.PortController, prios[PriorityTableMiss])
	assert.Equal(t, common.PortFlood, prios[PriorityARP])
}
