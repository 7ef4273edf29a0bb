package controller

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"controlplane/common"
	"controlplane/decision"
	"controlplane/flow_table"
	"controlplane/installer"
	"controlplane/metrics"
	"controlplane/southbound"
	"controlplane/topology"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var h1h4 = common.FlowKey{Src: "10.0.0.1", Dst: "10.0.0.4", Proto: common.ProtocolTCP}

type harness struct {
	topo    *topology.TopologyManager
	table   *flow_table.FlowTable
	agent   *southbound.MemoryAgent
	metrics *metrics.Metrics
	flows   *flowMirror
	ctrl    *Controller
}

// flowMirror records what the controller publishes about its flows.
type flowMirror struct {
	mu    sync.Mutex
	paths map[common.FlowKey]common.Path
}

func (m *flowMirror) PublishFlow(key common.FlowKey, path common.Path) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths[key] = path.Clone()
}

func (m *flowMirror) RemoveFlow(key common.FlowKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paths, key)
}

func (m *flowMirror) path(key common.FlowKey) (common.Path, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.paths[key]
	return p, ok
}

func link(a common.SwitchID, ap common.PortNo, b common.SwitchID, bp common.PortNo) common.Link {
	return common.Link{From: a, FromPort: ap, To: b, ToPort: bp}
}

// detourTopology has a short path 1-2-4 and a long one 1-3-5-4.
func detourTopology() *topology.TopologyManager {
	tm := topology.NewTopologyManager()
	for _, sw := range []common.SwitchID{1, 2, 3, 4, 5} {
		tm.AddSwitch(sw, "")
	}
	for _, l := range []common.Link{
		link(1, 2, 2, 2), link(2, 3, 4, 2),
		link(1, 3, 3, 2), link(3, 3, 5, 2), link(5, 3, 4, 3),
	} {
		tm.ApplyLinkUp(l)
	}
	tm.AddHost(topology.Host{Name: "h1", IP: "10.0.0.1", Switch: 1, Port: 1})
	tm.AddHost(topology.Host{Name: "h4", IP: "10.0.0.4", Switch: 4, Port: 1})
	return tm
}

func newHarness(t *testing.T, tm *topology.TopologyManager, policy decision.PathPolicy, oracle OracleFeedback, file *topology.FileStore) *harness {
	t.Helper()
	return newTableHarness(t, tm, flow_table.NewFlowTable(0, 0), policy, oracle, file)
}

func newTableHarness(t *testing.T, tm *topology.TopologyManager, table *flow_table.FlowTable, policy decision.PathPolicy, oracle OracleFeedback, file *topology.FileStore) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		topo:    tm,
		table:   table,
		agent:   southbound.NewMemoryAgent(),
		metrics: metrics.NewMetrics(),
		flows:   &flowMirror{paths: make(map[common.FlowKey]common.Path)},
	}
	if policy == nil {
		policy = decision.NewShortestPathPolicy(tm)
	}
	cfg := installer.DefaultConfig()
	cfg.ApplyBackoff = time.Millisecond
	cfg.MaxApplyBackoff = 2 * time.Millisecond
	inst := installer.NewInstaller(tm, h.agent, cfg)
	decider := decision.NewClient(tm, policy, nil, h.metrics, decision.ClientConfig{Deadline: 200 * time.Millisecond, Candidates: 3})

	config := DefaultConfig()
	config.SwitchWait = 50 * time.Millisecond
	config.Reroute.InitialBackoff = time.Millisecond
	config.Reroute.MaxBackoff = 2 * time.Millisecond
	h.ctrl = NewController(ctx, Components{
		Topology:     tm,
		Table:        h.table,
		Decider:      decider,
		Installer:    inst,
		Recorder:     h.metrics,
		Oracle:       oracle,
		Flows:        h.flows,
		FlowCount:    h.metrics,
		TopologyFile: file,
	}, config)
	t.Cleanup(func() {
		cancel()
		h.ctrl.Wait()
		table.Stop()
	})
	return h
}

func tcpPacket(t *testing.T, src, dst net.IP) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 4},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 5001, SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp))
	return buf.Bytes()
}

func (h *harness) installedPath(t *testing.T, key common.FlowKey) common.Path {
	t.Helper()
	rec, err := h.table.Lookup(key)
	require.NoError(t, err)
	require.Equal(t, flow_table.StateInstalled, rec.State)
	return rec.Path
}

func TestPacketInInstallsFlow(t *testing.T) {
	h := newHarness(t, detourTopology(), nil, nil, nil)

	data := tcpPacket(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 4))
	h.ctrl.HandleEvent(context.Background(), southbound.Event{
		Type: southbound.EventPacketIn, Switch: 1, InPort: 1, BufferID: southbound.NoBuffer, Data: data,
	})
	h.ctrl.Wait()

	assert.Equal(t, common.Path{1, 2, 4}, h.installedPath(t, h1h4))
	assert.Equal(t, 3, h.agent.RuleCount())
	outs := h.agent.PacketOuts()
	require.Len(t, outs, 1)
	assert.Equal(t, common.SwitchID(1), outs[0].Switch)

	last, ok := h.metrics.LastOutcome(h1h4)
	require.True(t, ok)
	assert.Equal(t, "Decided", last.Outcome)
}

func TestPacketInIgnoresNonTCP(t *testing.T) {
	h := newHarness(t, detourTopology(), nil, nil, nil)

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 1},
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: []byte{0, 0, 0, 0, 0, 1}, SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress: []byte{0, 0, 0, 0, 0, 0}, DstProtAddress: []byte{10, 0, 0, 4},
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp))

	h.ctrl.HandleEvent(context.Background(), southbound.Event{Type: southbound.EventPacketIn, Switch: 1, InPort: 1, Data: buf.Bytes()})
	h.ctrl.HandleEvent(context.Background(), southbound.Event{Type: southbound.EventPacketIn, Switch: 1, InPort: 1, Data: []byte{1, 2}})
	h.ctrl.Wait()

	assert.Equal(t, 0, h.table.Count())
	assert.Equal(t, 0, h.agent.RuleCount())
}

func TestHandleNewFlowDuplicate(t *testing.T) {
	h := newHarness(t, detourTopology(), nil, nil, nil)
	ctx := context.Background()

	_, err := h.ctrl.HandleNewFlow(ctx, h1h4, nil)
	require.NoError(t, err)
	path, err := h.ctrl.HandleNewFlow(ctx, h1h4, nil)
	assert.ErrorIs(t, err, common.ErrAlreadyActive)
	assert.Equal(t, common.Path{1, 2, 4}, path)
	assert.Equal(t, 3, h.agent.RuleCount())
}

func TestHandleNewFlowUnreachableFreesKey(t *testing.T) {
	h := newHarness(t, detourTopology(), nil, nil, nil)
	h.agent.SetDown(2, true)

	_, err := h.ctrl.HandleNewFlow(context.Background(), h1h4, nil)
	assert.ErrorIs(t, err, common.ErrUnreachable)
	_, err = h.table.Lookup(h1h4)
	assert.ErrorIs(t, err, common.ErrNotFound)

	h.agent.SetDown(2, false)
	_, err = h.ctrl.HandleNewFlow(context.Background(), h1h4, nil)
	assert.NoError(t, err)
}

func TestPortDownReroutes(t *testing.T) {
	h := newHarness(t, detourTopology(), nil, nil, nil)
	_, err := h.ctrl.HandleNewFlow(context.Background(), h1h4, nil)
	require.NoError(t, err)

	h.ctrl.HandleEvent(context.Background(), southbound.Event{Type: southbound.EventPortStatus, Switch: 1, Port: 2, Up: false})
	h.ctrl.Wait()

	assert.Equal(t, common.Path{1, 3, 5, 4}, h.installedPath(t, h1h4))
	assert.Equal(t, 4, h.agent.RuleCount())
}

func TestLinkDropDuringInstallIsRerouted(t *testing.T) {
	tm := detourTopology()
	h := newHarness(t, tm, nil, nil, nil)

	var once sync.Once
	h.agent.OnApply(func(sw common.SwitchID, _ southbound.Rule) {
		if sw == 1 {
			once.Do(func() { tm.ApplyLinkDown(link(1, 2, 2, 2)) })
		}
	})

	_, err := h.ctrl.HandleNewFlow(context.Background(), h1h4, nil)
	require.NoError(t, err)
	h.ctrl.Wait()

	assert.Equal(t, common.Path{1, 3, 5, 4}, h.installedPath(t, h1h4))
}

func TestPublishedFlowFollowsRerouteAndExpiry(t *testing.T) {
	h := newTableHarness(t, detourTopology(), flow_table.NewFlowTable(300*time.Millisecond, 20*time.Millisecond), nil, nil, nil)
	_, err := h.ctrl.HandleNewFlow(context.Background(), h1h4, nil)
	require.NoError(t, err)
	path, ok := h.flows.path(h1h4)
	require.True(t, ok)
	assert.Equal(t, common.Path{1, 2, 4}, path)

	h.ctrl.HandleEvent(context.Background(), southbound.Event{Type: southbound.EventPortStatus, Switch: 1, Port: 2, Up: false})
	h.ctrl.Wait()
	path, ok = h.flows.path(h1h4)
	require.True(t, ok)
	assert.Equal(t, common.Path{1, 3, 5, 4}, path, "mirror follows the reroute")

	assert.Eventually(t, func() bool {
		_, ok := h.flows.path(h1h4)
		return !ok
	}, 3*time.Second, 20*time.Millisecond, "expired flow leaves the mirror")
	assert.Equal(t, 0, h.table.Count())
}

func TestForcePathReplacesActiveFlow(t *testing.T) {
	h := newHarness(t, detourTopology(), nil, nil, nil)
	ctx := context.Background()
	_, err := h.ctrl.HandleNewFlow(ctx, h1h4, nil)
	require.NoError(t, err)

	path, err := h.ctrl.ForcePath(ctx, h1h4, common.Path{1, 3, 5, 4})
	require.NoError(t, err)
	assert.Equal(t, common.Path{1, 3, 5, 4}, path)
	assert.Equal(t, path, h.installedPath(t, h1h4))
	assert.Equal(t, 4, h.agent.RuleCount())
	assert.Len(t, h.agent.Removed(), 3)

	_, err = h.ctrl.ForcePath(ctx, h1h4, common.Path{1, 4})
	assert.ErrorIs(t, err, common.ErrStale)
}

func TestForceShortestPath(t *testing.T) {
	h := newHarness(t, detourTopology(), nil, nil, nil)

	path, err := h.ctrl.ForceShortestPath(context.Background(), h1h4)
	require.NoError(t, err)
	assert.Equal(t, common.Path{1, 2, 4}, path)

	_, err = h.ctrl.ForceShortestPath(context.Background(), common.FlowKey{Src: "10.9.9.9", Dst: "10.0.0.4"})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestForcePathWithoutSwitches(t *testing.T) {
	h := newHarness(t, topology.NewTopologyManager(), nil, nil, nil)

	_, err := h.ctrl.ForcePath(context.Background(), h1h4, common.Path{1, 2})
	assert.ErrorIs(t, err, ErrNoSwitches)
}

func TestOracleFeedbackAndStats(t *testing.T) {
	var mu sync.Mutex
	var updates []decision.Feedback
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get_path":
			json.NewEncoder(w).Encode(decision.Response{Path: []uint64{1, 3, 5, 4}, ActionIdx: 7})
		case "/stats":
			json.NewEncoder(w).Encode(decision.OracleStats{Count: 2, RecentRewards: []float64{-2, -4}})
		case "/update":
			var fb decision.Feedback
			json.NewDecoder(r.Body).Decode(&fb)
			mu.Lock()
			updates = append(updates, fb)
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	oracle := decision.NewOracleClient(srv.URL, time.Second)
	h := newHarness(t, detourTopology(), oracle, oracle, nil)

	h.ctrl.RefreshOracleStats(context.Background())
	assert.Equal(t, -3.0, h.ctrl.StateVector().RecentReward)

	path, err := h.ctrl.HandleNewFlow(context.Background(), h1h4, nil)
	require.NoError(t, err)
	assert.Equal(t, common.Path{1, 3, 5, 4}, path)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 1)
	assert.Equal(t, 7, updates[0].Action)
	assert.Equal(t, -3.0, updates[0].Reward)
	assert.Equal(t, 0.0, updates[0].State[0])
	assert.Equal(t, 1.0, updates[0].NextState[0])
}

const lineFile = `{
  "switches": {
    "s1": {"dpid": 1, "ports": {"h1": 1, "s2": 2}},
    "s2": {"dpid": 2, "ports": {"s1": 2, "s3": 3}},
    "s3": {"dpid": 3, "ports": {"s2": 2, "h3": 1}}
  },
  "hosts": {
    "h1": {"ip": "10.0.0.1", "mac": "00:00:00:00:00:01", "connected_to": "s1"},
    "h3": {"ip": "10.0.0.3", "mac": "00:00:00:00:00:03", "connected_to": "s3"}
  },
  "links": [
    {"src": "s1", "dst": "s2", "port": 2},
    {"src": "s2", "dst": "s3", "port": 3}
  ]
}`

func TestSwitchConnectUsesTopologyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology_info.json")
	require.NoError(t, os.WriteFile(path, []byte(lineFile), 0644))

	tm := topology.NewTopologyManager()
	h := newHarness(t, tm, nil, nil, topology.NewFileStore(path))
	require.NoError(t, h.ctrl.LoadTopologyFile())

	ctx := context.Background()
	for _, sw := range []common.SwitchID{1, 2, 3} {
		h.ctrl.HandleEvent(ctx, southbound.Event{Type: southbound.EventSwitchConnected, Switch: sw})
	}
	h.ctrl.Wait()

	// table-miss and ARP on every switch
	assert.Equal(t, 6, h.agent.RuleCount())
	assert.Equal(t, []common.SwitchID{2}, tm.Neighbors(1))
	assert.Equal(t, []common.SwitchID{1, 3}, tm.Neighbors(2))

	key := common.FlowKey{Src: "10.0.0.1", Dst: "10.0.0.3", Proto: common.ProtocolTCP}
	got, err := h.ctrl.HandleNewFlow(ctx, key, nil)
	require.NoError(t, err)
	assert.Equal(t, common.Path{1, 2, 3}, got)

	h.ctrl.HandleEvent(ctx, southbound.Event{Type: southbound.EventPortStatus, Switch: 2, Port: 3, Up: false})
	h.ctrl.Wait()
	rec, err := h.table.Lookup(key)
	require.NoError(t, err)
	assert.Equal(t, flow_table.StateFailed, rec.State)

	// a reconnect does not resurrect a link that port status took down
	h.ctrl.HandleEvent(ctx, southbound.Event{Type: southbound.EventSwitchConnected, Switch: 2})
	assert.Equal(t, []common.SwitchID{1}, tm.Neighbors(2))

	h.ctrl.HandleEvent(ctx, southbound.Event{Type: southbound.EventSwitchDisconnected, Switch: 3})
	assert.False(t, tm.HasSwitch(3))
}
