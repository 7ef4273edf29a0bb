package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"controlplane/common"
	"controlplane/decision"
	"controlplane/flow_table"
	"controlplane/installer"
	"controlplane/reroute"
	"controlplane/topology"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
)

// ErrNoSwitches is returned by overrides while no switch has connected yet.
var ErrNoSwitches = errors.New("no switches connected")

type Config struct {
	DecisionDeadline time.Duration
	// Exploration is reported to the policy as the last state component.
	Exploration  float64
	DefaultRules bool
	// SwitchWait bounds how long an override waits for the first switch.
	SwitchWait      time.Duration
	FeedbackTimeout time.Duration
	Reroute         reroute.Config
}

func DefaultConfig() Config {
	return Config{
		DecisionDeadline: 300 * time.Millisecond,
		Exploration:      0.1,
		DefaultRules:     true,
		SwitchWait:       5 * time.Second,
		FeedbackTimeout:  time.Second,
		Reroute:          reroute.DefaultConfig(),
	}
}

// OracleFeedback is the optional learning side of the policy service.
type OracleFeedback interface {
	Stats(ctx context.Context) (decision.OracleStats, error)
	Update(ctx context.Context, fb decision.Feedback) error
}

type UtilizationSource interface {
	Mean() float64
}

type FlowPublisher interface {
	PublishFlow(key common.FlowKey, path common.Path)
	RemoveFlow(key common.FlowKey)
}

type FlowCounter interface {
	SetFlowCount(n int)
}

// Components are the collaborators the control loop drives. Oracle,
// Utilization, Flows, FlowCount and TopologyFile may be nil.
type Components struct {
	Topology     *topology.TopologyManager
	Table        *flow_table.FlowTable
	Decider      *decision.Client
	Installer    *installer.Installer
	EventPool    *ants.Pool
	ReroutePool  *ants.Pool
	Recorder     reroute.Recorder
	Oracle       OracleFeedback
	Utilization  UtilizationSource
	Flows        FlowPublisher
	FlowCount    FlowCounter
	TopologyFile *topology.FileStore
}

// Controller is the control loop: it turns switch events into topology
// updates and flow installations, and serves administrative overrides.
type Controller struct {
	ctx        context.Context
	topo       *topology.TopologyManager
	table      *flow_table.FlowTable
	decider    *decision.Client
	installer  *installer.Installer
	reroute    *reroute.Controller
	pool       *ants.Pool
	oracle     OracleFeedback
	util       UtilizationSource
	flows      FlowPublisher
	flowCount  FlowCounter
	file       *topology.FileStore
	config     Config
	rewardLock sync.RWMutex
	reward     float64
	wg         sync.WaitGroup
}

// NewController wires the reroute controller and registers the flow table
// and then the reroute controller as topology watchers, so link-down marks
// flows stale before reroutes start.
func NewController(ctx context.Context, comp Components, config Config) *Controller {
	if config.Reroute.DecisionDeadline == 0 {
		config.Reroute.DecisionDeadline = config.DecisionDeadline
	}
	c := &Controller{
		ctx:       ctx,
		topo:      comp.Topology,
		table:     comp.Table,
		decider:   comp.Decider,
		installer: comp.Installer,
		pool:      comp.EventPool,
		oracle:    comp.Oracle,
		util:      comp.Utilization,
		flows:     comp.Flows,
		flowCount: comp.FlowCount,
		file:      comp.TopologyFile,
		config:    config,
	}
	c.reroute = reroute.NewController(ctx, comp.Topology, comp.Table, comp.Decider, comp.Installer,
		comp.ReroutePool, c.StateVector, comp.Recorder, config.Reroute)
	if comp.Flows != nil {
		c.reroute.SetFlowPublisher(comp.Flows)
		c.table.OnExpire(comp.Flows.RemoveFlow)
	}

	c.topo.AddWatcher(c.table)
	c.topo.AddWatcher(c.reroute)
	return c
}

func (c *Controller) Reroute() *reroute.Controller {
	return c.reroute
}

func (c *Controller) Topology() *topology.TopologyManager {
	return c.topo
}

func (c *Controller) Table() *flow_table.FlowTable {
	return c.table
}

// StateVector summarizes the network for the policy.
func (c *Controller) StateVector() common.StateVector {
	state := common.StateVector{
		FlowCount:   float64(c.table.Count()),
		Exploration: c.config.Exploration,
	}
	if c.util != nil {
		state.LinkUtilization = c.util.Mean()
	}
	c.rewardLock.RLock()
	state.RecentReward = c.reward
	c.rewardLock.RUnlock()
	return state
}

// RefreshOracleStats pulls recent rewards from the oracle for the state vector.
func (c *Controller) RefreshOracleStats(ctx context.Context) {
	if c.oracle == nil {
		return
	}
	stats, err := c.oracle.Stats(ctx)
	if err != nil {
		log.Debugf("RefreshOracleStats: %v", err)
		return
	}
	if len(stats.RecentRewards) == 0 {
		return
	}
	sum := 0.0
	for _, r := range stats.RecentRewards {
		sum += r
	}
	c.rewardLock.Lock()
	c.reward = sum / float64(len(stats.RecentRewards))
	c.rewardLock.Unlock()
}

// HandleNewFlow chooses and installs a path for a flow seen for the first
// time. A path that went stale before its rules landed is chosen again once.
func (c *Controller) HandleNewFlow(ctx context.Context, key common.FlowKey, first *installer.FirstPacket) (common.Path, error) {
	if rec, err := c.table.Lookup(key); err == nil && rec.State != flow_table.StateFailed {
		log.Debugf("HandleNewFlow: flow=%s already %s on %s", key, rec.State, rec.Path)
		return rec.Path, fmt.Errorf("%w: flow %s", common.ErrAlreadyActive, key)
	}

	var lastErr error
	for try := 0; try < 2; try++ {
		state := c.StateVector()
		d, err := c.requestPath(ctx, key, state)
		if err != nil {
			return nil, err
		}
		path, err := c.install(ctx, key, d.Path, first)
		if errors.Is(err, common.ErrStale) {
			lastErr = err
			log.Warnf("HandleNewFlow: flow=%s, path %s went stale, choosing again", key, d.Path)
			continue
		}
		if err != nil {
			return path, err
		}
		log.Infof("HandleNewFlow: flow=%s installed on %s (%s)", key, path, d.Outcome)
		c.feedback(ctx, d, state, path)
		return path, nil
	}
	return nil, lastErr
}

// requestPath waits on the asynchronous decision so the caller's task is
// the only one suspended.
func (c *Controller) requestPath(ctx context.Context, key common.FlowKey, state common.StateVector) (decision.Decision, error) {
	select {
	case res := <-c.decider.RequestPathAsync(ctx, key, state, c.config.DecisionDeadline):
		return res.Decision, res.Err
	case <-ctx.Done():
		return decision.Decision{}, ctx.Err()
	}
}

// install admits the flow, pushes its rules and confirms them. Any failure
// removes the record so a later packet can try again.
func (c *Controller) install(ctx context.Context, key common.FlowKey, path common.Path, first *installer.FirstPacket) (common.Path, error) {
	adm := c.table.TryInstall(key, path)
	if !adm.Accepted {
		return adm.Existing, fmt.Errorf("%w: flow %s on %s", common.ErrAlreadyActive, key, adm.Existing)
	}
	if len(adm.Displaced) > 0 {
		if err := c.installer.RemoveRules(ctx, adm.Displaced); err != nil {
			log.Warnf("install: flow=%s, displaced rules not all removed: %v", key, err)
		}
	}

	handles, err := c.installer.InstallPath(ctx, key, path, first)
	if err != nil {
		c.table.Remove(key)
		return nil, err
	}
	if err := c.table.MarkInstalled(key, handles); err != nil {
		if rmErr := c.installer.RemoveRules(ctx, handles); rmErr != nil {
			log.Warnf("install: flow=%s, orphaned rules not all removed: %v", key, rmErr)
		}
		return nil, err
	}
	// published first so a reroute started by revalidate overwrites it
	if c.flows != nil {
		c.flows.PublishFlow(key, path)
	}
	c.revalidate(key, path)
	return path, nil
}

// revalidate hands a freshly confirmed flow to the reroute controller when
// a link on its path dropped while its rules were being pushed.
func (c *Controller) revalidate(key common.FlowKey, path common.Path) {
	if c.topo.ValidatePath(path) == nil {
		return
	}
	link := c.deadLink(path)
	log.Warnf("revalidate: flow=%s, %s lost link %s during install", key, path, link)
	if c.table.MarkFlowStale(key) {
		c.reroute.Reroute(key, link)
	}
}

func (c *Controller) deadLink(path common.Path) common.Link {
	for i := 0; i+1 < len(path); i++ {
		if _, ok := c.topo.OutPort(path[i], path[i+1]); !ok {
			return common.Link{From: path[i], To: path[i+1]}
		}
	}
	return common.Link{}
}

// feedback reports the installed path back to a learning oracle.
func (c *Controller) feedback(ctx context.Context, d decision.Decision, state common.StateVector, path common.Path) {
	if c.oracle == nil || d.Outcome != common.OutcomeDecided {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.FeedbackTimeout)
	defer cancel()
	fb := decision.Feedback{
		State:     state.ToSlice(),
		Action:    d.ActionID,
		Reward:    -float64(path.Hops()),
		NextState: c.StateVector().ToSlice(),
	}
	if err := c.oracle.Update(ctx, fb); err != nil {
		log.Debugf("feedback: %v", err)
	}
}

// Flows lists every flow record.
func (c *Controller) Flows() []flow_table.FlowRecord {
	return c.table.Snapshot()
}

// Maintain runs the periodic housekeeping until ctx is done: topology file
// reload, oracle stats refresh and the flow gauge.
func (c *Controller) Maintain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.file != nil {
				if err := c.LoadTopologyFile(); err != nil {
					log.Warnf("Maintain: %v", err)
				}
			}
			c.RefreshOracleStats(ctx)
			if c.flowCount != nil {
				c.flowCount.SetFlowCount(c.table.Count())
			}
		}
	}
}

// Wait blocks until dispatched event tasks and reroutes have finished.
func (c *Controller) Wait() {
	c.wg.Wait()
	c.reroute.Wait()
}
