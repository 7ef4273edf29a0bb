package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"controlplane/api"
	"controlplane/common"
	"controlplane/config"
	"controlplane/controller"
	"controlplane/decision"
	"controlplane/etcd"
	"controlplane/flow_table"
	"controlplane/installer"
	"controlplane/metrics"
	"controlplane/reroute"
	"controlplane/southbound"
	"controlplane/topology"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"
)

// run wires the control loop and blocks until ctx is done.
func run(ctx context.Context, cfg *config.Config) error {
	topo := topology.NewTopologyManager()
	table := flow_table.NewFlowTable(cfg.FlowTable.Expiration.Duration, cfg.FlowTable.CleanupInterval.Duration)
	defer table.Stop()
	m := metrics.NewMetrics()

	// packet-in and reroute tasks wait on decision tasks, so each gets its own pool
	pools := make([]*ants.Pool, 0, 3)
	defer func() {
		for _, p := range pools {
			p.Release()
		}
	}()
	newPool := func(name string, workers int) (*ants.Pool, error) {
		p, err := common.NewPool(common.PoolConfig{Name: name, MaxWorkers: workers})
		if err == nil {
			pools = append(pools, p)
		}
		return p, err
	}
	decisionPool, err := newPool("decision", cfg.Decision.Workers)
	if err != nil {
		return err
	}
	eventPool, err := newPool("events", cfg.Controller.EventWorkers)
	if err != nil {
		return err
	}
	reroutePool, err := newPool("reroute", cfg.Reroute.Workers)
	if err != nil {
		return err
	}

	registry := decision.NewPolicyRegistry()
	oracle := decision.NewOracleClient(cfg.Decision.OracleURL, cfg.Decision.Deadline.Duration)
	registry.Register(oracle)
	registry.Register(decision.NewShortestPathPolicy(topo))
	policy, err := registry.Get(cfg.Decision.Policy)
	if err != nil {
		return err
	}
	log.Infof("run: path policy %s (available %v)", policy.Name(), registry.List())
	decider := decision.NewClient(topo, policy, decisionPool, m, decision.ClientConfig{
		Deadline:   cfg.Decision.Deadline.Duration,
		Candidates: cfg.Decision.Candidates,
	})

	control, closeControl, err := switchControl(cfg)
	if err != nil {
		return err
	}
	defer closeControl()

	inst := installer.NewInstaller(topo, control, installer.Config{
		Priority:          cfg.Installer.Priority,
		IdleTimeout:       cfg.Installer.IdleTimeout.Duration,
		HardTimeout:       cfg.Installer.HardTimeout.Duration,
		MaxApplyAttempts:  cfg.Installer.MaxApplyAttempts,
		ApplyBackoff:      cfg.Installer.ApplyBackoff.Duration,
		MaxApplyBackoff:   cfg.Installer.MaxApplyBackoff.Duration,
		ApplyTimeout:      cfg.Installer.ApplyTimeout.Duration,
		RemoveParallelism: installer.DefaultConfig().RemoveParallelism,
	})

	sampler, err := metrics.NewLinkSampler(cfg.Metrics.SampleInterval.Duration, cfg.Metrics.LinkCapacityBps, cfg.Metrics.InterfacePattern, m)
	if err != nil {
		return fmt.Errorf("link sampler: %w", err)
	}

	comps := controller.Components{
		Topology:     topo,
		Table:        table,
		Decider:      decider,
		Installer:    inst,
		EventPool:    eventPool,
		ReroutePool:  reroutePool,
		Recorder:     m,
		Utilization:  sampler,
		FlowCount:    m,
		TopologyFile: topology.NewFileStore(cfg.Controller.TopologyFile),
	}
	if policy.Name() == decision.PolicyOracle {
		comps.Oracle = oracle
	}

	g, ctx := errgroup.WithContext(ctx)

	var etcdClient *clientv3.Client
	ecfg := etcdConfig(cfg)
	if cfg.Etcd.Enabled {
		etcdClient, err = etcd.Connect(ecfg)
		if err != nil {
			return err
		}
		defer etcdClient.Close()
		publisher := etcd.NewPublisher(etcdClient, ecfg, 256)
		m.AddSink(publisher)
		comps.Flows = publisher
		g.Go(func() error {
			publisher.Run(ctx)
			return nil
		})
	}

	rcfg := reroute.Config{
		MaxAttempts:      cfg.Reroute.MaxAttempts,
		InitialBackoff:   cfg.Reroute.InitialBackoff.Duration,
		MaxBackoff:       cfg.Reroute.MaxBackoff.Duration,
		DecisionDeadline: cfg.Decision.Deadline.Duration,
		TargetLatency:    cfg.Reroute.TargetLatency.Duration,
	}
	ctrl := controller.NewController(ctx, comps, controller.Config{
		DecisionDeadline: cfg.Decision.Deadline.Duration,
		Exploration:      cfg.Decision.Exploration,
		DefaultRules:     cfg.DefaultRulesEnabled(),
		SwitchWait:       cfg.Controller.SwitchWait.Duration,
		FeedbackTimeout:  time.Second,
		Reroute:          rcfg,
	})
	if err := ctrl.LoadTopologyFile(); err != nil {
		log.Warnf("run: %v", err)
	}

	if etcdClient != nil {
		worker := etcd.NewOverrideWorker(etcdClient, ecfg, ctrl)
		g.Go(func() error {
			return worker.Start(ctx)
		})
		defer worker.Wait()
	}

	feed := southbound.NewEventFeed(1024)
	ln, err := net.Listen("tcp", cfg.Controller.EventListenAddr)
	if err != nil {
		return fmt.Errorf("listen for switch events on %s: %w", cfg.Controller.EventListenAddr, err)
	}
	g.Go(func() error {
		return feed.Serve(ctx, ln)
	})
	g.Go(func() error {
		ctrl.Run(ctx, feed.Events())
		return nil
	})
	g.Go(func() error {
		ctrl.Maintain(ctx, cfg.Controller.MaintainInterval.Duration)
		return nil
	})
	g.Go(func() error {
		sampler.Run(ctx)
		return nil
	})
	apiServer := api.NewServer(cfg.API.ListenAddr, ctrl, m)
	g.Go(func() error {
		return apiServer.Run(ctx)
	})

	log.Infof("run: controller started, events on %s, api on %s", cfg.Controller.EventListenAddr, cfg.API.ListenAddr)
	err = g.Wait()
	feed.Wait()
	ctrl.Wait()
	log.Infof("run: controller stopped")
	return err
}

// switchControl picks the southbound implementation.
func switchControl(cfg *config.Config) (southbound.SwitchControl, func(), error) {
	if cfg.Southbound.Mode == "memory" {
		log.Warnf("switchControl: using in-memory switch agent, no rules reach the network")
		return southbound.NewMemoryAgent(), func() {}, nil
	}
	addrs, err := cfg.AgentAddrs()
	if err != nil {
		return nil, nil, err
	}
	client := southbound.NewAgentClient(cfg.Southbound.AgentAddr, addrs, cfg.Southbound.CallTimeout.Duration)
	return client, func() { client.Close() }, nil
}
