package reroute

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
	"controlplane/topology"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	StateStable State = iota
	StateDetecting
	StateRepathing
	StateSwapping
)

func (s State) String() string {
	switch s {
	case StateStable:
		return "Stable"
	case StateDetecting:
		return "Detecting"
	case StateRepathing:
		return "Repathing"
	case StateSwapping:
		return "Swapping"
	default:
		return "Unknown"
	}
}

type PathDecider interface {
	RequestPathAsync(ctx context.Context, key common.FlowKey, state common.StateVector, deadline time.Duration) <-chan decision.Result
}

type PathInstaller interface {
	InstallPath(ctx context.Context, key common.FlowKey, path common.Path, first *installer.FirstPacket) ([]common.RuleRef, error)
	RemoveRules(ctx context.Context, refs []common.RuleRef) error
}

// FlowPublisher mirrors the flows a reroute moves or drops.
type FlowPublisher interface {
	PublishFlow(key common.FlowKey, path common.Path)
	RemoveFlow(key common.FlowKey)
}

type Recorder interface {
	RecordOutcome(key common.FlowKey, outcome common.Outcome, path common.Path)
	ObserveReroute(elapsed time.Duration, succeeded bool)
}

type Config struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	DecisionDeadline time.Duration
	// TargetLatency is the expected bound from detection to new path; cycles
	// exceeding it are logged, not aborted.
	TargetLatency time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		InitialBackoff:   100 * time.Millisecond,
		MaxBackoff:       time.Second,
		DecisionDeadline: 300 * time.Millisecond,
		TargetLatency:    2 * time.Second,
	}
}

type attempt struct {
	key       common.FlowKey
	link      common.Link
	oldPath   common.Path
	startedAt time.Time
	cancel    context.CancelFunc

	mu        sync.Mutex
	state     State
	abandoned bool
	// swapped is set once the old rules were released; the attempt can no
	// longer fall back to them.
	swapped bool
}

func (a *attempt) setState(s State) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abandoned {
		return false
	}
	a.state = s
	return true
}

func (a *attempt) getState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *attempt) markSwapped() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.swapped = true
}

func (a *attempt) hasSwapped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.swapped
}

// abandon stops an attempt that has not started swapping yet.
func (a *attempt) abandon() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abandoned || a.swapped || a.state == StateSwapping {
		return false
	}
	a.abandoned = true
	a.cancel()
	return true
}

// Controller repairs flows whose path lost a link. Per flow it walks
// Stable -> Detecting -> Repathing -> Swapping -> Stable.
type Controller struct {
	ctx       context.Context
	topo      *topology.TopologyManager
	table     *flow_table.FlowTable
	decider   PathDecider
	installer PathInstaller
	pool      *ants.Pool
	stateFn   func() common.StateVector
	recorder  Recorder
	config    Config

	pubMu     sync.RWMutex
	publisher FlowPublisher

	attempts cmap.ConcurrentMap[string, *attempt]
	wg       sync.WaitGroup
}

// NewController builds a controller whose attempts live until ctx is done.
// stateFn supplies the state vector sent with each decision request.
func NewController(ctx context.Context, topo *topology.TopologyManager, table *flow_table.FlowTable,
	decider PathDecider, inst PathInstaller, pool *ants.Pool, stateFn func() common.StateVector,
	recorder Recorder, config Config) *Controller {

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if stateFn == nil {
		stateFn = func() common.StateVector { return common.StateVector{} }
	}
	return &Controller{
		ctx:       ctx,
		topo:      topo,
		table:     table,
		decider:   decider,
		installer: inst,
		pool:      pool,
		stateFn:   stateFn,
		recorder:  recorder,
		config:    config,
		attempts:  cmap.New[*attempt](),
	}
}

// SetFlowPublisher registers the mirror told about moved and dropped flows.
func (c *Controller) SetFlowPublisher(p FlowPublisher) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.publisher = p
}

func (c *Controller) flowPublisher() FlowPublisher {
	c.pubMu.RLock()
	defer c.pubMu.RUnlock()
	return c.publisher
}

// State reports where a flow is in the reroute cycle.
func (c *Controller) State(key common.FlowKey) State {
	if a, ok := c.attempts.Get(key.String()); ok {
		return a.getState()
	}
	return StateStable
}

// InFlight counts running attempts.
func (c *Controller) InFlight() int {
	return c.attempts.Count()
}

// Wait blocks until every started attempt has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// LinkDown starts a reroute for every stale flow that traversed the link.
// The flow table, registered before the controller, has already marked them.
func (c *Controller) LinkDown(link common.Link) {
	started := 0
	for _, rec := range c.table.Snapshot() {
		if rec.State != flow_table.StateStale || !rec.Path.Traverses(link.From, link.To) {
			continue
		}
		if c.Reroute(rec.Key, link) {
			started++
		}
	}
	log.Infof("LinkDown: link %s, %d reroutes started", link, started)
}

// LinkUp abandons attempts whose original path is usable again, returning
// those flows to Stable with their existing rules.
func (c *Controller) LinkUp(link common.Link) {
	for item := range c.attempts.IterBuffered() {
		a := item.Val
		if err := c.topo.ValidatePath(a.oldPath); err != nil {
			continue
		}
		if !a.abandon() {
			continue
		}
		if c.table.Restore(a.key) {
			log.Infof("LinkUp: flow=%s back on %s, reroute abandoned", a.key, a.oldPath)
		}
	}
}

// Reroute starts a cycle for one stale flow. It returns false when the flow
// is not stale or already rerouting.
func (c *Controller) Reroute(key common.FlowKey, link common.Link) bool {
	rec, ok := c.table.BeginReroute(key)
	if !ok {
		return false
	}

	ctx, cancel := context.WithCancel(c.ctx)
	a := &attempt{
		key:       key,
		link:      link,
		oldPath:   rec.Path,
		startedAt: time.Now(),
		cancel:    cancel,
		state:     StateDetecting,
	}
	c.attempts.Set(key.String(), a)
	log.Infof("Reroute: flow=%s, %s -> %s", key, StateStable, StateDetecting)

	c.wg.Add(1)
	task := func() {
		defer c.wg.Done()
		defer cancel()
		defer c.attempts.RemoveCb(key.String(), func(_ string, v *attempt, exists bool) bool {
			return exists && v == a
		})
		c.run(ctx, a)
	}
	if c.pool == nil {
		go task()
		return true
	}
	if err := c.pool.Submit(task); err != nil {
		c.wg.Done()
		cancel()
		c.attempts.Remove(key.String())
		log.Errorf("Reroute: flow=%s, pool rejected attempt: %v", key, err)
		c.giveUp(a, fmt.Errorf("submit reroute: %w", err))
		return false
	}
	return true
}

func (c *Controller) run(ctx context.Context, a *attempt) {
	tries := 0
	op := func() error {
		tries++
		if !a.setState(StateRepathing) {
			return backoff.Permanent(common.ErrSuperseded)
		}

		var res decision.Result
		select {
		case res = <-c.decider.RequestPathAsync(ctx, a.key, c.stateFn(), c.config.DecisionDeadline):
		case <-ctx.Done():
			return backoff.Permanent(common.ErrSuperseded)
		}
		if ctx.Err() != nil {
			// decision arrived for an abandoned attempt; drop it
			return backoff.Permanent(common.ErrSuperseded)
		}
		if res.Err != nil {
			log.Warnf("run: flow=%s, try %d: no path: %v", a.key, tries, res.Err)
			return res.Err
		}
		if !a.setState(StateSwapping) {
			return backoff.Permanent(common.ErrSuperseded)
		}
		return c.swap(a, res.Decision.Path)
	}

	err := backoff.Retry(op, backoff.WithContext(c.retryPolicy(), ctx))
	elapsed := time.Since(a.startedAt)
	switch {
	case err == nil:
		a.setState(StateStable)
		if c.recorder != nil {
			c.recorder.ObserveReroute(elapsed, true)
		}
		if p := c.flowPublisher(); p != nil {
			if rec, err := c.table.Lookup(a.key); err == nil {
				p.PublishFlow(a.key, rec.Path)
			}
		}
		if c.config.TargetLatency > 0 && elapsed > c.config.TargetLatency {
			log.Warnf("run: flow=%s rerouted in %s, over target %s", a.key, elapsed, c.config.TargetLatency)
		} else {
			log.Infof("run: flow=%s rerouted in %s after %d tries", a.key, elapsed, tries)
		}
	case errors.Is(err, common.ErrSuperseded) || errors.Is(err, context.Canceled):
		log.Infof("run: flow=%s attempt abandoned after %s", a.key, elapsed)
	default:
		if c.recorder != nil {
			c.recorder.ObserveReroute(elapsed, false)
		}
		c.giveUp(a, err)
	}
}

// swap supersedes the flow's path, installs the new one and removes the old
// rules. Removal runs even when the install fails. A link on the new path
// that drops before the record is Installed is missed by the table's
// link-down sweep, so the path is checked again once the record settles.
func (c *Controller) swap(a *attempt, path common.Path) error {
	old, err := c.table.Supersede(a.key, path)
	if err != nil {
		return backoff.Permanent(err)
	}
	a.markSwapped()
	log.Infof("swap: flow=%s, %s -> %s, removing %d old rules", a.key, StateRepathing, StateSwapping, len(old))

	var g errgroup.Group
	g.Go(func() error {
		return c.installer.RemoveRules(c.ctx, old)
	})
	handles, installErr := c.installer.InstallPath(c.ctx, a.key, path, nil)
	if removeErr := g.Wait(); removeErr != nil {
		// left to the switches' hard timeout
		log.Warnf("swap: flow=%s, old rules not all removed: %v", a.key, removeErr)
	}
	if installErr != nil {
		log.Warnf("swap: flow=%s, install of %s failed: %v", a.key, path, installErr)
		return installErr
	}
	if err := c.table.MarkInstalled(a.key, handles); err != nil {
		// the flow was removed underneath us
		if rmErr := c.installer.RemoveRules(c.ctx, handles); rmErr != nil {
			log.Warnf("swap: flow=%s, orphaned rules not all removed: %v", a.key, rmErr)
		}
		return backoff.Permanent(err)
	}
	if err := c.topo.ValidatePath(path); err != nil {
		return c.reclaim(a, path, err)
	}
	return nil
}

// reclaim takes a flow whose new path died during the swap back into this
// attempt so the next try replaces it. A concurrent link-down sweep that
// already claimed the flow wins and this attempt steps aside.
func (c *Controller) reclaim(a *attempt, path common.Path, cause error) error {
	c.table.MarkFlowStale(a.key)
	if _, ok := c.table.BeginReroute(a.key); !ok {
		log.Infof("reclaim: flow=%s, %s lost a link, reroute taken over", a.key, path)
		return backoff.Permanent(common.ErrSuperseded)
	}
	log.Warnf("reclaim: flow=%s, %s lost a link during swap: %v", a.key, path, cause)
	return fmt.Errorf("%w: %s: %v", common.ErrStale, path, cause)
}

// giveUp records ReroutePermanentlyFailed. A flow whose old rules are still
// in place keeps them as its last known-good state; a flow already swapped
// has nothing usable installed and is dropped.
func (c *Controller) giveUp(a *attempt, err error) {
	log.Errorf("giveUp: flow=%s, %v: %v", a.key, common.ErrReroutePermanentlyFailed, err)
	var path common.Path
	if a.hasSwapped() {
		if handles, ok := c.table.Remove(a.key); ok {
			if len(handles) > 0 {
				if rmErr := c.installer.RemoveRules(c.ctx, handles); rmErr != nil {
					log.Warnf("giveUp: flow=%s, rules not all removed: %v", a.key, rmErr)
				}
			}
			if p := c.flowPublisher(); p != nil {
				p.RemoveFlow(a.key)
			}
		}
	} else {
		path = a.oldPath
		c.table.MarkFailed(a.key)
	}
	if c.recorder != nil {
		c.recorder.RecordOutcome(a.key, common.OutcomeReroutePermanentlyFailed, path)
	}
}

func (c *Controller) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.config.InitialBackoff > 0 {
		b.InitialInterval = c.config.InitialBackoff
	}
	if c.config.MaxBackoff > 0 {
		b.MaxInterval = c.config.MaxBackoff
	}
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(c.config.MaxAttempts-1))
}
