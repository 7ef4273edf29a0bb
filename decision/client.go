package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"controlplane/common"
	"controlplane/routing/k_shortest"
	"controlplane/topology"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
)

type ClientConfig struct {
	// Deadline bounds a single policy call.
	Deadline time.Duration
	// Candidates is how many k-shortest alternatives accompany a request.
	Candidates int
}

// Client asks the configured policy for a path and falls back to the
// topology's shortest path on any policy failure.
type Client struct {
	topo     *topology.TopologyManager
	policy   PathPolicy
	pool     *ants.Pool
	recorder common.OutcomeRecorder
	config   ClientConfig
}

func NewClient(topo *topology.TopologyManager, policy PathPolicy, pool *ants.Pool, recorder common.OutcomeRecorder, config ClientConfig) *Client {
	if config.Deadline <= 0 {
		config.Deadline = 300 * time.Millisecond
	}
	return &Client{topo: topo, policy: policy, pool: pool, recorder: recorder, config: config}
}

// Endpoints resolves the ingress and egress switches of a flow.
func (c *Client) Endpoints(key common.FlowKey) (common.SwitchID, common.SwitchID, error) {
	src, ok := c.topo.HostByIP(key.Src)
	if !ok {
		return 0, 0, fmt.Errorf("%w: host %s", common.ErrNotFound, key.Src)
	}
	dst, ok := c.topo.HostByIP(key.Dst)
	if !ok {
		return 0, 0, fmt.Errorf("%w: host %s", common.ErrNotFound, key.Dst)
	}
	return src.Switch, dst.Switch, nil
}

// RequestPath returns a live path for the flow. deadline overrides the
// configured policy deadline when positive. Policy timeouts, errors and
// invalid answers produce a Fallback decision; an error is returned only
// when no path exists at all or ctx was cancelled, in which case no
// decision is made.
func (c *Client) RequestPath(ctx context.Context, key common.FlowKey, state common.StateVector, deadline time.Duration) (Decision, error) {
	src, dst, err := c.Endpoints(key)
	if err != nil {
		return Decision{}, err
	}
	if deadline <= 0 {
		deadline = c.config.Deadline
	}

	var candidates []common.Path
	if c.config.Candidates > 0 {
		network, index, ids := c.topo.GetNetwork()
		candidates = k_shortest.Candidates(network, index, ids, src, dst, c.config.Candidates)
	}
	req := newRequest(key, src, dst, state, candidates)

	answer := c.ask(ctx, req, src, dst, deadline)
	if ctx.Err() != nil {
		return Decision{}, ctx.Err()
	}
	if answer.err == nil {
		d := Decision{Path: answer.path, ActionID: answer.action, Outcome: common.OutcomeDecided}
		log.Infof("RequestPath: flow=%s, policy=%s, path=%s", key, c.policy.Name(), d.Path)
		c.record(key, d)
		return d, nil
	}

	path, err := c.topo.ShortestPath(src, dst)
	if err != nil {
		log.Warnf("RequestPath: flow=%s, policy failed (%v) and no fallback path: %v", key, answer.err, err)
		return Decision{}, err
	}
	d := Decision{Path: path, ActionID: -1, Outcome: common.OutcomeFallback, Reason: answer.err.Error()}
	log.Warnf("RequestPath: flow=%s, falling back to shortest path %s: %v", key, path, answer.err)
	c.record(key, d)
	return d, nil
}

type policyAnswer struct {
	path   common.Path
	action int
	err    error
}

func (c *Client) ask(ctx context.Context, req Request, src, dst common.SwitchID, deadline time.Duration) policyAnswer {
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	resp, err := c.policy.SelectPath(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return policyAnswer{err: fmt.Errorf("%w: deadline %s exceeded", common.ErrPolicyUnavailable, deadline)}
		}
		return policyAnswer{err: err}
	}
	if callCtx.Err() != nil {
		// answer arrived after the deadline; treat as timeout
		return policyAnswer{err: fmt.Errorf("%w: deadline %s exceeded", common.ErrPolicyUnavailable, deadline)}
	}

	path := toPath(resp.Path)
	if err := c.checkPath(path, src, dst); err != nil {
		return policyAnswer{err: fmt.Errorf("%w: %v", common.ErrPolicyUnavailable, err)}
	}
	return policyAnswer{path: path, action: resp.ActionIdx}
}

// checkPath rejects loops, wrong endpoints and dead hops.
func (c *Client) checkPath(path common.Path, src, dst common.SwitchID) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty", common.ErrInvalidPath)
	}
	if path.Ingress() != src || path.Egress() != dst {
		return fmt.Errorf("%w: %s does not join %s and %s", common.ErrInvalidPath, path, src, dst)
	}
	seen := make(map[common.SwitchID]bool, len(path))
	for _, s := range path {
		if seen[s] {
			return fmt.Errorf("%w: loop at %s", common.ErrInvalidPath, s)
		}
		seen[s] = true
	}
	return c.topo.ValidatePath(path)
}

func (c *Client) record(key common.FlowKey, d Decision) {
	if c.recorder != nil {
		c.recorder.RecordOutcome(key, d.Outcome, d.Path)
	}
}

// Result carries an asynchronous decision.
type Result struct {
	Decision Decision
	Err      error
}

// RequestPathAsync runs RequestPath on the worker pool. The channel receives
// exactly one result; callers that lose interest may simply stop reading.
func (c *Client) RequestPathAsync(ctx context.Context, key common.FlowKey, state common.StateVector, deadline time.Duration) <-chan Result {
	out := make(chan Result, 1)
	task := func() {
		d, err := c.RequestPath(ctx, key, state, deadline)
		out <- Result{Decision: d, Err: err}
	}
	if c.pool == nil {
		go task()
		return out
	}
	if err := c.pool.Submit(task); err != nil {
		log.Warnf("RequestPathAsync: pool rejected flow=%s: %v", key, err)
		out <- Result{Err: fmt.Errorf("submit decision task: %w", err)}
	}
	return out
}
