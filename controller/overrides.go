package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"controlplane/common"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ForcePath installs path for the flow, replacing its current one. An empty
// path asks the decision client, falling back to the shortest path.
func (c *Controller) ForcePath(ctx context.Context, key common.FlowKey, path common.Path) (common.Path, error) {
	if err := c.waitForSwitches(ctx); err != nil {
		return nil, err
	}
	if len(path) == 0 {
		d, err := c.requestPath(ctx, key, c.StateVector())
		if err != nil {
			return nil, err
		}
		path = d.Path
	}
	return c.apply(ctx, key, path)
}

// ForceShortestPath installs the topology's current shortest path.
func (c *Controller) ForceShortestPath(ctx context.Context, key common.FlowKey) (common.Path, error) {
	if err := c.waitForSwitches(ctx); err != nil {
		return nil, err
	}
	src, dst, err := c.decider.Endpoints(key)
	if err != nil {
		return nil, err
	}
	path, err := c.topo.ShortestPath(src, dst)
	if err != nil {
		return nil, err
	}
	return c.apply(ctx, key, path)
}

func (c *Controller) waitForSwitches(ctx context.Context) error {
	if c.topo.SwitchCount() > 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.SwitchWait)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ErrNoSwitches
		case <-ticker.C:
			if c.topo.SwitchCount() > 0 {
				return nil
			}
		}
	}
}

// apply installs a new flow or replaces a settled one.
func (c *Controller) apply(ctx context.Context, key common.FlowKey, path common.Path) (common.Path, error) {
	if err := c.topo.ValidatePath(path); err != nil {
		return nil, err
	}
	old, err := c.table.Override(key, path)
	if errors.Is(err, common.ErrNotFound) {
		return c.install(ctx, key, path, nil)
	}
	if err != nil {
		return nil, err
	}

	log.Infof("apply: flow=%s forced onto %s", key, path)
	var g errgroup.Group
	g.Go(func() error {
		return c.installer.RemoveRules(ctx, old)
	})
	handles, installErr := c.installer.InstallPath(ctx, key, path, nil)
	if err := g.Wait(); err != nil {
		log.Warnf("apply: flow=%s, old rules not all removed: %v", key, err)
	}
	if installErr != nil {
		c.table.Remove(key)
		if c.flows != nil {
			c.flows.RemoveFlow(key)
		}
		return nil, fmt.Errorf("force %s: %w", path, installErr)
	}
	if err := c.table.MarkInstalled(key, handles); err != nil {
		if rmErr := c.installer.RemoveRules(ctx, handles); rmErr != nil {
			log.Warnf("apply: flow=%s, orphaned rules not all removed: %v", key, rmErr)
		}
		return nil, err
	}
	if c.flows != nil {
		c.flows.PublishFlow(key, path)
	}
	c.revalidate(key, path)
	return path.Clone(), nil
}
