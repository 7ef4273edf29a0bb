package decision

import (
	"context"
	"fmt"

	"controlplane/topology"
)

// ShortestPathPolicy answers from the topology's BFS. Used when no oracle is
// configured.
type ShortestPathPolicy struct {
	topo *topology.TopologyManager
}

func NewShortestPathPolicy(topo *topology.TopologyManager) *ShortestPathPolicy {
	return &ShortestPathPolicy{topo: topo}
}

func (p *ShortestPathPolicy) Name() string { return PolicyShortestPath }

func (p *ShortestPathPolicy) SelectPath(ctx context.Context, req Request) (Response, error) {
	src, err := parseSwitch(req.Src)
	if err != nil {
		return Response{}, fmt.Errorf("bad src %q: %w", req.Src, err)
	}
	dst, err := parseSwitch(req.Dst)
	if err != nil {
		return Response{}, fmt.Errorf("bad dst %q: %w", req.Dst, err)
	}
	path, err := p.topo.ShortestPath(src, dst)
	if err != nil {
		return Response{}, err
	}
	ids := make([]uint64, len(path))
	for i, s := range path {
		ids[i] = uint64(s)
	}
	return Response{Path: ids, ActionIdx: -1}, nil
}
