package topology

import (
	"fmt"
	"sort"
	"sync"

	"controlplane/common"

	log "github.com/sirupsen/logrus"
)

// Watcher is notified synchronously after a link changes state. Callbacks run
// after the topology lock is released and before ApplyLinkUp/ApplyLinkDown
// return, in registration order.
type Watcher interface {
	LinkDown(link common.Link)
	LinkUp(link common.Link)
}

type Host struct {
	Name   string
	IP     string
	MAC    string
	Switch common.SwitchID
	Port   common.PortNo
}

type switchNode struct {
	id    common.SwitchID
	name  string
	ports map[common.PortNo]bool
}

// TopologyManager is the authoritative switch/link/host graph.
type TopologyManager struct {
	mutex      sync.RWMutex
	switches   map[common.SwitchID]*switchNode
	links      map[common.Endpoint]*common.Link
	hosts      map[string]Host
	generation uint64

	watchMutex sync.RWMutex
	watchers   []Watcher
}

func NewTopologyManager() *TopologyManager {
	return &TopologyManager{
		switches: make(map[common.SwitchID]*switchNode),
		links:    make(map[common.Endpoint]*common.Link),
		hosts:    make(map[string]Host),
	}
}

func (tm *TopologyManager) AddWatcher(w Watcher) {
	tm.watchMutex.Lock()
	defer tm.watchMutex.Unlock()
	tm.watchers = append(tm.watchers, w)
}

func (tm *TopologyManager) notify(link common.Link, up bool) {
	tm.watchMutex.RLock()
	watchers := make([]Watcher, len(tm.watchers))
	copy(watchers, tm.watchers)
	tm.watchMutex.RUnlock()

	for _, w := range watchers {
		if up {
			w.LinkUp(link)
		} else {
			w.LinkDown(link)
		}
	}
}

// AddSwitch registers a switch on its first connectivity event. It returns
// false when the switch was already known.
func (tm *TopologyManager) AddSwitch(id common.SwitchID, name string) bool {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	if sw, exists := tm.switches[id]; exists {
		if name != "" {
			sw.name = name
		}
		return false
	}
	tm.switches[id] = &switchNode{id: id, name: name, ports: make(map[common.PortNo]bool)}
	tm.generation++
	log.Infof("AddSwitch: switch %s (%s) added, total %d", id, name, len(tm.switches))
	return true
}

// RemoveSwitch takes every link of the switch down, then forgets the switch.
func (tm *TopologyManager) RemoveSwitch(id common.SwitchID) {
	tm.mutex.RLock()
	var attached []common.Link
	for _, l := range tm.links {
		if l.From == id && l.Up {
			attached = append(attached, *l)
		}
	}
	tm.mutex.RUnlock()

	for _, l := range attached {
		tm.ApplyLinkDown(l)
	}

	tm.mutex.Lock()
	defer tm.mutex.Unlock()
	if _, exists := tm.switches[id]; !exists {
		return
	}
	for ep, l := range tm.links {
		if l.From == id || l.To == id {
			delete(tm.links, ep)
		}
	}
	delete(tm.switches, id)
	tm.generation++
	log.Infof("RemoveSwitch: switch %s removed, total %d", id, len(tm.switches))
}

func (tm *TopologyManager) HasSwitch(id common.SwitchID) bool {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()
	_, exists := tm.switches[id]
	return exists
}

func (tm *TopologyManager) SwitchCount() int {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()
	return len(tm.switches)
}

func (tm *TopologyManager) Switches() []common.SwitchID {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()
	return tm.sortedSwitchesLocked()
}

func (tm *TopologyManager) sortedSwitchesLocked() []common.SwitchID {
	ids := make([]common.SwitchID, 0, len(tm.switches))
	for id := range tm.switches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (tm *TopologyManager) AddHost(h Host) {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()
	tm.hosts[h.IP] = h
}

// HostByIP returns the attachment point of a host address.
func (tm *TopologyManager) HostByIP(ip string) (Host, bool) {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()
	h, ok := tm.hosts[ip]
	return h, ok
}

func (tm *TopologyManager) Hosts() []Host {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()
	out := make([]Host, 0, len(tm.hosts))
	for _, h := range tm.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// ApplyLinkUp marks the link and its reverse live, creating them and their
// switches if needed. It returns false when both directions were already up.
func (tm *TopologyManager) ApplyLinkUp(link common.Link) bool {
	link.Up = true
	reverse := link.Reverse()

	tm.mutex.Lock()
	changed := false
	for _, l := range []common.Link{link, reverse} {
		if _, exists := tm.switches[l.From]; !exists {
			tm.switches[l.From] = &switchNode{id: l.From, ports: make(map[common.PortNo]bool)}
		}
		tm.switches[l.From].ports[l.FromPort] = true

		ep := common.Endpoint{Switch: l.From, Port: l.FromPort}
		existing, exists := tm.links[ep]
		if exists && existing.Up && existing.To == l.To && existing.ToPort == l.ToPort {
			continue
		}
		copied := l
		tm.links[ep] = &copied
		changed = true
	}
	if changed {
		tm.generation++
	}
	tm.mutex.Unlock()

	if !changed {
		return false
	}
	log.Infof("ApplyLinkUp: link %s is up", link)
	tm.notify(link, true)
	return true
}

// ApplyLinkDown marks the link and its reverse down. Repeated calls for an
// already-down or unknown link are no-ops and return false. Watchers have
// observed the change by the time this returns.
func (tm *TopologyManager) ApplyLinkDown(link common.Link) bool {
	tm.mutex.Lock()
	forward, exists := tm.links[common.Endpoint{Switch: link.From, Port: link.FromPort}]
	if !exists || !forward.Up {
		tm.mutex.Unlock()
		return false
	}
	forward.Up = false
	if sw, ok := tm.switches[forward.From]; ok {
		sw.ports[forward.FromPort] = false
	}
	if reverse, ok := tm.links[common.Endpoint{Switch: forward.To, Port: forward.ToPort}]; ok {
		reverse.Up = false
		if sw, ok := tm.switches[reverse.From]; ok {
			sw.ports[reverse.FromPort] = false
		}
	}
	tm.generation++
	down := *forward
	tm.mutex.Unlock()

	log.Infof("ApplyLinkDown: link %s is down", down)
	tm.notify(down, false)
	return true
}

// LinkAt returns the directional link leaving the given switch port.
func (tm *TopologyManager) LinkAt(sw common.SwitchID, port common.PortNo) (common.Link, bool) {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()
	l, ok := tm.links[common.Endpoint{Switch: sw, Port: port}]
	if !ok {
		return common.Link{}, false
	}
	return *l, true
}

// Links returns every directional link, live or not.
func (tm *TopologyManager) Links() []common.Link {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()
	out := make([]common.Link, 0, len(tm.links))
	for _, l := range tm.links {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].FromPort < out[j].FromPort
	})
	return out
}

// Neighbors returns the switches reachable over one live link, ascending.
func (tm *TopologyManager) Neighbors(id common.SwitchID) []common.SwitchID {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()
	return tm.neighborsLocked(id)
}

func (tm *TopologyManager) neighborsLocked(id common.SwitchID) []common.SwitchID {
	seen := make(map[common.SwitchID]bool)
	var out []common.SwitchID
	for _, l := range tm.links {
		if l.From == id && l.Up && !seen[l.To] {
			seen[l.To] = true
			out = append(out, l.To)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ShortestPath runs a hop-count BFS. Neighbors are expanded in ascending id
// order and the first discovery wins, so equal-length ties resolve to the
// lowest ids.
func (tm *TopologyManager) ShortestPath(src, dst common.SwitchID) (common.Path, error) {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()

	if _, ok := tm.switches[src]; !ok {
		return nil, fmt.Errorf("%w: unknown switch %s", common.ErrNotFound, src)
	}
	if _, ok := tm.switches[dst]; !ok {
		return nil, fmt.Errorf("%w: unknown switch %s", common.ErrNotFound, dst)
	}
	if src == dst {
		return common.Path{src}, nil
	}

	parent := map[common.SwitchID]common.SwitchID{src: src}
	queue := []common.SwitchID{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range tm.neighborsLocked(cur) {
			if _, visited := parent[next]; visited {
				continue
			}
			parent[next] = cur
			if next == dst {
				return buildPath(parent, src, dst), nil
			}
			queue = append(queue, next)
		}
	}
	return nil, fmt.Errorf("%w: %s to %s", common.ErrNoPath, src, dst)
}

func buildPath(parent map[common.SwitchID]common.SwitchID, src, dst common.SwitchID) common.Path {
	var rev common.Path
	for cur := dst; ; cur = parent[cur] {
		rev = append(rev, cur)
		if cur == src {
			break
		}
	}
	path := make(common.Path, len(rev))
	for i := range rev {
		path[i] = rev[len(rev)-1-i]
	}
	return path
}

// OutPort returns the lowest-numbered live port on from that leads to to.
func (tm *TopologyManager) OutPort(from, to common.SwitchID) (common.PortNo, bool) {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()

	found := false
	var best common.PortNo
	for _, l := range tm.links {
		if l.From == from && l.To == to && l.Up {
			if !found || l.FromPort < best {
				best = l.FromPort
				found = true
			}
		}
	}
	return best, found
}

// ValidatePath checks that every consecutive hop is joined by a live link.
func (tm *TopologyManager) ValidatePath(path common.Path) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty path", common.ErrInvalidPath)
	}
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()

	for _, id := range path {
		if _, ok := tm.switches[id]; !ok {
			return fmt.Errorf("%w: unknown switch %s", common.ErrStale, id)
		}
	}
	for i := 0; i+1 < len(path); i++ {
		live := false
		for _, l := range tm.links {
			if l.From == path[i] && l.To == path[i+1] && l.Up {
				live = true
				break
			}
		}
		if !live {
			return fmt.Errorf("%w: no live link %s->%s", common.ErrStale, path[i], path[i+1])
		}
	}
	return nil
}

// Generation increases on every structural change.
func (tm *TopologyManager) Generation() uint64 {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()
	return tm.generation
}

// Density is live undirected links over the number of switch pairs.
func (tm *TopologyManager) Density() float64 {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()

	n := len(tm.switches)
	if n < 2 {
		return 0
	}
	live := 0
	for _, l := range tm.links {
		if l.Up {
			live++
		}
	}
	return float64(live/2) / (float64(n*(n-1)) / 2)
}

// GetNetwork returns a hop-weight adjacency matrix of the live graph plus the
// index<->switch mapping used to read results back.
func (tm *TopologyManager) GetNetwork() (common.Network, map[common.SwitchID]int, []common.SwitchID) {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()

	ids := tm.sortedSwitchesLocked()
	index := make(map[common.SwitchID]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	network := common.Network{Links: make([][]int, len(ids))}
	for i := range network.Links {
		network.Links[i] = make([]int, len(ids))
		for j := range network.Links[i] {
			network.Links[i][j] = -1
		}
	}
	for _, l := range tm.links {
		if !l.Up {
			continue
		}
		from, okFrom := index[l.From]
		to, okTo := index[l.To]
		if okFrom && okTo {
			network.Links[from][to] = 1
		}
	}
	return network, index, ids
}
