package k_shortest

import (
	"container/heap"

	"controlplane/common"
)

// Route is a loop-free path of node indices and its total link cost.
type Route struct {
	Nodes []int
	Cost  int
}

// Dijkstra returns the cheapest route from source to dest, or false when dest
// is unreachable. Equal-cost ties keep the predecessor with the lowest index
// so results are deterministic.
func Dijkstra(net common.Network, source, dest int) (Route, bool) {
	n := len(net.Links)
	if source < 0 || source >= n || dest < 0 || dest >= n {
		return Route{}, false
	}
	if source == dest {
		return Route{Nodes: []int{source}}, true
	}

	dist := make([]int, n)
	prev := make([]int, n)
	visited := make([]bool, n)
	for i := range dist {
		dist[i] = -1
		prev[i] = -1
	}
	dist[source] = 0

	for {
		u := -1
		for i := 0; i < n; i++ {
			if visited[i] || dist[i] < 0 {
				continue
			}
			if u < 0 || dist[i] < dist[u] {
				u = i
			}
		}
		if u < 0 {
			break
		}
		visited[u] = true
		if u == dest {
			break
		}
		for v := 0; v < n; v++ {
			w := net.Links[u][v]
			if w < 0 || visited[v] || v == u {
				continue
			}
			alt := dist[u] + w
			if dist[v] < 0 || alt < dist[v] || (alt == dist[v] && u < prev[v]) {
				dist[v] = alt
				prev[v] = u
			}
		}
	}

	if dist[dest] < 0 {
		return Route{}, false
	}
	var rev []int
	for cur := dest; cur != -1; cur = prev[cur] {
		rev = append(rev, cur)
	}
	nodes := make([]int, len(rev))
	for i := range rev {
		nodes[i] = rev[len(rev)-1-i]
	}
	return Route{Nodes: nodes, Cost: dist[dest]}, true
}

// KShortest lists up to k loop-free routes from source to dest in
// increasing cost order using Yen's algorithm. The network is not modified.
func KShortest(net common.Network, source, dest, k int) []Route {
	var found []Route
	if k <= 0 {
		return found
	}
	work := copyNetwork(net)

	first, ok := Dijkstra(work, source, dest)
	if !ok {
		return found
	}
	found = append(found, first)

	candidates := &routeHeap{}
	for len(found) < k {
		prevNodes := found[len(found)-1].Nodes
		for i := 0; i < len(prevNodes)-1; i++ {
			spur := prevNodes[i]
			root := prevNodes[:i+1]
			removed := make(map[[2]int]int)

			// cut the next hop of every known route sharing this root
			for _, r := range found {
				if len(r.Nodes) > i+1 && intsEqual(r.Nodes[:i+1], root) {
					cut(work, removed, r.Nodes[i], r.Nodes[i+1])
				}
			}
			// isolate root nodes before the spur
			for _, node := range root[:len(root)-1] {
				for other := range work.Links {
					cut(work, removed, other, node)
					cut(work, removed, node, other)
				}
			}

			spurRoute, ok := Dijkstra(work, spur, dest)
			for edge, w := range removed {
				work.Links[edge[0]][edge[1]] = w
			}
			if !ok {
				continue
			}

			total := append(append([]int{}, root[:len(root)-1]...), spurRoute.Nodes...)
			candidate := Route{Nodes: total, Cost: routeCost(work, total)}
			if !candidates.contains(candidate) && !containsRoute(found, candidate) {
				heap.Push(candidates, candidate)
			}
		}
		if candidates.Len() == 0 {
			break
		}
		found = append(found, heap.Pop(candidates).(Route))
	}
	return found
}

// Candidates maps KShortest results back onto switch ids.
func Candidates(net common.Network, index map[common.SwitchID]int, ids []common.SwitchID,
	src, dst common.SwitchID, k int) []common.Path {

	s, okSrc := index[src]
	d, okDst := index[dst]
	if !okSrc || !okDst {
		return nil
	}
	routes := KShortest(net, s, d, k)
	paths := make([]common.Path, 0, len(routes))
	for _, r := range routes {
		p := make(common.Path, len(r.Nodes))
		for i, n := range r.Nodes {
			p[i] = ids[n]
		}
		paths = append(paths, p)
	}
	return paths
}

func cut(net common.Network, removed map[[2]int]int, from, to int) {
	if from == to || net.Links[from][to] < 0 {
		return
	}
	if _, ok := removed[[2]int{from, to}]; ok {
		return
	}
	removed[[2]int{from, to}] = net.Links[from][to]
	net.Links[from][to] = -1
}

func routeCost(net common.Network, nodes []int) int {
	cost := 0
	for i := 0; i+1 < len(nodes); i++ {
		cost += net.Links[nodes[i]][nodes[i+1]]
	}
	return cost
}

func copyNetwork(net common.Network) common.Network {
	out := common.Network{Links: make([][]int, len(net.Links))}
	for i := range net.Links {
		out.Links[i] = make([]int, len(net.Links[i]))
		copy(out.Links[i], net.Links[i])
	}
	return out
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsRoute(routes []Route, r Route) bool {
	for _, x := range routes {
		if intsEqual(x.Nodes, r.Nodes) {
			return true
		}
	}
	return false
}

// routeHeap orders by cost, then hop count, then lexicographic node order.
type routeHeap []Route

func (h routeHeap) Len() int { return len(h) }

func (h routeHeap) Less(i, j int) bool {
	if h[i].Cost != h[j].Cost {
		return h[i].Cost < h[j].Cost
	}
	if len(h[i].Nodes) != len(h[j].Nodes) {
		return len(h[i].Nodes) < len(h[j].Nodes)
	}
	for k := range h[i].Nodes {
		if h[i].Nodes[k] != h[j].Nodes[k] {
			return h[i].Nodes[k] < h[j].Nodes[k]
		}
	}
	return false
}

func (h routeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *routeHeap) Push(x interface{}) { *h = append(*h, x.(Route)) }

func (h *routeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	*h = old[:n-1]
	return r
}

func (h routeHeap) contains(r Route) bool {
	return containsRoute(h, r)
}
