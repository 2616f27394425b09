package graph

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// StronglyConnected returns the strongly connected components of the
// endorsement graph with at least minSize members. Members are sorted and
// components are ordered by size, largest first, then by first member.
// The result depends only on the set of edges, not on their order.
func StronglyConnected(edges []domain.EndorsementRecord, minSize int) [][]string {
	adj := make(map[string][]string)
	seen := make(map[[2]string]struct{}, len(edges))
	for _, e := range edges {
		if e.FromUserID == "" || e.ToUserID == "" || e.FromUserID == e.ToUserID {
			continue
		}
		key := [2]string{e.FromUserID, e.ToUserID}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		adj[e.FromUserID] = append(adj[e.FromUserID], e.ToUserID)
		if _, ok := adj[e.ToUserID]; !ok {
			adj[e.ToUserID] = nil
		}
	}

	nodes := make([]string, 0, len(adj))
	for n, out := range adj {
		nodes = append(nodes, n)
		sort.Strings(out)
	}
	sort.Strings(nodes)

	t := &tarjan{
		adj:     adj,
		index:   make(map[string]int, len(nodes)),
		low:     make(map[string]int, len(nodes)),
		onStack: make(map[string]bool, len(nodes)),
		minSize: minSize,
	}
	for _, n := range nodes {
		if _, visited := t.index[n]; !visited {
			t.connect(n)
		}
	}

	sort.Slice(t.components, func(i, j int) bool {
		a, b := t.components[i], t.components[j]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a[0] < b[0]
	})
	return t.components
}

type tarjan struct {
	adj        map[string][]string
	index      map[string]int
	low        map[string]int
	onStack    map[string]bool
	stack      []string
	next       int
	minSize    int
	components [][]string
}

func (t *tarjan) connect(v string) {
	t.index[v] = t.next
	t.low[v] = t.next
	t.next++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.adj[v] {
		if _, visited := t.index[w]; !visited {
			t.connect(w)
			t.low[v] = min(t.low[v], t.low[w])
		} else if t.onStack[w] {
			t.low[v] = min(t.low[v], t.index[w])
		}
	}

	if t.low[v] != t.index[v] {
		return
	}

	var comp []string
	for {
		w := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.onStack[w] = false
		comp = append(comp, w)
		if w == v {
			break
		}
	}
	if len(comp) >= t.minSize && len(comp) > 1 {
		sort.Strings(comp)
		t.components = append(t.components, comp)
	}
}
