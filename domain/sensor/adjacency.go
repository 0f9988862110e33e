// Package sensor models the spatial neighbor relation between recording
// channels. An Adjacency is built once from sensor geometry (by an external
// collaborator) and is read concurrently by every permutation worker.
package sensor

import (
	"fmt"
	"sort"

	"neurostat/domain/core"
)

// Edge is an undirected neighbor pair of channel indices
type Edge struct {
	A int `json:"a"`
	B int `json:"b"`
}

// Adjacency is an immutable, symmetric channel-neighbor relation without
// self-loops. Neighbor lists are sorted ascending.
type Adjacency struct {
	neighbors [][]int
}

// NewAdjacency builds an adjacency over nChannels channels from undirected
// edges. Duplicate edges collapse and self-loops are dropped.
func NewAdjacency(nChannels int, edges []Edge) (*Adjacency, error) {
	if nChannels < 0 {
		return nil, fmt.Errorf("%w: negative channel count %d", core.ErrInvalidAdjacency, nChannels)
	}
	sets := make([]map[int]struct{}, nChannels)
	for i := range sets {
		sets[i] = make(map[int]struct{})
	}
	for _, e := range edges {
		if e.A < 0 || e.B < 0 || e.A >= nChannels || e.B >= nChannels {
			return nil, fmt.Errorf("%w: edge (%d, %d) outside %d channels",
				core.ErrInvalidAdjacency, e.A, e.B, nChannels)
		}
		if e.A == e.B {
			continue
		}
		sets[e.A][e.B] = struct{}{}
		sets[e.B][e.A] = struct{}{}
	}
	return fromSets(sets), nil
}

// FromNeighborLists builds an adjacency from per-channel neighbor lists, the
// shape in which sensor layout files usually provide it. Any one-sided entry
// is mirrored so the result is symmetric.
func FromNeighborLists(lists [][]int) (*Adjacency, error) {
	var edges []Edge
	for ch, nbrs := range lists {
		for _, n := range nbrs {
			edges = append(edges, Edge{A: ch, B: n})
		}
	}
	return NewAdjacency(len(lists), edges)
}

// FullyConnected returns an adjacency where every channel neighbors every other
func FullyConnected(nChannels int) *Adjacency {
	sets := make([]map[int]struct{}, nChannels)
	for i := range sets {
		sets[i] = make(map[int]struct{}, nChannels-1)
		for j := 0; j < nChannels; j++ {
			if j != i {
				sets[i][j] = struct{}{}
			}
		}
	}
	return fromSets(sets)
}

// Isolated returns an adjacency with no spatial edges; clusters can then
// only grow through time.
func Isolated(nChannels int) *Adjacency {
	return fromSets(make([]map[int]struct{}, nChannels))
}

func fromSets(sets []map[int]struct{}) *Adjacency {
	nbrs := make([][]int, len(sets))
	for i, s := range sets {
		list := make([]int, 0, len(s))
		for n := range s {
			list = append(list, n)
		}
		sort.Ints(list)
		nbrs[i] = list
	}
	return &Adjacency{neighbors: nbrs}
}

// Len returns the number of channels described by the graph
func (a *Adjacency) Len() int { return len(a.neighbors) }

// Neighbors returns the sorted spatial neighbors of ch. A channel the graph
// does not describe has no spatial neighbors; it can still connect to itself
// across time. The returned slice must not be modified.
func (a *Adjacency) Neighbors(ch int) []int {
	if ch < 0 || ch >= len(a.neighbors) {
		return nil
	}
	return a.neighbors[ch]
}

// Degree returns the number of spatial neighbors of ch
func (a *Adjacency) Degree(ch int) int { return len(a.Neighbors(ch)) }

// HasEdge reports whether a and b are spatial neighbors
func (a *Adjacency) HasEdge(x, y int) bool {
	nbrs := a.Neighbors(x)
	i := sort.SearchInts(nbrs, y)
	return i < len(nbrs) && nbrs[i] == y
}

// Edges lists every undirected edge once, with A < B, in ascending order
func (a *Adjacency) Edges() []Edge {
	var edges []Edge
	for ch, nbrs := range a.neighbors {
		for _, n := range nbrs {
			if ch < n {
				edges = append(edges, Edge{A: ch, B: n})
			}
		}
	}
	return edges
}

// NeighborLists returns a deep copy of the neighbor lists
func (a *Adjacency) NeighborLists() [][]int {
	out := make([][]int, len(a.neighbors))
	for i, n := range a.neighbors {
		out[i] = append([]int(nil), n...)
	}
	return out
}

// Components groups channels into spatially connected sets using BFS.
// Groups are ordered by their smallest channel; members are ascending.
func (a *Adjacency) Components() [][]int {
	seen := make([]bool, len(a.neighbors))
	var comps [][]int
	for start := range a.neighbors {
		if seen[start] {
			continue
		}
		queue := []int{start}
		seen[start] = true
		for qi := 0; qi < len(queue); qi++ {
			for _, n := range a.neighbors[queue[qi]] {
				if !seen[n] {
					seen[n] = true
					queue = append(queue, n)
				}
			}
		}
		sort.Ints(queue)
		comps = append(comps, queue)
	}
	return comps
}
