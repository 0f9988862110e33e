// Package clustering groups suprathreshold cells of a (time × channel)
// statistic grid into clusters and scores them by cluster mass.
//
// Two cells are adjacent when they share a time bin and their channels are
// spatial neighbors, or when they share a channel and their time bins are at
// most MaxStep apart. Components are found with an iterative breadth-first
// search over row-major cell indices, so discovery order is fixed: clusters
// are emitted in order of their first cell in time-then-channel order.
package clustering

import (
	"fmt"
	"math"
	"sort"

	"neurostat/domain/cluster"
	"neurostat/domain/core"
	"neurostat/domain/sensor"
	"neurostat/domain/trials"
)

// Former finds connected clusters in thresholded grids. It is immutable and
// safe for concurrent use; scratch buffers are allocated per call.
type Former struct {
	adjacency *sensor.Adjacency
	maxStep   int
	exclude   *trials.Mask
}

// FormerOption configures a Former
type FormerOption func(*Former)

// WithMaxStep sets how many time bins apart two cells of the same channel may
// be and still connect. The default of 1 links only adjacent bins.
func WithMaxStep(step int) FormerOption {
	return func(f *Former) { f.maxStep = step }
}

// WithExclude removes the set cells of mask from every cluster
func WithExclude(mask *trials.Mask) FormerOption {
	return func(f *Former) { f.exclude = mask }
}

// NewFormer creates a cluster former over the given channel adjacency
func NewFormer(adjacency *sensor.Adjacency, opts ...FormerOption) (*Former, error) {
	if adjacency == nil {
		return nil, fmt.Errorf("%w: adjacency is nil", core.ErrInvalidAdjacency)
	}
	f := &Former{adjacency: adjacency, maxStep: 1}
	for _, opt := range opts {
		opt(f)
	}
	if f.maxStep < 1 {
		return nil, fmt.Errorf("%w: max step must be >= 1, got %d", core.ErrConfig, f.maxStep)
	}
	return f, nil
}

// MaxStep returns the temporal reach of the former
func (f *Former) MaxStep() int { return f.maxStep }

// Threshold builds the suprathreshold masks for a grid. Positive cells have
// value >= threshold, negative cells value <= -threshold; which masks are
// built depends on tail. NaN cells and excluded cells never pass. When
// threshold is 0 a cell equal to 0 lands in the positive mask only.
func (f *Former) Threshold(grid *trials.Grid, threshold float64, tail cluster.Tail) (pos, neg *trials.Mask) {
	if tail != cluster.TailNegative {
		pos = trials.NewMask(grid.Times, grid.Channels)
	}
	if tail != cluster.TailPositive {
		neg = trials.NewMask(grid.Times, grid.Channels)
	}
	for i, v := range grid.Values {
		if math.IsNaN(v) || f.excluded(i) {
			continue
		}
		if pos != nil && v >= threshold {
			pos.Cells[i] = true
			continue
		}
		if neg != nil && v <= -threshold {
			neg.Cells[i] = true
		}
	}
	return pos, neg
}

func (f *Former) excluded(i int) bool {
	return f.exclude != nil && i < len(f.exclude.Cells) && f.exclude.Cells[i]
}

// Form thresholds the grid and returns its clusters without scores.
// For a two-tailed test positive clusters come first, then negative ones.
func (f *Former) Form(grid *trials.Grid, threshold float64, tail cluster.Tail) []*cluster.Cluster {
	pos, neg := f.Threshold(grid, threshold, tail)
	var out []*cluster.Cluster
	for _, part := range []struct {
		mask *trials.Mask
		sign int
	}{{pos, 1}, {neg, -1}} {
		if part.mask == nil {
			continue
		}
		f.walk(part.mask, func(component []int) {
			cells := make([]cluster.Cell, len(component))
			for i, idx := range component {
				cells[i] = cluster.Cell{Time: idx / grid.Channels, Channel: idx % grid.Channels}
			}
			out = append(out, &cluster.Cluster{Sign: part.sign, Cells: cells})
		})
	}
	return out
}

// Components returns the connected components of mask as sorted row-major
// cell indices.
func (f *Former) Components(mask *trials.Mask) [][]int {
	var comps [][]int
	f.walk(mask, func(component []int) {
		comps = append(comps, append([]int(nil), component...))
	})
	return comps
}

// walk runs the BFS and hands each component, sorted by cell index, to
// visit. The slice passed to visit is reused between calls.
func (f *Former) walk(mask *trials.Mask, visit func(component []int)) {
	times, channels := mask.Times, mask.Channels
	seen := make([]bool, len(mask.Cells))
	queue := make([]int, 0, 64)

	for start, on := range mask.Cells {
		if !on || seen[start] {
			continue
		}
		queue = append(queue[:0], start)
		seen[start] = true

		for qi := 0; qi < len(queue); qi++ {
			u := queue[qi]
			t, ch := u/channels, u%channels

			for _, nb := range f.adjacency.Neighbors(ch) {
				if nb >= channels {
					continue
				}
				v := t*channels + nb
				if mask.Cells[v] && !seen[v] {
					seen[v] = true
					queue = append(queue, v)
				}
			}
			for step := 1; step <= f.maxStep; step++ {
				if tt := t - step; tt >= 0 {
					v := tt*channels + ch
					if mask.Cells[v] && !seen[v] {
						seen[v] = true
						queue = append(queue, v)
					}
				}
				if tt := t + step; tt < times {
					v := tt*channels + ch
					if mask.Cells[v] && !seen[v] {
						seen[v] = true
						queue = append(queue, v)
					}
				}
			}
		}
		sort.Ints(queue)
		visit(queue)
	}
}
