package clustering

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"neurostat/domain/cluster"
	"neurostat/domain/core"
	"neurostat/domain/trials"
)

// Scorer aggregates the statistic over a cluster's cells. Each cell
// contributes sign(v)*|v|^TPower; the default TPower of 1 is the plain sum
// (cluster mass) and 0 counts cells.
type Scorer struct {
	tPower float64
}

// NewScorer creates a cluster mass scorer
func NewScorer(tPower float64) (*Scorer, error) {
	if tPower < 0 || math.IsNaN(tPower) || math.IsInf(tPower, 0) {
		return nil, fmt.Errorf("%w: t_power must be a finite value >= 0, got %g", core.ErrConfig, tPower)
	}
	return &Scorer{tPower: tPower}, nil
}

// NewMassScorer returns the default sum-of-statistic scorer
func NewMassScorer() *Scorer {
	return &Scorer{tPower: 1}
}

// TPower returns the exponent applied to each cell value
func (s *Scorer) TPower() float64 { return s.tPower }

// Score returns the cluster's aggregate. Cells are reduced in the cluster's
// cell order, which the former fixes to ascending (time, channel).
func (s *Scorer) Score(c *cluster.Cluster, grid *trials.Grid) float64 {
	terms := make([]float64, len(c.Cells))
	for i, cell := range c.Cells {
		terms[i] = s.term(grid.At(cell.Time, cell.Channel))
	}
	return floats.Sum(terms)
}

// ScoreAll sets Score on every cluster
func (s *Scorer) ScoreAll(clusters []*cluster.Cluster, grid *trials.Grid) {
	for _, c := range clusters {
		c.Score = s.Score(c, grid)
	}
}

func (s *Scorer) scoreIndices(grid *trials.Grid, idx []int, buf []float64) ([]float64, float64) {
	buf = buf[:0]
	for _, i := range idx {
		buf = append(buf, s.term(grid.Values[i]))
	}
	return buf, floats.Sum(buf)
}

func (s *Scorer) term(v float64) float64 {
	switch s.tPower {
	case 1:
		return v
	case 0:
		if v < 0 {
			return -1
		}
		return 1
	}
	if v < 0 {
		return -math.Pow(-v, s.tPower)
	}
	return math.Pow(v, s.tPower)
}

// Extremes forms clusters on grid and returns the largest and smallest
// cluster score without materialising cell lists. A grid without clusters
// on one side reports 0 for that side.
func (f *Former) Extremes(grid *trials.Grid, threshold float64, tail cluster.Tail, s *Scorer) (hi, lo float64, n int) {
	pos, neg := f.Threshold(grid, threshold, tail)
	var buf []float64
	if pos != nil {
		f.walk(pos, func(component []int) {
			var score float64
			buf, score = s.scoreIndices(grid, component, buf)
			if n == 0 || score > hi {
				hi = score
			}
			n++
		})
	}
	nPos := n
	if neg != nil {
		f.walk(neg, func(component []int) {
			var score float64
			buf, score = s.scoreIndices(grid, component, buf)
			if n == nPos || score < lo {
				lo = score
			}
			n++
		})
	}
	return hi, lo, n
}
