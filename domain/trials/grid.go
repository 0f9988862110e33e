package trials

import (
	"encoding/json"
	"fmt"
	"math"
)

// Grid is a (time × channel) plane of per-cell values: test statistics for a
// single permutation, or a threshold mask when paired with Mask.
type Grid struct {
	Times    int       `json:"times"`
	Channels int       `json:"channels"`
	Values   []float64 `json:"values"`
}

// NewGrid allocates a zeroed grid
func NewGrid(times, channels int) *Grid {
	return &Grid{Times: times, Channels: channels, Values: make([]float64, times*channels)}
}

// Index maps (time, channel) to the row-major cell index
func (g *Grid) Index(t, ch int) int { return t*g.Channels + ch }

// Coordinate maps a cell index back to (time, channel)
func (g *Grid) Coordinate(i int) (int, int) { return i / g.Channels, i % g.Channels }

// At returns the value at (time, channel)
func (g *Grid) At(t, ch int) float64 { return g.Values[t*g.Channels+ch] }

// Set stores v at (time, channel)
func (g *Grid) Set(t, ch int, v float64) { g.Values[t*g.Channels+ch] = v }

// Len returns the number of cells
func (g *Grid) Len() int { return len(g.Values) }

// Rows returns the grid as [time][channel]
func (g *Grid) Rows() [][]float64 {
	rows := make([][]float64, g.Times)
	for t := range rows {
		rows[t] = make([]float64, g.Channels)
		copy(rows[t], g.Values[t*g.Channels:(t+1)*g.Channels])
	}
	return rows
}

// Sanitize replaces NaN and ±Inf cells with NaN, which never passes a
// threshold, and returns how many cells were replaced.
func (g *Grid) Sanitize() int {
	bad := 0
	for i, v := range g.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			g.Values[i] = math.NaN()
			bad++
		}
	}
	return bad
}

type gridJSON struct {
	Times    int        `json:"times"`
	Channels int        `json:"channels"`
	Values   []*float64 `json:"values"`
}

// MarshalJSON encodes non-finite cells as null
func (g *Grid) MarshalJSON() ([]byte, error) {
	out := gridJSON{Times: g.Times, Channels: g.Channels, Values: make([]*float64, len(g.Values))}
	for i := range g.Values {
		if v := g.Values[i]; !math.IsNaN(v) && !math.IsInf(v, 0) {
			out.Values[i] = &g.Values[i]
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes null cells as NaN
func (g *Grid) UnmarshalJSON(data []byte) error {
	var in gridJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Times < 0 || in.Channels < 0 || len(in.Values) != in.Times*in.Channels {
		return fmt.Errorf("grid of %d×%d cannot hold %d values", in.Times, in.Channels, len(in.Values))
	}
	g.Times, g.Channels = in.Times, in.Channels
	g.Values = make([]float64, len(in.Values))
	for i, v := range in.Values {
		if v == nil {
			g.Values[i] = math.NaN()
		} else {
			g.Values[i] = *v
		}
	}
	return nil
}

// Mask is a boolean (time × channel) plane
type Mask struct {
	Times    int
	Channels int
	Cells    []bool
}

// NewMask allocates an all-false mask
func NewMask(times, channels int) *Mask {
	return &Mask{Times: times, Channels: channels, Cells: make([]bool, times*channels)}
}

// At reports whether (time, channel) is set
func (m *Mask) At(t, ch int) bool { return m.Cells[t*m.Channels+ch] }

// Set marks (time, channel)
func (m *Mask) Set(t, ch int, v bool) { m.Cells[t*m.Channels+ch] = v }

// Count returns the number of set cells
func (m *Mask) Count() int {
	n := 0
	for _, c := range m.Cells {
		if c {
			n++
		}
	}
	return n
}
