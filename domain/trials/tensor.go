package trials

import (
	"fmt"
	"math"

	"neurostat/domain/core"
)

// TrialTensor holds one condition's epochs as a dense [trial, time, channel]
// array. It is immutable once constructed; the cluster test only reads it.
type TrialTensor struct {
	data     []float64
	trials   int
	times    int
	channels int
}

// NewTrialTensor wraps row-major data of shape (trials, times, channels).
// The slice is copied so later caller mutations cannot leak into a test.
func NewTrialTensor(data []float64, trials, times, channels int) (*TrialTensor, error) {
	if trials < 0 || times <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: shape (%d, %d, %d)", core.ErrInvalidTensor, trials, times, channels)
	}
	if len(data) != trials*times*channels {
		return nil, fmt.Errorf("%w: %d values for shape (%d, %d, %d)",
			core.ErrInvalidTensor, len(data), trials, times, channels)
	}
	owned := make([]float64, len(data))
	copy(owned, data)
	return &TrialTensor{data: owned, trials: trials, times: times, channels: channels}, nil
}

// FromNested builds a tensor from a [trial][time][channel] nested slice.
func FromNested(nested [][][]float64) (*TrialTensor, error) {
	if len(nested) == 0 {
		return nil, fmt.Errorf("%w: no trials", core.ErrInvalidTensor)
	}
	times := len(nested[0])
	if times == 0 {
		return nil, fmt.Errorf("%w: trial 0 has no time bins", core.ErrInvalidTensor)
	}
	channels := len(nested[0][0])
	if channels == 0 {
		return nil, fmt.Errorf("%w: trial 0 time 0 has no channels", core.ErrInvalidTensor)
	}

	data := make([]float64, 0, len(nested)*times*channels)
	for tr, trial := range nested {
		if len(trial) != times {
			return nil, fmt.Errorf("%w: trial %d has %d time bins, want %d",
				core.ErrInvalidTensor, tr, len(trial), times)
		}
		for t, row := range trial {
			if len(row) != channels {
				return nil, fmt.Errorf("%w: trial %d time %d has %d channels, want %d",
					core.ErrInvalidTensor, tr, t, len(row), channels)
			}
			data = append(data, row...)
		}
	}
	return &TrialTensor{data: data, trials: len(nested), times: times, channels: channels}, nil
}

// Trials returns the number of trials
func (x *TrialTensor) Trials() int { return x.trials }

// Times returns the number of time bins
func (x *TrialTensor) Times() int { return x.times }

// Channels returns the number of channels
func (x *TrialTensor) Channels() int { return x.channels }

// CellCount returns times*channels
func (x *TrialTensor) CellCount() int { return x.times * x.channels }

// At returns the value for one trial, time bin and channel
func (x *TrialTensor) At(trial, t, ch int) float64 {
	return x.data[(trial*x.times+t)*x.channels+ch]
}

// Trial returns the read-only (times*channels) slab for one trial.
// Callers must not modify the returned slice.
func (x *TrialTensor) Trial(trial int) []float64 {
	n := x.times * x.channels
	return x.data[trial*n : (trial+1)*n]
}

// Nested converts the tensor back to a [trial][time][channel] slice.
func (x *TrialTensor) Nested() [][][]float64 {
	out := make([][][]float64, x.trials)
	for tr := range out {
		out[tr] = make([][]float64, x.times)
		for t := range out[tr] {
			row := make([]float64, x.channels)
			copy(row, x.data[(tr*x.times+t)*x.channels:(tr*x.times+t+1)*x.channels])
			out[tr][t] = row
		}
	}
	return out
}

// HasNonFinite reports whether any value is NaN or infinite
func (x *TrialTensor) HasNonFinite() bool {
	for _, v := range x.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// SameShape reports whether two tensors share time and channel counts.
// Trial counts may differ between conditions.
func (x *TrialTensor) SameShape(other *TrialTensor) bool {
	return x.times == other.times && x.channels == other.channels
}

// Stack groups trials from several tensors into new tensors using the
// given assignment: assignment[k] lists the pooled trial indices for
// condition k, where pooled indices enumerate conditions in order.
// The inputs are only read; each returned tensor owns fresh storage.
func Stack(conditions []*TrialTensor, assignment [][]int) ([]*TrialTensor, error) {
	if len(conditions) == 0 {
		return nil, fmt.Errorf("%w: no conditions to stack", core.ErrInvalidTensor)
	}
	ref := conditions[0]
	cells := ref.CellCount()

	slabs := make([][]float64, 0)
	for _, c := range conditions {
		for tr := 0; tr < c.trials; tr++ {
			slabs = append(slabs, c.Trial(tr))
		}
	}

	out := make([]*TrialTensor, len(assignment))
	for k, idx := range assignment {
		data := make([]float64, len(idx)*cells)
		for i, pooled := range idx {
			if pooled < 0 || pooled >= len(slabs) {
				return nil, fmt.Errorf("%w: pooled trial %d out of range", core.ErrInvalidTensor, pooled)
			}
			copy(data[i*cells:(i+1)*cells], slabs[pooled])
		}
		out[k] = &TrialTensor{data: data, trials: len(idx), times: ref.times, channels: ref.channels}
	}
	return out, nil
}

// SignFlipped returns a copy of x with every trial whose flip entry is true negated.
func (x *TrialTensor) SignFlipped(flip []bool) *TrialTensor {
	data := make([]float64, len(x.data))
	cells := x.CellCount()
	for tr := 0; tr < x.trials; tr++ {
		src := x.data[tr*cells : (tr+1)*cells]
		dst := data[tr*cells : (tr+1)*cells]
		if tr < len(flip) && flip[tr] {
			for i, v := range src {
				dst[i] = -v
			}
		} else {
			copy(dst, src)
		}
	}
	return &TrialTensor{data: data, trials: x.trials, times: x.times, channels: x.channels}
}

// Difference returns a - b trial by trial. Both tensors need the same shape
// and trial count.
func Difference(a, b *TrialTensor) (*TrialTensor, error) {
	if !a.SameShape(b) || a.trials != b.trials {
		return nil, fmt.Errorf("%w: difference of (%d,%d,%d) and (%d,%d,%d)", core.ErrUnequalTrials,
			a.trials, a.times, a.channels, b.trials, b.times, b.channels)
	}
	data := make([]float64, len(a.data))
	for i := range data {
		data[i] = a.data[i] - b.data[i]
	}
	return &TrialTensor{data: data, trials: a.trials, times: a.times, channels: a.channels}, nil
}
