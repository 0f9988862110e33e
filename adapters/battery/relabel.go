package battery

import (
	"fmt"
	"math/rand"

	"neurostat/domain/trials"
	"neurostat/ports"
)

// maxExactTrials bounds exact enumeration so 2^n fits comfortably in an int
const maxExactTrials = 30

// relabeler produces the condition tensors of one permutation. It only reads
// the unpermuted conditions, so one relabeler is shared by every worker.
type relabeler struct {
	design     ports.Design
	conditions []*trials.TrialTensor
	counts     []int
	pooled     int

	// exact enumerates every non-identity sign pattern instead of sampling
	exact bool
}

func newRelabeler(design ports.Design, conditions []*trials.TrialTensor, nPermutations int) *relabeler {
	r := &relabeler{design: design, conditions: conditions}
	for _, c := range conditions {
		r.counts = append(r.counts, c.Trials())
		r.pooled += c.Trials()
	}
	if n := r.flippable(); n > 0 && n <= maxExactTrials && 1<<uint(n) <= nPermutations {
		r.exact = true
	}
	return r
}

// flippable returns the number of independent binary choices of a
// sign-flip style design, or 0 when the design relabels a pooled set
func (r *relabeler) flippable() int {
	switch r.design {
	case ports.DesignOneSample, ports.DesignPaired:
		return r.counts[0]
	}
	return 0
}

// permutations returns how many permutations will run for a request of n:
// 2^trials - 1 under exact enumeration, n otherwise.
func (r *relabeler) permutations(n int) int {
	if r.exact {
		return 1<<uint(r.flippable()) - 1
	}
	return n
}

// relabel returns the permuted conditions for permutation index. Under exact
// enumeration the pattern comes from the bits of index+1 and rng is unused.
func (r *relabeler) relabel(index int, rng *rand.Rand) ([]*trials.TrialTensor, error) {
	switch r.design {
	case ports.DesignOneSample:
		flip := r.flips(index, rng)
		return []*trials.TrialTensor{r.conditions[0].SignFlipped(flip)}, nil

	case ports.DesignPaired:
		flip := r.flips(index, rng)
		n := r.counts[0]
		first, second := make([]int, n), make([]int, n)
		for i := 0; i < n; i++ {
			if flip[i] {
				first[i], second[i] = n+i, i
			} else {
				first[i], second[i] = i, n+i
			}
		}
		return trials.Stack(r.conditions, [][]int{first, second})

	case ports.DesignIndependent:
		perm := make([]int, r.pooled)
		for i := range perm {
			perm[i] = i
		}
		// Fisher-Yates shuffle
		for i := len(perm) - 1; i > 0; i-- {
			j := rng.Intn(i + 1)
			perm[i], perm[j] = perm[j], perm[i]
		}
		assignment := make([][]int, len(r.counts))
		offset := 0
		for k, n := range r.counts {
			assignment[k] = perm[offset : offset+n]
			offset += n
		}
		return trials.Stack(r.conditions, assignment)
	}
	return nil, fmt.Errorf("unknown design %q", r.design)
}

func (r *relabeler) flips(index int, rng *rand.Rand) []bool {
	n := r.counts[0]
	flip := make([]bool, n)
	if r.exact {
		pattern := uint64(index + 1)
		for i := range flip {
			flip[i] = pattern&(1<<uint(i)) != 0
		}
		return flip
	}
	for i := range flip {
		flip[i] = rng.Intn(2) == 1
	}
	return flip
}
