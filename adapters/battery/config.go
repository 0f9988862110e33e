package battery

import (
	"fmt"
	"math"
	"runtime"

	"neurostat/adapters/stats/statfn"
	"neurostat/domain/cluster"
	"neurostat/domain/core"
	"neurostat/domain/trials"
)

// Config holds every parameter of a cluster permutation run. There are no
// package-level defaults; callers start from DefaultConfig and override.
type Config struct {
	NPermutations int                     `json:"n_permutations"`
	Threshold     *float64                `json:"threshold,omitempty"` // nil derives one from PThreshold
	PThreshold    float64                 `json:"p_threshold"`
	Tail          cluster.Tail            `json:"tail"`
	Policy        cluster.TwoTailedPolicy `json:"two_tailed_policy"`
	Seed          int64                   `json:"seed"`
	NWorkers      int                     `json:"n_workers"`
	MaxStep       int                     `json:"max_step"`
	TPower        float64                 `json:"t_power"`
	StepDownP     float64                 `json:"step_down_p"` // 0 disables step-down
	Exclude       *trials.Mask            `json:"-"`
}

// DefaultConfig returns the configuration used when nothing is overridden:
// 1000 permutations, upper tail, automatic threshold at p = 0.05, seed 42
// and one worker per CPU.
func DefaultConfig() Config {
	return Config{
		NPermutations: 1000,
		PThreshold:    statfn.DefaultPThreshold,
		Tail:          cluster.TailPositive,
		Policy:        cluster.PolicyAbsMax,
		Seed:          42,
		NWorkers:      runtime.NumCPU(),
		MaxStep:       1,
		TPower:        1,
	}
}

// WithThreshold returns a copy of c using a fixed cluster-forming threshold
func (c Config) WithThreshold(threshold float64) Config {
	c.Threshold = &threshold
	return c
}

// Validate checks the parts of the configuration that do not depend on data
func (c Config) Validate() error {
	if c.NPermutations < 1 {
		return fmt.Errorf("%w: got %d", core.ErrPermutations, c.NPermutations)
	}
	if c.NWorkers < 1 {
		return fmt.Errorf("%w: got %d", core.ErrWorkers, c.NWorkers)
	}
	if err := c.Tail.Validate(); err != nil {
		return err
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.Threshold != nil {
		thr := *c.Threshold
		if math.IsNaN(thr) || math.IsInf(thr, 0) {
			return fmt.Errorf("%w: got %v", core.ErrThreshold, thr)
		}
		if c.Tail == cluster.TailBoth && thr < 0 {
			return core.NewConfigError(core.ErrThreshold, "two-tailed tests need threshold >= 0, got %v", thr)
		}
	} else if c.PThreshold <= 0 || c.PThreshold >= 1 {
		return core.NewConfigError(core.ErrConfig, "p threshold must lie in (0, 1), got %v", c.PThreshold)
	}
	if c.MaxStep < 1 {
		return core.NewConfigError(core.ErrConfig, "max step must be >= 1, got %d", c.MaxStep)
	}
	if c.TPower < 0 || math.IsNaN(c.TPower) || math.IsInf(c.TPower, 0) {
		return core.NewConfigError(core.ErrConfig, "t power must be finite and >= 0, got %v", c.TPower)
	}
	if c.StepDownP < 0 || c.StepDownP >= 1 {
		return core.NewConfigError(core.ErrConfig, "step-down p must lie in [0, 1), got %v", c.StepDownP)
	}
	return nil
}
