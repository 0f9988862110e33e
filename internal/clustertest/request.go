package clustertest

import (
	"fmt"

	"neurostat/adapters/battery"
	"neurostat/adapters/stats/statfn"
	"neurostat/domain/cluster"
	"neurostat/domain/core"
	"neurostat/domain/sensor"
	"neurostat/domain/trials"
	"neurostat/internal/config"
)

// Request is the JSON body accepted by the CLI and the HTTP API
type Request struct {
	// Conditions holds one [trial][time][channel] array per condition
	Conditions     [][][][]float64 `json:"conditions"`
	ConditionNames []string        `json:"condition_names,omitempty"`
	// Adjacency lists the spatial neighbors of every channel
	Adjacency [][]int   `json:"adjacency"`
	Statistic string    `json:"statistic,omitempty"`
	Sigma     float64   `json:"sigma,omitempty"`
	Exclude   [][]bool  `json:"exclude,omitempty"` // [time][channel]
	Options   Overrides `json:"options,omitempty"`
}

// Overrides replaces individual engine defaults. Nil fields keep the default.
type Overrides struct {
	Permutations *int     `json:"n_permutations,omitempty"`
	Threshold    *float64 `json:"threshold,omitempty"`
	PThreshold   *float64 `json:"p_threshold,omitempty"`
	Tail         *int     `json:"tail,omitempty"`
	Policy       *string  `json:"two_tailed_policy,omitempty"`
	Seed         *int64   `json:"seed,omitempty"`
	Workers      *int     `json:"n_workers,omitempty"`
	MaxStep      *int     `json:"max_step,omitempty"`
	TPower       *float64 `json:"t_power,omitempty"`
	StepDownP    *float64 `json:"step_down_p,omitempty"`
}

// Apply returns cfg with every set override copied in
func (o Overrides) Apply(cfg battery.Config) battery.Config {
	if o.Permutations != nil {
		cfg.NPermutations = *o.Permutations
	}
	if o.Threshold != nil {
		cfg = cfg.WithThreshold(*o.Threshold)
	}
	if o.PThreshold != nil {
		cfg.PThreshold = *o.PThreshold
	}
	if o.Tail != nil {
		cfg.Tail = cluster.Tail(*o.Tail)
	}
	if o.Policy != nil {
		cfg.Policy = cluster.TwoTailedPolicy(*o.Policy)
	}
	if o.Seed != nil {
		cfg.Seed = *o.Seed
	}
	if o.Workers != nil {
		cfg.NWorkers = *o.Workers
	}
	if o.MaxStep != nil {
		cfg.MaxStep = *o.MaxStep
	}
	if o.TPower != nil {
		cfg.TPower = *o.TPower
	}
	if o.StepDownP != nil {
		cfg.StepDownP = *o.StepDownP
	}
	return cfg
}

// Input is a decoded, engine-ready request
type Input struct {
	ConditionNames []string
	Conditions     []*trials.TrialTensor
	Adjacency      *sensor.Adjacency
	Statistic      string
	Sigma          float64
	Config         battery.Config
}

// Decode converts the request into tensors, an adjacency and an engine
// configuration built from defaults plus the request overrides
func (r *Request) Decode(defaults config.EngineConfig) (*Input, error) {
	if len(r.Conditions) == 0 {
		return nil, fmt.Errorf("%w: request has no conditions", core.ErrTooFewConditions)
	}
	if len(r.ConditionNames) > 0 && len(r.ConditionNames) != len(r.Conditions) {
		return nil, fmt.Errorf("%w: %d condition names for %d conditions",
			core.ErrInvalidTensor, len(r.ConditionNames), len(r.Conditions))
	}
	if len(r.Adjacency) == 0 {
		return nil, fmt.Errorf("%w: request has no adjacency", core.ErrInvalidAdjacency)
	}

	in := &Input{
		ConditionNames: r.ConditionNames,
		Statistic:      r.Statistic,
		Sigma:          r.Sigma,
		Config:         r.Options.Apply(defaults.Battery()),
	}
	if err := defaults.CheckLimits(in.Config); err != nil {
		return nil, err
	}
	if in.Statistic == "" {
		in.Statistic = defaults.Statistic
	}
	if len(in.ConditionNames) == 0 {
		for i := range r.Conditions {
			in.ConditionNames = append(in.ConditionNames, fmt.Sprintf("condition_%d", i))
		}
	}

	for i, nested := range r.Conditions {
		tensor, err := trials.FromNested(nested)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		in.Conditions = append(in.Conditions, tensor)
	}

	adj, err := sensor.FromNeighborLists(r.Adjacency)
	if err != nil {
		return nil, err
	}
	in.Adjacency = adj

	if len(r.Exclude) > 0 {
		mask, err := maskFrom(r.Exclude)
		if err != nil {
			return nil, err
		}
		in.Config.Exclude = mask
	}
	return in, nil
}

func maskFrom(rows [][]bool) (*trials.Mask, error) {
	channels := len(rows[0])
	mask := trials.NewMask(len(rows), channels)
	for t, row := range rows {
		if len(row) != channels {
			return nil, fmt.Errorf("%w: exclude row %d has %d channels, want %d",
				core.ErrShapeMismatch, t, len(row), channels)
		}
		for ch, v := range row {
			mask.Set(t, ch, v)
		}
	}
	return mask, nil
}

// Statistics lists the statistic names a request may select
func Statistics() []string { return statfn.Names() }
