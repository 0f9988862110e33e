package testkit

import (
	"fmt"
	"math/rand"

	"neurostat/domain/sensor"
	"neurostat/domain/trials"
)

// Effect adds a constant offset to a block of cells in one condition
type Effect struct {
	Condition int     `json:"condition"`
	TimeFrom  int     `json:"time_from"` // inclusive
	TimeTo    int     `json:"time_to"`   // exclusive
	Channels  []int   `json:"channels"`
	Amplitude float64 `json:"amplitude"`
}

// TrialGeneratorConfig configures the synthetic trial generator
type TrialGeneratorConfig struct {
	Conditions int      `json:"conditions"`
	Trials     []int    `json:"trials"` // per condition; a single entry applies to all
	Times      int      `json:"times"`
	Channels   int      `json:"channels"`
	Noise      float64  `json:"noise"` // standard deviation of the gaussian noise
	Effects    []Effect `json:"effects"`
	Seed       int64    `json:"seed"`
}

// DefaultTrialConfig returns two conditions of 20 trials over a 20×8 grid with
// a positive effect in condition 0 on channels 2-4 between bins 5 and 12
func DefaultTrialConfig() TrialGeneratorConfig {
	return TrialGeneratorConfig{
		Conditions: 2,
		Trials:     []int{20},
		Times:      20,
		Channels:   8,
		Noise:      1.0,
		Effects: []Effect{
			{Condition: 0, TimeFrom: 5, TimeTo: 12, Channels: []int{2, 3, 4}, Amplitude: 2.5},
		},
		Seed: 42,
	}
}

// TrialGenerator produces deterministic synthetic MEG/EEG-like trial tensors
type TrialGenerator struct {
	config TrialGeneratorConfig
	rng    *rand.Rand
}

// NewTrialGenerator creates a new trial generator
func NewTrialGenerator(config TrialGeneratorConfig) *TrialGenerator {
	return &TrialGenerator{
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
	}
}

// Generate draws one tensor per condition
func (g *TrialGenerator) Generate() ([]*trials.TrialTensor, error) {
	cfg := g.config
	if cfg.Conditions < 1 || cfg.Times < 1 || cfg.Channels < 1 {
		return nil, fmt.Errorf("generator needs at least one condition, time bin and channel")
	}
	if len(cfg.Trials) == 0 {
		return nil, fmt.Errorf("generator needs trial counts")
	}

	out := make([]*trials.TrialTensor, cfg.Conditions)
	for k := 0; k < cfg.Conditions; k++ {
		n := cfg.Trials[0]
		if k < len(cfg.Trials) {
			n = cfg.Trials[k]
		}
		cells := cfg.Times * cfg.Channels
		data := make([]float64, n*cells)
		for i := range data {
			data[i] = g.rng.NormFloat64() * cfg.Noise
		}
		for _, eff := range cfg.Effects {
			if eff.Condition != k {
				continue
			}
			for tr := 0; tr < n; tr++ {
				for t := eff.TimeFrom; t < eff.TimeTo && t < cfg.Times; t++ {
					for _, ch := range eff.Channels {
						if ch >= 0 && ch < cfg.Channels {
							data[tr*cells+t*cfg.Channels+ch] += eff.Amplitude
						}
					}
				}
			}
		}
		tensor, err := trials.NewTrialTensor(data, n, cfg.Times, cfg.Channels)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", k, err)
		}
		out[k] = tensor
	}
	return out, nil
}

// LineAdjacency links each channel to the next, as on a linear electrode strip
func LineAdjacency(n int) *sensor.Adjacency {
	edges := make([]sensor.Edge, 0, n)
	for ch := 0; ch+1 < n; ch++ {
		edges = append(edges, sensor.Edge{A: ch, B: ch + 1})
	}
	adj, err := sensor.NewAdjacency(n, edges)
	if err != nil {
		panic(err)
	}
	return adj
}
