package battery

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rngadapter "neurostat/adapters/rng"
	"neurostat/adapters/stats/clustering"
	"neurostat/adapters/stats/statfn"
	"neurostat/domain/cluster"
	"neurostat/domain/core"
	"neurostat/domain/sensor"
	"neurostat/domain/trials"
	"neurostat/internal"
	"neurostat/internal/significance"
	"neurostat/internal/testkit"
	"neurostat/ports"
)

func quietLogger() *internal.Logger {
	return internal.NewLogger(internal.LogLevelError)
}

func generate(t *testing.T, cfg testkit.TrialGeneratorConfig) []*trials.TrialTensor {
	t.Helper()
	conds, err := testkit.NewTrialGenerator(cfg).Generate()
	require.NoError(t, err)
	return conds
}

func newEngine(t *testing.T, cfg Config, fn ports.StatisticFunc) *ClusterPermutationEngine {
	t.Helper()
	engine, err := NewClusterPermutationEngine(cfg, fn, rngadapter.NewAdapter(), quietLogger())
	require.NoError(t, err)
	return engine
}

func assertPValuesInRange(t *testing.T, ps []float64) {
	t.Helper()
	for i, p := range ps {
		assert.Greater(t, p, 0.0, "p-value %d", i)
		assert.LessOrEqual(t, p, 1.0, "p-value %d", i)
	}
}

func TestClusterPermutationEngine_DetectsEffect(t *testing.T) {
	conds := generate(t, testkit.DefaultTrialConfig())

	cfg := DefaultConfig()
	cfg.NPermutations = 200
	cfg.NWorkers = 4
	engine := newEngine(t, cfg, statfn.NewFOneWay())

	result, err := engine.Run(context.Background(), conds, testkit.LineAdjacency(8))
	require.NoError(t, err)

	require.NotEmpty(t, result.Clusters)
	require.Len(t, result.PValues, len(result.Clusters))
	assertPValuesInRange(t, result.PValues)

	strongest, p := strongestCluster(result)
	assert.Less(t, p, 0.05)
	assert.Contains(t, strongest.Channels(), 3)
	assert.Equal(t, 1, strongest.Sign)
	assert.NotEmpty(t, strongest.ID)

	assert.Equal(t, 200, result.Requested)
	assert.Equal(t, 200, result.Completed)
	assert.Equal(t, 200, result.Null.Len())
	assert.Empty(t, result.Null.Min)
	assert.False(t, result.Partial)
	assert.False(t, result.Exact)
	assert.Greater(t, result.Threshold, 0.0)
	assert.False(t, result.Fingerprint.IsEmpty())
	assert.Equal(t, statfn.NameFOneWay, result.Statistic)
}

func TestClusterPermutationEngine_Reproducible(t *testing.T) {
	conds := generate(t, testkit.DefaultTrialConfig())
	adj := testkit.LineAdjacency(8)

	cfg := DefaultConfig()
	cfg.NPermutations = 100
	cfg.NWorkers = 1

	first, err := newEngine(t, cfg, statfn.NewFOneWay()).Run(context.Background(), conds, adj)
	require.NoError(t, err)
	second, err := newEngine(t, cfg, statfn.NewFOneWay()).Run(context.Background(), conds, adj)
	require.NoError(t, err)

	assert.Equal(t, first.Null, second.Null)
	assert.Equal(t, first.PValues, second.PValues)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestClusterPermutationEngine_IndependentOfWorkerCount(t *testing.T) {
	cfg := testkit.DefaultTrialConfig()
	cfg.Conditions = 3
	cfg.Trials = []int{8, 10, 12}
	conds := generate(t, cfg)
	adj := testkit.LineAdjacency(8)

	var fingerprints []core.Hash
	var nulls []cluster.NullDistribution
	for _, workers := range []int{1, 3, 8} {
		ecfg := DefaultConfig()
		ecfg.NPermutations = 64
		ecfg.NWorkers = workers
		result, err := newEngine(t, ecfg, statfn.NewFOneWay()).Run(context.Background(), conds, adj)
		require.NoError(t, err)
		fingerprints = append(fingerprints, result.Fingerprint)
		nulls = append(nulls, result.Null)
	}
	assert.Equal(t, fingerprints[0], fingerprints[1])
	assert.Equal(t, fingerprints[0], fingerprints[2])
	assert.Equal(t, nulls[0], nulls[2])
}

func TestClusterPermutationEngine_DifferentSeedsDiffer(t *testing.T) {
	conds := generate(t, testkit.DefaultTrialConfig())
	adj := testkit.LineAdjacency(8)

	cfg := DefaultConfig()
	cfg.NPermutations = 50
	cfg.NWorkers = 2
	a, err := newEngine(t, cfg, statfn.NewFOneWay()).Run(context.Background(), conds, adj)
	require.NoError(t, err)

	cfg.Seed = 7
	b, err := newEngine(t, cfg, statfn.NewFOneWay()).Run(context.Background(), conds, adj)
	require.NoError(t, err)

	assert.NotEqual(t, a.Null.Max, b.Null.Max)
}

func TestClusterPermutationEngine_ThresholdZeroSingleCluster(t *testing.T) {
	gen := testkit.TrialGeneratorConfig{
		Conditions: 2, Trials: []int{10}, Times: 5, Channels: 3, Noise: 1, Seed: 3,
	}
	conds := generate(t, gen)

	cfg := DefaultConfig().WithThreshold(0)
	cfg.NPermutations = 20
	result, err := newEngine(t, cfg, statfn.NewFOneWay()).Run(context.Background(), conds, sensor.FullyConnected(3))
	require.NoError(t, err)

	require.Len(t, result.Clusters, 1)
	assert.Equal(t, 15, result.Clusters[0].Size())
	assert.Equal(t, 0.0, result.Threshold)
}

func TestClusterPermutationEngine_NoEffect(t *testing.T) {
	gen := testkit.DefaultTrialConfig()
	gen.Effects = nil
	conds := generate(t, gen)

	cfg := DefaultConfig()
	cfg.NPermutations = 100
	cfg.NWorkers = 2
	result, err := newEngine(t, cfg, statfn.NewFOneWay()).Run(context.Background(), conds, testkit.LineAdjacency(8))
	require.NoError(t, err)

	assert.Len(t, result.PValues, len(result.Clusters))
	assertPValuesInRange(t, result.PValues)
	if len(result.Clusters) == 0 {
		require.NotEmpty(t, result.Warnings)
		assert.Equal(t, cluster.WarningNoClusters, result.Warnings[len(result.Warnings)-1].Code)
	}
}

func TestClusterPermutationEngine_TwoTailedIndependentT(t *testing.T) {
	gen := testkit.DefaultTrialConfig()
	gen.Effects[0].Condition = 1
	conds := generate(t, gen)

	for _, policy := range []cluster.TwoTailedPolicy{cluster.PolicyAbsMax, cluster.PolicyPerSign} {
		t.Run(string(policy), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Tail = cluster.TailBoth
			cfg.Policy = policy
			cfg.NPermutations = 200
			cfg.NWorkers = 4
			result, err := newEngine(t, cfg, statfn.NewTTestIndependent()).Run(context.Background(), conds, testkit.LineAdjacency(8))
			require.NoError(t, err)

			assert.Equal(t, 200, len(result.Null.Max))
			assert.Equal(t, 200, len(result.Null.Min))
			assert.Equal(t, policy, result.Policy)
			assertPValuesInRange(t, result.PValues)

			require.NotEmpty(t, result.Clusters)
			strongest, p := strongestCluster(result)
			assert.Less(t, p, 0.05)
			// condition 1 carries the effect, so condition 0 - condition 1 is negative
			assert.Equal(t, -1, strongest.Sign)

			if policy == cluster.PolicyAbsMax {
				hi, lo := permutationExtremes(t, cfg, statfn.NewTTestIndependent(), conds, result.Threshold)
				for i, c := range result.Clusters {
					count := 0
					for k := range hi {
						if math.Max(math.Abs(hi[k]), math.Abs(lo[k])) >= math.Abs(c.Score) {
							count++
						}
					}
					want := float64(count+1) / float64(len(hi)+1)
					assert.InDelta(t, want, result.PValues[i], 1e-12, "cluster %d", i)
				}
			}
		})
	}
}

// permutationExtremes recomputes the max and min cluster score of every
// permutation index one at a time, keeping each pair together
func permutationExtremes(t *testing.T, cfg Config, fn ports.StatisticFunc, conds []*trials.TrialTensor, threshold float64) (hi, lo []float64) {
	t.Helper()
	former, err := clustering.NewFormer(testkit.LineAdjacency(8), clustering.WithMaxStep(cfg.MaxStep))
	require.NoError(t, err)
	scorer, err := clustering.NewScorer(cfg.TPower)
	require.NoError(t, err)
	relabeler := newRelabeler(fn.Design(), conds, cfg.NPermutations)
	rngPort := rngadapter.NewAdapter()

	for i := 0; i < relabeler.permutations(cfg.NPermutations); i++ {
		rng, err := rngPort.PermutationStream(context.Background(), cfg.Seed, i)
		require.NoError(t, err)
		permuted, err := relabeler.relabel(i, rng)
		require.NoError(t, err)
		grid, err := fn.Compute(permuted)
		require.NoError(t, err)
		grid.Sanitize()
		h, l, _ := former.Extremes(grid, threshold, cfg.Tail, scorer)
		hi = append(hi, h)
		lo = append(lo, l)
	}
	return hi, lo
}

func TestNullFrom_KeepsPermutationPairs(t *testing.T) {
	e := &ClusterPermutationEngine{}
	// permutation A has extremes (10, -9), permutation B (1, -1)
	null := e.nullFrom(nullSegment{max: []float64{10, 1}, min: []float64{-9, -1}})

	assert.Equal(t, []float64{1, 10}, null.Max)
	assert.Equal(t, []float64{-1, -9}, null.Min)

	calc, err := significance.NewCalculator(cluster.TailBoth, cluster.PolicyAbsMax)
	require.NoError(t, err)
	p, err := calc.PValue(5, 1, &null)
	require.NoError(t, err)
	// only permutation A reaches |5|
	assert.InDelta(t, 2.0/3.0, p, 1e-12)
}

func TestNullFrom_OneTailedSorted(t *testing.T) {
	e := &ClusterPermutationEngine{}
	null := e.nullFrom(nullSegment{max: []float64{3, 1, 2}})
	assert.Equal(t, []float64{1, 2, 3}, null.Max)
	assert.Empty(t, null.Min)
}

func TestClusterPermutationEngine_PairedT(t *testing.T) {
	conds := generate(t, testkit.DefaultTrialConfig())

	cfg := DefaultConfig()
	cfg.NPermutations = 200
	cfg.NWorkers = 3
	result, err := newEngine(t, cfg, statfn.NewTTestPaired(0)).Run(context.Background(), conds, testkit.LineAdjacency(8))
	require.NoError(t, err)

	assert.False(t, result.Exact)
	assert.NotEmpty(t, result.Significant(0.05))
}

func TestClusterPermutationEngine_ExactEnumeration(t *testing.T) {
	gen := testkit.TrialGeneratorConfig{
		Conditions: 1, Trials: []int{5}, Times: 6, Channels: 4, Noise: 1, Seed: 11,
		Effects: []testkit.Effect{{Condition: 0, TimeFrom: 1, TimeTo: 4, Channels: []int{1, 2}, Amplitude: 3}},
	}
	conds := generate(t, gen)

	cfg := DefaultConfig()
	cfg.NPermutations = 1000
	cfg.NWorkers = 4
	result, err := newEngine(t, cfg, statfn.NewTTestOneSample(0)).Run(context.Background(), conds, testkit.LineAdjacency(4))
	require.NoError(t, err)

	assert.True(t, result.Exact)
	assert.Equal(t, 31, result.Completed)
	assert.Equal(t, 31, result.Null.Len())
	assert.Equal(t, 1000, result.Requested)
	assert.False(t, result.Partial)
	codes := warningCodes(result)
	assert.Contains(t, codes, cluster.WarningExactEnumeration)
	assert.NotContains(t, codes, cluster.WarningPartialNull)
	assertPValuesInRange(t, result.PValues)
}

func TestClusterPermutationEngine_StepDown(t *testing.T) {
	gen := testkit.DefaultTrialConfig()
	gen.Effects = append(gen.Effects, testkit.Effect{Condition: 0, TimeFrom: 14, TimeTo: 18, Channels: []int{6, 7}, Amplitude: 1.2})
	conds := generate(t, gen)

	cfg := DefaultConfig()
	cfg.NPermutations = 100
	cfg.NWorkers = 4
	cfg.StepDownP = 0.05
	result, err := newEngine(t, cfg, statfn.NewFOneWay()).Run(context.Background(), conds, testkit.LineAdjacency(8))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, result.StepDownRuns, 2)
	assert.NotEmpty(t, result.Significant(0.05))
	assertPValuesInRange(t, result.PValues)

	cfg.StepDownP = 0
	plain, err := newEngine(t, cfg, statfn.NewFOneWay()).Run(context.Background(), conds, testkit.LineAdjacency(8))
	require.NoError(t, err)
	assert.Equal(t, 0, plain.StepDownRuns)
	require.Len(t, plain.PValues, len(result.PValues))
	for i := range plain.PValues {
		assert.LessOrEqual(t, result.PValues[i], plain.PValues[i], "step-down never raises a p-value")
	}
}

// degenerateStat wraps the F statistic and poisons one cell
type degenerateStat struct {
	*statfn.FOneWay
}

func (d degenerateStat) Compute(conditions []*trials.TrialTensor) (*trials.Grid, error) {
	g, err := d.FOneWay.Compute(conditions)
	if err != nil {
		return nil, err
	}
	g.Set(0, 0, math.Inf(1))
	g.Set(1, 0, math.NaN())
	return g, nil
}

func TestClusterPermutationEngine_DegenerateStatistic(t *testing.T) {
	conds := generate(t, testkit.DefaultTrialConfig())

	cfg := DefaultConfig().WithThreshold(0)
	cfg.NPermutations = 10
	cfg.NWorkers = 2
	result, err := newEngine(t, cfg, degenerateStat{statfn.NewFOneWay()}).Run(context.Background(), conds, testkit.LineAdjacency(8))
	require.NoError(t, err)

	require.NotEmpty(t, result.Warnings)
	w := result.Warnings[0]
	assert.Equal(t, cluster.WarningDegenerateStatistic, w.Code)
	assert.Equal(t, 2+2*10, w.Count)

	assert.True(t, math.IsNaN(result.Observed.At(0, 0)))
	for _, c := range result.Clusters {
		for _, cell := range c.Cells {
			assert.False(t, cell.Channel == 0 && cell.Time < 2, "degenerate cell %v in cluster", cell)
		}
	}
}

// cancellingRNG cancels the run once a given number of streams was handed out
type cancellingRNG struct {
	inner  ports.RNGPort
	after  int32
	calls  atomic.Int32
	cancel context.CancelFunc
}

func (c *cancellingRNG) SeededStream(ctx context.Context, name string, seed int64) (*rand.Rand, error) {
	return c.inner.SeededStream(ctx, name, seed)
}

func (c *cancellingRNG) PermutationStream(ctx context.Context, seed int64, index int) (*rand.Rand, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.calls.Add(1) == c.after {
		c.cancel()
	}
	return c.inner.PermutationStream(context.Background(), seed, index)
}

func TestClusterPermutationEngine_PartialOnCancel(t *testing.T) {
	conds := generate(t, testkit.DefaultTrialConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kit, err := testkit.NewTestKit()
	require.NoError(t, err)
	rngPort := &cancellingRNG{inner: kit.RNGAdapter(), after: 5, cancel: cancel}

	cfg := DefaultConfig()
	cfg.NPermutations = 1000
	cfg.NWorkers = 1
	engine, err := NewClusterPermutationEngine(cfg, statfn.NewFOneWay(), rngPort, quietLogger())
	require.NoError(t, err)

	result, err := engine.Run(ctx, conds, testkit.LineAdjacency(8))
	require.NoError(t, err)

	assert.True(t, result.Partial)
	assert.Equal(t, 5, result.Completed)
	assert.Equal(t, 5, result.Null.Len())
	assert.Contains(t, warningCodes(result), cluster.WarningPartialNull)
	assertPValuesInRange(t, result.PValues)
	for _, p := range result.PValues {
		assert.GreaterOrEqual(t, p, 1.0/6.0)
	}
}

func TestClusterPermutationEngine_CancelledBeforeStart(t *testing.T) {
	conds := generate(t, testkit.DefaultTrialConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := DefaultConfig()
	cfg.NPermutations = 100
	cfg.NWorkers = 2
	_, err := newEngine(t, cfg, statfn.NewFOneWay()).Run(ctx, conds, testkit.LineAdjacency(8))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsCancelled(err))
}

type recordingObserver struct {
	mu    sync.Mutex
	runs  map[core.RunID]bool
	calls int
	best  int
}

func (o *recordingObserver) PermutationProgress(runID core.RunID, pass, done, total int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs[runID] = true
	o.calls++
	o.best = max(o.best, done)
}

func TestClusterPermutationEngine_ReportsProgress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NPermutations = 100
	cfg.NWorkers = 3
	obs := &recordingObserver{runs: make(map[core.RunID]bool)}
	engine := newEngine(t, cfg, statfn.NewFOneWay()).WithProgress(obs)

	result, err := engine.Run(context.Background(), generate(t, testkit.DefaultTrialConfig()), testkit.LineAdjacency(8))
	require.NoError(t, err)

	assert.Equal(t, 20, obs.calls)
	assert.Equal(t, 100, obs.best)
	assert.Equal(t, map[core.RunID]bool{result.RunID: true}, obs.runs)
}

func TestNewClusterPermutationEngine_ConfigErrors(t *testing.T) {
	rngPort := rngadapter.NewAdapter()
	tests := []struct {
		name   string
		mutate func(*Config)
		fn     ports.StatisticFunc
		want   error
	}{
		{"zero permutations", func(c *Config) { c.NPermutations = 0 }, statfn.NewFOneWay(), core.ErrPermutations},
		{"zero workers", func(c *Config) { c.NWorkers = 0 }, statfn.NewFOneWay(), core.ErrWorkers},
		{"bad tail", func(c *Config) { c.Tail = 3 }, statfn.NewFOneWay(), core.ErrTail},
		{"F two-tailed", func(c *Config) { c.Tail = cluster.TailBoth }, statfn.NewFOneWay(), core.ErrTail},
		{"nan threshold", func(c *Config) { *c = c.WithThreshold(math.NaN()) }, statfn.NewFOneWay(), core.ErrThreshold},
		{"negative two-tailed threshold", func(c *Config) {
			c.Tail = cluster.TailBoth
			*c = c.WithThreshold(-1)
		}, statfn.NewTTestIndependent(), core.ErrThreshold},
		{"bad policy", func(c *Config) { c.Policy = "mean" }, statfn.NewFOneWay(), core.ErrConfig},
		{"zero max step", func(c *Config) { c.MaxStep = 0 }, statfn.NewFOneWay(), core.ErrConfig},
		{"step-down p of one", func(c *Config) { c.StepDownP = 1 }, statfn.NewFOneWay(), core.ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewClusterPermutationEngine(cfg, tt.fn, rngPort, quietLogger())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, core.IsConfigError(err))
		})
	}
}

func TestClusterPermutationEngine_InputErrors(t *testing.T) {
	base := generate(t, testkit.DefaultTrialConfig())

	oneTrial := testkit.DefaultTrialConfig()
	oneTrial.Trials = []int{1, 20}
	short := generate(t, oneTrial)

	unequal := testkit.DefaultTrialConfig()
	unequal.Trials = []int{20, 18}
	uneven := generate(t, unequal)

	narrow := testkit.DefaultTrialConfig()
	narrow.Channels = 6
	narrowConds := generate(t, narrow)

	cfg := DefaultConfig()
	cfg.NPermutations = 10
	adj := testkit.LineAdjacency(8)

	tests := []struct {
		name       string
		fn         ports.StatisticFunc
		conditions []*trials.TrialTensor
		want       error
	}{
		{"single condition for F", statfn.NewFOneWay(), base[:1], core.ErrTooFewConditions},
		{"two conditions for one-sample t", statfn.NewTTestOneSample(0), base, core.ErrTooManyConditions},
		{"one trial", statfn.NewFOneWay(), short, core.ErrTooFewTrials},
		{"shape mismatch", statfn.NewFOneWay(), []*trials.TrialTensor{base[0], narrowConds[1]}, core.ErrShapeMismatch},
		{"paired unequal trials", statfn.NewTTestPaired(0), uneven, core.ErrUnequalTrials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newEngine(t, cfg, tt.fn).Run(context.Background(), tt.conditions, adj)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, core.IsConfigError(err))
		})
	}

	_, err := newEngine(t, cfg, statfn.NewFOneWay()).Run(context.Background(), base, nil)
	assert.ErrorIs(t, err, core.ErrInvalidAdjacency)
}

// strongestCluster returns the cluster with the largest absolute score
func strongestCluster(result *cluster.Result) (*cluster.Cluster, float64) {
	best := -1
	for i, c := range result.Clusters {
		if best < 0 || math.Abs(c.Score) > math.Abs(result.Clusters[best].Score) {
			best = i
		}
	}
	if best < 0 {
		return nil, 1
	}
	return result.Clusters[best], result.PValues[best]
}

func warningCodes(result *cluster.Result) []cluster.WarningCode {
	codes := make([]cluster.WarningCode, len(result.Warnings))
	for i, w := range result.Warnings {
		codes[i] = w.Code
	}
	return codes
}
