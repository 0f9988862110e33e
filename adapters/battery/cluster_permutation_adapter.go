package battery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"neurostat/adapters/stats/clustering"
	"neurostat/adapters/stats/statfn"
	"neurostat/domain/cluster"
	"neurostat/domain/core"
	"neurostat/domain/sensor"
	"neurostat/domain/trials"
	"neurostat/internal"
	"neurostat/internal/significance"
	"neurostat/ports"
)

// ClusterPermutationEngine runs spatio-temporal cluster permutation tests.
// Every permutation index draws from its own RNG sub-stream, so the null
// distribution is bit-identical for a given seed regardless of NWorkers.
type ClusterPermutationEngine struct {
	cfg      Config
	statFn   ports.StatisticFunc
	rngPort  ports.RNGPort
	logger   *internal.Logger
	progress ports.ProgressObserver
}

var _ ports.ClusterTestPort = (*ClusterPermutationEngine)(nil)

// NewClusterPermutationEngine validates cfg and creates an engine
func NewClusterPermutationEngine(cfg Config, statFn ports.StatisticFunc, rngPort ports.RNGPort, logger *internal.Logger) (*ClusterPermutationEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if statFn == nil {
		return nil, core.NewConfigError(core.ErrConfig, "statistic function is nil")
	}
	if rngPort == nil {
		return nil, core.NewConfigError(core.ErrConfig, "rng port is nil")
	}
	if statFn.NonNegative() && cfg.Tail != cluster.TailPositive {
		return nil, core.NewConfigError(core.ErrTail, "%s only takes non-negative values and needs tail=1, got %d",
			statFn.Name(), int(cfg.Tail))
	}
	if logger == nil {
		logger = internal.NewDefaultLogger()
	}
	return &ClusterPermutationEngine{cfg: cfg, statFn: statFn, rngPort: rngPort, logger: logger}, nil
}

// Config returns the engine configuration
func (e *ClusterPermutationEngine) Config() Config { return e.cfg }

// WithProgress registers an observer for permutation progress. The observer
// is called from worker goroutines.
func (e *ClusterPermutationEngine) WithProgress(obs ports.ProgressObserver) *ClusterPermutationEngine {
	e.progress = obs
	return e
}

// runPlan is the read-only state shared by all workers of one run
type runPlan struct {
	runID     core.RunID
	pass      int
	relabeler *relabeler
	former    *clustering.Former
	scorer    *clustering.Scorer
	threshold float64
	total     int
}

// nullSegment is the part of the null distribution built by one worker
type nullSegment struct {
	max        []float64
	min        []float64
	degenerate int
}

// Run computes observed clusters, builds the permutation null distribution
// and returns one corrected p-value per observed cluster.
//
// If ctx is cancelled after at least one permutation completed, Run returns
// a partial result computed from the completed permutations together with a
// PARTIAL_NULL warning. If nothing completed it returns the context error.
func (e *ClusterPermutationEngine) Run(ctx context.Context, conditions []*trials.TrialTensor, adjacency *sensor.Adjacency) (*cluster.Result, error) {
	if err := e.validateInputs(conditions, adjacency); err != nil {
		return nil, err
	}
	counts := make([]int, len(conditions))
	for i, c := range conditions {
		counts[i] = c.Trials()
	}

	threshold, err := e.resolveThreshold(counts)
	if err != nil {
		return nil, err
	}
	scorer, err := clustering.NewScorer(e.cfg.TPower)
	if err != nil {
		return nil, err
	}
	former, err := e.newFormer(adjacency, e.cfg.Exclude)
	if err != nil {
		return nil, err
	}
	calc, err := significance.NewCalculator(e.cfg.Tail, e.cfg.Policy)
	if err != nil {
		return nil, err
	}

	result := &cluster.Result{
		RunID:     core.NewRunID(),
		Statistic: e.statFn.Name(),
		Threshold: threshold,
		Tail:      e.cfg.Tail,
		Requested: e.cfg.NPermutations,
		Seed:      e.cfg.Seed,
		StartedAt: core.Now(),
	}
	if e.cfg.Tail == cluster.TailBoth {
		result.Policy = e.cfg.Policy
	}

	e.logger.Info("cluster test %s: %s, %d conditions, %d permutations, threshold %.4f, tail %s",
		result.RunID, e.statFn.Name(), len(conditions), e.cfg.NPermutations, threshold, e.cfg.Tail)

	observed, err := e.statFn.Compute(conditions)
	if err != nil {
		return nil, fmt.Errorf("observed statistic: %w", err)
	}
	observedDegenerate := observed.Sanitize()
	clusters := former.Form(observed, threshold, e.cfg.Tail)
	scorer.ScoreAll(clusters, observed)
	for _, c := range clusters {
		c.ID = core.NewClusterID()
	}
	result.Observed = observed
	result.Clusters = clusters

	plan := &runPlan{
		runID:     result.RunID,
		relabeler: newRelabeler(e.statFn.Design(), conditions, e.cfg.NPermutations),
		former:    former,
		scorer:    scorer,
		threshold: threshold,
	}
	plan.total = plan.relabeler.permutations(e.cfg.NPermutations)
	result.Exact = plan.relabeler.exact
	if result.Exact {
		e.logger.Debug("cluster test %s: enumerating all %d sign patterns", result.RunID, plan.total)
	}

	var (
		null           cluster.NullDistribution
		pValues        []float64
		permDegenerate int
		removed        int
		completed      int
		partial        bool
	)
	for {
		plan.pass++
		segment, done, err := e.buildNull(ctx, plan)
		if err != nil {
			return nil, err
		}
		result.StepDownRuns++
		null = e.nullFrom(segment)
		completed = done
		partial = done < plan.total
		if result.StepDownRuns == 1 {
			permDegenerate = segment.degenerate
		}

		pValues, err = calc.PValues(clusters, &null)
		if err != nil {
			return nil, err
		}
		if e.cfg.StepDownP <= 0 || partial {
			break
		}

		exclude, n := e.stepDownMask(observed, clusters, pValues)
		if n <= removed {
			break
		}
		removed = n
		e.logger.Debug("cluster test %s: step-down excludes %d clusters", result.RunID, n)
		if plan.former, err = e.newFormer(adjacency, exclude); err != nil {
			return nil, err
		}
	}

	result.Null = null
	result.PValues = pValues
	result.Completed = completed
	result.Partial = partial
	if e.cfg.StepDownP <= 0 {
		result.StepDownRuns = 0
	}

	result.Warnings = e.warnings(result, plan.total, observedDegenerate, permDegenerate)
	result.Fingerprint = core.HashFloats(observed.Values, null.Max, null.Min, pValues)
	result.FinishedAt = core.Now()

	e.logger.Info("cluster test %s: %d clusters, %d/%d permutations, %d significant at 0.05",
		result.RunID, len(clusters), completed, plan.total, len(result.Significant(0.05)))
	return result, nil
}

func (e *ClusterPermutationEngine) validateInputs(conditions []*trials.TrialTensor, adjacency *sensor.Adjacency) error {
	if adjacency == nil {
		return fmt.Errorf("%w: adjacency is nil", core.ErrInvalidAdjacency)
	}
	lo, hi := e.statFn.ConditionRange()
	if len(conditions) < lo {
		return core.NewConfigError(core.ErrTooFewConditions, "%s needs at least %d conditions, got %d",
			e.statFn.Name(), lo, len(conditions))
	}
	if hi > 0 && len(conditions) > hi {
		return core.NewConfigError(core.ErrTooManyConditions, "%s accepts at most %d conditions, got %d",
			e.statFn.Name(), hi, len(conditions))
	}
	for i, c := range conditions {
		if c == nil {
			return fmt.Errorf("%w: condition %d is nil", core.ErrInvalidTensor, i)
		}
		if c.Trials() < 2 {
			return core.NewConfigError(core.ErrTooFewTrials, "condition %d has %d trials, need >= 2", i, c.Trials())
		}
		if !c.SameShape(conditions[0]) {
			return core.NewConfigError(core.ErrShapeMismatch, "condition %d is %d×%d, condition 0 is %d×%d",
				i, c.Times(), c.Channels(), conditions[0].Times(), conditions[0].Channels())
		}
	}
	if e.cfg.Exclude != nil {
		ref := conditions[0]
		if e.cfg.Exclude.Times != ref.Times() || e.cfg.Exclude.Channels != ref.Channels() {
			return core.NewConfigError(core.ErrShapeMismatch, "exclude mask is %d×%d, data is %d×%d",
				e.cfg.Exclude.Times, e.cfg.Exclude.Channels, ref.Times(), ref.Channels())
		}
	}
	if e.statFn.Design() == ports.DesignPaired && conditions[0].Trials() != conditions[1].Trials() {
		return core.NewConfigError(core.ErrUnequalTrials, "%d vs %d trials",
			conditions[0].Trials(), conditions[1].Trials())
	}
	return nil
}

func (e *ClusterPermutationEngine) resolveThreshold(counts []int) (float64, error) {
	if e.cfg.Threshold != nil {
		return *e.cfg.Threshold, nil
	}
	thr, err := statfn.AutoThreshold(e.statFn, counts, e.cfg.PThreshold, e.cfg.Tail)
	if err != nil {
		return 0, err
	}
	e.logger.Debug("using automatic threshold %.4f for p=%g", thr, e.cfg.PThreshold)
	return thr, nil
}

func (e *ClusterPermutationEngine) newFormer(adjacency *sensor.Adjacency, exclude *trials.Mask) (*clustering.Former, error) {
	opts := []clustering.FormerOption{clustering.WithMaxStep(e.cfg.MaxStep)}
	if exclude != nil {
		opts = append(opts, clustering.WithExclude(exclude))
	}
	return clustering.NewFormer(adjacency, opts...)
}

// progressSteps is roughly how many progress notifications one pass emits
const progressSteps = 20

// buildNull runs plan.total permutations on NWorkers goroutines. Indices are
// handed out through a channel; each worker keeps a private segment and the
// segments are concatenated once all workers stop.
func (e *ClusterPermutationEngine) buildNull(ctx context.Context, plan *runPlan) (nullSegment, int, error) {
	workers := e.cfg.NWorkers
	if workers > plan.total {
		workers = plan.total
	}

	g, gctx := errgroup.WithContext(ctx)
	work := make(chan int)
	segments := make([]nullSegment, workers)
	var finished atomic.Int64
	every := int64(max(plan.total/progressSteps, 1))

	g.Go(func() error {
		defer close(work)
		for i := 0; i < plan.total; i++ {
			select {
			case work <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		seg := &segments[w]
		g.Go(func() error {
			for index := range work {
				if gctx.Err() != nil {
					return nil
				}
				hi, lo, degenerate, err := e.permute(gctx, plan, index)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("permutation %d: %w", index, err)
				}
				seg.degenerate += degenerate
				if e.cfg.Tail != cluster.TailNegative {
					seg.max = append(seg.max, hi)
				}
				if e.cfg.Tail != cluster.TailPositive {
					seg.min = append(seg.min, lo)
				}
				if n := finished.Add(1); e.progress != nil && (n%every == 0 || n == int64(plan.total)) {
					e.progress.PermutationProgress(plan.runID, plan.pass, int(n), plan.total)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nullSegment{}, 0, err
	}

	var merged nullSegment
	for w, seg := range segments {
		e.logger.Trace("worker %d contributed %d permutations", w, max(len(seg.max), len(seg.min)))
		merged.max = append(merged.max, seg.max...)
		merged.min = append(merged.min, seg.min...)
		merged.degenerate += seg.degenerate
	}
	done := max(len(merged.max), len(merged.min))

	if err := ctx.Err(); err != nil {
		if done == 0 {
			return nullSegment{}, 0, fmt.Errorf("%w: %w", core.ErrNoPermutations, err)
		}
		e.logger.Warn("cancelled after %d of %d permutations, using partial null distribution", done, plan.total)
	}
	return merged, done, nil
}

// permute computes the extreme cluster scores of one permutation
func (e *ClusterPermutationEngine) permute(ctx context.Context, plan *runPlan, index int) (hi, lo float64, degenerate int, err error) {
	var rng *rand.Rand
	if !plan.relabeler.exact {
		if rng, err = e.rngPort.PermutationStream(ctx, e.cfg.Seed, index); err != nil {
			return 0, 0, 0, err
		}
	}
	conditions, err := plan.relabeler.relabel(index, rng)
	if err != nil {
		return 0, 0, 0, err
	}

	grid, err := e.statFn.Compute(conditions)
	if err != nil {
		return 0, 0, 0, err
	}
	degenerate = grid.Sanitize()
	hi, lo, _ = plan.former.Extremes(grid, plan.threshold, e.cfg.Tail, plan.scorer)
	return hi, lo, degenerate, nil
}

// nullFrom orders the merged segment so the null does not depend on worker
// scheduling. Two-tailed entries are sorted as (max, min) pairs so index i of
// Max and Min still belongs to one permutation.
func (e *ClusterPermutationEngine) nullFrom(seg nullSegment) cluster.NullDistribution {
	if len(seg.max) == 0 || len(seg.min) == 0 {
		sort.Float64s(seg.max)
		sort.Float64s(seg.min)
		return cluster.NullDistribution{Max: seg.max, Min: seg.min}
	}

	order := make([]int, len(seg.max))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		i, j := order[a], order[b]
		if seg.max[i] != seg.max[j] {
			return seg.max[i] < seg.max[j]
		}
		return seg.min[i] < seg.min[j]
	})
	null := cluster.NullDistribution{
		Max: make([]float64, len(order)),
		Min: make([]float64, len(order)),
	}
	for k, i := range order {
		null.Max[k] = seg.max[i]
		null.Min[k] = seg.min[i]
	}
	return null
}

// stepDownMask returns the configured exclusion mask extended by the cells of
// every cluster with p below StepDownP, plus the number of such clusters
func (e *ClusterPermutationEngine) stepDownMask(grid *trials.Grid, clusters []*cluster.Cluster, pValues []float64) (*trials.Mask, int) {
	mask := trials.NewMask(grid.Times, grid.Channels)
	if e.cfg.Exclude != nil {
		copy(mask.Cells, e.cfg.Exclude.Cells)
	}
	n := 0
	for i, c := range clusters {
		if pValues[i] >= e.cfg.StepDownP {
			continue
		}
		n++
		for _, cell := range c.Cells {
			mask.Set(cell.Time, cell.Channel, true)
		}
	}
	return mask, n
}

func (e *ClusterPermutationEngine) warnings(result *cluster.Result, total, observedDegenerate, permDegenerate int) []cluster.Warning {
	var out []cluster.Warning
	if observedDegenerate > 0 || permDegenerate > 0 {
		e.logger.Warn("cluster test %s: %d non-finite observed cells, %d non-finite permuted cells",
			result.RunID, observedDegenerate, permDegenerate)
		out = append(out, cluster.Warning{
			Code: cluster.WarningDegenerateStatistic,
			Message: fmt.Sprintf("%s produced %d non-finite observed cells and %d across permutations; they never pass the threshold",
				result.Statistic, observedDegenerate, permDegenerate),
			Count: observedDegenerate + permDegenerate,
		})
	}
	if result.Partial {
		out = append(out, cluster.Warning{
			Code:    cluster.WarningPartialNull,
			Message: fmt.Sprintf("only %d of %d permutations completed", result.Completed, total),
			Count:   result.Completed,
		})
	}
	if result.Exact {
		out = append(out, cluster.Warning{
			Code:    cluster.WarningExactEnumeration,
			Message: fmt.Sprintf("%d permutations requested, all %d distinct sign patterns used instead", result.Requested, result.Completed),
			Count:   result.Completed,
		})
	}
	if len(result.Clusters) == 0 {
		out = append(out, cluster.Warning{
			Code:    cluster.WarningNoClusters,
			Message: fmt.Sprintf("no cell passed threshold %.4f", result.Threshold),
		})
	}
	return out
}

// IsCancelled reports whether err came from a run that was cancelled before
// any permutation completed
func IsCancelled(err error) bool {
	return errors.Is(err, core.ErrNoPermutations) &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
