package testkit

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	rngadapter "neurostat/adapters/rng"
	"neurostat/domain/cluster"
	"neurostat/domain/core"
	"neurostat/ports"
)

// TestKit provides testing utilities and fixtures
type TestKit struct {
	runs *InMemoryRunRepository // Shared run store
}

// NewTestKit creates a new test kit instance
func NewTestKit() (*TestKit, error) {
	return &TestKit{runs: NewInMemoryRunRepository()}, nil
}

// RNGAdapter returns an RNG adapter
func (t *TestKit) RNGAdapter() ports.RNGPort {
	return &RNGAdapter{}
}

// RunRepository returns the shared in-memory run store
func (t *TestKit) RunRepository() ports.RunRepository {
	return t.runs
}

// TrialGenerator returns a synthetic trial generator for the given config
func (t *TestKit) TrialGenerator(config TrialGeneratorConfig) *TrialGenerator {
	return NewTrialGenerator(config)
}

// RNGAdapter implements the RNGPort interface for testing
type RNGAdapter struct{}

// SeededStream creates a deterministic random number generator for a named operation
func (r *RNGAdapter) SeededStream(ctx context.Context, name string, seed int64) (*rand.Rand, error) {
	return rand.New(rand.NewSource(seed)), nil
}

// PermutationStream uses the production seed derivation so tests exercise
// the same per-index sub-streams as real runs
func (r *RNGAdapter) PermutationStream(ctx context.Context, seed int64, index int) (*rand.Rand, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rand.New(rand.NewSource(rngadapter.DeriveSeed(seed, index))), nil
}

// InMemoryRunRepository implements ports.RunRepository for tests and for
// running the API without a database
type InMemoryRunRepository struct {
	mu   sync.RWMutex
	runs map[core.RunID]*cluster.Result
}

// NewInMemoryRunRepository creates an empty run store
func NewInMemoryRunRepository() *InMemoryRunRepository {
	return &InMemoryRunRepository{runs: make(map[core.RunID]*cluster.Result)}
}

// SaveRun stores a finished run
func (s *InMemoryRunRepository) SaveRun(ctx context.Context, result *cluster.Result) error {
	if result == nil || result.RunID.String() == "" {
		return core.NewConfigError(core.ErrConfig, "cannot save a run without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[result.RunID] = result
	return nil
}

// GetRun retrieves a stored run
func (s *InMemoryRunRepository) GetRun(ctx context.Context, runID core.RunID) (*cluster.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.runs[runID]
	if !ok {
		return nil, core.NewRunNotFoundError(runID)
	}
	return result, nil
}

// ListRuns returns stored runs, most recently finished first
func (s *InMemoryRunRepository) ListRuns(ctx context.Context, limit int) ([]ports.RunSummary, error) {
	s.mu.RLock()
	summaries := make([]ports.RunSummary, 0, len(s.runs))
	for _, r := range s.runs {
		summaries = append(summaries, ports.NewRunSummary(r))
	}
	s.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].FinishedAt.Time().Equal(summaries[j].FinishedAt.Time()) {
			return summaries[i].RunID < summaries[j].RunID
		}
		return summaries[j].FinishedAt.Before(summaries[i].FinishedAt)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}
