// Package clustertest runs cluster permutation tests on behalf of the CLI and
// the HTTP API and stores the results.
package clustertest

import (
	"context"
	"time"

	"neurostat/adapters/battery"
	"neurostat/adapters/stats/statfn"
	"neurostat/domain/cluster"
	"neurostat/domain/core"
	"neurostat/internal"
	"neurostat/internal/errors"
	"neurostat/ports"
)

// Service builds an engine per request, runs it and persists the result
type Service struct {
	rng    ports.RNGPort
	runs   ports.RunRepository
	logger *internal.Logger
}

// NewService creates a service. runs may be nil, in which case results are
// returned but never stored.
func NewService(rng ports.RNGPort, runs ports.RunRepository, logger *internal.Logger) *Service {
	if logger == nil {
		logger = internal.NewDefaultLogger()
	}
	return &Service{rng: rng, runs: runs, logger: logger}
}

// Run executes one cluster test. obs may be nil.
func (s *Service) Run(ctx context.Context, in *Input, obs ports.ProgressObserver) (*cluster.Result, error) {
	fn, err := statfn.New(in.Statistic, statfn.Options{Sigma: in.Sigma})
	if err != nil {
		return nil, err
	}
	engine, err := battery.NewClusterPermutationEngine(in.Config, fn, s.rng, s.logger)
	if err != nil {
		return nil, err
	}
	if obs != nil {
		engine.WithProgress(obs)
	}

	result, err := engine.Run(ctx, in.Conditions, in.Adjacency)
	if err != nil {
		return nil, err
	}
	if s.runs == nil {
		return result, nil
	}
	// a cancelled run still stores its partial result
	if err := s.saveWithRetry(context.WithoutCancel(ctx), result); err != nil {
		return result, errors.DatabaseError("failed to save run "+result.RunID.String(), err)
	}
	return result, nil
}

// saveWithRetry attempts to persist a run with linear backoff
func (s *Service) saveWithRetry(ctx context.Context, result *cluster.Result) error {
	const maxRetries = 3
	const baseDelay = 100 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = s.runs.SaveRun(ctx, result); err == nil {
			return nil
		}
		s.logger.Warn("[clustertest] saving run %s failed (attempt %d): %v", result.RunID, attempt+1, err)
		if attempt < maxRetries-1 {
			select {
			case <-time.After(time.Duration(attempt+1) * baseDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

// Get returns a stored run
func (s *Service) Get(ctx context.Context, runID core.RunID) (*cluster.Result, error) {
	if s.runs == nil {
		return nil, errors.NotFound("run store is not configured")
	}
	return s.runs.GetRun(ctx, runID)
}

// List returns summaries of the most recent runs
func (s *Service) List(ctx context.Context, limit int) ([]ports.RunSummary, error) {
	if s.runs == nil {
		return nil, nil
	}
	return s.runs.ListRuns(ctx, limit)
}
