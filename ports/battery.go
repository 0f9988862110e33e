package ports

import (
	"context"

	"neurostat/domain/cluster"
	"neurostat/domain/sensor"
	"neurostat/domain/trials"
)

// ClusterTestPort runs a spatio-temporal cluster permutation test
type ClusterTestPort interface {
	Run(ctx context.Context, conditions []*trials.TrialTensor, adjacency *sensor.Adjacency) (*cluster.Result, error)
}
