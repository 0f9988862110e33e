package ports

import (
	"context"
	"math/rand"
)

// RNGPort provides seeded random number generation for deterministic operations
type RNGPort interface {
	// SeededStream creates a deterministic random number generator for a named operation
	SeededStream(ctx context.Context, name string, seed int64) (*rand.Rand, error)

	// PermutationStream returns the independent sub-stream for one permutation
	// index. The stream depends only on (seed, index), so a permutation draws
	// the same relabeling no matter which worker runs it.
	PermutationStream(ctx context.Context, seed int64, index int) (*rand.Rand, error)
}
