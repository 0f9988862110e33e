package rng

import (
	"context"
	"fmt"
	"math/rand"

	"neurostat/ports"
)

// Adapter implements ports.RNGPort on math/rand sources. It holds no state;
// every call returns a fresh, independently seeded generator.
type Adapter struct{}

// NewAdapter creates an RNG adapter
func NewAdapter() *Adapter {
	return &Adapter{}
}

// SeededStream creates a deterministic random number generator for a named operation
func (a *Adapter) SeededStream(ctx context.Context, name string, seed int64) (*rand.Rand, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := seed
	if name != "" {
		s = int64(splitmix64(uint64(seed) ^ uint64(hashString(name))))
	}
	return rand.New(rand.NewSource(s)), nil
}

// PermutationStream returns the sub-stream for one permutation index
func (a *Adapter) PermutationStream(ctx context.Context, seed int64, index int) (*rand.Rand, error) {
	if index < 0 {
		return nil, fmt.Errorf("permutation index must be >= 0, got %d", index)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rand.New(rand.NewSource(DeriveSeed(seed, index))), nil
}

// DeriveSeed maps (seed, index) to a well-mixed seed for a sub-stream
func DeriveSeed(seed int64, index int) int64 {
	return int64(splitmix64(uint64(seed) + 0x9e3779b97f4a7c15*uint64(index+1)))
}

// splitmix64 finalizer; adjacent inputs map to unrelated outputs
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// hashString creates a simple hash for deterministic seeding
func hashString(s string) uint32 {
	var hash uint32 = 5381
	for _, c := range s {
		hash = ((hash << 5) + hash) + uint32(c) // djb2
	}
	return hash
}

var _ ports.RNGPort = (*Adapter)(nil)
