package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Configuration errors are reported before any permutation work starts
	ErrConfig            = errors.New("invalid cluster test configuration")
	ErrTooFewConditions  = fmt.Errorf("%w: too few conditions", ErrConfig)
	ErrTooManyConditions = fmt.Errorf("%w: too many conditions", ErrConfig)
	ErrTooFewTrials      = fmt.Errorf("%w: too few trials", ErrConfig)
	ErrPermutations      = fmt.Errorf("%w: n_permutations must be >= 1", ErrConfig)
	ErrWorkers           = fmt.Errorf("%w: n_workers must be >= 1", ErrConfig)
	ErrTail              = fmt.Errorf("%w: tail must be -1, 0 or 1", ErrConfig)
	ErrShapeMismatch     = fmt.Errorf("%w: condition shapes differ", ErrConfig)
	ErrUnequalTrials     = fmt.Errorf("%w: paired design needs equal trial counts", ErrConfig)
	ErrThreshold         = fmt.Errorf("%w: threshold must be finite", ErrConfig)

	// Input construction errors
	ErrInvalidTensor    = errors.New("invalid trial tensor")
	ErrInvalidAdjacency = errors.New("invalid adjacency")

	// Not found errors
	ErrNotFound    = errors.New("resource not found")
	ErrRunNotFound = fmt.Errorf("%w: run", ErrNotFound)

	// Execution errors
	ErrNoPermutations = errors.New("no permutation completed")
)

// Error constructors
func NewRunNotFoundError(id RunID) error {
	return fmt.Errorf("%w: %s", ErrRunNotFound, id)
}

func NewConfigError(base error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", base, fmt.Sprintf(format, args...))
}

// Error checking helpers
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfig)
}

func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidTensor) || errors.Is(err, ErrInvalidAdjacency)
}
