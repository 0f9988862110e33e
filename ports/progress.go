package ports

import "neurostat/domain/core"

// ProgressObserver receives permutation progress while a run builds its null
// distribution. Pass counts null builds, so it exceeds 1 only under step-down.
// Implementations must be safe for concurrent use.
type ProgressObserver interface {
	PermutationProgress(runID core.RunID, pass, done, total int)
}
