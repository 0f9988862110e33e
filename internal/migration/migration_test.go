package migration

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSteps_OrderedAndIdempotent(t *testing.T) {
	steps := Steps()
	assert.Len(t, steps, 3)

	for i, step := range steps {
		assert.NotEmpty(t, step.Name)
		assert.Contains(t, step.SQL, "IF NOT EXISTS", step.Name)
		if i > 0 {
			assert.Less(t, steps[i-1].Name, step.Name)
		}
	}
	// results reference runs, so runs must be created first
	assert.True(t, strings.Contains(steps[0].SQL, "cluster_runs"))
	assert.True(t, strings.Contains(steps[1].SQL, "REFERENCES cluster_runs"))
}

func TestRunner_Version(t *testing.T) {
	assert.Equal(t, "1.0.0", NewRunner(nil).Version())
}
