package model

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

func TestStateManagerLifecycle(t *testing.T) {
	sm := NewStateManager()
	err := sm.RequireEstimated("CovPars")
	require.Error(t, err)
	assert.True(t, errors.IsPreconditionError(err))

	sm.SetEstimated(12, 100)
	assert.NoError(t, sm.RequireEstimated("CovPars"))
	assert.Equal(t, 12, sm.NumIterations())

	state := sm.GetState()
	other := NewStateManager()
	other.SetState(state)
	assert.True(t, other.IsEstimated())
	assert.Equal(t, 100, other.GetState().NSamples)

	sm.Reset()
	assert.False(t, sm.IsEstimated())
}

func TestStateManagerConcurrent(t *testing.T) {
	sm := NewStateManager()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				sm.SetEstimated(i, 10)
			} else {
				_ = sm.IsEstimated()
			}
		}(i)
	}
	wg.Wait()
	assert.True(t, sm.IsEstimated())
}
