package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParallelizeCoversRange(t *testing.T) {
	for _, workers := range []int{1, 3, 8, 0} {
		seen := make([]int32, 101)
		Parallelize(len(seen), workers, func(start, end int) {
			for i := start; i < end; i++ {
				atomic.AddInt32(&seen[i], 1)
			}
		})
		for i, v := range seen {
			assert.Equal(t, int32(1), v, "index %d visited %d times with %d workers", i, v, workers)
		}
	}
}

func TestParallelizeWithThresholdSequential(t *testing.T) {
	calls := 0
	ParallelizeWithThreshold(10, 100, 4, func(start, end int) {
		calls++
		assert.Equal(t, 0, start)
		assert.Equal(t, 10, end)
	})
	assert.Equal(t, 1, calls)
}

func TestReduceSumDeterministic(t *testing.T) {
	values := make([]float64, 1000)
	for i := range values {
		values[i] = 1.0 / float64(i+1)
	}
	sum := func(workers int) []float64 {
		return ReduceSum(len(values), 0, workers, 2, func(start, end int, acc []float64) {
			for i := start; i < end; i++ {
				acc[0] += values[i]
				acc[1] += values[i] * values[i]
			}
		})
	}

	first := sum(4)
	for r := 0; r < 5; r++ {
		assert.Equal(t, first, sum(4), "same worker count must give identical sums")
	}
	assert.InDelta(t, first[0], sum(1)[0], 1e-12)
	assert.InDelta(t, first[1], sum(7)[1], 1e-12)
}

func TestReduceSumEmpty(t *testing.T) {
	out := ReduceSum(0, 0, 4, 3, func(start, end int, acc []float64) {
		t.Fatal("fn must not be called for zero items")
	})
	assert.Equal(t, []float64{0, 0, 0}, out)
}
