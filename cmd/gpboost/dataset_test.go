package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/gpboost/likelihood"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

func TestSimulateShapes(t *testing.T) {
	d, err := simulate(simulation{N: 50, Groups: 5, GP: true, Likelihood: likelihood.GaussianName,
		Sigma2: 1, Range: 0.2, Nugget: 0.1, Features: 2, Seed: 3})
	require.NoError(t, err)
	assert.Len(t, d.Y, 50)
	assert.Len(t, d.Groups, 50)
	assert.Len(t, d.Coords, 50)
	assert.Len(t, d.X, 50)
	assert.Len(t, d.X[0], 2)

	data, x, err := d.modelData()
	require.NoError(t, err)
	r, c := data.Coords.Dims()
	assert.Equal(t, []int{50, 2}, []int{r, c})
	r, c = x.Dims()
	assert.Equal(t, []int{50, 2}, []int{r, c})
	assert.Len(t, data.Groups, 1)
}

func TestSimulateDeterministic(t *testing.T) {
	s := simulation{N: 30, Groups: 3, Likelihood: likelihood.PoissonName, Sigma2: 0.5, Seed: 9}
	a, err := simulate(s)
	require.NoError(t, err)
	b, err := simulate(s)
	require.NoError(t, err)
	assert.Equal(t, a.Y, b.Y)
	for _, y := range a.Y {
		assert.GreaterOrEqual(t, y, 0.0)
	}
}

func TestSimulateBinary(t *testing.T) {
	for _, lik := range []string{likelihood.BernoulliProbitName, likelihood.BernoulliLogitName} {
		d, err := simulate(simulation{N: 40, Groups: 4, Likelihood: lik, Sigma2: 1, Seed: 1})
		require.NoError(t, err)
		for _, y := range d.Y {
			assert.Contains(t, []float64{0, 1}, y)
		}
	}
}

func TestSimulateValidation(t *testing.T) {
	_, err := simulate(simulation{N: 10, Likelihood: likelihood.GaussianName})
	assert.True(t, errors.IsConfigurationError(err))
	_, err = simulate(simulation{N: 10, Groups: 2, Likelihood: "tweedie"})
	assert.True(t, errors.IsConfigurationError(err))
}

func TestDatasetRoundTrip(t *testing.T) {
	d, err := simulate(simulation{N: 20, GP: true, Likelihood: likelihood.GaussianName, Sigma2: 1, Range: 0.3, Nugget: 0.2, Seed: 5})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, d))
	got, err := decodeDataset(&buf)
	require.NoError(t, err)
	assert.Equal(t, d.Y, got.Y)
	assert.Equal(t, d.Coords, got.Coords)

	_, err = decodeDataset(strings.NewReader(`{"y": []}`))
	assert.True(t, errors.Is(err, errors.ErrEmptyData))

	bad := &dataset{Y: []float64{1, 2}, Coords: [][]float64{{0, 1}, {2}}}
	_, _, err = bad.modelData()
	assert.True(t, errors.IsConfigurationError(err))
}
