package likelihood

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

func TestNewUnknown(t *testing.T) {
	_, err := New("student_t", Options{})
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))

	_, err = New("gamma", Options{GammaShape: -1})
	assert.True(t, errors.IsConfigurationError(err))

	for _, name := range Names() {
		f, err := New(name, Options{})
		require.NoError(t, err)
		assert.Equal(t, name, f.Name())
		assert.Equal(t, name != GaussianName, f.NeedsLaplace())
	}
}

// The derivatives must be consistent with central differences of LogLik.
func TestDerivativesFiniteDifference(t *testing.T) {
	cases := []struct {
		family string
		ys     []float64
	}{
		{GaussianName, []float64{-0.3, 1.2}},
		{BernoulliProbitName, []float64{0, 1}},
		{BernoulliLogitName, []float64{0, 1}},
		{PoissonName, []float64{0, 3}},
		{GammaName, []float64{0.4, 2.5}},
	}
	const h = 1e-5
	for _, c := range cases {
		f, err := New(c.family, Options{GammaShape: 2})
		require.NoError(t, err)
		for _, y := range c.ys {
			for _, eta := range []float64{-1.5, -0.2, 0.3, 1.1} {
				d1 := (f.LogLik(y, eta+h) - f.LogLik(y, eta-h)) / (2 * h)
				d2 := (f.D1(y, eta+h) - f.D1(y, eta-h)) / (2 * h)
				d3 := (f.D2(y, eta+h) - f.D2(y, eta-h)) / (2 * h)
				assert.InDelta(t, d1, f.D1(y, eta), 1e-6, "%s D1 y=%v eta=%v", c.family, y, eta)
				assert.InDelta(t, d2, f.D2(y, eta), 1e-6, "%s D2 y=%v eta=%v", c.family, y, eta)
				assert.InDelta(t, d3, f.D3(y, eta), 1e-6, "%s D3 y=%v eta=%v", c.family, y, eta)
			}
		}
	}
}

func TestProbitTailIsFinite(t *testing.T) {
	f, _ := New(BernoulliProbitName, Options{})
	for _, eta := range []float64{-40, -35, 35, 40} {
		for _, y := range []float64{0, 1} {
			assert.False(t, math.IsNaN(f.D1(y, eta)) || math.IsInf(f.D1(y, eta), 0))
			assert.LessOrEqual(t, f.D2(y, eta), 0.0)
		}
	}
}

func TestResponseMeanVar(t *testing.T) {
	logitFam, _ := New(BernoulliLogitName, Options{})
	p, v := logitFam.ResponseMeanVar(0, 2)
	assert.InDelta(t, 0.5, p, 1e-12)
	assert.InDelta(t, 0.25, v, 1e-12)

	p0, _ := logitFam.ResponseMeanVar(1, 0)
	assert.InDelta(t, sigmoid(1), p0, 1e-15)

	// compare against a fine Riemann sum of the normal integral
	mu, s2 := 0.7, 1.5
	sum, dz := 0.0, 1e-3
	for z := -10.0; z <= 10; z += dz {
		sum += sigmoid(mu+math.Sqrt(s2)*z) * math.Exp(-z*z/2) / math.Sqrt(2*math.Pi) * dz
	}
	pq, _ := logitFam.ResponseMeanVar(mu, s2)
	assert.InDelta(t, sum, pq, 1e-6)

	pois, _ := New(PoissonName, Options{})
	m, vv := pois.ResponseMeanVar(0.2, 0)
	assert.InDelta(t, math.Exp(0.2), m, 1e-14)
	assert.InDelta(t, math.Exp(0.2), vv, 1e-14)

	probitFam, _ := New(BernoulliProbitName, Options{})
	pp, _ := probitFam.ResponseMeanVar(0, 3)
	assert.InDelta(t, 0.5, pp, 1e-14)
}

func TestCheckResponse(t *testing.T) {
	bern, _ := New(BernoulliLogitName, Options{})
	assert.NoError(t, bern.CheckResponse([]float64{0, 1, 1}))
	assert.True(t, errors.IsConfigurationError(bern.CheckResponse([]float64{0, 2})))

	pois, _ := New(PoissonName, Options{})
	assert.Error(t, pois.CheckResponse([]float64{1.5}))
	assert.Error(t, pois.CheckResponse([]float64{-1}))

	gam, _ := New(GammaName, Options{})
	assert.Error(t, gam.CheckResponse([]float64{0}))

	gau, _ := New(GaussianName, Options{})
	assert.Error(t, gau.CheckResponse([]float64{math.NaN()}))
}

func TestInitialIntercept(t *testing.T) {
	logitFam, _ := New(BernoulliLogitName, Options{})
	assert.InDelta(t, 0, logitFam.InitialIntercept([]float64{0, 1, 0, 1}), 1e-12)

	pois, _ := New(PoissonName, Options{})
	assert.InDelta(t, math.Log(2), pois.InitialIntercept([]float64{1, 3}), 1e-12)
}
