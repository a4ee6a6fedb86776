package remodel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	coremodel "github.com/YuminosukeSato/gpboost/core/model"
	"github.com/YuminosukeSato/gpboost/likelihood"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/vecchia"
)

func fittedGP(t *testing.T, cfg Config, n int, seed uint64) *Model {
	t.Helper()
	coords := randomCoords(n, seed)
	f := simulateGP(coords, 1, 0.3, seed+1)
	var y []float64
	switch cfg.Likelihood {
	case likelihood.BernoulliProbitName, likelihood.BernoulliLogitName:
		y = bernoulliProbit(f, seed+2)
	case likelihood.PoissonName:
		y = poissonCounts(f, seed+2)
	default:
		y = addNoise(f, 0.3, seed+2)
	}
	m, err := New(cfg, Data{Coords: coords, Y: y}, WithLogger(quietLogger()))
	require.NoError(t, err)
	oc := DefaultOptimizerConfig()
	oc.OptimizerKindCoef = ""
	oc.OptimizerKind = "lbfgs"
	require.NoError(t, m.SetOptimizerConfig(oc))
	require.NoError(t, m.OptimizeCovPars(context.Background(), nil, nil))
	return m
}

// simulatedGP returns an unfitted model together with a response drawn at
// the given covariance parameters.
func simulatedGP(t *testing.T, cfg Config, n int, seed uint64) (*Model, []float64, []float64) {
	t.Helper()
	coords := randomCoords(n, seed)
	f := simulateGP(coords, 1, 0.3, seed+1)
	pars := []float64{1, 0.3}
	var y []float64
	switch cfg.Likelihood {
	case likelihood.BernoulliProbitName, likelihood.BernoulliLogitName:
		y = bernoulliProbit(f, seed+2)
	case likelihood.PoissonName:
		y = poissonCounts(f, seed+2)
	default:
		y = addNoise(f, 0.3, seed+2)
		pars = []float64{0.09, 1, 0.3}
	}
	m, err := New(cfg, Data{Coords: coords, Y: y}, WithLogger(quietLogger()))
	require.NoError(t, err)
	return m, y, pars
}

func TestPredictVarMatchesCovDiagonal(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"gaussian exact", Config{}},
		{"gaussian vecchia", Config{GPApprox: ApproxVecchia, NumNeighbors: 10, VecchiaPredType: vecchia.PredOrderObsFirstCondAll}},
		{"probit exact", Config{Likelihood: likelihood.BernoulliProbitName}},
		{"poisson vecchia", Config{Likelihood: likelihood.PoissonName, GPApprox: ApproxVecchia, NumNeighbors: 10, VecchiaPredType: vecchia.PredOrderPredFirst}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, _, pars := simulatedGP(t, tc.cfg, 60, 201)
			pd := &PredictionData{Coords: randomCoords(15, 202)}
			opts := func(v, c bool) PredictOptions {
				return PredictOptions{Data: pd, CovPars: pars, PredictVar: v, PredictCovMat: c}
			}

			withVar, err := m.Predict(context.Background(), opts(true, false))
			require.NoError(t, err)
			withCov, err := m.Predict(context.Background(), opts(false, true))
			require.NoError(t, err)
			meanOnly, err := m.Predict(context.Background(), opts(false, false))
			require.NoError(t, err)

			assert.Nil(t, meanOnly.Var)
			assert.Nil(t, meanOnly.Cov)
			assert.Nil(t, withVar.Cov)
			assert.Nil(t, withCov.Var)
			assert.InDeltaSlice(t, withVar.Mean, meanOnly.Mean, 1e-10)
			for i, v := range withVar.Var {
				assert.InDelta(t, withCov.Cov.At(i, i), v, 1e-10)
				assert.Greater(t, v, 0.0)
			}
		})
	}
}

func TestPredictResponseScale(t *testing.T) {
	m, _, pars := simulatedGP(t, Config{Likelihood: likelihood.BernoulliProbitName}, 50, 211)
	pd := &PredictionData{Coords: randomCoords(10, 212)}

	_, err := m.Predict(context.Background(), PredictOptions{Data: pd, CovPars: pars, PredictCovMat: true, PredictResponse: true})
	assert.True(t, errors.IsPreconditionError(err))

	resp, err := m.Predict(context.Background(), PredictOptions{Data: pd, CovPars: pars, PredictVar: true, PredictResponse: true})
	require.NoError(t, err)
	for i, p := range resp.Mean {
		assert.True(t, p > 0 && p < 1, "probability %g", p)
		assert.InDelta(t, p*(1-p), resp.Var[i], 1e-12)
	}

	g := fittedGP(t, Config{}, 50, 213)
	latent, err := g.Predict(context.Background(), PredictOptions{Data: pd, PredictVar: true})
	require.NoError(t, err)
	response, err := g.Predict(context.Background(), PredictOptions{Data: pd, PredictVar: true, PredictResponse: true})
	require.NoError(t, err)
	est, err := g.CovPars(false)
	require.NoError(t, err)
	for i := range latent.Var {
		assert.InDelta(t, latent.Var[i]+est.Values[0], response.Var[i], 1e-10)
	}
}

func TestPredictUnseenGroup(t *testing.T) {
	labels, eff := simulateGroups(60, 6, 1, 221)
	y := addNoise(eff, 0.3, 222)
	m, err := New(Config{}, Data{Groups: [][]string{labels}, Y: y}, WithLogger(quietLogger()))
	require.NoError(t, err)

	pars := []float64{0.09, 0.8}
	pred, err := m.Predict(context.Background(), PredictOptions{
		Data:       &PredictionData{Groups: [][]string{{"new", "g1"}}},
		CovPars:    pars,
		PredictVar: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, pred.Mean[0])
	assert.InDelta(t, 0.8, pred.Var[0], 1e-12)
	assert.NotEqual(t, 0.0, pred.Mean[1])
	assert.Less(t, pred.Var[1], 0.8)

	pred, err = m.Predict(context.Background(), PredictOptions{
		Data:             &PredictionData{Groups: [][]string{{"new"}}},
		CovPars:          pars,
		FixedEffectsPred: []float64{2.5},
	})
	require.NoError(t, err)
	assert.Equal(t, 2.5, pred.Mean[0])
}

func TestPredictSavedData(t *testing.T) {
	m := fittedGP(t, Config{}, 40, 231)
	pd := PredictionData{Coords: randomCoords(5, 232)}

	_, err := m.Predict(context.Background(), PredictOptions{UseSavedData: true})
	assert.True(t, errors.IsPreconditionError(err))

	require.NoError(t, m.SetPredictionData(pd))
	saved, err := m.Predict(context.Background(), PredictOptions{UseSavedData: true})
	require.NoError(t, err)
	direct, err := m.Predict(context.Background(), PredictOptions{Data: &pd})
	require.NoError(t, err)
	assert.Equal(t, direct.Mean, saved.Mean)

	bad := PredictionData{Coords: mat.NewDense(3, 1, []float64{0.1, 0.2, 0.3})}
	assert.True(t, errors.IsConfigurationError(m.SetPredictionData(bad)))
}

func TestVecchiaPredictionMatchesExact(t *testing.T) {
	n := 25
	coords := randomCoords(n, 241)
	y := addNoise(simulateGP(coords, 1, 0.3, 242), 0.3, 243)
	pars := []float64{0.09, 1, 0.3}
	pd := &PredictionData{Coords: randomCoords(6, 244)}

	exact, err := New(Config{}, Data{Coords: coords}, WithLogger(quietLogger()))
	require.NoError(t, err)
	want, err := exact.Predict(context.Background(), PredictOptions{Data: pd, CovPars: pars, Y: y, PredictCovMat: true})
	require.NoError(t, err)

	for _, mode := range []string{vecchia.PredOrderObsFirstCondAll, vecchia.PredOrderPredFirst} {
		t.Run(mode, func(t *testing.T) {
			approx, err := New(Config{
				GPApprox:         ApproxVecchia,
				NumNeighbors:     n - 1,
				NumNeighborsPred: n + 5,
				VecchiaPredType:  mode,
			}, Data{Coords: coords}, WithLogger(quietLogger()))
			require.NoError(t, err)
			got, err := approx.Predict(context.Background(), PredictOptions{Data: pd, CovPars: pars, Y: y, PredictCovMat: true})
			require.NoError(t, err)
			assert.InDeltaSlice(t, want.Mean, got.Mean, 1e-8)
			for i := 0; i < 6; i++ {
				for j := 0; j < 6; j++ {
					assert.InDelta(t, want.Cov.At(i, j), got.Cov.At(i, j), 1e-8)
				}
			}
		})
	}
}

func TestSaveReloadPredictions(t *testing.T) {
	for _, cfg := range []Config{{}, {Likelihood: likelihood.PoissonName, GPApprox: ApproxVecchia, NumNeighbors: 8}} {
		t.Run(cfg.Likelihood+cfg.GPApprox, func(t *testing.T) {
			m := fittedGP(t, cfg, 40, 251)
			pd := &PredictionData{Coords: randomCoords(8, 252)}
			before, err := m.Predict(context.Background(), PredictOptions{Data: pd, PredictVar: true})
			require.NoError(t, err)

			for _, codec := range []coremodel.Codec{coremodel.CodecZstd, coremodel.CodecLZ4, coremodel.CodecNone} {
				blob, err := m.MarshalState(codec)
				require.NoError(t, err)
				loaded, err := UnmarshalState(blob, WithLogger(quietLogger()))
				require.NoError(t, err)
				require.True(t, loaded.IsEstimated())

				after, err := loaded.Predict(context.Background(), PredictOptions{Data: pd, PredictVar: true})
				require.NoError(t, err)
				assert.InDeltaSlice(t, before.Mean, after.Mean, 1e-12, codec.String())
				assert.InDeltaSlice(t, before.Var, after.Var, 1e-12, codec.String())

				a, _ := m.CovPars(false)
				b, _ := loaded.CovPars(false)
				assert.Equal(t, a, b)
			}
		})
	}
}

func TestUnmarshalStateRejectsCorruption(t *testing.T) {
	m := fittedGP(t, Config{}, 20, 261)
	blob, err := m.MarshalState(coremodel.CodecZstd)
	require.NoError(t, err)
	blob[len(blob)-3] ^= 0xff
	_, err = UnmarshalState(blob)
	assert.Error(t, err)
}
