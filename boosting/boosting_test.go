package boosting

import (
	"bytes"
	"context"
	"math"
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	coremodel "github.com/YuminosukeSato/gpboost/core/model"
	"github.com/YuminosukeSato/gpboost/likelihood"
	"github.com/YuminosukeSato/gpboost/metrics"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/pkg/log"
	"github.com/YuminosukeSato/gpboost/remodel"
)

type simulated struct {
	x      *mat.Dense
	groups []string
	f      []float64
	latent []float64
}

// simulate draws F(x) = 2·1{x₀>0.5} + x₁² plus a grouped random effect.
func simulate(n, nGroups int, seed uint64) simulated {
	src := rand.New(rand.NewPCG(seed, seed+1))
	u := distuv.Uniform{Min: 0, Max: 1, Src: src}
	z := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	b := make([]float64, nGroups)
	for k := range b {
		b[k] = z.Rand()
	}
	s := simulated{x: mat.NewDense(n, 2, nil), groups: make([]string, n), f: make([]float64, n), latent: make([]float64, n)}
	for i := 0; i < n; i++ {
		x0, x1 := u.Rand(), u.Rand()
		s.x.Set(i, 0, x0)
		s.x.Set(i, 1, x1)
		if x0 > 0.5 {
			s.f[i] = 2
		}
		s.f[i] += x1 * x1
		g := i % nGroups
		s.groups[i] = "g" + strconv.Itoa(g)
		s.latent[i] = s.f[i] + b[g]
	}
	return s
}

func gaussianResponse(latent []float64, sd float64, seed uint64) []float64 {
	z := distuv.Normal{Mu: 0, Sigma: sd, Src: rand.New(rand.NewPCG(seed, seed+1))}
	y := make([]float64, len(latent))
	for i, v := range latent {
		y[i] = v + z.Rand()
	}
	return y
}

func testLogger() log.Logger {
	l, _ := log.NewTestLogger(log.LevelWarn)
	return l
}

func newGroupedModel(t *testing.T, lik string, groups []string, y []float64) *remodel.Model {
	t.Helper()
	m, err := remodel.New(remodel.Config{Likelihood: lik}, remodel.Data{Groups: [][]string{groups}, Y: y}, remodel.WithLogger(testLogger()))
	require.NoError(t, err)
	if lik == likelihood.GaussianName {
		oc := remodel.DefaultOptimizerConfig()
		oc.OptimizerKind = "fisher_scoring"
		require.NoError(t, m.SetOptimizerConfig(oc))
	}
	return m
}

func TestGaussianBoostingLearnsFixedEffects(t *testing.T) {
	s := simulate(300, 30, 1)
	y := gaussianResponse(s.latent, 0.3, 2)
	re := newGroupedModel(t, likelihood.GaussianName, s.groups, y)

	params := DefaultParams()
	params.NumIterations = 60
	params.TrainCovParsEvery = 20
	params.MinDataInLeaf = 10
	trainer, err := NewTrainer(params, s.x, re)
	require.NoError(t, err)
	history := map[string][]float64{}
	booster, err := trainer.WithLogger(testLogger()).WithCallbacks(RecordEvaluation(history)).Train(context.Background())
	require.NoError(t, err)
	require.Equal(t, 60, booster.NumTrees())

	nll := history[EvalNegLogLik]
	require.Len(t, nll, 60)
	assert.Less(t, nll[59], nll[0])

	est, err := re.CovPars(false)
	require.NoError(t, err)
	assert.Greater(t, est.Values[0], 0.02)
	assert.Less(t, est.Values[0], 0.2)

	pred, err := booster.Predict(s.x, 0)
	require.NoError(t, err)
	mse, err := metrics.MSE(s.f, pred)
	require.NoError(t, err)
	assert.Less(t, mse, 0.3)

	first, err := booster.Predict(s.x, 5)
	require.NoError(t, err)
	assert.NotEqual(t, first, pred)

	_, err = booster.Predict(s.x, 61)
	assert.True(t, errors.IsPreconditionError(err))
}

func TestBernoulliBoosting(t *testing.T) {
	s := simulate(200, 20, 3)
	src := rand.New(rand.NewPCG(4, 5))
	y := make([]float64, len(s.latent))
	for i, v := range s.latent {
		if src.Float64() < distuv.UnitNormal.CDF(v-1) {
			y[i] = 1
		}
	}
	re := newGroupedModel(t, likelihood.BernoulliProbitName, s.groups, y)

	params := DefaultParams()
	params.NumIterations = 15
	params.TrainCovParsEvery = 5
	params.Evaluate = true
	history := map[string][]float64{}
	trainer, err := NewTrainer(params, s.x, re)
	require.NoError(t, err)
	booster, err := trainer.WithLogger(testLogger()).WithCallbacks(RecordEvaluation(history)).Train(context.Background())
	require.NoError(t, err)
	nll := history[EvalNegLogLik]
	assert.Less(t, nll[len(nll)-1], nll[0])

	pred, err := booster.PredictWithRandomEffects(context.Background(), s.x.Slice(0, 10, 0, 2).(*mat.Dense), 0, remodel.PredictOptions{
		Data:            &remodel.PredictionData{Groups: [][]string{s.groups[:10]}},
		PredictResponse: true,
	})
	require.NoError(t, err)
	for _, p := range pred.Mean {
		assert.True(t, p > 0 && p < 1)
	}
}

// nanEffects reports a non-finite gradient after a few rounds.
type nanEffects struct {
	n     int
	calls int
}

func (e *nanEffects) NumData() int                   { return e.n }
func (e *nanEffects) InitialScore() (float64, error) { return 0, nil }
func (e *nanEffects) GradHess(f []float64) ([]float64, []float64, error) {
	e.calls++
	g := make([]float64, e.n)
	h := make([]float64, e.n)
	for i := range g {
		g[i] = f[i] - 1
		h[i] = 1
	}
	if e.calls == 3 {
		g[7] = math.NaN()
	}
	return g, h, nil
}
func (e *nanEffects) OptimizeCovPars(context.Context, []float64, []float64) error { return nil }
func (e *nanEffects) CurrentCovPars() []float64                                   { return nil }
func (e *nanEffects) NegLogLikelihood(_, _, f []float64) (float64, error) {
	s := 0.0
	for _, v := range f {
		s += (v - 1) * (v - 1)
	}
	return s, nil
}

func TestTrainingAbortsOnNonFiniteGradient(t *testing.T) {
	s := simulate(50, 5, 6)
	trainer, err := NewTrainer(Params{NumIterations: 10}, s.x, &nanEffects{n: 50})
	require.NoError(t, err)
	_, err = trainer.WithLogger(testLogger()).Train(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsNumericalError(err))
}

// flatEffects reports a curvature far below that of its objective, so
// Newton leaf values overshoot.
type flatEffects struct{ nanEffects }

func (e *flatEffects) GradHess(f []float64) ([]float64, []float64, error) {
	g := make([]float64, e.n)
	h := make([]float64, e.n)
	for i := range g {
		g[i] = f[i] - 1
		h[i] = 1e-6
	}
	return g, h, nil
}

func TestTrainingAbortsOnDivergence(t *testing.T) {
	s := simulate(50, 5, 11)
	trainer, err := NewTrainer(Params{NumIterations: 10, Evaluate: true}, s.x, &flatEffects{nanEffects{n: 50}})
	require.NoError(t, err)
	_, err = trainer.WithLogger(testLogger()).Train(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsNumericalError(err))
}

func TestEarlyStopping(t *testing.T) {
	s := simulate(60, 5, 7)
	trainer, err := NewTrainer(Params{NumIterations: 500, LearningRate: 1, MinDataInLeaf: 60}, s.x, &nanEffects{n: 60, calls: -1000})
	require.NoError(t, err)
	booster, err := trainer.WithLogger(testLogger()).WithCallbacks(EarlyStoppingCallback(3, EvalNegLogLik)).Train(context.Background())
	require.NoError(t, err)
	assert.Less(t, booster.NumTrees(), 10)
}

func TestNewTrainerValidation(t *testing.T) {
	s := simulate(20, 2, 8)
	_, err := NewTrainer(Params{LearningRate: -1}, s.x, &nanEffects{n: 20})
	assert.True(t, errors.IsConfigurationError(err))
	_, err = NewTrainer(Params{}, s.x, &nanEffects{n: 21})
	assert.True(t, errors.IsConfigurationError(err))
	_, err = NewTrainer(Params{}, nil, &nanEffects{n: 20})
	assert.True(t, errors.IsConfigurationError(err))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := simulate(120, 12, 9)
	y := gaussianResponse(s.latent, 0.3, 10)
	re := newGroupedModel(t, likelihood.GaussianName, s.groups, y)
	trainer, err := NewTrainer(Params{NumIterations: 10, TrainCovParsEvery: 5, MinDataInLeaf: 10}, s.x, re)
	require.NoError(t, err)
	booster, err := trainer.WithLogger(testLogger()).Train(context.Background())
	require.NoError(t, err)

	xp := s.x.Slice(0, 8, 0, 2).(*mat.Dense)
	opts := remodel.PredictOptions{Data: &remodel.PredictionData{Groups: [][]string{s.groups[:8]}}, PredictVar: true}
	before, err := booster.PredictWithRandomEffects(context.Background(), xp, 0, opts)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, booster.SaveModel(&buf, coremodel.CodecZstd))
	loaded, err := LoadModel(&buf, remodel.WithLogger(testLogger()))
	require.NoError(t, err)
	require.Equal(t, booster.NumTrees(), loaded.NumTrees())

	after, err := loaded.PredictWithRandomEffects(context.Background(), xp, 0, opts)
	require.NoError(t, err)
	assert.InDeltaSlice(t, before.Mean, after.Mean, 1e-12)
	assert.InDeltaSlice(t, before.Var, after.Var, 1e-12)
}
