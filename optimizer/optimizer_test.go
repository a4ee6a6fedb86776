package optimizer

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

// quadratic is ½(x−c)ᵀA(x−c) with A = diag(a).
type quadratic struct {
	a, c   []float64
	failAt int
	calls  int
}

func (q *quadratic) Value(x []float64) (float64, error) {
	q.calls++
	if q.failAt > 0 && q.calls >= q.failAt {
		return math.NaN(), nil
	}
	v := 0.0
	for i := range x {
		d := x[i] - q.c[i]
		v += 0.5 * q.a[i] * d * d
	}
	return v, nil
}

func (q *quadratic) Gradient(x, grad []float64) error {
	for i := range x {
		grad[i] = q.a[i] * (x[i] - q.c[i])
	}
	return nil
}

func (q *quadratic) Information(x []float64) (*mat.SymDense, error) {
	info := mat.NewSymDense(len(x), nil)
	for i := range x {
		info.SetSym(i, i, q.a[i])
	}
	return info, nil
}

func defaultSettings(kind string) Settings {
	return Settings{
		Kind:         kind,
		LearningRate: 0.1,
		MaxIter:      1000,
		RelTolerance: 1e-10,
		Criterion:    RelativeChangeInLogLikelihood,
	}
}

func TestAllKindsFindMinimum(t *testing.T) {
	for _, kind := range []string{GradientDescent, FisherScoring, Newton, LBFGS, NelderMead} {
		t.Run(kind, func(t *testing.T) {
			q := &quadratic{a: []float64{1, 3}, c: []float64{0.5, -1}}
			s := defaultSettings(kind)
			if kind == FisherScoring || kind == Newton {
				s.LearningRate = 1
			}
			res, err := Minimize(context.Background(), q, []float64{2, 2}, s)
			require.NoError(t, err)
			assert.Equal(t, Converged, res.Status)
			tol := 1e-3
			assert.InDelta(t, 0.5, res.X[0], tol)
			assert.InDelta(t, -1, res.X[1], tol)
		})
	}
}

func TestNesterovSchedules(t *testing.T) {
	for _, schedule := range []int{ScheduleIncreasing, ScheduleConstant} {
		q := &quadratic{a: []float64{1, 10}, c: []float64{1, 1}}
		s := defaultSettings(GradientDescent)
		s.LearningRate = 0.05
		s.UseAcceleration = true
		s.AccelerationSchedule = schedule
		s.AccelerationRate = 0.5
		s.MomentumOffset = 2
		res, err := Minimize(context.Background(), q, []float64{-3, 4}, s)
		require.NoError(t, err)
		assert.InDelta(t, 1, res.X[0], 1e-3)
		assert.InDelta(t, 1, res.X[1], 1e-3)
	}
	s := Settings{AccelerationSchedule: ScheduleIncreasing}
	assert.InDelta(t, 1-3.0/7, s.Momentum(1), 1e-15)
}

func TestRejectedMomentumStepKeepsLearningRate(t *testing.T) {
	// 0.05·10 < 2: the plain gradient step always decreases, so only
	// rejected extrapolations could shrink the learning rate.
	q := &quadratic{a: []float64{1, 10}, c: []float64{1, 1}}
	s := defaultSettings(GradientDescent)
	s.LearningRate = 0.05
	s.UseAcceleration = true
	s.AccelerationSchedule = ScheduleIncreasing
	s.MomentumOffset = 2
	res, err := Minimize(context.Background(), q, []float64{-3, 4}, s)
	require.NoError(t, err)
	assert.Equal(t, Converged, res.Status)
	assert.Equal(t, 0.05, res.LearningRate)
	assert.InDelta(t, 1, res.X[0], 1e-3)
	assert.InDelta(t, 1, res.X[1], 1e-3)
}

// failingAway evaluates only at its starting point.
type failingAway struct{ x0 float64 }

func (p *failingAway) Value(x []float64) (float64, error) {
	if x[0] != p.x0 {
		return 0, errors.Wrap(errors.ErrSingularMatrix, "covariance factorization")
	}
	return 1, nil
}

func (p *failingAway) Gradient(x, grad []float64) error {
	grad[0] = 1
	return nil
}

func TestFailingTrialStepsReportFailure(t *testing.T) {
	res, err := Minimize(context.Background(), &failingAway{x0: 1}, []float64{1}, defaultSettings(GradientDescent))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSingularMatrix)
	assert.Equal(t, Failed, res.Status)
	assert.Equal(t, []float64{1}, res.X)
}

func TestIllConditionedInformationStillSteps(t *testing.T) {
	// cond(diag(1, 1e-17)) exceeds mat.ConditionTolerance
	q := &quadratic{a: []float64{1, 1e-17}, c: []float64{0.5, -1}}
	s := defaultSettings(FisherScoring)
	s.LearningRate = 1
	res, err := Minimize(context.Background(), q, []float64{2, 2}, s)
	require.NoError(t, err)
	assert.Equal(t, Converged, res.Status)
	assert.GreaterOrEqual(t, res.Iterations, 1)
	assert.InDelta(t, 0.5, res.X[0], 1e-6)
	assert.InDelta(t, -1, res.X[1], 1e-6)
}

func TestMaxStepBoundsUpdate(t *testing.T) {
	q := &quadratic{a: []float64{1, 1}, c: []float64{100, 1}}
	s := defaultSettings(FisherScoring)
	s.LearningRate = 1
	s.MaxStep = 10
	s.MaxIter = 1
	s.Trace = true
	res, err := Minimize(context.Background(), q, []float64{0, 0}, s)
	require.NoError(t, err)
	require.Len(t, res.Trace, 2)
	// the full step (100, 1) is shrunk as a whole
	assert.InDeltaSlice(t, []float64{10, 0.1}, res.Trace[1].X, 1e-12)
	assert.Equal(t, 1.0, res.LearningRate)

	s.MaxStep = -1
	assert.Error(t, s.Validate())
}

func TestLearningRateHalving(t *testing.T) {
	q := &quadratic{a: []float64{10}, c: []float64{0}}
	s := defaultSettings(GradientDescent)
	s.LearningRate = 1 // overshoots: 1 − 10 < −1
	res, err := Minimize(context.Background(), q, []float64{1}, s)
	require.NoError(t, err)
	assert.Less(t, res.LearningRate, 0.2)
	assert.InDelta(t, 0, res.X[0], 1e-4)
}

func TestParameterCriterion(t *testing.T) {
	q := &quadratic{a: []float64{1}, c: []float64{2}}
	s := defaultSettings(GradientDescent)
	s.Criterion = RelativeChangeInParameters
	s.RelTolerance = 1e-6
	res, err := Minimize(context.Background(), q, []float64{0}, s)
	require.NoError(t, err)
	assert.Equal(t, Converged, res.Status)
	assert.InDelta(t, 2, res.X[0], 1e-4)
}

func TestMaxIterReached(t *testing.T) {
	var warned error
	errors.SetWarningHandler(func(w error) { warned = w })
	defer errors.SetWarningHandler(nil)

	q := &quadratic{a: []float64{1}, c: []float64{2}}
	s := defaultSettings(GradientDescent)
	s.MaxIter = 3
	s.Trace = true
	res, err := Minimize(context.Background(), q, []float64{0}, s)
	require.NoError(t, err)
	assert.Equal(t, MaxIterReached, res.Status)
	assert.Equal(t, 3, res.Iterations)
	assert.Len(t, res.Trace, 4)
	assert.NotNil(t, warned)
}

func TestNonFiniteGradientKeepsLastIterate(t *testing.T) {
	p := &nanGradient{after: 3}
	s := defaultSettings(GradientDescent)
	res, err := Minimize(context.Background(), p, []float64{1}, s)
	require.Error(t, err)
	assert.True(t, errors.IsNumericalError(err))
	assert.Equal(t, Failed, res.Status)
	assert.False(t, math.IsNaN(res.X[0]))
	assert.Equal(t, 2, res.Iterations)
}

type nanGradient struct {
	after int
	calls int
}

func (p *nanGradient) Value(x []float64) (float64, error) { return x[0] * x[0], nil }

func (p *nanGradient) Gradient(x, grad []float64) error {
	p.calls++
	if p.calls >= p.after {
		grad[0] = math.NaN()
		return nil
	}
	grad[0] = 2 * x[0]
	return nil
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := &quadratic{a: []float64{1}, c: []float64{2}}
	res, err := Minimize(ctx, q, []float64{0}, defaultSettings(GradientDescent))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []float64{0}, res.X)
}

func TestNewtonIndefinite(t *testing.T) {
	q := &quadratic{a: []float64{-1}, c: []float64{0}}
	s := defaultSettings(Newton)
	s.LearningRate = 1
	_, err := Minimize(context.Background(), q, []float64{1}, s)
	require.Error(t, err)
	assert.True(t, errors.IsNumericalError(err))
}

func TestFisherRequiresInformer(t *testing.T) {
	_, err := Minimize(context.Background(), &nanGradient{after: 100}, []float64{1}, defaultSettings(FisherScoring))
	assert.True(t, errors.IsConfigurationError(err))
}

func TestValidate(t *testing.T) {
	s := defaultSettings("adam")
	assert.True(t, errors.IsConfigurationError(s.Validate()))
	s = defaultSettings(GradientDescent)
	s.Criterion = "gradient_norm"
	assert.Error(t, s.Validate())
	s = defaultSettings(GradientDescent)
	s.AccelerationSchedule = 2
	assert.Error(t, s.Validate())
	assert.NoError(t, ValidateKind(WLS, true))
	assert.Error(t, ValidateKind(WLS, false))
}

func TestFiniteDifferenceHessian(t *testing.T) {
	q := &quadratic{a: []float64{2, 5}, c: []float64{0, 0}}
	h, err := FiniteDifferenceHessian(q.Gradient, []float64{0.3, -0.2})
	require.NoError(t, err)
	assert.InDelta(t, 2, h.At(0, 0), 1e-6)
	assert.InDelta(t, 5, h.At(1, 1), 1e-6)
	assert.InDelta(t, 0, h.At(0, 1), 1e-6)
}
