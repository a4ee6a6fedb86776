// Package optimizer は共分散パラメータ（および線形係数）の反復最適化を提供します。
//
// 問題は対数空間のパラメータベクトル x に対する負の対数尤度の最小化として
// 与えられます。勾配降下（Nesterov加速付き）、Fisherスコアリング、Newton法は
// このパッケージで実装し、L-BFGSとNelder–Meadは gonum/optimize に委譲します。
package optimizer

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/pkg/log"
)

// Optimizer kinds.
const (
	GradientDescent = "gradient_descent"
	FisherScoring   = "fisher_scoring"
	Newton          = "newton"
	LBFGS           = "lbfgs"
	NelderMead      = "nelder_mead"
	// WLS is only valid for linear coefficients: a generalized least squares
	// update at the current covariance parameters.
	WLS = "wls"
)

// Convergence criteria.
const (
	RelativeChangeInLogLikelihood = "relative_change_in_log_likelihood"
	RelativeChangeInParameters    = "relative_change_in_parameters"
)

// Nesterov momentum schedules.
const (
	// ScheduleIncreasing uses μ_t = 1 − 3/(6+t).
	ScheduleIncreasing = 0
	// ScheduleConstant uses μ_t = AccelerationRate.
	ScheduleConstant = 1
)

const (
	defaultMaxHalvings = 10
	newtonStep         = 1e-5
)

// Status はオプティマイザの状態遷移 Configured → Iterating → {Converged |
// MaxIterReached | Failed} を表します。
type Status int

const (
	Configured Status = iota
	Iterating
	Converged
	MaxIterReached
	Failed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Configured:
		return "configured"
	case Iterating:
		return "iterating"
	case Converged:
		return "converged"
	case MaxIterReached:
		return "max_iter_reached"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Problem is an objective to minimize.
type Problem interface {
	Value(x []float64) (float64, error)
	Gradient(x, grad []float64) error
}

// Informer is implemented by problems that provide the Fisher information,
// required by fisher_scoring.
type Informer interface {
	Information(x []float64) (*mat.SymDense, error)
}

// Updater is implemented by problems that update nuisance state (e.g. GLS
// coefficients) at the start of every iteration.
type Updater interface {
	BeginIteration(x []float64) error
}

// Settings は最適化の設定です。
type Settings struct {
	Kind                 string
	LearningRate         float64
	AccelerationRate     float64
	MaxIter              int
	RelTolerance         float64
	UseAcceleration      bool
	AccelerationSchedule int
	MomentumOffset       int
	Criterion            string
	Trace                bool
	// MaxHalvings bounds learning rate halvings per iteration (default 10).
	MaxHalvings int
	// StepScale multiplies the learning rate per coordinate; nil means 1.
	StepScale []float64
	// MaxStep bounds max_i |x_i - y_i| of a trial step; 0 means unbounded.
	MaxStep float64
	Logger  log.Logger
}

// TraceEntry records one iteration.
type TraceEntry struct {
	Iteration    int       `json:"iteration"`
	Value        float64   `json:"value"`
	X            []float64 `json:"x"`
	LearningRate float64   `json:"learning_rate,omitempty"`
}

// Result is the outcome of Minimize. On failure X holds the last valid
// iterate.
type Result struct {
	X            []float64
	Value        float64
	Iterations   int
	Status       Status
	LearningRate float64
	Trace        []TraceEntry
}

// ValidateKind checks an optimizer kind. coef selects the set valid for
// linear coefficients.
func ValidateKind(kind string, coef bool) error {
	if coef {
		switch kind {
		case GradientDescent, WLS, Newton, LBFGS, NelderMead:
			return nil
		}
		return errors.NewValidationError("optimizer_coef", "unknown coefficient optimizer", kind)
	}
	switch kind {
	case GradientDescent, FisherScoring, Newton, LBFGS, NelderMead:
		return nil
	}
	return errors.NewValidationError("optimizer_cov", "unknown covariance parameter optimizer", kind)
}

// Validate checks the settings.
func (s Settings) Validate() error {
	if err := ValidateKind(s.Kind, false); err != nil {
		return err
	}
	if !(s.LearningRate > 0) {
		return errors.NewValidationError("lr_cov", "learning rate must be positive", s.LearningRate)
	}
	if s.MaxIter < 0 {
		return errors.NewValidationError("maxit", "must be non-negative", s.MaxIter)
	}
	if !(s.RelTolerance > 0) {
		return errors.NewValidationError("delta_rel_conv", "must be positive", s.RelTolerance)
	}
	if s.AccelerationSchedule != ScheduleIncreasing && s.AccelerationSchedule != ScheduleConstant {
		return errors.NewValidationError("nesterov_schedule_version", "must be 0 or 1", s.AccelerationSchedule)
	}
	if s.UseAcceleration && s.AccelerationSchedule == ScheduleConstant && (s.AccelerationRate < 0 || s.AccelerationRate >= 1) {
		return errors.NewValidationError("acc_rate_cov", "must be in [0, 1)", s.AccelerationRate)
	}
	if s.MomentumOffset < 0 {
		return errors.NewValidationError("momentum_offset", "must be non-negative", s.MomentumOffset)
	}
	if s.MaxStep < 0 || math.IsNaN(s.MaxStep) {
		return errors.NewValidationError("max_step", "must be non-negative", s.MaxStep)
	}
	switch s.Criterion {
	case RelativeChangeInLogLikelihood, RelativeChangeInParameters:
	default:
		return errors.NewValidationError("convergence_criterion", "unknown convergence criterion", s.Criterion)
	}
	return nil
}

// Momentum returns the Nesterov coefficient for (1-based) iteration t.
func (s Settings) Momentum(t int) float64 {
	if s.AccelerationSchedule == ScheduleConstant {
		return s.AccelerationRate
	}
	return 1 - 3/(6+float64(t))
}

// HasConverged applies the configured convergence criterion.
func (s Settings) HasConverged(fPrev, f float64, xPrev, x []float64) bool {
	if s.Criterion == RelativeChangeInParameters {
		diff := make([]float64, len(x))
		floats.SubTo(diff, x, xPrev)
		return floats.Norm(diff, 2) < s.RelTolerance*math.Max(floats.Norm(xPrev, 2), 1)
	}
	return math.Abs(f-fPrev) < s.RelTolerance*math.Max(math.Abs(fPrev), 1)
}

// Minimize runs the configured optimizer from x0. The context is checked
// once per iteration.
//
// 使用例:
//
//	res, err := optimizer.Minimize(ctx, problem, x0, settings)
//	if err != nil {
//	    // res.X は最後の有効な反復値
//	}
func Minimize(ctx context.Context, p Problem, x0 []float64, s Settings) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Logger == nil {
		s.Logger = log.GetLoggerWithName("optimizer")
	}
	if s.MaxHalvings <= 0 {
		s.MaxHalvings = defaultMaxHalvings
	}

	var (
		res *Result
		err error
	)
	switch s.Kind {
	case LBFGS, NelderMead:
		res, err = minimizeGonum(ctx, p, x0, s)
	default:
		res, err = minimizeIterative(ctx, p, x0, s)
	}
	if res != nil && res.Status == MaxIterReached {
		errors.Warn(errors.NewConvergenceWarning(s.Kind, res.Iterations,
			fmt.Sprintf("criterion %s not met within maxit", s.Criterion)))
	}
	return res, err
}

func minimizeIterative(ctx context.Context, p Problem, x0 []float64, s Settings) (*Result, error) {
	n := len(x0)
	res := &Result{X: append([]float64(nil), x0...), Status: Configured, LearningRate: s.LearningRate}
	if s.Kind == FisherScoring {
		if _, ok := p.(Informer); !ok {
			return res, errors.NewValidationError("optimizer_cov", "fisher_scoring is not available for this model", s.Kind)
		}
	}

	upd, hasUpdater := p.(Updater)
	if hasUpdater {
		if err := upd.BeginIteration(res.X); err != nil {
			res.Status = Failed
			return res, err
		}
	}
	f, err := p.Value(res.X)
	if err == nil {
		err = errors.CheckScalar("neg_log_likelihood", f, 0)
	}
	if err != nil {
		res.Status = Failed
		return res, err
	}
	res.Value = f
	if s.Trace {
		res.Trace = append(res.Trace, TraceEntry{Iteration: 0, Value: f, X: append([]float64(nil), res.X...), LearningRate: s.LearningRate})
	}

	x := res.X
	xPrev := append([]float64(nil), x...)
	lr := s.LearningRate
	dir := make([]float64, n)
	y := make([]float64, n)
	xNew := make([]float64, n)
	res.Status = Iterating

	for it := 1; it <= s.MaxIter; it++ {
		if err := ctx.Err(); err != nil {
			res.Status = Failed
			return res, errors.Wrapf(err, "optimization cancelled at iteration %d", it)
		}
		if hasUpdater && it > 1 {
			if err := upd.BeginIteration(x); err != nil {
				res.Status = Failed
				return res, err
			}
			if f, err = p.Value(x); err == nil {
				err = errors.CheckScalar("neg_log_likelihood", f, it)
			}
			if err != nil {
				res.Status = Failed
				return res, err
			}
		}

		copy(y, x)
		accelerated := false
		if s.UseAcceleration && s.Kind == GradientDescent && it > s.MomentumOffset {
			mu := s.Momentum(it)
			for i := range y {
				y[i] += mu * (x[i] - xPrev[i])
				if x[i] != xPrev[i] {
					accelerated = true
				}
			}
		}

		if err := direction(p, y, dir, s, it); err != nil {
			res.Status = Failed
			return res, err
		}

		var (
			fNew     float64
			accepted bool
			trialErr error
		)
		if accelerated {
			// 外挿点で減少しなければ学習率は保ったまま x から再出発する
			fNew, accepted, _ = trialStep(p, y, dir, lr, s, f, xNew)
			if !accepted {
				s.Logger.Debug("momentum step rejected, restarting", log.IterationKey, it, log.NegLogLikKey, f)
				accelerated = false
				copy(y, x)
				copy(xPrev, x)
				if err := direction(p, y, dir, s, it); err != nil {
					res.Status = Failed
					return res, err
				}
			}
		}
		for h := 0; !accepted && h <= s.MaxHalvings; h++ {
			if h > 0 {
				lr /= 2
				s.Logger.Debug("halving learning rate", log.IterationKey, it, log.LearningRateKey, lr)
			}
			fNew, accepted, trialErr = trialStep(p, y, dir, lr, s, f, xNew)
		}
		res.Iterations = it
		res.LearningRate = lr

		if !accepted {
			if trialErr != nil {
				res.Status = Failed
				return res, errors.Wrapf(trialErr, "%s: no admissible step at iteration %d", s.Kind, it)
			}
			// no decrease along the direction even with a tiny step
			res.Status = Converged
			s.Logger.Debug("no decrease after learning rate halvings", log.IterationKey, it, log.NegLogLikKey, f)
			break
		}

		fPrev := f
		copy(xPrev, x)
		copy(x, xNew)
		f = fNew
		res.Value = f
		if s.Trace {
			res.Trace = append(res.Trace, TraceEntry{Iteration: it, Value: f, X: append([]float64(nil), x...), LearningRate: lr})
		}
		s.Logger.Debug("optimizer iteration", log.IterationKey, it, log.NegLogLikKey, f, log.LearningRateKey, lr)

		if s.HasConverged(fPrev, f, xPrev, x) {
			if !accelerated {
				res.Status = Converged
				break
			}
			// 収束判定は加速なしのステップで行う
			copy(xPrev, x)
		}
	}
	if res.Status == Iterating {
		res.Status = MaxIterReached
	}
	return res, nil
}

// trialStep evaluates xNew = y − lr·scale·dir and reports whether it does
// not increase the objective above f. Errors from the objective are returned
// so that callers can tell a failing model from a flat one.
func trialStep(p Problem, y, dir []float64, lr float64, s Settings, f float64, xNew []float64) (float64, bool, error) {
	largest := 0.0
	for i := range xNew {
		scale := 1.0
		if s.StepScale != nil {
			scale = s.StepScale[i]
		}
		xNew[i] = lr * scale * dir[i]
		largest = math.Max(largest, math.Abs(xNew[i]))
	}
	shrink := 1.0
	if s.MaxStep > 0 && largest > s.MaxStep {
		shrink = s.MaxStep / largest
	}
	for i := range xNew {
		xNew[i] = y[i] - shrink*xNew[i]
	}
	v, err := p.Value(xNew)
	if err != nil {
		return v, false, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v > f {
		return v, false, nil
	}
	return v, true, nil
}

// direction fills dir with the descent direction at y for the configured kind.
func direction(p Problem, y, dir []float64, s Settings, it int) error {
	if err := p.Gradient(y, dir); err != nil {
		return err
	}
	if err := errors.CheckNumericalStability("gradient", dir, it); err != nil {
		return err
	}

	var info *mat.SymDense
	switch s.Kind {
	case FisherScoring:
		var err error
		info, err = p.(Informer).Information(y)
		if err != nil {
			return err
		}
	case Newton:
		var err error
		info, err = finiteDifferenceHessian(p, y)
		if err != nil {
			return err
		}
	default:
		return nil
	}
	if err := errors.CheckMatrix("information", info, len(y), len(y), it); err != nil {
		return err
	}
	var chol mat.Cholesky
	if !chol.Factorize(info) {
		return errors.Wrapf(errors.ErrSingularMatrix, "%s: curvature is not positive definite at iteration %d", s.Kind, it)
	}
	step := mat.NewVecDense(len(dir), nil)
	if err := chol.SolveVecTo(step, mat.NewVecDense(len(dir), dir)); err != nil {
		// mat.Condition は警告扱い: 解は計算済み
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return errors.Wrapf(errors.ErrSingularMatrix, "%s: curvature solve at iteration %d", s.Kind, it)
		}
		s.Logger.Debug("ill-conditioned curvature", log.IterationKey, it, "condition", float64(cond))
	}
	copy(dir, step.RawVector().Data)
	if err := errors.CheckNumericalStability("step", dir, it); err != nil {
		return err
	}
	return nil
}

// finiteDifferenceHessian differentiates the analytic gradient with central
// differences and symmetrizes the result.
func finiteDifferenceHessian(p Problem, x []float64) (*mat.SymDense, error) {
	return FiniteDifferenceHessian(p.Gradient, x)
}

// FiniteDifferenceHessian returns the symmetrized central-difference
// Jacobian of grad at x.
func FiniteDifferenceHessian(grad func(x, dst []float64) error, x []float64) (*mat.SymDense, error) {
	n := len(x)
	cols := make([][]float64, n)
	xp := append([]float64(nil), x...)
	gp := make([]float64, n)
	gm := make([]float64, n)
	for j := 0; j < n; j++ {
		h := newtonStep * math.Max(1, math.Abs(x[j]))
		xp[j] = x[j] + h
		if err := grad(xp, gp); err != nil {
			return nil, err
		}
		xp[j] = x[j] - h
		if err := grad(xp, gm); err != nil {
			return nil, err
		}
		xp[j] = x[j]
		cols[j] = make([]float64, n)
		for i := range gp {
			cols[j][i] = (gp[i] - gm[i]) / (2 * h)
		}
	}
	hess := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			hess.SetSym(i, j, 0.5*(cols[j][i]+cols[i][j]))
		}
	}
	return hess, nil
}
