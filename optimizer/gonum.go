package optimizer

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/pkg/log"
)

// recorder checks cancellation and collects the trace at every major
// iteration of a gonum method.
type recorder struct {
	ctx    context.Context
	s      Settings
	trace  []TraceEntry
	iter   int
	logger log.Logger
}

func (r *recorder) Init() error { return nil }

func (r *recorder) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op != optimize.MajorIteration {
		return nil
	}
	if err := r.ctx.Err(); err != nil {
		return err
	}
	r.iter++
	if r.s.Trace {
		r.trace = append(r.trace, TraceEntry{Iteration: r.iter, Value: loc.F, X: append([]float64(nil), loc.X...)})
	}
	r.logger.Debug("optimizer iteration", log.IterationKey, r.iter, log.NegLogLikKey, loc.F)
	return nil
}

// paramConverger implements the relative-change-in-parameters criterion for
// gonum methods.
type paramConverger struct {
	tol  float64
	prev []float64
}

func (c *paramConverger) Init(dim int) { c.prev = nil }

func (c *paramConverger) Converged(loc *optimize.Location) optimize.Status {
	if c.prev == nil {
		c.prev = append([]float64(nil), loc.X...)
		return optimize.NotTerminated
	}
	diff := make([]float64, len(loc.X))
	floats.SubTo(diff, loc.X, c.prev)
	done := floats.Norm(diff, 2) < c.tol*math.Max(floats.Norm(c.prev, 2), 1)
	copy(c.prev, loc.X)
	if done {
		return optimize.StepConvergence
	}
	return optimize.NotTerminated
}

func minimizeGonum(ctx context.Context, p Problem, x0 []float64, s Settings) (*Result, error) {
	var firstErr error
	prob := optimize.Problem{
		Func: func(x []float64) float64 {
			v, err := p.Value(x)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return math.Inf(1)
			}
			return v
		},
	}
	var method optimize.Method = &optimize.NelderMead{}
	if s.Kind == LBFGS {
		method = &optimize.LBFGS{}
		prob.Grad = func(grad, x []float64) {
			if err := p.Gradient(x, grad); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				for i := range grad {
					grad[i] = math.NaN()
				}
			}
		}
	}

	rec := &recorder{ctx: ctx, s: s, logger: s.Logger}
	settings := &optimize.Settings{
		MajorIterations: s.MaxIter,
		Recorder:        rec,
	}
	if s.Criterion == RelativeChangeInParameters {
		settings.Converger = &paramConverger{tol: s.RelTolerance}
	} else {
		// Nelder–Mead may spend several iterations shrinking the simplex
		// without improving the best value
		patience := 1
		if s.Kind == NelderMead {
			patience = 20
		}
		settings.Converger = &optimize.FunctionConverge{Relative: s.RelTolerance, Iterations: patience}
	}

	f0 := prob.Func(x0)
	res := &Result{X: append([]float64(nil), x0...), Value: f0, Status: Iterating}
	if err := errors.CheckScalar("neg_log_likelihood", f0, 0); err != nil {
		res.Status = Failed
		if firstErr != nil {
			return res, firstErr
		}
		return res, err
	}
	if s.MaxIter == 0 {
		res.Status = MaxIterReached
		return res, nil
	}

	out, err := optimize.Minimize(prob, x0, settings, method)
	res.Trace = rec.trace
	res.Iterations = rec.iter
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.Status = Failed
		if out != nil && isFinite(out.F) && out.F <= f0 {
			res.X, res.Value = append([]float64(nil), out.X...), out.F
		}
		return res, errors.Wrap(ctxErr, "optimization cancelled")
	}
	if out == nil || !isFinite(out.F) {
		res.Status = Failed
		if firstErr != nil {
			return res, firstErr
		}
		return res, errors.NewNumericalInstabilityError(s.Kind, []float64{math.NaN()}, rec.iter)
	}

	res.X, res.Value = append([]float64(nil), out.X...), out.F
	switch {
	case out.Status == optimize.IterationLimit:
		res.Status = MaxIterReached
	case err != nil:
		// line search failures near the optimum end the run without error
		s.Logger.Debug("gonum optimizer stopped", "reason", err.Error())
		res.Status = Converged
	default:
		res.Status = Converged
	}
	return res, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
