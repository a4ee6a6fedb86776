package remodel

import (
	"context"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/gpboost/covariance"
	"github.com/YuminosukeSato/gpboost/optimizer"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/pkg/log"
)

// objective evaluates the (approximate) negative log-likelihood as a function
// of log covariance parameters and, optionally, linear coefficients.
type objective struct {
	m      *Model
	y      []float64
	base   []float64 // fixed effects offset
	x      *mat.Dense
	beta   []float64
	joint  bool // beta is part of the optimized vector
	gls    bool // beta is updated by GLS at every iteration
	nc     int
	warm   []float64
	cached struct {
		x     []float64
		grad  bool
		gauss *gaussFit
		lap   *laplaceFit
	}
}

func (m *Model) newObjective(y, base []float64, x *mat.Dense, beta []float64) *objective {
	return &objective{m: m, y: y, base: base, x: x, beta: beta, nc: m.numCovPars, warm: m.mode}
}

func (o *objective) split(x []float64) ([]float64, []float64) {
	pars := make([]float64, o.nc)
	for i := range pars {
		pars[i] = math.Exp(x[i])
	}
	beta := o.beta
	if o.joint {
		beta = x[o.nc:]
	}
	return pars, beta
}

func (o *objective) offset(beta []float64) []float64 {
	off := append([]float64(nil), o.base...)
	if o.x != nil && beta != nil {
		xb := mat.NewVecDense(len(off), nil)
		xb.MulVec(o.x, mat.NewVecDense(len(beta), beta))
		for i := range off {
			off[i] += xb.AtVec(i)
		}
	}
	return off
}

func sameVec(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// eval returns the fit at x, reusing the last one when possible.
func (o *objective) eval(x []float64, withGrad bool) (*gaussFit, *laplaceFit, error) {
	if sameVec(o.cached.x, x) && (o.cached.grad || !withGrad) {
		return o.cached.gauss, o.cached.lap, nil
	}
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, nil, errors.NewNumericalInstabilityError("parameters", x, 0)
		}
	}
	pars, beta := o.split(x)
	off := o.offset(beta)
	var (
		g   *gaussFit
		lf  *laplaceFit
		err error
	)
	if o.m.gaussian() {
		r := make([]float64, len(o.y))
		for i := range r {
			r[i] = o.y[i] - off[i]
		}
		g, err = o.m.gaussFit(pars, r, withGrad)
	} else {
		lf, err = o.m.laplace(pars, o.y, off, o.warm, withGrad)
		if err == nil {
			o.warm = lf.warm()
		}
	}
	if err != nil {
		return nil, nil, err
	}
	o.cached.x = append(o.cached.x[:0], x...)
	o.cached.grad = withGrad
	o.cached.gauss, o.cached.lap = g, lf
	return g, lf, nil
}

// Value implements optimizer.Problem.
func (o *objective) Value(x []float64) (float64, error) {
	g, lf, err := o.eval(x, false)
	if err != nil {
		return 0, err
	}
	if g != nil {
		return g.nll, nil
	}
	return lf.nll, nil
}

// Gradient implements optimizer.Problem.
func (o *objective) Gradient(x, grad []float64) error {
	g, lf, err := o.eval(x, true)
	if err != nil {
		return err
	}
	var cg []float64
	if g != nil {
		cg, err = g.gradient()
	} else {
		cg, err = lf.gradient()
	}
	if err != nil {
		return err
	}
	copy(grad, cg)
	if !o.joint {
		return nil
	}

	// ∂nll/∂β = Xᵀ ∂nll/∂F
	var df []float64
	if g != nil {
		df = make([]float64, len(g.alpha))
		for i, a := range g.alpha {
			df[i] = -a
		}
	} else {
		df, _, err = lf.offsetGradHess()
		if err != nil {
			return err
		}
	}
	gb := mat.NewVecDense(len(o.beta), nil)
	gb.MulVec(o.x.T(), mat.NewVecDense(len(df), df))
	copy(grad[o.nc:], gb.RawVector().Data)
	return nil
}

// Information implements optimizer.Informer for Gaussian likelihoods. For
// joint estimation the coefficient block is XᵀΣ⁻¹X.
func (o *objective) Information(x []float64) (*mat.SymDense, error) {
	g, _, err := o.eval(x, true)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, errors.NewValidationError("optimizer_cov", "fisher_scoring is only supported for gaussian likelihood", optimizer.FisherScoring)
	}
	info, err := g.fisher()
	if err != nil || !o.joint {
		return info, err
	}
	xtsx, err := g.xtSigmaInvX(o.x)
	if err != nil {
		return nil, err
	}
	p := len(o.beta)
	full := mat.NewSymDense(o.nc+p, nil)
	for i := 0; i < o.nc; i++ {
		for j := i; j < o.nc; j++ {
			full.SetSym(i, j, info.At(i, j))
		}
	}
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			full.SetSym(o.nc+i, o.nc+j, xtsx.At(i, j))
		}
	}
	return full, nil
}

// BeginIteration implements optimizer.Updater: with GLS the coefficients
// are set to argmin_β at the current covariance parameters.
func (o *objective) BeginIteration(x []float64) error {
	if !o.gls {
		return nil
	}
	pars, _ := o.split(x)
	r := make([]float64, len(o.y))
	for i := range r {
		r[i] = o.y[i] - o.base[i]
	}
	g, err := o.m.gaussFit(pars, r, false)
	if err != nil {
		return err
	}
	beta, err := g.gls(o.x, r)
	if err != nil {
		return err
	}
	o.beta = beta
	o.cached.x = nil
	return nil
}

// xtSigmaInvX returns XᵀΣ⁻¹X.
func (g *gaussFit) xtSigmaInvX(x *mat.Dense) (*mat.SymDense, error) {
	sx, err := g.solveMatrix(x)
	if err != nil {
		return nil, err
	}
	var prod mat.Dense
	prod.Mul(x.T(), sx)
	_, p := x.Dims()
	out := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			out.SetSym(i, j, 0.5*(prod.At(i, j)+prod.At(j, i)))
		}
	}
	return out, nil
}

// gls returns (XᵀΣ⁻¹X)⁻¹XᵀΣ⁻¹r.
func (g *gaussFit) gls(x *mat.Dense, r []float64) ([]float64, error) {
	xtsx, err := g.xtSigmaInvX(x)
	if err != nil {
		return nil, err
	}
	sr, err := g.solve(r)
	if err != nil {
		return nil, err
	}
	_, p := x.Dims()
	rhs := mat.NewVecDense(p, nil)
	rhs.MulVec(x.T(), mat.NewVecDense(len(sr), sr))
	var chol mat.Cholesky
	if !chol.Factorize(xtsx) {
		return nil, errors.Wrap(errors.ErrSingularMatrix, "XᵀΣ⁻¹X is singular; check collinearity of the covariates")
	}
	beta := mat.NewVecDense(p, nil)
	if err := chol.SolveVecTo(beta, rhs); err != nil {
		return nil, errors.Wrap(errors.ErrSingularMatrix, "XᵀΣ⁻¹X")
	}
	return beta.RawVector().Data, nil
}

// defaultCovPars returns data dependent initial covariance parameters.
func (m *Model) defaultCovPars(y, offset []float64) []float64 {
	v := 1.0
	if m.gaussian() && y != nil {
		r := make([]float64, len(y))
		for i := range r {
			r[i] = y[i]
			if offset != nil {
				r[i] -= offset[i]
			}
		}
		if len(r) > 1 {
			v = stat.Variance(r, nil)
		}
		if !(v > 0) {
			v = 1
		}
		v /= 2
	}
	pars := make([]float64, m.numCovPars)
	if m.gaussian() {
		pars[0] = v
	}
	for _, c := range m.comps {
		pars[c.offset] = v
		if c.isGP() && c.npar > 1 {
			pars[c.offset+1] = covariance.DefaultRange(m.train.coords)
		}
	}
	return pars
}

func (m *Model) resolveInputs(op string, y, fixedEffects []float64) ([]float64, []float64, error) {
	if y == nil {
		y = m.data.Y
	}
	if y == nil {
		return nil, nil, errors.NewValidationError("y", "response is required", nil)
	}
	if len(y) != m.n {
		return nil, nil, errors.NewDimensionError(op, m.n, len(y), 0)
	}
	if err := m.lik.CheckResponse(y); err != nil {
		return nil, nil, err
	}
	if fixedEffects == nil {
		fixedEffects = make([]float64, m.n)
	}
	if len(fixedEffects) != m.n {
		return nil, nil, errors.NewDimensionError(op, m.n, len(fixedEffects), 0)
	}
	for i, v := range fixedEffects {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, nil, errors.NewNumericalInstabilityError("fixed_effects", []float64{float64(i), v}, 0)
		}
	}
	return y, fixedEffects, nil
}

func (m *Model) startCovPars(y, offset []float64) []float64 {
	switch {
	case m.optCfg.InitCovPars != nil:
		return append([]float64(nil), m.optCfg.InitCovPars...)
	case m.state.IsEstimated():
		return append([]float64(nil), m.covPars...)
	default:
		return m.defaultCovPars(y, offset)
	}
}

func logVec(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = math.Log(x)
	}
	return out
}

func expVec(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = math.Exp(x)
	}
	return out
}

// OptimizeCovPars estimates the covariance parameters for response y with
// a fixed effects offset (nil means zero). y nil uses Data.Y. On a numeric
// failure the error is returned and the model keeps the parameters, state
// and trace it had before the call.
func (m *Model) OptimizeCovPars(ctx context.Context, y, fixedEffects []float64) error {
	y, fixedEffects, err := m.resolveInputs("OptimizeCovPars", y, fixedEffects)
	if err != nil {
		return err
	}
	obj := m.newObjective(y, fixedEffects, nil, nil)
	x0 := logVec(m.startCovPars(y, fixedEffects))
	return m.run(ctx, log.OperationOptimize, obj, x0, nil)
}

// OptimizeCovParsAndCoef jointly estimates covariance parameters and the
// coefficients of the linear predictor Xβ. X nil uses Data.X.
func (m *Model) OptimizeCovParsAndCoef(ctx context.Context, y []float64, x *mat.Dense) error {
	y, base, err := m.resolveInputs("OptimizeCovParsAndCoef", y, nil)
	if err != nil {
		return err
	}
	if x == nil {
		x = m.data.X
	}
	if x == nil {
		return errors.NewValidationError("X", "covariates are required", nil)
	}
	if rows(x) != m.n {
		return errors.NewDimensionError("OptimizeCovParsAndCoef", m.n, rows(x), 0)
	}
	p := cols(x)

	beta := make([]float64, p)
	switch {
	case m.optCfg.InitCoef != nil:
		if len(m.optCfg.InitCoef) != p {
			return errors.NewDimensionError("OptimizeCovParsAndCoef", p, len(m.optCfg.InitCoef), 1)
		}
		copy(beta, m.optCfg.InitCoef)
	case m.state.IsEstimated() && len(m.coef) == p:
		copy(beta, m.coef)
	case m.gaussian():
		var sol mat.VecDense
		if err := sol.SolveVec(x, mat.NewVecDense(m.n, y)); err == nil {
			copy(beta, sol.RawVector().Data)
		}
	}

	obj := m.newObjective(y, base, x, beta)
	kindCov := m.optCfg.OptimizerKind
	obj.gls = m.gaussian() && m.optCfg.OptimizerKindCoef == optimizer.WLS &&
		(kindCov == optimizer.GradientDescent || kindCov == optimizer.FisherScoring || kindCov == optimizer.Newton)
	obj.joint = !obj.gls

	start := m.startCovPars(y, obj.offset(beta))
	x0 := logVec(start)
	var scale []float64
	if obj.joint {
		x0 = append(x0, beta...)
		scale = make([]float64, len(x0))
		lr := m.optCfg.learningRate()
		for i := range scale {
			scale[i] = 1
			if i >= m.numCovPars && m.optCfg.LearningRateCoef > 0 {
				scale[i] = m.optCfg.LearningRateCoef / lr
			}
		}
	}
	return m.run(ctx, log.OperationOptimizeCoef, obj, x0, scale)
}

func (m *Model) run(ctx context.Context, op string, obj *objective, x0, scale []float64) (err error) {
	defer errors.Recover(&err, op)
	start := time.Now()
	logger := m.logger.With(log.OperationKey, op, log.OptimizerKey, m.optCfg.OptimizerKind)
	settings := m.optCfg.settings(logger)
	settings.StepScale = scale

	res, err := optimizer.Minimize(ctx, obj, x0, settings)
	if err != nil {
		// a failed run leaves the model as it was; the last valid iterate
		// is only logged
		if res != nil {
			logger.Error("estimation failed", err,
				log.IterationKey, res.Iterations,
				log.CovParsKey, expVec(res.X[:m.numCovPars]),
				log.ErrorCodeKey, errorCode(err))
		}
		return err
	}
	covPars := expVec(res.X[:m.numCovPars])
	beta := obj.beta
	if obj.joint {
		beta = append([]float64(nil), res.X[m.numCovPars:]...)
	}

	m.covPars = covPars
	if obj.x != nil {
		m.coef = append([]float64(nil), beta...)
		m.x = obj.x
	} else {
		m.coef, m.x = nil, nil
	}
	m.trace = res.Trace

	m.negLogLik = res.Value
	m.y = append([]float64(nil), obj.y...)
	m.fixedEffects = append([]float64(nil), obj.base...)
	m.mode = obj.warm
	m.stdErrCovPars, m.stdErrCoef = nil, nil
	m.state.SetEstimated(res.Iterations, m.n)

	if m.optCfg.StdDev {
		if err := m.computeStdErrors(obj, res.X); err != nil {
			logger.Warn("standard errors unavailable", "error", err)
			return err
		}
	}
	logger.Info("estimation finished",
		log.IterationKey, res.Iterations,
		log.NegLogLikKey, res.Value,
		log.CovParsKey, covPars,
		"status", res.Status.String(),
		log.DurationMsKey, time.Since(start).Milliseconds())
	return nil
}

func errorCode(err error) string {
	var le *errors.LaplaceError
	switch {
	case errors.As(err, &le):
		return log.ErrorLaplace
	case errors.IsNumericalError(err):
		return log.ErrorNumerical
	case errors.IsConfigurationError(err):
		return log.ErrorConfiguration
	}
	return ""
}

// NegLogLikelihood evaluates the (approximate) negative log-likelihood at
// the given covariance parameters without touching the estimation state.
func (m *Model) NegLogLikelihood(y, covPars, fixedEffects []float64) (float64, error) {
	y, fixedEffects, err := m.resolveInputs("NegLogLikelihood", y, fixedEffects)
	if err != nil {
		return 0, err
	}
	if err := m.checkCovPars("NegLogLikelihood", covPars); err != nil {
		return 0, err
	}
	pars := append([]float64(nil), covPars...)
	if m.gaussian() {
		r := make([]float64, m.n)
		for i := range r {
			r[i] = y[i] - fixedEffects[i]
		}
		g, err := m.gaussFit(pars, r, false)
		if err != nil {
			return 0, err
		}
		return g.nll, nil
	}
	lf, err := m.laplace(pars, y, fixedEffects, nil, false)
	if err != nil {
		return 0, err
	}
	return lf.nll, nil
}

func (m *Model) checkCovPars(op string, pars []float64) error {
	if len(pars) != m.numCovPars {
		return errors.NewDimensionError(op, m.numCovPars, len(pars), 0)
	}
	for _, v := range pars {
		if !(v > 0) || math.IsInf(v, 0) {
			return errors.NewValidationError("cov_pars", "covariance parameters must be positive and finite", v)
		}
	}
	return nil
}
