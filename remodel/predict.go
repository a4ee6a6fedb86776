package remodel

import (
	"context"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	coremodel "github.com/YuminosukeSato/gpboost/core/model"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/pkg/log"
	"github.com/YuminosukeSato/gpboost/vecchia"
)

// PredictOptions configures Predict.
type PredictOptions struct {
	// PredictVar requests pointwise variances.
	PredictVar bool
	// PredictCovMat requests the full predictive covariance matrix.
	PredictCovMat bool
	// PredictResponse predicts the response instead of the latent field.
	PredictResponse bool
	// UseSavedData uses the inputs registered with SetPredictionData.
	UseSavedData bool
	// Data are the prediction inputs when UseSavedData is false.
	Data *PredictionData
	// CovPars overrides the estimated covariance parameters.
	CovPars []float64
	// Y overrides the training response; nil uses the last estimation's
	// response or Data.Y.
	Y []float64
	// FixedEffects is the training offset; nil uses the offset of the last
	// estimation.
	FixedEffects []float64
	// FixedEffectsPred is added to the predicted mean.
	FixedEffectsPred []float64
}

// Prediction is the output of Predict.
type Prediction struct {
	Mean []float64
	Var  []float64
	Cov  *mat.SymDense
}

// predStructCache keeps the last Vecchia conditional so that repeated
// predictions at the same inputs and parameters skip the neighbor search
// and factorization.
type predStructCache struct {
	key  uint64
	cond *vecchia.Conditional
}

// SetPredictionData registers prediction inputs for later calls with
// UseSavedData.
func (m *Model) SetPredictionData(pd PredictionData) error {
	if _, err := pd.points(m); err != nil {
		return err
	}
	m.predData = &pd
	return nil
}

// Predict returns the conditional mean and optionally variances or the
// covariance of the latent field (or response) at new points.
func (m *Model) Predict(ctx context.Context, opts PredictOptions) (_ *Prediction, err error) {
	defer errors.Recover(&err, "Model.Predict")
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.PredictCovMat && opts.PredictResponse && !m.gaussian() {
		return nil, errors.NewPreconditionError("Predict", "predictive covariance of the response is only available for gaussian likelihood")
	}

	pd := opts.Data
	if opts.UseSavedData {
		pd = m.predData
	}
	if pd == nil {
		return nil, errors.NewPreconditionError("Predict", "no prediction data; pass Data or call SetPredictionData first")
	}
	pred, err := pd.points(m)
	if err != nil {
		return nil, err
	}

	pars, y, offset, err := m.predictionInputs(opts)
	if err != nil {
		return nil, err
	}

	// the response mean of non-Gaussian families needs the latent variance
	inner := opts
	if opts.PredictResponse && !m.gaussian() {
		inner.PredictVar = true
	}
	var out *Prediction
	switch {
	case m.useVecchia():
		out, err = m.predictVecchia(pred, pars, y, offset, inner)
	case m.gaussian():
		out, err = m.predictExactGaussian(pred, pars, y, offset, inner)
	default:
		out, err = m.predictExactLaplace(pred, pars, y, offset, inner)
	}
	if err != nil {
		return nil, err
	}

	if err := m.addFixedEffects(out.Mean, pd, opts.FixedEffectsPred); err != nil {
		return nil, err
	}
	if opts.PredictResponse {
		m.toResponseScale(out, pars)
	}
	if !opts.PredictVar {
		out.Var = nil
	}
	if err := errors.CheckNumericalStability("prediction", out.Mean, 0); err != nil {
		return nil, err
	}
	m.logger.Debug("prediction finished",
		log.OperationKey, log.OperationPredict,
		log.PredsKey, pred.n,
		log.DurationMsKey, time.Since(start).Milliseconds())
	return out, nil
}

// predictionInputs resolves parameters, response and training offset
// (including Xβ) for a prediction.
func (m *Model) predictionInputs(opts PredictOptions) ([]float64, []float64, []float64, error) {
	var pars []float64
	if opts.CovPars != nil {
		if err := m.checkCovPars("Predict", opts.CovPars); err != nil {
			return nil, nil, nil, err
		}
		pars = opts.CovPars
	} else {
		if err := m.state.RequireEstimated("Predict"); err != nil {
			return nil, nil, nil, err
		}
		pars = m.covPars
	}

	y := opts.Y
	switch {
	case y != nil:
	case m.y != nil:
		y = m.y
	default:
		y = m.data.Y
	}
	if y == nil {
		return nil, nil, nil, errors.NewPreconditionError("Predict", "no training response available")
	}
	if len(y) != m.n {
		return nil, nil, nil, errors.NewDimensionError("Predict", m.n, len(y), 0)
	}

	offset := make([]float64, m.n)
	switch {
	case opts.FixedEffects != nil:
		if len(opts.FixedEffects) != m.n {
			return nil, nil, nil, errors.NewDimensionError("Predict", m.n, len(opts.FixedEffects), 0)
		}
		copy(offset, opts.FixedEffects)
	case m.fixedEffects != nil:
		copy(offset, m.fixedEffects)
	}
	if m.coef != nil && m.x != nil {
		xb := mat.NewVecDense(m.n, nil)
		xb.MulVec(m.x, mat.NewVecDense(len(m.coef), m.coef))
		for i := range offset {
			offset[i] += xb.AtVec(i)
		}
	}
	return pars, y, offset, nil
}

func (m *Model) addFixedEffects(mean []float64, pd *PredictionData, fixed []float64) error {
	if m.coef != nil {
		if pd.X == nil {
			return errors.NewValidationError("X_pred", "covariates of the prediction points are required when coefficients were estimated", nil)
		}
		if rows(pd.X) != len(mean) || cols(pd.X) != len(m.coef) {
			return errors.NewDimensionError("Predict", len(m.coef), cols(pd.X), 1)
		}
		xb := mat.NewVecDense(len(mean), nil)
		xb.MulVec(pd.X, mat.NewVecDense(len(m.coef), m.coef))
		for i := range mean {
			mean[i] += xb.AtVec(i)
		}
	}
	if fixed != nil {
		if len(fixed) != len(mean) {
			return errors.NewDimensionError("Predict", len(mean), len(fixed), 0)
		}
		for i := range mean {
			mean[i] += fixed[i]
		}
	}
	return nil
}

func (m *Model) toResponseScale(out *Prediction, pars []float64) {
	if m.gaussian() {
		for i := range out.Var {
			out.Var[i] += pars[0]
		}
		if out.Cov != nil {
			n := out.Cov.SymmetricDim()
			for i := 0; i < n; i++ {
				out.Cov.SetSym(i, i, out.Cov.At(i, i)+pars[0])
			}
		}
		return
	}
	for i := range out.Mean {
		v := 0.0
		if out.Var != nil {
			v = out.Var[i]
		}
		mu, variance := m.lik.ResponseMeanVar(out.Mean[i], v)
		out.Mean[i] = mu
		if out.Var != nil {
			out.Var[i] = variance
		}
	}
}

// finish fills Var and Cov from a full conditional covariance.
// finish assembles a Prediction. vars, when given, are used instead of the
// diagonal of cov, which may then be nil.
func finish(mean []float64, cov *mat.SymDense, vars []float64, opts PredictOptions) *Prediction {
	out := &Prediction{Mean: mean}
	if cov == nil && vars == nil {
		return out
	}
	if opts.PredictVar {
		out.Var = make([]float64, len(mean))
		for i := range out.Var {
			var v float64
			if vars != nil {
				v = vars[i]
			} else {
				v = cov.At(i, i)
			}
			out.Var[i] = math.Max(v, 0)
		}
	}
	if opts.PredictCovMat {
		out.Cov = cov
	}
	return out
}

func (m *Model) predictExactGaussian(pred *points, pars, y, offset []float64, opts PredictOptions) (*Prediction, error) {
	r := make([]float64, m.n)
	for i := range r {
		r[i] = y[i] - offset[i]
	}
	g, err := m.gaussFit(pars, r, false)
	if err != nil {
		return nil, err
	}
	latent := m.newKernel(pars, false)
	kpo := latent.dense(pred, m.train, m.workers())
	mean := mat.NewVecDense(pred.n, nil)
	mean.MulVec(kpo, mat.NewVecDense(m.n, g.alpha))

	if !opts.PredictVar && !opts.PredictCovMat {
		return finish(mean.RawVector().Data, nil, nil, opts), nil
	}
	// K_pp − K_po Σ⁻¹ K_op
	var sk mat.Dense
	if err := g.chol.SolveTo(&sk, kpo.T()); err != nil {
		return nil, errors.Wrap(errors.ErrSingularMatrix, "predictive covariance")
	}
	if !opts.PredictCovMat {
		return finish(mean.RawVector().Data, nil, predictiveVar(latent, pred, kpo, &sk), opts), nil
	}
	cov := latent.sym(pred, m.workers())
	subtractProduct(cov, kpo, &sk)
	return finish(mean.RawVector().Data, cov, nil, opts), nil
}

func (m *Model) predictExactLaplace(pred *points, pars, y, offset []float64, opts PredictOptions) (*Prediction, error) {
	lf, err := m.laplace(pars, y, offset, m.warmFor(pars), false)
	if err != nil {
		return nil, err
	}
	latent := m.newKernel(pars, false)
	kpo := latent.dense(pred, m.train, m.workers())
	mean := mat.NewVecDense(pred.n, nil)
	mean.MulVec(kpo, mat.NewVecDense(m.n, lf.a))

	if !opts.PredictVar && !opts.PredictCovMat {
		return finish(mean.RawVector().Data, nil, nil, opts), nil
	}
	// K_pp − K_po R K_op
	r, err := lf.rMatrix()
	if err != nil {
		return nil, err
	}
	var rk mat.Dense
	rk.Mul(r, kpo.T())
	if !opts.PredictCovMat {
		return finish(mean.RawVector().Data, nil, predictiveVar(latent, pred, kpo, &rk), opts), nil
	}
	cov := latent.sym(pred, m.workers())
	subtractProduct(cov, kpo, &rk)
	return finish(mean.RawVector().Data, cov, nil, opts), nil
}

// predictiveVar returns diag(K_pp − K_po·b) without forming K_pp; b is
// n × nPred.
func predictiveVar(latent *kernel, pred *points, kpo, b *mat.Dense) []float64 {
	out := make([]float64, pred.n)
	col := make([]float64, b.RawMatrix().Rows)
	for i := range out {
		mat.Col(col, i, b)
		out[i] = latent.cross(pred, i, pred, i) - floats.Dot(kpo.RawRowView(i), col)
	}
	return out
}

// warmFor returns the stored mode state when pars are the estimated ones.
func (m *Model) warmFor(pars []float64) []float64 {
	if m.mode != nil && sameVec(pars, m.covPars) {
		return m.mode
	}
	return nil
}

// subtractProduct sets cov −= a·b, symmetrized.
func subtractProduct(cov *mat.SymDense, a, b mat.Matrix) {
	var prod mat.Dense
	prod.Mul(a, b)
	n := cov.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, cov.At(i, j)-0.5*(prod.At(i, j)+prod.At(j, i)))
		}
	}
}

func (m *Model) vecchiaConditional(pred *points, pars []float64) (*vecchia.Conditional, error) {
	all := concat(m.train, pred)
	parts := [][]float64{all.coords.RawMatrix().Data, pars}
	if all.gpRandCoef != nil {
		parts = append(parts, all.gpRandCoef.RawMatrix().Data)
	}
	key := coremodel.Fingerprint(parts...)
	if m.predCache != nil && m.predCache.key == key {
		return m.predCache.cond, nil
	}
	// Gaussian: observed rows carry the nugget, prediction rows are latent.
	k := &pointKernel{k: m.newKernel(pars, true), pts: all, nObs: m.n}
	cond, err := vecchia.Predict(vecchia.PredictionInput{
		Coords:       all.coords,
		NumObs:       m.n,
		Obs:          m.vstruct,
		Kernel:       k,
		NumNeighbors: m.cfg.NumNeighborsPred,
		Mode:         m.cfg.VecchiaPredType,
		Workers:      m.workers(),
	})
	if err != nil {
		return nil, err
	}
	m.predCache = &predStructCache{key: key, cond: cond}
	return cond, nil
}

func (m *Model) predictVecchia(pred *points, pars, y, offset []float64, opts PredictOptions) (*Prediction, error) {
	cond, err := m.vecchiaConditional(pred, pars)
	if err != nil {
		return nil, err
	}
	wantCov := opts.PredictVar || opts.PredictCovMat

	if m.gaussian() {
		r := make([]float64, m.n)
		for i := range r {
			r[i] = y[i] - offset[i]
		}
		mean := mat.NewVecDense(pred.n, nil)
		mean.MulVec(cond.M, mat.NewVecDense(m.n, r))
		var cov *mat.SymDense
		if wantCov {
			cov = mat.NewSymDense(pred.n, nil)
			cov.CopySym(cond.Cov)
		}
		return finish(mean.RawVector().Data, cov, nil, opts), nil
	}

	lf, err := m.laplace(pars, y, offset, m.warmFor(pars), false)
	if err != nil {
		return nil, err
	}
	mean := mat.NewVecDense(pred.n, nil)
	mean.MulVec(cond.M, mat.NewVecDense(m.n, lf.mode))
	if !wantCov {
		return finish(mean.RawVector().Data, nil, nil, opts), nil
	}
	// Cc + M (Q+W)⁻¹ Mᵀ with one sparse solve per prediction point
	solved := make([][]float64, pred.n)
	for i := range solved {
		solved[i] = lf.qw.Solve(cond.M.RawRowView(i))
	}
	if !opts.PredictCovMat {
		vars := make([]float64, pred.n)
		for i := range vars {
			vars[i] = cond.Cov.At(i, i) + floats.Dot(cond.M.RawRowView(i), solved[i])
		}
		return finish(mean.RawVector().Data, nil, vars, opts), nil
	}
	cov := mat.NewSymDense(pred.n, nil)
	for i := 0; i < pred.n; i++ {
		for j := i; j < pred.n; j++ {
			v := 0.5 * (floats.Dot(cond.M.RawRowView(i), solved[j]) + floats.Dot(cond.M.RawRowView(j), solved[i]))
			cov.SetSym(i, j, cond.Cov.At(i, j)+v)
		}
	}
	return finish(mean.RawVector().Data, cov, nil, opts), nil
}
