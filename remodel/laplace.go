package remodel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/pkg/log"
	"github.com/YuminosukeSato/gpboost/vecchia"
)

const maxModeHalvings = 20

// laplaceFit is the Laplace approximation of the marginal likelihood of a
// non-Gaussian response at fixed covariance parameters.
type laplaceFit struct {
	m      *Model
	pars   []float64
	y      []float64
	offset []float64

	nll        float64
	mode       []float64 // f̂
	iterations int
	// weighted log-likelihood derivatives at the mode; w = −∂²ll.
	d1, w, d3 []float64

	// exact: f̂ = K a, B = I + W½KW½
	k     *mat.SymDense
	a     []float64
	sqrtW []float64
	cholB mat.Cholesky
	r     *mat.SymDense // (K + W⁻¹)⁻¹, lazily
	kr    *mat.Dense    // K·R, lazily

	// vecchia: Q = Σ̃⁻¹, sparse Cholesky of Q + W
	fac *vecchia.Factors
	qw  *vecchia.QWFactor
}

// derivs evaluates the weighted log-likelihood and its derivatives at
// η = offset + f.
func (m *Model) derivs(y, offset, f []float64, d1, w, d3 []float64) (float64, error) {
	ll := 0.0
	for i := range f {
		eta := offset[i] + f[i]
		wt := 1.0
		if m.data.Weights != nil {
			wt = m.data.Weights[i]
		}
		ll += wt * m.lik.LogLik(y[i], eta)
		if d1 != nil {
			d1[i] = wt * m.lik.D1(y[i], eta)
		}
		if w != nil {
			w[i] = -wt * m.lik.D2(y[i], eta)
			if !(w[i] >= 0) {
				return 0, errors.NewLaplaceError(0, fmt.Sprintf("negative or undefined curvature %g at row %d", w[i], i))
			}
		}
		if d3 != nil {
			d3[i] = wt * m.lik.D3(y[i], eta)
		}
	}
	if math.IsNaN(ll) || math.IsInf(ll, 0) {
		return 0, errors.NewLaplaceError(0, "non-finite log-likelihood")
	}
	return ll, nil
}

// laplace finds the posterior mode of the latent field and evaluates the
// approximate negative log-likelihood. warm is a previous a (exact) or
// mode (Vecchia) used as starting point; nil starts from zero.
func (m *Model) laplace(pars, y, offset, warm []float64, withGrad bool) (*laplaceFit, error) {
	lf := &laplaceFit{
		m: m, pars: pars, y: y, offset: offset,
		d1: make([]float64, m.n), w: make([]float64, m.n), d3: make([]float64, m.n),
	}
	var err error
	if m.useVecchia() {
		err = lf.findModeVecchia(warm, withGrad)
	} else {
		err = lf.findModeExact(warm)
	}
	if err != nil {
		return nil, err
	}
	m.logger.Debug("laplace mode found", log.ModeIterationsKey, lf.iterations, log.NegLogLikKey, lf.nll)
	return lf, nil
}

// minModeTol bounds the mode criterion from below; Newton steps stall at
// rounding level.
const minModeTol = 1e-10

// converged requires both a relative change of Ψ and a change of the mode
// below DeltaRelConvMode, so that the mode used in gradients is accurate.
func (lf *laplaceFit) converged(psiOld, psi float64, fOld, f []float64) bool {
	tol := lf.m.cfg.DeltaRelConvMode
	if math.Abs(psi-psiOld) > tol*math.Max(math.Abs(psiOld), 1) {
		return false
	}
	scale, step := 1.0, 0.0
	for i := range f {
		scale = math.Max(scale, math.Abs(f[i]))
		step = math.Max(step, math.Abs(f[i]-fOld[i]))
	}
	return step <= math.Max(tol, minModeTol)*scale
}

// findModeExact is Newton's method on Ψ(f) = ll(f) − ½fᵀK⁻¹f parametrized
// by f = Ka so that a singular K (grouped effects) is never inverted.
func (lf *laplaceFit) findModeExact(warm []float64) error {
	m := lf.m
	n := m.n
	lf.k = m.newKernel(lf.pars, false).sym(m.train, m.workers())
	kmul := func(v []float64) []float64 {
		out := mat.NewVecDense(n, nil)
		out.MulVec(lf.k, mat.NewVecDense(n, v))
		return out.RawVector().Data
	}

	a := make([]float64, n)
	if len(warm) == n {
		copy(a, warm)
	}
	f := kmul(a)
	psi := func(a, f []float64) (float64, error) {
		ll, err := m.derivs(lf.y, lf.offset, f, nil, nil, nil)
		return ll - 0.5*floats.Dot(a, f), err
	}
	cur, err := psi(a, f)
	if err != nil {
		return err
	}

	lf.sqrtW = make([]float64, n)
	converged := false
	for it := 1; it <= m.cfg.MaxIterMode; it++ {
		lf.iterations = it
		if _, err := m.derivs(lf.y, lf.offset, f, lf.d1, lf.w, nil); err != nil {
			return withIterations(err, it)
		}
		if err := lf.factorB(); err != nil {
			return withIterations(err, it)
		}
		b := make([]float64, n)
		for i := range b {
			b[i] = lf.w[i]*f[i] + lf.d1[i]
		}
		kb := kmul(b)
		rhs := make([]float64, n)
		for i := range rhs {
			rhs[i] = lf.sqrtW[i] * kb[i]
		}
		c := mat.NewVecDense(n, nil)
		if err := lf.cholB.SolveVecTo(c, mat.NewVecDense(n, rhs)); err != nil {
			return errors.NewLaplaceError(it, "singular B matrix")
		}
		aNew := make([]float64, n)
		for i := range aNew {
			aNew[i] = b[i] - lf.sqrtW[i]*c.AtVec(i)
		}
		fNew := kmul(aNew)
		next, err := psi(aNew, fNew)
		for h := 0; (err != nil || next < cur) && h < maxModeHalvings; h++ {
			for i := range aNew {
				aNew[i] = 0.5 * (aNew[i] + a[i])
				fNew[i] = 0.5 * (fNew[i] + f[i])
			}
			next, err = psi(aNew, fNew)
		}
		if err != nil {
			return withIterations(err, it)
		}
		done := lf.converged(cur, next, f, fNew)
		a, f, cur = aNew, fNew, next
		if done {
			converged = true
			break
		}
	}
	if !converged {
		return errors.NewLaplaceError(lf.iterations, "mode finding did not converge")
	}

	if _, err := m.derivs(lf.y, lf.offset, f, lf.d1, lf.w, lf.d3); err != nil {
		return withIterations(err, lf.iterations)
	}
	if err := lf.factorB(); err != nil {
		return withIterations(err, lf.iterations)
	}
	lf.a, lf.mode = a, f
	lf.nll = -(cur - 0.5*lf.cholB.LogDet())
	return errors.CheckScalar("neg_log_likelihood", lf.nll, lf.iterations)
}

// factorB computes W½ and the Cholesky factor of B = I + W½KW½.
func (lf *laplaceFit) factorB() error {
	n := lf.m.n
	for i := range lf.sqrtW {
		lf.sqrtW[i] = math.Sqrt(lf.w[i])
	}
	b := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := lf.sqrtW[i] * lf.k.At(i, j) * lf.sqrtW[j]
			if i == j {
				v++
			}
			b.SetSym(i, j, v)
		}
	}
	if !lf.cholB.Factorize(b) {
		return errors.NewLaplaceError(0, "B = I + W½KW½ is not positive definite")
	}
	return nil
}

// findModeVecchia is Newton's method f ← (Q+W)⁻¹(Wf + ∇ll) on the Vecchia
// precision Q.
func (lf *laplaceFit) findModeVecchia(warm []float64, withGrad bool) error {
	m := lf.m
	n := m.n
	fac, err := vecchia.Compute(m.vstruct, &pointKernel{k: m.newKernel(lf.pars, false), pts: m.train, nObs: 0}, withGrad, m.workers())
	if err != nil {
		return err
	}
	lf.fac = fac

	f := make([]float64, n)
	if len(warm) == n {
		copy(f, warm)
	}
	psi := func(f []float64) (float64, error) {
		ll, err := m.derivs(lf.y, lf.offset, f, nil, nil, nil)
		return ll - 0.5*fac.QuadForm(f), err
	}
	cur, err := psi(f)
	if err != nil {
		return err
	}

	converged := false
	for it := 1; it <= m.cfg.MaxIterMode; it++ {
		lf.iterations = it
		if _, err := m.derivs(lf.y, lf.offset, f, lf.d1, lf.w, nil); err != nil {
			return withIterations(err, it)
		}
		if err := lf.factorQW(); err != nil {
			return withIterations(err, it)
		}
		rhs := make([]float64, n)
		for i := range rhs {
			rhs[i] = lf.w[i]*f[i] + lf.d1[i]
		}
		fNew := lf.qw.Solve(rhs)
		next, err := psi(fNew)
		for h := 0; (err != nil || next < cur) && h < maxModeHalvings; h++ {
			for i := range fNew {
				fNew[i] = 0.5 * (fNew[i] + f[i])
			}
			next, err = psi(fNew)
		}
		if err != nil {
			return withIterations(err, it)
		}
		done := lf.converged(cur, next, f, fNew)
		f, cur = fNew, next
		if done {
			converged = true
			break
		}
	}
	if !converged {
		return errors.NewLaplaceError(lf.iterations, "mode finding did not converge")
	}

	if _, err := m.derivs(lf.y, lf.offset, f, lf.d1, lf.w, lf.d3); err != nil {
		return withIterations(err, lf.iterations)
	}
	if err := lf.factorQW(); err != nil {
		return withIterations(err, lf.iterations)
	}
	lf.mode = f
	// log q = Ψ + ½log|Q| − ½log|Q+W| with log|Q| = −log|Σ̃|
	lf.nll = -(cur - 0.5*fac.LogDet() - 0.5*lf.qw.LogDet())
	return errors.CheckScalar("neg_log_likelihood", lf.nll, lf.iterations)
}

// factorQW computes the sparse Cholesky factor of Q + W.
func (lf *laplaceFit) factorQW() error {
	qw, err := lf.fac.FactorQW(lf.w)
	if err != nil {
		return errors.NewLaplaceError(0, "Q + W is not positive definite")
	}
	lf.qw = qw
	return nil
}

func withIterations(err error, it int) error {
	var le *errors.LaplaceError
	if errors.As(err, &le) && le.Iterations == 0 {
		return errors.NewLaplaceError(it, le.Reason)
	}
	return err
}

// warm returns the starting point for the next mode search.
func (lf *laplaceFit) warm() []float64 {
	if lf.fac != nil {
		return lf.mode
	}
	return lf.a
}

// rMatrix returns R = (K + W⁻¹)⁻¹ = W½B⁻¹W½ (exact path).
func (lf *laplaceFit) rMatrix() (*mat.SymDense, error) {
	if lf.r == nil {
		n := lf.m.n
		binv := mat.NewSymDense(n, nil)
		if err := lf.cholB.InverseTo(binv); err != nil {
			return nil, errors.NewLaplaceError(lf.iterations, "singular B matrix")
		}
		r := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				r.SetSym(i, j, lf.sqrtW[i]*binv.At(i, j)*lf.sqrtW[j])
			}
		}
		lf.r = r
		lf.kr = &mat.Dense{}
		lf.kr.Mul(lf.k, r)
	}
	return lf.r, nil
}

// posteriorVarDiag returns Λ = diag((Σ⁻¹ + W)⁻¹).
func (lf *laplaceFit) posteriorVarDiag() ([]float64, error) {
	n := lf.m.n
	lam := make([]float64, n)
	if lf.fac != nil {
		return lf.qw.InverseDiag(), nil
	}
	if _, err := lf.rMatrix(); err != nil {
		return nil, err
	}
	// (K⁻¹+W)⁻¹ = K − KRK
	for i := range lam {
		lam[i] = lf.k.At(i, i) - floats.Dot(lf.kr.RawRowView(i), colOf(lf.k, i))
	}
	return lam, nil
}

func colOf(s *mat.SymDense, j int) []float64 {
	n := s.SymmetricDim()
	out := make([]float64, n)
	for i := range out {
		out[i] = s.At(i, j)
	}
	return out
}

// gradient returns ∂nll/∂log θ including the implicit dependence of the
// mode on the parameters.
func (lf *laplaceFit) gradient() ([]float64, error) {
	lam, err := lf.posteriorVarDiag()
	if err != nil {
		return nil, err
	}
	n := lf.m.n
	s2 := make([]float64, n)
	for i := range s2 {
		s2[i] = 0.5 * lam[i] * lf.d3[i]
	}
	if lf.fac != nil {
		return lf.gradientVecchia(s2)
	}
	return lf.gradientExact(s2)
}

func (lf *laplaceFit) gradientExact(s2 []float64) ([]float64, error) {
	m := lf.m
	n := m.n
	r, err := lf.rMatrix()
	if err != nil {
		return nil, err
	}
	derivs := m.newKernel(lf.pars, false).symGrad(m.train, m.workers())
	grad := make([]float64, len(lf.pars))
	ca := mat.NewVecDense(n, nil)
	b := mat.NewVecDense(n, nil)
	rb := mat.NewVecDense(n, nil)
	krb := mat.NewVecDense(n, nil)
	for j, cj := range derivs {
		ca.MulVec(cj, mat.NewVecDense(n, lf.a))
		trRC := 0.0
		for p := 0; p < n; p++ {
			for q := 0; q < n; q++ {
				trRC += r.At(p, q) * cj.At(q, p)
			}
		}
		s1 := 0.5*floats.Dot(lf.a, ca.RawVector().Data) - 0.5*trRC
		b.MulVec(cj, mat.NewVecDense(n, lf.d1))
		rb.MulVec(r, b)
		krb.MulVec(lf.k, rb)
		s3 := 0.0
		for i := 0; i < n; i++ {
			s3 += s2[i] * (b.AtVec(i) - krb.AtVec(i))
		}
		grad[j] = -(s1 + s3)
	}
	return grad, errors.CheckNumericalStability("laplace_gradient", grad, lf.iterations)
}

func (lf *laplaceFit) gradientVecchia(s2 []float64) ([]float64, error) {
	ldg := lf.fac.LogDetGrad()
	grad := make([]float64, len(lf.pars))
	for j := range grad {
		dqf := lf.fac.ApplyPrecisionGrad(j, lf.mode)
		tr := lf.qw.TracePrecisionGrad(j)
		explicit := -0.5*floats.Dot(lf.mode, dqf) - 0.5*ldg[j] - 0.5*tr
		// ∂f̂/∂θ_j = −(Q+W)⁻¹ ∂Q f̂
		implicit := -floats.Dot(s2, lf.qw.Solve(dqf))
		grad[j] = -(explicit + implicit)
	}
	return grad, errors.CheckNumericalStability("laplace_gradient", grad, lf.iterations)
}

// offsetGradHess returns ∂nll/∂F and the diagonal of (Σ + W⁻¹)⁻¹ where F
// is the fixed effect offset.
func (lf *laplaceFit) offsetGradHess() ([]float64, []float64, error) {
	lam, err := lf.posteriorVarDiag()
	if err != nil {
		return nil, nil, err
	}
	n := lf.m.n
	s := make([]float64, n)
	for i := range s {
		s[i] = 0.5 * lam[i] * lf.d3[i]
	}
	grad := make([]float64, n)
	hess := make([]float64, n)
	if lf.fac != nil {
		is := lf.qw.Solve(s)
		for i := range grad {
			grad[i] = -(lf.d1[i] + s[i] - lf.w[i]*is[i])
			hess[i] = lf.w[i] - lf.w[i]*lf.w[i]*lam[i]
		}
	} else {
		r, _ := lf.rMatrix()
		ks := mat.NewVecDense(n, nil)
		ks.MulVec(lf.k, mat.NewVecDense(n, s))
		rks := mat.NewVecDense(n, nil)
		rks.MulVec(r, ks)
		for i := range grad {
			grad[i] = -(lf.d1[i] + s[i] - rks.AtVec(i))
			hess[i] = r.At(i, i)
		}
	}
	if err := errors.CheckNumericalStability("offset_gradient", grad, 0); err != nil {
		return nil, nil, err
	}
	return grad, hess, nil
}
