package remodel

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gpboost/core/parallel"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/vecchia"
)

var log2Pi = math.Log(2 * math.Pi)

// gaussFit is the Gaussian marginal likelihood of a residual vector at fixed
// covariance parameters, either exact (dense Cholesky) or Vecchia.
type gaussFit struct {
	m     *Model
	pars  []float64
	r     []float64
	nll   float64
	alpha []float64 // Σ⁻¹r

	// dense
	chol     *mat.Cholesky
	sigmaInv *mat.SymDense
	// vecchia
	fac *vecchia.Factors
}

func (m *Model) gaussFit(pars, r []float64, withGrad bool) (*gaussFit, error) {
	g := &gaussFit{m: m, pars: pars, r: r}
	k := m.newKernel(pars, true)

	if m.useVecchia() {
		fac, err := vecchia.Compute(m.vstruct, &pointKernel{k: k, pts: m.train, nObs: m.n}, withGrad, m.workers())
		if err != nil {
			return nil, err
		}
		g.fac = fac
		g.nll = fac.NegLogLik(r)
		g.alpha = fac.ApplyPrecision(r)
	} else {
		sigma := k.sym(m.train, m.workers())
		var chol mat.Cholesky
		if !chol.Factorize(sigma) {
			return nil, errors.Wrap(errors.ErrSingularMatrix, "covariance matrix is not positive definite")
		}
		g.chol = &chol
		alpha := mat.NewVecDense(m.n, nil)
		if err := chol.SolveVecTo(alpha, mat.NewVecDense(m.n, r)); err != nil {
			return nil, errors.Wrap(errors.ErrSingularMatrix, "covariance solve")
		}
		g.alpha = alpha.RawVector().Data
		g.nll = 0.5 * (float64(m.n)*log2Pi + chol.LogDet() + floats.Dot(r, g.alpha))
	}
	if err := errors.CheckScalar("neg_log_likelihood", g.nll, 0); err != nil {
		return nil, err
	}
	return g, nil
}

// solve returns Σ⁻¹v.
func (g *gaussFit) solve(v []float64) ([]float64, error) {
	if g.fac != nil {
		return g.fac.ApplyPrecision(v), nil
	}
	out := mat.NewVecDense(len(v), nil)
	if err := g.chol.SolveVecTo(out, mat.NewVecDense(len(v), v)); err != nil {
		return nil, errors.Wrap(errors.ErrSingularMatrix, "covariance solve")
	}
	return out.RawVector().Data, nil
}

// solveMatrix returns Σ⁻¹X.
func (g *gaussFit) solveMatrix(x *mat.Dense) (*mat.Dense, error) {
	n, p := x.Dims()
	out := mat.NewDense(n, p, nil)
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		mat.Col(col, j, x)
		s, err := g.solve(col)
		if err != nil {
			return nil, err
		}
		out.SetCol(j, s)
	}
	return out, nil
}

func (g *gaussFit) inverse() (*mat.SymDense, error) {
	if g.sigmaInv == nil {
		inv := mat.NewSymDense(g.m.n, nil)
		if err := g.chol.InverseTo(inv); err != nil {
			return nil, errors.Wrap(errors.ErrSingularMatrix, "covariance inverse")
		}
		g.sigmaInv = inv
	}
	return g.sigmaInv, nil
}

// precisionDiag returns diag(Σ⁻¹).
func (g *gaussFit) precisionDiag() ([]float64, error) {
	if g.fac != nil {
		return g.fac.PrecisionDiag(), nil
	}
	inv, err := g.inverse()
	if err != nil {
		return nil, err
	}
	out := make([]float64, g.m.n)
	for i := range out {
		out[i] = inv.At(i, i)
	}
	return out, nil
}

// gradient returns ∂nll/∂log θ = ½[tr(Σ⁻¹Σ_j) − αᵀΣ_jα].
func (g *gaussFit) gradient() ([]float64, error) {
	if g.fac != nil {
		return g.fac.Gradient(g.r), nil
	}
	inv, err := g.inverse()
	if err != nil {
		return nil, err
	}
	m := g.m
	derivs := m.newKernel(g.pars, true).symGrad(m.train, m.workers())
	grad := make([]float64, len(g.pars))
	for j, dj := range derivs {
		tr := parallel.ReduceSum(m.n, parallelThreshold, m.workers(), 2, func(start, end int, acc []float64) {
			for a := start; a < end; a++ {
				for b := 0; b < m.n; b++ {
					v := dj.At(a, b)
					acc[0] += inv.At(a, b) * v
					acc[1] += g.alpha[a] * v * g.alpha[b]
				}
			}
		})
		grad[j] = 0.5 * (tr[0] - tr[1])
	}
	return grad, nil
}

// fisher returns I_jk = ½tr(Σ⁻¹Σ_jΣ⁻¹Σ_k).
func (g *gaussFit) fisher() (*mat.SymDense, error) {
	if g.fac != nil {
		return g.fac.Fisher(), nil
	}
	inv, err := g.inverse()
	if err != nil {
		return nil, err
	}
	m := g.m
	derivs := m.newKernel(g.pars, true).symGrad(m.train, m.workers())
	prods := make([]*mat.Dense, len(derivs))
	for j, dj := range derivs {
		prods[j] = &mat.Dense{}
		prods[j].Mul(inv, dj)
	}
	np := len(derivs)
	info := mat.NewSymDense(np, nil)
	for j := 0; j < np; j++ {
		for k := j; k < np; k++ {
			s := 0.0
			for a := 0; a < m.n; a++ {
				for b := 0; b < m.n; b++ {
					s += prods[j].At(a, b) * prods[k].At(b, a)
				}
			}
			info.SetSym(j, k, 0.5*s)
		}
	}
	return info, nil
}
