package remodel

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gpboost/optimizer"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

// computeStdErrors fills the approximate standard errors at the optimum x.
// Gaussian models use the Fisher information of the log parameters and the
// GLS covariance (XᵀΣ⁻¹X)⁻¹ of the coefficients; non-Gaussian models use a
// finite-difference Hessian of the Laplace gradient. Covariance parameters
// are mapped back from log scale with the delta method.
func (m *Model) computeStdErrors(obj *objective, x []float64) error {
	nc := m.numCovPars
	if m.gaussian() {
		g, _, err := obj.eval(x, true)
		if err != nil {
			return err
		}
		info, err := g.fisher()
		if err != nil {
			return err
		}
		v, err := invertSym(info)
		if err != nil {
			return err
		}
		m.stdErrCovPars = deltaStdErr(m.covPars, v, 0)
		if obj.x != nil {
			xtsx, err := g.xtSigmaInvX(obj.x)
			if err != nil {
				return err
			}
			vb, err := invertSym(xtsx)
			if err != nil {
				return err
			}
			m.stdErrCoef = sqrtDiag(vb, 0, cols(obj.x))
		}
		return nil
	}

	hess, err := optimizer.FiniteDifferenceHessian(obj.Gradient, x)
	if err != nil {
		return err
	}
	v, err := invertSym(hess)
	if err != nil {
		return err
	}
	m.stdErrCovPars = deltaStdErr(m.covPars, v, 0)
	if obj.joint && obj.x != nil {
		m.stdErrCoef = sqrtDiag(v, nc, cols(obj.x))
	}
	return nil
}

func invertSym(a *mat.SymDense) (*mat.SymDense, error) {
	var chol mat.Cholesky
	if !chol.Factorize(a) {
		return nil, errors.Wrap(errors.ErrSingularMatrix, "information matrix is not positive definite")
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, errors.Wrap(errors.ErrSingularMatrix, "information matrix inverse")
	}
	return &inv, nil
}

// deltaStdErr returns θ_i·sqrt(V_ii) for the log-scale covariance V.
func deltaStdErr(theta []float64, v *mat.SymDense, from int) []float64 {
	out := sqrtDiag(v, from, len(theta))
	for i := range out {
		out[i] *= theta[i]
	}
	return out
}

func sqrtDiag(v *mat.SymDense, from, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Sqrt(math.Max(v.At(from+i, from+i), 0))
	}
	return out
}
