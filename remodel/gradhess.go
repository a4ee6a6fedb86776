package remodel

import (
	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/pkg/log"
)

// currentCovPars returns the estimated parameters, or the initial ones when
// nothing has been estimated yet.
func (m *Model) currentCovPars(y []float64) []float64 {
	if m.state.IsEstimated() {
		return m.covPars
	}
	return m.startCovPars(y, nil)
}

// GradHess returns the gradient of the negative log-likelihood with respect
// to the fixed effects F and a positive diagonal curvature, at the current
// covariance parameters and response Data.Y. It is the functional gradient
// used by boosting. For gaussian likelihood the curvature is diag(Σ⁻¹), so
// that Newton leaf values are on the scale of the response.
func (m *Model) GradHess(fixedEffects []float64) ([]float64, []float64, error) {
	y, fixedEffects, err := m.resolveInputs("GradHess", nil, fixedEffects)
	if err != nil {
		return nil, nil, err
	}
	pars := m.currentCovPars(y)
	m.logger.Debug("gradient request", log.OperationKey, log.OperationGradientRequest, log.CovParsKey, pars)

	if m.gaussian() {
		r := make([]float64, m.n)
		for i := range r {
			r[i] = y[i] - fixedEffects[i]
		}
		g, err := m.gaussFit(pars, r, false)
		if err != nil {
			return nil, nil, err
		}
		hess, err := g.precisionDiag()
		if err != nil {
			return nil, nil, err
		}
		grad := make([]float64, m.n)
		for i := range grad {
			grad[i] = -g.alpha[i]
		}
		return grad, hess, nil
	}

	lf, err := m.laplace(pars, y, fixedEffects, m.warmFor(pars), false)
	if err != nil {
		return nil, nil, err
	}
	m.mode = lf.warm()
	return lf.offsetGradHess()
}

// CurrentCovPars returns the covariance parameters used by GradHess.
func (m *Model) CurrentCovPars() []float64 {
	return append([]float64(nil), m.currentCovPars(m.data.Y)...)
}

// InitialScore returns a starting value of the fixed effects for Data.Y,
// e.g. the mean for gaussian likelihood.
func (m *Model) InitialScore() (float64, error) {
	if m.data.Y == nil {
		return 0, errors.NewValidationError("y", "response is required", nil)
	}
	return m.lik.InitialIntercept(m.data.Y), nil
}
