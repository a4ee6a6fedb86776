// Package likelihood は応答分布（尤度）ファミリーを提供します。
//
// 各ファミリーは線形予測子 η に関する対数密度とその1〜3階微分を返します。
// 非ガウスファミリーはLaplace近似で潜在場を積分消去するために使われ、
// 3階微分は近似周辺尤度の勾配に現れます。
package likelihood

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/integrate/quad"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

// Family names.
const (
	GaussianName        = "gaussian"
	BernoulliProbitName = "bernoulli_probit"
	BernoulliLogitName  = "bernoulli_logit"
	PoissonName         = "poisson"
	GammaName           = "gamma"
)

// Family は応答分布です。すべての微分は η に関するものです。
type Family interface {
	Name() string
	// NeedsLaplace reports whether the latent field must be integrated out
	// with a Laplace approximation.
	NeedsLaplace() bool
	LogLik(y, eta float64) float64
	D1(y, eta float64) float64
	D2(y, eta float64) float64
	D3(y, eta float64) float64
	// ResponseMeanVar returns the mean and variance of the response when the
	// latent predictor is N(mu, v).
	ResponseMeanVar(mu, v float64) (mean, variance float64)
	// InitialIntercept returns a starting value for the linear predictor.
	InitialIntercept(y []float64) float64
	// CheckResponse validates the response support.
	CheckResponse(y []float64) error
}

// Options holds family specific settings.
type Options struct {
	// GammaShape is the fixed shape of the gamma family (default 1).
	GammaShape float64 `json:"gamma_shape,omitempty"`
}

// New returns the family with the given name.
func New(name string, opts Options) (Family, error) {
	switch name {
	case GaussianName:
		return gaussian{}, nil
	case BernoulliProbitName:
		return probit{}, nil
	case BernoulliLogitName:
		return logit{}, nil
	case PoissonName:
		return poisson{}, nil
	case GammaName:
		shape := opts.GammaShape
		if shape == 0 {
			shape = 1
		}
		if !(shape > 0) || math.IsInf(shape, 0) {
			return nil, errors.NewValidationError("gamma_shape", "shape must be positive", shape)
		}
		return gamma{shape: shape}, nil
	default:
		return nil, errors.NewValidationError("likelihood", "unknown likelihood", name)
	}
}

// Names lists the supported families.
func Names() []string {
	return []string{GaussianName, BernoulliProbitName, BernoulliLogitName, PoissonName, GammaName}
}

// ---------------------------------------------------------------------------
// gaussian (unit variance; the error variance is a covariance parameter)

type gaussian struct{}

func (gaussian) Name() string       { return GaussianName }
func (gaussian) NeedsLaplace() bool { return false }
func (gaussian) LogLik(y, eta float64) float64 {
	r := y - eta
	return -0.5 * (log2Pi + r*r)
}
func (gaussian) D1(y, eta float64) float64 { return y - eta }
func (gaussian) D2(_, _ float64) float64   { return -1 }
func (gaussian) D3(_, _ float64) float64   { return 0 }
func (gaussian) ResponseMeanVar(mu, v float64) (float64, float64) {
	return mu, v
}
func (gaussian) InitialIntercept(y []float64) float64 { return stat.Mean(y, nil) }
func (gaussian) CheckResponse(y []float64) error {
	return checkFinite(y)
}

// ---------------------------------------------------------------------------
// bernoulli_probit

type probit struct{}

func (probit) Name() string       { return BernoulliProbitName }
func (probit) NeedsLaplace() bool { return true }

func (probit) LogLik(y, eta float64) float64 {
	return logNormCDF(sign(y) * eta)
}

func (probit) D1(y, eta float64) float64 {
	s := sign(y)
	return s * millsRatio(s*eta)
}

func (probit) D2(y, eta float64) float64 {
	x := sign(y) * eta
	l := millsRatio(x)
	return -l * (x + l)
}

func (probit) D3(y, eta float64) float64 {
	s := sign(y)
	x := s * eta
	l := millsRatio(x)
	return s * l * ((x+l)*(x+2*l) - 1)
}

func (probit) ResponseMeanVar(mu, v float64) (float64, float64) {
	p := distuv.UnitNormal.CDF(mu / math.Sqrt(1+v))
	return p, p * (1 - p)
}

func (probit) InitialIntercept(y []float64) float64 {
	p := clampProb(stat.Mean(y, nil))
	return distuv.UnitNormal.Quantile(p)
}

func (probit) CheckResponse(y []float64) error { return checkBinary(y) }

// millsRatio returns φ(x)/Φ(x), using the asymptotic expansion deep in the
// lower tail where Φ underflows.
func millsRatio(x float64) float64 {
	if x < -30 {
		return -x - 1/x + 2/(x*x*x)
	}
	return math.Exp(distuv.UnitNormal.LogProb(x) - logNormCDF(x))
}

func logNormCDF(x float64) float64 {
	if x < -30 {
		return distuv.UnitNormal.LogProb(x) - math.Log(-x) + math.Log1p(-1/(x*x))
	}
	return math.Log(0.5 * math.Erfc(-x/math.Sqrt2))
}

// ---------------------------------------------------------------------------
// bernoulli_logit

type logit struct{}

func (logit) Name() string       { return BernoulliLogitName }
func (logit) NeedsLaplace() bool { return true }

func (logit) LogLik(y, eta float64) float64 {
	// y*eta - log(1+exp(eta))
	return y*eta - softplus(eta)
}

func (logit) D1(y, eta float64) float64 { return y - sigmoid(eta) }

func (logit) D2(_, eta float64) float64 {
	p := sigmoid(eta)
	return -p * (1 - p)
}

func (logit) D3(_, eta float64) float64 {
	p := sigmoid(eta)
	return -p * (1 - p) * (1 - 2*p)
}

func (logit) ResponseMeanVar(mu, v float64) (float64, float64) {
	p := gaussHermiteMean(sigmoid, mu, v)
	return p, p * (1 - p)
}

func (logit) InitialIntercept(y []float64) float64 {
	p := clampProb(stat.Mean(y, nil))
	return math.Log(p / (1 - p))
}

func (logit) CheckResponse(y []float64) error { return checkBinary(y) }

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

// ---------------------------------------------------------------------------
// poisson (log link)

type poisson struct{}

func (poisson) Name() string       { return PoissonName }
func (poisson) NeedsLaplace() bool { return true }

func (poisson) LogLik(y, eta float64) float64 {
	lg, _ := math.Lgamma(y + 1)
	return y*eta - math.Exp(eta) - lg
}

func (poisson) D1(y, eta float64) float64 { return y - math.Exp(eta) }
func (poisson) D2(_, eta float64) float64 { return -math.Exp(eta) }
func (poisson) D3(_, eta float64) float64 { return -math.Exp(eta) }

func (poisson) ResponseMeanVar(mu, v float64) (float64, float64) {
	mean := math.Exp(mu + v/2)
	return mean, mean + math.Expm1(v)*math.Exp(2*mu+v)
}

func (poisson) InitialIntercept(y []float64) float64 {
	return math.Log(math.Max(stat.Mean(y, nil), 1e-10))
}

func (poisson) CheckResponse(y []float64) error {
	for i, v := range y {
		if v < 0 || v != math.Floor(v) || math.IsInf(v, 0) {
			return errors.NewValidationError("y", "poisson response must be a non-negative integer", errorValue(i, v))
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// gamma (log link, fixed shape)

type gamma struct {
	shape float64
}

func (gamma) Name() string       { return GammaName }
func (gamma) NeedsLaplace() bool { return true }

func (g gamma) LogLik(y, eta float64) float64 {
	a := g.shape
	lg, _ := math.Lgamma(a)
	return a*math.Log(a) - lg + (a-1)*math.Log(y) - a*eta - a*y*math.Exp(-eta)
}

func (g gamma) D1(y, eta float64) float64 { return -g.shape + g.shape*y*math.Exp(-eta) }
func (g gamma) D2(y, eta float64) float64 { return -g.shape * y * math.Exp(-eta) }
func (g gamma) D3(y, eta float64) float64 { return g.shape * y * math.Exp(-eta) }

func (g gamma) ResponseMeanVar(mu, v float64) (float64, float64) {
	mean := math.Exp(mu + v/2)
	second := math.Exp(2*mu + 2*v)
	return mean, second/g.shape + math.Expm1(v)*math.Exp(2*mu+v)
}

func (gamma) InitialIntercept(y []float64) float64 {
	return math.Log(stat.Mean(y, nil))
}

func (gamma) CheckResponse(y []float64) error {
	for i, v := range y {
		if !(v > 0) || math.IsInf(v, 0) {
			return errors.NewValidationError("y", "gamma response must be positive", errorValue(i, v))
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// helpers

var log2Pi = math.Log(2 * math.Pi)

const numHermiteNodes = 32

var (
	hermiteOnce    sync.Once
	hermiteNodes   []float64
	hermiteWeights []float64
)

// gaussHermiteMean returns E[g(mu + sqrt(v) Z)] for Z ~ N(0,1).
func gaussHermiteMean(g func(float64) float64, mu, v float64) float64 {
	if v <= 0 {
		return g(mu)
	}
	hermiteOnce.Do(func() {
		hermiteNodes = make([]float64, numHermiteNodes)
		hermiteWeights = make([]float64, numHermiteNodes)
		quad.Hermite{}.FixedLocations(hermiteNodes, hermiteWeights, math.Inf(-1), math.Inf(1))
	})
	s := math.Sqrt(2 * v)
	sum := 0.0
	for i, x := range hermiteNodes {
		sum += hermiteWeights[i] * g(mu+s*x)
	}
	return sum / math.SqrtPi
}

func sign(y float64) float64 {
	if y > 0 {
		return 1
	}
	return -1
}

func clampProb(p float64) float64 {
	return math.Min(math.Max(p, 1e-6), 1-1e-6)
}

func checkBinary(y []float64) error {
	for i, v := range y {
		if v != 0 && v != 1 {
			return errors.NewValidationError("y", "bernoulli response must be 0 or 1", errorValue(i, v))
		}
	}
	return nil
}

func checkFinite(y []float64) error {
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.NewValidationError("y", "response must be finite", errorValue(i, v))
		}
	}
	return nil
}

func errorValue(i int, v float64) map[string]float64 {
	return map[string]float64{"index": float64(i), "value": v}
}
