package remodel

import (
	"math"
	"runtime"

	"github.com/YuminosukeSato/gpboost/covariance"
	"github.com/YuminosukeSato/gpboost/likelihood"
	"github.com/YuminosukeSato/gpboost/optimizer"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/pkg/log"
	"github.com/YuminosukeSato/gpboost/vecchia"
)

// GP approximations.
const (
	ApproxNone    = "none"
	ApproxVecchia = "vecchia"
)

// Config はモデル構造の設定です。構築時に一度だけ検証されます。
type Config struct {
	Likelihood string  `json:"likelihood"`
	GammaShape float64 `json:"gamma_shape,omitempty"`

	CovFunction      string  `json:"cov_function,omitempty"`
	CovFctShape      float64 `json:"cov_fct_shape,omitempty"`
	CovFctTaperRange float64 `json:"cov_fct_taper_range,omitempty"`

	GPApprox         string `json:"gp_approx,omitempty"`
	NumNeighbors     int    `json:"num_neighbors,omitempty"`
	VecchiaOrdering  string `json:"vecchia_ordering,omitempty"`
	VecchiaPredType  string `json:"vecchia_pred_type,omitempty"`
	NumNeighborsPred int    `json:"num_neighbors_pred,omitempty"`

	// Laplace mode finding
	MaxIterMode      int     `json:"max_iter_mode,omitempty"`
	DeltaRelConvMode float64 `json:"delta_rel_conv_mode,omitempty"`

	Seed       uint64 `json:"seed,omitempty"`
	NumThreads int    `json:"num_threads,omitempty"`
}

// DefaultConfig returns a Gaussian model with an exponential GP covariance.
func DefaultConfig() Config {
	c := Config{Likelihood: likelihood.GaussianName}
	c.fillDefaults()
	return c
}

func (c *Config) fillDefaults() {
	if c.Likelihood == "" {
		c.Likelihood = likelihood.GaussianName
	}
	if c.CovFunction == "" {
		c.CovFunction = covariance.Exponential
	}
	if c.GPApprox == "" {
		c.GPApprox = ApproxNone
	}
	if c.NumNeighbors == 0 && c.GPApprox == ApproxVecchia {
		c.NumNeighbors = 20
	}
	if c.VecchiaOrdering == "" {
		c.VecchiaOrdering = vecchia.OrderNone
	}
	if c.VecchiaPredType == "" {
		c.VecchiaPredType = vecchia.PredOrderObsFirstCondObsOnly
	}
	if c.NumNeighborsPred == 0 {
		c.NumNeighborsPred = c.NumNeighbors
	}
	if c.MaxIterMode == 0 {
		c.MaxIterMode = 1000
	}
	if c.DeltaRelConvMode == 0 {
		c.DeltaRelConvMode = 1e-8
	}
}

func (c Config) workers() int {
	if c.NumThreads > 0 {
		return c.NumThreads
	}
	return runtime.NumCPU()
}

func (c Config) validate(hasGP, hasGroups bool) error {
	if c.GPApprox != ApproxNone && c.GPApprox != ApproxVecchia {
		return errors.NewValidationError("gp_approx", "unknown GP approximation", c.GPApprox)
	}
	if c.GPApprox == ApproxVecchia {
		if !hasGP {
			return errors.NewValidationError("gp_approx", "vecchia requires coordinates", c.GPApprox)
		}
		if hasGroups {
			return errors.NewValidationError("gp_approx", "vecchia cannot be combined with grouped random effects", c.GPApprox)
		}
		if c.NumNeighbors <= 0 {
			return errors.NewValidationError("num_neighbors", "number of neighbors must be positive", c.NumNeighbors)
		}
		if c.NumNeighborsPred <= 0 {
			return errors.NewValidationError("num_neighbors_pred", "number of neighbors must be positive", c.NumNeighborsPred)
		}
		if err := vecchia.ValidateOrdering(c.VecchiaOrdering); err != nil {
			return err
		}
		if err := vecchia.ValidatePredType(c.VecchiaPredType); err != nil {
			return err
		}
	}
	if c.MaxIterMode < 0 {
		return errors.NewValidationError("max_iter_mode", "must be positive", c.MaxIterMode)
	}
	if !(c.DeltaRelConvMode > 0) {
		return errors.NewValidationError("delta_rel_conv_mode", "must be positive", c.DeltaRelConvMode)
	}
	if c.NumThreads < 0 {
		return errors.NewValidationError("num_threads", "must be non-negative", c.NumThreads)
	}
	return nil
}

// OptimizerConfig はパラメータ推定の設定です。SetOptimizerConfig で何度でも
// 変更できます。
type OptimizerConfig struct {
	// InitCovPars are initial covariance parameters on the natural scale;
	// nil selects data dependent defaults.
	InitCovPars []float64 `json:"init_cov_pars,omitempty"`
	// InitCoef are initial linear coefficients.
	InitCoef []float64 `json:"init_coef,omitempty"`

	// LearningRate of covariance parameters; 0 selects 0.1 for
	// gradient_descent and 1 for second order methods.
	LearningRate     float64 `json:"lr_cov"`
	LearningRateCoef float64 `json:"lr_coef"`
	AccelerationRate float64 `json:"acc_rate_cov"`
	MaxIter          int     `json:"maxit"`
	RelTolerance     float64 `json:"delta_rel_conv"`

	UseAcceleration      bool `json:"use_nesterov_acc"`
	AccelerationSchedule int  `json:"nesterov_schedule_version"`
	MomentumOffset       int  `json:"momentum_offset"`

	Trace bool `json:"trace"`

	OptimizerKind        string `json:"optimizer_cov"`
	OptimizerKindCoef    string `json:"optimizer_coef"`
	ConvergenceCriterion string `json:"convergence_criterion"`

	// StdDev enables standard errors for parameters.
	StdDev bool `json:"std_dev"`
}

// DefaultOptimizerConfig returns the default optimizer settings.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		LearningRateCoef:     0.1,
		AccelerationRate:     0.5,
		MaxIter:              1000,
		RelTolerance:         1e-6,
		UseAcceleration:      true,
		AccelerationSchedule: optimizer.ScheduleIncreasing,
		MomentumOffset:       2,
		OptimizerKind:        optimizer.GradientDescent,
		OptimizerKindCoef:    optimizer.WLS,
		ConvergenceCriterion: optimizer.RelativeChangeInLogLikelihood,
	}
}

func (oc OptimizerConfig) learningRate() float64 {
	if oc.LearningRate > 0 {
		return oc.LearningRate
	}
	if oc.OptimizerKind == optimizer.GradientDescent {
		return 0.1
	}
	return 1
}

// maxSecondOrderStep caps a Fisher scoring or Newton update of the log
// covariance parameters at a factor of 100 on the natural scale.
var maxSecondOrderStep = math.Log(100)

func (oc OptimizerConfig) settings(logger log.Logger) optimizer.Settings {
	maxStep := 0.0
	if oc.OptimizerKind == optimizer.FisherScoring || oc.OptimizerKind == optimizer.Newton {
		maxStep = maxSecondOrderStep
	}
	return optimizer.Settings{
		MaxStep:              maxStep,
		Kind:                 oc.OptimizerKind,
		LearningRate:         oc.learningRate(),
		AccelerationRate:     oc.AccelerationRate,
		MaxIter:              oc.MaxIter,
		RelTolerance:         oc.RelTolerance,
		UseAcceleration:      oc.UseAcceleration,
		AccelerationSchedule: oc.AccelerationSchedule,
		MomentumOffset:       oc.MomentumOffset,
		Criterion:            oc.ConvergenceCriterion,
		Trace:                oc.Trace,
		Logger:               logger,
	}
}

// Option configures a Model at construction.
type Option func(*Model)

// WithLogger sets the logger used for estimation progress.
func WithLogger(l log.Logger) Option {
	return func(m *Model) { m.logger = l }
}

// WithSeed sets the seed of the random Vecchia ordering.
func WithSeed(seed uint64) Option {
	return func(m *Model) { m.cfg.Seed = seed }
}

// WithNumThreads sets the number of workers for row parallel computations.
func WithNumThreads(n int) Option {
	return func(m *Model) { m.cfg.NumThreads = n }
}
