// Package remodel はランダム効果モデル（グループ化ランダム効果、ランダム係数、
// ガウス過程）の推定と予測を行います。
//
// モデルは構造（グループ、座標、尤度、共分散関数）を固定して作成され、
// 推定呼び出しによってパラメータ状態が更新されます。非ガウス尤度では潜在場を
// Laplace近似で積分消去し、大規模な空間データではVecchia近似を使用します。
//
// 使用例:
//
//	m, err := remodel.New(remodel.Config{Likelihood: "gaussian", CovFunction: "exponential"},
//	    remodel.Data{Coords: coords})
//	if err != nil {
//	    return err
//	}
//	if err := m.OptimizeCovPars(ctx, y, nil); err != nil {
//	    return err
//	}
//	est, _ := m.CovPars(true)
//
// A Model has a single owner; concurrent calls on the same Model are not
// supported.
package remodel

import (
	"strconv"

	"gonum.org/v1/gonum/mat"

	coremodel "github.com/YuminosukeSato/gpboost/core/model"
	"github.com/YuminosukeSato/gpboost/covariance"
	"github.com/YuminosukeSato/gpboost/likelihood"
	"github.com/YuminosukeSato/gpboost/optimizer"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/pkg/log"
	"github.com/YuminosukeSato/gpboost/vecchia"
)

// Model is a random effects model.
type Model struct {
	cfg  Config
	data Data
	n    int

	lik   likelihood.Family
	cov   *covariance.Function
	comps []component
	train *points

	numCovPars int
	parNames   []string

	// Vecchia state; built once since coordinates are immutable.
	vstruct     *vecchia.Structure
	predCache   *predStructCache
	coordsPrint uint64

	optCfg    OptimizerConfig
	optCfgSet bool

	state *coremodel.StateManager

	covPars       []float64
	coef          []float64
	stdErrCovPars []float64
	stdErrCoef    []float64
	negLogLik     float64
	trace         []optimizer.TraceEntry

	// training side of the last estimation, used for prediction
	y            []float64
	fixedEffects []float64
	x            *mat.Dense
	mode         []float64

	predData *PredictionData

	logger log.Logger
}

// ParamEstimate holds parameter values and optional standard errors.
type ParamEstimate struct {
	Names  []string  `json:"names"`
	Values []float64 `json:"values"`
	StdErr []float64 `json:"std_err,omitempty"`
}

// New validates the configuration and data and creates a model. On error
// nothing is created.
func New(cfg Config, data Data, opts ...Option) (*Model, error) {
	m := &Model{cfg: cfg, data: data, state: coremodel.NewStateManager()}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg.fillDefaults()
	if m.logger == nil {
		m.logger = log.GetLoggerWithName("remodel")
	}

	n, err := data.validate()
	if err != nil {
		return nil, err
	}
	m.n = n

	lik, err := likelihood.New(m.cfg.Likelihood, likelihood.Options{GammaShape: m.cfg.GammaShape})
	if err != nil {
		return nil, err
	}
	m.lik = lik
	if data.Y != nil {
		if err := lik.CheckResponse(data.Y); err != nil {
			return nil, err
		}
	}

	hasGP := data.Coords != nil
	if hasGP {
		m.cov, err = covariance.New(m.cfg.CovFunction, m.cfg.CovFctShape, m.cfg.CovFctTaperRange)
		if err != nil {
			return nil, err
		}
	}
	if err := m.cfg.validate(hasGP, len(data.Groups) > 0); err != nil {
		return nil, err
	}

	offset := 0
	if m.gaussian() {
		m.parNames = append(m.parNames, "Error_term")
		offset = 1
	}
	m.comps = buildComponents(data, m.cov, offset)
	if len(m.comps) == 0 {
		return nil, errors.NewValidationError("random_effects", "at least one grouped or GP component is required", nil)
	}
	for _, c := range m.comps {
		m.parNames = append(m.parNames, c.names...)
	}
	m.numCovPars = len(m.parNames)
	m.train = data.points(n)

	if m.useVecchia() {
		m.vstruct, err = vecchia.Build(data.Coords, m.cfg.VecchiaOrdering, m.cfg.NumNeighbors, m.cfg.Seed, m.cfg.workers())
		if err != nil {
			return nil, err
		}
		m.coordsPrint = coremodel.Fingerprint(data.Coords.RawMatrix().Data)
	}

	m.optCfg = DefaultOptimizerConfig()
	m.optCfg.OptimizerKindCoef = m.defaultCoefOptimizer()
	m.logger = m.logger.With(log.ModelNameKey, "REModel", log.LikelihoodKey, lik.Name(), log.SamplesKey, n)
	m.logger.Debug("model created", log.OperationKey, log.OperationCreate, log.ComponentsKey, len(m.comps))
	return m, nil
}

func (m *Model) gaussian() bool { return !m.lik.NeedsLaplace() }

func (m *Model) defaultCoefOptimizer() string {
	if m.gaussian() {
		return optimizer.WLS
	}
	return optimizer.GradientDescent
}

func (m *Model) useVecchia() bool { return m.cfg.GPApprox == ApproxVecchia }

func (m *Model) workers() int { return m.cfg.workers() }

// NumData returns the number of training rows.
func (m *Model) NumData() int { return m.n }

// Config returns the validated configuration.
func (m *Model) Config() Config { return m.cfg }

// SetOptimizerConfig validates and stores optimizer settings.
// An empty OptimizerKindCoef selects wls for gaussian likelihood and
// gradient_descent otherwise.
func (m *Model) SetOptimizerConfig(oc OptimizerConfig) error {
	if oc.OptimizerKindCoef == "" {
		oc.OptimizerKindCoef = m.defaultCoefOptimizer()
	}
	if err := optimizer.ValidateKind(oc.OptimizerKind, false); err != nil {
		return err
	}
	if err := optimizer.ValidateKind(oc.OptimizerKindCoef, true); err != nil {
		return err
	}
	if oc.OptimizerKind == optimizer.FisherScoring && !m.gaussian() {
		return errors.NewValidationError("optimizer_cov", "fisher_scoring is only supported for gaussian likelihood", oc.OptimizerKind)
	}
	if oc.OptimizerKindCoef == optimizer.WLS && !m.gaussian() {
		return errors.NewValidationError("optimizer_coef", "wls is only supported for gaussian likelihood", oc.OptimizerKindCoef)
	}
	if oc.LearningRate < 0 {
		return errors.NewValidationError("lr_cov", "learning rate must be non-negative", oc.LearningRate)
	}
	if oc.LearningRateCoef < 0 {
		return errors.NewValidationError("lr_coef", "learning rate must be non-negative", oc.LearningRateCoef)
	}
	if oc.InitCovPars != nil {
		if len(oc.InitCovPars) != m.numCovPars {
			return errors.NewDimensionError("SetOptimizerConfig", m.numCovPars, len(oc.InitCovPars), 0)
		}
		for _, v := range oc.InitCovPars {
			if !(v > 0) {
				return errors.NewValidationError("init_cov_pars", "covariance parameters must be positive", v)
			}
		}
	}
	if err := oc.settings(m.logger).Validate(); err != nil {
		return err
	}
	m.optCfg = oc
	m.optCfgSet = true
	return nil
}

// OptimizerConfig returns the current optimizer settings.
func (m *Model) OptimizerConfig() OptimizerConfig { return m.optCfg }

// CovPars returns the estimated covariance parameters. It fails with a
// NotEstimatedError before a successful estimation.
func (m *Model) CovPars(stdErr bool) (ParamEstimate, error) {
	if err := m.state.RequireEstimated("CovPars"); err != nil {
		return ParamEstimate{}, err
	}
	est := ParamEstimate{Names: m.CovParNames(), Values: append([]float64(nil), m.covPars...)}
	if stdErr {
		if m.stdErrCovPars == nil {
			return est, errors.NewPreconditionError("CovPars", "standard errors were not computed; set StdDev in the optimizer config")
		}
		est.StdErr = append([]float64(nil), m.stdErrCovPars...)
	}
	return est, nil
}

// InitCovPars returns the explicitly requested initial covariance
// parameters, or the data dependent defaults otherwise.
func (m *Model) InitCovPars() ParamEstimate {
	var init []float64
	if m.optCfg.InitCovPars != nil {
		init = append([]float64(nil), m.optCfg.InitCovPars...)
	} else {
		init = m.defaultCovPars(m.data.Y, nil)
	}
	return ParamEstimate{Names: m.CovParNames(), Values: init}
}

// Coef returns the estimated linear coefficients.
func (m *Model) Coef(stdErr bool) (ParamEstimate, error) {
	if err := m.state.RequireEstimated("Coef"); err != nil {
		return ParamEstimate{}, err
	}
	if m.coef == nil {
		return ParamEstimate{}, errors.NewPreconditionError("Coef", "no linear coefficients were estimated")
	}
	names := make([]string, len(m.coef))
	for i := range names {
		names[i] = "Covariate_" + strconv.Itoa(i+1)
	}
	est := ParamEstimate{Names: names, Values: append([]float64(nil), m.coef...)}
	if stdErr {
		if m.stdErrCoef == nil {
			return est, errors.NewPreconditionError("Coef", "standard errors were not computed; set StdDev in the optimizer config")
		}
		est.StdErr = append([]float64(nil), m.stdErrCoef...)
	}
	return est, nil
}

// CovParNames returns the names of the covariance parameters.
func (m *Model) CovParNames() []string { return append([]string(nil), m.parNames...) }

// NumCovPars returns the length of the covariance parameter vector.
func (m *Model) NumCovPars() int { return m.numCovPars }

// LikelihoodName returns the response family.
func (m *Model) LikelihoodName() string { return m.lik.Name() }

// OptimizerName returns the covariance parameter optimizer.
func (m *Model) OptimizerName() string { return m.optCfg.OptimizerKind }

// OptimizerCoefName returns the coefficient optimizer.
func (m *Model) OptimizerCoefName() string { return m.optCfg.OptimizerKindCoef }

// NumIterations returns the iteration count of the last estimation.
func (m *Model) NumIterations() int { return m.state.NumIterations() }

// NegLogLik returns the negative log-likelihood at the last estimate.
func (m *Model) NegLogLik() (float64, error) {
	if err := m.state.RequireEstimated("NegLogLik"); err != nil {
		return 0, err
	}
	return m.negLogLik, nil
}

// Trace returns the per-iteration record of the last estimation when
// tracing was enabled.
func (m *Model) Trace() []optimizer.TraceEntry {
	return append([]optimizer.TraceEntry(nil), m.trace...)
}

// IsEstimated reports whether an estimation has succeeded.
func (m *Model) IsEstimated() bool { return m.state.IsEstimated() }
