// Package log defines standard attribute keys for estimation and prediction.
//
// Keys follow a dotted naming convention ("model.likelihood",
// "optim.iteration") so that records from the random-effects model, the
// optimizer and the boosting trainer can be filtered consistently.

package log

// Model and Operation Context
const (
	// ModelNameKey identifies the type of model emitting the record.
	// Examples: "REModel", "Booster"
	ModelNameKey = "model.name"

	// EstimatorIDKey carries the registry handle of a model instance.
	EstimatorIDKey = "estimator.id"

	// OperationKey specifies the operation being performed.
	OperationKey = "ml.operation"

	// ComponentKey identifies which package emitted the record.
	// Examples: "remodel", "vecchia", "optimizer", "boosting"
	ComponentKey = "ml.component"

	// LikelihoodKey names the response family.
	LikelihoodKey = "model.likelihood"

	// CovFunctionKey names the covariance function of the Gaussian process.
	CovFunctionKey = "model.cov_function"

	// OptimizerKey names the optimizer kind.
	OptimizerKey = "optim.kind"
)

// Data Shape
const (
	// SamplesKey indicates the number of observations.
	SamplesKey = "data.samples"

	// FeaturesKey indicates the number of linear-predictor covariates.
	FeaturesKey = "data.features"

	// ComponentsKey indicates the number of random-effect components.
	ComponentsKey = "data.components"

	// NeighborsKey indicates the Vecchia neighbor count.
	NeighborsKey = "vecchia.neighbors"

	// PredsKey indicates the number of prediction points.
	PredsKey = "preds.count"
)

// Optimization progress
const (
	// IterationKey records the outer iteration number.
	IterationKey = "optim.iteration"

	// NegLogLikKey records the (approximate) negative log-likelihood.
	NegLogLikKey = "optim.neg_log_lik"

	// LearningRateKey records the current learning rate after halvings.
	LearningRateKey = "optim.learning_rate"

	// CovParsKey records the covariance parameters on the original scale.
	CovParsKey = "optim.cov_pars"

	// CoefKey records the linear coefficients.
	CoefKey = "optim.coef"

	// ModeIterationsKey records the number of inner Laplace iterations.
	ModeIterationsKey = "laplace.iterations"

	// BoostingRoundKey records the boosting round.
	BoostingRoundKey = "boosting.round"

	// DurationMsKey records the execution time of an operation in milliseconds.
	DurationMsKey = "perf.duration_ms"
)

// Error Context
const (
	// ErrorCodeKey provides a structured error code.
	ErrorCodeKey = "error.code"

	// StacktraceKey contains stack trace information for debugging.
	StacktraceKey = "error.stacktrace"
)

// Standard attribute values.
const (
	OperationCreate          = "create"
	OperationOptimize        = "optimize_cov_pars"
	OperationOptimizeCoef    = "optimize_cov_pars_and_coef"
	OperationNegLogLik       = "neg_log_likelihood"
	OperationPredict         = "predict"
	OperationBoost           = "boost"
	OperationGradientRequest = "grad_hess"

	ErrorNotEstimated  = "NOT_ESTIMATED"
	ErrorNumerical     = "NUMERICAL_FAILURE"
	ErrorLaplace       = "LAPLACE_FAILURE"
	ErrorConfiguration = "INVALID_CONFIGURATION"
)
