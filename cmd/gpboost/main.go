/*
Gpboost fits random effects models (grouped effects and Gaussian
processes) and tree boosting with random effects.

Simulate a data set with a spatial Gaussian process and fit it:

	gpboost simulate --n 200 --gp --out data.json
	gpboost fit data.json --cov exponential --trace trace.png

Fitted models can be kept in a bbolt database and inspected later:

	gpboost fit data.json --db models.db --key spatial
	gpboost show --db models.db --key spatial

To see all the options run:

	gpboost --help
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/YuminosukeSato/gpboost/boosting"
	coremodel "github.com/YuminosukeSato/gpboost/core/model"
	"github.com/YuminosukeSato/gpboost/diagnostics"
	"github.com/YuminosukeSato/gpboost/likelihood"
	"github.com/YuminosukeSato/gpboost/metrics"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/pkg/log"
	"github.com/YuminosukeSato/gpboost/registry"
	"github.com/YuminosukeSato/gpboost/remodel"
	"github.com/YuminosukeSato/gpboost/store"
)

// These variables are set during the compilation.
var githash = ""
var buildstamp = ""
var version = fmt.Sprintf("revision: %s, build time: %s", githash, buildstamp)

var (
	app      = kingpin.New("gpboost", "random effects models and tree boosting with random effects").Version(version)
	logLevel = app.Flag("loglevel", "log level (debug, info, warn, error)").Default("info").String()
	nThreads = app.Flag("nt", "number of threads to use, all CPUs by default").Int()

	simCmd      = app.Command("simulate", "write a simulated data set")
	simN        = simCmd.Flag("n", "number of observations").Default("200").Int()
	simGroups   = simCmd.Flag("groups", "number of levels of a grouped effect (0 disables it)").Default("0").Int()
	simGP       = simCmd.Flag("gp", "add a Gaussian process on random 2D coordinates").Bool()
	simLik      = simCmd.Flag("likelihood", "response family").Default(likelihood.GaussianName).String()
	simSigma2   = simCmd.Flag("sigma2", "marginal variance of each random effect").Default("1").Float64()
	simRange    = simCmd.Flag("range", "range of the exponential covariance").Default("0.1").Float64()
	simNugget   = simCmd.Flag("nugget", "error variance (gaussian only)").Default("0.25").Float64()
	simFeatures = simCmd.Flag("features", "number of linear covariates").Default("0").Int()
	simSeed     = simCmd.Flag("seed", "random seed").Default("1").Uint64()
	simOut      = simCmd.Flag("out", "output file, stdout by default").String()

	fitCmd       = app.Command("fit", "estimate covariance parameters (and coefficients)")
	fitData      = fitCmd.Arg("data", "data set in JSON format").Required().ExistingFile()
	fitLik       = fitCmd.Flag("likelihood", "response family, taken from the data set by default").String()
	fitCov       = fitCmd.Flag("cov", "covariance function of the GP").Default("exponential").String()
	fitShape     = fitCmd.Flag("shape", "shape parameter of the covariance function").Default("0").Float64()
	fitApprox    = fitCmd.Flag("approx", "GP approximation (none or vecchia)").Default(remodel.ApproxNone).String()
	fitNeighbors = fitCmd.Flag("neighbors", "number of Vecchia neighbors").Default("20").Int()
	fitOptimizer = fitCmd.Flag("optimizer", "optimizer of covariance parameters").Default("gradient_descent").String()
	fitCoefOpt   = fitCmd.Flag("optimizer-coef", "optimizer of linear coefficients, family default if empty").String()
	fitMaxIter   = fitCmd.Flag("maxit", "maximum number of iterations").Default("1000").Int()
	fitStdErr    = fitCmd.Flag("stderr", "compute standard errors").Bool()
	fitTrace     = fitCmd.Flag("trace", "write the optimization trace plot to a file (png, svg, pdf)").String()
	fitDB        = fitCmd.Flag("db", "bbolt database to save the fitted model in").String()
	fitKey       = fitCmd.Flag("key", "key of the saved model").Default("model").String()
	fitCodec     = fitCmd.Flag("codec", "compression of the saved model (none, zstd, lz4)").Default("zstd").String()

	boostCmd    = app.Command("boost", "tree boosting with random effects; the data set needs covariates")
	boostData   = boostCmd.Arg("data", "data set in JSON format").Required().ExistingFile()
	boostLik    = boostCmd.Flag("likelihood", "response family, taken from the data set by default").String()
	boostRounds = boostCmd.Flag("rounds", "number of boosting rounds").Default("100").Int()
	boostLR     = boostCmd.Flag("lr", "learning rate").Default("0.1").Float64()
	boostLeaves = boostCmd.Flag("leaves", "maximum number of leaves per tree").Default("31").Int()
	boostEvery  = boostCmd.Flag("cov-every", "re-estimate covariance parameters every N rounds").Default("1").Int()
	boostDB     = boostCmd.Flag("db", "bbolt database to save the booster in").String()
	boostKey    = boostCmd.Flag("key", "key of the saved booster").Default("booster").String()

	showCmd = app.Command("show", "print the estimates of a stored model")
	showDB  = showCmd.Flag("db", "bbolt database").Required().ExistingFile()
	showKey = showCmd.Flag("key", "key of the model").Default("model").String()

	keysCmd = app.Command("keys", "list stored models")
	keysDB  = keysCmd.Flag("db", "bbolt database").Required().ExistingFile()
)

// estimates is printed by fit and show.
type estimates struct {
	Handle     string                 `json:"handle,omitempty"`
	Likelihood string                 `json:"likelihood"`
	CovPars    remodel.ParamEstimate  `json:"cov_pars"`
	Coef       *remodel.ParamEstimate `json:"coef,omitempty"`
	NegLogLik  float64                `json:"neg_log_lik"`
	Iterations int                    `json:"iterations"`
	Seconds    float64                `json:"seconds,omitempty"`
}

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	level, ok := log.ParseLevel(*logLevel)
	log.SetProvider(log.NewConsoleProvider(os.Stderr, level))
	logger := log.GetLoggerWithName("gpboost")
	if !ok {
		logger.Warn("Unknown log level, using info", "level", *logLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch cmd {
	case simCmd.FullCommand():
		err = runSimulate()
	case fitCmd.FullCommand():
		err = runFit(ctx, logger)
	case boostCmd.FullCommand():
		err = runBoost(ctx, logger)
	case showCmd.FullCommand():
		err = runShow()
	case keysCmd.FullCommand():
		err = runKeys()
	}
	if err != nil {
		logger.Error("Command failed", err, "command", cmd)
		os.Exit(1)
	}
}

func runSimulate() error {
	d, err := simulate(simulation{
		N:          *simN,
		Groups:     *simGroups,
		GP:         *simGP,
		Likelihood: *simLik,
		Sigma2:     *simSigma2,
		Range:      *simRange,
		Nugget:     *simNugget,
		Features:   *simFeatures,
		Seed:       *simSeed,
	})
	if err != nil {
		return err
	}
	if *simOut == "" {
		return writeJSON(os.Stdout, d)
	}
	f, err := os.Create(*simOut)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeJSON(f, d)
}

func pick(flag, fromData string) string {
	if flag != "" {
		return flag
	}
	if fromData != "" {
		return fromData
	}
	return likelihood.GaussianName
}

func runFit(ctx context.Context, logger log.Logger) error {
	d, err := readDataset(*fitData)
	if err != nil {
		return err
	}
	data, x, err := d.modelData()
	if err != nil {
		return err
	}
	cfg := remodel.Config{
		Likelihood:   pick(*fitLik, d.Likelihood),
		CovFunction:  *fitCov,
		CovFctShape:  *fitShape,
		GPApprox:     *fitApprox,
		NumThreads:   *nThreads,
		NumNeighbors: *fitNeighbors,
	}
	if cfg.GPApprox != remodel.ApproxVecchia {
		cfg.NumNeighbors = 0
	}

	reg := registry.New(remodel.WithLogger(logger))
	h, err := reg.Create(cfg, data)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Destroy(h) }()
	m, release, err := reg.Acquire(h)
	if err != nil {
		return err
	}
	defer release()

	oc := remodel.DefaultOptimizerConfig()
	oc.OptimizerKind = *fitOptimizer
	oc.OptimizerKindCoef = *fitCoefOpt
	oc.MaxIter = *fitMaxIter
	oc.StdDev = *fitStdErr
	oc.Trace = *fitTrace != ""
	if err := m.SetOptimizerConfig(oc); err != nil {
		return err
	}

	start := time.Now()
	if x != nil {
		err = m.OptimizeCovParsAndCoef(ctx, nil, x)
	} else {
		err = m.OptimizeCovPars(ctx, nil, nil)
	}
	if err != nil {
		return err
	}
	est, err := summarize(m)
	if err != nil {
		return err
	}
	est.Handle = string(h)
	est.Seconds = time.Since(start).Seconds()
	if err := writeJSON(os.Stdout, est); err != nil {
		return err
	}

	if *fitTrace != "" {
		if err := diagnostics.SaveTrace(m.Trace(), *fitTrace); err != nil {
			return err
		}
		logger.Info("Wrote trace plot", "file", *fitTrace)
	}
	if *fitDB != "" {
		codec, err := coremodel.ParseCodec(*fitCodec)
		if err != nil {
			return err
		}
		s, err := store.Open(*fitDB, store.WithLogger(logger))
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.SaveModel(*fitKey, m, codec); err != nil {
			return err
		}
		logger.Info("Saved model", "db", *fitDB, "key", *fitKey)
	}
	return nil
}

func summarize(m *remodel.Model) (*estimates, error) {
	stdErr := m.OptimizerConfig().StdDev
	cp, err := m.CovPars(stdErr)
	if err != nil {
		return nil, err
	}
	nll, err := m.NegLogLik()
	if err != nil {
		return nil, err
	}
	est := &estimates{
		Likelihood: m.LikelihoodName(),
		CovPars:    cp,
		NegLogLik:  nll,
		Iterations: m.NumIterations(),
	}
	if coef, err := m.Coef(stdErr); err == nil && len(coef.Values) > 0 {
		est.Coef = &coef
	}
	return est, nil
}

func runBoost(ctx context.Context, logger log.Logger) error {
	d, err := readDataset(*boostData)
	if err != nil {
		return err
	}
	data, x, err := d.modelData()
	if err != nil {
		return err
	}
	if x == nil {
		return errors.NewValidationError("x", "boosting needs covariates in the data set", nil)
	}
	m, err := remodel.New(remodel.Config{Likelihood: pick(*boostLik, d.Likelihood), NumThreads: *nThreads}, data,
		remodel.WithLogger(logger))
	if err != nil {
		return err
	}

	params := boosting.DefaultParams()
	params.NumIterations = *boostRounds
	params.LearningRate = *boostLR
	params.NumLeaves = *boostLeaves
	params.TrainCovParsEvery = *boostEvery
	params.NumThreads = *nThreads
	params.Evaluate = true
	trainer, err := boosting.NewTrainer(params, x, m)
	if err != nil {
		return err
	}
	history := map[string][]float64{}
	booster, err := trainer.
		WithLogger(logger).
		WithCallbacks(boosting.LogEvaluation(logger, 10), boosting.RecordEvaluation(history)).
		Train(ctx)
	if err != nil {
		return err
	}

	nll := history[boosting.EvalNegLogLik]
	out := struct {
		Trees     int                `json:"trees"`
		CovPars   []float64          `json:"cov_pars"`
		NegLogLik float64            `json:"neg_log_lik,omitempty"`
		Train     map[string]float64 `json:"train"`
	}{Trees: booster.NumTrees(), CovPars: m.CurrentCovPars(), Train: map[string]float64{}}
	if len(nll) > 0 {
		out.NegLogLik = nll[len(nll)-1]
	}

	// in-sample fit on the response scale
	pred, err := booster.PredictWithRandomEffects(ctx, x, booster.NumTrees(), remodel.PredictOptions{
		PredictResponse: true,
		CovPars:         m.CurrentCovPars(),
		Data:            &remodel.PredictionData{Groups: data.Groups, Coords: data.Coords},
	})
	if err != nil {
		return err
	}
	name, metric, err := metrics.ForLikelihood(m.LikelihoodName())
	if err != nil {
		return err
	}
	if out.Train[name], err = metric(d.Y, pred.Mean); err != nil {
		return err
	}
	if err := writeJSON(os.Stdout, out); err != nil {
		return err
	}

	if *boostDB != "" {
		s, err := store.Open(*boostDB, store.WithLogger(logger))
		if err != nil {
			return err
		}
		defer s.Close()
		return s.SaveBooster(*boostKey, booster, coremodel.CodecZstd)
	}
	return nil
}

func runShow() error {
	s, err := store.Open(*showDB)
	if err != nil {
		return err
	}
	defer s.Close()
	m, err := s.LoadModel(*showKey)
	if err != nil {
		return err
	}
	est, err := summarize(m)
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, est)
}

func runKeys() error {
	s, err := store.Open(*keysDB)
	if err != nil {
		return err
	}
	defer s.Close()
	keys, err := s.Keys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}
