package boosting

import (
	"math"
	"time"

	"github.com/YuminosukeSato/gpboost/pkg/log"
)

// Evaluation keys reported to callbacks.
const (
	EvalNegLogLik = "neg_log_likelihood"
)

// CallbackEnv is passed to callbacks after every boosting round.
type CallbackEnv struct {
	Iteration    int
	NumTrees     int
	CovPars      []float64
	BeginTime    time.Time
	EndTime      time.Time
	EvalResults  map[string]float64
	StopTraining bool
}

// Callback is called after each boosting round.
type Callback func(env *CallbackEnv) error

// RecordEvaluation appends every evaluation result to history.
func RecordEvaluation(history map[string][]float64) Callback {
	return func(env *CallbackEnv) error {
		for name, value := range env.EvalResults {
			history[name] = append(history[name], value)
		}
		return nil
	}
}

// LogEvaluation logs the evaluation results every period rounds.
func LogEvaluation(logger log.Logger, period int) Callback {
	if period <= 0 {
		period = 1
	}
	return func(env *CallbackEnv) error {
		if env.Iteration%period != 0 {
			return nil
		}
		fields := []any{log.BoostingRoundKey, env.Iteration, log.CovParsKey, env.CovPars}
		for name, value := range env.EvalResults {
			fields = append(fields, name, value)
		}
		logger.Info("boosting round", fields...)
		return nil
	}
}

// EarlyStoppingCallback stops training when metric has not decreased for
// rounds consecutive rounds.
func EarlyStoppingCallback(rounds int, metric string) Callback {
	best := math.Inf(1)
	noImprove := 0
	return func(env *CallbackEnv) error {
		value, ok := env.EvalResults[metric]
		if !ok {
			return nil
		}
		if value < best {
			best = value
			noImprove = 0
			return nil
		}
		noImprove++
		if noImprove >= rounds {
			env.StopTraining = true
		}
		return nil
	}
}

// TimeLimit stops training after maxDuration.
func TimeLimit(maxDuration time.Duration) Callback {
	start := time.Now()
	return func(env *CallbackEnv) error {
		if time.Since(start) > maxDuration {
			env.StopTraining = true
		}
		return nil
	}
}

// callbackList manages the callbacks of one training run.
type callbackList struct {
	callbacks []Callback
	env       *CallbackEnv
}

func newCallbackList(callbacks ...Callback) *callbackList {
	return &callbackList{callbacks: callbacks, env: &CallbackEnv{}}
}

func (cl *callbackList) beforeIteration(iteration int) {
	cl.env.Iteration = iteration
	cl.env.BeginTime = time.Now()
}

func (cl *callbackList) afterIteration(numTrees int, covPars []float64, evalResults map[string]float64) error {
	cl.env.NumTrees = numTrees
	cl.env.CovPars = covPars
	cl.env.EndTime = time.Now()
	cl.env.EvalResults = evalResults
	for _, cb := range cl.callbacks {
		if err := cb(cl.env); err != nil {
			return err
		}
	}
	return nil
}

func (cl *callbackList) shouldStop() bool { return cl.env.StopTraining }
