// Package metrics は予測の評価指標を計算します。
package metrics

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/gpboost/likelihood"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

// Func is an evaluation metric; smaller is better unless noted.
type Func func(yTrue, yPred []float64) (float64, error)

func check(op string, yTrue, yPred []float64) error {
	if len(yTrue) == 0 {
		return errors.NewValidationError(op, "empty vector", nil)
	}
	if len(yPred) != len(yTrue) {
		return errors.NewDimensionError(op, len(yTrue), len(yPred), 0)
	}
	return nil
}

// MSE は平均二乗誤差（Mean Squared Error）を計算する
func MSE(yTrue, yPred []float64) (float64, error) {
	if err := check("MSE", yTrue, yPred); err != nil {
		return 0, err
	}
	var sum float64
	for i, y := range yTrue {
		diff := y - yPred[i]
		sum += diff * diff
	}
	return sum / float64(len(yTrue)), nil
}

// RMSE は平方根平均二乗誤差を計算する
func RMSE(yTrue, yPred []float64) (float64, error) {
	mse, err := MSE(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(mse), nil
}

// MAE は平均絶対誤差を計算する
func MAE(yTrue, yPred []float64) (float64, error) {
	if err := check("MAE", yTrue, yPred); err != nil {
		return 0, err
	}
	var sum float64
	for i, y := range yTrue {
		sum += math.Abs(y - yPred[i])
	}
	return sum / float64(len(yTrue)), nil
}

// R2Score は決定係数（R²）を計算する。大きいほど良い。
func R2Score(yTrue, yPred []float64) (float64, error) {
	if err := check("R2Score", yTrue, yPred); err != nil {
		return 0, err
	}
	mean := stat.Mean(yTrue, nil)
	var tss, rss float64
	for i, y := range yTrue {
		tss += (y - mean) * (y - mean)
		rss += (y - yPred[i]) * (y - yPred[i])
	}
	// 全変動が0の場合（すべてのyTrueが同じ値）
	if tss == 0 {
		return 0, errors.NewValidationError("R2Score", "total sum of squares is zero (no variance in yTrue)", nil)
	}
	return 1 - rss/tss, nil
}

// LogLoss は二値応答の平均負の対数尤度。yPredは確率。
func LogLoss(yTrue, yPred []float64) (float64, error) {
	if err := check("LogLoss", yTrue, yPred); err != nil {
		return 0, err
	}
	const eps = 1e-15
	var sum float64
	for i, y := range yTrue {
		p := math.Min(math.Max(yPred[i], eps), 1-eps)
		sum -= y*math.Log(p) + (1-y)*math.Log(1-p)
	}
	return sum / float64(len(yTrue)), nil
}

// PoissonDeviance は平均Poisson逸脱度。yPredは平均（正）。
func PoissonDeviance(yTrue, yPred []float64) (float64, error) {
	if err := check("PoissonDeviance", yTrue, yPred); err != nil {
		return 0, err
	}
	var sum float64
	for i, y := range yTrue {
		mu := yPred[i]
		if mu <= 0 {
			return 0, errors.NewValidationError("PoissonDeviance", "predicted mean must be positive", mu)
		}
		d := mu - y
		if y > 0 {
			d += y * math.Log(y/mu)
		}
		sum += 2 * d
	}
	return sum / float64(len(yTrue)), nil
}

// GammaDeviance は平均Gamma逸脱度。
func GammaDeviance(yTrue, yPred []float64) (float64, error) {
	if err := check("GammaDeviance", yTrue, yPred); err != nil {
		return 0, err
	}
	var sum float64
	for i, y := range yTrue {
		mu := yPred[i]
		if mu <= 0 || y <= 0 {
			return 0, errors.NewValidationError("GammaDeviance", "response and predicted mean must be positive", mu)
		}
		sum += 2 * (y/mu - math.Log(y/mu) - 1)
	}
	return sum / float64(len(yTrue)), nil
}

// ForLikelihood returns the default metric for response-scale predictions
// of a likelihood family together with its name.
func ForLikelihood(name string) (string, Func, error) {
	switch name {
	case likelihood.GaussianName:
		return "rmse", RMSE, nil
	case likelihood.BernoulliProbitName, likelihood.BernoulliLogitName:
		return "binary_logloss", LogLoss, nil
	case likelihood.PoissonName:
		return "poisson_deviance", PoissonDeviance, nil
	case likelihood.GammaName:
		return "gamma_deviance", GammaDeviance, nil
	}
	return "", nil, errors.NewValidationError("likelihood", "unknown likelihood", name)
}
