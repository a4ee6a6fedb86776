package errors

import (
	"math"
)

// maxReported bounds the offending values carried by an error.
const maxReported = 10

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// CheckNumericalStability returns a NumericalInstabilityError when values
// contain NaN or ±Inf.
func CheckNumericalStability(operation string, values []float64, iteration int) error {
	for _, v := range values {
		if !finite(v) {
			return NewNumericalInstabilityError(operation, values, iteration)
		}
	}
	return nil
}

// CheckScalar is CheckNumericalStability for one value, e.g. a
// log-likelihood.
func CheckScalar(operation string, value float64, iteration int) error {
	if !finite(value) {
		return NewNumericalInstabilityError(operation, []float64{value}, iteration)
	}
	return nil
}

// CheckMatrix scans a rows×cols matrix (mat.Matrix or anything with At) and
// reports up to ten non-finite entries.
func CheckMatrix(operation string, matrix interface{ At(int, int) float64 }, rows, cols, iteration int) error {
	var bad []float64
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if v := matrix.At(i, j); !finite(v) {
				bad = append(bad, v)
				if len(bad) == maxReported {
					return NewNumericalInstabilityError(operation, bad, iteration)
				}
			}
		}
	}
	if bad != nil {
		return NewNumericalInstabilityError(operation, bad, iteration)
	}
	return nil
}
