// Package covariance は空間ガウス過程とグループ化ランダム効果の共分散関数を提供します。
//
// パラメータは自然スケール（分散σ², レンジρ）で受け取り、勾配は対数パラメータに
// 関する偏微分として返します。最適化は常に対数空間で行われるため、分散型の
// パラメータは正に保たれます。
package covariance

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

// Family names.
const (
	Exponential        = "exponential"
	Matern             = "matern"
	Gaussian           = "gaussian"
	PoweredExponential = "powered_exponential"
	Wendland           = "wendland"
)

const (
	taperedSuffix      = "_tapered"
	defaultMaternShape = 0.5
	defaultPowExpShape = 1.0
	maternShapeTol     = 1e-10
)

var (
	sqrt3 = math.Sqrt(3)
	sqrt5 = math.Sqrt(5)
)

// Function は共分散関数を表します。構築後は不変です。
type Function struct {
	name       string
	base       string
	shape      float64
	taperRange float64
	tapered    bool
}

// New は共分散関数を構築します。
//
// name は exponential, matern, gaussian, powered_exponential, wendland のいずれかで、
// 末尾に "_tapered" を付けるとWendlandテーパーが掛かります。shape は matern
// (0.5, 1.5, 2.5) と powered_exponential ((0, 2]) で使用され、0 の場合は既定値です。
// taperRange は wendland と *_tapered で必須です。
func New(name string, shape, taperRange float64) (*Function, error) {
	f := &Function{name: name, base: name, shape: shape, taperRange: taperRange}
	if strings.HasSuffix(name, taperedSuffix) {
		f.tapered = true
		f.base = strings.TrimSuffix(name, taperedSuffix)
		if f.base == Wendland {
			return nil, errors.NewValidationError("cov_function", "wendland is already compactly supported", name)
		}
	}

	switch f.base {
	case Exponential, Gaussian:
	case Matern:
		if f.shape == 0 {
			f.shape = defaultMaternShape
		}
		if !isSupportedMaternShape(f.shape) {
			return nil, errors.NewValidationError("cov_fct_shape", "matern shape must be one of 0.5, 1.5, 2.5", f.shape)
		}
	case PoweredExponential:
		if f.shape == 0 {
			f.shape = defaultPowExpShape
		}
		if f.shape <= 0 || f.shape > 2 {
			return nil, errors.NewValidationError("cov_fct_shape", "powered_exponential shape must be in (0, 2]", f.shape)
		}
	case Wendland:
	default:
		return nil, errors.NewValidationError("cov_function", "unknown covariance function", name)
	}

	if (f.tapered || f.base == Wendland) && !(taperRange > 0) {
		return nil, errors.NewValidationError("cov_fct_taper_range", "taper range must be positive", taperRange)
	}
	return f, nil
}

func isSupportedMaternShape(s float64) bool {
	for _, v := range []float64{0.5, 1.5, 2.5} {
		if math.Abs(s-v) < maternShapeTol {
			return true
		}
	}
	return false
}

// Name returns the configured family name including any "_tapered" suffix.
func (f *Function) Name() string { return f.name }

// Shape returns the effective shape parameter.
func (f *Function) Shape() float64 { return f.shape }

// TaperRange returns the taper range (0 if unused).
func (f *Function) TaperRange() float64 { return f.taperRange }

// IsTapered reports whether covariances vanish beyond the taper range.
func (f *Function) IsTapered() bool { return f.tapered || f.base == Wendland }

// NumPars returns the number of parameters: 1 (variance) for wendland, 2
// (variance, range) otherwise.
func (f *Function) NumPars() int {
	if f.base == Wendland {
		return 1
	}
	return 2
}

// ParNames returns parameter suffixes used when naming GP components.
func (f *Function) ParNames() []string {
	if f.base == Wendland {
		return []string{"var"}
	}
	return []string{"var", "range"}
}

// Cov は距離 d における共分散を返します。
func (f *Function) Cov(d float64, pars []float64) float64 {
	if f.IsTapered() && d >= f.taperRange {
		return 0
	}
	sigma2 := pars[0]
	c := sigma2
	if f.base != Wendland {
		c = sigma2 * f.corr(d, pars[1])
	}
	if f.IsTapered() {
		c *= taper(d, f.taperRange)
	}
	return c
}

// LogGrad は各対数パラメータに関する Cov の偏微分を dst に書き込みます。
// dst の長さは NumPars() でなければなりません。
func (f *Function) LogGrad(d float64, pars []float64, dst []float64) {
	if f.IsTapered() && d >= f.taperRange {
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	t := 1.0
	if f.IsTapered() {
		t = taper(d, f.taperRange)
	}
	sigma2 := pars[0]
	if f.base == Wendland {
		dst[0] = sigma2 * t
		return
	}

	rho := pars[1]
	dst[0] = sigma2 * f.corr(d, rho) * t
	dst[1] = sigma2 * f.corrLogRangeGrad(d, rho) * t
}

// corr は単位分散の相関関数です。
func (f *Function) corr(d, rho float64) float64 {
	switch f.base {
	case Exponential:
		return math.Exp(-d / rho)
	case Gaussian:
		r := d / rho
		return math.Exp(-r * r)
	case PoweredExponential:
		return math.Exp(-math.Pow(d/rho, f.shape))
	case Matern:
		switch {
		case math.Abs(f.shape-0.5) < maternShapeTol:
			return math.Exp(-d / rho)
		case math.Abs(f.shape-1.5) < maternShapeTol:
			a := sqrt3 * d / rho
			return (1 + a) * math.Exp(-a)
		default:
			a := sqrt5 * d / rho
			return (1 + a + a*a/3) * math.Exp(-a)
		}
	}
	return 0
}

// corrLogRangeGrad returns ρ ∂corr/∂ρ.
func (f *Function) corrLogRangeGrad(d, rho float64) float64 {
	switch f.base {
	case Exponential:
		r := d / rho
		return math.Exp(-r) * r
	case Gaussian:
		r := d / rho
		return math.Exp(-r*r) * 2 * r * r
	case PoweredExponential:
		p := math.Pow(d/rho, f.shape)
		return math.Exp(-p) * f.shape * p
	case Matern:
		switch {
		case math.Abs(f.shape-0.5) < maternShapeTol:
			r := d / rho
			return math.Exp(-r) * r
		case math.Abs(f.shape-1.5) < maternShapeTol:
			a := sqrt3 * d / rho
			return a * a * math.Exp(-a)
		default:
			a := sqrt5 * d / rho
			return a * a / 3 * (1 + a) * math.Exp(-a)
		}
	}
	return 0
}

// taper is the Wendland φ_{3,1} function (1-d/r)^4_+ (1+4d/r).
func taper(d, r float64) float64 {
	if d >= r {
		return 0
	}
	u := 1 - d/r
	u2 := u * u
	return u2 * u2 * (1 + 4*d/r)
}

// Distance returns the Euclidean distance between two coordinate rows.
func Distance(a, b []float64) float64 {
	return floats.Distance(a, b, 2)
}

// RowDistance returns the distance between row i of a and row j of b.
func RowDistance(a *mat.Dense, i int, b *mat.Dense, j int) float64 {
	return Distance(a.RawRowView(i), b.RawRowView(j))
}

// DefaultRange returns a starting value for the range parameter: the mean
// pairwise distance divided by 3 (for exponential-type families the
// effective range is then about the average distance). At most 1000 rows
// are sampled so the cost stays bounded.
func DefaultRange(coords *mat.Dense) float64 {
	n, _ := coords.Dims()
	step := 1
	if n > 1000 {
		step = n / 1000
	}
	sum, count := 0.0, 0
	for i := 0; i < n; i += step {
		for j := i + step; j < n; j += step {
			sum += RowDistance(coords, i, coords, j)
			count++
		}
	}
	if count == 0 || sum == 0 {
		return 1
	}
	return sum / float64(count) / 3
}
