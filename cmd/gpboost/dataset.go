package main

import (
	"encoding/json"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"strconv"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/YuminosukeSato/gpboost/likelihood"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/remodel"
)

// dataset is the JSON file format read by fit and written by simulate.
type dataset struct {
	Likelihood string      `json:"likelihood,omitempty"`
	Y          []float64   `json:"y"`
	Groups     []string    `json:"groups,omitempty"`
	Coords     [][]float64 `json:"coords,omitempty"`
	X          [][]float64 `json:"x,omitempty"`
}

// simulation describes a synthetic data set.
type simulation struct {
	N          int
	Groups     int
	GP         bool
	Likelihood string
	Sigma2     float64
	Range      float64
	Nugget     float64
	Features   int
	Seed       uint64
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
}

func rowsOf(m *mat.Dense) [][]float64 {
	if m == nil {
		return nil
	}
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = mat.Row(make([]float64, c), i, m)
	}
	return out
}

func denseOf(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	c := len(rows[0])
	data := make([]float64, 0, len(rows)*c)
	for _, r := range rows {
		if len(r) != c {
			return nil, errors.NewDimensionError("dataset", c, len(r), 1)
		}
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), c, data), nil
}

// simulate draws latent random effects and a response from the given family.
func simulate(s simulation) (*dataset, error) {
	if s.N <= 0 {
		return nil, errors.NewValidationError("n", "must be positive", s.N)
	}
	if s.Groups <= 0 && !s.GP {
		return nil, errors.NewValidationError("groups", "need grouped effects or a GP", s.Groups)
	}
	rng := newRand(s.Seed)
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	out := &dataset{Likelihood: s.Likelihood}
	latent := make([]float64, s.N)

	if s.Groups > 0 {
		effects := make([]float64, s.Groups)
		for k := range effects {
			effects[k] = math.Sqrt(s.Sigma2) * norm.Rand()
		}
		out.Groups = make([]string, s.N)
		for i := range latent {
			g := int(rng.Uint64N(uint64(s.Groups)))
			out.Groups[i] = "g" + strconv.Itoa(g)
			latent[i] += effects[g]
		}
	}

	if s.GP {
		coords := mat.NewDense(s.N, 2, nil)
		for i := 0; i < s.N; i++ {
			coords.Set(i, 0, rng.Float64())
			coords.Set(i, 1, rng.Float64())
		}
		field, err := drawGP(coords, s.Sigma2, s.Range, norm)
		if err != nil {
			return nil, err
		}
		for i := range latent {
			latent[i] += field[i]
		}
		out.Coords = rowsOf(coords)
	}

	if s.Features > 0 {
		x := mat.NewDense(s.N, s.Features, nil)
		for i := 0; i < s.N; i++ {
			for j := 0; j < s.Features; j++ {
				v := norm.Rand()
				x.Set(i, j, v)
				latent[i] += 0.5 * float64(j+1) * v
			}
		}
		out.X = rowsOf(x)
	}

	y := make([]float64, s.N)
	switch s.Likelihood {
	case likelihood.GaussianName:
		noise := distuv.Normal{Mu: 0, Sigma: math.Sqrt(s.Nugget), Src: rng}
		for i := range y {
			y[i] = latent[i] + noise.Rand()
		}
	case likelihood.BernoulliProbitName:
		for i := range y {
			if latent[i]+norm.Rand() > 0 {
				y[i] = 1
			}
		}
	case likelihood.BernoulliLogitName:
		for i := range y {
			if rng.Float64() < 1/(1+math.Exp(-latent[i])) {
				y[i] = 1
			}
		}
	case likelihood.PoissonName:
		for i := range y {
			y[i] = distuv.Poisson{Lambda: math.Exp(latent[i]), Src: rng}.Rand()
		}
	case likelihood.GammaName:
		for i := range y {
			// shape 1, mean exp(latent)
			y[i] = distuv.Gamma{Alpha: 1, Beta: math.Exp(-latent[i]), Src: rng}.Rand()
		}
	default:
		return nil, errors.NewValidationError("likelihood", "unknown likelihood", s.Likelihood)
	}
	out.Y = y
	return out, nil
}

func drawGP(coords *mat.Dense, sigma2, rho float64, norm distuv.Normal) ([]float64, error) {
	n, _ := coords.Dims()
	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			d := math.Hypot(coords.At(i, 0)-coords.At(j, 0), coords.At(i, 1)-coords.At(j, 1))
			v := sigma2 * math.Exp(-d/rho)
			if i == j {
				v += 1e-10
			}
			k.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(k) {
		return nil, errors.Wrap(errors.ErrSingularMatrix, "simulate: GP covariance")
	}
	var l mat.TriDense
	chol.LTo(&l)
	z := make([]float64, n)
	for i := range z {
		z[i] = norm.Rand()
	}
	out := mat.NewVecDense(n, nil)
	out.MulVec(&l, mat.NewVecDense(n, z))
	return out.RawVector().Data, nil
}

// modelData converts the file format into model inputs.
func (d *dataset) modelData() (remodel.Data, *mat.Dense, error) {
	var data remodel.Data
	data.Y = d.Y
	if d.Groups != nil {
		data.Groups = [][]string{d.Groups}
	}
	coords, err := denseOf(d.Coords)
	if err != nil {
		return data, nil, err
	}
	data.Coords = coords
	x, err := denseOf(d.X)
	if err != nil {
		return data, nil, err
	}
	return data, x, nil
}

func readDataset(fn string) (*dataset, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeDataset(f)
}

func decodeDataset(r io.Reader) (*dataset, error) {
	var d dataset
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, errors.Wrap(err, "reading dataset")
	}
	if len(d.Y) == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "dataset has no response")
	}
	return &d, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
