package remodel

import (
	"math"
	"math/rand/v2"
	"strconv"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// gridCoords returns side×side points on the unit square.
func gridCoords(side int) *mat.Dense {
	c := mat.NewDense(side*side, 2, nil)
	for i := 0; i < side; i++ {
		for j := 0; j < side; j++ {
			c.Set(i*side+j, 0, float64(i)/float64(side-1))
			c.Set(i*side+j, 1, float64(j)/float64(side-1))
		}
	}
	return c
}

// randomCoords returns n uniform points on the unit square.
func randomCoords(n int, seed uint64) *mat.Dense {
	u := distuv.Uniform{Min: 0, Max: 1, Src: newRand(seed)}
	c := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		c.Set(i, 0, u.Rand())
		c.Set(i, 1, u.Rand())
	}
	return c
}

// simulateGP draws an exponential GP with variance sigma2 and range rho at
// the given coordinates.
func simulateGP(coords *mat.Dense, sigma2, rho float64, seed uint64) []float64 {
	n, _ := coords.Dims()
	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			dx := coords.At(i, 0) - coords.At(j, 0)
			dy := coords.At(i, 1) - coords.At(j, 1)
			v := sigma2 * math.Exp(-math.Hypot(dx, dy)/rho)
			if i == j {
				v += 1e-10
			}
			k.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(k) {
		panic("simulation covariance not positive definite")
	}
	var l mat.TriDense
	chol.LTo(&l)
	z := normals(n, seed)
	out := mat.NewVecDense(n, nil)
	out.MulVec(&l, mat.NewVecDense(n, z))
	return out.RawVector().Data
}

func normals(n int, seed uint64) []float64 {
	nd := distuv.Normal{Mu: 0, Sigma: 1, Src: newRand(seed)}
	out := make([]float64, n)
	for i := range out {
		out[i] = nd.Rand()
	}
	return out
}

// simulateGroups returns n group labels with nGroups levels and the
// corresponding random effects drawn with variance sigma2.
func simulateGroups(n, nGroups int, sigma2 float64, seed uint64) ([]string, []float64) {
	b := normals(nGroups, seed)
	labels := make([]string, n)
	eff := make([]float64, n)
	for i := 0; i < n; i++ {
		g := i % nGroups
		labels[i] = "g" + strconv.Itoa(g)
		eff[i] = math.Sqrt(sigma2) * b[g]
	}
	return labels, eff
}

func addNoise(f []float64, sd float64, seed uint64) []float64 {
	e := normals(len(f), seed)
	out := make([]float64, len(f))
	for i := range f {
		out[i] = f[i] + sd*e[i]
	}
	return out
}

func bernoulliProbit(f []float64, seed uint64) []float64 {
	u := distuv.Uniform{Min: 0, Max: 1, Src: newRand(seed)}
	y := make([]float64, len(f))
	for i, v := range f {
		if u.Rand() < distuv.UnitNormal.CDF(v) {
			y[i] = 1
		}
	}
	return y
}

func poissonCounts(f []float64, seed uint64) []float64 {
	src := newRand(seed)
	y := make([]float64, len(f))
	for i, v := range f {
		y[i] = distuv.Poisson{Lambda: math.Exp(v), Src: src}.Rand()
	}
	return y
}
