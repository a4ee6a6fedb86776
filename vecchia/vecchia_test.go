package vecchia

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

// expKernel is σ²exp(−d/ρ) plus a nugget τ² on ids below nObs.
type expKernel struct {
	coords *mat.Dense
	nObs   int
	pars   []float64 // τ², σ², ρ
}

func (k *expKernel) NumPars() int { return 3 }

func (k *expKernel) Cov(i, j int) float64 {
	d := floats.Distance(k.coords.RawRowView(i), k.coords.RawRowView(j), 2)
	c := k.pars[1] * math.Exp(-d/k.pars[2])
	if i == j && i < k.nObs {
		c += k.pars[0]
	}
	return c
}

func (k *expKernel) Grad(i, j int, dst []float64) {
	d := floats.Distance(k.coords.RawRowView(i), k.coords.RawRowView(j), 2)
	e := math.Exp(-d / k.pars[2])
	dst[0] = 0
	if i == j && i < k.nObs {
		dst[0] = k.pars[0]
	}
	dst[1] = k.pars[1] * e
	dst[2] = k.pars[1] * e * d / k.pars[2]
}

func randomCoords(n int, seed uint64) *mat.Dense {
	src := rand.NewPCG(seed, seed+1)
	u := distuv.Uniform{Min: 0, Max: 1, Src: src}
	data := make([]float64, 2*n)
	for i := range data {
		data[i] = u.Rand()
	}
	return mat.NewDense(n, 2, data)
}

func denseCov(k Kernel, ids []int) *mat.SymDense {
	s := mat.NewSymDense(len(ids), nil)
	for a := range ids {
		for c := a; c < len(ids); c++ {
			s.SetSym(a, c, k.Cov(ids[a], ids[c]))
		}
	}
	return s
}

func denseNLL(t *testing.T, s *mat.SymDense, r []float64) float64 {
	var chol mat.Cholesky
	require.True(t, chol.Factorize(s))
	alpha := mat.NewVecDense(len(r), nil)
	require.NoError(t, chol.SolveVecTo(alpha, mat.NewVecDense(len(r), r)))
	return 0.5 * (float64(len(r))*log2Pi + chol.LogDet() + floats.Dot(r, alpha.RawVector().Data))
}

func testResidual(n int) []float64 {
	r := make([]float64, n)
	for i := range r {
		r[i] = math.Sin(float64(i)*1.3) + 0.1*float64(i%3)
	}
	return r
}

func TestExactWithAllNeighbors(t *testing.T) {
	const n = 20
	coords := randomCoords(n, 1)
	k := &expKernel{coords: coords, nObs: n, pars: []float64{0.1, 1.2, 0.3}}
	r := testResidual(n)

	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	want := denseNLL(t, denseCov(k, ids), r)

	for _, ordering := range []string{OrderNone, OrderRandom, OrderMaximin} {
		st, err := Build(coords, ordering, n-1, 42, 4)
		require.NoError(t, err)
		f, err := Compute(st, k, false, 4)
		require.NoError(t, err)
		assert.InDelta(t, want, f.NegLogLik(r), 1e-9, ordering)
	}
}

func TestGradientFiniteDifference(t *testing.T) {
	const n = 30
	coords := randomCoords(n, 2)
	r := testResidual(n)
	st, err := Build(coords, OrderMaximin, 5, 0, 2)
	require.NoError(t, err)

	base := []float64{0.2, 1.0, 0.25}
	k := &expKernel{coords: coords, nObs: n, pars: base}
	f, err := Compute(st, k, true, 2)
	require.NoError(t, err)
	grad := f.Gradient(r)

	const h = 1e-6
	for j := range base {
		up := append([]float64(nil), base...)
		dn := append([]float64(nil), base...)
		up[j] *= math.Exp(h)
		dn[j] *= math.Exp(-h)
		fu, err := Compute(st, &expKernel{coords: coords, nObs: n, pars: up}, false, 2)
		require.NoError(t, err)
		fd, err := Compute(st, &expKernel{coords: coords, nObs: n, pars: dn}, false, 2)
		require.NoError(t, err)
		assert.InDelta(t, (fu.NegLogLik(r)-fd.NegLogLik(r))/(2*h), grad[j], 1e-5, "par %d", j)

		// log-determinant and precision derivatives
		assert.InDelta(t, (fu.LogDet()-fd.LogDet())/(2*h), f.LogDetGrad()[j], 1e-5)
		dq := f.PrecisionGrad(j)
		qu, qd := fu.Precision(), fd.Precision()
		assert.InDelta(t, (qu.At(3, 7)-qd.At(3, 7))/(2*h), dq.At(3, 7), 1e-5)
		assert.InDelta(t, (qu.At(5, 5)-qd.At(5, 5))/(2*h), dq.At(5, 5), 1e-5)
	}
}

func TestPrecision(t *testing.T) {
	const n = 15
	coords := randomCoords(n, 3)
	k := &expKernel{coords: coords, nObs: n, pars: []float64{0.05, 1, 0.4}}
	st, err := Build(coords, OrderNone, n-1, 0, 1)
	require.NoError(t, err)
	f, err := Compute(st, k, false, 1)
	require.NoError(t, err)

	// exact case: Q Σ = I
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	var prod mat.Dense
	prod.Mul(f.Precision(), denseCov(k, ids))
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, prod.At(i, j), 1e-8)
		}
	}

	v := testResidual(n)
	qv := mat.NewVecDense(n, nil)
	qv.MulVec(f.Precision(), mat.NewVecDense(n, v))
	assert.InDeltaSlice(t, qv.RawVector().Data, f.ApplyPrecision(v), 1e-9)

	q := f.Precision()
	diag := f.PrecisionDiag()
	for i := 0; i < n; i++ {
		assert.InDelta(t, q.At(i, i), diag[i], 1e-9)
	}
}

func TestFisherMatchesExactInformation(t *testing.T) {
	const n = 12
	coords := randomCoords(n, 4)
	k := &expKernel{coords: coords, nObs: n, pars: []float64{0.3, 1, 0.5}}
	st, err := Build(coords, OrderNone, n-1, 0, 1)
	require.NoError(t, err)
	f, err := Compute(st, k, true, 1)
	require.NoError(t, err)
	info := f.Fisher()

	// exact: I_jl = ½ tr(Σ⁻¹Σ_jΣ⁻¹Σ_l)
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	var chol mat.Cholesky
	require.True(t, chol.Factorize(denseCov(k, ids)))
	derivs := make([]*mat.Dense, 3)
	for j := range derivs {
		derivs[j] = mat.NewDense(n, n, nil)
	}
	buf := make([]float64, 3)
	for a := 0; a < n; a++ {
		for c := 0; c < n; c++ {
			k.Grad(a, c, buf)
			for j := range derivs {
				derivs[j].Set(a, c, buf[j])
			}
		}
	}
	solved := make([]*mat.Dense, 3)
	for j := range solved {
		solved[j] = &mat.Dense{}
		require.NoError(t, chol.SolveTo(solved[j], derivs[j]))
	}
	for j := 0; j < 3; j++ {
		for l := 0; l < 3; l++ {
			var p mat.Dense
			p.Mul(solved[j], solved[l])
			assert.InDelta(t, 0.5*mat.Trace(&p), info.At(j, l), 1e-7)
		}
	}
}

func TestOrderingDeterministic(t *testing.T) {
	coords := randomCoords(50, 5)
	a, err := Build(coords, OrderMaximin, 4, 1, 3)
	require.NoError(t, err)
	b, err := Build(coords, OrderMaximin, 4, 1, 7)
	require.NoError(t, err)
	assert.Equal(t, a.Order, b.Order)
	assert.Equal(t, a.Neighbors, b.Neighbors)

	r1, _ := Order(coords, OrderRandom, 9)
	r2, _ := Order(coords, OrderRandom, 9)
	assert.Equal(t, r1, r2)

	for k, nb := range a.Neighbors {
		assert.LessOrEqual(t, len(nb), 4)
		assert.Equal(t, min(k, 4), len(nb))
	}
}

func TestNearestTies(t *testing.T) {
	coords := mat.NewDense(4, 1, []float64{0, 1, -1, 2})
	assert.Equal(t, []int{1, 2}, Nearest(coords, []float64{0}, []int{1, 2, 3}, 2))
	assert.Equal(t, []int{2, 1}, Nearest(coords, []float64{0}, []int{2, 1, 3}, 2))
}

func TestValidation(t *testing.T) {
	coords := randomCoords(5, 6)
	_, err := Build(coords, OrderMaximin, 0, 0, 1)
	assert.True(t, errors.IsConfigurationError(err))
	_, err = Build(coords, "hilbert", 2, 0, 1)
	assert.True(t, errors.IsConfigurationError(err))
	assert.True(t, errors.IsConfigurationError(ValidatePredType("latent")))
}

// With enough neighbors every prediction mode reproduces the exact
// Gaussian conditional distribution.
func TestPredictModesExact(t *testing.T) {
	const nObs, nPred = 15, 5
	coords := randomCoords(nObs+nPred, 7)
	k := &expKernel{coords: coords, nObs: nObs, pars: []float64{0.1, 1, 0.3}}

	obs := make([]int, nObs)
	for i := range obs {
		obs[i] = i
	}
	pred := make([]int, nPred)
	for i := range pred {
		pred[i] = nObs + i
	}
	var chol mat.Cholesky
	require.True(t, chol.Factorize(denseCov(k, obs)))
	cross := mat.NewDense(nPred, nObs, nil)
	for p := range pred {
		for o := range obs {
			cross.Set(p, o, k.Cov(pred[p], obs[o]))
		}
	}
	var sinvT mat.Dense
	require.NoError(t, chol.SolveTo(&sinvT, cross.T()))
	var exactM mat.Dense
	exactM.CloneFrom(sinvT.T())
	var reduce mat.Dense
	reduce.Mul(cross, &sinvT)
	exactCov := denseCov(k, pred)

	st, err := Build(coords.Slice(0, nObs, 0, 2).(*mat.Dense), OrderNone, nObs-1, 0, 1)
	require.NoError(t, err)

	for _, mode := range []string{PredOrderObsFirstCondObsOnly, PredOrderObsFirstCondAll, PredOrderPredFirst} {
		c, err := Predict(PredictionInput{
			Coords: coords, NumObs: nObs, Obs: st, Kernel: k,
			NumNeighbors: nObs + nPred, Mode: mode, Workers: 2,
		})
		require.NoError(t, err, mode)
		for p := 0; p < nPred; p++ {
			for o := 0; o < nObs; o++ {
				assert.InDelta(t, exactM.At(p, o), c.M.At(p, o), 1e-8, mode)
			}
			assert.InDelta(t, exactCov.At(p, p)-reduce.At(p, p), c.Cov.At(p, p), 1e-8, mode)
		}
		if mode != PredOrderObsFirstCondObsOnly {
			assert.InDelta(t, exactCov.At(0, 3)-reduce.At(0, 3), c.Cov.At(0, 3), 1e-8, mode)
		}
	}
}
