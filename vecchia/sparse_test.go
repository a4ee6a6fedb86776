package vecchia

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func denseQW(f *Factors, w []float64) *mat.SymDense {
	q := f.Precision()
	for i, wi := range w {
		q.SetSym(i, i, q.At(i, i)+wi)
	}
	return q
}

func TestQWFactorMatchesDense(t *testing.T) {
	for _, ordering := range []string{OrderNone, OrderRandom, OrderMaximin} {
		t.Run(ordering, func(t *testing.T) {
			const n = 40
			coords := randomCoords(n, 31)
			k := &expKernel{coords: coords, pars: []float64{0, 1, 0.3}}
			st, err := Build(coords, ordering, 6, 7, 1)
			require.NoError(t, err)
			f, err := Compute(st, k, true, 1)
			require.NoError(t, err)

			w := make([]float64, n)
			for i := range w {
				w[i] = 0.2 + math.Abs(math.Sin(float64(i)))
			}
			fac, err := f.FactorQW(w)
			require.NoError(t, err)

			qw := denseQW(f, w)
			var chol mat.Cholesky
			require.True(t, chol.Factorize(qw))
			assert.InDelta(t, chol.LogDet(), fac.LogDet(), 1e-9)

			b := testResidual(n)
			want := mat.NewVecDense(n, nil)
			require.NoError(t, chol.SolveVecTo(want, mat.NewVecDense(n, b)))
			assert.InDeltaSlice(t, want.RawVector().Data, fac.Solve(b), 1e-9)

			inv := mat.NewSymDense(n, nil)
			require.NoError(t, chol.InverseTo(inv))
			diag := fac.InverseDiag()
			for i := 0; i < n; i++ {
				assert.InDelta(t, inv.At(i, i), diag[i], 1e-9)
			}
			for pos, nb := range st.Neighbors {
				for _, id := range nb {
					assert.InDelta(t, inv.At(st.Order[pos], id), fac.InverseAt(st.Order[pos], id), 1e-9)
				}
			}

			for j := 0; j < k.NumPars(); j++ {
				var prod mat.Dense
				prod.Mul(inv, f.PrecisionGrad(j))
				assert.InDelta(t, mat.Trace(&prod), fac.TracePrecisionGrad(j), 1e-8, "parameter %d", j)

				dq := mat.NewVecDense(n, nil)
				dq.MulVec(f.PrecisionGrad(j), mat.NewVecDense(n, b))
				assert.InDeltaSlice(t, dq.RawVector().Data, f.ApplyPrecisionGrad(j, b), 1e-9)
			}

			qb := mat.NewVecDense(n, nil)
			qb.MulVec(f.Precision(), mat.NewVecDense(n, b))
			assert.InDelta(t, mat.Dot(qb, mat.NewVecDense(n, b)), f.QuadForm(b), 1e-9)
		})
	}
}

func TestQWFactorSharesAnalysis(t *testing.T) {
	const n = 30
	coords := randomCoords(n, 41)
	k := &expKernel{coords: coords, pars: []float64{0, 1, 0.2}}
	st, err := Build(coords, OrderMaximin, 5, 0, 1)
	require.NoError(t, err)
	f, err := Compute(st, k, false, 1)
	require.NoError(t, err)

	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	a, err := f.FactorQW(w)
	require.NoError(t, err)
	b, err := f.FactorQW(w)
	require.NoError(t, err)
	assert.Same(t, a.sym, b.sym)
	// a dense factor would hold n(n+1)/2 entries
	assert.Less(t, a.NumNonZero(), n*(n+1)/2)

	_, err = f.FactorQW(w[:n-1])
	assert.Error(t, err)
}

func TestMinimumDegreeIsPermutation(t *testing.T) {
	// path graph 0-1-2-3-4: an end point has the least degree
	adj := make([]map[int]struct{}, 5)
	for i := range adj {
		adj[i] = map[int]struct{}{}
	}
	for i := 0; i+1 < 5; i++ {
		adj[i][i+1] = struct{}{}
		adj[i+1][i] = struct{}{}
	}
	perm := minimumDegree(adj)
	require.Len(t, perm, 5)
	assert.Equal(t, 0, perm[0])
	seen := map[int]bool{}
	for _, v := range perm {
		seen[v] = true
	}
	assert.Len(t, seen, 5)
}
