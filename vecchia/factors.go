package vecchia

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gpboost/core/parallel"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

// Kernel is a covariance over a set of point ids.
type Kernel interface {
	NumPars() int
	Cov(i, j int) float64
	// Grad writes ∂Cov(i,j)/∂log θ for every parameter into dst.
	Grad(i, j int, dst []float64)
}

var log2Pi = math.Log(2 * math.Pi)

// Factors holds the conditional regression coefficients b_k and variances
// d_k for every position of a Structure, and optionally their derivatives.
type Factors struct {
	st *Structure

	B [][]float64
	D []float64

	// GradB[k][j] and GradD[k][j] are derivatives w.r.t. log-parameter j.
	GradB [][][]float64
	GradD [][]float64
	// sigmaNN is kept for the Fisher information.
	sigmaNN []*mat.SymDense

	numPars int
	workers int
}

// Compute evaluates the factors for all positions. With withGrad the
// derivatives needed for gradients and Fisher information are computed too.
func Compute(st *Structure, k Kernel, withGrad bool, workers int) (*Factors, error) {
	n := st.NumPoints()
	f := &Factors{
		st:      st,
		B:       make([][]float64, n),
		D:       make([]float64, n),
		numPars: k.NumPars(),
		workers: workers,
	}
	if withGrad {
		f.GradB = make([][][]float64, n)
		f.GradD = make([][]float64, n)
		f.sigmaNN = make([]*mat.SymDense, n)
	}

	errs := make([]error, n)
	parallel.Parallelize(n, workers, func(start, end int) {
		for pos := start; pos < end; pos++ {
			errs[pos] = f.computeRow(pos, k, withGrad)
		}
	})
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *Factors) computeRow(pos int, k Kernel, withGrad bool) error {
	i := f.st.Order[pos]
	nb := f.st.Neighbors[pos]
	m := len(nb)
	sii := k.Cov(i, i)

	if m == 0 {
		f.B[pos] = []float64{}
		f.D[pos] = sii
		if !(sii > 0) {
			return errors.Wrapf(errors.ErrSingularMatrix, "vecchia: non-positive conditional variance at point %d", i)
		}
		if withGrad {
			g := make([]float64, f.numPars)
			k.Grad(i, i, g)
			f.GradB[pos] = make([][]float64, f.numPars)
			for j := range f.GradB[pos] {
				f.GradB[pos][j] = []float64{}
			}
			f.GradD[pos] = g
			f.sigmaNN[pos] = &mat.SymDense{}
		}
		return nil
	}

	snn := mat.NewSymDense(m, nil)
	sni := make([]float64, m)
	for a := 0; a < m; a++ {
		sni[a] = k.Cov(nb[a], i)
		for c := a; c < m; c++ {
			snn.SetSym(a, c, k.Cov(nb[a], nb[c]))
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(snn) {
		return errors.Wrapf(errors.ErrSingularMatrix, "vecchia: neighbor covariance of point %d", i)
	}
	b := mat.NewVecDense(m, nil)
	if err := chol.SolveVecTo(b, mat.NewVecDense(m, sni)); err != nil {
		return errors.Wrapf(errors.ErrSingularMatrix, "vecchia: neighbor covariance of point %d", i)
	}
	f.B[pos] = b.RawVector().Data
	d := sii - floats.Dot(sni, f.B[pos])
	if !(d > 0) {
		return errors.Wrapf(errors.ErrSingularMatrix, "vecchia: non-positive conditional variance %g at point %d", d, i)
	}
	f.D[pos] = d

	if !withGrad {
		return nil
	}
	np := f.numPars
	buf := make([]float64, np)
	dnn := make([]*mat.SymDense, np)
	dni := make([][]float64, np)
	for j := 0; j < np; j++ {
		dnn[j] = mat.NewSymDense(m, nil)
		dni[j] = make([]float64, m)
	}
	for a := 0; a < m; a++ {
		k.Grad(nb[a], i, buf)
		for j := 0; j < np; j++ {
			dni[j][a] = buf[j]
		}
		for c := a; c < m; c++ {
			k.Grad(nb[a], nb[c], buf)
			for j := 0; j < np; j++ {
				dnn[j].SetSym(a, c, buf[j])
			}
		}
	}
	dii := make([]float64, np)
	k.Grad(i, i, dii)

	f.GradB[pos] = make([][]float64, np)
	f.GradD[pos] = make([]float64, np)
	f.sigmaNN[pos] = snn
	tmp := mat.NewVecDense(m, nil)
	for j := 0; j < np; j++ {
		// ∂b = Σ_NN⁻¹(∂Σ_Ni − ∂Σ_NN b)
		tmp.MulVec(dnn[j], b)
		rhs := make([]float64, m)
		floats.SubTo(rhs, dni[j], tmp.RawVector().Data)
		db := mat.NewVecDense(m, nil)
		if err := chol.SolveVecTo(db, mat.NewVecDense(m, rhs)); err != nil {
			return errors.Wrapf(errors.ErrSingularMatrix, "vecchia: neighbor covariance of point %d", i)
		}
		f.GradB[pos][j] = db.RawVector().Data
		// ∂d = ∂Σ_ii − 2∂Σ_Niᵀb + bᵀ∂Σ_NN b
		f.GradD[pos][j] = dii[j] - 2*floats.Dot(dni[j], f.B[pos]) + floats.Dot(f.B[pos], tmp.RawVector().Data)
	}
	return nil
}

// Structure returns the structure the factors were computed on.
func (f *Factors) Structure() *Structure { return f.st }

// HasGrad reports whether derivatives were computed.
func (f *Factors) HasGrad() bool { return f.GradD != nil }

// residual returns e_k = r[o_k] − b_kᵀ r[N_k].
func (f *Factors) residual(pos int, r []float64) float64 {
	e := r[f.st.Order[pos]]
	for a, id := range f.st.Neighbors[pos] {
		e -= f.B[pos][a] * r[id]
	}
	return e
}

// LogDet returns log|Σ̃| = Σ log d_k.
func (f *Factors) LogDet() float64 {
	s := 0.0
	for _, d := range f.D {
		s += math.Log(d)
	}
	return s
}

// NegLogLik returns the Vecchia negative log-likelihood of r (indexed by
// point id) under a zero mean.
func (f *Factors) NegLogLik(r []float64) float64 {
	out := parallel.ReduceSum(len(f.D), 0, f.workers, 1, func(start, end int, acc []float64) {
		for pos := start; pos < end; pos++ {
			e := f.residual(pos, r)
			acc[0] += 0.5 * (log2Pi + math.Log(f.D[pos]) + e*e/f.D[pos])
		}
	})
	return out[0]
}

// Gradient returns ∂NegLogLik/∂log θ.
func (f *Factors) Gradient(r []float64) []float64 {
	np := f.numPars
	return parallel.ReduceSum(len(f.D), 0, f.workers, np, func(start, end int, acc []float64) {
		for pos := start; pos < end; pos++ {
			e := f.residual(pos, r)
			d := f.D[pos]
			nb := f.st.Neighbors[pos]
			for j := 0; j < np; j++ {
				dbr := 0.0
				for a, id := range nb {
					dbr += f.GradB[pos][j][a] * r[id]
				}
				dd := f.GradD[pos][j]
				acc[j] += 0.5 * (dd/d - e*e*dd/(d*d) - 2*e*dbr/d)
			}
		}
	})
}

// Fisher returns the expected information of the Vecchia likelihood w.r.t.
// the log-parameters.
func (f *Factors) Fisher() *mat.SymDense {
	np := f.numPars
	flat := parallel.ReduceSum(len(f.D), 0, f.workers, np*np, func(start, end int, acc []float64) {
		for pos := start; pos < end; pos++ {
			d := f.D[pos]
			m := len(f.st.Neighbors[pos])
			sdb := make([][]float64, np)
			if m > 0 {
				for j := 0; j < np; j++ {
					v := mat.NewVecDense(m, nil)
					v.MulVec(f.sigmaNN[pos], mat.NewVecDense(m, f.GradB[pos][j]))
					sdb[j] = v.RawVector().Data
				}
			}
			for j := 0; j < np; j++ {
				for l := j; l < np; l++ {
					v := 0.5 * f.GradD[pos][j] * f.GradD[pos][l] / (d * d)
					if m > 0 {
						v += floats.Dot(f.GradB[pos][j], sdb[l]) / d
					}
					acc[j*np+l] += v
				}
			}
		}
	})
	info := mat.NewSymDense(np, nil)
	for j := 0; j < np; j++ {
		for l := j; l < np; l++ {
			info.SetSym(j, l, flat[j*np+l])
		}
	}
	return info
}

// ApplyPrecision returns Σ̃⁻¹v = (I−A)ᵀD⁻¹(I−A)v.
func (f *Factors) ApplyPrecision(v []float64) []float64 {
	out := make([]float64, len(v))
	for pos := range f.D {
		u := f.residual(pos, v) / f.D[pos]
		out[f.st.Order[pos]] += u
		for a, id := range f.st.Neighbors[pos] {
			out[id] -= f.B[pos][a] * u
		}
	}
	return out
}

// QuadForm returns vᵀΣ̃⁻¹v.
func (f *Factors) QuadForm(v []float64) float64 {
	s := 0.0
	for pos, d := range f.D {
		e := f.residual(pos, v)
		s += e * e / d
	}
	return s
}

// ApplyPrecisionGrad returns (∂Σ̃⁻¹/∂log θ_j)v without forming the matrix.
func (f *Factors) ApplyPrecisionGrad(j int, v []float64) []float64 {
	out := make([]float64, len(v))
	for pos, d := range f.D {
		ids, coef := f.row(pos)
		cv := f.residual(pos, v)
		dv := 0.0
		for a, id := range f.st.Neighbors[pos] {
			dv -= f.GradB[pos][j][a] * v[id]
		}
		dd := f.GradD[pos][j] / (d * d)
		for a, id := range ids {
			dc := 0.0
			if a > 0 {
				dc = -f.GradB[pos][j][a-1]
			}
			out[id] += (dc*cv+coef[a]*dv)/d - coef[a]*cv*dd
		}
	}
	return out
}

// PrecisionDiag returns the diagonal of Σ̃⁻¹ indexed by point id.
func (f *Factors) PrecisionDiag() []float64 {
	out := make([]float64, len(f.D))
	for pos, d := range f.D {
		out[f.st.Order[pos]] += 1 / d
		for a, id := range f.st.Neighbors[pos] {
			out[id] += f.B[pos][a] * f.B[pos][a] / d
		}
	}
	return out
}

// Precision returns the dense precision matrix Σ̃⁻¹ indexed by point id.
func (f *Factors) Precision() *mat.SymDense {
	n := len(f.D)
	q := mat.NewSymDense(n, nil)
	for pos := range f.D {
		ids, coef := f.row(pos)
		addOuter(q, ids, coef, coef, 1/f.D[pos])
	}
	return q
}

// PrecisionGrad returns ∂Σ̃⁻¹/∂log θ_j.
func (f *Factors) PrecisionGrad(j int) *mat.SymDense {
	n := len(f.D)
	dq := mat.NewSymDense(n, nil)
	for pos := range f.D {
		ids, coef := f.row(pos)
		dcoef := make([]float64, len(coef))
		for a := range f.st.Neighbors[pos] {
			dcoef[a+1] = -f.GradB[pos][j][a]
		}
		d := f.D[pos]
		addOuter(dq, ids, dcoef, coef, 1/d)
		addOuter(dq, ids, coef, dcoef, 1/d)
		addOuter(dq, ids, coef, coef, -f.GradD[pos][j]/(d*d))
	}
	return dq
}

// LogDetGrad returns ∂log|Σ̃|/∂log θ = Σ ∂d_k/d_k.
func (f *Factors) LogDetGrad() []float64 {
	g := make([]float64, f.numPars)
	for pos, d := range f.D {
		for j := range g {
			g[j] += f.GradD[pos][j] / d
		}
	}
	return g
}

// row returns the non-zero ids and values of row pos of I−A.
func (f *Factors) row(pos int) ([]int, []float64) {
	nb := f.st.Neighbors[pos]
	ids := make([]int, 0, len(nb)+1)
	coef := make([]float64, 0, len(nb)+1)
	ids = append(ids, f.st.Order[pos])
	coef = append(coef, 1)
	for a, id := range nb {
		ids = append(ids, id)
		coef = append(coef, -f.B[pos][a])
	}
	return ids, coef
}

// addOuter adds s·(u vᵀ + v uᵀ)/2 restricted to ids; with u == v this is s·u uᵀ.
func addOuter(q *mat.SymDense, ids []int, u, v []float64, s float64) {
	for a := range ids {
		for c := range ids {
			ia, ic := ids[a], ids[c]
			if ia > ic {
				continue
			}
			val := s * u[a] * v[c]
			if ia == ic {
				q.SetSym(ia, ia, q.At(ia, ia)+val)
				continue
			}
			// the (ic, ia) contribution s·u[c]·v[a] lands on the same entry
			q.SetSym(ia, ic, q.At(ia, ic)+0.5*(val+s*u[c]*v[a]))
		}
	}
}
