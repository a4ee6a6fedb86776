package vecchia

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gpboost/core/parallel"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

// PredictionInput describes a prediction problem over a combined point set:
// ids [0, NumObs) are observed, ids [NumObs, NumObs+nPred) are prediction
// points.
type PredictionInput struct {
	Coords       *mat.Dense
	NumObs       int
	Obs          *Structure
	Kernel       Kernel
	NumNeighbors int
	Mode         string
	Workers      int
}

// Conditional is the linear-Gaussian map pred | obs ~ N(M·v_obs, Cov).
type Conditional struct {
	// M is nPred × nObs.
	M *mat.Dense
	// Cov is the conditional covariance of the prediction points.
	Cov *mat.SymDense
}

// Predict computes the conditional distribution of the prediction points
// given the observed points under the selected Vecchia prediction mode.
func Predict(in PredictionInput) (*Conditional, error) {
	if err := ValidatePredType(in.Mode); err != nil {
		return nil, err
	}
	if in.NumNeighbors <= 0 {
		return nil, errors.NewValidationError("num_neighbors_pred", "number of neighbors must be positive", in.NumNeighbors)
	}
	total, _ := in.Coords.Dims()
	if in.NumObs <= 0 || in.NumObs >= total {
		return nil, errors.NewDimensionError("vecchia.Predict", in.NumObs, total, 0)
	}
	switch in.Mode {
	case PredOrderObsFirstCondObsOnly:
		return predictCondObsOnly(in, total)
	case PredOrderObsFirstCondAll:
		return predictCondAll(in, total)
	default:
		return predictPredFirst(in, total)
	}
}

func obsIDs(in PredictionInput) []int {
	if in.Obs != nil {
		return in.Obs.Order
	}
	ids := make([]int, in.NumObs)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// conditionOn returns b = Σ_NN⁻¹Σ_Ni and d = Σ_ii − Σ_Niᵀb.
func conditionOn(k Kernel, i int, nb []int) ([]float64, float64, error) {
	sii := k.Cov(i, i)
	m := len(nb)
	if m == 0 {
		return []float64{}, sii, nil
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
		return nil, 0, errors.Wrapf(errors.ErrSingularMatrix, "vecchia: neighbor covariance of prediction point %d", i)
	}
	b := mat.NewVecDense(m, nil)
	if err := chol.SolveVecTo(b, mat.NewVecDense(m, sni)); err != nil {
		return nil, 0, errors.Wrapf(errors.ErrSingularMatrix, "vecchia: neighbor covariance of prediction point %d", i)
	}
	d := sii - floats.Dot(sni, b.RawVector().Data)
	if d < 0 {
		d = 0
	}
	return b.RawVector().Data, d, nil
}

// predictCondObsOnly conditions every prediction point on its nearest
// observed points only; the conditional covariance is diagonal.
func predictCondObsOnly(in PredictionInput, total int) (*Conditional, error) {
	nPred := total - in.NumObs
	cands := obsIDs(in)
	out := &Conditional{M: mat.NewDense(nPred, in.NumObs, nil), Cov: mat.NewSymDense(nPred, nil)}
	errs := make([]error, nPred)
	parallel.Parallelize(nPred, in.Workers, func(start, end int) {
		for p := start; p < end; p++ {
			id := in.NumObs + p
			nb := Nearest(in.Coords, in.Coords.RawRowView(id), cands, in.NumNeighbors)
			b, d, err := conditionOn(in.Kernel, id, nb)
			if err != nil {
				errs[p] = err
				continue
			}
			for a, o := range nb {
				out.M.Set(p, o, b[a])
			}
			out.Cov.SetSym(p, p, d)
		}
	})
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// predictCondAll orders prediction points after the observations and lets
// them condition on observed and earlier prediction points. With A_pp
// strictly lower triangular, (I−A_pp) v_p = A_po v_o + e gives
// M = (I−A_pp)⁻¹A_po and Cov = (I−A_pp)⁻¹D(I−A_pp)⁻ᵀ by forward substitution.
func predictCondAll(in PredictionInput, total int) (*Conditional, error) {
	nPred := total - in.NumObs
	obs := obsIDs(in)
	app := make([][]float64, nPred)
	apo := mat.NewDense(nPred, in.NumObs, nil)
	dp := make([]float64, nPred)
	nbs := make([][]int, nPred)

	errs := make([]error, nPred)
	parallel.Parallelize(nPred, in.Workers, func(start, end int) {
		for p := start; p < end; p++ {
			id := in.NumObs + p
			cands := make([]int, 0, len(obs)+p)
			cands = append(cands, obs...)
			for q := 0; q < p; q++ {
				cands = append(cands, in.NumObs+q)
			}
			nb := Nearest(in.Coords, in.Coords.RawRowView(id), cands, in.NumNeighbors)
			b, d, err := conditionOn(in.Kernel, id, nb)
			if err != nil {
				errs[p] = err
				continue
			}
			app[p] = make([]float64, p)
			for a, o := range nb {
				if o < in.NumObs {
					apo.Set(p, o, b[a])
				} else {
					app[p][o-in.NumObs] = b[a]
				}
			}
			dp[p] = d
			nbs[p] = nb
		}
	})
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	// rows of M and of L⁻¹ = (I−A_pp)⁻¹ by forward substitution
	m := mat.NewDense(nPred, in.NumObs, nil)
	linv := mat.NewDense(nPred, nPred, nil)
	for p := 0; p < nPred; p++ {
		mrow := m.RawRowView(p)
		copy(mrow, apo.RawRowView(p))
		lrow := linv.RawRowView(p)
		lrow[p] = 1
		for _, o := range nbs[p] {
			if o < in.NumObs {
				continue
			}
			q := o - in.NumObs
			floats.AddScaled(mrow, app[p][q], m.RawRowView(q))
			floats.AddScaled(lrow[:q+1], app[p][q], linv.RawRowView(q)[:q+1])
		}
	}

	cov := mat.NewSymDense(nPred, nil)
	for p := 0; p < nPred; p++ {
		for q := p; q < nPred; q++ {
			s := 0.0
			lp, lq := linv.RawRowView(p), linv.RawRowView(q)
			for r := 0; r <= p; r++ {
				s += lp[r] * dp[r] * lq[r]
			}
			cov.SetSym(p, q, s)
		}
	}
	return &Conditional{M: m, Cov: cov}, nil
}

// predictPredFirst orders the prediction points first and the observations
// after them; with the joint precision Q, M = −Q_pp⁻¹Q_po and Cov = Q_pp⁻¹.
func predictPredFirst(in PredictionInput, total int) (*Conditional, error) {
	nPred := total - in.NumObs
	order := make([]int, 0, total)
	for p := 0; p < nPred; p++ {
		order = append(order, in.NumObs+p)
	}
	order = append(order, obsIDs(in)...)
	st := &Structure{Order: order, Neighbors: FindNeighbors(in.Coords, order, in.NumNeighbors, in.Workers)}
	f, err := Compute(st, in.Kernel, false, in.Workers)
	if err != nil {
		return nil, err
	}
	q := f.Precision()

	qpp := mat.NewSymDense(nPred, nil)
	qpo := mat.NewDense(nPred, in.NumObs, nil)
	for p := 0; p < nPred; p++ {
		for r := p; r < nPred; r++ {
			qpp.SetSym(p, r, q.At(in.NumObs+p, in.NumObs+r))
		}
		for o := 0; o < in.NumObs; o++ {
			qpo.Set(p, o, q.At(in.NumObs+p, o))
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(qpp) {
		return nil, errors.Wrap(errors.ErrSingularMatrix, "vecchia: prediction precision")
	}
	cov := mat.NewSymDense(nPred, nil)
	if err := chol.InverseTo(cov); err != nil {
		return nil, errors.Wrap(errors.ErrSingularMatrix, "vecchia: prediction precision")
	}
	m := mat.NewDense(nPred, in.NumObs, nil)
	if err := chol.SolveTo(m, qpo); err != nil {
		return nil, errors.Wrap(errors.ErrSingularMatrix, "vecchia: prediction precision")
	}
	m.Scale(-1, m)
	return &Conditional{M: m, Cov: cov}, nil
}
