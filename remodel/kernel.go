package remodel

import (
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gpboost/core/parallel"
	"github.com/YuminosukeSato/gpboost/covariance"
)

// parallelThreshold is the row count below which matrices are filled
// sequentially.
const parallelThreshold = 64

// kernel evaluates the covariance of the latent field (plus the nugget on
// observed rows for Gaussian likelihoods) at fixed parameters.
type kernel struct {
	comps  []component
	pars   []float64
	nugget bool
	// weights scale the nugget of observed rows; nil means 1.
	weights []float64
	hasGP   bool
}

func (m *Model) newKernel(pars []float64, withNugget bool) *kernel {
	k := &kernel{comps: m.comps, pars: pars, nugget: withNugget && m.gaussian(), hasGP: m.train.coords != nil}
	if k.nugget {
		k.weights = m.data.Weights
	}
	return k
}

// NumPars returns the length of the parameter vector.
func (k *kernel) NumPars() int { return len(k.pars) }

// cross returns the latent covariance between row i of a and row j of b.
func (k *kernel) cross(a *points, i int, b *points, j int) float64 {
	d := 0.0
	if k.hasGP {
		d = covariance.RowDistance(a.coords, i, b.coords, j)
	}
	s := 0.0
	for c := range k.comps {
		comp := &k.comps[c]
		f, ok := comp.scale(a, i, b, j)
		if !ok {
			continue
		}
		if comp.isGP() {
			s += f * comp.cov.Cov(d, k.pars[comp.offset:comp.offset+comp.npar])
		} else {
			s += f * k.pars[comp.offset]
		}
	}
	return s
}

// crossGrad writes ∂cross/∂log θ into dst (len NumPars); the nugget entry
// is left zero.
func (k *kernel) crossGrad(a *points, i int, b *points, j int, dst []float64) {
	for p := range dst {
		dst[p] = 0
	}
	d := 0.0
	if k.hasGP {
		d = covariance.RowDistance(a.coords, i, b.coords, j)
	}
	for c := range k.comps {
		comp := &k.comps[c]
		f, ok := comp.scale(a, i, b, j)
		if !ok {
			continue
		}
		if comp.isGP() {
			g := dst[comp.offset : comp.offset+comp.npar]
			comp.cov.LogGrad(d, k.pars[comp.offset:comp.offset+comp.npar], g)
			for p := range g {
				g[p] *= f
			}
		} else {
			dst[comp.offset] = f * k.pars[comp.offset]
		}
	}
}

func (k *kernel) nuggetAt(i int) float64 {
	if k.weights != nil {
		return k.pars[0] / k.weights[i]
	}
	return k.pars[0]
}

// sym returns the covariance matrix of a with itself; the nugget is added
// on the diagonal when configured.
func (k *kernel) sym(a *points, workers int) *mat.SymDense {
	s := mat.NewSymDense(a.n, nil)
	parallel.ParallelizeWithThreshold(a.n, parallelThreshold, workers, func(start, end int) {
		for i := start; i < end; i++ {
			for j := i; j < a.n; j++ {
				v := k.cross(a, i, a, j)
				if i == j && k.nugget {
					v += k.nuggetAt(i)
				}
				s.SetSym(i, j, v)
			}
		}
	})
	return s
}

// dense returns the latent cross covariance between a and b.
func (k *kernel) dense(a, b *points, workers int) *mat.Dense {
	out := mat.NewDense(a.n, b.n, nil)
	parallel.ParallelizeWithThreshold(a.n, parallelThreshold, workers, func(start, end int) {
		for i := start; i < end; i++ {
			row := out.RawRowView(i)
			for j := 0; j < b.n; j++ {
				row[j] = k.cross(a, i, b, j)
			}
		}
	})
	return out
}

// symGrad returns ∂Σ/∂log θ_p for every parameter p.
func (k *kernel) symGrad(a *points, workers int) []*mat.SymDense {
	np := len(k.pars)
	out := make([]*mat.SymDense, np)
	for p := range out {
		out[p] = mat.NewSymDense(a.n, nil)
	}
	parallel.ParallelizeWithThreshold(a.n, parallelThreshold, workers, func(start, end int) {
		buf := make([]float64, np)
		for i := start; i < end; i++ {
			for j := i; j < a.n; j++ {
				k.crossGrad(a, i, a, j, buf)
				if i == j && k.nugget {
					buf[0] = k.nuggetAt(i)
				}
				for p := 0; p < np; p++ {
					out[p].SetSym(i, j, buf[p])
				}
			}
		}
	})
	return out
}

// pointKernel adapts kernel to vecchia.Kernel over a point set whose first
// nObs rows are observed.
type pointKernel struct {
	k    *kernel
	pts  *points
	nObs int
}

func (pk *pointKernel) NumPars() int { return len(pk.k.pars) }

func (pk *pointKernel) Cov(i, j int) float64 {
	v := pk.k.cross(pk.pts, i, pk.pts, j)
	if i == j && pk.k.nugget && i < pk.nObs {
		v += pk.k.nuggetAt(i)
	}
	return v
}

func (pk *pointKernel) Grad(i, j int, dst []float64) {
	pk.k.crossGrad(pk.pts, i, pk.pts, j, dst)
	if i == j && pk.k.nugget && i < pk.nObs {
		dst[0] = pk.k.nuggetAt(i)
	}
}
