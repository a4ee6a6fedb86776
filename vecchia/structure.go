// Package vecchia implements the Vecchia approximation of a Gaussian process
// likelihood: points are ordered, each point is conditioned on at most m of
// its nearest predecessors, and the joint density becomes a product of
// univariate conditionals.
package vecchia

import (
	"math/rand/v2"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gpboost/core/parallel"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

// Ordering strategies.
const (
	OrderNone    = "none"
	OrderRandom  = "random"
	OrderMaximin = "maximin"
)

// Prediction modes.
const (
	PredOrderObsFirstCondObsOnly = "order_obs_first_cond_obs_only"
	PredOrderObsFirstCondAll     = "order_obs_first_cond_all"
	PredOrderPredFirst           = "order_pred_first"
)

// ValidateOrdering returns a configuration error for unknown orderings.
func ValidateOrdering(ordering string) error {
	switch ordering {
	case OrderNone, OrderRandom, OrderMaximin:
		return nil
	}
	return errors.NewValidationError("vecchia_ordering", "unknown ordering", ordering)
}

// ValidatePredType returns a configuration error for unknown prediction modes.
func ValidatePredType(mode string) error {
	switch mode {
	case PredOrderObsFirstCondObsOnly, PredOrderObsFirstCondAll, PredOrderPredFirst:
		return nil
	}
	return errors.NewValidationError("vecchia_pred_type", "unknown prediction mode", mode)
}

// Structure is the cached ordering and conditioning sets. It is read-only
// once built.
type Structure struct {
	// Order[k] is the point id placed at position k.
	Order []int
	// Neighbors[k] holds the point ids conditioning position k, nearest first.
	Neighbors [][]int

	// symbolic Cholesky analysis of Σ̃⁻¹ + W, computed on first use
	symMu sync.Mutex
	sym   *symbolic
}

// NumPoints returns the number of ordered points.
func (s *Structure) NumPoints() int { return len(s.Order) }

// Build orders the rows of coords and finds up to m neighbors among the
// predecessors of every point.
func Build(coords *mat.Dense, ordering string, m int, seed uint64, workers int) (*Structure, error) {
	if m <= 0 {
		return nil, errors.NewValidationError("num_neighbors", "number of neighbors must be positive", m)
	}
	order, err := Order(coords, ordering, seed)
	if err != nil {
		return nil, err
	}
	return &Structure{Order: order, Neighbors: FindNeighbors(coords, order, m, workers)}, nil
}

// Order returns a permutation of the rows of coords.
func Order(coords *mat.Dense, ordering string, seed uint64) ([]int, error) {
	n, _ := coords.Dims()
	switch ordering {
	case OrderNone:
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order, nil
	case OrderRandom:
		rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		return rng.Perm(n), nil
	case OrderMaximin:
		return maximinOrder(coords), nil
	}
	return nil, ValidateOrdering(ordering)
}

// maximinOrder starts at the point closest to the centroid and then
// repeatedly appends the point farthest from every point already ordered.
// Ties go to the smaller row index.
func maximinOrder(coords *mat.Dense) []int {
	n, dim := coords.Dims()
	if n == 0 {
		return nil
	}
	center := make([]float64, dim)
	for i := 0; i < n; i++ {
		floats.Add(center, coords.RawRowView(i))
	}
	floats.Scale(1/float64(n), center)

	first, best := 0, floats.Distance(coords.RawRowView(0), center, 2)
	for i := 1; i < n; i++ {
		if d := floats.Distance(coords.RawRowView(i), center, 2); d < best {
			first, best = i, d
		}
	}

	order := make([]int, 0, n)
	used := make([]bool, n)
	minDist := make([]float64, n)
	for i := range minDist {
		minDist[i] = floats.Distance(coords.RawRowView(i), coords.RawRowView(first), 2)
	}
	order = append(order, first)
	used[first] = true

	for len(order) < n {
		next, far := -1, -1.0
		for i := 0; i < n; i++ {
			if !used[i] && minDist[i] > far {
				next, far = i, minDist[i]
			}
		}
		order = append(order, next)
		used[next] = true
		row := coords.RawRowView(next)
		for i := 0; i < n; i++ {
			if !used[i] {
				if d := floats.Distance(coords.RawRowView(i), row, 2); d < minDist[i] {
					minDist[i] = d
				}
			}
		}
	}
	return order
}

// FindNeighbors returns, for every position k, the ids of the (at most) m
// nearest points among order[:k]. Equal distances are broken by the earlier
// position.
func FindNeighbors(coords *mat.Dense, order []int, m, workers int) [][]int {
	nb := make([][]int, len(order))
	parallel.Parallelize(len(order), workers, func(start, end int) {
		for k := start; k < end; k++ {
			nb[k] = Nearest(coords, coords.RawRowView(order[k]), order[:k], m)
		}
	})
	return nb
}

// Nearest returns up to m ids from candidates closest to target. Equal
// distances are broken by position in candidates.
func Nearest(coords *mat.Dense, target []float64, candidates []int, m int) []int {
	if len(candidates) == 0 || m <= 0 {
		return []int{}
	}
	type cand struct {
		pos  int
		dist float64
	}
	cs := make([]cand, len(candidates))
	for p, id := range candidates {
		cs[p] = cand{pos: p, dist: floats.Distance(coords.RawRowView(id), target, 2)}
	}
	sort.Slice(cs, func(a, b int) bool {
		if cs[a].dist != cs[b].dist {
			return cs[a].dist < cs[b].dist
		}
		return cs[a].pos < cs[b].pos
	})
	if m > len(cs) {
		m = len(cs)
	}
	out := make([]int, m)
	for i := 0; i < m; i++ {
		out[i] = candidates[cs[i].pos]
	}
	return out
}
