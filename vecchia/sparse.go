package vecchia

import (
	"container/heap"
	"math"
	"sort"

	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

// symbolic is the fill-reducing permutation and the non-zero pattern of the
// Cholesky factor of Σ̃⁻¹ + W. It depends only on the conditioning sets, so
// it is shared by every factorization on the same Structure.
type symbolic struct {
	n    int
	perm []int // perm[k] is the point id eliminated k-th
	rank []int // inverse of perm

	// upper triangle of the permuted matrix, compressed by column
	cp, ci []int
	// etree parent of every column, −1 for roots
	parent []int
	// pattern of L by column; the diagonal comes first, rows ascend
	lp, li []int
}

// analysis returns the cached symbolic factorization of st.
func (st *Structure) analysis() *symbolic {
	st.symMu.Lock()
	defer st.symMu.Unlock()
	if st.sym == nil {
		st.sym = analyze(st)
	}
	return st.sym
}

// cliques returns, for every position, the point ids {o_k} ∪ N_k. Each of
// them is a clique in the graph of Σ̃⁻¹.
func (st *Structure) cliques() [][]int {
	out := make([][]int, len(st.Order))
	for pos, id := range st.Order {
		ids := make([]int, 0, len(st.Neighbors[pos])+1)
		ids = append(ids, id)
		ids = append(ids, st.Neighbors[pos]...)
		out[pos] = ids
	}
	return out
}

func analyze(st *Structure) *symbolic {
	n := st.NumPoints()
	cl := st.cliques()

	adj := make([]map[int]struct{}, n)
	for i := range adj {
		adj[i] = map[int]struct{}{}
	}
	for _, ids := range cl {
		for a, u := range ids {
			for _, v := range ids[a+1:] {
				adj[u][v] = struct{}{}
				adj[v][u] = struct{}{}
			}
		}
	}
	s := &symbolic{n: n, perm: minimumDegree(adj)}
	s.rank = make([]int, n)
	for k, id := range s.perm {
		s.rank[id] = k
	}

	// upper pattern of P(Q+W)Pᵀ
	cols := make([][]int, n)
	for k := range cols {
		cols[k] = []int{k}
	}
	for _, ids := range cl {
		for a, u := range ids {
			for _, v := range ids[a+1:] {
				ru, rv := s.rank[u], s.rank[v]
				if ru > rv {
					ru, rv = rv, ru
				}
				cols[rv] = append(cols[rv], ru)
			}
		}
	}
	s.cp = make([]int, n+1)
	for k, rows := range cols {
		sort.Ints(rows)
		uniq := rows[:0]
		for i, r := range rows {
			if i == 0 || r != rows[i-1] {
				uniq = append(uniq, r)
			}
		}
		cols[k] = uniq
		s.cp[k+1] = s.cp[k] + len(uniq)
	}
	s.ci = make([]int, 0, s.cp[n])
	for _, rows := range cols {
		s.ci = append(s.ci, rows...)
	}

	s.etree()

	// column counts from the row patterns, then the row indices in the
	// order the numeric factorization visits them
	counts := make([]int, n)
	stack := make([]int, n)
	mark := make([]int, n)
	for k := 0; k < n; k++ {
		top := s.ereach(k, stack, mark)
		for _, i := range stack[top:] {
			counts[i]++
		}
		counts[k]++
	}
	s.lp = make([]int, n+1)
	for k := 0; k < n; k++ {
		s.lp[k+1] = s.lp[k] + counts[k]
	}
	s.li = make([]int, s.lp[n])
	next := append([]int(nil), s.lp[:n]...)
	for i := range mark {
		mark[i] = 0
	}
	for k := 0; k < n; k++ {
		s.li[next[k]] = k
		next[k]++
		top := s.ereach(k, stack, mark)
		for _, i := range stack[top:] {
			s.li[next[i]] = k
			next[i]++
		}
	}
	return s
}

// etree computes the elimination tree of the upper pattern.
func (s *symbolic) etree() {
	s.parent = make([]int, s.n)
	ancestor := make([]int, s.n)
	for k := 0; k < s.n; k++ {
		s.parent[k], ancestor[k] = -1, -1
		for p := s.cp[k]; p < s.cp[k+1]; p++ {
			for i := s.ci[p]; i != -1 && i < k; {
				inext := ancestor[i]
				ancestor[i] = k
				if inext == -1 {
					s.parent[i] = k
				}
				i = inext
			}
		}
	}
}

// ereach writes the pattern of row k of L (without the diagonal) into
// stack[top:], descendants before ancestors. mark must hold values other
// than k+1 on entry.
func (s *symbolic) ereach(k int, stack, mark []int) int {
	top := s.n
	mark[k] = k + 1
	for p := s.cp[k]; p < s.cp[k+1]; p++ {
		i := s.ci[p]
		if i > k {
			continue
		}
		length := 0
		for ; mark[i] != k+1; i = s.parent[i] {
			stack[length] = i
			length++
			mark[i] = k + 1
		}
		for length > 0 {
			top--
			length--
			stack[top] = stack[length]
		}
	}
	return top
}

// slot returns the index of entry (row, col), row ≤ col, of the upper
// pattern.
func (s *symbolic) slot(row, col int) int {
	rows := s.ci[s.cp[col]:s.cp[col+1]]
	return s.cp[col] + sort.SearchInts(rows, row)
}

// lslot returns the index of entry (row, col) of L or of its selected
// inverse; the pair is reordered so that row ≥ col.
func (s *symbolic) lslot(row, col int) int {
	if row < col {
		row, col = col, row
	}
	rows := s.li[s.lp[col]:s.lp[col+1]]
	return s.lp[col] + sort.SearchInts(rows, row)
}

// minimumDegree returns an elimination order of the graph adj that always
// eliminates a node of least current degree. adj is consumed.
func minimumDegree(adj []map[int]struct{}) []int {
	n := len(adj)
	h := make(degreeHeap, 0, n)
	for v := range adj {
		h = append(h, degreeEntry{node: v, degree: len(adj[v])})
	}
	heap.Init(&h)
	eliminated := make([]bool, n)
	perm := make([]int, 0, n)
	for h.Len() > 0 {
		e := heap.Pop(&h).(degreeEntry)
		v := e.node
		if eliminated[v] || e.degree != len(adj[v]) {
			continue
		}
		eliminated[v] = true
		perm = append(perm, v)

		nb := make([]int, 0, len(adj[v]))
		for u := range adj[v] {
			nb = append(nb, u)
		}
		sort.Ints(nb)
		for _, u := range nb {
			delete(adj[u], v)
		}
		for a, u := range nb {
			for _, w := range nb[a+1:] {
				adj[u][w] = struct{}{}
				adj[w][u] = struct{}{}
			}
		}
		for _, u := range nb {
			heap.Push(&h, degreeEntry{node: u, degree: len(adj[u])})
		}
		adj[v] = nil
	}
	return perm
}

type degreeEntry struct{ node, degree int }

type degreeHeap []degreeEntry

func (h degreeHeap) Len() int { return len(h) }
func (h degreeHeap) Less(i, j int) bool {
	if h[i].degree != h[j].degree {
		return h[i].degree < h[j].degree
	}
	return h[i].node < h[j].node
}
func (h degreeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *degreeHeap) Push(x any)   { *h = append(*h, x.(degreeEntry)) }
func (h *degreeHeap) Pop() any {
	old := *h
	e := old[len(old)-1]
	*h = old[:len(old)-1]
	return e
}

// QWFactor is the sparse Cholesky factor L of P(Σ̃⁻¹ + diag(w))Pᵀ, where P is
// a fill-reducing permutation. It is what the Laplace approximation needs
// for the mode update, the log-determinant and the gradient traces.
type QWFactor struct {
	f   *Factors
	sym *symbolic
	lx  []float64
	// selected inverse on the pattern of L, lazily
	z []float64
}

// FactorQW factorizes Σ̃⁻¹ + diag(w); w is indexed by point id.
func (f *Factors) FactorQW(w []float64) (*QWFactor, error) {
	s := f.st.analysis()
	n := s.n
	if len(w) != n {
		return nil, errors.NewDimensionError("FactorQW", n, len(w), 0)
	}

	cx := make([]float64, len(s.ci))
	for pos := range f.D {
		ids, coef := f.row(pos)
		inv := 1 / f.D[pos]
		for a, u := range ids {
			ru := s.rank[u]
			for c, v := range ids {
				rv := s.rank[v]
				if ru <= rv && (ru < rv || a == c) {
					cx[s.slot(ru, rv)] += coef[a] * coef[c] * inv
				}
			}
		}
	}
	for id, wi := range w {
		r := s.rank[id]
		cx[s.slot(r, r)] += wi
	}

	lx := make([]float64, len(s.li))
	x := make([]float64, n)
	next := append([]int(nil), s.lp[:n]...)
	stack := make([]int, n)
	mark := make([]int, n)
	for k := 0; k < n; k++ {
		top := s.ereach(k, stack, mark)
		for p := s.cp[k]; p < s.cp[k+1]; p++ {
			x[s.ci[p]] = cx[p]
		}
		d := x[k]
		x[k] = 0
		// diagonal of column k sits at lp[k]; off-diagonals follow
		diag := next[k]
		next[k]++
		for ; top < n; top++ {
			i := stack[top]
			lki := x[i] / lx[s.lp[i]]
			x[i] = 0
			for p := s.lp[i] + 1; p < next[i]; p++ {
				x[s.li[p]] -= lx[p] * lki
			}
			d -= lki * lki
			lx[next[i]] = lki
			next[i]++
		}
		if !(d > 0) {
			return nil, errors.Wrapf(errors.ErrSingularMatrix, "vecchia: Q + W is not positive definite at column %d", k)
		}
		lx[diag] = math.Sqrt(d)
	}
	return &QWFactor{f: f, sym: s, lx: lx}, nil
}

// LogDet returns log|Σ̃⁻¹ + W|.
func (c *QWFactor) LogDet() float64 {
	s := 0.0
	for k := 0; k < c.sym.n; k++ {
		s += math.Log(c.lx[c.sym.lp[k]])
	}
	return 2 * s
}

// Solve returns (Σ̃⁻¹ + W)⁻¹b with b indexed by point id.
func (c *QWFactor) Solve(b []float64) []float64 {
	s := c.sym
	x := make([]float64, s.n)
	for k, id := range s.perm {
		x[k] = b[id]
	}
	for j := 0; j < s.n; j++ {
		x[j] /= c.lx[s.lp[j]]
		for p := s.lp[j] + 1; p < s.lp[j+1]; p++ {
			x[s.li[p]] -= c.lx[p] * x[j]
		}
	}
	for j := s.n - 1; j >= 0; j-- {
		for p := s.lp[j] + 1; p < s.lp[j+1]; p++ {
			x[j] -= c.lx[p] * x[s.li[p]]
		}
		x[j] /= c.lx[s.lp[j]]
	}
	out := make([]float64, s.n)
	for k, id := range s.perm {
		out[id] = x[k]
	}
	return out
}

// selectedInverse fills the entries of (LLᵀ)⁻¹ on the pattern of L
// (Takahashi recursion, last column first).
func (c *QWFactor) selectedInverse() []float64 {
	if c.z != nil {
		return c.z
	}
	s := c.sym
	z := make([]float64, len(c.lx))
	for i := s.n - 1; i >= 0; i-- {
		start, end := s.lp[i], s.lp[i+1]
		lii := c.lx[start]
		for p := start + 1; p < end; p++ {
			j := s.li[p]
			sum := 0.0
			for q := start + 1; q < end; q++ {
				sum += c.lx[q] * z[s.lslot(s.li[q], j)]
			}
			z[p] = -sum / lii
		}
		sum := 0.0
		for q := start + 1; q < end; q++ {
			sum += c.lx[q] * z[q]
		}
		z[start] = 1/(lii*lii) - sum/lii
	}
	c.z = z
	return z
}

// InverseAt returns entry (u, v) of (Σ̃⁻¹ + W)⁻¹ for point ids u, v that
// share a conditioning set (or u == v).
func (c *QWFactor) InverseAt(u, v int) float64 {
	z := c.selectedInverse()
	return z[c.sym.lslot(c.sym.rank[u], c.sym.rank[v])]
}

// InverseDiag returns diag((Σ̃⁻¹ + W)⁻¹) indexed by point id.
func (c *QWFactor) InverseDiag() []float64 {
	z := c.selectedInverse()
	out := make([]float64, c.sym.n)
	for k, id := range c.sym.perm {
		out[id] = z[c.sym.lp[k]]
	}
	return out
}

// TracePrecisionGrad returns tr((Σ̃⁻¹ + W)⁻¹ ∂Σ̃⁻¹/∂log θ_j). Only entries of
// the inverse inside the conditioning sets are needed.
func (c *QWFactor) TracePrecisionGrad(j int) float64 {
	f := c.f
	tr := 0.0
	for pos := range f.D {
		ids, coef := f.row(pos)
		d := f.D[pos]
		dcoef := make([]float64, len(coef))
		for a := range f.st.Neighbors[pos] {
			dcoef[a+1] = -f.GradB[pos][j][a]
		}
		zc := make([]float64, len(ids))
		for a, u := range ids {
			for b, v := range ids {
				zc[a] += c.InverseAt(u, v) * coef[b]
			}
		}
		dz, cz := 0.0, 0.0
		for a := range ids {
			dz += dcoef[a] * zc[a]
			cz += coef[a] * zc[a]
		}
		tr += 2*dz/d - cz*f.GradD[pos][j]/(d*d)
	}
	return tr
}

// NumNonZero returns the number of stored entries of L.
func (c *QWFactor) NumNonZero() int { return len(c.lx) }
