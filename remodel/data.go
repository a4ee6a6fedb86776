package remodel

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gpboost/covariance"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

// Data は学習データへの読み取り専用の参照です。モデルは値を変更しません。
type Data struct {
	// Y is the response; it may be nil and supplied at estimation time.
	Y []float64
	// Weights are optional observation weights.
	Weights []float64
	// Groups holds one categorical vector of length n per grouped component.
	Groups [][]string
	// GroupRandCoefData (n × q) holds covariates of grouped random slopes;
	// GroupRandCoefIndex[k] names the grouped component of column k.
	GroupRandCoefData  *mat.Dense
	GroupRandCoefIndex []int
	// Coords (n × d) are GP coordinates.
	Coords *mat.Dense
	// GPRandCoefData (n × r) holds covariates of GP random coefficients.
	GPRandCoefData *mat.Dense
	// X (n × p) are covariates of a linear predictor.
	X *mat.Dense
}

// PredictionData are the random effect inputs of new points.
type PredictionData struct {
	Groups            [][]string
	GroupRandCoefData *mat.Dense
	Coords            *mat.Dense
	GPRandCoefData    *mat.Dense
	// X are the linear predictor covariates of the new points.
	X *mat.Dense
}

// points is a set of rows with random effect inputs.
type points struct {
	n             int
	groups        [][]string
	groupRandCoef *mat.Dense
	coords        *mat.Dense
	gpRandCoef    *mat.Dense
}

func rows(m *mat.Dense) int {
	if m == nil {
		return -1
	}
	r, _ := m.Dims()
	return r
}

func cols(m *mat.Dense) int {
	if m == nil {
		return 0
	}
	_, c := m.Dims()
	return c
}

// numRows infers n from the first non-empty input.
func (d Data) numRows() int {
	switch {
	case d.Y != nil:
		return len(d.Y)
	case len(d.Groups) > 0:
		return len(d.Groups[0])
	case d.Coords != nil:
		return rows(d.Coords)
	case d.X != nil:
		return rows(d.X)
	}
	return 0
}

func (d Data) validate() (int, error) {
	n := d.numRows()
	if n == 0 {
		return 0, errors.Wrap(errors.ErrEmptyData, "New")
	}
	check := func(name string, got int) error {
		if got != n {
			return errors.NewValidationError(name, fmt.Sprintf("expected %d rows", n), got)
		}
		return nil
	}
	if d.Y != nil {
		if err := check("y", len(d.Y)); err != nil {
			return 0, err
		}
	}
	if d.Weights != nil {
		if err := check("weights", len(d.Weights)); err != nil {
			return 0, err
		}
		for _, w := range d.Weights {
			if !(w > 0) {
				return 0, errors.NewValidationError("weights", "weights must be positive", w)
			}
		}
	}
	for k, g := range d.Groups {
		if err := check(fmt.Sprintf("group_data[%d]", k), len(g)); err != nil {
			return 0, err
		}
	}
	if d.GroupRandCoefData != nil {
		if err := check("group_rand_coef_data", rows(d.GroupRandCoefData)); err != nil {
			return 0, err
		}
		if len(d.GroupRandCoefIndex) != cols(d.GroupRandCoefData) {
			return 0, errors.NewValidationError("ind_effect_group_rand_coef",
				"one grouped component index per random coefficient column is required", len(d.GroupRandCoefIndex))
		}
		for _, g := range d.GroupRandCoefIndex {
			if g < 0 || g >= len(d.Groups) {
				return 0, errors.NewValidationError("ind_effect_group_rand_coef", "unknown grouped component", g)
			}
		}
	}
	if d.Coords != nil {
		if err := check("gp_coords", rows(d.Coords)); err != nil {
			return 0, err
		}
	}
	if d.GPRandCoefData != nil {
		if d.Coords == nil {
			return 0, errors.NewValidationError("gp_rand_coef_data", "GP random coefficients require coordinates", cols(d.GPRandCoefData))
		}
		if err := check("gp_rand_coef_data", rows(d.GPRandCoefData)); err != nil {
			return 0, err
		}
	}
	if d.X != nil {
		if err := check("X", rows(d.X)); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (d Data) points(n int) *points {
	return &points{
		n:             n,
		groups:        d.Groups,
		groupRandCoef: d.GroupRandCoefData,
		coords:        d.Coords,
		gpRandCoef:    d.GPRandCoefData,
	}
}

// points validates prediction data against the model structure.
func (pd *PredictionData) points(m *Model) (*points, error) {
	n := 0
	switch {
	case len(pd.Groups) > 0:
		n = len(pd.Groups[0])
	case pd.Coords != nil:
		n = rows(pd.Coords)
	case pd.X != nil:
		n = rows(pd.X)
	}
	if n == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "prediction data")
	}
	if len(pd.Groups) != len(m.train.groups) {
		return nil, errors.NewDimensionError("SetPredictionData", len(m.train.groups), len(pd.Groups), 1)
	}
	for _, g := range pd.Groups {
		if len(g) != n {
			return nil, errors.NewDimensionError("SetPredictionData", n, len(g), 0)
		}
	}
	checkMat := func(name string, train, pred *mat.Dense) error {
		if train == nil {
			return nil
		}
		if pred == nil {
			return errors.NewValidationError(name, "required for prediction", nil)
		}
		if rows(pred) != n {
			return errors.NewDimensionError("SetPredictionData", n, rows(pred), 0)
		}
		if cols(pred) != cols(train) {
			return errors.NewDimensionError("SetPredictionData", cols(train), cols(pred), 1)
		}
		return nil
	}
	if err := checkMat("group_rand_coef_data_pred", m.train.groupRandCoef, pd.GroupRandCoefData); err != nil {
		return nil, err
	}
	if err := checkMat("gp_coords_pred", m.train.coords, pd.Coords); err != nil {
		return nil, err
	}
	if err := checkMat("gp_rand_coef_data_pred", m.train.gpRandCoef, pd.GPRandCoefData); err != nil {
		return nil, err
	}
	return &points{
		n:             n,
		groups:        pd.Groups,
		groupRandCoef: pd.GroupRandCoefData,
		coords:        pd.Coords,
		gpRandCoef:    pd.GPRandCoefData,
	}, nil
}

// concat stacks two point sets; only GP inputs are needed by Vecchia.
func concat(a, b *points) *points {
	out := &points{n: a.n + b.n}
	stack := func(x, y *mat.Dense) *mat.Dense {
		if x == nil {
			return nil
		}
		var s mat.Dense
		s.Stack(x, y)
		return &s
	}
	out.coords = stack(a.coords, b.coords)
	out.gpRandCoef = stack(a.gpRandCoef, b.gpRandCoef)
	out.groupRandCoef = stack(a.groupRandCoef, b.groupRandCoef)
	for k := range a.groups {
		g := make([]string, 0, out.n)
		g = append(g, a.groups[k]...)
		g = append(g, b.groups[k]...)
		out.groups = append(out.groups, g)
	}
	return out
}

// component kinds.
type compKind int

const (
	compGroup compKind = iota
	compGroupRandCoef
	compGP
	compGPRandCoef
)

// component is one random effect with its slice of the parameter vector.
type component struct {
	kind   compKind
	group  int
	col    int
	cov    *covariance.Function
	offset int
	npar   int
	names  []string
}

func buildComponents(d Data, cov *covariance.Function, offset int) []component {
	var comps []component
	for g := range d.Groups {
		comps = append(comps, component{kind: compGroup, group: g, offset: offset, npar: 1,
			names: []string{fmt.Sprintf("Group_%d", g+1)}})
		offset++
	}
	for k := 0; k < cols(d.GroupRandCoefData); k++ {
		g := d.GroupRandCoefIndex[k]
		comps = append(comps, component{kind: compGroupRandCoef, group: g, col: k, offset: offset, npar: 1,
			names: []string{fmt.Sprintf("Group_%d_rand_coef_nb_%d", g+1, k+1)}})
		offset++
	}
	if d.Coords != nil {
		names := make([]string, 0, cov.NumPars())
		for _, s := range cov.ParNames() {
			names = append(names, "GP_"+s)
		}
		comps = append(comps, component{kind: compGP, cov: cov, offset: offset, npar: cov.NumPars(), names: names})
		offset += cov.NumPars()
		for k := 0; k < cols(d.GPRandCoefData); k++ {
			names := make([]string, 0, cov.NumPars())
			for _, s := range cov.ParNames() {
				names = append(names, fmt.Sprintf("GP_rand_coef_nb_%d_%s", k+1, s))
			}
			comps = append(comps, component{kind: compGPRandCoef, col: k, cov: cov, offset: offset, npar: cov.NumPars(), names: names})
			offset += cov.NumPars()
		}
	}
	return comps
}

func (c *component) isGP() bool { return c.kind == compGP || c.kind == compGPRandCoef }

// scale returns the factor multiplying the base covariance of c between
// row i of a and row j of b; ok is false when the rows are independent.
func (c *component) scale(a *points, i int, b *points, j int) (float64, bool) {
	switch c.kind {
	case compGroup:
		return 1, a.groups[c.group][i] == b.groups[c.group][j]
	case compGroupRandCoef:
		if a.groups[c.group][i] != b.groups[c.group][j] {
			return 0, false
		}
		return a.groupRandCoef.At(i, c.col) * b.groupRandCoef.At(j, c.col), true
	case compGP:
		return 1, true
	default:
		return a.gpRandCoef.At(i, c.col) * b.gpRandCoef.At(j, c.col), true
	}
}
