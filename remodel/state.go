package remodel

import (
	"gonum.org/v1/gonum/mat"

	coremodel "github.com/YuminosukeSato/gpboost/core/model"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

// Matrix is the serialized form of a dense matrix.
type Matrix struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

func toMatrix(m *mat.Dense) *Matrix {
	if m == nil {
		return nil
	}
	r, c := m.Dims()
	out := &Matrix{Rows: r, Cols: c, Data: make([]float64, 0, r*c)}
	for i := 0; i < r; i++ {
		out.Data = append(out.Data, m.RawRowView(i)...)
	}
	return out
}

func (m *Matrix) dense() (*mat.Dense, error) {
	if m == nil {
		return nil, nil
	}
	if m.Rows <= 0 || m.Cols <= 0 || len(m.Data) != m.Rows*m.Cols {
		return nil, errors.Wrapf(coremodel.ErrCorruptModel, "matrix %dx%d with %d values", m.Rows, m.Cols, len(m.Data))
	}
	return mat.NewDense(m.Rows, m.Cols, append([]float64(nil), m.Data...)), nil
}

// StateData is the serialized training data.
type StateData struct {
	Y                  []float64  `json:"y,omitempty"`
	Weights            []float64  `json:"weights,omitempty"`
	Groups             [][]string `json:"groups,omitempty"`
	GroupRandCoefData  *Matrix    `json:"group_rand_coef_data,omitempty"`
	GroupRandCoefIndex []int      `json:"group_rand_coef_index,omitempty"`
	Coords             *Matrix    `json:"coords,omitempty"`
	GPRandCoefData     *Matrix    `json:"gp_rand_coef_data,omitempty"`
	X                  *Matrix    `json:"x,omitempty"`
}

// State is everything needed to rebuild a model and predict with it.
type State struct {
	Config    Config               `json:"config"`
	Optimizer OptimizerConfig      `json:"optimizer"`
	Data      StateData            `json:"data"`
	Status    coremodel.ModelState `json:"status"`

	CovPars       []float64 `json:"cov_pars,omitempty"`
	Coef          []float64 `json:"coef,omitempty"`
	StdErrCovPars []float64 `json:"std_err_cov_pars,omitempty"`
	StdErrCoef    []float64 `json:"std_err_coef,omitempty"`
	NegLogLik     float64   `json:"neg_log_lik"`

	// training side of the last estimation
	Y            []float64 `json:"fit_y,omitempty"`
	FixedEffects []float64 `json:"fit_fixed_effects,omitempty"`
	FitX         *Matrix   `json:"fit_x,omitempty"`
	Mode         []float64 `json:"mode,omitempty"`

	// CoordsFingerprint guards against restoring onto different coordinates.
	CoordsFingerprint uint64 `json:"coords_fingerprint,omitempty"`
}

// State returns a snapshot of the model.
func (m *Model) State() *State {
	d := m.data
	return &State{
		Config:    m.cfg,
		Optimizer: m.optCfg,
		Data: StateData{
			Y:                  d.Y,
			Weights:            d.Weights,
			Groups:             d.Groups,
			GroupRandCoefData:  toMatrix(d.GroupRandCoefData),
			GroupRandCoefIndex: d.GroupRandCoefIndex,
			Coords:             toMatrix(d.Coords),
			GPRandCoefData:     toMatrix(d.GPRandCoefData),
			X:                  toMatrix(d.X),
		},
		Status:            m.state.GetState(),
		CovPars:           m.covPars,
		Coef:              m.coef,
		StdErrCovPars:     m.stdErrCovPars,
		StdErrCoef:        m.stdErrCoef,
		NegLogLik:         m.negLogLik,
		Y:                 m.y,
		FixedEffects:      m.fixedEffects,
		FitX:              toMatrix(m.x),
		Mode:              m.mode,
		CoordsFingerprint: m.coordsPrint,
	}
}

// FromState rebuilds a model from a snapshot.
func FromState(s *State, opts ...Option) (*Model, error) {
	var d Data
	var err error
	d.Y, d.Weights, d.Groups, d.GroupRandCoefIndex = s.Data.Y, s.Data.Weights, s.Data.Groups, s.Data.GroupRandCoefIndex
	for _, c := range []struct {
		dst **mat.Dense
		src *Matrix
	}{
		{&d.GroupRandCoefData, s.Data.GroupRandCoefData},
		{&d.Coords, s.Data.Coords},
		{&d.GPRandCoefData, s.Data.GPRandCoefData},
		{&d.X, s.Data.X},
	} {
		if *c.dst, err = c.src.dense(); err != nil {
			return nil, err
		}
	}

	m, err := New(s.Config, d, opts...)
	if err != nil {
		return nil, err
	}
	if m.coordsPrint != s.CoordsFingerprint {
		return nil, errors.Wrap(coremodel.ErrCorruptModel, "coordinate fingerprint mismatch")
	}
	if err := m.SetOptimizerConfig(s.Optimizer); err != nil {
		return nil, err
	}
	if s.Status.Estimated {
		if err := m.checkCovPars("FromState", s.CovPars); err != nil {
			return nil, err
		}
	}
	m.covPars = s.CovPars
	m.coef = s.Coef
	m.stdErrCovPars = s.StdErrCovPars
	m.stdErrCoef = s.StdErrCoef
	m.negLogLik = s.NegLogLik
	m.y = s.Y
	m.fixedEffects = s.FixedEffects
	if m.x, err = s.FitX.dense(); err != nil {
		return nil, err
	}
	m.mode = s.Mode
	m.state.SetState(s.Status)
	return m, nil
}

// MarshalState encodes the model state into a compressed, checksummed blob.
func (m *Model) MarshalState(codec coremodel.Codec) ([]byte, error) {
	return coremodel.Encode(m.State(), codec)
}

// UnmarshalState decodes a blob written by MarshalState and rebuilds the
// model.
func UnmarshalState(blob []byte, opts ...Option) (*Model, error) {
	var s State
	if err := coremodel.Decode(blob, &s); err != nil {
		return nil, err
	}
	return FromState(&s, opts...)
}
