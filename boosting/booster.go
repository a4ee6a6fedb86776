package boosting

import (
	"context"
	"io"

	"gonum.org/v1/gonum/mat"

	coremodel "github.com/YuminosukeSato/gpboost/core/model"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/remodel"
)

// Booster is a trained tree ensemble together with its random effects
// model.
type Booster struct {
	Trees        []Tree
	InitScore    float64
	LearningRate float64
	NumFeatures  int
	Params       Params
	// TrainScores are the fixed effects F at the training points.
	TrainScores []float64

	RandomEffects RandomEffects
}

// NumTrees returns the number of trees.
func (b *Booster) NumTrees() int { return len(b.Trees) }

// Predict returns the fixed effects F(X) using the first numIteration trees;
// numIteration 0 uses all trees.
func (b *Booster) Predict(x *mat.Dense, numIteration int) ([]float64, error) {
	if numIteration < 0 || numIteration > len(b.Trees) {
		return nil, errors.NewPreconditionError("Booster.Predict",
			"num_iteration exceeds the number of trained trees")
	}
	if numIteration == 0 {
		numIteration = len(b.Trees)
	}
	rows, cols := x.Dims()
	if cols != b.NumFeatures {
		return nil, errors.NewDimensionError("Booster.Predict", b.NumFeatures, cols, 1)
	}
	out := make([]float64, rows)
	for i := range out {
		row := x.RawRowView(i)
		s := b.InitScore
		for k := 0; k < numIteration; k++ {
			s += b.Trees[k].Predict(row)
		}
		out[i] = s
	}
	return out, nil
}

// randomEffectsPredictor is implemented by *remodel.Model.
type randomEffectsPredictor interface {
	Predict(ctx context.Context, opts remodel.PredictOptions) (*remodel.Prediction, error)
}

// PredictWithRandomEffects returns the prediction of F(X) + random effects.
// The random effects are conditioned on the training response with the
// training fixed effects as offset; opts.FixedEffects and
// opts.FixedEffectsPred are set by the booster.
func (b *Booster) PredictWithRandomEffects(ctx context.Context, x *mat.Dense, numIteration int, opts remodel.PredictOptions) (*remodel.Prediction, error) {
	rp, ok := b.RandomEffects.(randomEffectsPredictor)
	if !ok {
		return nil, errors.NewPreconditionError("Booster.PredictWithRandomEffects", "random effects model cannot predict")
	}
	fixed, err := b.Predict(x, numIteration)
	if err != nil {
		return nil, err
	}
	opts.FixedEffects = b.TrainScores
	opts.FixedEffectsPred = fixed
	return rp.Predict(ctx, opts)
}

// savedBooster is the persisted form of a Booster.
type savedBooster struct {
	Trees         []Tree         `json:"trees"`
	InitScore     float64        `json:"init_score"`
	LearningRate  float64        `json:"learning_rate"`
	NumFeatures   int            `json:"num_features"`
	Params        Params         `json:"params"`
	TrainScores   []float64      `json:"train_scores"`
	RandomEffects *remodel.State `json:"random_effects,omitempty"`
}

type stater interface {
	State() *remodel.State
}

// SaveModel writes the booster and the state of its random effects model.
func (b *Booster) SaveModel(w io.Writer, codec coremodel.Codec) error {
	s := savedBooster{
		Trees:        b.Trees,
		InitScore:    b.InitScore,
		LearningRate: b.LearningRate,
		NumFeatures:  b.NumFeatures,
		Params:       b.Params,
		TrainScores:  b.TrainScores,
	}
	if st, ok := b.RandomEffects.(stater); ok {
		s.RandomEffects = st.State()
	}
	return coremodel.SaveModelToWriter(&s, w, codec)
}

// LoadModel reads a booster written by SaveModel and rebuilds its random
// effects model.
func LoadModel(r io.Reader, opts ...remodel.Option) (*Booster, error) {
	var s savedBooster
	if err := coremodel.LoadModelFromReader(&s, r); err != nil {
		return nil, err
	}
	b := &Booster{
		Trees:        s.Trees,
		InitScore:    s.InitScore,
		LearningRate: s.LearningRate,
		NumFeatures:  s.NumFeatures,
		Params:       s.Params,
		TrainScores:  s.TrainScores,
	}
	if s.RandomEffects != nil {
		m, err := remodel.FromState(s.RandomEffects, opts...)
		if err != nil {
			return nil, err
		}
		b.RandomEffects = m
	}
	return b, nil
}
