// Package boosting はランダム効果モデルと結合した勾配ブースティング
// （GPBoost）を実装します。
//
// 各ラウンドでランダム効果モデルから固定効果 F に関する勾配と曲率の
// スナップショットを受け取り、回帰木を1本追加します。TrainCovParsEvery
// ラウンドごとに、現在のアンサンブル予測をオフセットとして共分散パラメータを
// 再推定します。
package boosting

import (
	"context"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/gpboost/core/parallel"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/pkg/log"
)

// RandomEffects is the random effects side of the coupling. It never sees
// the trees; the trainer never sees its internals.
type RandomEffects interface {
	NumData() int
	InitialScore() (float64, error)
	GradHess(fixedEffects []float64) ([]float64, []float64, error)
	OptimizeCovPars(ctx context.Context, y, fixedEffects []float64) error
	CurrentCovPars() []float64
	NegLogLikelihood(y, covPars, fixedEffects []float64) (float64, error)
}

// Params are the boosting hyperparameters.
type Params struct {
	NumIterations  int     `json:"num_iterations"`
	LearningRate   float64 `json:"learning_rate"`
	NumLeaves      int     `json:"num_leaves"`
	MaxDepth       int     `json:"max_depth"`
	MinDataInLeaf  int     `json:"min_data_in_leaf"`
	Lambda         float64 `json:"lambda_l2"`
	MinGainToSplit float64 `json:"min_gain_to_split"`

	// TrainCovParsEvery re-estimates the covariance parameters every k
	// rounds (and before the first round); 0 keeps them fixed.
	TrainCovParsEvery int `json:"train_cov_pars_every"`
	// Evaluate computes the negative log-likelihood after every round.
	Evaluate bool `json:"evaluate"`
	// NumThreads is the number of workers for the split search.
	NumThreads int `json:"num_threads"`
}

// DefaultParams returns the default hyperparameters.
func DefaultParams() Params {
	return Params{
		NumIterations:     100,
		LearningRate:      0.1,
		NumLeaves:         31,
		MinDataInLeaf:     20,
		TrainCovParsEvery: 1,
	}
}

func (p *Params) fillDefaults() {
	if p.NumIterations == 0 {
		p.NumIterations = 100
	}
	if p.LearningRate == 0 {
		p.LearningRate = 0.1
	}
	if p.NumLeaves == 0 {
		p.NumLeaves = 31
	}
	if p.MinDataInLeaf == 0 {
		p.MinDataInLeaf = 20
	}
}

func (p Params) validate() error {
	switch {
	case p.NumIterations < 0:
		return errors.NewValidationError("num_iterations", "must be non-negative", p.NumIterations)
	case !(p.LearningRate > 0):
		return errors.NewValidationError("learning_rate", "must be positive", p.LearningRate)
	case p.NumLeaves < 2:
		return errors.NewValidationError("num_leaves", "must be at least 2", p.NumLeaves)
	case p.MinDataInLeaf < 1:
		return errors.NewValidationError("min_data_in_leaf", "must be positive", p.MinDataInLeaf)
	case p.Lambda < 0:
		return errors.NewValidationError("lambda_l2", "must be non-negative", p.Lambda)
	case p.TrainCovParsEvery < 0:
		return errors.NewValidationError("train_cov_pars_every", "must be non-negative", p.TrainCovParsEvery)
	}
	return nil
}

// Trainer grows a tree ensemble on the functional gradient of a random
// effects model.
type Trainer struct {
	params Params
	x      *mat.Dense
	re     RandomEffects

	gradients []float64
	hessians  []float64
	scores    []float64
	trees     []Tree
	initScore float64

	callbacks *callbackList
	logger    log.Logger
}

// NewTrainer validates the inputs and creates a trainer. X (n × p) are the
// covariates of the fixed effects function.
func NewTrainer(params Params, x *mat.Dense, re RandomEffects) (*Trainer, error) {
	params.fillDefaults()
	if err := params.validate(); err != nil {
		return nil, err
	}
	if x == nil {
		return nil, errors.NewValidationError("X", "covariates are required", nil)
	}
	rows, cols := x.Dims()
	if rows != re.NumData() {
		return nil, errors.NewDimensionError("NewTrainer", re.NumData(), rows, 0)
	}
	if err := errors.CheckMatrix("X", x, rows, cols, 0); err != nil {
		return nil, err
	}
	return &Trainer{
		params: params,
		x:      x,
		re:     re,
		logger: log.GetLoggerWithName("boosting"),
	}, nil
}

// WithCallbacks sets the callbacks run after every round.
func (t *Trainer) WithCallbacks(callbacks ...Callback) *Trainer {
	t.callbacks = newCallbackList(callbacks...)
	return t
}

// WithLogger sets the logger.
func (t *Trainer) WithLogger(l log.Logger) *Trainer {
	t.logger = l
	return t
}

// Train runs the boosting rounds and returns the fitted booster. Training
// aborts with a numerical error when a gradient snapshot or the scores are
// not finite, or when an evaluated negative log-likelihood jumps by more
// than one nat per observation in a single round.
func (t *Trainer) Train(ctx context.Context) (*Booster, error) {
	start := time.Now()
	n := t.re.NumData()
	init, err := t.re.InitialScore()
	if err != nil {
		return nil, err
	}
	t.initScore = init
	t.scores = make([]float64, n)
	for i := range t.scores {
		t.scores[i] = init
	}
	t.trees = nil
	prevNLL := math.NaN()

	for iter := 0; iter < t.params.NumIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "boosting cancelled at round %d", iter)
		}
		if t.callbacks != nil {
			t.callbacks.beforeIteration(iter)
		}

		if every := t.params.TrainCovParsEvery; every > 0 && iter%every == 0 {
			if err := t.re.OptimizeCovPars(ctx, nil, t.scores); err != nil {
				return nil, errors.Wrapf(err, "covariance parameters at round %d", iter)
			}
		}

		t.gradients, t.hessians, err = t.re.GradHess(t.scores)
		if err != nil {
			return nil, errors.Wrapf(err, "gradient at round %d", iter)
		}
		if err := errors.CheckNumericalStability("boosting_gradient", t.gradients, iter); err != nil {
			return nil, err
		}
		if err := errors.CheckNumericalStability("boosting_hessian", t.hessians, iter); err != nil {
			return nil, err
		}

		tree := t.buildTree(iter)
		t.trees = append(t.trees, tree)
		t.updateScores(&tree)
		if err := errors.CheckNumericalStability("boosting_scores", t.scores, iter); err != nil {
			return nil, err
		}

		evalResults := map[string]float64{}
		if t.params.Evaluate || t.callbacks != nil {
			nll, err := t.re.NegLogLikelihood(nil, t.re.CurrentCovPars(), t.scores)
			if err != nil {
				return nil, err
			}
			if err := errors.CheckScalar("boosting_neg_log_likelihood", nll, iter); err != nil {
				return nil, err
			}
			if !math.IsNaN(prevNLL) && nll-prevNLL > math.Max(math.Abs(prevNLL), float64(n)) {
				return nil, errors.NewNumericalInstabilityError("boosting_neg_log_likelihood", []float64{prevNLL, nll}, iter)
			}
			prevNLL = nll
			evalResults[EvalNegLogLik] = nll
			t.logger.Debug("boosting round", log.BoostingRoundKey, iter, log.NegLogLikKey, nll)
		}
		if t.callbacks != nil {
			if err := t.callbacks.afterIteration(len(t.trees), t.re.CurrentCovPars(), evalResults); err != nil {
				return nil, errors.Wrapf(err, "callback at round %d", iter)
			}
			if t.callbacks.shouldStop() {
				t.logger.Info("training stopped by callback", log.BoostingRoundKey, iter)
				break
			}
		}
	}

	t.logger.Info("boosting finished",
		log.OperationKey, log.OperationBoost,
		"trees", len(t.trees),
		log.DurationMsKey, time.Since(start).Milliseconds())
	_, p := t.x.Dims()
	return &Booster{
		Trees:         t.trees,
		InitScore:     t.initScore,
		LearningRate:  t.params.LearningRate,
		NumFeatures:   p,
		Params:        t.params,
		TrainScores:   append([]float64(nil), t.scores...),
		RandomEffects: t.re,
	}, nil
}

func (t *Trainer) updateScores(tree *Tree) {
	parallel.ParallelizeWithThreshold(len(t.scores), 1024, t.params.NumThreads, func(start, end int) {
		for i := start; i < end; i++ {
			t.scores[i] += tree.Predict(t.x.RawRowView(i))
		}
	})
}

// splitInfo describes a candidate split.
type splitInfo struct {
	feature    int
	threshold  float64
	gain       float64
	leftCount  int
	rightCount int
}

// treeBuilder grows one tree depth first until NumLeaves is reached.
type treeBuilder struct {
	t      *Trainer
	tree   *Tree
	leaves int
}

func (t *Trainer) buildTree(iter int) Tree {
	tree := Tree{TreeIndex: iter, ShrinkageRate: t.params.LearningRate}
	rows, _ := t.x.Dims()
	root := make([]int, rows)
	for i := range root {
		root[i] = i
	}
	b := &treeBuilder{t: t, tree: &tree, leaves: 1}
	b.buildNode(root, -1, 0)
	tree.NumLeaves = tree.countLeaves()
	return tree
}

func (b *treeBuilder) leaf(indices []int, parent int) int {
	id := len(b.tree.Nodes)
	b.tree.Nodes = append(b.tree.Nodes, Node{
		NodeID:     id,
		ParentID:   parent,
		NodeType:   LeafNode,
		LeafValue:  b.t.leafValue(indices),
		LeafCount:  len(indices),
		LeftChild:  -1,
		RightChild: -1,
	})
	return id
}

func (b *treeBuilder) buildNode(indices []int, parent, depth int) int {
	p := b.t.params
	if (p.MaxDepth > 0 && depth >= p.MaxDepth) || len(indices) < 2*p.MinDataInLeaf || b.leaves >= p.NumLeaves {
		return b.leaf(indices, parent)
	}
	best := b.t.findBestSplit(indices)
	if best.feature < 0 || best.gain <= p.MinGainToSplit {
		return b.leaf(indices, parent)
	}

	id := len(b.tree.Nodes)
	b.tree.Nodes = append(b.tree.Nodes, Node{
		NodeID:       id,
		ParentID:     parent,
		NodeType:     NumericalNode,
		SplitFeature: best.feature,
		Threshold:    best.threshold,
		Gain:         best.gain,
	})
	b.leaves++

	left := make([]int, 0, best.leftCount)
	right := make([]int, 0, best.rightCount)
	for _, i := range indices {
		if b.t.x.At(i, best.feature) <= best.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	l := b.buildNode(left, id, depth+1)
	r := b.buildNode(right, id, depth+1)
	b.tree.Nodes[id].LeftChild = l
	b.tree.Nodes[id].RightChild = r
	return id
}

// findBestSplit searches all features in parallel; ties are resolved in
// favor of the lower feature index.
func (t *Trainer) findBestSplit(indices []int) splitInfo {
	_, cols := t.x.Dims()
	splits := make([]splitInfo, cols)
	parallel.Parallelize(cols, t.params.NumThreads, func(start, end int) {
		for j := start; j < end; j++ {
			splits[j] = t.findBestSplitForFeature(indices, j)
		}
	})
	best := splitInfo{feature: -1, gain: math.Inf(-1)}
	for _, s := range splits {
		if s.feature >= 0 && s.gain > best.gain {
			best = s
		}
	}
	return best
}

func (t *Trainer) findBestSplitForFeature(indices []int, feature int) splitInfo {
	type entry struct {
		value float64
		idx   int
	}
	values := make([]entry, len(indices))
	totalGrad, totalHess := 0.0, 0.0
	for k, i := range indices {
		values[k] = entry{value: t.x.At(i, feature), idx: i}
		totalGrad += t.gradients[i]
		totalHess += t.hessians[i]
	}
	sort.SliceStable(values, func(a, b int) bool { return values[a].value < values[b].value })

	best := splitInfo{feature: -1, gain: math.Inf(-1)}
	leftGrad, leftHess := 0.0, 0.0
	minLeaf := t.params.MinDataInLeaf
	for k := 0; k < len(values)-1; k++ {
		leftGrad += t.gradients[values[k].idx]
		leftHess += t.hessians[values[k].idx]
		if values[k].value == values[k+1].value {
			continue
		}
		leftCount := k + 1
		rightCount := len(values) - leftCount
		if leftCount < minLeaf || rightCount < minLeaf {
			continue
		}
		gain := t.splitGain(leftGrad, leftHess, totalGrad-leftGrad, totalHess-leftHess, totalGrad, totalHess)
		if gain > best.gain {
			best = splitInfo{
				feature:    feature,
				threshold:  (values[k].value + values[k+1].value) / 2,
				gain:       gain,
				leftCount:  leftCount,
				rightCount: rightCount,
			}
		}
	}
	return best
}

func (t *Trainer) splitGain(leftGrad, leftHess, rightGrad, rightHess, totalGrad, totalHess float64) float64 {
	lambda := t.params.Lambda
	score := func(g, h float64) float64 { return g * g / (h + lambda + 1e-12) }
	return 0.5 * (score(leftGrad, leftHess) + score(rightGrad, rightHess) - score(totalGrad, totalHess))
}

// leafValue is the Newton step −ΣG/(ΣH+λ).
func (t *Trainer) leafValue(indices []int) float64 {
	sumGrad, sumHess := 0.0, 0.0
	for _, i := range indices {
		sumGrad += t.gradients[i]
		sumHess += t.hessians[i]
	}
	return -sumGrad / (sumHess + t.params.Lambda + 1e-12)
}
