package models

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Ensemble is a bootstrap-aggregated regression tree ensemble over
// tabular feature rows. Each tree trains on a bootstrap resample of the
// rows and considers a random subset of features at every split, which
// decorrelates the trees; predictions average across them.
//
// All randomness flows from a single seeded source, so two ensembles
// fitted with the same seed on the same data predict identically.
type Ensemble struct {
	// NumTrees is the number of trees in the ensemble.
	NumTrees int

	// Seed initializes the random source used for bootstrap sampling
	// and feature subset selection.
	Seed int64

	// MinSplit is the minimum number of rows a node needs to split.
	MinSplit int

	trees       []regTree
	numFeatures int
}

// EnsembleState is the serializable fitted state of an Ensemble.
type EnsembleState struct {
	NumTrees    int       `json:"num_trees"`
	Seed        int64     `json:"seed"`
	NumFeatures int       `json:"num_features"`
	Trees       []regTree `json:"trees"`
}

// regTree is a regression tree stored as a flat node array. Index 0 is
// the root; leaves carry the mean target of their training rows.
type regTree struct {
	Nodes []treeNode `json:"nodes"`
}

type treeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
	Leaf      bool    `json:"leaf"`
}

// Metrics summarizes regression quality on a held-out set.
type Metrics struct {
	MSE      float64 `json:"mse"`
	RSquared float64 `json:"r_squared"`
}

// NewEnsemble returns an Ensemble with the default configuration: 100
// trees, seed 42, split nodes of at least 2 rows.
func NewEnsemble() *Ensemble {
	return &Ensemble{
		NumTrees: 100,
		Seed:     42,
		MinSplit: 2,
	}
}

// NewEnsembleFromState restores a fitted Ensemble from a previously
// exported state.
func NewEnsembleFromState(state EnsembleState) *Ensemble {
	return &Ensemble{
		NumTrees:    state.NumTrees,
		Seed:        state.Seed,
		MinSplit:    2,
		trees:       state.Trees,
		numFeatures: state.NumFeatures,
	}
}

// Name returns the model identifier.
func (m *Ensemble) Name() string {
	return "ensemble"
}

// Fitted reports whether the model has been fitted.
func (m *Ensemble) Fitted() bool {
	return len(m.trees) > 0
}

// State returns the serializable fitted state.
func (m *Ensemble) State() (EnsembleState, error) {
	if !m.Fitted() {
		return EnsembleState{}, ErrNotFitted
	}
	return EnsembleState{
		NumTrees:    m.NumTrees,
		Seed:        m.Seed,
		NumFeatures: m.numFeatures,
		Trees:       m.trees,
	}, nil
}

// Fit trains the ensemble on feature rows x and targets y.
//
// Each tree sees a bootstrap resample of the rows and evaluates
// max(1, p/3) randomly chosen features per split, growing until nodes
// are pure or smaller than MinSplit.
func (m *Ensemble) Fit(ctx context.Context, x [][]float64, y []float64) error {
	if len(x) == 0 || len(x) != len(y) {
		return fmt.Errorf("%w: %d feature rows for %d targets", ErrFitFailure, len(x), len(y))
	}
	m.numFeatures = len(x[0])
	for i, row := range x {
		if len(row) != m.numFeatures {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrFitFailure, i, len(row), m.numFeatures)
		}
	}

	mtry := m.numFeatures / 3
	if mtry < 1 {
		mtry = 1
	}

	rng := rand.New(rand.NewSource(m.Seed))
	n := len(x)
	trees := make([]regTree, 0, m.NumTrees)

	for t := 0; t < m.NumTrees; t++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		sample := make([]int, n)
		for i := range sample {
			sample[i] = rng.Intn(n)
		}

		b := &treeBuilder{x: x, y: y, mtry: mtry, minSplit: m.MinSplit, rng: rng}
		b.grow(sample)
		trees = append(trees, regTree{Nodes: b.nodes})
	}

	m.trees = trees
	return nil
}

// Predict averages the per-tree predictions for each feature row and
// clamps the result at zero.
func (m *Ensemble) Predict(ctx context.Context, x [][]float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.Fitted() {
		return nil, ErrNotFitted
	}

	out := make([]float64, len(x))
	for i, row := range x {
		if len(row) != m.numFeatures {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), m.numFeatures)
		}
		var sum float64
		for _, t := range m.trees {
			sum += t.predict(row)
		}
		out[i] = sum / float64(len(m.trees))
	}

	clampNonNegative(out)
	return out, nil
}

// Score evaluates the fitted ensemble on a held-out set.
func (m *Ensemble) Score(ctx context.Context, x [][]float64, y []float64) (Metrics, error) {
	pred, err := m.Predict(ctx, x)
	if err != nil {
		return Metrics{}, err
	}

	var sse float64
	for i := range y {
		d := y[i] - pred[i]
		sse += d * d
	}

	return Metrics{
		MSE:      sse / float64(len(y)),
		RSquared: stat.RSquaredFrom(pred, y, nil),
	}, nil
}

func (t regTree) predict(row []float64) float64 {
	i := 0
	for {
		node := t.Nodes[i]
		if node.Leaf {
			return node.Value
		}
		if row[node.Feature] <= node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
	}
}

// treeBuilder grows a single regression tree over bootstrap sample
// indices, appending nodes depth-first into a flat array.
type treeBuilder struct {
	x        [][]float64
	y        []float64
	mtry     int
	minSplit int
	rng      *rand.Rand
	nodes    []treeNode
}

// grow builds the subtree for the given sample indices and returns its
// node index.
func (b *treeBuilder) grow(sample []int) int {
	var sum float64
	for _, i := range sample {
		sum += b.y[i]
	}
	mean := sum / float64(len(sample))

	if len(sample) < b.minSplit || b.pure(sample) {
		return b.leaf(mean)
	}

	feature, threshold, ok := b.bestSplit(sample)
	if !ok {
		return b.leaf(mean)
	}

	var left, right []int
	for _, i := range sample {
		if b.x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return b.leaf(mean)
	}

	idx := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{Feature: feature, Threshold: threshold})
	l := b.grow(left)
	r := b.grow(right)
	b.nodes[idx].Left = l
	b.nodes[idx].Right = r
	return idx
}

func (b *treeBuilder) leaf(value float64) int {
	b.nodes = append(b.nodes, treeNode{Leaf: true, Value: value})
	return len(b.nodes) - 1
}

func (b *treeBuilder) pure(sample []int) bool {
	first := b.y[sample[0]]
	for _, i := range sample[1:] {
		if b.y[i] != first {
			return false
		}
	}
	return true
}

// bestSplit scans a random feature subset for the split minimizing the
// summed squared error of the two children.
func (b *treeBuilder) bestSplit(sample []int) (feature int, threshold float64, ok bool) {
	perm := b.rng.Perm(len(b.x[0]))[:b.mtry]

	best := math.Inf(1)
	order := make([]int, len(sample))

	for _, f := range perm {
		copy(order, sample)
		sort.Slice(order, func(i, j int) bool {
			return b.x[order[i]][f] < b.x[order[j]][f]
		})

		var sumL, sumSqL float64
		var sumR, sumSqR float64
		for _, i := range order {
			sumR += b.y[i]
			sumSqR += b.y[i] * b.y[i]
		}

		for pos := 1; pos < len(order); pos++ {
			yv := b.y[order[pos-1]]
			sumL += yv
			sumSqL += yv * yv
			sumR -= yv
			sumSqR -= yv * yv

			lo := b.x[order[pos-1]][f]
			hi := b.x[order[pos]][f]
			if lo == hi {
				continue
			}

			nL, nR := float64(pos), float64(len(order)-pos)
			sse := (sumSqL - sumL*sumL/nL) + (sumSqR - sumR*sumR/nR)
			if sse < best {
				best = sse
				feature = f
				threshold = (lo + hi) / 2
				ok = true
			}
		}
	}
	return feature, threshold, ok
}
