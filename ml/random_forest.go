package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ForestOptions controls training of a RandomForest.
type ForestOptions struct {
	Trees       int
	MaxDepth    int
	MaxFeatures int // features tried per split; 0 means floor(sqrt(n))
	Seed        int64
}

// RandomForest averages the leaf distributions of bootstrapped decision trees.
// It is immutable once trained or loaded.
type RandomForest struct {
	features []string
	classes  []string
	seed     int64
	trees    []*DecisionTree
}

// TrainRandomForest fits a forest on x (rows of len(features) values) and class
// indices y into classes. The same seed always yields the same forest.
func TrainRandomForest(x [][]float64, y []int, features, classes []string, opts ForestOptions) (*RandomForest, error) {
	if len(features) == 0 {
		return nil, errors.New("feature names are required")
	}
	if len(classes) < 2 {
		return nil, errors.New("at least two classes are required")
	}
	if len(x) == 0 || len(x) != len(y) {
		return nil, errors.New("features and labels size mismatch")
	}
	for i, row := range x {
		if len(row) != len(features) {
			return nil, fmt.Errorf("row %d has %d values, expected %d", i, len(row), len(features))
		}
	}
	if opts.Trees <= 0 {
		opts.Trees = 10
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 8
	}
	if opts.MaxFeatures <= 0 {
		opts.MaxFeatures = int(math.Sqrt(float64(len(features))))
		if opts.MaxFeatures < 1 {
			opts.MaxFeatures = 1
		}
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	forest := &RandomForest{
		features: append([]string(nil), features...),
		classes:  append([]string(nil), classes...),
		seed:     opts.Seed,
		trees:    make([]*DecisionTree, 0, opts.Trees),
	}

	for t := 0; t < opts.Trees; t++ {
		sampleX, sampleY := bootstrap(x, y, rng)
		treeRng := rand.New(rand.NewSource(rng.Int63()))
		tree := NewDecisionTree(opts.MaxDepth, len(classes)).withFeatureSampling(opts.MaxFeatures, treeRng)
		if err := tree.Train(sampleX, sampleY); err != nil {
			return nil, fmt.Errorf("train tree %d: %w", t, err)
		}
		forest.trees = append(forest.trees, tree)
	}
	return forest, nil
}

func bootstrap(x [][]float64, y []int, rng *rand.Rand) ([][]float64, []int) {
	sampleX := make([][]float64, len(x))
	sampleY := make([]int, len(y))
	for i := range x {
		j := rng.Intn(len(x))
		sampleX[i] = x[j]
		sampleY[i] = y[j]
	}
	return sampleX, sampleY
}

func (f *RandomForest) Features() []string {
	return append([]string(nil), f.features...)
}

func (f *RandomForest) Classes() []string {
	return append([]string(nil), f.classes...)
}

func (f *RandomForest) Seed() int64 {
	return f.seed
}

// PredictProba returns one probability per class, in Classes() order,
// normalized to sum to one.
func (f *RandomForest) PredictProba(row []float64) ([]float64, error) {
	if len(f.trees) == 0 {
		return nil, errors.New("model not trained")
	}
	if len(row) != len(f.features) {
		return nil, fmt.Errorf("expected %d features, got %d", len(f.features), len(row))
	}

	sum := make([]float64, len(f.classes))
	for i, tree := range f.trees {
		dist, err := tree.PredictProba(row)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		if len(dist) != len(sum) {
			return nil, fmt.Errorf("tree %d: distribution has %d classes, expected %d", i, len(dist), len(sum))
		}
		for c, p := range dist {
			sum[c] += p
		}
	}

	total := 0.0
	for _, v := range sum {
		total += v
	}
	if total <= 0 {
		return nil, errors.New("degenerate class distribution")
	}
	for c := range sum {
		sum[c] /= total
	}
	return sum, nil
}

// Predict returns the most likely class index and its probability.
func (f *RandomForest) Predict(row []float64) (int, float64, error) {
	dist, err := f.PredictProba(row)
	if err != nil {
		return 0, 0, err
	}
	best := argmax(dist)
	return best, dist[best], nil
}
