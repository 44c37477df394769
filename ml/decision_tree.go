package ml

import (
	"errors"
	"math"
	"math/rand"
	"sort"
)

type DecisionTree struct {
	nodes           []TreeNode
	numClasses      int
	maxDepth        int
	minSamplesSplit int
	maxFeatures     int
	rng             *rand.Rand
}

// TreeNode is one node of a tree stored in pre-order: children always sit at a
// higher index than their parent. Leaves carry the class distribution of the
// training samples that reached them.
type TreeNode struct {
	FeatureIdx   int       `json:"feature_idx"`
	Threshold    float64   `json:"threshold"`
	LeftChild    int       `json:"left_child"`
	RightChild   int       `json:"right_child"`
	ClassLabel   int       `json:"class_label"`
	IsLeaf       bool      `json:"is_leaf"`
	Distribution []float64 `json:"distribution,omitempty"`
}

func NewDecisionTree(maxDepth, numClasses int) *DecisionTree {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	return &DecisionTree{
		numClasses:      numClasses,
		maxDepth:        maxDepth,
		minSamplesSplit: 2,
	}
}

// withFeatureSampling makes every split consider a random subset of k features.
func (dt *DecisionTree) withFeatureSampling(k int, rng *rand.Rand) *DecisionTree {
	dt.maxFeatures = k
	dt.rng = rng
	return dt
}

func (dt *DecisionTree) Train(features [][]float64, labels []int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	if dt.numClasses <= 0 {
		return errors.New("number of classes must be positive")
	}
	width := len(features[0])
	if width == 0 {
		return errors.New("features have no columns")
	}
	for _, row := range features {
		if len(row) != width {
			return errors.New("features have inconsistent widths")
		}
	}
	for _, label := range labels {
		if label < 0 || label >= dt.numClasses {
			return errors.New("label out of range")
		}
	}

	dt.nodes = dt.buildNode(features, labels, 0)
	return nil
}

// Predict returns the most likely class and its probability.
func (dt *DecisionTree) Predict(features []float64) (int, float64, error) {
	dist, err := dt.PredictProba(features)
	if err != nil {
		return 0, 0, err
	}
	best := argmax(dist)
	return best, dist[best], nil
}

func (dt *DecisionTree) PredictProba(features []float64) ([]float64, error) {
	leaf, err := dt.leaf(features)
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), leaf.Distribution...), nil
}

func (dt *DecisionTree) leaf(features []float64) (*TreeNode, error) {
	if len(dt.nodes) == 0 {
		return nil, errors.New("model not trained")
	}
	idx := 0
	for {
		node := &dt.nodes[idx]
		if node.IsLeaf {
			return node, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return nil, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(dt.nodes) {
			return nil, errors.New("invalid tree state")
		}
	}
}

func (dt *DecisionTree) buildNode(features [][]float64, labels []int, depth int) []TreeNode {
	if depth >= dt.maxDepth || len(labels) < dt.minSamplesSplit || isPure(labels) {
		return []TreeNode{dt.leafNode(labels)}
	}

	bestFeature, threshold, ok := findBestSplit(features, labels, dt.candidateFeatures(len(features[0])))
	if !ok {
		return []TreeNode{dt.leafNode(labels)}
	}

	leftFeatures, leftLabels, rightFeatures, rightLabels := splitData(features, labels, bestFeature, threshold)
	if len(leftLabels) == 0 || len(rightLabels) == 0 {
		return []TreeNode{dt.leafNode(labels)}
	}

	leftNodes := dt.buildNode(leftFeatures, leftLabels, depth+1)
	rightNodes := dt.buildNode(rightFeatures, rightLabels, depth+1)

	root := TreeNode{
		FeatureIdx: bestFeature,
		Threshold:  threshold,
		LeftChild:  1,
		RightChild: 1 + len(leftNodes),
		ClassLabel: majorityLabel(labels),
		IsLeaf:     false,
	}

	nodes := make([]TreeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, shiftNodes(leftNodes, 1)...)
	nodes = append(nodes, shiftNodes(rightNodes, 1+len(leftNodes))...)
	return nodes
}

func (dt *DecisionTree) leafNode(labels []int) TreeNode {
	return TreeNode{
		FeatureIdx:   -1,
		LeftChild:    -1,
		RightChild:   -1,
		ClassLabel:   majorityLabel(labels),
		IsLeaf:       true,
		Distribution: classDistribution(labels, dt.numClasses),
	}
}

func (dt *DecisionTree) candidateFeatures(featureCount int) []int {
	all := make([]int, featureCount)
	for i := range all {
		all[i] = i
	}
	if dt.rng == nil || dt.maxFeatures <= 0 || dt.maxFeatures >= featureCount {
		return all
	}
	dt.rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	subset := all[:dt.maxFeatures]
	sort.Ints(subset)
	return subset
}

// shiftNodes rebases child indices of a subtree placed at offset.
func shiftNodes(nodes []TreeNode, offset int) []TreeNode {
	for i := range nodes {
		if nodes[i].IsLeaf {
			continue
		}
		nodes[i].LeftChild += offset
		nodes[i].RightChild += offset
	}
	return nodes
}

// findBestSplit tries the midpoint between every pair of adjacent distinct
// values of each candidate feature and keeps the lowest weighted gini.
func findBestSplit(features [][]float64, labels []int, candidates []int) (int, float64, bool) {
	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	for _, featureIdx := range candidates {
		values := make([]float64, len(features))
		for i := range features {
			values[i] = features[i][featureIdx]
		}
		for _, threshold := range midpoints(values) {
			leftLabels, rightLabels := splitLabels(features, labels, featureIdx, threshold)
			if len(leftLabels) == 0 || len(rightLabels) == 0 {
				continue
			}
			impurity := weightedGini(leftLabels, rightLabels)
			if impurity < bestImpurity {
				bestImpurity = impurity
				bestFeature = featureIdx
				bestThreshold = threshold
			}
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

func splitData(features [][]float64, labels []int, featureIdx int, threshold float64) ([][]float64, []int, [][]float64, []int) {
	leftFeatures := make([][]float64, 0)
	leftLabels := make([]int, 0)
	rightFeatures := make([][]float64, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftFeatures = append(leftFeatures, feature)
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightFeatures = append(rightFeatures, feature)
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftFeatures, leftLabels, rightFeatures, rightLabels
}

func splitLabels(features [][]float64, labels []int, featureIdx int, threshold float64) ([]int, []int) {
	leftLabels := make([]int, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftLabels, rightLabels
}

func weightedGini(leftLabels, rightLabels []int) float64 {
	leftWeight := float64(len(leftLabels))
	rightWeight := float64(len(rightLabels))
	total := leftWeight + rightWeight
	return (leftWeight/total)*gini(leftLabels) + (rightWeight/total)*gini(rightLabels)
}

func gini(labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	counts := make(map[int]int)
	for _, label := range labels {
		counts[label]++
	}
	impurity := 1.0
	for _, count := range counts {
		prob := float64(count) / float64(len(labels))
		impurity -= prob * prob
	}
	return impurity
}

func midpoints(values []float64) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	out := make([]float64, 0, len(sorted))
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1] {
			out = append(out, (sorted[i-1]+sorted[i])/2)
		}
	}
	return out
}

func classDistribution(labels []int, numClasses int) []float64 {
	dist := make([]float64, numClasses)
	if len(labels) == 0 {
		for i := range dist {
			dist[i] = 1 / float64(numClasses)
		}
		return dist
	}
	for _, label := range labels {
		dist[label]++
	}
	for i := range dist {
		dist[i] /= float64(len(labels))
	}
	return dist
}

// majorityLabel breaks ties towards the lowest class index.
func majorityLabel(labels []int) int {
	counts := make(map[int]int)
	for _, label := range labels {
		counts[label]++
	}
	bestLabel := 0
	bestCount := -1
	for label, count := range counts {
		if count > bestCount || (count == bestCount && label < bestLabel) {
			bestCount = count
			bestLabel = label
		}
	}
	return bestLabel
}

func isPure(labels []int) bool {
	if len(labels) == 0 {
		return true
	}
	first := labels[0]
	for _, label := range labels[1:] {
		if label != first {
			return false
		}
	}
	return true
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
