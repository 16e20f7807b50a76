package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// DecisionTree is a CART classifier stored as a flat node slice. Child
// indices are absolute positions in Nodes; the root is Nodes[0].
type DecisionTree struct {
	Nodes       []TreeNode `json:"nodes"`
	NumFeatures int        `json:"num_features"`
}

type TreeNode struct {
	FeatureIdx int           `json:"feature_idx"`
	Threshold  float64       `json:"threshold"`
	LeftChild  int           `json:"left_child"`
	RightChild int           `json:"right_child"`
	IsLeaf     bool          `json:"is_leaf"`
	Proba      Probabilities `json:"proba"`
}

type treeBuilder struct {
	features    [][]float64
	labels      []int
	maxFeatures int
	maxDepth    int
	rnd         *rand.Rand
	nodes       []TreeNode
}

// growTree fits a tree on the rows named by indices (repeats act as weights).
// maxFeatures features are drawn per split; maxDepth <= 0 means unlimited.
func growTree(features [][]float64, labels []int, indices []int, maxFeatures, maxDepth int, rnd *rand.Rand) (*DecisionTree, error) {
	if len(indices) == 0 {
		return nil, errors.New("no samples to grow tree")
	}
	width := len(features[0])
	if maxFeatures <= 0 || maxFeatures > width {
		maxFeatures = width
	}
	b := &treeBuilder{
		features:    features,
		labels:      labels,
		maxFeatures: maxFeatures,
		maxDepth:    maxDepth,
		rnd:         rnd,
	}
	b.build(indices, 0)
	return &DecisionTree{Nodes: b.nodes, NumFeatures: width}, nil
}

func (b *treeBuilder) build(indices []int, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, TreeNode{FeatureIdx: -1, LeftChild: -1, RightChild: -1})

	counts := classCounts(b.labels, indices)
	if counts[0] == 0 || counts[1] == 0 || len(indices) < 2 || (b.maxDepth > 0 && depth >= b.maxDepth) {
		b.makeLeaf(idx, counts)
		return idx
	}

	feature, threshold, ok := b.findBestSplit(indices, counts)
	if !ok {
		b.makeLeaf(idx, counts)
		return idx
	}

	left := make([]int, 0, len(indices))
	right := make([]int, 0, len(indices))
	for _, i := range indices {
		if b.features[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	leftIdx := b.build(left, depth+1)
	rightIdx := b.build(right, depth+1)
	b.nodes[idx] = TreeNode{
		FeatureIdx: feature,
		Threshold:  threshold,
		LeftChild:  leftIdx,
		RightChild: rightIdx,
		Proba:      countsProba(counts),
	}
	return idx
}

func (b *treeBuilder) makeLeaf(idx int, counts [2]int) {
	b.nodes[idx].IsLeaf = true
	b.nodes[idx].Proba = countsProba(counts)
}

// findBestSplit scans features in random order. At least maxFeatures features
// are examined, and the scan continues until one valid split has been seen.
func (b *treeBuilder) findBestSplit(indices []int, total [2]int) (int, float64, bool) {
	order := b.rnd.Perm(len(b.features[0]))
	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	sorted := append([]int(nil), indices...)
	n := float64(len(indices))
	for examined, feature := range order {
		if examined >= b.maxFeatures && bestFeature != -1 {
			break
		}
		sort.SliceStable(sorted, func(a, c int) bool {
			return b.features[sorted[a]][feature] < b.features[sorted[c]][feature]
		})

		var left [2]int
		for k := 0; k < len(sorted)-1; k++ {
			left[b.labels[sorted[k]]]++
			cur := b.features[sorted[k]][feature]
			next := b.features[sorted[k+1]][feature]
			if cur == next {
				continue
			}
			right := [2]int{total[0] - left[0], total[1] - left[1]}
			nLeft := float64(k + 1)
			impurity := (nLeft/n)*giniCounts(left) + ((n-nLeft)/n)*giniCounts(right)
			if impurity < bestImpurity {
				bestImpurity = impurity
				bestFeature = feature
				bestThreshold = cur + (next-cur)/2
			}
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

// PredictProba walks the tree to a leaf and returns its class fractions.
func (dt *DecisionTree) PredictProba(features []float64) (Probabilities, error) {
	if len(dt.Nodes) == 0 {
		return Probabilities{}, errors.New("model not trained")
	}
	idx := 0
	for steps := 0; steps <= len(dt.Nodes); steps++ {
		node := dt.Nodes[idx]
		if node.IsLeaf {
			return node.Proba, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return Probabilities{}, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx <= 0 || idx >= len(dt.Nodes) {
			return Probabilities{}, errors.New("invalid tree state")
		}
	}
	return Probabilities{}, errors.New("invalid tree state")
}

func (dt *DecisionTree) validate(width int) error {
	if len(dt.Nodes) == 0 {
		return errors.New("tree has no nodes")
	}
	if dt.NumFeatures != width {
		return errors.New("tree feature count mismatch")
	}
	for i, node := range dt.Nodes {
		if node.IsLeaf {
			if err := validProbabilities(node.Proba); err != nil {
				return fmt.Errorf("leaf %d: %w", i, err)
			}
			continue
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= width {
			return errors.New("tree feature index out of range")
		}
		if node.LeftChild <= i || node.LeftChild >= len(dt.Nodes) || node.RightChild <= i || node.RightChild >= len(dt.Nodes) {
			return errors.New("tree child index out of range")
		}
	}
	return nil
}

func classCounts(labels []int, indices []int) [2]int {
	var counts [2]int
	for _, i := range indices {
		counts[labels[i]]++
	}
	return counts
}

func countsProba(counts [2]int) Probabilities {
	total := float64(counts[0] + counts[1])
	if total == 0 {
		return Probabilities{0.5, 0.5}
	}
	return Probabilities{float64(counts[0]) / total, float64(counts[1]) / total}
}

func giniCounts(counts [2]int) float64 {
	total := float64(counts[0] + counts[1])
	if total == 0 {
		return 0
	}
	p0 := float64(counts[0]) / total
	p1 := float64(counts[1]) / total
	return 1 - p0*p0 - p1*p1
}
