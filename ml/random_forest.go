package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// RandomForest averages the leaf class fractions of bootstrap-trained trees.
type RandomForest struct {
	NumTrees int             `json:"num_trees"`
	MaxDepth int             `json:"max_depth"`
	Seed     int64           `json:"seed"`
	Trees    []*DecisionTree `json:"trees"`
}

// NewRandomForest returns an unfitted forest of numTrees trees.
func NewRandomForest(numTrees, maxDepth int, seed int64) *RandomForest {
	return &RandomForest{NumTrees: numTrees, MaxDepth: maxDepth, Seed: seed}
}

// Fit grows the trees concurrently. Each tree owns a generator derived from
// Seed, so the result does not depend on scheduling.
func (rf *RandomForest) Fit(features [][]float64, labels []int) error {
	if err := validateTrainingInput(features, labels); err != nil {
		return err
	}
	if rf.NumTrees <= 0 {
		return errors.New("forest needs at least one tree")
	}

	n := len(features)
	maxFeatures := int(math.Sqrt(float64(len(features[0]))))
	if maxFeatures < 1 {
		maxFeatures = 1
	}

	trees := make([]*DecisionTree, rf.NumTrees)
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(runtime.GOMAXPROCS(0))
	for t := 0; t < rf.NumTrees; t++ {
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(rf.Seed + int64(t)*7919))
			sample := make([]int, n)
			for i := range sample {
				sample[i] = rnd.Intn(n)
			}
			tree, err := growTree(features, labels, sample, maxFeatures, rf.MaxDepth, rnd)
			if err != nil {
				return fmt.Errorf("tree %d: %w", t, err)
			}
			trees[t] = tree
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	rf.Trees = trees
	return nil
}

// PredictProba averages tree probabilities.
func (rf *RandomForest) PredictProba(features []float64) (Probabilities, error) {
	if len(rf.Trees) == 0 {
		return Probabilities{}, errors.New("model not trained")
	}
	var sum Probabilities
	for _, tree := range rf.Trees {
		p, err := tree.PredictProba(features)
		if err != nil {
			return Probabilities{}, err
		}
		sum[0] += p[0]
		sum[1] += p[1]
	}
	k := float64(len(rf.Trees))
	return Probabilities{sum[0] / k, sum[1] / k}, nil
}

func (rf *RandomForest) validate(width int) error {
	if len(rf.Trees) == 0 {
		return errors.New("forest has no trees")
	}
	for i, tree := range rf.Trees {
		if tree == nil {
			return fmt.Errorf("tree %d is missing", i)
		}
		if err := tree.validate(width); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}
