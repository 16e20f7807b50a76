package ml

import (
	"fmt"
	"math"
)

// EstimatorKind tags the concrete BaseEstimator variant.
type EstimatorKind string

const (
	KindRandomForest EstimatorKind = "random_forest"
	KindSVM          EstimatorKind = "svm"
	KindLogistic     EstimatorKind = "logistic_regression"
)

// Probabilities holds P(class 0) and P(class 1).
type Probabilities [2]float64

// BaseEstimator is the capability set shared by every ensemble member.
// Predict and PredictProba must not mutate the fitted state.
type BaseEstimator interface {
	Kind() EstimatorKind
	Fit(features [][]float64, labels []int) error
	Predict(features []float64) (int, error)
	PredictProba(features []float64) (Probabilities, error)
}

// ArgmaxClass returns 1 iff P(class 1) >= P(class 0).
func ArgmaxClass(p Probabilities) int {
	if p[1] >= p[0] {
		return 1
	}
	return 0
}

func constantProba(class int) Probabilities {
	if class == 1 {
		return Probabilities{0, 1}
	}
	return Probabilities{1, 0}
}

func checkWidth(features []float64, want int) error {
	if len(features) != want {
		return fmt.Errorf("got %d features, want %d", len(features), want)
	}
	return nil
}

// validProbabilities accepts a finite pair in [0,1] summing to one.
func validProbabilities(p Probabilities) error {
	for _, v := range p {
		if !finite(v) || v < 0 || v > 1 {
			return fmt.Errorf("probability %v outside [0, 1]", v)
		}
	}
	if math.Abs(p[0]+p[1]-1) > 1e-9 {
		return fmt.Errorf("probabilities %v do not sum to 1", p)
	}
	return nil
}
