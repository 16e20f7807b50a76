package ml

import (
	"errors"
	"fmt"
	"math"
)

// EnsembleSize is the number of members a voting ensemble holds.
const EnsembleSize = 3

// Member is one named, weighted ensemble estimator.
type Member struct {
	Name      string
	Weight    float64
	Estimator BaseEstimator
}

// Ensemble combines fitted base estimators by soft voting.
type Ensemble struct {
	FeatureNames []string
	LabelName    string
	Members      []Member
}

// NewEnsemble checks the member set and returns the voting ensemble.
func NewEnsemble(featureNames []string, labelName string, members []Member) (*Ensemble, error) {
	if len(featureNames) == 0 {
		return nil, errors.New("ensemble needs feature names")
	}
	if len(members) != EnsembleSize {
		return nil, fmt.Errorf("ensemble has %d members, want %d", len(members), EnsembleSize)
	}
	var total float64
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if m.Name == "" {
			return nil, errors.New("ensemble member without name")
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("duplicate ensemble member %q", m.Name)
		}
		seen[m.Name] = true
		if m.Estimator == nil {
			return nil, fmt.Errorf("ensemble member %q has no estimator", m.Name)
		}
		if !(m.Weight > 0) || math.IsInf(m.Weight, 0) {
			return nil, fmt.Errorf("ensemble member %q has weight %v, want a positive finite value", m.Name, m.Weight)
		}
		total += m.Weight
	}
	if math.IsInf(total, 0) {
		return nil, errors.New("ensemble weights overflow")
	}
	return &Ensemble{
		FeatureNames: append([]string(nil), featureNames...),
		LabelName:    labelName,
		Members:      append([]Member(nil), members...),
	}, nil
}

// PredictProba averages member probabilities by weight.
func (e *Ensemble) PredictProba(features []float64) (Probabilities, error) {
	if err := checkWidth(features, len(e.FeatureNames)); err != nil {
		return Probabilities{}, err
	}
	probas := make([]Probabilities, len(e.Members))
	weights := make([]float64, len(e.Members))
	for i, m := range e.Members {
		p, err := m.Estimator.PredictProba(features)
		if err != nil {
			return Probabilities{}, fmt.Errorf("%s: %w", m.Name, err)
		}
		probas[i] = p
		weights[i] = m.Weight
	}
	return SoftVote(probas, weights)
}

// Predict returns the soft-vote class.
func (e *Ensemble) Predict(features []float64) (int, error) {
	p, err := e.PredictProba(features)
	if err != nil {
		return 0, err
	}
	return ArgmaxClass(p), nil
}

// SoftVote is the weighted elementwise mean of member probabilities,
// renormalised so the two classes sum to one.
func SoftVote(probas []Probabilities, weights []float64) (Probabilities, error) {
	if len(probas) == 0 || len(probas) != len(weights) {
		return Probabilities{}, errors.New("soft vote needs one weight per member")
	}
	var out Probabilities
	var total float64
	for i, p := range probas {
		if !finite(weights[i]) || !finite(p[0]) || !finite(p[1]) {
			return Probabilities{}, fmt.Errorf("soft vote member %d is not finite", i)
		}
		out[0] += weights[i] * p[0]
		out[1] += weights[i] * p[1]
		total += weights[i]
	}
	if !(total > 0) || !finite(total) {
		return Probabilities{}, errors.New("soft vote weights must sum to a positive finite value")
	}
	out[0] /= total
	out[1] /= total
	if sum := out[0] + out[1]; sum > 0 {
		out[0] /= sum
		out[1] = 1 - out[0]
	}
	if !finite(out[0]) || !finite(out[1]) {
		return Probabilities{}, errors.New("soft vote produced a non-finite probability")
	}
	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func allFinite(values []float64) bool {
	for _, v := range values {
		if !finite(v) {
			return false
		}
	}
	return true
}
