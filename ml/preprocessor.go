package ml

import (
	"errors"

	"gonum.org/v1/gonum/stat"
)

// StandardScaler centres each feature and divides by its population
// standard deviation. Constant features keep a scale of 1.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Fit computes per-feature statistics from the training rows only.
func (s *StandardScaler) Fit(features [][]float64) error {
	if len(features) == 0 {
		return errors.New("features is empty")
	}
	width := len(features[0])
	s.Mean = make([]float64, width)
	s.Scale = make([]float64, width)
	column := make([]float64, len(features))
	for j := 0; j < width; j++ {
		for i, row := range features {
			column[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(column, nil)
		s.Mean[j] = mean
		if std == 0 {
			std = 1
		}
		s.Scale[j] = std
	}
	return nil
}

// Transform returns a scaled copy of one vector.
func (s *StandardScaler) Transform(features []float64) ([]float64, error) {
	if len(s.Mean) == 0 {
		return nil, errors.New("scaler not fitted")
	}
	if err := checkWidth(features, len(s.Mean)); err != nil {
		return nil, err
	}
	out := make([]float64, len(features))
	for j, v := range features {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}

// TransformAll scales every row.
func (s *StandardScaler) TransformAll(features [][]float64) ([][]float64, error) {
	out := make([][]float64, len(features))
	for i, row := range features {
		scaled, err := s.Transform(row)
		if err != nil {
			return nil, err
		}
		out[i] = scaled
	}
	return out, nil
}

func (s *StandardScaler) validate(width int) error {
	if len(s.Mean) != width || len(s.Scale) != width {
		return errors.New("scaler dimension mismatch")
	}
	for _, v := range s.Scale {
		if !(v > 0) || !finite(v) {
			return errors.New("scaler has non-positive or non-finite scale")
		}
	}
	if !allFinite(s.Mean) {
		return errors.New("scaler mean is not finite")
	}
	return nil
}
