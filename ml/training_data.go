package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

// Row is one dataset record keyed by column name.
type Row map[string]string

// Dataset holds positional feature vectors and binary labels.
type Dataset struct {
	FeatureNames []string
	X            [][]float64
	Y            []int
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return len(d.Y) }

// BuildDataset extracts featureOrder and label from rows. Absent columns and
// values that are not numbers (or labels outside {0,1}) fail with a DataError.
func BuildDataset(rows []Row, featureOrder []string, label string) (*Dataset, error) {
	if len(rows) == 0 {
		return nil, &DataError{Reason: "dataset is empty"}
	}
	if len(featureOrder) == 0 {
		return nil, &DataError{Reason: "feature order is empty"}
	}
	for _, col := range append(append([]string(nil), featureOrder...), label) {
		if _, ok := rows[0][col]; !ok {
			return nil, &DataError{Column: col, Reason: "required column is absent"}
		}
	}

	ds := &Dataset{
		FeatureNames: append([]string(nil), featureOrder...),
		X:            make([][]float64, 0, len(rows)),
		Y:            make([]int, 0, len(rows)),
	}
	for i, row := range rows {
		vector := make([]float64, len(featureOrder))
		for j, col := range featureOrder {
			raw, ok := row[col]
			if !ok {
				return nil, &DataError{Column: col, Row: i + 1, Reason: "value is absent"}
			}
			v, err := parseNumber(raw)
			if err != nil {
				return nil, &DataError{Column: col, Row: i + 1, Reason: err.Error()}
			}
			vector[j] = v
		}
		raw, ok := row[label]
		if !ok {
			return nil, &DataError{Column: label, Row: i + 1, Reason: "value is absent"}
		}
		v, err := parseNumber(raw)
		if err != nil {
			return nil, &DataError{Column: label, Row: i + 1, Reason: err.Error()}
		}
		if v != 0 && v != 1 {
			return nil, &DataError{Column: label, Row: i + 1, Reason: fmt.Sprintf("label %v is not 0 or 1", v)}
		}
		ds.X = append(ds.X, vector)
		ds.Y = append(ds.Y, int(v))
	}
	return ds, nil
}

func parseNumber(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not numeric", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not finite", raw)
	}
	return v, nil
}

// Split partitions the dataset with a permutation seeded by seed. The first
// ceil(n*testFraction) permuted rows form the test partition.
func (d *Dataset) Split(testFraction float64, seed int64) (train, test *Dataset, err error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, &DataError{Reason: fmt.Sprintf("test fraction %v outside (0,1)", testFraction)}
	}
	n := d.Len()
	nTest := int(math.Ceil(float64(n) * testFraction))
	if nTest < 1 || n-nTest < 1 {
		return nil, nil, &DataError{Reason: fmt.Sprintf("%d rows cannot be split with test fraction %v", n, testFraction)}
	}

	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(n)

	test = d.subset(indices[:nTest])
	train = d.subset(indices[nTest:])
	return train, test, nil
}

func (d *Dataset) subset(indices []int) *Dataset {
	out := &Dataset{
		FeatureNames: d.FeatureNames,
		X:            make([][]float64, len(indices)),
		Y:            make([]int, len(indices)),
	}
	for i, idx := range indices {
		out.X[i] = d.X[idx]
		out.Y[i] = d.Y[idx]
	}
	return out
}

// Classifier is anything that predicts a class for one feature vector.
type Classifier interface {
	Predict(features []float64) (int, error)
}

// Accuracy is the fraction of rows whose prediction matches the label.
func Accuracy(model Classifier, ds *Dataset) (float64, error) {
	if ds == nil || ds.Len() == 0 {
		return 0, errors.New("empty evaluation set")
	}
	correct := 0
	for i, x := range ds.X {
		label, err := model.Predict(x)
		if err != nil {
			return 0, err
		}
		if label == ds.Y[i] {
			correct++
		}
	}
	return float64(correct) / float64(ds.Len()), nil
}

func validateTrainingInput(features [][]float64, labels []int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	width := len(features[0])
	if width == 0 {
		return errors.New("feature vectors are empty")
	}
	for i, row := range features {
		if len(row) != width {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), width)
		}
	}
	for i, label := range labels {
		if label != 0 && label != 1 {
			return fmt.Errorf("label %d at row %d is not binary", label, i)
		}
	}
	return nil
}

// singleClass reports the only label present, if there is just one.
func singleClass(labels []int) (int, bool) {
	first := labels[0]
	for _, label := range labels[1:] {
		if label != first {
			return 0, false
		}
	}
	return first, true
}
