package ml

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// LabelName is the dataset column holding the binary outcome.
const LabelName = "DEATH_EVENT"

var featureNames = []string{"age", "ejection_fraction", "serum_sodium", "serum_creatinine", "time"}

// FeatureNames returns the training-time feature order.
func FeatureNames() []string {
	return append([]string(nil), featureNames...)
}

// FeatureRecord is the typed form of one inference input.
type FeatureRecord struct {
	Age              float64 `json:"age"`
	EjectionFraction float64 `json:"ejection_fraction"`
	SerumSodium      float64 `json:"serum_sodium"`
	SerumCreatinine  float64 `json:"serum_creatinine"`
	Time             float64 `json:"time"`
}

// Map returns the record keyed by feature name.
func (f FeatureRecord) Map() map[string]interface{} {
	return map[string]interface{}{
		"age":               f.Age,
		"ejection_fraction": f.EjectionFraction,
		"serum_sodium":      f.SerumSodium,
		"serum_creatinine":  f.SerumCreatinine,
		"time":              f.Time,
	}
}

// ParseFeatureRecord reads every name in order from raw and returns the values
// in that order. Payload key order is irrelevant. The first absent or
// non-numeric field, in feature order, is reported as a ValidationError.
func ParseFeatureRecord(raw map[string]interface{}, order []string) ([]float64, error) {
	vector := make([]float64, len(order))
	for i, name := range order {
		value, ok := raw[name]
		if !ok {
			return nil, &ValidationError{Field: name, Reason: ReasonMissing}
		}
		f, ok := coerceFloat(value)
		if !ok {
			return nil, &ValidationError{Field: name, Reason: ReasonTypeMismatch}
		}
		vector[i] = f
	}
	return vector, nil
}

// coerceFloat accepts numbers and numeric strings. Booleans, null and
// non-finite values are rejected rather than defaulted.
func coerceFloat(value interface{}) (float64, bool) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
