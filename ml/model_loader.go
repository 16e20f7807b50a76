package ml

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Prediction is the scorer output for one feature record.
type Prediction struct {
	Class            int
	ProbabilityFalse float64
	ProbabilityTrue  float64
}

// LoadedEnsemble is an immutable ensemble read from an artifact. It is safe
// for concurrent Predict calls.
type LoadedEnsemble struct {
	ensemble *Ensemble
	path     string
	loadedAt time.Time
}

// LoadEnsemble reads and validates the artifact at path.
func LoadEnsemble(path string) (*LoadedEnsemble, error) {
	if path == "" {
		return nil, &ModelLoadError{Reason: "artifact path is empty"}
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		reason := "artifact unreadable"
		if errors.Is(err, os.ErrNotExist) {
			reason = "artifact not found"
		}
		return nil, &ModelLoadError{Path: path, Reason: reason, Err: err}
	}
	ensemble, err := DecodeArtifact(payload, FeatureNames())
	if err != nil {
		return nil, &ModelLoadError{Path: path, Reason: "artifact structure mismatch", Err: err}
	}
	return &LoadedEnsemble{ensemble: ensemble, path: path, loadedAt: time.Now()}, nil
}

// FeatureNames returns the training-time order stored in the artifact.
func (m *LoadedEnsemble) FeatureNames() []string {
	return append([]string(nil), m.ensemble.FeatureNames...)
}

// Path is the artifact location the model was read from.
func (m *LoadedEnsemble) Path() string { return m.path }

// LoadedAt is when the artifact was read.
func (m *LoadedEnsemble) LoadedAt() time.Time { return m.loadedAt }

// Vector matches raw fields by name and lays them out in training order.
func (m *LoadedEnsemble) Vector(raw map[string]interface{}) ([]float64, error) {
	return ParseFeatureRecord(raw, m.ensemble.FeatureNames)
}

// Predict validates raw and scores it.
func (m *LoadedEnsemble) Predict(raw map[string]interface{}) (Prediction, error) {
	vector, err := m.Vector(raw)
	if err != nil {
		return Prediction{}, err
	}
	return m.PredictVector(vector)
}

// PredictVector scores a vector already in training order.
func (m *LoadedEnsemble) PredictVector(vector []float64) (Prediction, error) {
	p, err := m.ensemble.PredictProba(vector)
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{Class: ArgmaxClass(p), ProbabilityFalse: p[0], ProbabilityTrue: p[1]}, nil
}

// Scorer owns the process-wide model. Load runs at most once; until it has
// succeeded every Predict fails with a ModelLoadError.
type Scorer struct {
	once  sync.Once
	model atomic.Pointer[LoadedEnsemble]
	err   error
}

// NewScorer returns a scorer with no model.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Load reads the artifact on the first call and returns that call's outcome
// on every later call.
func (s *Scorer) Load(path string) error {
	s.once.Do(func() {
		model, err := LoadEnsemble(path)
		if err != nil {
			s.err = err
			return
		}
		s.model.Store(model)
	})
	return s.err
}

// Model returns the loaded ensemble or a ModelLoadError.
func (s *Scorer) Model() (*LoadedEnsemble, error) {
	model := s.model.Load()
	if model == nil {
		return nil, &ModelLoadError{Reason: "scorer has no loaded model", Err: ErrModelNotLoaded}
	}
	return model, nil
}

// Predict scores raw against the loaded ensemble.
func (s *Scorer) Predict(raw map[string]interface{}) (Prediction, error) {
	model, err := s.Model()
	if err != nil {
		return Prediction{}, err
	}
	return model.Predict(raw)
}
