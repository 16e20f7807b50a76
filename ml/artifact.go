package ml

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const (
	ArtifactFormat  = "heartfailure.voting-ensemble"
	ArtifactVersion = 1
	VotingSoft      = "soft"
)

// Artifact is the self-describing on-disk form of a fitted Ensemble.
type Artifact struct {
	Format       string            `json:"format"`
	Version      int               `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	FeatureNames []string          `json:"feature_names"`
	LabelName    string            `json:"label_name"`
	Voting       string            `json:"voting"`
	Estimators   []EstimatorRecord `json:"estimators"`
}

// EstimatorRecord carries exactly one variant payload, selected by Kind.
type EstimatorRecord struct {
	Name         string               `json:"name"`
	Kind         EstimatorKind        `json:"kind"`
	Weight       float64              `json:"weight"`
	RandomForest *RandomForestVariant `json:"random_forest,omitempty"`
	SVM          *SVMVariant          `json:"svm,omitempty"`
	Logistic     *LogisticVariant     `json:"logistic,omitempty"`
}

// NewArtifact captures the ensemble and every member's fitted state.
func NewArtifact(e *Ensemble) (*Artifact, error) {
	a := &Artifact{
		Format:       ArtifactFormat,
		Version:      ArtifactVersion,
		CreatedAt:    time.Now().UTC(),
		FeatureNames: append([]string(nil), e.FeatureNames...),
		LabelName:    e.LabelName,
		Voting:       VotingSoft,
	}
	for _, m := range e.Members {
		rec := EstimatorRecord{Name: m.Name, Kind: m.Estimator.Kind(), Weight: m.Weight}
		switch est := m.Estimator.(type) {
		case *RandomForestVariant:
			rec.RandomForest = est
		case *SVMVariant:
			rec.SVM = est
		case *LogisticVariant:
			rec.Logistic = est
		default:
			return nil, fmt.Errorf("member %q: unsupported estimator %T", m.Name, m.Estimator)
		}
		a.Estimators = append(a.Estimators, rec)
	}
	return a, nil
}

// Ensemble validates the artifact shape against the expected feature schema
// and rebuilds the voting ensemble.
func (a *Artifact) Ensemble(expectedFeatures []string) (*Ensemble, error) {
	if a.Format != ArtifactFormat {
		return nil, fmt.Errorf("unexpected artifact format %q", a.Format)
	}
	if a.Version != ArtifactVersion {
		return nil, fmt.Errorf("unsupported artifact version %d", a.Version)
	}
	if a.Voting != VotingSoft {
		return nil, fmt.Errorf("unsupported voting rule %q", a.Voting)
	}
	if err := sameFeatureSet(a.FeatureNames, expectedFeatures); err != nil {
		return nil, err
	}
	width := len(a.FeatureNames)
	kinds := make(map[EstimatorKind]bool, len(a.Estimators))
	members := make([]Member, 0, len(a.Estimators))
	for _, rec := range a.Estimators {
		est, err := rec.estimator(width)
		if err != nil {
			return nil, fmt.Errorf("estimator %q: %w", rec.Name, err)
		}
		if kinds[rec.Kind] {
			return nil, fmt.Errorf("estimator kind %q appears twice", rec.Kind)
		}
		kinds[rec.Kind] = true
		members = append(members, Member{Name: rec.Name, Weight: rec.Weight, Estimator: est})
	}
	return NewEnsemble(a.FeatureNames, a.LabelName, members)
}

func (rec EstimatorRecord) estimator(width int) (BaseEstimator, error) {
	payloads := 0
	for _, set := range []bool{rec.RandomForest != nil, rec.SVM != nil, rec.Logistic != nil} {
		if set {
			payloads++
		}
	}
	if payloads != 1 {
		return nil, fmt.Errorf("want exactly one estimator payload, got %d", payloads)
	}

	switch rec.Kind {
	case KindRandomForest:
		v := rec.RandomForest
		if v == nil || v.Scaler == nil || v.Forest == nil {
			return nil, errors.New("random forest payload incomplete")
		}
		if err := v.Scaler.validate(width); err != nil {
			return nil, err
		}
		if err := v.Forest.validate(width); err != nil {
			return nil, err
		}
		return v, nil
	case KindSVM:
		v := rec.SVM
		if v == nil || v.Scaler == nil || v.SVC == nil {
			return nil, errors.New("svm payload incomplete")
		}
		if err := v.Scaler.validate(width); err != nil {
			return nil, err
		}
		if err := v.SVC.validate(width); err != nil {
			return nil, err
		}
		return v, nil
	case KindLogistic:
		v := rec.Logistic
		if v == nil || v.Model == nil {
			return nil, errors.New("logistic payload incomplete")
		}
		if err := v.Model.validate(width); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown estimator kind %q", rec.Kind)
	}
}

func sameFeatureSet(got, want []string) error {
	if len(got) != len(want) {
		return fmt.Errorf("artifact has %d features, want %d", len(got), len(want))
	}
	index := make(map[string]bool, len(want))
	for _, name := range want {
		index[name] = true
	}
	seen := make(map[string]bool, len(got))
	for _, name := range got {
		if !index[name] {
			return fmt.Errorf("artifact feature %q is not expected", name)
		}
		if seen[name] {
			return fmt.Errorf("artifact feature %q repeated", name)
		}
		seen[name] = true
	}
	return nil
}

// EncodeArtifact serialises the ensemble.
func EncodeArtifact(e *Ensemble) ([]byte, error) {
	a, err := NewArtifact(e)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(a, "", "  ")
}

// DecodeArtifact parses and validates a serialised ensemble. Unknown fields
// and anything after the document are treated as a structural mismatch.
func DecodeArtifact(payload []byte, expectedFeatures []string) (*Ensemble, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	var a Artifact
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if err := dec.Decode(&json.RawMessage{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode artifact: trailing data after the artifact document")
	}
	return a.Ensemble(expectedFeatures)
}

// SaveArtifact writes the ensemble to path, creating the directory and
// replacing any previous artifact.
func SaveArtifact(path string, e *Ensemble) error {
	payload, err := EncodeArtifact(e)
	if err != nil {
		return &IOError{Op: "encode", Path: path, Err: err}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return &IOError{Op: "create", Path: path, Err: err}
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Op: "close", Path: path, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}
