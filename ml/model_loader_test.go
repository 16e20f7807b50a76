package ml

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func savedModel(t *testing.T, rows []Row) string {
	t.Helper()
	ensemble, _ := trainEnsemble(t, rows)
	path := filepath.Join(t.TempDir(), "clf.json")
	if err := SaveArtifact(path, ensemble); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return path
}

func TestScorerPredictBeforeLoad(t *testing.T) {
	_, err := NewScorer().Predict(validRecord())
	var loadErr *ModelLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected ModelLoadError, got %v", err)
	}
	if !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded, got %v", err)
	}
}

func TestScorerLoadMissingArtifact(t *testing.T) {
	scorer := NewScorer()
	err := scorer.Load(filepath.Join(t.TempDir(), "absent.json"))
	var loadErr *ModelLoadError
	if !errors.As(err, &loadErr) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-found ModelLoadError, got %v", err)
	}
	if _, err := scorer.Predict(validRecord()); !errors.As(err, &loadErr) {
		t.Fatalf("expected ModelLoadError after failed load, got %v", err)
	}
}

func TestScorerLoadCorruptArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clf.json")
	if err := os.WriteFile(path, []byte(`{"format":"heartfailure.voting-ensemble"`), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var loadErr *ModelLoadError
	if err := NewScorer().Load(path); !errors.As(err, &loadErr) {
		t.Fatalf("expected ModelLoadError, got %v", err)
	}
}

func TestScorerLoadRunsOnce(t *testing.T) {
	path := savedModel(t, synthRows(40, 31))
	scorer := NewScorer()
	if err := scorer.Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected first load to fail")
	}
	if err := scorer.Load(path); err == nil {
		t.Fatal("expected later load to report the first outcome")
	}

	ok := NewScorer()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ok.Load(path); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	model, err := ok.Model()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model.Path() != path {
		t.Fatalf("expected path %s, got %s", path, model.Path())
	}
}

func TestScorerPredictOutOfRangeRecord(t *testing.T) {
	scorer := NewScorer()
	if err := scorer.Load(savedModel(t, synthRows(60, 32))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw := map[string]interface{}{
		"age": 1.0, "ejection_fraction": 1.0, "serum_sodium": 1.0, "serum_creatinine": 1.0, "time": 5.0,
	}
	pred, err := scorer.Predict(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertProbabilities(t, Probabilities{pred.ProbabilityFalse, pred.ProbabilityTrue})
	want := 0
	if pred.ProbabilityTrue >= pred.ProbabilityFalse {
		want = 1
	}
	if pred.Class != want {
		t.Fatalf("class %d disagrees with probabilities %+v", pred.Class, pred)
	}
}

func TestScorerPredictValidation(t *testing.T) {
	scorer := NewScorer()
	if err := scorer.Load(savedModel(t, synthRows(40, 33))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw := validRecord()
	delete(raw, "serum_sodium")
	_, err := scorer.Predict(raw)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "serum_sodium" || !verr.Missing() {
		t.Fatalf("expected missing serum_sodium, got %v", err)
	}
}

func TestScorerConcurrentPredict(t *testing.T) {
	scorer := NewScorer()
	if err := scorer.Load(savedModel(t, synthRows(40, 34))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, err := scorer.Predict(validRecord())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pred, err := scorer.Predict(validRecord())
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if pred != first {
				t.Errorf("concurrent prediction differs: %+v vs %+v", pred, first)
			}
		}()
	}
	wg.Wait()
}
