package ml

import (
	"math"
	"math/rand"
	"testing"
)

func TestStandardScaler(t *testing.T) {
	features := [][]float64{{1, 5}, {3, 5}, {5, 5}}
	s := &StandardScaler{}
	if err := s.Fit(features); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Mean[0] != 3 || s.Scale[1] != 1 {
		t.Fatalf("unexpected statistics: mean=%v scale=%v", s.Mean, s.Scale)
	}
	out, err := s.TransformAll(features)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sum, sq float64
	for _, row := range out {
		sum += row[0]
		sq += row[0] * row[0]
		if row[1] != 0 {
			t.Fatalf("constant column should scale to 0, got %v", row[1])
		}
	}
	if math.Abs(sum) > 1e-12 || math.Abs(sq/3-1) > 1e-12 {
		t.Fatalf("expected zero mean and unit variance, got sum=%v sq=%v", sum, sq)
	}
	if _, err := s.Transform([]float64{1}); err == nil {
		t.Fatal("expected width mismatch error")
	}
}

func TestDecisionTreeSeparatesClasses(t *testing.T) {
	features := [][]float64{{0.1, 0.2}, {0.2, 0.1}, {0.9, 0.8}, {0.8, 0.9}}
	labels := []int{0, 0, 1, 1}
	tree, err := growTree(features, labels, []int{0, 1, 2, 3}, 2, 0, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tree.validate(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err := tree.PredictProba([]float64{0.15, 0.15})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p[0] != 1 {
		t.Fatalf("expected pure class 0 leaf, got %v", p)
	}
}

func testEstimator(t *testing.T, est BaseEstimator) {
	t.Helper()
	train, test, err := synthDataset(t, 120, 11).Split(0.25, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := est.Fit(train.X, train.Y); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	acc, err := Accuracy(est, test)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acc < 0.9 {
		t.Fatalf("%s accuracy too low: %f", est.Kind(), acc)
	}
	for _, x := range test.X {
		p, err := est.PredictProba(x)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		assertProbabilities(t, p)
	}
	if _, err := est.PredictProba([]float64{1, 2}); err == nil {
		t.Fatal("expected error for wrong feature width")
	}
}

func TestRandomForestVariant(t *testing.T) {
	testEstimator(t, NewRandomForestVariant(10, 0, 0))
}

func TestSVMVariant(t *testing.T) {
	testEstimator(t, NewSVMVariant(10, 0.01, 0))
}

func TestLogisticVariant(t *testing.T) {
	testEstimator(t, NewLogisticVariant(1))
}

func TestRandomForestIsDeterministic(t *testing.T) {
	ds := synthDataset(t, 60, 12)
	a := NewRandomForest(8, 0, 3)
	b := NewRandomForest(8, 0, 3)
	if err := a.Fit(ds.X, ds.Y); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Fit(ds.X, ds.Y); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	probe := []float64{63, 35, 136, 1.6, 120}
	pa, _ := a.PredictProba(probe)
	pb, _ := b.PredictProba(probe)
	if pa != pb {
		t.Fatalf("same seed produced different forests: %v vs %v", pa, pb)
	}
}

func TestSVCDecisionSignMatchesClass(t *testing.T) {
	ds := synthDataset(t, 40, 13)
	scaler := &StandardScaler{}
	if err := scaler.Fit(ds.X); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	scaled, err := scaler.TransformAll(ds.X)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc := NewSVC(10, 0.5, 0)
	if err := svc.Fit(scaled, ds.Y); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(svc.SupportVectors) == 0 || len(svc.SupportVectors) != len(svc.DualCoef) {
		t.Fatalf("unexpected support set: %d vectors, %d coefficients", len(svc.SupportVectors), len(svc.DualCoef))
	}
	for _, x := range scaled {
		f, err := svc.Decision(x)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		class, _ := svc.Predict(x)
		if (f >= 0) != (class == 1) {
			t.Fatalf("decision %f disagrees with class %d", f, class)
		}
	}
}

func TestSingleClassEstimatorsAreConstant(t *testing.T) {
	features := [][]float64{{1, 2}, {2, 3}, {3, 4}, {4, 5}}
	labels := []int{1, 1, 1, 1}
	for _, est := range []BaseEstimator{
		NewRandomForestVariant(3, 0, 0),
		NewSVMVariant(10, 0.01, 0),
		NewLogisticVariant(1),
	} {
		if err := est.Fit(features, labels); err != nil {
			t.Fatalf("%s: unexpected error: %v", est.Kind(), err)
		}
		p, err := est.PredictProba([]float64{10, -10})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", est.Kind(), err)
		}
		if p[1] < 0.5 {
			t.Fatalf("%s: expected class 1 to dominate, got %v", est.Kind(), p)
		}
		class, _ := est.Predict([]float64{10, -10})
		if class != 1 {
			t.Fatalf("%s: expected class 1, got %d", est.Kind(), class)
		}
	}
}

func TestFitRejectsBadInput(t *testing.T) {
	for _, est := range []BaseEstimator{NewRandomForestVariant(3, 0, 0), NewSVMVariant(10, 0.01, 0), NewLogisticVariant(1)} {
		if err := est.Fit(nil, nil); err == nil {
			t.Fatalf("%s: expected error for empty input", est.Kind())
		}
		if err := est.Fit([][]float64{{1}, {2}}, []int{0, 2}); err == nil {
			t.Fatalf("%s: expected error for non-binary label", est.Kind())
		}
	}
}

func TestFitSigmoidOrdersProbabilities(t *testing.T) {
	decisions := []float64{-3, -2, -1.5, -0.5, 0.4, 1, 2, 2.5}
	y := []float64{-1, -1, -1, -1, 1, 1, 1, 1}
	a, b := fitSigmoid(decisions, y)
	low := sigmoidPredict(-2, a, b)
	high := sigmoidPredict(2, a, b)
	if !(high > 0.5 && low < 0.5) {
		t.Fatalf("sigmoid does not separate: P(-2)=%f P(2)=%f", low, high)
	}
}
