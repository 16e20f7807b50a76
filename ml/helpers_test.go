package ml

import (
	"context"
	"math/rand"
	"strconv"
	"testing"
)

// synthRows returns two well separated patient cohorts, alternating labels.
func synthRows(n int, seed int64) []Row {
	rnd := rand.New(rand.NewSource(seed))
	rows := make([]Row, 0, n)
	for i := 0; i < n; i++ {
		died := i%2 == 1
		age, ef, sodium, creat, days := 55.0, 45.0, 139.0, 1.0, 200.0
		if died {
			age, ef, sodium, creat, days = 72, 25, 133, 2.2, 40
		}
		rows = append(rows, Row{
			"age":               format(age + rnd.NormFloat64()*4),
			"ejection_fraction": format(ef + rnd.NormFloat64()*3),
			"serum_sodium":      format(sodium + rnd.NormFloat64()*1.5),
			"serum_creatinine":  format(creat + rnd.NormFloat64()*0.2),
			"time":              format(days + rnd.NormFloat64()*15),
			"anaemia":           "0",
			LabelName:           label(died),
		})
	}
	return rows
}

func format(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }

func label(died bool) string {
	if died {
		return "1"
	}
	return "0"
}

func synthDataset(t *testing.T, n int, seed int64) *Dataset {
	t.Helper()
	ds, err := BuildDataset(synthRows(n, seed), FeatureNames(), LabelName)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return ds
}

func smallTrainConfig() TrainConfig {
	cfg := DefaultTrainConfig()
	cfg.ForestTrees = 5
	return cfg
}

func trainEnsemble(t *testing.T, rows []Row) (*Ensemble, *TrainingReport) {
	t.Helper()
	ensemble, report, err := NewTrainer(smallTrainConfig(), nil).Train(context.Background(), rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return ensemble, report
}

func assertProbabilities(t *testing.T, p Probabilities) {
	t.Helper()
	for _, v := range p {
		if v < 0 || v > 1 {
			t.Fatalf("probability out of range: %v", p)
		}
	}
	if sum := p[0] + p[1]; sum < 1-1e-9 || sum > 1+1e-9 {
		t.Fatalf("probabilities sum to %f: %v", sum, p)
	}
}
