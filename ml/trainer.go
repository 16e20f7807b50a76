package ml

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TrainConfig fixes the partition and the hyperparameters of every member.
type TrainConfig struct {
	FeatureNames   []string
	LabelName      string
	TestFraction   float64
	Seed           int64
	ForestTrees    int
	ForestMaxDepth int
	SVMC           float64
	SVMGamma       float64
	LogisticC      float64
}

// DefaultTrainConfig mirrors the reference model: 20 trees, RBF SVC with
// C=10 and gamma=0.01, logistic regression with C=1, 20% held out.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		FeatureNames: FeatureNames(),
		LabelName:    LabelName,
		TestFraction: 0.2,
		Seed:         0,
		ForestTrees:  20,
		SVMC:         10,
		SVMGamma:     0.01,
		LogisticC:    1,
	}
}

// EstimatorReport is the held-out accuracy of one member.
type EstimatorReport struct {
	Name     string        `json:"name"`
	Kind     EstimatorKind `json:"kind"`
	Accuracy float64       `json:"accuracy"`
}

// TrainingReport summarises one training run. Accuracy is informational.
type TrainingReport struct {
	TrainSize        int               `json:"train_size"`
	TestSize         int               `json:"test_size"`
	Seed             int64             `json:"seed"`
	Estimators       []EstimatorReport `json:"estimators"`
	EnsembleAccuracy float64           `json:"ensemble_accuracy"`
	StartedAt        time.Time         `json:"started_at"`
	Duration         time.Duration     `json:"duration"`
	ArtifactPath     string            `json:"artifact_path,omitempty"`
}

// Trainer fits the three base estimators and the soft-voting ensemble.
type Trainer struct {
	cfg    TrainConfig
	logger *zap.Logger
}

// NewTrainer returns a trainer; a nil logger discards output.
func NewTrainer(cfg TrainConfig, logger *zap.Logger) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{cfg: cfg, logger: logger}
}

// Train builds the dataset from rows and fits the ensemble.
func (t *Trainer) Train(ctx context.Context, rows []Row) (*Ensemble, *TrainingReport, error) {
	t.logger.Info("loading data for model creation", zap.Int("rows", len(rows)))
	ds, err := BuildDataset(rows, t.cfg.FeatureNames, t.cfg.LabelName)
	if err != nil {
		return nil, nil, err
	}
	return t.TrainDataset(ctx, ds)
}

// TrainDataset partitions ds, fits every member on the training partition
// and reports held-out accuracy.
func (t *Trainer) TrainDataset(ctx context.Context, ds *Dataset) (*Ensemble, *TrainingReport, error) {
	started := time.Now()
	t.logger.Info("performing train test split",
		zap.Float64("test_fraction", t.cfg.TestFraction),
		zap.Int64("seed", t.cfg.Seed))
	train, test, err := ds.Split(t.cfg.TestFraction, t.cfg.Seed)
	if err != nil {
		return nil, nil, err
	}
	t.logger.Info("train test split complete", zap.Int("train", train.Len()), zap.Int("test", test.Len()))

	members := []Member{
		{Name: "svc", Weight: 1, Estimator: NewSVMVariant(t.cfg.SVMC, t.cfg.SVMGamma, t.cfg.Seed)},
		{Name: "rf", Weight: 1, Estimator: NewRandomForestVariant(t.cfg.ForestTrees, t.cfg.ForestMaxDepth, t.cfg.Seed)},
		{Name: "lr", Weight: 1, Estimator: NewLogisticVariant(t.cfg.LogisticC)},
	}
	reports := make([]EstimatorReport, len(members))

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range members {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			log := t.logger.With(zap.String("estimator", m.Name), zap.String("kind", string(m.Estimator.Kind())))
			log.Info("creating classifier")
			if err := m.Estimator.Fit(train.X, train.Y); err != nil {
				return fmt.Errorf("fit %s: %w", m.Name, err)
			}
			acc, err := Accuracy(m.Estimator, test)
			if err != nil {
				return fmt.Errorf("evaluate %s: %w", m.Name, err)
			}
			reports[i] = EstimatorReport{Name: m.Name, Kind: m.Estimator.Kind(), Accuracy: acc}
			log.Info("classifier created", zap.Float64("accuracy", acc))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	t.logger.Info("creating voting classifier")
	ensemble, err := NewEnsemble(ds.FeatureNames, t.cfg.LabelName, members)
	if err != nil {
		return nil, nil, err
	}
	acc, err := Accuracy(ensemble, test)
	if err != nil {
		return nil, nil, fmt.Errorf("evaluate ensemble: %w", err)
	}
	t.logger.Info("voting classifier created", zap.Float64("accuracy", acc))

	return ensemble, &TrainingReport{
		TrainSize:        train.Len(),
		TestSize:         test.Len(),
		Seed:             t.cfg.Seed,
		Estimators:       reports,
		EnsembleAccuracy: acc,
		StartedAt:        started,
		Duration:         time.Since(started),
	}, nil
}

// Run trains on rows and overwrites the artifact at artifactPath.
func (t *Trainer) Run(ctx context.Context, rows []Row, artifactPath string) (*TrainingReport, error) {
	ensemble, report, err := t.Train(ctx, rows)
	if err != nil {
		return nil, err
	}
	t.logger.Info("saving model", zap.String("path", artifactPath))
	if err := SaveArtifact(artifactPath, ensemble); err != nil {
		return nil, err
	}
	report.ArtifactPath = artifactPath
	t.logger.Info("model saved", zap.String("path", artifactPath))
	return report, nil
}
