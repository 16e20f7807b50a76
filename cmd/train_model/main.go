package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"heartfailure/config"
	"heartfailure/db"
	"heartfailure/logging"
	"heartfailure/ml"
	"heartfailure/pipeline"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults when empty)")
	dataPath := flag.String("data", "", "training CSV, overrides dataset.path")
	modelPath := flag.String("model_path", "", "artifact output path, overrides model.path")
	testRatio := flag.Float64("test_ratio", 0, "held-out fraction, overrides training.test_ratio")
	var seed *int64
	seedFlag(flag.CommandLine, &seed)
	watch := flag.Bool("watch", false, "retrain whenever the dataset file changes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *dataPath != "" {
		cfg.Dataset.Path = *dataPath
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}
	if *testRatio != 0 {
		cfg.Training.TestRatio = *testRatio
	}
	if seed != nil {
		cfg.Training.Seed = seed
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid settings: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job := &trainJob{
		dataPath:  cfg.Dataset.Path,
		modelPath: cfg.Model.Path,
		trainCfg:  trainConfig(cfg),
		store:     store,
		logger:    logger,
	}

	report, err := job.run(ctx)
	if err != nil {
		logger.Error("training failed", zap.Error(err))
		if !*watch {
			logger.Sync()
			os.Exit(1)
		}
	} else {
		fmt.Printf("model saved to %s (held-out accuracy %.4f)\n", report.ArtifactPath, report.EnsembleAccuracy)
	}

	if *watch {
		logger.Info("watching dataset for changes", zap.String("path", cfg.Dataset.Path))
		err := pipeline.WatchFile(ctx, cfg.Dataset.Path, 500*time.Millisecond, logger, func(ctx context.Context) error {
			_, err := job.run(ctx)
			return err
		})
		if err != nil {
			logger.Fatal("watch failed", zap.Error(err))
		}
	}
}

// seedFlag registers -seed on fs. dst stays nil unless the flag is given, so
// any int64, negative ones included, can override training.seed.
func seedFlag(fs *flag.FlagSet, dst **int64) {
	fs.Func("seed", "partition and forest seed, overrides training.seed", func(s string) error {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*dst = &v
		return nil
	})
}

// trainConfig maps the YAML training section onto the trainer.
func trainConfig(cfg *config.Config) ml.TrainConfig {
	tc := ml.DefaultTrainConfig()
	tc.FeatureNames = cfg.Dataset.Features
	tc.LabelName = cfg.Dataset.Label
	tc.TestFraction = cfg.Training.TestRatio
	if cfg.Training.Seed != nil {
		tc.Seed = *cfg.Training.Seed
	}
	tc.ForestTrees = cfg.Training.ForestTrees
	tc.ForestMaxDepth = cfg.Training.ForestMaxDepth
	tc.SVMC = cfg.Training.SVMC
	tc.SVMGamma = cfg.Training.SVMGamma
	tc.LogisticC = cfg.Training.LogisticC
	return tc
}

type runStore interface {
	SaveTrainingReport(ctx context.Context, report *ml.TrainingReport) (string, error)
	SaveQualityIssues(ctx context.Context, runID string, issues []pipeline.QualityIssue) error
}

type trainJob struct {
	dataPath  string
	modelPath string
	trainCfg  ml.TrainConfig
	store     runStore
	logger    *zap.Logger
}

// run loads the dataset, audits it, trains, writes the artifact and records
// the run. Audit findings are logged and stored but never alter the rows.
func (j *trainJob) run(ctx context.Context) (*ml.TrainingReport, error) {
	rows, err := pipeline.LoadCSV(j.dataPath)
	if err != nil {
		return nil, err
	}
	j.logger.Info("dataset loaded", zap.String("path", j.dataPath), zap.Int("rows", len(rows)))

	issues := pipeline.NewQualityAuditor().Audit(rows)
	for _, issue := range issues {
		j.logger.Warn("data quality issue",
			zap.String("rule", issue.Rule),
			zap.Int("row", issue.Row),
			zap.String("message", issue.Message))
	}

	report, err := ml.NewTrainer(j.trainCfg, j.logger).Run(ctx, rows, j.modelPath)
	if err != nil {
		return nil, err
	}
	j.logger.Info("model saved",
		zap.String("path", report.ArtifactPath),
		zap.Float64("accuracy", report.EnsembleAccuracy),
		zap.Duration("duration", report.Duration))

	if j.store == nil {
		return report, nil
	}
	runID, err := j.store.SaveTrainingReport(ctx, report)
	if err != nil {
		return report, fmt.Errorf("record training run: %w", err)
	}
	if err := j.store.SaveQualityIssues(ctx, runID, issues); err != nil {
		return report, fmt.Errorf("record quality issues: %w", err)
	}
	j.logger.Info("training run recorded", zap.String("run_id", runID), zap.Int("quality_issues", len(issues)))
	return report, nil
}
