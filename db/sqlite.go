package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"heartfailure/ml"
	"heartfailure/pipeline"
)

const schema = `
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL,
        model_name VARCHAR(50) NOT NULL,
        kind VARCHAR(50) NOT NULL,
        accuracy REAL NOT NULL,
        train_size INTEGER NOT NULL,
        test_size INTEGER NOT NULL,
        seed INTEGER NOT NULL,
        artifact_path TEXT,
        trained_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS data_quality (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL,
        row_number INTEGER NOT NULL,
        rule TEXT NOT NULL,
        severity TEXT NOT NULL,
        message TEXT,
        created_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        request_id TEXT NOT NULL,
        features TEXT NOT NULL,
        predicted_label INTEGER NOT NULL,
        probability_true REAL NOT NULL,
        probability_false REAL NOT NULL,
        created_at DATETIME NOT NULL,
        UNIQUE(request_id)
    );
    CREATE INDEX IF NOT EXISTS idx_training_log_trained_at ON training_log(trained_at);
    CREATE INDEX IF NOT EXISTS idx_predictions_created_at ON predictions(created_at);
    `

// EnsembleModelName labels the training_log row holding the voting ensemble's accuracy.
const EnsembleModelName = "voting"

// Store persists training history and the prediction audit trail in SQLite.
type Store struct {
	database *sql.DB
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		database.SetMaxOpenConns(1)
	}
	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("create tables failed: %w", err)
	}
	return &Store{database: database}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.database.Close()
}

type TrainingLog struct {
	RunID        string    `json:"run_id"`
	ModelName    string    `json:"model_name"`
	Kind         string    `json:"kind"`
	Accuracy     float64   `json:"accuracy"`
	TrainSize    int       `json:"train_size"`
	TestSize     int       `json:"test_size"`
	Seed         int64     `json:"seed"`
	ArtifactPath string    `json:"artifact_path"`
	TrainedAt    time.Time `json:"trained_at"`
}

// SaveTrainingReport writes one row per estimator plus one for the ensemble,
// all under a fresh run id.
func (s *Store) SaveTrainingReport(ctx context.Context, report *ml.TrainingReport) (string, error) {
	if report == nil {
		return "", errors.New("training report is nil")
	}
	runID := uuid.NewString()
	trainedAt := report.StartedAt.UTC()
	if trainedAt.IsZero() {
		trainedAt = time.Now().UTC()
	}

	tx, err := s.database.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO training_log (
            run_id, model_name, kind, accuracy, train_size, test_size, seed, artifact_path, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return "", err
	}
	defer stmt.Close()

	insert := func(name, kind string, accuracy float64) error {
		_, err := stmt.ExecContext(ctx, runID, name, kind, accuracy,
			report.TrainSize, report.TestSize, report.Seed, report.ArtifactPath, trainedAt)
		return err
	}
	for _, est := range report.Estimators {
		if err := insert(est.Name, string(est.Kind), est.Accuracy); err != nil {
			tx.Rollback()
			return "", err
		}
	}
	if err := insert(EnsembleModelName, "soft_voting", report.EnsembleAccuracy); err != nil {
		tx.Rollback()
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return runID, nil
}

// LoadTrainingLog returns the newest rows first; limit <= 0 returns all.
func (s *Store) LoadTrainingLog(ctx context.Context, limit int) ([]TrainingLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.database.QueryContext(ctx, `
        SELECT run_id, model_name, kind, accuracy, train_size, test_size, seed, artifact_path, trained_at
        FROM training_log
        ORDER BY trained_at DESC, id ASC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var log TrainingLog
		var artifact sql.NullString
		if err := rows.Scan(&log.RunID, &log.ModelName, &log.Kind, &log.Accuracy,
			&log.TrainSize, &log.TestSize, &log.Seed, &artifact, &log.TrainedAt); err != nil {
			return nil, err
		}
		log.ArtifactPath = artifact.String
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// SaveQualityIssues records the dataset audit of one training run.
func (s *Store) SaveQualityIssues(ctx context.Context, runID string, issues []pipeline.QualityIssue) error {
	if len(issues) == 0 {
		return nil
	}
	tx, err := s.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO data_quality (run_id, row_number, rule, severity, message, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, issue := range issues {
		if _, err := stmt.ExecContext(ctx, runID, issue.Row, issue.Rule, issue.Severity, issue.Message, now); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// CountQualityIssues returns the number of audit findings stored for runID.
func (s *Store) CountQualityIssues(ctx context.Context, runID string) (int, error) {
	var count int
	err := s.database.QueryRowContext(ctx, `SELECT COUNT(*) FROM data_quality WHERE run_id = ?`, runID).Scan(&count)
	return count, err
}

type PredictionRecord struct {
	RequestID        string             `json:"request_id"`
	Features         map[string]float64 `json:"features"`
	PredictedLabel   int                `json:"predicted_label"`
	ProbabilityTrue  float64            `json:"probability_true"`
	ProbabilityFalse float64            `json:"probability_false"`
	CreatedAt        time.Time          `json:"created_at"`
}

// SavePrediction appends one scored request to the audit trail.
func (s *Store) SavePrediction(ctx context.Context, rec PredictionRecord) error {
	if rec.RequestID == "" {
		rec.RequestID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	features, err := json.Marshal(rec.Features)
	if err != nil {
		return err
	}
	_, err = s.database.ExecContext(ctx, `
        INSERT INTO predictions (
            request_id, features, predicted_label, probability_true, probability_false, created_at
        ) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RequestID, string(features), rec.PredictedLabel, rec.ProbabilityTrue, rec.ProbabilityFalse, rec.CreatedAt)
	return err
}

// RecentPredictions returns up to limit audit rows, newest first.
func (s *Store) RecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.database.QueryContext(ctx, `
        SELECT request_id, features, predicted_label, probability_true, probability_false, created_at
        FROM predictions
        ORDER BY created_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]PredictionRecord, 0)
	for rows.Next() {
		var rec PredictionRecord
		var features string
		if err := rows.Scan(&rec.RequestID, &features, &rec.PredictedLabel,
			&rec.ProbabilityTrue, &rec.ProbabilityFalse, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(features), &rec.Features); err != nil {
			return nil, fmt.Errorf("prediction %s: %w", rec.RequestID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
