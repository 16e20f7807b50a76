package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the shared configuration of the trainer and the scoring server.
type Config struct {
	Dataset  DatasetConfig  `yaml:"dataset"`
	Training TrainingConfig `yaml:"training"`
	Model    struct {
		Path string `yaml:"path"`
	} `yaml:"model"`
	Http     HttpConfig `yaml:"http"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Cache struct {
		Size int `yaml:"size"`
	} `yaml:"cache"`
	Log LogConfig `yaml:"log"`
}

type DatasetConfig struct {
	Path     string   `yaml:"path"`
	Label    string   `yaml:"label"`
	Features []string `yaml:"features"`
}

type TrainingConfig struct {
	TestRatio      float64 `yaml:"test_ratio"`
	Seed           *int64  `yaml:"seed"`
	ForestTrees    int     `yaml:"forest_trees"`
	ForestMaxDepth int     `yaml:"forest_max_depth"`
	SVMC           float64 `yaml:"svm_c"`
	SVMGamma       float64 `yaml:"svm_gamma"`
	LogisticC      float64 `yaml:"logistic_c"`
}

type HttpConfig struct {
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	Rate           string        `yaml:"rate"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var cfg Config
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Dataset.Path == "" {
		c.Dataset.Path = "./data/heart_failure_clinical_records_dataset.csv"
	}
	if c.Dataset.Label == "" {
		c.Dataset.Label = "DEATH_EVENT"
	}
	if len(c.Dataset.Features) == 0 {
		c.Dataset.Features = []string{"age", "ejection_fraction", "serum_sodium", "serum_creatinine", "time"}
	}
	if c.Training.TestRatio == 0 {
		c.Training.TestRatio = 0.2
	}
	if c.Training.Seed == nil {
		var seed int64
		c.Training.Seed = &seed
	}
	if c.Training.ForestTrees == 0 {
		c.Training.ForestTrees = 20
	}
	if c.Training.SVMC == 0 {
		c.Training.SVMC = 10
	}
	if c.Training.SVMGamma == 0 {
		c.Training.SVMGamma = 0.01
	}
	if c.Training.LogisticC == 0 {
		c.Training.LogisticC = 1
	}
	if c.Model.Path == "" {
		c.Model.Path = "./model/heart_failure_clf.json"
	}
	if c.Http.Port == 0 {
		c.Http.Port = 8000
	}
	if c.Http.Timeout == 0 {
		c.Http.Timeout = 30 * time.Second
	}
	if c.Http.Rate == "" {
		c.Http.Rate = "100-S"
	}
	if len(c.Http.AllowedOrigins) == 0 {
		c.Http.AllowedOrigins = []string{"*"}
	}
	if c.Http.MaxBodyBytes == 0 {
		c.Http.MaxBodyBytes = 1 << 20
	}
	if c.Database.Path == "" {
		c.Database.Path = "./heartfailure.db"
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = 1024
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if c.Training.TestRatio <= 0 || c.Training.TestRatio >= 1 {
		return fmt.Errorf("training.test_ratio %v outside (0,1)", c.Training.TestRatio)
	}
	if c.Training.ForestTrees < 0 || c.Training.ForestMaxDepth < 0 {
		return errors.New("training forest settings must not be negative")
	}
	if c.Training.SVMC < 0 || c.Training.SVMGamma < 0 || c.Training.LogisticC < 0 {
		return errors.New("training regularisation parameters must be positive")
	}
	if c.Http.Port < 0 || c.Http.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.Http.Port)
	}
	if c.Cache.Size < 0 {
		return errors.New("cache.size must not be negative")
	}
	return nil
}
