package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"heartfailure/config"
	"heartfailure/db"
	api "heartfailure/http"
	"heartfailure/logging"
	"heartfailure/ml"
	"heartfailure/monitoring"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults when empty)")
	modelPath := flag.String("model_path", "", "artifact to serve, overrides model.path")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// 2. Initialize database
	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to open database", zap.String("path", cfg.Database.Path), zap.Error(err))
	}
	defer store.Close()
	logger.Info("database initialized", zap.String("path", cfg.Database.Path))

	// 3. Load the model once; the server does not start without it
	scorer := ml.NewScorer()
	if err := scorer.Load(cfg.Model.Path); err != nil {
		logger.Fatal("failed to load model", zap.Error(err))
	}
	model, _ := scorer.Model()
	logger.Info("model loaded", zap.String("path", model.Path()), zap.Strings("features", model.FeatureNames()))

	feed := monitoring.NewPredictionFeed(logger, cfg.Http.AllowedOrigins)
	go feed.Start()
	defer feed.Stop()
	if err := feed.SetModelStatus(monitoring.ModelStatusEvent{
		Path:     model.Path(),
		Features: model.FeatureNames(),
		LoadedAt: model.LoadedAt(),
	}); err != nil {
		logger.Warn("failed to publish model status", zap.Error(err))
	}

	// 4. Start HTTP server
	server, err := api.NewServer(api.ServerConfig{
		Port:           cfg.Http.Port,
		Timeout:        cfg.Http.Timeout,
		Rate:           cfg.Http.Rate,
		AllowedOrigins: cfg.Http.AllowedOrigins,
		MaxBodyBytes:   cfg.Http.MaxBodyBytes,
		CacheSize:      cfg.Cache.Size,
	}, api.Deps{
		Models:  scorer,
		Store:   store,
		Feed:    feed,
		Metrics: monitoring.NewScoringMetrics(),
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("failed to build HTTP server", zap.Error(err))
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	// 5. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}

	logger.Info("exiting")
}
