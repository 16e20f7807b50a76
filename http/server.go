// Package http 提供HTTP服务器功能
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"heartfailure/db"
	"heartfailure/ml"
	"heartfailure/monitoring"
)

// ModelSource 提供已加载的模型
type ModelSource interface {
	Model() (*ml.LoadedEnsemble, error)
}

// AuditStore 评分审计与训练日志存储
type AuditStore interface {
	SavePrediction(ctx context.Context, rec db.PredictionRecord) error
	RecentPredictions(ctx context.Context, limit int) ([]db.PredictionRecord, error)
	LoadTrainingLog(ctx context.Context, limit int) ([]db.TrainingLog, error)
}

// Server HTTP服务器
type Server struct {
	server  *http.Server
	handler http.Handler
	config  ServerConfig

	models  ModelSource
	store   AuditStore
	feed    *monitoring.PredictionFeed
	metrics *monitoring.ScoringMetrics
	cache   *lru.Cache[string, ml.Prediction]
	logger  *zap.Logger
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port           int
	Timeout        time.Duration
	Rate           string
	AllowedOrigins []string
	MaxBodyBytes   int64
	CacheSize      int
}

// Deps 服务器依赖；Store 与 Feed 可为空
type Deps struct {
	Models  ModelSource
	Store   AuditStore
	Feed    *monitoring.PredictionFeed
	Metrics *monitoring.ScoringMetrics
	Logger  *zap.Logger
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8000,
		Timeout:        30 * time.Second,
		Rate:           "100-S",
		AllowedOrigins: []string{"*"},
		MaxBodyBytes:   1 << 20,
		CacheSize:      1024,
	}
}

// NewServer 创建HTTP服务器
func NewServer(config ServerConfig, deps Deps) (*Server, error) {
	if deps.Models == nil {
		return nil, errors.New("http: model source is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = monitoring.NewScoringMetrics()
	}

	s := &Server{
		config:  config,
		models:  deps.Models,
		store:   deps.Store,
		feed:    deps.Feed,
		metrics: deps.Metrics,
		logger:  deps.Logger,
	}
	if config.CacheSize > 0 {
		cache, err := lru.New[string, ml.Prediction](config.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("http: prediction cache: %w", err)
		}
		s.cache = cache
	}

	mux := http.NewServeMux()
	s.registerHandlers(mux)

	middlewares := []Middleware{
		RecoveryMiddleware(s.logger),          // 1. 恢复中间件（最先执行，捕获panic）
		LoggerMiddleware(s.logger),            // 2. 日志中间件，分配请求ID
		SecurityHeadersMiddleware,             // 3. 安全头中间件
		CORSMiddleware(config.AllowedOrigins), // 4. CORS中间件
	}
	if config.Rate != "" {
		rateLimit, err := RateLimitMiddleware(config.Rate)
		if err != nil {
			return nil, fmt.Errorf("http: rate %q: %w", config.Rate, err)
		}
		middlewares = append(middlewares, rateLimit) // 5. 限流中间件
	}
	middlewares = append(middlewares,
		RequestSizeMiddleware(config.MaxBodyBytes), // 6. 请求大小限制
		TimeoutMiddleware(config.Timeout),          // 7. 超时中间件
	)

	s.handler = Chain(middlewares...)(mux)
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       config.Timeout,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler 返回带中间件的根处理器
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start 启动服务器，阻塞直到关闭
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return s.Serve(listener)
}

// Serve 在给定监听器上提供服务
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("starting HTTP server",
		zap.String("addr", listener.Addr().String()),
		zap.String("feed", "/api/ws/predictions"))

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr 返回服务器地址
func (s *Server) Addr() string {
	return s.server.Addr
}
