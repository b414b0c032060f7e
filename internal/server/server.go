// Package server exposes the embedding pipeline over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kaxap/txtvec/internal/cache"
	"github.com/kaxap/txtvec/internal/config"
	"github.com/kaxap/txtvec/internal/embeddings"
	"github.com/kaxap/txtvec/internal/logger"
	"github.com/kaxap/txtvec/internal/metrics"
	"github.com/kaxap/txtvec/internal/security"
	"github.com/kaxap/txtvec/internal/websocket"
)

// Embedder is the part of the embedding pipeline the server uses
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Info(ctx context.Context) (embeddings.ModelInfo, error)
	Pooling() embeddings.Pooling
	GetStats() *embeddings.ModelStats
}

// Readiness reports whether the model has been loaded
type Readiness interface {
	Ready() bool
}

// Options contains the dependencies of a Server
type Options struct {
	Config   *config.Config
	Pipeline Embedder
	State    Readiness         // optional
	Cache    *cache.BatchCache // optional
	Metrics  *metrics.Metrics  // optional, a private registry is created if nil
	Logger   *logger.Logger
}

// Server represents the embedding HTTP server
type Server struct {
	config   *config.Config
	logger   *logger.Logger
	pipeline Embedder
	state    Readiness
	cache    *cache.BatchCache
	metrics  *metrics.Metrics
	limiter  *security.RateLimiter
	router   *mux.Router
	server   *http.Server
	wsHub    *websocket.Hub

	started    time.Time
	loadedOnce sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a new server instance
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("embedding pipeline is required")
	}
	if opts.Logger == nil {
		opts.Logger = &logger.Logger{Logger: zap.NewNop()}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	cfg := opts.Config

	s := &Server{
		config:   cfg,
		logger:   opts.Logger.WithComponent("server"),
		pipeline: opts.Pipeline,
		state:    opts.State,
		cache:    opts.Cache,
		metrics:  opts.Metrics,
		limiter: security.NewRateLimiter(security.RateLimitConfig{
			Enabled:           cfg.Server.RateLimit.Enabled,
			RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
			Burst:             cfg.Server.RateLimit.Burst,
		}),
		router:  mux.NewRouter(),
		started: time.Now(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wsHub = websocket.NewHub(&websocket.HubConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxMessageSize: cfg.Server.MaxBodyBytes,
	}, s, embeddings.Code, opts.Logger.WithComponent("websocket").Logger)

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	wsPath := s.config.Server.WebSocketPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	s.router.HandleFunc(wsPath, s.wsHub.HandleWebSocket).Methods("GET")

	embed := http.HandlerFunc(s.handleEmbeddings)
	s.router.Handle("/embeddings", s.loggingMiddleware(s.rateLimitMiddleware(embed))).Methods("POST")
}

// Handler returns the HTTP handler serving all routes
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub
func (s *Server) Hub() *websocket.Hub {
	return s.wsHub
}

// Start runs the WebSocket hub and serves HTTP until Stop is called
func (s *Server) Start() error {
	s.logger.Info("Starting txtvec embedding server",
		zap.Int("port", s.config.Server.Port),
		zap.String("model", s.config.Model.ID),
		zap.String("revision", s.config.Model.Revision),
		zap.String("pooling", string(s.pipeline.Pooling())),
		zap.Bool("cache_enabled", s.cache != nil),
		zap.Bool("rate_limit_enabled", s.config.Server.RateLimit.Enabled),
	)

	go s.wsHub.Run(s.ctx)
	s.limiter.StartCleanupRoutine(s.ctx, 30*time.Minute)

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping txtvec embedding server")
	s.cancel()
	return s.server.Shutdown(ctx)
}

// RecordModelLoaded publishes the model load time once
func (s *Server) RecordModelLoaded(loadTime time.Duration) {
	s.loadedOnce.Do(func() {
		s.metrics.RecordModelLoaded(loadTime)
	})
}
