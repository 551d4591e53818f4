// Package server exposes the execution service over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/config"
	"github.com/runbox/runbox/internal/files"
	"github.com/runbox/runbox/internal/kv"
	"github.com/runbox/runbox/internal/logging"
	"github.com/runbox/runbox/internal/orchestrator"
	"github.com/runbox/runbox/internal/pool"
	"github.com/runbox/runbox/internal/session"
	"github.com/runbox/runbox/internal/state"
)

// Server wires the HTTP surface to the execution pipeline.
type Server struct {
	engine   *gin.Engine
	orch     *orchestrator.Orchestrator
	sessions *session.Service
	files    *files.Service
	states   *state.Store
	pool     *pool.Pool
	kv       kv.Store
	cfg      *config.Config
	log      *zap.Logger

	http *http.Server
}

// New builds the router. Call Run to serve.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, sessions *session.Service,
	fileSvc *files.Service, states *state.Store, p *pool.Pool, kvs kv.Store) *Server {

	s := &Server{
		orch:     orch,
		sessions: sessions,
		files:    fileSvc,
		states:   states,
		pool:     p,
		kv:       kvs,
		cfg:      cfg,
		log:      logging.L().Named("server"),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(recovery(s.log))
	r.Use(requestLogger(s.log))

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/")
	authed.Use(apiKeyAuth(cfg.APIKeys))
	authed.Use(rateLimit(newRateLimiters(cfg.RateLimitRPS, cfg.RateLimitBurst)))

	authed.GET("/health/pool", s.handlePoolHealth)
	authed.POST("/exec", s.handleExec)
	authed.POST("/exec/state", s.handleUploadState)
	authed.POST("/upload", s.handleUpload)
	authed.GET("/files/:session_id", s.handleListFiles)
	authed.GET("/download/:session_id/:file_id", s.handleDownload)
	authed.DELETE("/files/:session_id/:file_id", s.handleDeleteFile)

	s.engine = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("listening", zap.String("addr", s.cfg.ListenAddr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
