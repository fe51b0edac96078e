// Package api provides the HTTP server for the gateway. It wires the Gin
// engine, the logging middleware, the health probe, and the catch-all proxy
// route, and owns graceful startup and shutdown of the listener.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/codexmux/internal/account"
	"github.com/router-for-me/codexmux/internal/api/handlers/gateway"
	"github.com/router-for-me/codexmux/internal/api/middleware"
	"github.com/router-for-me/codexmux/internal/config"
	"github.com/router-for-me/codexmux/internal/logging"
	"github.com/router-for-me/codexmux/internal/upstream"
	"github.com/router-for-me/codexmux/internal/util"
)

// Server represents the gateway HTTP server.
type Server struct {
	// engine is the Gin web framework engine instance.
	engine *gin.Engine

	// server is the underlying HTTP server.
	server *http.Server

	// cfg holds the configuration the server was last updated with.
	cfg *config.Config

	// requestLogger records proxied exchanges when request-log is enabled.
	requestLogger logging.RequestLogger
}

// NewServer creates and initializes a new gateway server instance. The logs
// directory for request capture is resolved next to the configuration file.
func NewServer(cfg *config.Config, pool *account.Pool, client *upstream.Client, configFilePath string) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())

	requestLogger := logging.NewFileRequestLogger(cfg.RequestLog, "logs", filepath.Dir(configFilePath))
	engine.Use(middleware.RequestLoggingMiddleware(requestLogger))

	s := &Server{
		engine:        engine,
		cfg:           cfg,
		requestLogger: requestLogger,
	}
	s.setupRoutes(cfg, pool, client)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler: engine,
	}
	return s
}

// setupRoutes registers the health probe and the catch-all proxy route.
// Everything that is not /health belongs to the upstream.
func (s *Server) setupRoutes(cfg *config.Config, pool *account.Pool, client *upstream.Client) {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	proxy := gateway.NewHandler(cfg, pool, client)
	s.engine.NoRoute(proxy.Proxy)
}

// Start begins listening for and serving HTTP requests. It blocks until the
// listener fails or Stop shuts it down.
func (s *Server) Start() error {
	log.Infof("gateway listening on %s", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server: the listener closes immediately and
// in-flight requests get until ctx expires to finish.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping gateway server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	log.Debug("gateway server stopped")
	return nil
}

// ApplyConfig folds a reloaded configuration into the running server. Only
// the diagnostic switches take effect live; address and pool changes require
// a restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	if s.cfg.RequestLog != cfg.RequestLog {
		s.requestLogger.SetEnabled(cfg.RequestLog)
		log.Debugf("request logging updated from %t to %t", s.cfg.RequestLog, cfg.RequestLog)
	}

	if s.cfg.Debug != cfg.Debug {
		util.SetLogLevel(cfg)
		log.Debugf("debug mode updated from %t to %t", s.cfg.Debug, cfg.Debug)
	}

	if s.cfg.LoggingToFile != cfg.LoggingToFile {
		if err := logging.ConfigureLogOutput(cfg); err != nil {
			log.Errorf("failed to reconfigure log output: %v", err)
		} else {
			log.Debugf("logging-to-file updated from %t to %t", s.cfg.LoggingToFile, cfg.LoggingToFile)
		}
	}

	s.cfg = cfg
}
