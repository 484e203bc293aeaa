// Package api exposes the relay endpoint and the management API over
// HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaymux/relaymux/internal/api/handlers/management"
	"github.com/relaymux/relaymux/internal/api/middleware"
	"github.com/relaymux/relaymux/internal/buildinfo"
	"github.com/relaymux/relaymux/internal/channel"
	"github.com/relaymux/relaymux/internal/config"
	log "github.com/relaymux/relaymux/internal/logging"
	"github.com/relaymux/relaymux/internal/orchestrator"
	"github.com/relaymux/relaymux/internal/record"
)

// Server hosts the relay and management endpoints.
type Server struct {
	engine      *gin.Engine
	httpSrv     *http.Server
	coordinator *orchestrator.Coordinator
	registry    *channel.Registry
	recorder    record.Recorder
}

// NewServer builds the HTTP surface. Debug mode switches gin into its
// verbose mode; production runs release mode.
func NewServer(cfg *config.Config, coordinator *orchestrator.Coordinator, registry *channel.Registry, recorder record.Recorder) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:      engine,
		coordinator: coordinator,
		registry:    registry,
		recorder:    recorder,
		httpSrv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	engine.GET("/health", s.handleHealth)

	v1 := engine.Group("/v1")
	v1.Use(middleware.RequestSizeLimit(cfg.MaxRequestBytes))
	v1.POST("/chat/completions", s.handleChatCompletions)

	mgmt := engine.Group("/v0/management")
	management.NewHandler(coordinator, registry, recorder).RegisterRoutes(mgmt)

	return s
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": buildinfo.Version,
	})
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	log.Infof("server listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
