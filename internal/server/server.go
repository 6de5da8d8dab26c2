// Package server implements the HTTP surface of the OCR gateway: the gated
// extraction and understanding endpoints, the admin key-management API, and
// the health probes. It handles request routing and server lifecycle; the
// admission decision itself lives in the apikey package.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/scantext/ocr-gateway/internal/adminauth"
	"github.com/scantext/ocr-gateway/internal/apikey"
	"github.com/scantext/ocr-gateway/internal/config"
	"github.com/scantext/ocr-gateway/internal/database"
	"github.com/scantext/ocr-gateway/internal/engine"
)

// Version is the application version, following semantic versioning.
const Version = "0.1.0"

// Server is the gateway HTTP server. It is not started until Start is called.
type Server struct {
	server  *http.Server
	engine  *gin.Engine
	config  *config.Config
	logger  *zap.Logger
	store   *apikey.Store
	gate    *apikey.Gate
	issuer  *adminauth.Issuer
	ocr     engine.OCR
	vlm     engine.VLM
	presets  *engine.Presets
	usageDB  *database.DB
	recorder *database.UsageRecorder
	logins   *loginThrottle

	startTime time.Time
	now       func() time.Time
}

// Options carries the collaborators the server routes requests to. OCR, VLM,
// Presets, and UsageDB may be nil; the corresponding endpoints then answer
// 503 (engines) or fall back to in-memory counters (stats).
type Options struct {
	Store    *apikey.Store
	Gate     *apikey.Gate
	Issuer   *adminauth.Issuer
	OCR      engine.OCR
	VLM      engine.VLM
	Presets  *engine.Presets
	UsageDB  *database.DB
	Recorder *database.UsageRecorder
}

// New creates the gateway server with all routes registered.
func New(cfg *config.Config, logger *zap.Logger, opts Options) *Server {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.Env == "test" {
		gin.SetMode(gin.TestMode)
	}

	router := gin.New()

	// VLM inference on CPU routinely outlives the default request timeout;
	// the write deadline must cover the slowest engine plus slack, or the
	// response would die on an expired connection after the work is done.
	writeTimeout := cfg.RequestTimeout
	if engineTimeout := cfg.VLMTimeout + 30*time.Second; engineTimeout > writeTimeout {
		writeTimeout = engineTimeout
	}

	s := &Server{
		engine:    router,
		config:    cfg,
		logger:    logger,
		store:     opts.Store,
		gate:      opts.Gate,
		issuer:    opts.Issuer,
		ocr:       opts.OCR,
		vlm:       opts.VLM,
		presets:   opts.Presets,
		usageDB:   opts.UsageDB,
		recorder:  opts.Recorder,
		logins:    newLoginThrottle(loginAttemptsPerMinute),
		startTime: time.Now(),
		now:       time.Now,
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      router,
			ReadTimeout:  cfg.RequestTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  cfg.RequestTimeout * 2,
		},
	}

	router.Use(gin.Recovery())
	router.Use(s.requestIDMiddleware())
	router.Use(s.logRequestMiddleware())

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/live", s.handleLive)
	s.engine.GET("/ready", s.handleReady)

	ocr := s.engine.Group("/ocr", s.apiKeyMiddleware(), s.recordUsageMiddleware())
	{
		ocr.POST("/extract", s.handleExtract)
		ocr.POST("/extract/detailed", s.handleExtractDetailed)
		ocr.POST("/extract/hocr", s.handleExtractHOCR)
		ocr.POST("/batch", s.handleBatch)
		ocr.GET("/languages", s.handleLanguages)
		ocr.POST("/understand", s.handleUnderstand)
		ocr.GET("/understand/status", s.handleUnderstandStatus)
		ocr.GET("/understand/presets", s.handleUnderstandPresets)
	}

	s.engine.POST("/admin/login", s.handleAdminLogin)
	admin := s.engine.Group("/admin", s.adminAuthMiddleware())
	{
		admin.GET("/keys", s.handleListKeys)
		admin.POST("/keys", s.handleCreateKey)
		admin.GET("/keys/:id/stats", s.handleKeyStats)
		admin.PATCH("/keys/:id", s.handleUpdateKey)
		admin.PATCH("/keys/:id/toggle", s.handleToggleKey)
		admin.DELETE("/keys/:id", s.handleDeleteKey)
		admin.GET("/stats", s.handleStats)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start runs the HTTP server. It blocks until the server shuts down or an
// unrecoverable error occurs.
func (s *Server) Start() error {
	s.logger.Info("server starting", zap.String("addr", s.config.ListenAddr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	return s.server.Shutdown(ctx)
}

// HealthResponse is the body of the health check endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Keys      int       `json:"keys"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: s.now().UTC(),
		Version:   Version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Keys:      s.store.Len(),
	})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleReady(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
