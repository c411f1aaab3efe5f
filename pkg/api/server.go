// Package api exposes the HTTP and SSE surface: report generation and
// streaming, system lifecycle, configuration, and health.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bettafish/bettafish/pkg/config"
	"github.com/bettafish/bettafish/pkg/events"
	"github.com/bettafish/bettafish/pkg/report/pipeline"
	"github.com/bettafish/bettafish/pkg/supervisor"
)

// LogTailCap bounds the report log tail read from EOF.
const LogTailCap = 10 << 20 // 10 MiB

// Options configures a Server.
type Options struct {
	Config     *config.Manager
	Supervisor *supervisor.Supervisor
	Bus        *events.Bus
	// LogPath is the application log file tailed by GET /api/report/log.
	LogPath string
}

// Server wires the HTTP handlers to the supervisor, event bus, and registry.
type Server struct {
	cfg      *config.Manager
	sup      *supervisor.Supervisor
	bus      *events.Bus
	registry *Registry
	logPath  string
	log      *slog.Logger

	// generate runs the report pipeline; replaced in tests.
	generate func(ctx context.Context, input pipeline.Input, emit pipeline.EmitFunc) (*pipeline.Result, error)
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:      opts.Config,
		sup:      opts.Supervisor,
		bus:      opts.Bus,
		registry: NewRegistry(opts.Config.Current().TaskRegistryLimit),
		logPath:  opts.LogPath,
		log:      slog.With("component", "api"),
	}
	s.generate = s.runPipeline
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", s.healthz)

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/status", s.status)

		report := apiGroup.Group("/report")
		{
			report.POST("/generate", s.generateReport)
			report.GET("/progress/:taskId", s.progress)
			report.GET("/stream/:taskId", s.stream)
			report.GET("/result/:taskId", s.result)
			report.GET("/download/:taskId", s.download)
			report.POST("/cancel/:taskId", s.cancel)
			report.GET("/templates", s.templates)
			report.GET("/log", s.reportLog)
			report.GET("/history", s.history)
		}

		system := apiGroup.Group("/system")
		{
			system.GET("/status", s.systemStatus)
			system.POST("/start", s.systemStart)
			system.POST("/shutdown", s.systemShutdown)
		}

		apiGroup.GET("/config", s.getConfig)
		apiGroup.POST("/config", s.updateConfig)
	}
	return router
}

// requestLogger logs each request with slog instead of gin's default writer.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail writes the error envelope.
func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "error": message})
}
