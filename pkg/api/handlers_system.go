package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bettafish/bettafish/pkg/supervisor"
)

func (s *Server) status(c *gin.Context) {
	resp := gin.H{
		"success": true,
		"system":  s.sup.Status(),
		"tasks":   s.registry.Summaries(),
	}
	if task, ok := s.registry.Running(); ok {
		resp["current_task"] = task.Summary()
	}
	if bl := s.sup.Baseline(); bl != nil {
		readiness, err := bl.CheckNewFiles(s.cfg.Current().ReportArtifactDirs())
		if err == nil {
			resp["engines"] = readiness
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) systemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "system": s.sup.Status()})
}

// systemStart runs supervisor initialization synchronously; engine health
// probes bound its duration.
func (s *Server) systemStart(c *gin.Context) {
	if err := s.sup.Initialize(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
			"system":  s.sup.Status(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "system": s.sup.Status()})
}

func (s *Server) systemShutdown(c *gin.Context) {
	s.sup.AsyncShutdown(supervisor.CleanupTimeout)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "shutdown scheduled"})
}

// getConfig returns the non-secret configuration view. API keys are reported
// only as configured/unconfigured.
func (s *Server) getConfig(c *gin.Context) {
	settings := s.cfg.Current()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"config": gin.H{
			"http_port":         settings.HTTPPort,
			"logs_dir":          settings.LogsDir,
			"final_reports_dir": settings.FinalReportsDir,
			"templates_dir":     settings.TemplatesDir,
			"llm": gin.H{
				"report":  credentialView(settings.ReportLLM.Model, settings.ReportLLM.Configured()),
				"forum":   credentialView(settings.ForumLLM.Model, settings.ForumLLM.Configured()),
				"insight": credentialView(settings.InsightLLM.Model, settings.InsightLLM.Configured()),
				"media":   credentialView(settings.MediaLLM.Model, settings.MediaLLM.Configured()),
				"query":   credentialView(settings.QueryLLM.Model, settings.QueryLLM.Configured()),
			},
			"pipeline":         settings.Pipeline,
			"forum":            settings.Forum,
			"database_enabled": settings.Database.Enabled(),
		},
	})
}

func credentialView(model string, configured bool) gin.H {
	return gin.H{"model": model, "configured": configured}
}

// updateConfig persists key-value pairs into the .env file and reloads the
// in-memory settings.
func (s *Server) updateConfig(c *gin.Context) {
	var updates map[string]string
	if err := c.ShouldBindJSON(&updates); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(updates) == 0 {
		fail(c, http.StatusBadRequest, "no updates provided")
		return
	}
	if err := s.cfg.Update(updates); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "updated": len(updates)})
}
