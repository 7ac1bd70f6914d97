// Package api exposes the HTTP surface: alert ingest, change feeds, incident
// lifecycle, review, feedback, metrics and admin operations.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"iats/internal/auth"
	"iats/internal/config"
	"iats/internal/errs"
	"iats/internal/ingest"
	"iats/internal/registry"
	"iats/internal/store"
)

// Store is the persistence surface handlers need.
type Store interface {
	store.Queries
	WithTx(ctx context.Context, fn func(store.Queries) error) error
}

// Server holds handler dependencies.
type Server struct {
	Store        Store
	Orchestrator *ingest.Orchestrator
	Auth         *auth.Authenticator
	Registry     *registry.ServiceRegistry
	Settings     *config.Settings
	Logger       *logrus.Logger

	validate *validator.Validate
}

// NewServer wires the handler set.
func NewServer(st Store, orch *ingest.Orchestrator, authn *auth.Authenticator, reg *registry.ServiceRegistry, cfg *config.Settings, logger *logrus.Logger) *Server {
	return &Server{
		Store:        st,
		Orchestrator: orch,
		Auth:         authn,
		Registry:     reg,
		Settings:     cfg,
		Logger:       logger,
		validate:     validator.New(),
	}
}

// Router builds the gin engine with middleware and all routes.
func (s *Server) Router() *gin.Engine {
	if s.Settings.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.Logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(s.Auth.Middleware())
	{
		v1.POST("/alerts/cloudwatch", s.postCloudWatchAlert)
		v1.POST("/alerts/alertmanager", s.postAlertmanagerAlert)
		v1.POST("/changes/deployments", s.postDeployment)
		v1.POST("/changes/config", s.postConfigChange)

		v1.GET("/incidents", s.listIncidents)
		v1.GET("/incidents/:id", s.getIncident)
		v1.GET("/incidents/:id/evidence", s.getIncidentEvidence)
		v1.GET("/incidents/:id/report", s.getIncidentReport)
		v1.POST("/incidents/:id/decision", s.postDecision)
		v1.POST("/incidents/:id/status", s.postStatus)
		v1.POST("/incidents/:id/feedback", s.postFeedback)
		v1.GET("/incidents/:id/feedback", s.listIncidentFeedback)

		v1.GET("/metrics/quality", s.getQualityMetrics)
		v1.GET("/metrics/runtime", s.getRuntimeMetrics)

		v1.POST("/admin/purge", s.postPurge)
	}
	return router
}

// respondError maps the error taxonomy onto HTTP status codes.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errs.IsNormalization(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
	case errors.Is(err, errs.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.Logger.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// requestLogger emits one structured line per request.
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		logger.WithFields(logrus.Fields{
			"status_code": c.Writer.Status(),
			"method":      c.Request.Method,
			"path":        path,
			"ip":          c.ClientIP(),
			"latency":     time.Since(start),
		}).Info("HTTP request")
	}
}
