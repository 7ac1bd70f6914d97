package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"iats/internal/auth"
	"iats/internal/errs"
	"iats/internal/store"
	"iats/pkg/types"
)

func (s *Server) postCloudWatchAlert(c *gin.Context) {
	s.handleIngest(c, types.SourceCloudWatch)
}

func (s *Server) postAlertmanagerAlert(c *gin.Context) {
	s.handleIngest(c, types.SourceAlertmanager)
}

func (s *Server) handleIngest(c *gin.Context, source types.AlertSource) {
	principal := auth.PrincipalFrom(c)
	if !principal.MayIngest() {
		s.respondError(c, fmt.Errorf("%w: ingest permission required", errs.ErrForbidden))
		return
	}
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil || len(payload) == 0 {
		s.respondError(c, errs.Normalization("empty alert payload"))
		return
	}
	result, err := s.Orchestrator.IngestAlert(c.Request.Context(), source, payload, principal.Subject)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type deploymentRequest struct {
	Service    string         `json:"service" validate:"required"`
	Env        string         `json:"env" validate:"required"`
	DeployedAt time.Time      `json:"deployed_at" validate:"required"`
	Version    string         `json:"version"`
	GitSHA     string         `json:"git_sha"`
	Actor      string         `json:"actor"`
	Source     string         `json:"source"`
	Metadata   map[string]any `json:"metadata"`
}

func (s *Server) postDeployment(c *gin.Context) {
	principal := auth.PrincipalFrom(c)
	if !principal.MayIngest() {
		s.respondError(c, fmt.Errorf("%w: ingest permission required", errs.ErrForbidden))
		return
	}
	var req deploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	deploy := &types.DeploymentEvent{
		Service:    req.Service,
		Env:        req.Env,
		DeployedAt: req.DeployedAt,
		Version:    req.Version,
		GitSHA:     req.GitSHA,
		Actor:      req.Actor,
		Source:     req.Source,
		Metadata:   req.Metadata,
	}
	err := s.Store.WithTx(c.Request.Context(), func(q store.Queries) error {
		if err := q.CreateDeployment(c.Request.Context(), deploy); err != nil {
			return err
		}
		return q.CreateAuditLog(c.Request.Context(), &types.AuditLog{
			Actor:        principal.Subject,
			Action:       "change.deployment",
			ResourceType: "deployment_event",
			ResourceID:   deploy.ID.String(),
			Details:      map[string]any{"service": req.Service, "env": req.Env},
		})
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": deploy.ID})
}

type configChangeRequest struct {
	Service   string    `json:"service" validate:"required"`
	Env       string    `json:"env" validate:"required"`
	ChangedAt time.Time `json:"changed_at" validate:"required"`
	Actor     string    `json:"actor"`
	Diff      string    `json:"diff"`
	Source    string    `json:"source"`
}

func (s *Server) postConfigChange(c *gin.Context) {
	principal := auth.PrincipalFrom(c)
	if !principal.MayIngest() {
		s.respondError(c, fmt.Errorf("%w: ingest permission required", errs.ErrForbidden))
		return
	}
	var req configChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	change := &types.ConfigChange{
		Service:   req.Service,
		Env:       req.Env,
		ChangedAt: req.ChangedAt,
		Actor:     req.Actor,
		Diff:      req.Diff,
		Source:    req.Source,
	}
	err := s.Store.WithTx(c.Request.Context(), func(q store.Queries) error {
		if err := q.CreateConfigChange(c.Request.Context(), change); err != nil {
			return err
		}
		return q.CreateAuditLog(c.Request.Context(), &types.AuditLog{
			Actor:        principal.Subject,
			Action:       "change.config",
			ResourceType: "config_change",
			ResourceID:   change.ID.String(),
			Details:      map[string]any{"service": req.Service, "env": req.Env},
		})
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": change.ID})
}

type incidentListItem struct {
	ID        uuid.UUID            `json:"id"`
	DedupKey  string               `json:"dedup_key"`
	Service   string               `json:"service"`
	Env       string               `json:"env"`
	Status    types.IncidentStatus `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func (s *Server) listIncidents(c *gin.Context) {
	principal := auth.PrincipalFrom(c)
	var items []incidentListItem
	err := s.Store.WithTx(c.Request.Context(), func(q store.Queries) error {
		incidents, err := q.ListIncidents(c.Request.Context())
		if err != nil {
			return err
		}
		for _, inc := range incidents {
			if !principal.AllowedService(inc.Service) {
				continue
			}
			items = append(items, incidentListItem{
				ID:        inc.ID,
				DedupKey:  inc.DedupKey,
				Service:   inc.Service,
				Env:       inc.Env,
				Status:    inc.Status,
				CreatedAt: inc.CreatedAt,
				UpdatedAt: inc.UpdatedAt,
			})
		}
		return q.CreateAuditLog(c.Request.Context(), &types.AuditLog{
			Actor:        principal.Subject,
			Action:       "incident.list",
			ResourceType: "incident",
		})
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	if items == nil {
		items = []incidentListItem{}
	}
	c.JSON(http.StatusOK, items)
}

// loadAuthorizedIncident resolves the path id, loads the incident and applies
// the service ACL.
func (s *Server) loadAuthorizedIncident(c *gin.Context, q store.Queries) (*types.Incident, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, errs.ErrNotFound
	}
	incident, err := q.GetIncident(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	principal := auth.PrincipalFrom(c)
	if !principal.AllowedService(incident.Service) {
		return nil, fmt.Errorf("%w: service=%s", errs.ErrForbidden, incident.Service)
	}
	return incident, nil
}

func (s *Server) getIncident(c *gin.Context) {
	principal := auth.PrincipalFrom(c)
	var body gin.H
	err := s.Store.WithTx(c.Request.Context(), func(q store.Queries) error {
		incident, err := s.loadAuthorizedIncident(c, q)
		if err != nil {
			return err
		}
		entry := s.Registry.Resolve(incident.Service)
		body = gin.H{
			"id":                    incident.ID,
			"dedup_key":             incident.DedupKey,
			"service":               incident.Service,
			"env":                   incident.Env,
			"service_version":       incident.ServiceVersion,
			"git_sha":               incident.GitSHA,
			"correlation_id":        incident.CorrelationID,
			"status":                incident.Status,
			"latest_alert_event_id": incident.LatestAlertEventID,
			"last_error":            incident.LastError,
			"created_at":            incident.CreatedAt,
			"updated_at":            incident.UpdatedAt,
			"owners":                entry.Owners,
			"runbook_url":           entry.RunbookURL,
			"dashboard_url":         entry.DashboardURL,
		}
		if incident.LatestAlertEventID != uuid.Nil {
			if alert, err := q.GetAlertEvent(c.Request.Context(), incident.LatestAlertEventID); err == nil {
				body["alert_title"] = alert.Title
				body["alert_fired_at"] = alert.FiredAt
			}
		}
		return q.CreateAuditLog(c.Request.Context(), &types.AuditLog{
			Actor:        principal.Subject,
			Action:       "incident.get",
			ResourceType: "incident",
			ResourceID:   incident.ID.String(),
		})
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getIncidentEvidence(c *gin.Context) {
	principal := auth.PrincipalFrom(c)
	var pack *types.EvidencePack
	err := s.Store.WithTx(c.Request.Context(), func(q store.Queries) error {
		incident, err := s.loadAuthorizedIncident(c, q)
		if err != nil {
			return err
		}
		pack, err = q.LatestEvidencePack(c.Request.Context(), incident.ID)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		return q.CreateAuditLog(c.Request.Context(), &types.AuditLog{
			Actor:        principal.Subject,
			Action:       "incident.evidence",
			ResourceType: "incident",
			ResourceID:   incident.ID.String(),
		})
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	if pack == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, pack)
}

func (s *Server) getIncidentReport(c *gin.Context) {
	principal := auth.PrincipalFrom(c)
	var body any
	err := s.Store.WithTx(c.Request.Context(), func(q store.Queries) error {
		incident, err := s.loadAuthorizedIncident(c, q)
		if err != nil {
			return err
		}
		report, err := q.GetTriageReport(c.Request.Context(), incident.ID)
		if err != nil {
			if !errors.Is(err, errs.ErrNotFound) {
				return err
			}
			if incident.Status == types.StatusFailed {
				body = gin.H{
					"status":  "failed",
					"reason":  incident.LastError,
					"message": "LLM unavailable or not configured",
				}
			}
		} else {
			body = gin.H{
				"id":           report.ID,
				"incident_id":  report.IncidentID,
				"generated_at": report.GeneratedAt,
				"model":        report.Model,
				"payload":      report.Payload,
			}
		}
		return q.CreateAuditLog(c.Request.Context(), &types.AuditLog{
			Actor:        principal.Subject,
			Action:       "incident.report",
			ResourceType: "incident",
			ResourceID:   incident.ID.String(),
		})
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, body)
}

type decisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Notes    string `json:"notes"`
}

func (s *Server) postDecision(c *gin.Context) {
	principal := auth.PrincipalFrom(c)
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	var status types.IncidentStatus
	err := s.Store.WithTx(c.Request.Context(), func(q store.Queries) error {
		incident, err := s.loadAuthorizedIncident(c, q)
		if err != nil {
			return err
		}
		if incident.Status != types.StatusAwaitingHumanReview {
			return errs.StateConflict(string(incident.Status), "review decision")
		}
		if err := q.CreateReviewDecision(c.Request.Context(), &types.ReviewDecision{
			IncidentID: incident.ID,
			Decision:   req.Decision,
			Notes:      req.Notes,
		}); err != nil {
			return err
		}
		if req.Decision == types.DecisionApprove {
			status = types.StatusTriaged
			if err := q.SetIncidentStatus(c.Request.Context(), incident.ID, status, ""); err != nil {
				return err
			}
		} else {
			status = types.StatusOpen
			if err := q.SetIncidentStatus(c.Request.Context(), incident.ID, status, req.Notes); err != nil {
				return err
			}
		}
		return q.CreateAuditLog(c.Request.Context(), &types.AuditLog{
			Actor:        principal.Subject,
			Action:       "incident.decision." + req.Decision,
			ResourceType: "incident",
			ResourceID:   incident.ID.String(),
			Details:      map[string]any{"notes": req.Notes},
		})
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

type statusRequest struct {
	Status types.IncidentStatus `json:"status" validate:"required,oneof=mitigated resolved postmortem_required"`
}

func (s *Server) postStatus(c *gin.Context) {
	principal := auth.PrincipalFrom(c)
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	err := s.Store.WithTx(c.Request.Context(), func(q store.Queries) error {
		incident, err := s.loadAuthorizedIncident(c, q)
		if err != nil {
			return err
		}
		if !types.CanTransition(incident.Status, req.Status) {
			return errs.StateConflict(string(incident.Status), string(req.Status))
		}
		if err := q.SetIncidentStatus(c.Request.Context(), incident.ID, req.Status, ""); err != nil {
			return err
		}
		return q.CreateAuditLog(c.Request.Context(), &types.AuditLog{
			Actor:        principal.Subject,
			Action:       "incident.status." + string(req.Status),
			ResourceType: "incident",
			ResourceID:   incident.ID.String(),
		})
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

type feedbackRequest struct {
	Helpful  *bool  `json:"helpful" validate:"required"`
	Correct  *bool  `json:"correct" validate:"required"`
	FinalRCA string `json:"final_rca"`
	Notes    string `json:"notes"`
}

func (s *Server) postFeedback(c *gin.Context) {
	principal := auth.PrincipalFrom(c)
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	var feedback *types.IncidentFeedback
	err := s.Store.WithTx(c.Request.Context(), func(q store.Queries) error {
		incident, err := s.loadAuthorizedIncident(c, q)
		if err != nil {
			return err
		}
		feedback = &types.IncidentFeedback{
			IncidentID: incident.ID,
			Reviewer:   principal.Subject,
			Helpful:    *req.Helpful,
			Correct:    *req.Correct,
			FinalRCA:   req.FinalRCA,
			Notes:      req.Notes,
		}
		if err := q.CreateFeedback(c.Request.Context(), feedback); err != nil {
			return err
		}
		return q.CreateAuditLog(c.Request.Context(), &types.AuditLog{
			Actor:        principal.Subject,
			Action:       "incident.feedback",
			ResourceType: "incident",
			ResourceID:   incident.ID.String(),
		})
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": feedback.ID})
}

func (s *Server) listIncidentFeedback(c *gin.Context) {
	principal := auth.PrincipalFrom(c)
	var items []types.IncidentFeedback
	err := s.Store.WithTx(c.Request.Context(), func(q store.Queries) error {
		incident, err := s.loadAuthorizedIncident(c, q)
		if err != nil {
			return err
		}
		items, err = q.ListFeedback(c.Request.Context(), incident.ID)
		if err != nil {
			return err
		}
		return q.CreateAuditLog(c.Request.Context(), &types.AuditLog{
			Actor:        principal.Subject,
			Action:       "incident.feedback.list",
			ResourceType: "incident",
			ResourceID:   incident.ID.String(),
		})
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	if items == nil {
		items = []types.IncidentFeedback{}
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) getQualityMetrics(c *gin.Context) {
	principal := auth.PrincipalFrom(c)
	var metrics *store.QualityMetrics
	err := s.Store.WithTx(c.Request.Context(), func(q store.Queries) error {
		var err error
		metrics, err = q.QualityMetrics(c.Request.Context())
		if err != nil {
			return err
		}
		return q.CreateAuditLog(c.Request.Context(), &types.AuditLog{
			Actor:        principal.Subject,
			Action:       "metrics.quality",
			ResourceType: "metrics",
		})
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (s *Server) getRuntimeMetrics(c *gin.Context) {
	principal := auth.PrincipalFrom(c)
	var metrics *store.RuntimeMetrics
	err := s.Store.WithTx(c.Request.Context(), func(q store.Queries) error {
		var err error
		metrics, err = q.RuntimeMetrics(c.Request.Context())
		if err != nil {
			return err
		}
		return q.CreateAuditLog(c.Request.Context(), &types.AuditLog{
			Actor:        principal.Subject,
			Action:       "metrics.runtime",
			ResourceType: "metrics",
		})
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (s *Server) postPurge(c *gin.Context) {
	principal := auth.PrincipalFrom(c)
	if principal.Role != types.RoleAdmin {
		s.respondError(c, fmt.Errorf("%w: admin required", errs.ErrForbidden))
		return
	}
	days := s.Settings.DataRetentionDays
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "days must be a positive integer"})
			return
		}
		days = parsed
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var deleted int64
	err := s.Store.WithTx(c.Request.Context(), func(q store.Queries) error {
		var err error
		deleted, err = q.Purge(c.Request.Context(), cutoff)
		if err != nil {
			return err
		}
		return q.CreateAuditLog(c.Request.Context(), &types.AuditLog{
			Actor:        principal.Subject,
			Action:       "admin.purge",
			ResourceType: "retention",
			Details:      map[string]any{"days": days, "deleted": deleted},
		})
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "days": days})
}
