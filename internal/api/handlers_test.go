package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iats/internal/auth"
	"iats/internal/config"
	"iats/internal/ingest"
	"iats/internal/registry"
	"iats/internal/storetest"
	"iats/pkg/types"
)

const adminToken = "test-shared-token"

type nopQueue struct{}

func (nopQueue) EnqueueTriage(context.Context, uuid.UUID) error { return nil }

func testServer(t *testing.T) (*Server, *storetest.Fake, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	regPath := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(regPath, []byte(`
alarms:
  iats-demo-high-error-rate:
    service: checkout-api
    env: staging
services:
  checkout-api:
    service: checkout-api
    env: staging
    owners: ["oncall@example.com"]
    runbook_url: https://runbooks.example.com/checkout
    dashboard_url: https://grafana.example.com/d/checkout
`), 0o644))
	reg, err := registry.LoadServiceRegistry(regPath)
	require.NoError(t, err)

	cfg := &config.Settings{
		Environment:             "test",
		AuthEnabled:             true,
		AuthSharedToken:         adminToken,
		DataRetentionDays:       30,
		DeployCorrelationWindow: 90,
	}
	fake := storetest.NewFake()
	orch := &ingest.Orchestrator{
		Store:    fake,
		Registry: reg,
		Queue:    nopQueue{},
		Settings: cfg,
		Logger:   logger,
	}
	authn := &auth.Authenticator{Enabled: true, SharedToken: adminToken}
	server := NewServer(fake, orch, authn, reg, cfg, logger)
	return server, fake, server.Router()
}

func claimsToken(t *testing.T, role string, services []string, canIngest bool) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"sub": "tester", "role": role, "services": services, "can_ingest": canIngest,
	})
	require.NoError(t, err)
	return base64.URLEncoding.EncodeToString(raw)
}

func doRequest(router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewBuffer(raw)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func seedIncident(t *testing.T, fake *storetest.Fake, service string, status types.IncidentStatus) *types.Incident {
	t.Helper()
	ctx := context.Background()
	alert := &types.AlertEvent{
		Source: types.SourceCloudWatch, ExternalID: "e", Title: "CloudWatch Alarm: x",
		Severity: "critical", State: "ALARM", FiredAt: time.Now().UTC(),
		Labels: map[string]string{}, Annotations: map[string]string{},
		ResourceRefs: map[string]string{"alarm_name": "x"}, RawPayload: []byte(`{}`),
	}
	require.NoError(t, fake.CreateAlertEvent(ctx, alert))
	incident, err := fake.UpsertIncident(ctx, uuid.NewString(), service, "staging", "", alert.ID)
	require.NoError(t, err)
	if status != types.StatusOpen {
		require.NoError(t, fake.SetIncidentStatus(ctx, incident.ID, status, ""))
		incident.Status = status
	}
	return incident
}

func TestHealthNoAuth(t *testing.T) {
	_, _, router := testServer(t)
	w := doRequest(router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRequestsRequireAuth(t *testing.T) {
	_, _, router := testServer(t)
	w := doRequest(router, http.MethodGet, "/v1/incidents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServiceACLForbidsOtherServices(t *testing.T) {
	_, fake, router := testServer(t)
	incident := seedIncident(t, fake, "checkout-api", types.StatusOpen)

	token := claimsToken(t, "responder", []string{"payments-api"}, false)
	w := doRequest(router, http.MethodGet, "/v1/incidents/"+incident.ID.String(), token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// A matching service grant reads fine.
	token = claimsToken(t, "responder", []string{"checkout-api"}, false)
	w = doRequest(router, http.MethodGet, "/v1/incidents/"+incident.ID.String(), token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListIncidentsFiltersByServices(t *testing.T) {
	_, fake, router := testServer(t)
	seedIncident(t, fake, "checkout-api", types.StatusOpen)
	seedIncident(t, fake, "payments-api", types.StatusOpen)

	token := claimsToken(t, "viewer", []string{"checkout-api"}, false)
	w := doRequest(router, http.MethodGet, "/v1/incidents", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var items []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "checkout-api", items[0]["service"])

	w = doRequest(router, http.MethodGet, "/v1/incidents", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	assert.Len(t, items, 2)
}

func TestGetIncidentIncludesRegistryContext(t *testing.T) {
	_, fake, router := testServer(t)
	incident := seedIncident(t, fake, "checkout-api", types.StatusOpen)

	w := doRequest(router, http.MethodGet, "/v1/incidents/"+incident.ID.String(), adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "https://runbooks.example.com/checkout", body["runbook_url"])
	assert.Equal(t, "CloudWatch Alarm: x", body["alert_title"])
}

func TestGetIncidentNotFound(t *testing.T) {
	_, _, router := testServer(t)
	w := doRequest(router, http.MethodGet, "/v1/incidents/"+uuid.NewString(), adminToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDecisionApproveThenStatusFlow(t *testing.T) {
	_, fake, router := testServer(t)
	incident := seedIncident(t, fake, "checkout-api", types.StatusAwaitingHumanReview)
	path := "/v1/incidents/" + incident.ID.String()

	w := doRequest(router, http.MethodPost, path+"/decision", adminToken, map[string]any{"decision": "approve"})
	require.Equal(t, http.StatusOK, w.Code)
	updated, _ := fake.GetIncident(context.Background(), incident.ID)
	assert.Equal(t, types.StatusTriaged, updated.Status)

	w = doRequest(router, http.MethodPost, path+"/status", adminToken, map[string]any{"status": "mitigated"})
	require.Equal(t, http.StatusOK, w.Code)
	w = doRequest(router, http.MethodPost, path+"/status", adminToken, map[string]any{"status": "resolved"})
	require.Equal(t, http.StatusOK, w.Code)
	updated, _ = fake.GetIncident(context.Background(), incident.ID)
	assert.Equal(t, types.StatusResolved, updated.Status)
}

func TestDecisionRejectReopensWithNotes(t *testing.T) {
	_, fake, router := testServer(t)
	incident := seedIncident(t, fake, "checkout-api", types.StatusAwaitingHumanReview)

	w := doRequest(router, http.MethodPost, "/v1/incidents/"+incident.ID.String()+"/decision", adminToken,
		map[string]any{"decision": "reject", "notes": "wrong root cause"})
	require.Equal(t, http.StatusOK, w.Code)
	updated, _ := fake.GetIncident(context.Background(), incident.ID)
	assert.Equal(t, types.StatusOpen, updated.Status)
	assert.Equal(t, "wrong root cause", updated.LastError)
	require.Len(t, fake.Decisions, 1)
	assert.Equal(t, "reject", fake.Decisions[0].Decision)
}

func TestDecisionConflictOutsideReview(t *testing.T) {
	_, fake, router := testServer(t)
	incident := seedIncident(t, fake, "checkout-api", types.StatusOpen)

	w := doRequest(router, http.MethodPost, "/v1/incidents/"+incident.ID.String()+"/decision", adminToken,
		map[string]any{"decision": "approve"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestIllegalStatusTransitionConflicts(t *testing.T) {
	_, fake, router := testServer(t)
	incident := seedIncident(t, fake, "checkout-api", types.StatusOpen)

	w := doRequest(router, http.MethodPost, "/v1/incidents/"+incident.ID.String()+"/status", adminToken,
		map[string]any{"status": "resolved"})
	assert.Equal(t, http.StatusConflict, w.Code)

	updated, _ := fake.GetIncident(context.Background(), incident.ID)
	assert.Equal(t, types.StatusOpen, updated.Status, "conflicting request must not change the incident")
}

func TestStatusBodyValidation(t *testing.T) {
	_, fake, router := testServer(t)
	incident := seedIncident(t, fake, "checkout-api", types.StatusTriaged)

	w := doRequest(router, http.MethodPost, "/v1/incidents/"+incident.ID.String()+"/status", adminToken,
		map[string]any{"status": "destroyed"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = doRequest(router, http.MethodPost, "/v1/incidents/"+incident.ID.String()+"/decision", adminToken,
		map[string]any{"decision": "maybe"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestReportForFailedIncident(t *testing.T) {
	_, fake, router := testServer(t)
	incident := seedIncident(t, fake, "checkout-api", types.StatusOpen)
	require.NoError(t, fake.SetIncidentStatus(context.Background(), incident.ID, types.StatusFailed, "llm down"))

	w := doRequest(router, http.MethodGet, "/v1/incidents/"+incident.ID.String()+"/report", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "llm down", body["reason"])
	assert.Equal(t, "LLM unavailable or not configured", body["message"])
}

func TestIngestRequiresPermission(t *testing.T) {
	_, _, router := testServer(t)
	payload := map[string]any{
		"detail": map[string]any{
			"alarmName": "iats-demo-high-error-rate",
			"state":     map[string]any{"value": "ALARM", "timestamp": "2025-11-04T09:41:02Z"},
		},
	}
	viewer := claimsToken(t, "viewer", []string{"*"}, false)
	w := doRequest(router, http.MethodPost, "/v1/alerts/cloudwatch", viewer, payload)
	assert.Equal(t, http.StatusForbidden, w.Code)

	ingester := claimsToken(t, "viewer", []string{"*"}, true)
	w = doRequest(router, http.MethodPost, "/v1/alerts/cloudwatch", ingester, payload)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIngestBadPayloadIs422(t *testing.T) {
	_, fake, router := testServer(t)
	w := doRequest(router, http.MethodPost, "/v1/alerts/cloudwatch", adminToken,
		map[string]any{"detail": map[string]any{"alarmName": "a", "state": map[string]any{"value": "ALARM"}}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Empty(t, fake.Incidents)
}

func TestDeploymentAndConfigChangeIngest(t *testing.T) {
	_, fake, router := testServer(t)
	w := doRequest(router, http.MethodPost, "/v1/changes/deployments", adminToken, map[string]any{
		"service": "checkout-api", "env": "staging",
		"deployed_at": time.Now().UTC().Format(time.RFC3339),
		"version":     "1.4.2", "git_sha": "abc1234",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, fake.Deployments, 1)

	w = doRequest(router, http.MethodPost, "/v1/changes/config", adminToken, map[string]any{
		"service": "checkout-api", "env": "staging",
		"changed_at": time.Now().UTC().Format(time.RFC3339),
		"diff":       "feature_flag=on",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, fake.ConfigChanges, 1)

	// Missing required fields fail validation.
	w = doRequest(router, http.MethodPost, "/v1/changes/deployments", adminToken, map[string]any{"service": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestFeedbackRoundTrip(t *testing.T) {
	_, fake, router := testServer(t)
	incident := seedIncident(t, fake, "checkout-api", types.StatusTriaged)
	path := "/v1/incidents/" + incident.ID.String() + "/feedback"

	w := doRequest(router, http.MethodPost, path, adminToken, map[string]any{
		"helpful": true, "correct": false, "final_rca": "expired cert", "notes": "report blamed deploy",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, path, adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var items []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "expired cert", items[0]["final_rca"])

	// Both booleans are required.
	w = doRequest(router, http.MethodPost, path, adminToken, map[string]any{"helpful": true})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestMetricsEndpoints(t *testing.T) {
	_, fake, router := testServer(t)
	incident := seedIncident(t, fake, "checkout-api", types.StatusAwaitingHumanReview)
	require.NoError(t, fake.CreateReviewDecision(context.Background(), &types.ReviewDecision{
		IncidentID: incident.ID, Decision: types.DecisionApprove,
	}))
	require.NoError(t, fake.CreatePipelineRun(context.Background(), &types.PipelineRun{
		IncidentID: &incident.ID, Stage: "triage", Status: types.RunSuccess, DurationMS: 120,
	}))

	w := doRequest(router, http.MethodGet, "/v1/metrics/quality", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var quality map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &quality))
	assert.Equal(t, float64(1), quality["acceptance_rate"])

	w = doRequest(router, http.MethodGet, "/v1/metrics/runtime", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var runtime map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runtime))
	assert.Equal(t, float64(1), runtime["total_runs"])
	assert.Len(t, runtime["recent_runs"], 1)
}

func TestPurgeIsAdminOnly(t *testing.T) {
	_, _, router := testServer(t)
	responder := claimsToken(t, "responder", []string{"*"}, true)
	w := doRequest(router, http.MethodPost, "/v1/admin/purge?days=7", responder, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(router, http.MethodPost, "/v1/admin/purge?days=7", adminToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodPost, "/v1/admin/purge?days=zero", adminToken, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestReadsAreAudited(t *testing.T) {
	_, fake, router := testServer(t)
	incident := seedIncident(t, fake, "checkout-api", types.StatusOpen)

	doRequest(router, http.MethodGet, "/v1/incidents/"+incident.ID.String(), adminToken, nil)
	found := false
	for _, a := range fake.Audits {
		if a.Action == "incident.get" && a.ResourceID == incident.ID.String() {
			found = true
		}
	}
	assert.True(t, found, "incident read must write an audit row")
}
