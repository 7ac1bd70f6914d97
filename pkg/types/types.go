package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AlertSource identifies the monitoring system an alert came from.
type AlertSource string

const (
	SourceCloudWatch   AlertSource = "cloudwatch"
	SourceAlertmanager AlertSource = "alertmanager"
)

// AlertEvent is the canonical, immutable record of a single alert notification.
type AlertEvent struct {
	ID            uuid.UUID         `json:"id"`
	Source        AlertSource       `json:"source"`
	ExternalID    string            `json:"external_id"`
	Title         string            `json:"title"`
	Severity      string            `json:"severity"`
	State         string            `json:"state"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	FiredAt       time.Time         `json:"fired_at"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
	Labels        map[string]string `json:"labels"`
	Annotations   map[string]string `json:"annotations"`
	ResourceRefs  map[string]string `json:"resource_refs"`
	RawPayload    json.RawMessage   `json:"raw_payload"`
	CreatedAt     time.Time         `json:"created_at"`
}

// IncidentStatus is the incident lifecycle state.
type IncidentStatus string

const (
	StatusOpen                IncidentStatus = "open"
	StatusTriaging            IncidentStatus = "triaging"
	StatusAwaitingHumanReview IncidentStatus = "awaiting_human_review"
	StatusTriaged             IncidentStatus = "triaged"
	StatusMitigated           IncidentStatus = "mitigated"
	StatusResolved            IncidentStatus = "resolved"
	StatusPostmortemRequired  IncidentStatus = "postmortem_required"
	StatusFailed              IncidentStatus = "failed"
)

// Incident is the unit of triage. Many AlertEvents map to one incident via DedupKey.
type Incident struct {
	ID                 uuid.UUID      `json:"id"`
	DedupKey           string         `json:"dedup_key"`
	Service            string         `json:"service"`
	Env                string         `json:"env"`
	ServiceVersion     string         `json:"service_version,omitempty"`
	GitSHA             string         `json:"git_sha,omitempty"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
	Status             IncidentStatus `json:"status"`
	LatestAlertEventID uuid.UUID      `json:"latest_alert_event_id"`
	LastError          string         `json:"last_error,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Artifact is one tagged entry in an evidence pack. Fields beyond the id and
// type vary by artifact kind, so the payload stays schemaless.
type Artifact map[string]any

// ArtifactID returns the artifact's stable id, or "" when absent.
func (a Artifact) ArtifactID() string {
	id, _ := a["artifact_id"].(string)
	return id
}

// Type returns the artifact's type tag, or "" when absent.
func (a Artifact) Type() string {
	t, _ := a["type"].(string)
	return t
}

// EvidencePack bundles the artifacts gathered for one triage run. Append-only;
// the most recent by CreatedAt is "current".
type EvidencePack struct {
	ID              uuid.UUID      `json:"id"`
	IncidentID      uuid.UUID      `json:"incident_id"`
	TimeWindowStart time.Time      `json:"time_window_start"`
	TimeWindowEnd   time.Time      `json:"time_window_end"`
	Artifacts       []Artifact     `json:"artifacts"`
	Provenance      map[string]any `json:"provenance"`
	CreatedAt       time.Time      `json:"created_at"`
}

// TriageReport is the stored, validated LLM (or fallback) output for an incident.
// One per incident; re-runs overwrite.
type TriageReport struct {
	ID          uuid.UUID     `json:"id"`
	IncidentID  uuid.UUID     `json:"incident_id"`
	GeneratedAt time.Time     `json:"generated_at"`
	Model       string        `json:"model"`
	Payload     ReportPayload `json:"payload"`
}

// ReviewDecision records a human approve/reject on a report.
type ReviewDecision struct {
	ID         uuid.UUID `json:"id"`
	IncidentID uuid.UUID `json:"incident_id"`
	Decision   string    `json:"decision"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// DeploymentEvent is a time-indexed deploy record used for timeline correlation.
type DeploymentEvent struct {
	ID         uuid.UUID      `json:"id"`
	Service    string         `json:"service"`
	Env        string         `json:"env"`
	DeployedAt time.Time      `json:"deployed_at"`
	Version    string         `json:"version,omitempty"`
	GitSHA     string         `json:"git_sha,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Source     string         `json:"source,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ConfigChange is a time-indexed configuration change record.
type ConfigChange struct {
	ID        uuid.UUID `json:"id"`
	Service   string    `json:"service"`
	Env       string    `json:"env"`
	ChangedAt time.Time `json:"changed_at"`
	Actor     string    `json:"actor,omitempty"`
	Diff      string    `json:"diff,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// IncidentFeedback captures post-hoc reviewer feedback on a triage report.
type IncidentFeedback struct {
	ID         uuid.UUID `json:"id"`
	IncidentID uuid.UUID `json:"incident_id"`
	Reviewer   string    `json:"reviewer"`
	Helpful    bool      `json:"helpful"`
	Correct    bool      `json:"correct"`
	FinalRCA   string    `json:"final_rca,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditLog is an append-only record of a principal's action, written in the
// same transaction as the mutation it documents.
type AuditLog struct {
	ID           uuid.UUID      `json:"id"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// PipelineRun records one stage of a triage pipeline execution.
type PipelineRun struct {
	ID         uuid.UUID      `json:"id"`
	IncidentID *uuid.UUID     `json:"incident_id,omitempty"`
	Stage      string         `json:"stage"`
	Status     string         `json:"status"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

const (
	RunSuccess = "success"
	RunFailed  = "failed"
	RunSkipped = "skipped"
)

// UserRole is the coarse RBAC role carried in an auth token.
type UserRole string

const (
	RoleViewer    UserRole = "viewer"
	RoleResponder UserRole = "responder"
	RoleAdmin     UserRole = "admin"
)

// Principal is the authenticated caller.
type Principal struct {
	Subject   string   `json:"sub"`
	Role      UserRole `json:"role"`
	Services  []string `json:"services"`
	CanIngest bool     `json:"can_ingest"`
}

// AllowedService reports whether the principal may touch the given service.
func (p Principal) AllowedService(service string) bool {
	if p.Role == RoleAdmin {
		return true
	}
	for _, s := range p.Services {
		if s == "*" || s == service {
			return true
		}
	}
	return false
}

// MayIngest reports whether the principal may call ingest endpoints.
func (p Principal) MayIngest() bool {
	return p.Role == RoleAdmin || p.CanIngest
}
