package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"iats/pkg/types"
)

// Queries is the row-level operation set, implemented both by the pool-backed
// Store and by the transaction handle passed to WithTx callbacks. Consumers
// that need fakes in tests depend on this interface.
type Queries interface {
	CreateAlertEvent(ctx context.Context, ev *types.AlertEvent) error
	GetAlertEvent(ctx context.Context, id uuid.UUID) (*types.AlertEvent, error)

	UpsertIncident(ctx context.Context, dedupKey, service, env, correlationID string, alertEventID uuid.UUID) (*types.Incident, error)
	GetIncident(ctx context.Context, id uuid.UUID) (*types.Incident, error)
	ListIncidents(ctx context.Context) ([]types.Incident, error)
	SetIncidentStatus(ctx context.Context, id uuid.UUID, status types.IncidentStatus, lastError string) error
	AttachIncidentVersion(ctx context.Context, id uuid.UUID, version, gitSHA string) error

	StoreEvidencePack(ctx context.Context, pack *types.EvidencePack) error
	LatestEvidencePack(ctx context.Context, incidentID uuid.UUID) (*types.EvidencePack, error)
	UpsertTriageReport(ctx context.Context, incidentID uuid.UUID, model string, payload types.ReportPayload) error
	GetTriageReport(ctx context.Context, incidentID uuid.UUID) (*types.TriageReport, error)
	CreateReviewDecision(ctx context.Context, decision *types.ReviewDecision) error
	CreateFeedback(ctx context.Context, feedback *types.IncidentFeedback) error
	ListFeedback(ctx context.Context, incidentID uuid.UUID) ([]types.IncidentFeedback, error)

	CreateDeployment(ctx context.Context, deploy *types.DeploymentEvent) error
	CreateConfigChange(ctx context.Context, change *types.ConfigChange) error
	RecentDeployments(ctx context.Context, service, env string, since, until time.Time) ([]types.DeploymentEvent, error)
	RecentConfigChanges(ctx context.Context, service, env string, since, until time.Time) ([]types.ConfigChange, error)

	CreateAuditLog(ctx context.Context, entry *types.AuditLog) error
	CreatePipelineRun(ctx context.Context, run *types.PipelineRun) error
	RecentPipelineRuns(ctx context.Context, limit int) ([]types.PipelineRun, error)
	QualityMetrics(ctx context.Context) (*QualityMetrics, error)
	RuntimeMetrics(ctx context.Context) (*RuntimeMetrics, error)
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

var _ Queries = queries{}
var _ Queries = (*Store)(nil)
