// Package ingest normalizes incoming alerts, maps them onto incidents and
// enqueues triage.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"iats/internal/config"
	"iats/internal/hashing"
	"iats/internal/metrics"
	"iats/internal/normalize"
	"iats/internal/registry"
	"iats/internal/store"
	"iats/pkg/types"
)

// Store is the persistence surface ingestion needs.
type Store interface {
	store.Queries
	WithTx(ctx context.Context, fn func(store.Queries) error) error
}

// Enqueuer schedules background triage for an incident.
type Enqueuer interface {
	EnqueueTriage(ctx context.Context, incidentID uuid.UUID) error
}

// Result is the ingest response body.
type Result struct {
	IncidentID uuid.UUID            `json:"incident_id"`
	DedupKey   string               `json:"dedup_key"`
	Status     types.IncidentStatus `json:"status"`
}

// Orchestrator runs the ingest path: normalize, persist, dedup-upsert,
// deploy-context attach, enqueue.
type Orchestrator struct {
	Store    Store
	Registry *registry.ServiceRegistry
	Queue    Enqueuer
	Settings *config.Settings
	Logger   *logrus.Logger
}

// IngestAlert processes one raw alert payload from the given source. The
// alert event, incident upsert and audit row commit in one transaction before
// triage is enqueued.
func (o *Orchestrator) IngestAlert(ctx context.Context, source types.AlertSource, payload []byte, actor string) (*Result, error) {
	adapter, err := normalize.ForSource(source)
	if err != nil {
		return nil, err
	}
	event, err := adapter.Normalize(payload)
	if err != nil {
		return nil, err
	}

	resolveKey, resourceKey := keysFor(event)
	entry := o.Registry.Resolve(resolveKey)
	dedupKey := hashing.DedupKey(entry.Service, entry.Env, resourceKey, event.CorrelationID, event.Labels)

	var incident *types.Incident
	err = o.Store.WithTx(ctx, func(q store.Queries) error {
		if err := q.CreateAlertEvent(ctx, event); err != nil {
			return err
		}
		var err error
		incident, err = q.UpsertIncident(ctx, dedupKey, entry.Service, entry.Env, event.CorrelationID, event.ID)
		if err != nil {
			return err
		}
		if err := o.attachDeployContext(ctx, q, incident, event.FiredAt); err != nil {
			return err
		}
		return q.CreateAuditLog(ctx, &types.AuditLog{
			Actor:        actor,
			Action:       "alert.ingest",
			ResourceType: "incident",
			ResourceID:   incident.ID.String(),
			Details:      map[string]any{"source": string(source), "external_id": event.ExternalID},
		})
	})
	if err != nil {
		return nil, err
	}

	if err := o.Queue.EnqueueTriage(ctx, incident.ID); err != nil {
		// The incident is persisted; a later alert or manual requeue recovers.
		o.Logger.WithError(err).WithField("incident", incident.ID).Error("failed to enqueue triage")
	}
	metrics.AlertsIngested.WithLabelValues(string(source)).Inc()
	o.Logger.WithFields(logrus.Fields{
		"incident": incident.ID,
		"service":  entry.Service,
		"source":   source,
	}).Info("alert ingested")

	return &Result{IncidentID: incident.ID, DedupKey: dedupKey, Status: incident.Status}, nil
}

// attachDeployContext links the most recent deploy in the correlation window
// before the alert, never overwriting known values with empty ones.
func (o *Orchestrator) attachDeployContext(ctx context.Context, q store.Queries, incident *types.Incident, firedAt time.Time) error {
	window := time.Duration(o.Settings.DeployCorrelationWindow) * time.Minute
	deploys, err := q.RecentDeployments(ctx, incident.Service, incident.Env, firedAt.Add(-window), firedAt)
	if err != nil {
		return err
	}
	if len(deploys) == 0 {
		return nil
	}
	if err := q.AttachIncidentVersion(ctx, incident.ID, deploys[0].Version, deploys[0].GitSHA); err != nil {
		return err
	}
	if incident.ServiceVersion == "" {
		incident.ServiceVersion = deploys[0].Version
	}
	if incident.GitSHA == "" {
		incident.GitSHA = deploys[0].GitSHA
	}
	return nil
}

// keysFor picks the registry lookup key and the dedup resource key per
// source: alarm name for CloudWatch, the service label for Alertmanager.
func keysFor(event *types.AlertEvent) (resolveKey, resourceKey string) {
	switch event.Source {
	case types.SourceAlertmanager:
		resolveKey = event.Labels["service"]
		resourceKey = event.ResourceRefs["alert_name"]
	default:
		resolveKey = event.ResourceRefs["alarm_name"]
		resourceKey = event.ResourceRefs["alarm_name"]
	}
	if resourceKey == "" {
		resourceKey = event.ExternalID
	}
	return resolveKey, resourceKey
}
