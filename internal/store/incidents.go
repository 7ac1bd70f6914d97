package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"iats/internal/errs"
	"iats/pkg/types"
)

// queries runs row-level operations against either the pool or a transaction.
type queries struct {
	q querier
}

// CreateAlertEvent persists a normalized alert event, assigning its id.
func (d queries) CreateAlertEvent(ctx context.Context, ev *types.AlertEvent) error {
	ev.ID = uuid.New()
	ev.CreatedAt = time.Now().UTC()
	labels, err := marshalJSON(ev.Labels)
	if err != nil {
		return err
	}
	annotations, err := marshalJSON(ev.Annotations)
	if err != nil {
		return err
	}
	refs, err := marshalJSON(ev.ResourceRefs)
	if err != nil {
		return err
	}
	_, err = d.q.Exec(ctx, `
		INSERT INTO alert_events
			(id, source, external_id, title, severity, state, correlation_id,
			 fired_at, ended_at, labels, annotations, resource_refs, raw_payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9,$10,$11,$12,$13,$14)`,
		ev.ID, ev.Source, ev.ExternalID, ev.Title, ev.Severity, ev.State, ev.CorrelationID,
		ev.FiredAt, ev.EndedAt, labels, annotations, refs, []byte(ev.RawPayload), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert event: %w", err)
	}
	return nil
}

// GetAlertEvent loads one alert event by id.
func (d queries) GetAlertEvent(ctx context.Context, id uuid.UUID) (*types.AlertEvent, error) {
	row := d.q.QueryRow(ctx, `
		SELECT id, source, external_id, title, severity, state, COALESCE(correlation_id,''),
		       fired_at, ended_at, labels, annotations, resource_refs, raw_payload, created_at
		FROM alert_events WHERE id = $1`, id)
	return scanAlertEvent(row)
}

func scanAlertEvent(row pgx.Row) (*types.AlertEvent, error) {
	var ev types.AlertEvent
	var labels, annotations, refs, raw []byte
	err := row.Scan(&ev.ID, &ev.Source, &ev.ExternalID, &ev.Title, &ev.Severity, &ev.State,
		&ev.CorrelationID, &ev.FiredAt, &ev.EndedAt, &labels, &annotations, &refs, &raw, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert event: %w", err)
	}
	if ev.Labels, err = unmarshalJSON[map[string]string](labels); err != nil {
		return nil, err
	}
	if ev.Annotations, err = unmarshalJSON[map[string]string](annotations); err != nil {
		return nil, err
	}
	if ev.ResourceRefs, err = unmarshalJSON[map[string]string](refs); err != nil {
		return nil, err
	}
	ev.RawPayload = raw
	return &ev, nil
}

// UpsertIncident maps an alert onto its incident by dedup key. Existing rows
// get the new latest alert, a correlation id if they lacked one, and reopen
// to "open" from terminal-or-awaiting states.
func (d queries) UpsertIncident(ctx context.Context, dedupKey, service, env, correlationID string, alertEventID uuid.UUID) (*types.Incident, error) {
	existing, err := d.getIncidentByDedupKey(ctx, dedupKey)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	now := time.Now().UTC()
	if existing == nil {
		incident := &types.Incident{
			ID:                 uuid.New(),
			DedupKey:           dedupKey,
			Service:            service,
			Env:                env,
			CorrelationID:      correlationID,
			Status:             types.StatusOpen,
			LatestAlertEventID: alertEventID,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		_, err := d.q.Exec(ctx, `
			INSERT INTO incidents (id, dedup_key, service, env, correlation_id, status, latest_alert_event_id, created_at, updated_at)
			VALUES ($1,$2,$3,$4,NULLIF($5,''),$6::incident_status,$7,$8,$9)`,
			incident.ID, incident.DedupKey, incident.Service, incident.Env, incident.CorrelationID,
			incident.Status, incident.LatestAlertEventID, incident.CreatedAt, incident.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert incident: %w", err)
		}
		return incident, nil
	}

	existing.LatestAlertEventID = alertEventID
	if existing.CorrelationID == "" && correlationID != "" {
		existing.CorrelationID = correlationID
	}
	if types.Reopenable(existing.Status) {
		existing.Status = types.StatusOpen
		existing.LastError = ""
	}
	existing.UpdatedAt = now
	_, err = d.q.Exec(ctx, `
		UPDATE incidents
		SET latest_alert_event_id = $2,
		    correlation_id = COALESCE(correlation_id, NULLIF($3,'')),
		    status = $4::incident_status,
		    last_error = NULLIF($5,''),
		    updated_at = $6
		WHERE id = $1`,
		existing.ID, existing.LatestAlertEventID, correlationID, existing.Status, existing.LastError, existing.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update incident: %w", err)
	}
	return existing, nil
}

func (d queries) getIncidentByDedupKey(ctx context.Context, dedupKey string) (*types.Incident, error) {
	row := d.q.QueryRow(ctx, incidentSelect+` WHERE dedup_key = $1`, dedupKey)
	return scanIncident(row)
}

const incidentSelect = `
	SELECT id, dedup_key, service, env,
	       COALESCE(service_version,''), COALESCE(git_sha,''), COALESCE(correlation_id,''),
	       status::text, latest_alert_event_id, COALESCE(last_error,''), created_at, updated_at
	FROM incidents`

func scanIncident(row pgx.Row) (*types.Incident, error) {
	var inc types.Incident
	var latest *uuid.UUID
	err := row.Scan(&inc.ID, &inc.DedupKey, &inc.Service, &inc.Env,
		&inc.ServiceVersion, &inc.GitSHA, &inc.CorrelationID,
		&inc.Status, &latest, &inc.LastError, &inc.CreatedAt, &inc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	if latest != nil {
		inc.LatestAlertEventID = *latest
	}
	return &inc, nil
}

// GetIncident loads one incident by id.
func (d queries) GetIncident(ctx context.Context, id uuid.UUID) (*types.Incident, error) {
	row := d.q.QueryRow(ctx, incidentSelect+` WHERE id = $1`, id)
	return scanIncident(row)
}

// ListIncidents returns incidents newest-first.
func (d queries) ListIncidents(ctx context.Context) ([]types.Incident, error) {
	rows, err := d.q.Query(ctx, incidentSelect+` ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()
	var out []types.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

// SetIncidentStatus updates the lifecycle state and last_error.
func (d queries) SetIncidentStatus(ctx context.Context, id uuid.UUID, status types.IncidentStatus, lastError string) error {
	tag, err := d.q.Exec(ctx, `
		UPDATE incidents SET status = $2::incident_status, last_error = NULLIF($3,''), updated_at = $4 WHERE id = $1`,
		id, status, lastError, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set incident status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// AttachIncidentVersion fills service_version/git_sha without ever
// overwriting an existing value with an empty one.
func (d queries) AttachIncidentVersion(ctx context.Context, id uuid.UUID, version, gitSHA string) error {
	_, err := d.q.Exec(ctx, `
		UPDATE incidents
		SET service_version = COALESCE(NULLIF($2,''), service_version),
		    git_sha = COALESCE(NULLIF($3,''), git_sha),
		    updated_at = $4
		WHERE id = $1`,
		id, version, gitSHA, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("attach incident version: %w", err)
	}
	return nil
}
