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

// StoreEvidencePack appends a new evidence pack, assigning its id.
func (d queries) StoreEvidencePack(ctx context.Context, pack *types.EvidencePack) error {
	pack.ID = uuid.New()
	pack.CreatedAt = time.Now().UTC()
	artifacts, err := marshalJSON(pack.Artifacts)
	if err != nil {
		return err
	}
	provenance, err := marshalJSON(pack.Provenance)
	if err != nil {
		return err
	}
	_, err = d.q.Exec(ctx, `
		INSERT INTO evidence_packs (id, incident_id, time_window_start, time_window_end, artifacts, provenance, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		pack.ID, pack.IncidentID, pack.TimeWindowStart, pack.TimeWindowEnd, artifacts, provenance, pack.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert evidence pack: %w", err)
	}
	return nil
}

// LatestEvidencePack returns the current (most recent) pack for an incident.
func (d queries) LatestEvidencePack(ctx context.Context, incidentID uuid.UUID) (*types.EvidencePack, error) {
	row := d.q.QueryRow(ctx, `
		SELECT id, incident_id, time_window_start, time_window_end, artifacts, provenance, created_at
		FROM evidence_packs WHERE incident_id = $1
		ORDER BY created_at DESC LIMIT 1`, incidentID)
	var pack types.EvidencePack
	var artifacts, provenance []byte
	err := row.Scan(&pack.ID, &pack.IncidentID, &pack.TimeWindowStart, &pack.TimeWindowEnd,
		&artifacts, &provenance, &pack.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan evidence pack: %w", err)
	}
	if pack.Artifacts, err = unmarshalJSON[[]types.Artifact](artifacts); err != nil {
		return nil, err
	}
	if pack.Provenance, err = unmarshalJSON[map[string]any](provenance); err != nil {
		return nil, err
	}
	return &pack, nil
}

// UpsertTriageReport stores the report for an incident, overwriting any
// previous run's report.
func (d queries) UpsertTriageReport(ctx context.Context, incidentID uuid.UUID, model string, payload types.ReportPayload) error {
	raw, err := marshalJSON(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = d.q.Exec(ctx, `
		INSERT INTO triage_reports (id, incident_id, generated_at, model, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (incident_id) DO UPDATE
		SET generated_at = EXCLUDED.generated_at, model = EXCLUDED.model, payload = EXCLUDED.payload`,
		uuid.New(), incidentID, now, model, raw, now)
	if err != nil {
		return fmt.Errorf("upsert triage report: %w", err)
	}
	return nil
}

// GetTriageReport loads the stored report for an incident.
func (d queries) GetTriageReport(ctx context.Context, incidentID uuid.UUID) (*types.TriageReport, error) {
	row := d.q.QueryRow(ctx, `
		SELECT id, incident_id, generated_at, model, payload
		FROM triage_reports WHERE incident_id = $1`, incidentID)
	var report types.TriageReport
	var payload []byte
	err := row.Scan(&report.ID, &report.IncidentID, &report.GeneratedAt, &report.Model, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan triage report: %w", err)
	}
	if report.Payload, err = unmarshalJSON[types.ReportPayload](payload); err != nil {
		return nil, err
	}
	return &report, nil
}

// CreateReviewDecision appends a human approve/reject record.
func (d queries) CreateReviewDecision(ctx context.Context, decision *types.ReviewDecision) error {
	decision.ID = uuid.New()
	decision.CreatedAt = time.Now().UTC()
	_, err := d.q.Exec(ctx, `
		INSERT INTO review_decisions (id, incident_id, decision, notes, created_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5)`,
		decision.ID, decision.IncidentID, decision.Decision, decision.Notes, decision.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert review decision: %w", err)
	}
	return nil
}

// CreateFeedback appends reviewer feedback for an incident.
func (d queries) CreateFeedback(ctx context.Context, feedback *types.IncidentFeedback) error {
	feedback.ID = uuid.New()
	feedback.CreatedAt = time.Now().UTC()
	_, err := d.q.Exec(ctx, `
		INSERT INTO incident_feedback (id, incident_id, reviewer, helpful, correct, final_rca, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''),$8)`,
		feedback.ID, feedback.IncidentID, feedback.Reviewer, feedback.Helpful, feedback.Correct,
		feedback.FinalRCA, feedback.Notes, feedback.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert incident feedback: %w", err)
	}
	return nil
}

// ListFeedback returns feedback for an incident, newest first.
func (d queries) ListFeedback(ctx context.Context, incidentID uuid.UUID) ([]types.IncidentFeedback, error) {
	rows, err := d.q.Query(ctx, `
		SELECT id, incident_id, reviewer, helpful, correct, COALESCE(final_rca,''), COALESCE(notes,''), created_at
		FROM incident_feedback WHERE incident_id = $1 ORDER BY created_at DESC`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()
	var out []types.IncidentFeedback
	for rows.Next() {
		var f types.IncidentFeedback
		if err := rows.Scan(&f.ID, &f.IncidentID, &f.Reviewer, &f.Helpful, &f.Correct, &f.FinalRCA, &f.Notes, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
