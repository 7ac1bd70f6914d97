package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"iats/pkg/types"
)

// CreateAuditLog appends one audit row.
func (d queries) CreateAuditLog(ctx context.Context, entry *types.AuditLog) error {
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now().UTC()
	details, err := marshalJSON(entry.Details)
	if err != nil {
		return err
	}
	_, err = d.q.Exec(ctx, `
		INSERT INTO audit_logs (id, actor, action, resource_type, resource_id, details, created_at)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7)`,
		entry.ID, entry.Actor, entry.Action, entry.ResourceType, entry.ResourceID, details, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// CreatePipelineRun records one pipeline stage execution.
func (d queries) CreatePipelineRun(ctx context.Context, run *types.PipelineRun) error {
	run.ID = uuid.New()
	run.CreatedAt = time.Now().UTC()
	metrics, err := marshalJSON(run.Metrics)
	if err != nil {
		return err
	}
	_, err = d.q.Exec(ctx, `
		INSERT INTO pipeline_runs (id, incident_id, stage, status, duration_ms, error, metrics, created_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8)`,
		run.ID, run.IncidentID, run.Stage, run.Status, run.DurationMS, run.Error, metrics, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pipeline run: %w", err)
	}
	return nil
}

// RecentPipelineRuns returns the newest runs, capped at limit.
func (d queries) RecentPipelineRuns(ctx context.Context, limit int) ([]types.PipelineRun, error) {
	rows, err := d.q.Query(ctx, `
		SELECT id, incident_id, stage, status, duration_ms, COALESCE(error,''), metrics, created_at
		FROM pipeline_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pipeline runs: %w", err)
	}
	defer rows.Close()
	var out []types.PipelineRun
	for rows.Next() {
		var run types.PipelineRun
		var metrics []byte
		if err := rows.Scan(&run.ID, &run.IncidentID, &run.Stage, &run.Status, &run.DurationMS, &run.Error, &metrics, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pipeline run: %w", err)
		}
		if run.Metrics, err = unmarshalJSON[map[string]any](metrics); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// QualityMetrics summarizes incident outcomes and review behavior.
type QualityMetrics struct {
	IncidentsByStatus   map[string]int64 `json:"incidents_by_status"`
	TotalIncidents      int64            `json:"total_incidents"`
	ReviewDecisions     int64            `json:"review_decisions"`
	Approvals           int64            `json:"approvals"`
	AcceptanceRate      float64          `json:"acceptance_rate"`
	AvgLifecycleSeconds float64          `json:"avg_lifecycle_seconds"`
}

// QualityMetrics computes the review/lifecycle summary.
func (d queries) QualityMetrics(ctx context.Context) (*QualityMetrics, error) {
	out := &QualityMetrics{IncidentsByStatus: map[string]int64{}}

	rows, err := d.q.Query(ctx, `SELECT status::text, COUNT(*) FROM incidents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count incidents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan incident count: %w", err)
		}
		out.IncidentsByStatus[status] = count
		out.TotalIncidents += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	row := d.q.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE decision = 'approve') FROM review_decisions`)
	if err := row.Scan(&out.ReviewDecisions, &out.Approvals); err != nil {
		return nil, fmt.Errorf("count decisions: %w", err)
	}
	if out.ReviewDecisions > 0 {
		out.AcceptanceRate = float64(out.Approvals) / float64(out.ReviewDecisions)
	}

	row = d.q.QueryRow(ctx, `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (updated_at - created_at))), 0)
		FROM incidents WHERE status IN ('resolved','postmortem_required')`)
	if err := row.Scan(&out.AvgLifecycleSeconds); err != nil {
		return nil, fmt.Errorf("avg lifecycle: %w", err)
	}
	return out, nil
}

// RuntimeMetrics summarizes pipeline behavior.
type RuntimeMetrics struct {
	TotalRuns     int64               `json:"total_runs"`
	FailedRuns    int64               `json:"failed_runs"`
	SkippedRuns   int64               `json:"skipped_runs"`
	AvgDurationMS float64             `json:"avg_duration_ms"`
	RecentRuns    []types.PipelineRun `json:"recent_runs"`
}

// RuntimeMetrics computes pipeline totals plus the 20 most recent runs.
func (d queries) RuntimeMetrics(ctx context.Context) (*RuntimeMetrics, error) {
	out := &RuntimeMetrics{}
	row := d.q.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COUNT(*) FILTER (WHERE status = 'skipped'),
		       COALESCE(AVG(duration_ms), 0)
		FROM pipeline_runs`)
	if err := row.Scan(&out.TotalRuns, &out.FailedRuns, &out.SkippedRuns, &out.AvgDurationMS); err != nil {
		return nil, fmt.Errorf("pipeline totals: %w", err)
	}
	recent, err := d.RecentPipelineRuns(ctx, 20)
	if err != nil {
		return nil, err
	}
	out.RecentRuns = recent
	return out, nil
}

// Purge deletes records older than the cutoff, children before parents.
// Incidents whose latest activity predates the cutoff go too.
func (d queries) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	statements := []string{
		`DELETE FROM pipeline_runs WHERE created_at < $1`,
		`DELETE FROM audit_logs WHERE created_at < $1`,
		`DELETE FROM incident_feedback WHERE created_at < $1`,
		`DELETE FROM review_decisions WHERE created_at < $1`,
		`DELETE FROM evidence_packs WHERE created_at < $1`,
		`DELETE FROM triage_reports WHERE incident_id IN (SELECT id FROM incidents WHERE updated_at < $1)`,
		`DELETE FROM pipeline_runs WHERE incident_id IN (SELECT id FROM incidents WHERE updated_at < $1)`,
		`DELETE FROM evidence_packs WHERE incident_id IN (SELECT id FROM incidents WHERE updated_at < $1)`,
		`DELETE FROM review_decisions WHERE incident_id IN (SELECT id FROM incidents WHERE updated_at < $1)`,
		`DELETE FROM incident_feedback WHERE incident_id IN (SELECT id FROM incidents WHERE updated_at < $1)`,
		`DELETE FROM incidents WHERE updated_at < $1`,
		`DELETE FROM alert_events WHERE created_at < $1 AND id NOT IN (SELECT latest_alert_event_id FROM incidents WHERE latest_alert_event_id IS NOT NULL)`,
	}
	for _, stmt := range statements {
		tag, err := d.q.Exec(ctx, stmt, cutoff)
		if err != nil {
			return total, fmt.Errorf("purge: %w", err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
