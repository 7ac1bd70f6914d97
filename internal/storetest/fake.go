// Package storetest provides an in-memory store.Queries implementation for
// exercising the ingest, triage and API layers without Postgres.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"iats/internal/errs"
	"iats/internal/store"
	"iats/pkg/types"
)

// Fake is an in-memory stand-in for the Postgres store. It mirrors the
// row-level semantics the SQL implementation has: reopen-on-upsert,
// non-destructive version attach, append-only packs and report upserts.
type Fake struct {
	mu sync.Mutex

	Alerts        map[uuid.UUID]*types.AlertEvent
	Incidents     map[uuid.UUID]*types.Incident
	Packs         []*types.EvidencePack
	Reports       map[uuid.UUID]*types.TriageReport
	Decisions     []*types.ReviewDecision
	Feedback      []*types.IncidentFeedback
	Deployments   []*types.DeploymentEvent
	ConfigChanges []*types.ConfigChange
	Audits        []*types.AuditLog
	Runs          []*types.PipelineRun
}

// NewFake builds an empty fake store.
func NewFake() *Fake {
	return &Fake{
		Alerts:    map[uuid.UUID]*types.AlertEvent{},
		Incidents: map[uuid.UUID]*types.Incident{},
		Reports:   map[uuid.UUID]*types.TriageReport{},
	}
}

var _ store.Queries = (*Fake)(nil)

// WithTx runs fn against the fake itself; there is no rollback.
func (f *Fake) WithTx(_ context.Context, fn func(store.Queries) error) error {
	return fn(f)
}

func (f *Fake) CreateAlertEvent(_ context.Context, ev *types.AlertEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.ID = uuid.New()
	ev.CreatedAt = time.Now().UTC()
	copied := *ev
	f.Alerts[ev.ID] = &copied
	return nil
}

func (f *Fake) GetAlertEvent(_ context.Context, id uuid.UUID) (*types.AlertEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.Alerts[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	copied := *ev
	return &copied, nil
}

func (f *Fake) UpsertIncident(_ context.Context, dedupKey, service, env, correlationID string, alertEventID uuid.UUID) (*types.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for _, inc := range f.Incidents {
		if inc.DedupKey != dedupKey {
			continue
		}
		inc.LatestAlertEventID = alertEventID
		if inc.CorrelationID == "" && correlationID != "" {
			inc.CorrelationID = correlationID
		}
		if types.Reopenable(inc.Status) {
			inc.Status = types.StatusOpen
			inc.LastError = ""
		}
		inc.UpdatedAt = now
		copied := *inc
		return &copied, nil
	}
	inc := &types.Incident{
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
	f.Incidents[inc.ID] = inc
	copied := *inc
	return &copied, nil
}

func (f *Fake) GetIncident(_ context.Context, id uuid.UUID) (*types.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inc, ok := f.Incidents[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	copied := *inc
	return &copied, nil
}

func (f *Fake) ListIncidents(_ context.Context) ([]types.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Incident, 0, len(f.Incidents))
	for _, inc := range f.Incidents {
		out = append(out, *inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (f *Fake) SetIncidentStatus(_ context.Context, id uuid.UUID, status types.IncidentStatus, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inc, ok := f.Incidents[id]
	if !ok {
		return errs.ErrNotFound
	}
	inc.Status = status
	inc.LastError = lastError
	inc.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *Fake) AttachIncidentVersion(_ context.Context, id uuid.UUID, version, gitSHA string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inc, ok := f.Incidents[id]
	if !ok {
		return errs.ErrNotFound
	}
	if version != "" {
		inc.ServiceVersion = version
	}
	if gitSHA != "" {
		inc.GitSHA = gitSHA
	}
	return nil
}

func (f *Fake) StoreEvidencePack(_ context.Context, pack *types.EvidencePack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pack.ID = uuid.New()
	pack.CreatedAt = time.Now().UTC()
	copied := *pack
	f.Packs = append(f.Packs, &copied)
	return nil
}

func (f *Fake) LatestEvidencePack(_ context.Context, incidentID uuid.UUID) (*types.EvidencePack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *types.EvidencePack
	for _, pack := range f.Packs {
		if pack.IncidentID != incidentID {
			continue
		}
		if latest == nil || pack.CreatedAt.After(latest.CreatedAt) {
			latest = pack
		}
	}
	if latest == nil {
		return nil, errs.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (f *Fake) UpsertTriageReport(_ context.Context, incidentID uuid.UUID, model string, payload types.ReportPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	report, ok := f.Reports[incidentID]
	if !ok {
		report = &types.TriageReport{ID: uuid.New(), IncidentID: incidentID}
		f.Reports[incidentID] = report
	}
	report.GeneratedAt = time.Now().UTC()
	report.Model = model
	report.Payload = payload
	return nil
}

func (f *Fake) GetTriageReport(_ context.Context, incidentID uuid.UUID) (*types.TriageReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	report, ok := f.Reports[incidentID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	copied := *report
	return &copied, nil
}

func (f *Fake) CreateReviewDecision(_ context.Context, decision *types.ReviewDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	decision.ID = uuid.New()
	decision.CreatedAt = time.Now().UTC()
	copied := *decision
	f.Decisions = append(f.Decisions, &copied)
	return nil
}

func (f *Fake) CreateFeedback(_ context.Context, feedback *types.IncidentFeedback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	feedback.ID = uuid.New()
	feedback.CreatedAt = time.Now().UTC()
	copied := *feedback
	f.Feedback = append(f.Feedback, &copied)
	return nil
}

func (f *Fake) ListFeedback(_ context.Context, incidentID uuid.UUID) ([]types.IncidentFeedback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.IncidentFeedback
	for _, fb := range f.Feedback {
		if fb.IncidentID == incidentID {
			out = append(out, *fb)
		}
	}
	return out, nil
}

func (f *Fake) CreateDeployment(_ context.Context, deploy *types.DeploymentEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	deploy.ID = uuid.New()
	copied := *deploy
	f.Deployments = append(f.Deployments, &copied)
	return nil
}

func (f *Fake) CreateConfigChange(_ context.Context, change *types.ConfigChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	change.ID = uuid.New()
	copied := *change
	f.ConfigChanges = append(f.ConfigChanges, &copied)
	return nil
}

func (f *Fake) RecentDeployments(_ context.Context, service, env string, since, until time.Time) ([]types.DeploymentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.DeploymentEvent
	for _, d := range f.Deployments {
		if d.Service == service && d.Env == env && !d.DeployedAt.Before(since) && !d.DeployedAt.After(until) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeployedAt.After(out[j].DeployedAt) })
	return out, nil
}

func (f *Fake) RecentConfigChanges(_ context.Context, service, env string, since, until time.Time) ([]types.ConfigChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ConfigChange
	for _, c := range f.ConfigChanges {
		if c.Service == service && c.Env == env && !c.ChangedAt.Before(since) && !c.ChangedAt.After(until) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChangedAt.After(out[j].ChangedAt) })
	return out, nil
}

func (f *Fake) CreateAuditLog(_ context.Context, entry *types.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now().UTC()
	copied := *entry
	f.Audits = append(f.Audits, &copied)
	return nil
}

func (f *Fake) CreatePipelineRun(_ context.Context, run *types.PipelineRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run.ID = uuid.New()
	run.CreatedAt = time.Now().UTC()
	copied := *run
	f.Runs = append(f.Runs, &copied)
	return nil
}

func (f *Fake) RecentPipelineRuns(_ context.Context, limit int) ([]types.PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.PipelineRun, 0, len(f.Runs))
	for _, run := range f.Runs {
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) QualityMetrics(_ context.Context) (*store.QualityMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &store.QualityMetrics{IncidentsByStatus: map[string]int64{}}
	for _, inc := range f.Incidents {
		out.IncidentsByStatus[string(inc.Status)]++
		out.TotalIncidents++
	}
	for _, d := range f.Decisions {
		out.ReviewDecisions++
		if d.Decision == types.DecisionApprove {
			out.Approvals++
		}
	}
	if out.ReviewDecisions > 0 {
		out.AcceptanceRate = float64(out.Approvals) / float64(out.ReviewDecisions)
	}
	return out, nil
}

func (f *Fake) RuntimeMetrics(ctx context.Context) (*store.RuntimeMetrics, error) {
	recent, err := f.RecentPipelineRuns(ctx, 20)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &store.RuntimeMetrics{RecentRuns: recent}
	var total int64
	for _, run := range f.Runs {
		out.TotalRuns++
		total += run.DurationMS
		switch run.Status {
		case types.RunFailed:
			out.FailedRuns++
		case types.RunSkipped:
			out.SkippedRuns++
		}
	}
	if out.TotalRuns > 0 {
		out.AvgDurationMS = float64(total) / float64(out.TotalRuns)
	}
	return out, nil
}

func (f *Fake) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	var keptRuns []*types.PipelineRun
	for _, run := range f.Runs {
		if run.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		keptRuns = append(keptRuns, run)
	}
	f.Runs = keptRuns
	var keptAudits []*types.AuditLog
	for _, a := range f.Audits {
		if a.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		keptAudits = append(keptAudits, a)
	}
	f.Audits = keptAudits
	for id, inc := range f.Incidents {
		if inc.UpdatedAt.Before(cutoff) {
			delete(f.Incidents, id)
			delete(f.Reports, id)
			deleted++
		}
	}
	return deleted, nil
}
