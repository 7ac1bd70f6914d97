// Package triage drives the per-incident pipeline: evidence gathering, the
// no-guess gate, LLM generation, validation, persistence and telemetry.
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"iats/internal/config"
	"iats/internal/errs"
	"iats/internal/evidence"
	"iats/internal/llm"
	"iats/internal/metrics"
	"iats/internal/notify"
	"iats/internal/redact"
	"iats/internal/registry"
	"iats/internal/store"
	"iats/pkg/types"
)

// Store is the persistence surface the runner needs.
type Store interface {
	store.Queries
	WithTx(ctx context.Context, fn func(store.Queries) error) error
}

// Notifier is the outbound notification surface.
type Notifier interface {
	Notify(ctx context.Context, message string)
	NotifyIncidentUpdate(ctx context.Context, update notify.IncidentUpdate)
}

// Runner executes one triage task per invocation. It is idempotent: a rerun
// after a completed pack for the same alert is a recorded no-op skip.
type Runner struct {
	Store    Store
	Registry *registry.ServiceRegistry
	Builder  *evidence.Builder
	Gateway  func() (llm.Gateway, error)
	Notifier Notifier
	Settings *config.Settings
	Logger   *logrus.Logger
}

// Run triages one incident. The returned error, if any, has already been
// recorded as a failed pipeline run with the incident marked failed; it is
// surfaced only so the worker harness can apply its retry policy.
func (r *Runner) Run(ctx context.Context, incidentID uuid.UUID) error {
	started := time.Now()

	incident, err := r.Store.GetIncident(ctx, incidentID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return err
	}
	log := r.Logger.WithFields(logrus.Fields{"incident": incident.ID, "service": incident.Service})

	if err := r.Store.SetIncidentStatus(ctx, incident.ID, types.StatusTriaging, ""); err != nil {
		return err
	}
	incident.Status = types.StatusTriaging

	alert, err := r.Store.GetAlertEvent(ctx, incident.LatestAlertEventID)
	if err != nil {
		return r.fail(ctx, incident, "triage", started, fmt.Errorf("incident missing latest alert: %w", err))
	}

	latestPack, err := r.Store.LatestEvidencePack(ctx, incident.ID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return r.fail(ctx, incident, "triage", started, err)
	}
	if latestPack != nil {
		if packAlertID, _ := latestPack.Provenance["alert_event_id"].(string); packAlertID == alert.ID.String() {
			log.Info("evidence already current, skipping triage run")
			metrics.TriageRuns.WithLabelValues(types.RunSkipped).Inc()
			run := &types.PipelineRun{
				IncidentID: &incident.ID,
				Stage:      "triage",
				Status:     types.RunSkipped,
				DurationMS: time.Since(started).Milliseconds(),
				Metrics:    map[string]any{"reason": "idempotent-skip"},
			}
			return r.Store.CreatePipelineRun(ctx, run)
		}
	}

	key := alert.ResourceRefs["alarm_name"]
	if key == "" {
		key = alert.ResourceRefs["service"]
	}
	if key == "" {
		key = incident.Service
	}
	entry := r.Registry.Resolve(key)

	correlationID := alert.CorrelationID
	if correlationID == "" {
		correlationID = incident.CorrelationID
	}
	windowStart, windowEnd, windowReason := evidence.ComputeWindow(
		alert.FiredAt, correlationID != "", alert.Severity, r.Settings.TriageWindowMinutes)

	deploys, err := r.Store.RecentDeployments(ctx, incident.Service, incident.Env, windowStart, windowEnd)
	if err != nil {
		return r.fail(ctx, incident, "triage", started, err)
	}
	configChanges, err := r.Store.RecentConfigChanges(ctx, incident.Service, incident.Env, windowStart, windowEnd)
	if err != nil {
		return r.fail(ctx, incident, "triage", started, err)
	}
	if len(deploys) > 0 {
		if err := r.Store.AttachIncidentVersion(ctx, incident.ID, deploys[0].Version, deploys[0].GitSHA); err != nil {
			return r.fail(ctx, incident, "triage", started, err)
		}
		if incident.ServiceVersion == "" {
			incident.ServiceVersion = deploys[0].Version
		}
		if incident.GitSHA == "" {
			incident.GitSHA = deploys[0].GitSHA
		}
	}

	built, err := r.Builder.Build(ctx, evidence.Input{
		Incident:      incident,
		Alert:         alert,
		Entry:         entry,
		Deploys:       deploys,
		ConfigChanges: configChanges,
		WindowStart:   windowStart,
		WindowEnd:     windowEnd,
	})
	if err != nil {
		return r.fail(ctx, incident, "triage", started, err)
	}

	gate := r.evaluateNoGuess(built)

	var payload types.ReportPayload
	var modelName string
	meta := types.GenerationMetadata{LLMProvider: "fallback"}
	if gate.NoGuess {
		payload = fallbackReport(built.Artifacts, built.Score)
		modelName = "fallback:no-guess"
	} else {
		gateway, err := r.Gateway()
		if err != nil {
			return r.fail(ctx, incident, "llm", started, err)
		}
		redacted, _ := redact.Object(built.Digest).(map[string]any)
		if err := r.Store.CreateAuditLog(ctx, &types.AuditLog{
			Actor:        "system",
			Action:       "llm.generate",
			ResourceType: "incident",
			ResourceID:   incident.ID.String(),
			Details:      map[string]any{"model": gateway.ModelName()},
		}); err != nil {
			return r.fail(ctx, incident, "triage", started, err)
		}
		generated, err := gateway.Generate(ctx, redacted, types.ReportJSONSchema())
		if err != nil {
			stage := "triage"
			if errs.IsLLMConfiguration(err) {
				stage = "llm"
			}
			return r.fail(ctx, incident, stage, started, err)
		}
		meta = gateway.Metadata()
		generated["generation_metadata"] = mergeMetadata(generated["generation_metadata"], meta)
		payload, err = decodePayload(generated)
		if err != nil {
			return r.fail(ctx, incident, "triage", started, err)
		}
		modelName = gateway.ModelName()
	}

	if err := payload.Validate(); err != nil {
		return r.fail(ctx, incident, "triage", started, fmt.Errorf("report validation: %w", err))
	}

	artifacts := built.Artifacts
	if !r.Settings.AllowRawStore && !r.Settings.FixtureMode {
		artifacts = redactArtifacts(artifacts)
	}
	provenance := map[string]any{
		"generated_at":                   time.Now().UTC().Format(time.RFC3339),
		"window_reason":                  windowReason,
		"query_names":                    built.QueryNames,
		"correlation_id":                 correlationID,
		"alert_event_id":                 alert.ID.String(),
		"evidence_score":                 map[string]any{"score": built.Score.Score, "level": built.Score.Level, "reasons": built.Score.Reasons},
		"no_guess_mode":                  gate.NoGuess,
		"no_guess_reasons":               gate.Reasons,
		"effective_confidence_threshold": gate.Threshold,
		"required_query_refs":            gate.RequiredRefs,
		"query_artifact_count":           built.QueryArtifactCount,
		"cost_estimate":                  map[string]any{"estimated_tokens": built.Cost.EstimatedTokens, "estimated_cost_usd": built.Cost.EstimatedCostUSD},
	}

	err = r.Store.WithTx(ctx, func(q store.Queries) error {
		if err := q.UpsertTriageReport(ctx, incident.ID, modelName, payload); err != nil {
			return err
		}
		if err := q.SetIncidentStatus(ctx, incident.ID, types.StatusAwaitingHumanReview, ""); err != nil {
			return err
		}
		if err := q.StoreEvidencePack(ctx, &types.EvidencePack{
			IncidentID:      incident.ID,
			TimeWindowStart: windowStart,
			TimeWindowEnd:   windowEnd,
			Artifacts:       artifacts,
			Provenance:      provenance,
		}); err != nil {
			return err
		}
		return q.CreatePipelineRun(ctx, &types.PipelineRun{
			IncidentID: &incident.ID,
			Stage:      "triage",
			Status:     types.RunSuccess,
			DurationMS: time.Since(started).Milliseconds(),
			Metrics: map[string]any{
				"score":                          built.Score.Score,
				"no_guess_mode":                  gate.NoGuess,
				"no_guess_reasons":               gate.Reasons,
				"effective_confidence_threshold": gate.Threshold,
				"required_query_refs":            gate.RequiredRefs,
				"query_artifact_count":           built.QueryArtifactCount,
				"estimated_tokens":               built.Cost.EstimatedTokens,
				"estimated_cost_usd":             built.Cost.EstimatedCostUSD,
				"llm_provider":                   meta.LLMProvider,
				"llm_endpoint_used":              meta.LLMEndpointUsed,
				"endpoint_failover_count":        meta.EndpointFailoverCount,
			},
		})
	})
	if err != nil {
		return r.fail(ctx, incident, "triage", started, err)
	}

	metrics.TriageRuns.WithLabelValues(types.RunSuccess).Inc()
	metrics.TriageDuration.Observe(time.Since(started).Seconds())
	if meta.EndpointFailoverCount > 0 {
		metrics.LLMFailovers.Inc()
	}
	log.WithFields(logrus.Fields{"score": built.Score.Score, "no_guess": gate.NoGuess}).Info("triage complete")
	r.Notifier.NotifyIncidentUpdate(ctx, notify.IncidentUpdate{
		IncidentID:   incident.ID.String(),
		Service:      incident.Service,
		Env:          incident.Env,
		Status:       string(types.StatusAwaitingHumanReview),
		Owners:       entry.Owners,
		RunbookURL:   entry.RunbookURL,
		DashboardURL: entry.DashboardURL,
		Details:      fmt.Sprintf("score=%v no_guess=%v", built.Score.Score, gate.NoGuess),
	})
	return nil
}

// fail marks the incident failed, records the failed run and notifies, then
// surfaces the original error for the harness retry policy.
func (r *Runner) fail(ctx context.Context, incident *types.Incident, stage string, started time.Time, cause error) error {
	metrics.TriageRuns.WithLabelValues(types.RunFailed).Inc()
	r.Logger.WithError(cause).WithField("incident", incident.ID).Error("triage pipeline failed")
	if err := r.Store.SetIncidentStatus(ctx, incident.ID, types.StatusFailed, cause.Error()); err != nil {
		r.Logger.WithError(err).Error("failed to mark incident failed")
	}
	if err := r.Store.CreatePipelineRun(ctx, &types.PipelineRun{
		IncidentID: &incident.ID,
		Stage:      stage,
		Status:     types.RunFailed,
		DurationMS: time.Since(started).Milliseconds(),
		Error:      cause.Error(),
	}); err != nil {
		r.Logger.WithError(err).Error("failed to record failed pipeline run")
	}
	r.Notifier.Notify(ctx, "triage failed: "+cause.Error())
	return cause
}

// noGuessGate is the evaluated gate outcome.
type noGuessGate struct {
	NoGuess      bool
	Reasons      []string
	Threshold    float64
	RequiredRefs int
}

// evaluateNoGuess applies the confidence threshold and required query-ref
// count, with the fixture-mode clamps that keep demo runs productive.
func (r *Runner) evaluateNoGuess(built *evidence.Result) noGuessGate {
	threshold := r.Settings.NoGuessThreshold
	if r.Settings.FixtureMode && threshold > 0.6 {
		threshold = 0.6
	}
	gate := noGuessGate{Threshold: threshold}
	if built.Score.Score < threshold {
		gate.NoGuess = true
		gate.Reasons = append(gate.Reasons,
			fmt.Sprintf("score_below_threshold:%v<%v", built.Score.Score, threshold))
	}

	required := r.Settings.EvidenceMinRefs
	if r.Settings.FixtureMode {
		required--
		if required < 1 {
			required = 1
		}
		executed := built.ExecutedQueries
		if executed < 1 {
			executed = 1
		}
		if required > executed {
			required = executed
		}
	}
	gate.RequiredRefs = required
	if built.QueryArtifactCount < required {
		gate.NoGuess = true
		gate.Reasons = append(gate.Reasons,
			fmt.Sprintf("insufficient_query_refs:%d<%d", built.QueryArtifactCount, required))
	}
	return gate
}

// fallbackReport is the structured no-guess answer: no facts or hypotheses,
// two standard next checks citing the first two executed queries.
func fallbackReport(artifacts []types.Artifact, score evidence.Score) types.ReportPayload {
	var queryRefs []types.EvidenceRef
	for _, a := range artifacts {
		if a.Type() != "logs_query" {
			continue
		}
		queryID, _ := a["query_id"].(string)
		if queryID == "" {
			queryID = "unknown"
		}
		queryRefs = append(queryRefs, types.EvidenceRef{
			ArtifactID: a.ArtifactID(),
			Pointer:    "query_id:" + queryID,
		})
		if len(queryRefs) == 2 {
			break
		}
	}
	return types.ReportPayload{
		Summary:    "Insufficient evidence for a confident root-cause statement.",
		Mode:       types.ModeInsufficientEvidence,
		Facts:      []types.Fact{},
		Hypotheses: []types.Hypothesis{},
		NextChecks: []types.NextCheck{
			{
				CheckID:        "check-collect-more-logs",
				Step:           "Expand log window and validate whether error signatures persist.",
				CommandOrQuery: "rerun errors and patterns queries with broader interval",
				EvidenceRefs:   queryRefs,
			},
			{
				CheckID:        "check-deploy-diff",
				Step:           "Compare deployed version against last known healthy release.",
				CommandOrQuery: "inspect deployment timeline and diff config changes",
				EvidenceRefs:   queryRefs,
			},
		},
		Mitigations: []types.Mitigation{},
		Claims: []types.Claim{
			{
				ClaimID:      "claim-insufficient-evidence",
				Type:         "next_check",
				Text:         "Current evidence does not support a reliable root-cause hypothesis.",
				EvidenceRefs: queryRefs,
			},
		},
		UncertaintyNote: fmt.Sprintf("evidence_score=%v (%s)", score.Score, score.Level),
		GenerationMetadata: types.GenerationMetadata{
			LLMProvider:           "fallback",
			EndpointFailoverCount: 0,
		},
	}
}

func mergeMetadata(existing any, meta types.GenerationMetadata) map[string]any {
	merged, _ := existing.(map[string]any)
	if merged == nil {
		merged = map[string]any{}
	}
	merged["llm_provider"] = meta.LLMProvider
	if meta.LLMEndpointUsed != "" {
		merged["llm_endpoint_used"] = meta.LLMEndpointUsed
	}
	merged["endpoint_failover_count"] = meta.EndpointFailoverCount
	return merged
}

func decodePayload(generated map[string]any) (types.ReportPayload, error) {
	var payload types.ReportPayload
	raw, err := json.Marshal(generated)
	if err != nil {
		return payload, fmt.Errorf("encode generated report: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode generated report: %w", err)
	}
	return payload, nil
}

func redactArtifacts(artifacts []types.Artifact) []types.Artifact {
	out := make([]types.Artifact, len(artifacts))
	for i, a := range artifacts {
		cleaned, _ := redact.Object(map[string]any(a)).(map[string]any)
		out[i] = types.Artifact(cleaned)
	}
	return out
}
