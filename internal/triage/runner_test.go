package triage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"iats/internal/config"
	"iats/internal/errs"
	"iats/internal/evidence"
	"iats/internal/llm"
	"iats/internal/notify"
	"iats/internal/registry"
	"iats/internal/storetest"
	"iats/pkg/types"
)

type fakeNotifier struct {
	messages []string
	updates  []notify.IncidentUpdate
}

func (n *fakeNotifier) Notify(_ context.Context, message string) {
	n.messages = append(n.messages, message)
}

func (n *fakeNotifier) NotifyIncidentUpdate(_ context.Context, update notify.IncidentUpdate) {
	n.updates = append(n.updates, update)
}

type fakeGateway struct {
	payload map[string]any
	err     error
}

func (g *fakeGateway) Generate(_ context.Context, _ map[string]any, _ map[string]any) (map[string]any, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.payload, nil
}

func (g *fakeGateway) ModelName() string { return "fake-model" }

func (g *fakeGateway) Metadata() types.GenerationMetadata {
	return types.GenerationMetadata{LLMProvider: "ollama", LLMEndpointUsed: "http://a:11434", EndpointFailoverCount: 1}
}

func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs.json")
	content := `{
		"query_id": "fixture-q1",
		"result": {"results": [
			[{"field": "@message", "value": "ERROR checkout failed: ValueError: unsupported currency"}],
			[{"field": "@message", "value": "Traceback (most recent call last):"}]
		]}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testRegistry(t *testing.T) *registry.ServiceRegistry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	content := `
alarms:
  iats-demo-high-error-rate:
    service: checkout-api
    env: staging
    log_groups: ["/aws/lambda/checkout-api-staging"]
    owners: ["oncall@example.com"]
    runbook_url: https://runbooks.example.com/checkout
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.LoadServiceRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func testLibrary(t *testing.T) *registry.QueryLibrary {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queries.yaml")
	content := `
default:
  errors:
    query: "fields @timestamp, @message | filter @message like /ERROR/"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	lib, err := registry.LoadQueryLibrary(path)
	if err != nil {
		t.Fatal(err)
	}
	return lib
}

type runnerFixture struct {
	runner   *Runner
	store    *storetest.Fake
	notifier *fakeNotifier
	settings *config.Settings
}

func newRunnerFixture(t *testing.T, settings *config.Settings, gateway llm.Gateway, gatewayErr error) *runnerFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	fake := storetest.NewFake()
	notifier := &fakeNotifier{}
	builder := &evidence.Builder{
		Logs:               &evidence.FixtureLogsFetcher{Path: writeFixture(t)},
		Snippets:           &evidence.GitSnippetFetcher{},
		Library:            testLibrary(t),
		Logger:             logger,
		MaxQueries:         settings.MaxLogsQueriesPerIncident,
		MaxSnippets:        settings.MaxRepoSnippets,
		RecentCommitsLimit: settings.RepoRecentCommitsLimit,
		FixtureMode:        settings.FixtureMode,
	}
	runner := &Runner{
		Store:    fake,
		Registry: testRegistry(t),
		Builder:  builder,
		Gateway: func() (llm.Gateway, error) {
			if gatewayErr != nil {
				return nil, gatewayErr
			}
			return gateway, nil
		},
		Notifier: notifier,
		Settings: settings,
		Logger:   logger,
	}
	return &runnerFixture{runner: runner, store: fake, notifier: notifier, settings: settings}
}

func seedIncident(t *testing.T, fake *storetest.Fake) *types.Incident {
	t.Helper()
	ctx := context.Background()
	alert := &types.AlertEvent{
		Source:       types.SourceCloudWatch,
		ExternalID:   "evt-1",
		Title:        "CloudWatch Alarm: iats-demo-high-error-rate",
		Severity:     "critical",
		State:        "ALARM",
		FiredAt:      time.Now().UTC().Add(-time.Minute),
		Labels:       map[string]string{"alarm_name": "iats-demo-high-error-rate"},
		Annotations:  map[string]string{"reason": "5xx spike"},
		ResourceRefs: map[string]string{"alarm_name": "iats-demo-high-error-rate"},
		RawPayload:   []byte(`{}`),
	}
	if err := fake.CreateAlertEvent(ctx, alert); err != nil {
		t.Fatal(err)
	}
	incident, err := fake.UpsertIncident(ctx, "dedup-1", "checkout-api", "staging", "", alert.ID)
	if err != nil {
		t.Fatal(err)
	}
	return incident
}

func baseSettings() *config.Settings {
	return &config.Settings{
		TriageWindowMinutes:       10,
		MaxLogsQueriesPerIncident: 5,
		MaxRepoSnippets:           5,
		RepoRecentCommitsLimit:    5,
		EvidenceMinRefs:           1,
		NoGuessThreshold:          0.45,
		AllowRawStore:             true,
	}
}

func TestRunNoGuessFallback(t *testing.T) {
	settings := baseSettings()
	settings.NoGuessThreshold = 0.99
	fx := newRunnerFixture(t, settings, nil, errs.LLMConfiguration("must not be called"))
	incident := seedIncident(t, fx.store)

	if err := fx.runner.Run(context.Background(), incident.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	report, err := fx.store.GetTriageReport(context.Background(), incident.ID)
	if err != nil {
		t.Fatalf("no report stored: %v", err)
	}
	if report.Model != "fallback:no-guess" {
		t.Errorf("model = %s", report.Model)
	}
	if report.Payload.Mode != types.ModeInsufficientEvidence {
		t.Errorf("mode = %s", report.Payload.Mode)
	}
	if len(report.Payload.Facts) != 0 {
		t.Errorf("fallback facts = %d", len(report.Payload.Facts))
	}
	if len(report.Payload.NextChecks) < 1 {
		t.Error("fallback must propose next checks")
	}
	if report.Payload.GenerationMetadata.LLMProvider != "fallback" {
		t.Errorf("provider = %s", report.Payload.GenerationMetadata.LLMProvider)
	}
	for _, check := range report.Payload.NextChecks {
		if len(check.EvidenceRefs) == 0 {
			t.Error("fallback next checks must cite the executed queries")
		}
	}

	updated, _ := fx.store.GetIncident(context.Background(), incident.ID)
	if updated.Status != types.StatusAwaitingHumanReview {
		t.Errorf("status = %s", updated.Status)
	}
	if len(fx.store.Packs) != 1 {
		t.Fatalf("packs = %d", len(fx.store.Packs))
	}
	prov := fx.store.Packs[0].Provenance
	if prov["no_guess_mode"] != true {
		t.Errorf("no_guess_mode = %v", prov["no_guess_mode"])
	}
	if len(fx.notifier.updates) != 1 {
		t.Errorf("updates = %d", len(fx.notifier.updates))
	}
}

func TestRunFallbackCitationsResolve(t *testing.T) {
	settings := baseSettings()
	settings.NoGuessThreshold = 0.99
	fx := newRunnerFixture(t, settings, nil, nil)
	incident := seedIncident(t, fx.store)

	if err := fx.runner.Run(context.Background(), incident.ID); err != nil {
		t.Fatal(err)
	}
	report, err := fx.store.GetTriageReport(context.Background(), incident.ID)
	if err != nil {
		t.Fatal(err)
	}
	pack, err := fx.store.LatestEvidencePack(context.Background(), incident.ID)
	if err != nil {
		t.Fatal(err)
	}
	known := map[string]bool{}
	for _, a := range pack.Artifacts {
		known[a.ArtifactID()] = true
	}
	for _, id := range report.Payload.CitedArtifactIDs() {
		if !known[id] {
			t.Errorf("cited artifact %s missing from current pack", id)
		}
	}
}

func TestRunIdempotentSkip(t *testing.T) {
	settings := baseSettings()
	settings.NoGuessThreshold = 0.99
	fx := newRunnerFixture(t, settings, nil, nil)
	incident := seedIncident(t, fx.store)

	if err := fx.runner.Run(context.Background(), incident.ID); err != nil {
		t.Fatal(err)
	}
	packsAfterFirst := len(fx.store.Packs)
	if err := fx.runner.Run(context.Background(), incident.ID); err != nil {
		t.Fatal(err)
	}

	if len(fx.store.Packs) != packsAfterFirst {
		t.Errorf("second run built a new pack")
	}
	var skipped *types.PipelineRun
	for _, run := range fx.store.Runs {
		if run.Status == types.RunSkipped {
			skipped = run
		}
	}
	if skipped == nil {
		t.Fatal("no skipped pipeline run recorded")
	}
	if skipped.Metrics["reason"] != "idempotent-skip" {
		t.Errorf("skip reason = %v", skipped.Metrics["reason"])
	}
}

func TestRunLLMConfigurationErrorFailsIncident(t *testing.T) {
	settings := baseSettings()
	settings.NoGuessThreshold = 0
	settings.EvidenceMinRefs = 0
	fx := newRunnerFixture(t, settings, nil, errs.LLMConfiguration("failed to reach any self-hosted LLM endpoint"))
	incident := seedIncident(t, fx.store)

	err := fx.runner.Run(context.Background(), incident.ID)
	if !errs.IsLLMConfiguration(err) {
		t.Fatalf("expected the configuration error back, got %v", err)
	}

	updated, _ := fx.store.GetIncident(context.Background(), incident.ID)
	if updated.Status != types.StatusFailed {
		t.Errorf("status = %s", updated.Status)
	}
	if updated.LastError == "" {
		t.Error("last_error not set")
	}
	var failed *types.PipelineRun
	for _, run := range fx.store.Runs {
		if run.Status == types.RunFailed {
			failed = run
		}
	}
	if failed == nil {
		t.Fatal("no failed pipeline run recorded")
	}
	if failed.Stage != "llm" {
		t.Errorf("failed stage = %s, want llm", failed.Stage)
	}
	if len(fx.notifier.messages) == 0 {
		t.Error("failure must notify")
	}
}

func TestRunWithGatewaySuccess(t *testing.T) {
	settings := baseSettings()
	settings.NoGuessThreshold = 0
	settings.EvidenceMinRefs = 0
	gateway := &fakeGateway{payload: map[string]any{
		"summary": "bad currency codes crash the charge handler",
		"mode":    "normal",
		"facts": []any{map[string]any{
			"claim_id": "fact-1",
			"text":     "ValueError raised",
			"evidence_refs": []any{
				map[string]any{"artifact_id": "abc123def456", "pointer": "signature_id:x"},
			},
		}},
		"hypotheses":  []any{},
		"next_checks": []any{},
		"mitigations": []any{},
		"claims":      []any{},
	}}
	fx := newRunnerFixture(t, settings, gateway, nil)
	incident := seedIncident(t, fx.store)

	if err := fx.runner.Run(context.Background(), incident.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	report, err := fx.store.GetTriageReport(context.Background(), incident.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Model != "fake-model" {
		t.Errorf("model = %s", report.Model)
	}
	meta := report.Payload.GenerationMetadata
	if meta.LLMProvider != "ollama" || meta.LLMEndpointUsed != "http://a:11434" || meta.EndpointFailoverCount != 1 {
		t.Errorf("metadata not merged: %+v", meta)
	}
	updated, _ := fx.store.GetIncident(context.Background(), incident.ID)
	if updated.Status != types.StatusAwaitingHumanReview {
		t.Errorf("status = %s", updated.Status)
	}
	// The generation call is audited before the request goes out.
	found := false
	for _, a := range fx.store.Audits {
		if a.Action == "llm.generate" {
			found = true
		}
	}
	if !found {
		t.Error("llm.generate audit row missing")
	}
}

func TestRunInvalidGatewayPayloadFails(t *testing.T) {
	settings := baseSettings()
	settings.NoGuessThreshold = 0
	settings.EvidenceMinRefs = 0
	gateway := &fakeGateway{payload: map[string]any{
		"summary": "statement without citations",
		"mode":    "normal",
		"facts": []any{map[string]any{
			"claim_id":      "fact-1",
			"text":          "uncited claim",
			"evidence_refs": []any{},
		}},
		"hypotheses":  []any{},
		"next_checks": []any{},
		"mitigations": []any{},
		"claims":      []any{},
	}}
	fx := newRunnerFixture(t, settings, gateway, nil)
	incident := seedIncident(t, fx.store)

	if err := fx.runner.Run(context.Background(), incident.ID); err == nil {
		t.Fatal("uncited fact must fail validation")
	}
	updated, _ := fx.store.GetIncident(context.Background(), incident.ID)
	if updated.Status != types.StatusFailed {
		t.Errorf("status = %s", updated.Status)
	}
}

func TestRunMissingIncidentIsSilent(t *testing.T) {
	fx := newRunnerFixture(t, baseSettings(), nil, nil)
	if err := fx.runner.Run(context.Background(), uuid.New()); err != nil {
		t.Fatalf("missing incident should be silent, got %v", err)
	}
	if len(fx.store.Runs) != 0 {
		t.Errorf("runs = %d", len(fx.store.Runs))
	}
}

func TestFixtureModeClampsGate(t *testing.T) {
	settings := baseSettings()
	settings.FixtureMode = true
	settings.NoGuessThreshold = 0.95
	settings.EvidenceMinRefs = 3
	fx := newRunnerFixture(t, settings, nil, nil)
	incident := seedIncident(t, fx.store)

	if err := fx.runner.Run(context.Background(), incident.ID); err != nil {
		t.Fatal(err)
	}
	prov := fx.store.Packs[0].Provenance
	if prov["effective_confidence_threshold"] != 0.6 {
		t.Errorf("threshold not clamped: %v", prov["effective_confidence_threshold"])
	}
	// One executed query caps the required refs at 1 in fixture mode.
	if prov["required_query_refs"] != 1 {
		t.Errorf("required refs = %v", prov["required_query_refs"])
	}
}
