package evidence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"iats/internal/hashing"
	"iats/internal/registry"
	"iats/pkg/types"
)

// NewArtifact tags a payload with its type and stable artifact id.
func NewArtifact(artifactType string, payload map[string]any) types.Artifact {
	artifact := types.Artifact{
		"artifact_id": hashing.ArtifactID(artifactType, payload),
		"type":        artifactType,
	}
	for k, v := range payload {
		artifact[k] = v
	}
	return artifact
}

// Builder assembles the tagged artifact list for one triage run.
type Builder struct {
	Logs     LogsFetcher
	Snippets SnippetFetcher
	Library  *registry.QueryLibrary
	Logger   *logrus.Logger

	MaxQueries         int
	MaxSnippets        int
	RecentCommitsLimit int
	FixtureMode        bool
}

// Input is the evidence-gathering context for one incident run.
type Input struct {
	Incident      *types.Incident
	Alert         *types.AlertEvent
	Entry         registry.Entry
	Deploys       []types.DeploymentEvent
	ConfigChanges []types.ConfigChange
	WindowStart   time.Time
	WindowEnd     time.Time
}

// Result is the built evidence plus everything the no-guess gate and pack
// provenance need.
type Result struct {
	Artifacts          []types.Artifact
	Score              Score
	QueryNames         []string
	QueryArtifactCount int
	ExecutedQueries    int
	Digest             map[string]any
	Cost               Cost
}

// Build runs the queries, ranks patterns, maps code context, assembles the
// timeline and scores the lot.
func (b *Builder) Build(ctx context.Context, in Input) (*Result, error) {
	correlationID := in.Alert.CorrelationID
	if correlationID == "" {
		correlationID = in.Incident.CorrelationID
	}
	logGroup := in.Entry.FirstLogGroup()

	queries := b.Library.QueriesFor(in.Alert.ResourceRefs["alarm_name"])
	if correlationID != "" {
		queries = append(queries, registry.NamedQuery{
			Name: "correlation",
			Query: "fields @timestamp, @message | filter @message like /" + EscapeLogsRegex(correlationID) +
				"/ | sort @timestamp desc | limit 200",
		})
	}
	if len(queries) > b.MaxQueries {
		queries = queries[:b.MaxQueries]
	}

	results := make(map[string]*LogsResult, len(queries))
	for _, nq := range queries {
		result, err := b.Logs.FetchLogs(ctx, logGroup, in.WindowStart, in.WindowEnd, nq.Query)
		if err != nil {
			return nil, fmt.Errorf("logs query %q: %w", nq.Name, err)
		}
		results[nq.Name] = result
	}

	// Correlation-scoped lines lead so their patterns rank first.
	var lines []string
	if corr, ok := results["correlation"]; ok {
		lines = append(lines, FlattenResult(corr)...)
	}
	for _, nq := range queries {
		if nq.Name == "correlation" {
			continue
		}
		lines = append(lines, FlattenResult(results[nq.Name])...)
	}
	if reason := strings.TrimSpace(in.Alert.Annotations["reason"]); reason != "" {
		lines = append(lines, reason)
	}

	patterns := RankPatterns(lines)
	frames := ExtractStackFrames(lines)

	var snippets []Snippet
	for _, frame := range frames {
		snippet, err := b.Snippets.SnippetForFileLine(in.Entry.RepoLocalPath, frame.File, frame.Line, in.Incident.GitSHA)
		if err != nil {
			b.Logger.WithError(err).Warn("stack frame snippet lookup failed")
			continue
		}
		if snippet != nil {
			snippets = append(snippets, *snippet)
		}
	}
	if len(snippets) == 0 {
		var keywords []string
		for _, p := range patterns {
			fields := strings.Fields(p.Pattern)
			if len(fields) > 0 && len(fields[0]) > 3 {
				keywords = append(keywords, fields[0])
			}
		}
		found, err := b.Snippets.SearchSnippets(in.Entry.RepoLocalPath, keywords, b.MaxSnippets)
		if err != nil {
			b.Logger.WithError(err).Warn("keyword snippet search failed")
		} else {
			snippets = found
		}
	}

	recentCommits, err := b.Snippets.RecentCommits(in.Entry.RepoLocalPath, b.RecentCommitsLimit)
	if err != nil {
		b.Logger.WithError(err).Warn("recent commit lookup failed")
	}

	score := ScoreEvidence(ScoreInput{
		Patterns:      patterns,
		Snippets:      snippets,
		QueryResults:  results,
		CorrelationID: correlationID,
		AlertState:    in.Alert.State,
		AlertReason:   in.Alert.Annotations["reason"],
		FixtureMode:   b.FixtureMode,
	})

	var artifacts []types.Artifact
	artifacts = append(artifacts, NewArtifact("log_signatures", map[string]any{"signatures": patterns}))

	queryNames := make([]string, 0, len(queries))
	for _, nq := range queries {
		result := results[nq.Name]
		queryID := result.QueryID
		if queryID == "" {
			queryID = "fixture-" + nq.Name
		}
		artifacts = append(artifacts, NewArtifact("logs_query", map[string]any{
			"query_name":   nq.Name,
			"query_id":     queryID,
			"log_group":    logGroup,
			"query_string": nq.Query,
			"start":        in.WindowStart.Format(time.RFC3339),
			"end":          in.WindowEnd.Format(time.RFC3339),
			"status":       "Complete",
		}))
		queryNames = append(queryNames, nq.Name)
	}
	if correlationID != "" {
		artifacts = append(artifacts, NewArtifact("correlation", map[string]any{"correlation_id": correlationID}))
	}
	for _, snippet := range snippets {
		artifacts = append(artifacts, NewArtifact("repo_snippet", map[string]any{
			"snippet_id": snippet.SnippetID,
			"file_path":  snippet.FilePath,
			"start_line": snippet.StartLine,
			"end_line":   snippet.EndLine,
			"content":    snippet.Content,
			"reason":     snippet.Reason,
		}))
	}
	artifacts = append(artifacts, NewArtifact("change_context", map[string]any{
		"repo_path":       in.Entry.RepoLocalPath,
		"branch":          "main",
		"git_sha":         in.Incident.GitSHA,
		"service_version": in.Incident.ServiceVersion,
		"last_commits":    commitList(recentCommits),
	}))

	deployEvents := make([]any, 0, len(in.Deploys))
	for _, d := range in.Deploys {
		deployEvents = append(deployEvents, map[string]any{
			"deployed_at": d.DeployedAt.Format(time.RFC3339),
			"version":     d.Version,
			"git_sha":     d.GitSHA,
			"actor":       d.Actor,
		})
	}
	artifacts = append(artifacts, NewArtifact("deploy_timeline", map[string]any{"events": deployEvents}))

	configEvents := make([]any, 0, len(in.ConfigChanges))
	for _, c := range in.ConfigChanges {
		configEvents = append(configEvents, map[string]any{
			"changed_at": c.ChangedAt.Format(time.RFC3339),
			"actor":      c.Actor,
			"diff":       c.Diff,
		})
	}
	artifacts = append(artifacts, NewArtifact("config_changes", map[string]any{"events": configEvents}))

	timeline := []any{
		map[string]any{"type": "alert", "time": in.Alert.FiredAt.Format(time.RFC3339), "label": in.Alert.Title},
	}
	for _, d := range in.Deploys {
		label := d.Version
		if label == "" {
			label = d.GitSHA
		}
		if label == "" {
			label = "unknown"
		}
		timeline = append(timeline, map[string]any{
			"type": "deploy", "time": d.DeployedAt.Format(time.RFC3339), "label": "deploy " + label,
		})
	}
	for _, c := range in.ConfigChanges {
		timeline = append(timeline, map[string]any{
			"type": "config", "time": c.ChangedAt.Format(time.RFC3339), "label": "config changed",
		})
	}
	artifacts = append(artifacts, NewArtifact("timeline", map[string]any{"events": timeline}))
	artifacts = append(artifacts, NewArtifact("evidence_score", map[string]any{
		"score": score.Score, "level": score.Level, "reasons": score.Reasons,
	}))

	digest := BuildDigest(in.Alert.Title, artifacts)
	cost := EstimateCost(digest)

	queryArtifacts := 0
	for _, a := range artifacts {
		if a.Type() == "logs_query" {
			queryArtifacts++
		}
	}

	return &Result{
		Artifacts:          artifacts,
		Score:              score,
		QueryNames:         queryNames,
		QueryArtifactCount: queryArtifacts,
		ExecutedQueries:    len(queries),
		Digest:             digest,
		Cost:               cost,
	}, nil
}

func commitList(commits []Commit) []any {
	out := make([]any, 0, len(commits))
	for _, c := range commits {
		out = append(out, map[string]any{
			"hash":      c.Hash,
			"author":    c.Author,
			"message":   c.Message,
			"timestamp": c.Timestamp,
		})
	}
	return out
}
