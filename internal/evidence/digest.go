package evidence

import (
	"fmt"
	"math"

	"iats/internal/hashing"
	"iats/pkg/types"
)

const maxSnippetDigestChars = 1800

// BuildDigest condenses the artifact list into the compact structure handed
// to the LLM: title, correlation id, signatures, truncated snippets, query
// handles, timeline and change context.
func BuildDigest(alertTitle string, artifacts []types.Artifact) map[string]any {
	var signatures any = []any{}
	snippets := []any{}
	queries := []any{}
	var timeline any = []any{}
	var correlationID any
	changeContext := map[string]any{}

	for _, artifact := range artifacts {
		switch artifact.Type() {
		case "log_signatures":
			if s, ok := artifact["signatures"]; ok {
				signatures = s
			}
		case "repo_snippet":
			content, _ := artifact["content"].(string)
			if len(content) > maxSnippetDigestChars {
				content = content[:maxSnippetDigestChars]
			}
			snippets = append(snippets, map[string]any{
				"snippet_id":  artifact["snippet_id"],
				"file_path":   artifact["file_path"],
				"line_range":  lineRange(artifact),
				"content":     content,
				"artifact_id": artifact.ArtifactID(),
			})
		case "logs_query":
			queries = append(queries, map[string]any{
				"query_id":    artifact["query_id"],
				"query_name":  artifact["query_name"],
				"query":       artifact["query_string"],
				"artifact_id": artifact.ArtifactID(),
			})
		case "correlation":
			correlationID = artifact["correlation_id"]
		case "timeline":
			if events, ok := artifact["events"]; ok {
				timeline = events
			}
		case "change_context":
			changeContext = map[string]any{
				"service_version": artifact["service_version"],
				"git_sha":         artifact["git_sha"],
				"last_commits":    truncateList(artifact["last_commits"], 5),
				"artifact_id":     artifact.ArtifactID(),
			}
		}
	}

	return map[string]any{
		"alert_summary":  alertTitle,
		"correlation_id": correlationID,
		"signatures":     signatures,
		"repo_snippets":  snippets,
		"queries":        queries,
		"timeline":       timeline,
		"change_context": changeContext,
	}
}

func lineRange(artifact types.Artifact) string {
	start := intOr(artifact["start_line"], 1)
	end := intOr(artifact["end_line"], 1)
	return fmt.Sprintf("%d-%d", start, end)
}

func intOr(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

func truncateList(v any, limit int) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	if len(list) > limit {
		return list[:limit]
	}
	return list
}

// Cost is the informational token/cost estimate for a digest.
type Cost struct {
	EstimatedTokens  int     `json:"estimated_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// EstimateCost derives a rough token count (len/4) and a blended unit cost.
func EstimateCost(digest map[string]any) Cost {
	chars := len(hashing.MustCanonicalJSON(digest))
	tokens := chars / 4
	if tokens < 1 {
		tokens = 1
	}
	cost := math.Round(float64(tokens)*0.000002*1e6) / 1e6
	return Cost{EstimatedTokens: tokens, EstimatedCostUSD: cost}
}
