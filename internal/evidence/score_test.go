package evidence

import (
	"math"
	"testing"
)

func corrResult(lines ...string) *LogsResult {
	rows := make([]any, 0, len(lines))
	for _, l := range lines {
		rows = append(rows, map[string]any{"@message": l})
	}
	return &LogsResult{QueryID: "q", Result: map[string]any{"results": rows}}
}

func TestScoreEvidenceAllSignals(t *testing.T) {
	score := ScoreEvidence(ScoreInput{
		Patterns: []LogPattern{{Pattern: "ERROR timeout calling payments", Count: 3}},
		Snippets: []Snippet{{SnippetID: "s1"}},
		QueryResults: map[string]*LogsResult{
			"errors":      corrResult("ERROR x"),
			"correlation": corrResult("req-1 matched line"),
		},
		CorrelationID: "req-1",
		AlertState:    "ALARM",
		AlertReason:   "",
	})
	// 0.35 + 0.30 + 0.20 + 0.15 + 0.20 = 1.2, capped at 1.0
	if score.Score != 1.0 {
		t.Errorf("score = %v, want capped 1.0", score.Score)
	}
	if score.Level != "high" {
		t.Errorf("level = %s", score.Level)
	}
}

func TestScoreEvidenceLevels(t *testing.T) {
	// Signatures only: 0.30 -> low.
	low := ScoreEvidence(ScoreInput{
		Patterns:     []LogPattern{{Pattern: "plain warning"}},
		QueryResults: map[string]*LogsResult{"errors": corrResult()},
		AlertState:   "ALARM",
	})
	if math.Abs(low.Score-0.30) > 1e-9 || low.Level != "low" {
		t.Errorf("signatures-only score = %+v", low)
	}

	// Signatures + snippets: 0.50 -> medium.
	medium := ScoreEvidence(ScoreInput{
		Patterns:     []LogPattern{{Pattern: "plain warning"}},
		Snippets:     []Snippet{{}},
		QueryResults: map[string]*LogsResult{"errors": corrResult()},
		AlertState:   "ALARM",
	})
	if math.Abs(medium.Score-0.50) > 1e-9 || medium.Level != "medium" {
		t.Errorf("medium score = %+v", medium)
	}

	// Add multi-query and exception token: 0.50+0.15+0.20 = 0.85 -> high.
	high := ScoreEvidence(ScoreInput{
		Patterns:     []LogPattern{{Pattern: "ValueError: unsupported currency"}},
		Snippets:     []Snippet{{}},
		QueryResults: map[string]*LogsResult{"errors": corrResult(), "patterns": corrResult()},
		AlertState:   "ALARM",
	})
	if math.Abs(high.Score-0.85) > 1e-9 || high.Level != "high" {
		t.Errorf("high score = %+v", high)
	}
}

func TestScoreEvidenceCorrelationNeedsMatchingLines(t *testing.T) {
	withEmpty := ScoreEvidence(ScoreInput{
		QueryResults:  map[string]*LogsResult{"correlation": corrResult()},
		CorrelationID: "req-1",
		AlertState:    "ALARM",
	})
	if withEmpty.Score != 0 {
		t.Errorf("empty correlation result should not score, got %v", withEmpty.Score)
	}
}

func TestScoreEvidenceRecoverySignal(t *testing.T) {
	score := ScoreEvidence(ScoreInput{AlertState: "OK", QueryResults: map[string]*LogsResult{}})
	if math.Abs(score.Score-0.15) > 1e-9 {
		t.Errorf("recovery score = %v", score.Score)
	}
}

func TestScoreEvidenceFixturePenalty(t *testing.T) {
	base := ScoreInput{
		Patterns:     []LogPattern{{Pattern: "plain warning"}},
		QueryResults: map[string]*LogsResult{"errors": corrResult()},
		AlertState:   "ALARM",
	}
	plain := ScoreEvidence(base)
	base.FixtureMode = true
	fixture := ScoreEvidence(base)
	if math.Abs((plain.Score-fixture.Score)-0.10) > 1e-9 {
		t.Errorf("fixture penalty: plain=%v fixture=%v", plain.Score, fixture.Score)
	}

	// The penalty floors at zero.
	zero := ScoreEvidence(ScoreInput{FixtureMode: true, AlertState: "ALARM", QueryResults: map[string]*LogsResult{}})
	if zero.Score != 0 {
		t.Errorf("penalized empty score = %v", zero.Score)
	}
}

func TestScoreEvidenceReasonFromAlertReason(t *testing.T) {
	score := ScoreEvidence(ScoreInput{
		AlertState:   "ALARM",
		AlertReason:  "connection EndpointConnectionError while polling",
		QueryResults: map[string]*LogsResult{},
	})
	if math.Abs(score.Score-0.20) > 1e-9 {
		t.Errorf("alert reason token score = %v", score.Score)
	}
}
