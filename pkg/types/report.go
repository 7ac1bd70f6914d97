package types

import (
	"fmt"
)

// Report modes.
const (
	ModeNormal               = "normal"
	ModeInsufficientEvidence = "insufficient_evidence"
)

// EvidenceRef points a claim at a specific artifact in the incident's current
// evidence pack.
type EvidenceRef struct {
	ArtifactID string `json:"artifact_id"`
	Pointer    string `json:"pointer"`
}

// Fact is a cited statement of observed behavior.
type Fact struct {
	ClaimID      string        `json:"claim_id"`
	Text         string        `json:"text"`
	EvidenceRefs []EvidenceRef `json:"evidence_refs"`
}

// Hypothesis is a ranked, cited root-cause candidate.
type Hypothesis struct {
	Rank                int           `json:"rank"`
	Title               string        `json:"title"`
	Explanation         string        `json:"explanation"`
	Confidence          float64       `json:"confidence"`
	EvidenceRefs        []EvidenceRef `json:"evidence_refs"`
	DisconfirmingSignal []string      `json:"disconfirming_signals"`
	MissingData         []string      `json:"missing_data"`
}

// NextCheck is a proposed verification step.
type NextCheck struct {
	CheckID        string        `json:"check_id"`
	Step           string        `json:"step"`
	CommandOrQuery string        `json:"command_or_query,omitempty"`
	EvidenceRefs   []EvidenceRef `json:"evidence_refs"`
}

// Mitigation is a proposed remediation with its risk.
type Mitigation struct {
	MitigationID string        `json:"mitigation_id"`
	Action       string        `json:"action"`
	Risk         string        `json:"risk"`
	EvidenceRefs []EvidenceRef `json:"evidence_refs"`
}

// Claim maps one key statement of any kind back to evidence.
type Claim struct {
	ClaimID      string        `json:"claim_id"`
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	EvidenceRefs []EvidenceRef `json:"evidence_refs"`
}

// GenerationMetadata records which provider/endpoint produced a report.
type GenerationMetadata struct {
	LLMProvider           string `json:"llm_provider"`
	LLMEndpointUsed       string `json:"llm_endpoint_used,omitempty"`
	EndpointFailoverCount int    `json:"endpoint_failover_count"`
}

// ReportPayload is the strict report shape expected from the LLM.
type ReportPayload struct {
	Summary            string             `json:"summary"`
	Mode               string             `json:"mode"`
	Facts              []Fact             `json:"facts"`
	Hypotheses         []Hypothesis       `json:"hypotheses"`
	NextChecks         []NextCheck        `json:"next_checks"`
	Mitigations        []Mitigation       `json:"mitigations"`
	Claims             []Claim            `json:"claims"`
	UncertaintyNote    string             `json:"uncertainty_note,omitempty"`
	GenerationMetadata GenerationMetadata `json:"generation_metadata"`
}

// Validate enforces the citation and range rules: every fact, hypothesis,
// next_check and mitigation must carry at least one evidence ref, and
// hypothesis confidence must stay in [0,1].
func (p *ReportPayload) Validate() error {
	if p.Summary == "" {
		return fmt.Errorf("report summary is empty")
	}
	if p.Mode != ModeNormal && p.Mode != ModeInsufficientEvidence {
		return fmt.Errorf("report mode %q is not valid", p.Mode)
	}
	for i, f := range p.Facts {
		if len(f.EvidenceRefs) == 0 {
			return fmt.Errorf("fact %d (%s) has no evidence refs", i, f.ClaimID)
		}
	}
	for i, h := range p.Hypotheses {
		if h.Confidence < 0 || h.Confidence > 1 {
			return fmt.Errorf("hypothesis %d confidence %v out of range", i, h.Confidence)
		}
		if len(h.EvidenceRefs) == 0 {
			return fmt.Errorf("hypothesis %d (%s) has no evidence refs", i, h.Title)
		}
	}
	return nil
}

// CitedArtifactIDs collects every artifact id referenced anywhere in the report.
func (p *ReportPayload) CitedArtifactIDs() []string {
	var ids []string
	add := func(refs []EvidenceRef) {
		for _, r := range refs {
			ids = append(ids, r.ArtifactID)
		}
	}
	for _, f := range p.Facts {
		add(f.EvidenceRefs)
	}
	for _, h := range p.Hypotheses {
		add(h.EvidenceRefs)
	}
	for _, c := range p.NextChecks {
		add(c.EvidenceRefs)
	}
	for _, m := range p.Mitigations {
		add(m.EvidenceRefs)
	}
	for _, c := range p.Claims {
		add(c.EvidenceRefs)
	}
	return ids
}

// ReportJSONSchema is the schema handed to the LLM as the required output
// format. Kept as a plain map so it serializes exactly as written.
func ReportJSONSchema() map[string]any {
	ref := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"artifact_id": map[string]any{"type": "string"},
			"pointer":     map[string]any{"type": "string"},
		},
		"required": []any{"artifact_id", "pointer"},
	}
	refs := map[string]any{"type": "array", "items": ref}
	citedRefs := map[string]any{"type": "array", "items": ref, "minItems": 1}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{"type": "string"},
			"mode":    map[string]any{"enum": []any{ModeNormal, ModeInsufficientEvidence}},
			"facts": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"claim_id":      map[string]any{"type": "string"},
						"text":          map[string]any{"type": "string"},
						"evidence_refs": citedRefs,
					},
					"required": []any{"claim_id", "text", "evidence_refs"},
				},
			},
			"hypotheses": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"rank":                  map[string]any{"type": "integer"},
						"title":                 map[string]any{"type": "string"},
						"explanation":           map[string]any{"type": "string"},
						"confidence":            map[string]any{"type": "number", "minimum": 0, "maximum": 1},
						"evidence_refs":         citedRefs,
						"disconfirming_signals": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"missing_data":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required": []any{"rank", "title", "explanation", "confidence", "evidence_refs"},
				},
			},
			"next_checks": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"check_id":         map[string]any{"type": "string"},
						"step":             map[string]any{"type": "string"},
						"command_or_query": map[string]any{"type": "string"},
						"evidence_refs":    refs,
					},
					"required": []any{"check_id", "step", "evidence_refs"},
				},
			},
			"mitigations": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"mitigation_id": map[string]any{"type": "string"},
						"action":        map[string]any{"type": "string"},
						"risk":          map[string]any{"type": "string"},
						"evidence_refs": citedRefs,
					},
					"required": []any{"mitigation_id", "action", "risk", "evidence_refs"},
				},
			},
			"claims": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"claim_id":      map[string]any{"type": "string"},
						"type":          map[string]any{"enum": []any{"fact", "hypothesis", "next_check", "mitigation"}},
						"text":          map[string]any{"type": "string"},
						"evidence_refs": refs,
					},
					"required": []any{"claim_id", "type", "text", "evidence_refs"},
				},
			},
			"uncertainty_note": map[string]any{"type": "string"},
		},
		"required": []any{"summary", "mode", "facts", "hypotheses", "next_checks", "mitigations", "claims"},
	}
}
