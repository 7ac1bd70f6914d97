// Package llm generates schema-constrained triage reports through hosted or
// self-hosted model endpoints.
package llm

import (
	"context"

	"github.com/sirupsen/logrus"

	"iats/internal/config"
	"iats/internal/errs"
	"iats/pkg/types"
)

// systemInstruction is the citation-discipline preamble sent with every
// generation request.
const systemInstruction = "You are producing an incident triage report with strict evidence-citation rules. " +
	"Do not invent any fact. Every fact must include evidence_refs with artifact_id and pointer. " +
	"Separate facts from hypotheses. Include claims[] that map all key statements to evidence_refs. " +
	"If evidence is weak, set mode=insufficient_evidence and only propose next_checks with citations. " +
	"Return JSON only, matching the provided JSON schema."

// Gateway produces a parsed report object from an evidence digest.
type Gateway interface {
	Generate(ctx context.Context, digest map[string]any, schema map[string]any) (map[string]any, error)
	ModelName() string
	Metadata() types.GenerationMetadata
}

// NewGateway builds the configured provider.
func NewGateway(cfg *config.Settings, logger *logrus.Logger) (Gateway, error) {
	switch cfg.LLMProvider {
	case "openai":
		return NewOpenAIGateway(cfg, logger)
	case "local":
		return NewOllamaGateway(cfg, logger), nil
	default:
		return nil, errs.LLMConfiguration("unsupported LLM_PROVIDER=%s", cfg.LLMProvider)
	}
}
