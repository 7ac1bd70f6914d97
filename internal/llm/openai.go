package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"iats/internal/config"
	"iats/internal/errs"
	"iats/internal/hashing"
	"iats/pkg/types"
)

// OpenAIGateway is the hosted provider. Single attempt per generation; the
// vendor SDK retries transport hiccups internally.
type OpenAIGateway struct {
	llm    *openai.LLM
	model  string
	logger *logrus.Logger
}

// NewOpenAIGateway builds the hosted client, failing fast when no API key is
// configured.
func NewOpenAIGateway(cfg *config.Settings, logger *logrus.Logger) (*OpenAIGateway, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, errs.LLMConfiguration("OPENAI_API_KEY is not configured")
	}
	client, err := openai.New(
		openai.WithToken(cfg.OpenAIAPIKey),
		openai.WithModel(cfg.OpenAIModel),
	)
	if err != nil {
		return nil, errs.LLMConfiguration("create OpenAI client: %v", err)
	}
	return &OpenAIGateway{llm: client, model: cfg.OpenAIModel, logger: logger}, nil
}

func (g *OpenAIGateway) ModelName() string { return g.model }

func (g *OpenAIGateway) Metadata() types.GenerationMetadata {
	return types.GenerationMetadata{LLMProvider: "openai"}
}

// Generate asks for a JSON-mode completion and decodes it.
func (g *OpenAIGateway) Generate(ctx context.Context, digest map[string]any, schema map[string]any) (map[string]any, error) {
	userContent := hashing.MustCanonicalJSON(map[string]any{
		"evidence_pack_digest": digest,
		"json_schema":          schema,
	})
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemInstruction),
		llms.TextParts(llms.ChatMessageTypeHuman, userContent),
	}
	resp, err := g.llm.GenerateContent(ctx, messages,
		llms.WithJSONMode(),
		llms.WithTemperature(0.2),
	)
	if err != nil {
		return nil, fmt.Errorf("hosted LLM request: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return nil, fmt.Errorf("hosted LLM response was empty")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(resp.Choices[0].Content), &payload); err != nil {
		return nil, fmt.Errorf("hosted LLM returned invalid JSON: %w", err)
	}
	return payload, nil
}
