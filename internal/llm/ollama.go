package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"iats/internal/config"
	"iats/internal/errs"
	"iats/internal/hashing"
	"iats/pkg/types"
)

// OllamaGateway talks to one of an ordered list of self-hosted endpoints,
// preferring a cached healthy endpoint and failing over at most once per
// generation.
type OllamaGateway struct {
	endpoints     []string
	model         string
	healthTimeout time.Duration
	cacheTTL      time.Duration
	httpClient    *http.Client
	logger        *logrus.Logger

	mu            sync.Mutex
	cachedEnd     string
	cacheExpires  time.Time
	lastUsed      string
	failoverCount int

	now func() time.Time
}

// NewOllamaGateway builds the self-hosted gateway from settings. The legacy
// single-URL config is already prepended by Settings.LLMEndpoints.
func NewOllamaGateway(cfg *config.Settings, logger *logrus.Logger) *OllamaGateway {
	return &OllamaGateway{
		endpoints:     cfg.LLMEndpoints(),
		model:         cfg.LocalLLMModel,
		healthTimeout: cfg.OllamaHealthTimeout,
		cacheTTL:      cfg.OllamaCacheTTL,
		httpClient:    &http.Client{Timeout: cfg.LocalLLMTimeout},
		logger:        logger,
		now:           time.Now,
	}
}

func (g *OllamaGateway) ModelName() string { return g.model }

// Metadata reports the endpoint used by the last generation and whether it
// failed over.
func (g *OllamaGateway) Metadata() types.GenerationMetadata {
	g.mu.Lock()
	defer g.mu.Unlock()
	return types.GenerationMetadata{
		LLMProvider:           "ollama",
		LLMEndpointUsed:       g.lastUsed,
		EndpointFailoverCount: g.failoverCount,
	}
}

// isHealthy checks /api/tags and requires the configured model in the list.
func (g *OllamaGateway) isHealthy(ctx context.Context, endpoint string) bool {
	ctx, cancel := context.WithTimeout(ctx, g.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.logger.WithField("endpoint", endpoint).Debugf("health check failed: %v", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}
	for _, m := range tags.Models {
		if m.Name == g.model {
			return true
		}
	}
	g.logger.WithField("endpoint", endpoint).Warnf("model %s not present", g.model)
	return false
}

// pickEndpoint returns the cached endpoint while valid, otherwise the first
// healthy one from the list.
func (g *OllamaGateway) pickEndpoint(ctx context.Context) (string, error) {
	g.mu.Lock()
	cached, expires := g.cachedEnd, g.cacheExpires
	g.mu.Unlock()

	if cached != "" && g.now().Before(expires) && g.contains(cached) {
		return cached, nil
	}
	for _, endpoint := range g.endpoints {
		if g.isHealthy(ctx, endpoint) {
			g.cacheEndpoint(endpoint)
			return endpoint, nil
		}
	}
	return "", errs.LLMConfiguration("failed to reach any self-hosted LLM endpoint: %s", strings.Join(g.endpoints, ", "))
}

// nextHealthyAfter finds the first healthy endpoint after the failing one,
// wrapping around the list.
func (g *OllamaGateway) nextHealthyAfter(ctx context.Context, failing string) string {
	start := 0
	for i, endpoint := range g.endpoints {
		if endpoint == failing {
			start = i + 1
			break
		}
	}
	for offset := 0; offset < len(g.endpoints); offset++ {
		endpoint := g.endpoints[(start+offset)%len(g.endpoints)]
		if endpoint == failing {
			continue
		}
		if g.isHealthy(ctx, endpoint) {
			return endpoint
		}
	}
	return ""
}

func (g *OllamaGateway) contains(endpoint string) bool {
	for _, e := range g.endpoints {
		if e == endpoint {
			return true
		}
	}
	return false
}

func (g *OllamaGateway) cacheEndpoint(endpoint string) {
	g.mu.Lock()
	g.cachedEnd = endpoint
	g.cacheExpires = g.now().Add(g.cacheTTL)
	g.mu.Unlock()
}

// Generate sends the digest to the selected endpoint with the report schema
// as the required output format. One transport failure triggers exactly one
// failover to the next healthy endpoint.
func (g *OllamaGateway) Generate(ctx context.Context, digest map[string]any, schema map[string]any) (map[string]any, error) {
	endpoint, err := g.pickEndpoint(ctx)
	if err != nil {
		return nil, err
	}

	failovers := 0
	payload, err := g.generateAt(ctx, endpoint, digest, schema)
	if err != nil {
		var de *decodeError
		if errors.As(err, &de) {
			return nil, de.err
		}
		next := g.nextHealthyAfter(ctx, endpoint)
		if next == "" {
			return nil, errs.LLMConfiguration("failed to reach any self-hosted LLM endpoint: %s", strings.Join(g.endpoints, ", "))
		}
		g.logger.WithFields(logrus.Fields{"failed": endpoint, "next": next}).Warn("LLM endpoint failover")
		g.cacheEndpoint(next)
		endpoint = next
		failovers = 1
		payload, err = g.generateAt(ctx, endpoint, digest, schema)
		if err != nil {
			if errors.As(err, &de) {
				return nil, de.err
			}
			return nil, fmt.Errorf("generation failed after failover: %w", err)
		}
	}

	g.mu.Lock()
	g.lastUsed = endpoint
	g.failoverCount = failovers
	g.mu.Unlock()
	return payload, nil
}

// decodeError marks a successful transport round-trip whose body was not the
// JSON we asked for; it must not trigger failover.
type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return e.err.Error() }

func (g *OllamaGateway) generateAt(ctx context.Context, endpoint string, digest map[string]any, schema map[string]any) (map[string]any, error) {
	prompt := hashing.MustCanonicalJSON(map[string]any{
		"system_instruction":   systemInstruction,
		"evidence_pack_digest": digest,
		"json_schema":          schema,
	})
	body, err := json.Marshal(map[string]any{
		"model":   g.model,
		"stream":  false,
		"format":  schema,
		"prompt":  prompt,
		"options": map[string]any{"temperature": 0.2},
	})
	if err != nil {
		return nil, &decodeError{err: fmt.Errorf("encode generate request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, &decodeError{err: fmt.Errorf("build generate request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate request to %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read generate response from %s: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generate request to %s returned status %d", endpoint, resp.StatusCode)
	}

	var generated struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(raw, &generated); err != nil {
		return nil, &decodeError{err: fmt.Errorf("parse generate envelope: %w", err)}
	}
	if generated.Response == "" {
		return nil, &decodeError{err: fmt.Errorf("local LLM response was empty")}
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(generated.Response), &payload); err != nil {
		return nil, &decodeError{err: fmt.Errorf("local LLM returned invalid JSON: %w", err)}
	}
	return payload, nil
}
