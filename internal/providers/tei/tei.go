// Package tei implements the rerank dialect for Text Embeddings Inference
// upstreams — HuggingFace's self-hosted reranker server, which exposes a
// single POST /rerank endpoint distinct from the OpenAI chat/embeddings
// surface the rest of the providers package targets.
package tei

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/opengatellm/gateway/internal/providers"
)

// Provider talks to a TEI /rerank endpoint over plain HTTP, mirroring the
// openaicompat package's "name + apiKey + baseURL" construction shape.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	http    *http.Client
}

func New(name, apiKey, baseURL string, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = providers.ProviderTimeout
	}
	return &Provider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &ProviderError{Name: p.name, StatusCode: resp.StatusCode}
	}
	return nil
}

// Request is unimplemented: TEI rerank servers don't serve chat completions.
func (p *Provider) Request(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return nil, fmt.Errorf("%s: chat completions not supported by the tei dialect", p.name)
}

type teiRerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type teiRerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank implements providers.RerankProvider against TEI's native wire
// shape ({query, texts} -> [{index, score}, ...]), normalized into the
// gateway's unified RerankResponse.
func (p *Provider) Rerank(ctx context.Context, req *providers.RerankRequest) (*providers.RerankResponse, error) {
	payload, err := json.Marshal(teiRerankRequest{Query: req.Query, Texts: req.Documents})
	if err != nil {
		return nil, fmt.Errorf("%s: encode rerank request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	key := req.APIKey
	if key == "" {
		key = p.apiKey
	}
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: rerank request: %w", p.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read rerank response: %w", p.name, err)
	}
	if resp.StatusCode >= 300 {
		return nil, &ProviderError{Name: p.name, StatusCode: resp.StatusCode, Message: string(body)}
	}

	var results []teiRerankResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("%s: decode rerank response: %w", p.name, err)
	}

	out := make([]providers.RerankResult, len(results))
	for i, r := range results {
		out[i] = providers.RerankResult{Index: r.Index, Score: r.Score}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	return &providers.RerankResponse{Model: req.Model, Results: out}, nil
}

type ProviderError struct {
	Name       string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: rerank failed (status=%d) %s", e.Name, e.StatusCode, e.Message)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }
