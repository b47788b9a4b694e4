// Package dialect builds a providers.Provider from a registry.Provider row,
// selecting the wire dialect by the row's type tag (C3's "dialect adapter"
// responsibility). This replaces the teacher's static, config-file-driven
// provider map with one keyed off the live model registry.
package dialect

import (
	"context"
	"fmt"
	"time"

	"github.com/opengatellm/gateway/internal/providers"
	"github.com/opengatellm/gateway/internal/providers/anthropic"
	"github.com/opengatellm/gateway/internal/providers/gemini"
	"github.com/opengatellm/gateway/internal/providers/mistral"
	"github.com/opengatellm/gateway/internal/providers/openai"
	"github.com/opengatellm/gateway/internal/providers/openaicompat"
	"github.com/opengatellm/gateway/internal/providers/tei"
	"github.com/opengatellm/gateway/internal/registry"
)

// Build constructs the provider client appropriate for p.Type. vllm and
// albert are OpenAI-wire-compatible self-hosted/gateway dialects, so they
// reuse the generic openaicompat adapter pointed at the provider's own
// base URL, exactly like the teacher's xAI/Groq/DeepSeek integrations.
func Build(ctx context.Context, p *registry.Provider) (providers.Provider, error) {
	timeout := time.Duration(p.TimeoutMS) * time.Millisecond

	switch p.Type {
	case registry.ProviderTypeOpenAI:
		opts := []openai.Option{}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		return openai.New(p.BearerKey, opts...), nil

	case registry.ProviderTypeVLLM, registry.ProviderTypeAlbert:
		return openaicompat.New(string(p.Type), p.BearerKey, p.BaseURL), nil

	case registry.ProviderTypeMistral:
		opts := []mistral.Option{}
		if p.BaseURL != "" {
			opts = append(opts, mistral.WithBaseURL(p.BaseURL))
		}
		return mistral.New(p.BearerKey, opts...), nil

	case registry.ProviderTypeAnthropic:
		opts := []anthropic.Option{}
		if p.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(p.BaseURL))
		}
		return anthropic.New(p.BearerKey, opts...), nil

	case registry.ProviderTypeGemini:
		opts := []gemini.Option{}
		if p.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(p.BaseURL))
		}
		return gemini.New(ctx, p.BearerKey, opts...), nil

	case registry.ProviderTypeTEI:
		return tei.New(string(p.Type), p.BearerKey, p.BaseURL, timeout), nil

	case registry.ProviderTypeOpenAICompat:
		return openaicompat.New(fmt.Sprintf("openai_compat-%d", p.ID), p.BearerKey, p.BaseURL), nil

	default:
		return nil, fmt.Errorf("dialect: unsupported provider type %q", p.Type)
	}
}
