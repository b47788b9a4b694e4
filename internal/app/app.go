// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when needed)
//  2. initRegistry — Model Registry / Access Controller / Dispatcher / Metric Store
//  3. initServices — cache, metrics registry
//  4. initGateway  — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/opengatellm/gateway/internal/auth"
	npCache "github.com/opengatellm/gateway/internal/cache"
	"github.com/opengatellm/gateway/internal/config"
	"github.com/opengatellm/gateway/internal/dispatch"
	"github.com/opengatellm/gateway/internal/logger"
	"github.com/opengatellm/gateway/internal/metrics"
	"github.com/opengatellm/gateway/internal/metricstore"
	"github.com/opengatellm/gateway/internal/proxy"
	"github.com/opengatellm/gateway/internal/registry"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reqLogger *logger.Logger
	memCache  *npCache.MemoryCache

	prom *metrics.Registry

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway

	// Model Registry / Access Controller / Dispatcher pipeline (C4/C7/C8).
	// Always populated by initRegistry — backed by Postgres when
	// REGISTRY_DATABASE_URL is set, otherwise an in-process sqlite database.
	registry   *registry.Store
	auth       *auth.Controller
	metrics    *metricstore.Store
	dispatcher *dispatch.Dispatcher
	clients    *clientCache
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"registry", a.initRegistry},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("routers", len(a.registry.Index().Snapshot())),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases the registry, the request logger, the memory cache and the
// Redis client, in that order. Each field is cleared after closing, so a
// second sequential call is a no-op; Close takes no lock and is not safe to
// call from multiple goroutines at once.
func (a *App) Close() {
	if a.registry != nil {
		if err := a.registry.Close(); err != nil {
			a.log.Error("registry close error", slog.String("error", err.Error()))
		}
		a.registry = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// credential is one configured upstream's bootstrap material: enough to seed
// a registry.Provider row without the caller needing to know which dialect
// backs it.
type credential struct {
	name         string
	apiKey       string
	baseURL      string
	providerType registry.ProviderType
}

// collectCredentials reads every non-empty provider API key out of cfg and
// returns the credential set initRegistry seeds the registry from on first
// boot. This is the same env-key inventory the teacher's open-source build
// used to construct a static provider map directly; here it only supplies
// registry rows, never a provider instance.
func collectCredentials(cfg *config.Config) []credential {
	var creds []credential

	add := func(pc config.ProviderConfig, name, defaultBaseURL string, pt registry.ProviderType) {
		if pc.APIKey == "" {
			return
		}
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL
		}
		creds = append(creds, credential{name: name, apiKey: pc.APIKey, baseURL: baseURL, providerType: pt})
	}

	add(cfg.OpenAI, "openai", "https://api.openai.com/v1", registry.ProviderTypeOpenAI)
	add(cfg.Anthropic, "anthropic", "https://api.anthropic.com", registry.ProviderTypeAnthropic)
	add(cfg.Gemini, "gemini", "https://generativelanguage.googleapis.com", registry.ProviderTypeGemini)
	add(cfg.Mistral, "mistral", "https://api.mistral.ai/v1", registry.ProviderTypeMistral)

	add(cfg.XAI, "xai", "https://api.x.ai/v1", registry.ProviderTypeOpenAICompat)
	add(cfg.DeepSeek, "deepseek", "https://api.deepseek.com/v1", registry.ProviderTypeOpenAICompat)
	add(cfg.Groq, "groq", "https://api.groq.com/openai/v1", registry.ProviderTypeOpenAICompat)
	add(cfg.Together, "together", "https://api.together.xyz/v1", registry.ProviderTypeOpenAICompat)
	add(cfg.Perplexity, "perplexity", "https://api.perplexity.ai", registry.ProviderTypeOpenAICompat)
	add(cfg.Cerebras, "cerebras", "https://api.cerebras.ai/v1", registry.ProviderTypeOpenAICompat)
	add(cfg.Moonshot, "moonshot", "https://api.moonshot.cn/v1", registry.ProviderTypeOpenAICompat)
	add(cfg.MiniMax, "minimax", "https://api.minimax.chat/v1", registry.ProviderTypeOpenAICompat)
	add(cfg.Qwen, "qwen", "https://dashscope-intl.aliyuncs.com/compatible-mode/v1", registry.ProviderTypeOpenAICompat)
	add(cfg.Nebius, "nebius", "https://api.studio.nebius.ai/v1", registry.ProviderTypeOpenAICompat)
	add(cfg.NovitaAI, "novita", "https://api.novita.ai/v3/openai", registry.ProviderTypeOpenAICompat)
	add(cfg.ByteDance, "bytedance", "https://ark.cn-beijing.volces.com/api/v3", registry.ProviderTypeOpenAICompat)
	add(cfg.ZAI, "zai", "https://api.z.ai/api/openai/v1", registry.ProviderTypeOpenAICompat)
	add(cfg.CanopyWave, "canopywave", "https://api.canopywave.com/v1", registry.ProviderTypeOpenAICompat)
	add(cfg.Inference, "inference", "https://api.inference.net/v1", registry.ProviderTypeOpenAICompat)
	add(cfg.NanoGPT, "nanogpt", "https://nano-gpt.com/api/v1", registry.ProviderTypeOpenAICompat)

	return creds
}
