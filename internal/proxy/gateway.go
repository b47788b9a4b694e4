// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, authenticates
// the caller (C8), resolves the target Router from the Model Registry (C4),
// asks the Dispatcher (C7) to admit and select a Provider, forwards the
// request through the provider's dialect adapter (C3), and records the
// resulting usage (C9) before replying.
//
// Key design constraints:
//   - Proxy overhead < 2 ms P50 (SLA). No blocking I/O on the hot path.
//   - Cache and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/opengatellm/gateway/internal/auth"
	"github.com/opengatellm/gateway/internal/cache"
	"github.com/opengatellm/gateway/internal/dispatch"
	"github.com/opengatellm/gateway/internal/logger"
	"github.com/opengatellm/gateway/internal/metrics"
	"github.com/opengatellm/gateway/internal/metricstore"
	"github.com/opengatellm/gateway/internal/providers"
	"github.com/opengatellm/gateway/internal/ratelimit"
	"github.com/opengatellm/gateway/internal/registry"
	"github.com/opengatellm/gateway/internal/reqctx"
	"github.com/opengatellm/gateway/internal/usage"
	"github.com/opengatellm/gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// ClientResolver builds and memoizes the providers.Provider client for a
// registry Provider row. Satisfied by internal/app's clientCache; isolated
// here as an interface so the gateway can be exercised with a stub in tests.
type ClientResolver interface {
	Get(ctx context.Context, p *registry.Provider) (providers.Provider, error)
}

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to a
	// no-op logger when nil.
	Logger *slog.Logger

	// ProviderTimeout is the per-provider HTTP request timeout applied when a
	// registry Provider row doesn't set its own TimeoutMS. Default: 30s.
	ProviderTimeout time.Duration

	// AllowClientAPIKeys enables forwarding Authorization headers from clients
	// directly to upstream providers. When false, client headers are ignored
	// and only the registry provider's own credential is used.
	AllowClientAPIKeys bool

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the default TTL for cached responses. Default: 1h.
	CacheTTL time.Duration
}

// Gateway is the main proxy — all dependencies are injected via the
// constructor so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	index      *registry.Index
	authCtl    *auth.Controller
	dispatcher *dispatch.Dispatcher
	clients    ClientResolver
	store      *metricstore.Store

	cache   cache.Cache
	health  *HealthChecker
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	providerTimeout time.Duration
	cacheTTL        time.Duration

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter      *ratelimit.Limiter
	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList

	// CORS allowed origins. Empty slice or ["*"] means allow all.
	corsOrigins []string

	allowClientAPIKeys bool
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// NewGatewayWithOptions creates a fully configured Gateway wired to the
// Model Registry / Access Controller / Dispatcher pipeline.
func NewGatewayWithOptions(
	baseCtx context.Context,
	index *registry.Index,
	authCtl *auth.Controller,
	dispatcher *dispatch.Dispatcher,
	clients ClientResolver,
	store *metricstore.Store,
	c cache.Cache,
	cacheReady func() bool,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = 30 * time.Second
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	gw := &Gateway{
		index:              index,
		authCtl:            authCtl,
		dispatcher:         dispatcher,
		clients:            clients,
		store:              store,
		cache:              c,
		baseCtx:            baseCtx,
		log:                log,
		providerTimeout:    providerTimeout,
		cacheTTL:           cacheTTL,
		metrics:            opts.Metrics,
		allowClientAPIKeys: opts.AllowClientAPIKeys,
	}

	gw.health = NewHealthChecker(baseCtx, index, clients, cacheReady, gw.metrics)

	return gw
}

// SetRateLimiters injects the Redis-backed rate limiter used to enforce
// per-user RPM/RPD budgets. TPM/TPD windows are not charged (no prompt token
// count is passed to the limiter); a TPM or TPD limit of 0 still denies.
func (g *Gateway) SetRateLimiters(rl *ratelimit.Limiter) {
	g.rpmLimiter = rl
}

// SetLogger injects the async request logger (e.g. ClickHouse-backed).
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheExclusions injects the cache exclusion list. Requests whose model
// name matches any rule skip both cache GET and SET.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// ── Internal request / response types ──────────────────────────────────────

type (
	// inboundEmbeddingRequest mirrors the OpenAI POST /v1/embeddings body.
	// The "input" field accepts a string or array of strings; we normalise
	// to []string via parseEmbeddingInput.
	inboundEmbeddingRequest struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		EncodingFormat string          `json:"encoding_format"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}
)

// parseEmbeddingInput converts the raw JSON "input" field into []string.
// The OpenAI API accepts either a bare string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// currentIdentity reads back the auth.Identity the authenticate middleware
// stashed on ctx. Absence means the route isn't behind authenticate, which
// is a wiring bug, not a condition to handle defensively at request time.
func currentIdentity(ctx *fasthttp.RequestCtx) auth.Identity {
	if id, ok := ctx.UserValue(identityUserValueKey).(auth.Identity); ok {
		return id
	}
	return auth.Identity{}
}

// checkRateLimits enforces id's RPM/RPD budget against router. It passes no
// prompt token count, so TPM/TPD windows are not charged here or anywhere
// later in the handler; only a zero TPM/TPD limit is acted on.
func (g *Gateway) checkRateLimits(ctx *fasthttp.RequestCtx, id auth.Identity, routerID int64) error {
	if g.rpmLimiter == nil {
		return nil
	}
	limits := ratelimit.Limits{RPM: id.Limits.RPM, RPD: id.Limits.RPD, TPM: id.Limits.TPM, TPD: id.Limits.TPD}
	return g.rpmLimiter.CheckUserLimits(ctx, id.UserID, routerID, limits, nil)
}

func writeRateLimitError(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusTooManyRequests
	if sc, ok := err.(interface{ HTTPStatus() int }); ok {
		status = sc.HTTPStatus()
	}
	ctx.Response.Header.Set("Retry-After", "60")
	apierr.Write(ctx, status, err.Error(), apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded)
}

// resolveProviderRow finds the registry.Provider within router matching id.
func resolveProviderRow(router *registry.Router, id int64) *registry.Provider {
	for i := range router.Providers {
		if router.Providers[i].ID == id {
			return &router.Providers[i]
		}
	}
	return nil
}

// providerTimeoutFor returns p's own timeout when configured, falling back
// to the gateway default.
func (g *Gateway) providerTimeoutFor(p *registry.Provider) time.Duration {
	if p.TimeoutMS > 0 {
		return time.Duration(p.TimeoutMS) * time.Millisecond
	}
	return g.providerTimeout
}

// recordCarbon computes and accumulates the carbon footprint of one
// inference into rc, when the provider carries full accounting metadata.
// Missing metadata silently skips accounting rather than failing the
// request — carbon accounting is best-effort telemetry, not correctness.
func (g *Gateway) recordCarbon(ctx *fasthttp.RequestCtx, rc *reqctx.Context, p *registry.Provider, outputTokens int) {
	if rc == nil || p.HostingCountryAlpha3 == nil || p.ActiveParamsB == nil || p.TotalParamsB == nil {
		return
	}
	fp, err := usage.CarbonFootprint(*p.ActiveParamsB, *p.TotalParamsB, *p.HostingCountryAlpha3, outputTokens)
	if err != nil {
		g.log.WarnContext(ctx, "carbon_footprint_error", slog.String("error", err.Error()))
		return
	}
	rc.Usage.Add(reqctx.Usage{
		CarbonKWhMin:    fp.KWhMin,
		CarbonKWhMax:    fp.KWhMax,
		CarbonKgCO2eMin: fp.KgCO2eqMin,
		CarbonKgCO2eMax: fp.KgCO2eqMax,
	})
	if g.metrics != nil && rc.RouterName != "" {
		g.metrics.RecordCarbon(rc.RouterName, fp.KgCO2eqMin, fp.KgCO2eqMax)
	}
}

// dispatchEmbeddings handles POST /v1/embeddings. It resolves the model to a
// Router (C4), dispatches to an admitted Provider (C7), calls its
// EmbeddingProvider adapter (C3), and records token usage (C9).
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "embeddings"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	inputTokens := 0
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, 0, false)
	}()

	reqID, _ := ctx.UserValue(requestIDUserValueKey).(string)
	rc := reqctx.From(ctx)
	identity := currentIdentity(ctx)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)

	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	router, err := g.index.Resolve(req.Model)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	servedProvider = router.Name
	if rc != nil {
		rc.RouterID, rc.RouterName, rc.ModelName = router.ID, router.Name, req.Model
	}

	g.log.InfoContext(ctx, "embedding_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("router", router.Name),
		slog.Int("inputs", len(inputs)),
	)

	if err := g.checkRateLimits(ctx, identity, router.ID); err != nil {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		writeRateLimitError(ctx, err)
		return
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("allowed")
	}

	providerID, err := g.dispatcher.Dispatch(ctx, router, registry.EndpointEmbeddings, identity.Priority)
	if err != nil {
		handleDispatchError(ctx, err)
		g.logRequest(ctx, reqID, servedProvider, req.Model, 0, 0, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}

	chosen := resolveProviderRow(router, providerID)
	if chosen == nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "dispatched provider vanished from router", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	cl, err := g.clients.Get(ctx, chosen)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	embedder, ok := cl.(providers.EmbeddingProvider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider %q does not support embeddings", cl.Name()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeoutFor(chosen))
	defer cancel()

	embReq := &providers.EmbeddingRequest{Input: inputs, Model: req.Model, RequestID: reqID, APIKey: clientKey, APIKeyID: clientKeyID}

	inflightKey := metricstore.GaugeKey("inflight", chosen.ID)
	g.store.Incr(ctx, inflightKey)
	upStart := time.Now()
	embResp, err := embedder.Embed(provCtx, embReq)
	upDur := time.Since(upStart)
	g.store.Decr(ctx, inflightKey)

	cb := g.dispatcher.CircuitBreaker()
	if err != nil {
		cb.RecordFailure(chosen.ID)
		if g.metrics != nil {
			reason := classifyError(err)
			g.metrics.ObserveUpstreamAttempt(servedProvider, route, reason, upDur)
			g.metrics.RecordError(servedProvider, reason)
			g.metrics.SetCircuitBreaker(servedProvider, cb.State(chosen.ID))
		}
		g.log.ErrorContext(ctx, "embedding_error",
			slog.String("request_id", reqID), slog.String("router", router.Name), slog.String("error", err.Error()))
		handleProviderError(ctx, err)
		g.logRequest(ctx, reqID, servedProvider, req.Model, 0, 0, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}
	cb.RecordSuccess(chosen.ID)
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(servedProvider, route, "success", upDur)
		g.metrics.SetCircuitBreaker(servedProvider, cb.State(chosen.ID))
	}
	g.store.TSAdd(ctx, metricstore.SeriesKey("latency", chosen.ID), time.Now().UnixMilli(), float64(upDur.Milliseconds()))

	promptTokens := embResp.Usage.InputTokens
	if promptTokens == 0 {
		tok := usage.NewTokenizer(req.Model)
		for _, in := range inputs {
			n, terr := tok.CountText(in)
			if terr == nil {
				promptTokens += n
			}
		}
	}
	cost := usage.Cost(promptTokens, 0, router.CostPromptPerM, router.CostCompletionPerM)
	if rc != nil {
		rc.Usage.Add(reqctx.Usage{PromptTokens: promptTokens, Cost: cost})
	}
	if g.metrics != nil {
		g.metrics.RecordCost(router.Name, cost)
	}
	g.recordCarbon(ctx, rc, chosen, 0)

	outData := make([]outboundEmbeddingData, len(embResp.Data))
	for i, d := range embResp.Data {
		outData[i] = outboundEmbeddingData{Object: "embedding", Index: d.Index, Embedding: d.Embedding}
	}
	out := outboundEmbeddingResponse{
		Object: "list",
		Data:   outData,
		Model:  embResp.Model,
		Usage:  outboundEmbeddingUsage{PromptTokens: promptTokens, TotalTokens: promptTokens},
	}
	inputTokens = promptTokens

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.log.DebugContext(ctx, "embedding_ok",
		slog.String("request_id", reqID), slog.String("router", router.Name),
		slog.Int("vectors", len(embResp.Data)), slog.Int("input_tokens", promptTokens),
		slog.Duration("elapsed", time.Since(start)))

	g.logRequest(ctx, reqID, servedProvider, embResp.Model, promptTokens, 0, time.Since(start), fasthttp.StatusOK, false)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// extractClientAPIKey returns the Authorization bearer token (if allowed and
// present) and a deterministic SHA-256 hash suitable for cache partitioning.
func (g *Gateway) extractClientAPIKey(ctx *fasthttp.RequestCtx) (token string, tokenID string) {
	if !g.allowClientAPIKeys {
		return "", ""
	}
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return "", ""
	}
	token = parseBearerToken(raw)
	if token == "" {
		return "", ""
	}
	sum := sha256.Sum256([]byte(token))
	return token, hex.EncodeToString(sum[:])
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// dispatchChat is the core handler for /v1/chat/completions and /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	route := "chat_completions"
	if path == "/v1/completions" {
		route = "completions"
	}
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass" // hit|miss|bypass
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer's onComplete callback
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue(requestIDUserValueKey).(string)
	rc := reqctx.From(ctx)
	identity := currentIdentity(ctx)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)

	// 1. Parse request body.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 2. Resolve the target Router from the Model Registry.
	router, err := g.index.Resolve(req.Model)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	servedProvider = router.Name
	if rc != nil {
		rc.RouterID, rc.RouterName, rc.ModelName = router.ID, router.Name, req.Model
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("router", router.Name),
		slog.Bool("stream", req.Stream),
	)

	// 3. Rate limit check (RPM/RPD; TPM/TPD windows are not charged).
	if err := g.checkRateLimits(ctx, identity, router.ID); err != nil {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		g.log.WarnContext(ctx, "rate_limit_exceeded", slog.String("request_id", reqID), slog.String("router", router.Name))
		writeRateLimitError(ctx, err)
		return
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("allowed")
	}

	// 4. Build the normalized ProxyRequest and count prompt tokens (C9).
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	proxyReq := &providers.ProxyRequest{
		Model: req.Model, Messages: msgs, Stream: req.Stream,
		Temperature: req.Temperature, MaxTokens: req.MaxTokens,
		RequestID: reqID, APIKey: clientKey, APIKeyID: clientKeyID,
	}
	tok := usage.NewTokenizer(req.Model)
	promptTokens, _ := tok.CountMessages(msgs)

	// 5. Cache lookup — non-streaming only; skip excluded models.
	cacheEligible := !req.Stream && g.cache != nil && (g.cacheExclusions == nil || !g.cacheExclusions.Matches(req.Model))
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	if cacheEligible {
		cacheKey := buildCacheKey(router.Name, proxyReq)
		if cachedBody, ok := g.cache.Get(ctx, cacheKey); ok {
			cacheLabel = "hit"
			cached = true
			respBytes = len(cachedBody)
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			g.log.DebugContext(ctx, "cache_hit", slog.String("request_id", reqID), slog.String("model", req.Model))
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)

			var cu struct {
				Usage struct {
					PromptTokens     int `json:"prompt_tokens"`
					CompletionTokens int `json:"completion_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal(cachedBody, &cu); err == nil {
				inputTokens = cu.Usage.PromptTokens
				outputTokens = cu.Usage.CompletionTokens
			}

			g.logRequest(ctx, reqID, servedProvider, req.Model, inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, true)
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 6-7. Dispatch (C7) and call the provider (C3). One failover retry is
	// attempted against a different provider in the same router if the first
	// pick's upstream call itself fails (as opposed to dispatch refusing to
	// admit anything, which is not retried).
	cb := g.dispatcher.CircuitBreaker()
	excluded := map[int64]bool{}
	var chosen *registry.Provider
	var cl providers.Provider
	var resp *providers.ProxyResponse
	var upDur time.Duration

	for attempt := 0; ; attempt++ {
		var providerID int64
		if attempt == 0 {
			providerID, err = g.dispatcher.Dispatch(ctx, router, registry.EndpointChatCompletions, identity.Priority)
		} else {
			providerID, err = g.dispatcher.DispatchExcluding(ctx, router, registry.EndpointChatCompletions, identity.Priority, excluded)
		}
		if err != nil {
			if attempt > 0 && g.metrics != nil {
				g.metrics.RecordFailoverExhausted(servedProvider)
			}
			if _, ok := err.(*dispatch.OverloadedError); ok && g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(servedProvider, "open")
			}
			g.log.ErrorContext(ctx, "dispatch_error", slog.String("request_id", reqID), slog.String("router", router.Name), slog.String("error", err.Error()))
			handleDispatchError(ctx, err)
			g.logRequest(ctx, reqID, servedProvider, req.Model, 0, 0, time.Since(start), ctx.Response.StatusCode(), false)
			return
		}
		chosen = resolveProviderRow(router, providerID)
		if chosen == nil {
			apierr.Write(ctx, fasthttp.StatusBadGateway, "dispatched provider vanished from router", apierr.TypeProviderError, apierr.CodeProviderError)
			return
		}
		if rc != nil {
			rc.ProviderID = chosen.ID
		}

		cl, err = g.clients.Get(ctx, chosen)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
			return
		}

		provCtx, cancel := context.WithTimeout(ctx, g.providerTimeoutFor(chosen))
		inflightKey := metricstore.GaugeKey("inflight", chosen.ID)
		g.store.Incr(ctx, inflightKey)
		upStart := time.Now()
		resp, err = cl.Request(provCtx, proxyReq)
		upDur = time.Since(upStart)
		g.store.Decr(ctx, inflightKey)
		cancel()

		if err != nil {
			cb.RecordFailure(chosen.ID)
			if g.metrics != nil {
				reason := classifyError(err)
				g.metrics.ObserveUpstreamAttempt(servedProvider, route, reason, upDur)
				g.metrics.RecordError(servedProvider, reason)
				g.metrics.SetCircuitBreaker(servedProvider, cb.State(chosen.ID))
			}
			g.log.ErrorContext(ctx, "provider_error",
				slog.String("request_id", reqID), slog.String("router", router.Name),
				slog.String("provider_id", fmt.Sprintf("%d", chosen.ID)),
				slog.String("error", err.Error()), slog.Duration("elapsed", time.Since(start)))

			excluded[chosen.ID] = true
			if !req.Stream && attempt == 0 {
				if g.metrics != nil {
					g.metrics.RecordFailover(servedProvider, fmt.Sprintf("%d", chosen.ID), "next", classifyError(err))
				}
				continue // one failover retry for non-streaming requests only
			}

			if attempt > 0 && g.metrics != nil {
				g.metrics.RecordFailoverExhausted(servedProvider)
			}
			handleProviderError(ctx, err)
			g.logRequest(ctx, reqID, servedProvider, req.Model, 0, 0, time.Since(start), ctx.Response.StatusCode(), false)
			return
		}

		if attempt > 0 && g.metrics != nil {
			g.metrics.RecordFailoverSuccess(servedProvider, fmt.Sprintf("%d", chosen.ID))
		}
		break
	}

	cb.RecordSuccess(chosen.ID)
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(servedProvider, route, "success", upDur)
		g.metrics.SetCircuitBreaker(servedProvider, cb.State(chosen.ID))
	}
	g.store.TSAdd(ctx, metricstore.SeriesKey("latency", chosen.ID), time.Now().UnixMilli(), float64(upDur.Milliseconds()))

	// 8a. Streaming — SSE pass-through. Responses are never cached for streams.
	if req.Stream && resp.Stream != nil {
		streaming = true
		capturedStart, capturedReqBytes, capturedRoute, capturedProvider := start, reqBytes, route, servedProvider
		capturedRouter, capturedProviderRow := router, chosen
		writeSSE(ctx, resp, tok, func(completionTokens int) {
			cost := usage.Cost(promptTokens, completionTokens, capturedRouter.CostPromptPerM, capturedRouter.CostCompletionPerM)
			if rc != nil {
				rc.Usage.Add(reqctx.Usage{PromptTokens: promptTokens, CompletionTokens: completionTokens, Cost: cost})
			}
			if g.metrics != nil {
				g.metrics.RecordCost(capturedRouter.Name, cost)
			}
			g.recordCarbon(ctx, rc, capturedProviderRow, completionTokens)
			g.logRequest(ctx, reqID, capturedProvider, resp.Model, promptTokens, completionTokens, time.Since(capturedStart), fasthttp.StatusOK, false)
			if g.metrics != nil {
				dur := time.Since(capturedStart)
				g.metrics.ObserveHTTP(capturedRoute, fasthttp.StatusOK, dur, capturedReqBytes, -1)
				g.metrics.RecordRequest(capturedProvider, fasthttp.StatusOK, dur.Milliseconds())
				g.metrics.ObserveGatewayRequest(capturedProvider, capturedRoute, "bypass", dur)
				g.metrics.AddTokens(capturedProvider, capturedRoute, promptTokens, completionTokens, false)
				g.metrics.DecInFlight()
			}
		})
		return
	}

	// 8b. Non-streaming — count completion tokens and derive cost/carbon.
	completionTokens := resp.Usage.OutputTokens
	if completionTokens == 0 {
		completionTokens, _ = tok.CountText(resp.Content)
	}
	if promptTokens == 0 {
		promptTokens = resp.Usage.InputTokens
	}
	cost := usage.Cost(promptTokens, completionTokens, router.CostPromptPerM, router.CostCompletionPerM)
	if rc != nil {
		rc.Usage.Add(reqctx.Usage{PromptTokens: promptTokens, CompletionTokens: completionTokens, Cost: cost})
	}
	if g.metrics != nil {
		g.metrics.RecordCost(router.Name, cost)
	}
	g.recordCarbon(ctx, rc, chosen, completionTokens)

	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{Index: 0, Message: outboundMessage{Role: "assistant", Content: resp.Content}, FinishReason: "stop"},
		},
		Usage: outboundUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	// 9. Populate cache for future identical requests.
	if cacheEligible {
		cacheKey := buildCacheKey(router.Name, proxyReq)
		if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	// 10. Emit request log entry asynchronously.
	g.logRequest(ctx, reqID, servedProvider, resp.Model, promptTokens, completionTokens, time.Since(start), fasthttp.StatusOK, false)
	inputTokens, outputTokens = promptTokens, completionTokens
	if cacheEligible {
		cacheLabel = "miss"
	} else {
		cacheLabel = "bypass"
	}

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID), slog.String("router", router.Name), slog.String("model", resp.Model),
		slog.Int("input_tokens", promptTokens), slog.Int("output_tokens", completionTokens),
		slog.Duration("elapsed", time.Since(start)))

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

type (
	inboundRerankRequest struct {
		Model     string   `json:"model"`
		Query     string   `json:"query"`
		Documents []string `json:"documents"`
	}
	outboundRerankResult struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	}
	outboundRerankResponse struct {
		Model   string                 `json:"model"`
		Results []outboundRerankResult `json:"results"`
	}
)

// dispatchRerank handles POST /v1/rerank, exercising the dialect layer's
// {query,documents} -> {query,texts} translation for TEI-backed routers.
func (g *Gateway) dispatchRerank(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "rerank"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, "bypass", dur)
	}()

	reqID, _ := ctx.UserValue(requestIDUserValueKey).(string)
	rc := reqctx.From(ctx)
	identity := currentIdentity(ctx)
	clientKey, _ := g.extractClientAPIKey(ctx)

	var req inboundRerankRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" || req.Query == "" || len(req.Documents) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"fields 'model', 'query', and 'documents' are required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	router, err := g.index.Resolve(req.Model)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	servedProvider = router.Name
	if rc != nil {
		rc.RouterID, rc.RouterName, rc.ModelName = router.ID, router.Name, req.Model
	}

	if err := g.checkRateLimits(ctx, identity, router.ID); err != nil {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		writeRateLimitError(ctx, err)
		return
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("allowed")
	}

	providerID, err := g.dispatcher.Dispatch(ctx, router, registry.EndpointRerank, identity.Priority)
	if err != nil {
		handleDispatchError(ctx, err)
		g.logRequest(ctx, reqID, servedProvider, req.Model, 0, 0, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}
	chosen := resolveProviderRow(router, providerID)
	if chosen == nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "dispatched provider vanished from router", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	cl, err := g.clients.Get(ctx, chosen)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	reranker, ok := cl.(providers.RerankProvider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider %q does not support rerank", cl.Name()), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeoutFor(chosen))
	defer cancel()

	inflightKey := metricstore.GaugeKey("inflight", chosen.ID)
	g.store.Incr(ctx, inflightKey)
	upStart := time.Now()
	rerankResp, err := reranker.Rerank(provCtx, &providers.RerankRequest{Query: req.Query, Documents: req.Documents, Model: req.Model, APIKey: clientKey})
	upDur := time.Since(upStart)
	g.store.Decr(ctx, inflightKey)

	cb := g.dispatcher.CircuitBreaker()
	if err != nil {
		cb.RecordFailure(chosen.ID)
		if g.metrics != nil {
			reason := classifyError(err)
			g.metrics.ObserveUpstreamAttempt(servedProvider, route, reason, upDur)
			g.metrics.RecordError(servedProvider, reason)
			g.metrics.SetCircuitBreaker(servedProvider, cb.State(chosen.ID))
		}
		handleProviderError(ctx, err)
		g.logRequest(ctx, reqID, servedProvider, req.Model, 0, 0, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}
	cb.RecordSuccess(chosen.ID)
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(servedProvider, route, "success", upDur)
		g.metrics.SetCircuitBreaker(servedProvider, cb.State(chosen.ID))
	}

	tok := usage.NewTokenizer(req.Model)
	promptTokens, _ := tok.CountText(req.Query)
	for _, doc := range req.Documents {
		n, terr := tok.CountText(doc)
		if terr == nil {
			promptTokens += n
		}
	}
	cost := usage.Cost(promptTokens, 0, router.CostPromptPerM, router.CostCompletionPerM)
	if rc != nil {
		rc.Usage.Add(reqctx.Usage{PromptTokens: promptTokens, Cost: cost})
	}
	if g.metrics != nil {
		g.metrics.RecordCost(router.Name, cost)
	}
	g.recordCarbon(ctx, rc, chosen, 0)

	out := outboundRerankResponse{Model: rerankResp.Model, Results: make([]outboundRerankResult, len(rerankResp.Results))}
	for i, r := range rerankResp.Results {
		out.Results[i] = outboundRerankResult{Index: r.Index, RelevanceScore: r.Score}
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.logRequest(ctx, reqID, servedProvider, req.Model, promptTokens, 0, time.Since(start), fasthttp.StatusOK, false)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
// When rc carries a reqctx.Context (attached by the authenticate middleware),
// its accumulated cost and carbon figures ride along on the same entry.
func (g *Gateway) logRequest(
	rc *fasthttp.RequestCtx,
	requestID, provider, model string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	isCached bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	entry := logger.RequestLog{
		ID:           reqUUID,
		Provider:     provider,
		Model:        model,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Cached:       isCached,
		CreatedAt:    time.Now(),
	}

	if c := reqctx.From(rc); c != nil {
		entry.UserID = c.UserID
		entry.RouterID = c.RouterID
		entry.RouterName = c.RouterName
		entry.Cost = c.Usage.Cost
		entry.CarbonKWhMin = c.Usage.CarbonKWhMin
		entry.CarbonKWhMax = c.Usage.CarbonKWhMax
		entry.CarbonKgMin = c.Usage.CarbonKgCO2eMin
		entry.CarbonKgMax = c.Usage.CarbonKgCO2eMax
	}

	g.reqLogger.Log(entry)
}

// buildCacheKey returns a deterministic SHA-256 cache key for the request.
// The router name is included to prevent cross-router key collisions when
// two routers share a model alias.
func buildCacheKey(routerName string, req *providers.ProxyRequest) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = msg{Role: m.Role, Content: m.Content}
	}
	data, _ := json.Marshal(struct {
		K    string `json:"k"`
		R    string `json:"r"`
		M    string `json:"m"`
		T    string `json:"t"`
		MT   int    `json:"mt"`
		Msgs []msg  `json:"msgs"`
	}{
		req.APIKeyID,
		routerName,
		req.Model,
		fmt.Sprintf("%.2f", req.Temperature),
		req.MaxTokens,
		msgs,
	})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}

// handleProviderError maps provider errors to the appropriate HTTP response.
//
//	statusCoder (providers that return HTTP codes) → passed through with remapping
//	context.DeadlineExceeded                       → 504 Gateway Timeout
//	all other errors                               → 502 Bad Gateway
func handleProviderError(ctx *fasthttp.RequestCtx, err error) {
	type statusCoder interface{ HTTPStatus() int }

	if sc, ok := err.(statusCoder); ok {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}

// handleDispatchError maps dispatch/registry errors (NotFoundError,
// OverloadedError) to the appropriate HTTP response.
func handleDispatchError(ctx *fasthttp.RequestCtx, err error) {
	if oe, ok := err.(*dispatch.OverloadedError); ok {
		apierr.WriteOverloaded(ctx, oe.Error(), oe.Detail == "all providers circuit-open")
		return
	}
	type statusCoder interface{ HTTPStatus() int }
	if sc, ok := err.(statusCoder); ok {
		apierr.Write(ctx, sc.HTTPStatus(), err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	apierr.Write(ctx, fasthttp.StatusServiceUnavailable, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}

// writeSSE streams response chunks from the provider as Server-Sent Events.
// onComplete is called once the stream drains with the tokenizer-counted
// output token count, so streaming requests also get real C9 accounting
// instead of an untracked pass-through.
func writeSSE(ctx *fasthttp.RequestCtx, resp *providers.ProxyResponse, tok *usage.Tokenizer, onComplete func(completionTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // guard against writes after the client disconnects

		var sb strings.Builder
		for chunk := range resp.Stream {
			sb.WriteString(chunk.Content)

			delta := map[string]any{
				"id":      "chatcmpl-stream",
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		completionTokens, err := tok.CountText(sb.String())
		if err != nil || completionTokens == 0 {
			completionTokens = sb.Len() / 4
			if completionTokens == 0 {
				completionTokens = 1
			}
		}
		if onComplete != nil {
			onComplete(completionTokens)
		}
	})
}

// classifyError converts an error into a short human-readable category
// string used in log fields and metrics labels.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
