package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/opengatellm/gateway/internal/auth"
	"github.com/opengatellm/gateway/internal/config"
	"github.com/opengatellm/gateway/internal/dispatch"
	"github.com/opengatellm/gateway/internal/metricstore"
	"github.com/opengatellm/gateway/internal/providers"
	"github.com/opengatellm/gateway/internal/providers/dialect"
	"github.com/opengatellm/gateway/internal/registry"
)

// initRegistry opens the Model Registry's backing store and wires C4, C8,
// C1, and C7 together. A Postgres DSN (REGISTRY_DATABASE_URL) backs a
// durable, multi-replica deployment; its absence falls back to an
// in-process sqlite database so the dispatch pipeline is always present —
// the gateway never falls back to the teacher's static provider map.
func (a *App) initRegistry(ctx context.Context) error {
	db, err := openRegistryDB(a.cfg.Registry.DatabaseURL)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(
		&registry.Router{}, &registry.RouterAlias{}, &registry.Provider{},
		&registry.EndpointEntry{}, &registry.User{}, &registry.Token{},
	); err != nil {
		return fmt.Errorf("registry: migrate: %w", err)
	}

	store := registry.NewStore(db, a.log, nil)
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("registry: initial load: %w", err)
	}
	a.registry = store

	if len(store.Index().Snapshot()) == 0 {
		if err := seedFromConfig(ctx, store, a.cfg); err != nil {
			return fmt.Errorf("registry: seed: %w", err)
		}
		if err := store.Load(ctx); err != nil {
			return fmt.Errorf("registry: reload after seed: %w", err)
		}
	}

	a.auth = auth.New(a.cfg.Auth.MasterKey, a.cfg.Auth.JWTSecret, store)
	a.metrics = metricstore.New(a.rdb, metricstore.WithLogger(a.log))

	dispatchMode := dispatch.ModeDirect
	if a.cfg.Dispatch.QueueMode == "queued" {
		dispatchMode = dispatch.ModeQueued
	}
	a.dispatcher = dispatch.New(dispatch.Config{
		Mode:           dispatchMode,
		MaxRetries:     a.cfg.Dispatch.MaxRetries,
		RetryCountdown: a.cfg.Dispatch.RetryCountdown,
		MaxPriority:    a.cfg.Dispatch.MaxPriority,
		CB: dispatch.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}, a.metrics, store.Index(), a.rdb, a.log)

	a.clients = newClientCache()

	a.log.Info("model registry ready",
		slog.String("dispatch_mode", string(dispatchMode)),
		slog.Int("routers", len(store.Index().Snapshot())),
		slog.Bool("durable", a.cfg.Registry.DatabaseURL != ""),
	)

	return nil
}

// openRegistryDB opens Postgres when dsn is set, otherwise an in-process
// sqlite database — the same pure-Go driver the registry package's own
// tests use, so no cgo toolchain is required for a single-instance
// deployment to get the full C4/C7/C8 pipeline.
func openRegistryDB(dsn string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("registry: connect postgres: %w", err)
		}
		return db, nil
	}

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("registry: open in-memory sqlite: %w", err)
	}
	return db, nil
}

// seedFromConfig auto-populates the registry from env-configured provider
// credentials the first time it's found empty, so a fresh deployment with
// only API keys set (no admin bootstrapping step) still serves requests
// through the full Model Registry pipeline. One text-generation router is
// created per provider, named after the provider, carrying one RouterAlias
// per well-known model name from providers.ModelAliases that maps to it;
// embeddings follow the same shape off providers.EmbeddingModelAliases.
func seedFromConfig(ctx context.Context, store *registry.Store, cfg *config.Config) error {
	creds := collectCredentials(cfg)
	if len(creds) == 0 {
		return nil
	}

	aliasesByProvider := invertAliases(providers.ModelAliases)
	embedAliasesByProvider := invertAliases(providers.EmbeddingModelAliases)

	for _, c := range creds {
		if err := seedRouter(ctx, store, c, registry.RouterTypeTextGeneration, registry.EndpointChatCompletions, aliasesByProvider[c.name]); err != nil {
			return err
		}
		if aliases, ok := embedAliasesByProvider[c.name]; ok {
			if err := seedRouter(ctx, store, c, registry.RouterTypeTextEmbeddings, registry.EndpointEmbeddings, aliases); err != nil {
				return err
			}
		}
	}
	return nil
}

func seedRouter(ctx context.Context, store *registry.Store, c credential, routerType registry.RouterType, endpoint registry.Endpoint, aliases []string) error {
	name := string(routerType) + "-" + c.name
	aliasRows := make([]registry.RouterAlias, 0, len(aliases)+1)
	// The bare provider name (e.g. "openai") only goes on the chat router —
	// RouterAlias is globally unique, and a provider with both a chat and an
	// embeddings router would otherwise collide seeding the second one.
	if routerType == registry.RouterTypeTextGeneration {
		aliasRows = append(aliasRows, registry.RouterAlias{Alias: c.name})
	}
	for _, a := range aliases {
		aliasRows = append(aliasRows, registry.RouterAlias{Alias: a})
	}

	router := &registry.Router{
		Name:          name,
		Type:          routerType,
		LoadBalancing: registry.StrategyShuffle,
		OwnerUserID:   0,
		Aliases:       aliasRows,
	}
	if err := store.CreateRouter(ctx, router); err != nil {
		if _, ok := err.(*registry.ConflictError); ok {
			return nil // already seeded concurrently or aliases collide with a hand-created router
		}
		return fmt.Errorf("seed router %q: %w", name, err)
	}

	provider := &registry.Provider{
		RouterID:    router.ID,
		OwnerUserID: 0,
		Type:        c.providerType,
		BaseURL:     c.baseURL,
		BearerKey:   c.apiKey,
		TimeoutMS:   30_000,
		ModelName:   c.name,
		Endpoints: []registry.EndpointEntry{
			{Endpoint: endpoint, Path: ""},
		},
	}
	if err := store.AddProvider(ctx, provider); err != nil {
		return fmt.Errorf("seed provider %q: %w", c.name, err)
	}
	return nil
}

func invertAliases(m map[string]string) map[string][]string {
	out := make(map[string][]string)
	for model, providerName := range m {
		out[providerName] = append(out[providerName], model)
	}
	return out
}

// clientCache lazily builds and memoizes a providers.Provider per registry
// provider row, keyed by id. Dispatch hands back a provider id; the caller
// resolves it here instead of rebuilding an HTTP client per request.
type clientCache struct {
	mu      sync.RWMutex
	clients map[int64]providers.Provider
}

func newClientCache() *clientCache {
	return &clientCache{clients: make(map[int64]providers.Provider)}
}

// Get returns the cached client for p, building and storing one via
// dialect.Build on first use.
func (c *clientCache) Get(ctx context.Context, p *registry.Provider) (providers.Provider, error) {
	c.mu.RLock()
	cl, ok := c.clients[p.ID]
	c.mu.RUnlock()
	if ok {
		return cl, nil
	}

	cl, err := dialect.Build(ctx, p)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.clients[p.ID] = cl
	c.mu.Unlock()
	return cl, nil
}

// Invalidate drops a cached client, e.g. after an admin edits the provider's
// credentials or base URL. The next Get rebuilds it.
func (c *clientCache) Invalidate(providerID int64) {
	c.mu.Lock()
	delete(c.clients, providerID)
	c.mu.Unlock()
}
