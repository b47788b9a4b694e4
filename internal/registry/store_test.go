package registry_test

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/opengatellm/gateway/internal/registry"
)

func setupStore(t *testing.T) *registry.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&registry.Router{}, &registry.RouterAlias{}, &registry.Provider{},
		&registry.EndpointEntry{}, &registry.User{}, &registry.Token{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return registry.NewStore(db, nil, nil)
}

func TestCreateRouter_RejectsDuplicateName(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	r := &registry.Router{Name: "gpt-4o", Type: registry.RouterTypeTextGeneration, OwnerUserID: 1}
	if err := s.CreateRouter(ctx, r); err != nil {
		t.Fatalf("first create: %v", err)
	}

	dup := &registry.Router{Name: "gpt-4o", Type: registry.RouterTypeTextGeneration, OwnerUserID: 1}
	if err := s.CreateRouter(ctx, dup); err == nil {
		t.Fatal("expected a conflict error for a duplicate router name")
	}
}

func TestCreateRouter_RejectsAliasCollidingWithName(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.CreateRouter(ctx, &registry.Router{
		Name: "gpt-4o", Type: registry.RouterTypeTextGeneration, OwnerUserID: 1,
	}); err != nil {
		t.Fatalf("create base router: %v", err)
	}

	collide := &registry.Router{
		Name:        "gpt-4-turbo",
		Type:        registry.RouterTypeTextGeneration,
		OwnerUserID: 1,
		Aliases:     []registry.RouterAlias{{Alias: "gpt-4o"}},
	}
	if err := s.CreateRouter(ctx, collide); err == nil {
		t.Fatal("expected an alias/name collision error")
	}
}

func TestAddProvider_RejectsIncompatibleType(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	r := &registry.Router{Name: "embed-router", Type: registry.RouterTypeTextEmbeddings, OwnerUserID: 1}
	if err := s.CreateRouter(ctx, r); err != nil {
		t.Fatalf("create router: %v", err)
	}

	p := &registry.Provider{
		RouterID: r.ID, OwnerUserID: 1,
		Type: registry.ProviderTypeAnthropic, // not embeddings-compatible
		BaseURL: "http://localhost:9999", ModelName: "claude",
	}
	if err := s.AddProvider(ctx, p); err == nil {
		t.Fatal("expected an inconsistency error for anthropic on a text-embeddings router")
	}
}

func TestAddProvider_LoadPopulatesIndex(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	r := &registry.Router{Name: "chat-router", Type: registry.RouterTypeTextGeneration, OwnerUserID: 1}
	if err := s.CreateRouter(ctx, r); err != nil {
		t.Fatalf("create router: %v", err)
	}
	p := &registry.Provider{
		RouterID: r.ID, OwnerUserID: 1,
		Type: registry.ProviderTypeOpenAI,
		BaseURL: "https://api.openai.com/v1", ModelName: "gpt-4o",
	}
	if err := s.AddProvider(ctx, p); err != nil {
		t.Fatalf("add provider: %v", err)
	}

	if err := s.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	got, err := s.Index().Resolve("chat-router")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got.Providers) != 1 {
		t.Fatalf("expected 1 provider indexed, got %d", len(got.Providers))
	}
}

func TestFindToken_FindUser_SatisfyAuthTokenStore(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if _, err := s.FindToken(ctx, 999); err == nil {
		t.Fatal("expected a not-found error for a missing token")
	}
	if _, err := s.FindUser(ctx, 999); err == nil {
		t.Fatal("expected a not-found error for a missing user")
	}
}
