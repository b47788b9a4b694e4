package registry_test

import (
	"testing"

	"github.com/opengatellm/gateway/internal/registry"
)

func buildRouter(id int64, name string, aliases ...string) *registry.Router {
	r := &registry.Router{ID: id, Name: name}
	for _, a := range aliases {
		r.Aliases = append(r.Aliases, registry.RouterAlias{RouterID: id, Alias: a})
	}
	return r
}

func TestResolve_ByNameAndAlias(t *testing.T) {
	idx := registry.NewIndex()
	idx.Rebuild([]*registry.Router{buildRouter(1, "chat-prod", "gpt-4", "gpt-4o")})

	r, err := idx.Resolve("chat-prod")
	if err != nil || r.ID != 1 {
		t.Fatalf("resolve by name failed: r=%v err=%v", r, err)
	}

	r, err = idx.Resolve("gpt-4o")
	if err != nil || r.ID != 1 {
		t.Fatalf("resolve by alias failed: r=%v err=%v", r, err)
	}
}

func TestResolve_Unknown(t *testing.T) {
	idx := registry.NewIndex()
	idx.Rebuild([]*registry.Router{buildRouter(1, "chat-prod")})

	_, err := idx.Resolve("does-not-exist")
	if err == nil {
		t.Fatal("expected NotFoundError")
	}
	if _, ok := err.(*registry.NotFoundError); !ok {
		t.Fatalf("expected *NotFoundError, got %T", err)
	}
}

func TestAliasRoundTrip(t *testing.T) {
	idx := registry.NewIndex()
	idx.Rebuild([]*registry.Router{buildRouter(1, "chat-prod", "gpt-4", "gpt-4o")})

	for _, alias := range []string{"gpt-4", "gpt-4o"} {
		r, err := idx.Resolve(alias)
		if err != nil {
			t.Fatalf("resolve(%q): %v", alias, err)
		}
		if r.Name != idx.OriginalName(alias) {
			t.Errorf("resolve(%q).Name=%q != OriginalName(%q)=%q", alias, r.Name, alias, idx.OriginalName(alias))
		}
	}
}

func TestOriginalName_CanonicalNamePassesThrough(t *testing.T) {
	idx := registry.NewIndex()
	idx.Rebuild([]*registry.Router{buildRouter(1, "chat-prod")})

	if got := idx.OriginalName("chat-prod"); got != "chat-prod" {
		t.Errorf("OriginalName(canonical) = %q, want unchanged", got)
	}
}

func TestEligibleProviders_FiltersByEndpoint(t *testing.T) {
	router := &registry.Router{ID: 1, Providers: []registry.Provider{
		{ID: 1, Endpoints: []registry.EndpointEntry{{Endpoint: registry.EndpointChatCompletions, Path: "/chat"}}},
		{ID: 2, Endpoints: []registry.EndpointEntry{{Endpoint: registry.EndpointEmbeddings, Path: "/embed"}}},
	}}

	got := registry.EligibleProviders(router, registry.EndpointChatCompletions)
	if len(got) != 1 || got[0].ID != 1 {
		t.Errorf("expected only provider 1, got %+v", got)
	}
}
