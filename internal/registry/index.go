package registry

import "sync"

// Index is the in-memory, read-mostly catalogue the dispatch path consults.
// Reads take the read lock for the duration of a lookup only — never across
// an upstream call — so a dispatch in flight always sees a single consistent
// snapshot even if an admin CRUD call swaps the index concurrently.
type Index struct {
	mu        sync.RWMutex
	byName    map[string]*Router
	byAlias   map[string]*Router
	byAliasOf map[string]string // alias -> canonical name, for original_name
}

// NewIndex builds an empty Index.
func NewIndex() *Index {
	return &Index{
		byName:    make(map[string]*Router),
		byAlias:   make(map[string]*Router),
		byAliasOf: make(map[string]string),
	}
}

// Rebuild atomically replaces the index contents with routers, performing no
// invariant checks (the store is assumed to already hold a valid catalogue —
// invariants are enforced at write time, not at load time).
func (idx *Index) Rebuild(routers []*Router) {
	byName := make(map[string]*Router, len(routers))
	byAlias := make(map[string]*Router, len(routers))
	byAliasOf := make(map[string]string, len(routers))

	for _, r := range routers {
		byName[r.Name] = r
		for _, a := range r.Aliases {
			byAlias[a.Alias] = r
			byAliasOf[a.Alias] = r.Name
		}
	}

	idx.mu.Lock()
	idx.byName = byName
	idx.byAlias = byAlias
	idx.byAliasOf = byAliasOf
	idx.mu.Unlock()
}

// Resolve looks up a Router by canonical name first, then by alias.
func (idx *Index) Resolve(name string) (*Router, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if r, ok := idx.byName[name]; ok {
		return r, nil
	}
	if r, ok := idx.byAlias[name]; ok {
		return r, nil
	}
	return nil, &NotFoundError{Name: name}
}

// OriginalName canonicalizes name: if it is an alias, returns the router's
// canonical name; if it is already canonical (or unknown), returns it as-is.
func (idx *Index) OriginalName(name string) string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if canon, ok := idx.byAliasOf[name]; ok {
		return canon
	}
	return name
}

// RouterIDForModel resolves name to a router id, or ok=false if unknown.
func (idx *Index) RouterIDForModel(name string) (id int64, ok bool) {
	r, err := idx.Resolve(name)
	if err != nil {
		return 0, false
	}
	return r.ID, true
}

// EligibleProviders returns the subset of router.Providers that serve
// endpoint (i.e. have a non-absent EndpointEntry for it).
func EligibleProviders(router *Router, endpoint Endpoint) []Provider {
	out := make([]Provider, 0, len(router.Providers))
	for _, p := range router.Providers {
		for _, e := range p.Endpoints {
			if e.Endpoint == endpoint {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// Snapshot returns all routers currently indexed, for callers that walk the
// whole catalogue (the health checker, startup wiring). The returned slice is a defensive copy of pointers;
// callers must not mutate the pointed-to Routers.
func (idx *Index) Snapshot() []*Router {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]*Router, 0, len(idx.byName))
	for _, r := range idx.byName {
		out = append(out, r)
	}
	return out
}
