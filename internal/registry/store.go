package registry

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

// compatibleTypes maps a RouterType to the ProviderTypes allowed to attach
// to it. Dialect-agnostic router types (text-generation, image-text-to-text)
// accept any chat-capable dialect; narrower types restrict to their one
// natural adapter.
var compatibleTypes = map[RouterType]map[ProviderType]bool{
	RouterTypeTextGeneration: {
		ProviderTypeVLLM: true, ProviderTypeOpenAI: true, ProviderTypeMistral: true,
		ProviderTypeAlbert: true, ProviderTypeAnthropic: true, ProviderTypeGemini: true,
		ProviderTypeOpenAICompat: true,
	},
	RouterTypeImageTextToText: {
		ProviderTypeOpenAI: true, ProviderTypeAnthropic: true, ProviderTypeGemini: true, ProviderTypeVLLM: true,
		ProviderTypeOpenAICompat: true,
	},
	RouterTypeTextEmbeddings:     {ProviderTypeOpenAI: true, ProviderTypeAlbert: true, ProviderTypeVLLM: true, ProviderTypeOpenAICompat: true},
	RouterTypeSpeechRecognition:  {ProviderTypeOpenAI: true, ProviderTypeMistral: true},
	RouterTypeTextClassification: {ProviderTypeTEI: true},
	RouterTypeImageToText:        {ProviderTypeMistral: true, ProviderTypeOpenAI: true},
}

// ProbeFunc observes a provider's advertised vector_size and
// max_context_length (via an embeddings hello-world call or a /models
// query), used to enforce the "matches the router" invariant at admission
// time. Supplied by the caller (internal/app wiring) since probing requires
// a live provider.Client the registry package does not itself construct.
type ProbeFunc func(ctx context.Context, p *Provider) (vectorSize, maxContextLength *int, err error)

// Store persists the catalogue to Postgres and keeps an in-memory Index in
// sync. Writes are serialized by db's transaction plus the Index's single
// writer lock; reads never block on a write in progress beyond that lock's
// short critical section.
type Store struct {
	db    *gorm.DB
	index *Index
	log   *slog.Logger
	probe ProbeFunc
}

// NewStore wires db to a fresh Index. Call Load to populate it at startup.
func NewStore(db *gorm.DB, log *slog.Logger, probe ProbeFunc) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, index: NewIndex(), log: log, probe: probe}
}

// Index returns the read-mostly in-memory catalogue backing dispatch.
func (s *Store) Index() *Index { return s.index }

// Close releases the underlying database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FindToken loads a Token row by id, satisfying auth.TokenStore.
func (s *Store) FindToken(ctx context.Context, tokenID int64) (*Token, error) {
	var t Token
	if err := s.db.WithContext(ctx).First(&t, tokenID).Error; err != nil {
		return nil, fmt.Errorf("registry: find token %d: %w", tokenID, err)
	}
	return &t, nil
}

// FindUser loads a User row by id, satisfying auth.TokenStore.
func (s *Store) FindUser(ctx context.Context, userID int64) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, userID).Error; err != nil {
		return nil, fmt.Errorf("registry: find user %d: %w", userID, err)
	}
	return &u, nil
}

// Load reads the full catalogue from Postgres and rebuilds the in-memory
// index. Called at startup and again after seeding; the CRUD methods do not
// call it, so the index reflects a mutation only after the next Load.
func (s *Store) Load(ctx context.Context) error {
	var routers []*Router
	err := s.db.WithContext(ctx).
		Preload("Aliases").
		Preload("Providers").
		Preload("Providers.Endpoints").
		Find(&routers).Error
	if err != nil {
		return fmt.Errorf("registry: load: %w", err)
	}
	s.index.Rebuild(routers)
	return nil
}

// CreateRouter validates and persists a new Router.
func (s *Store) CreateRouter(ctx context.Context, r *Router) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Router{}).Where("name = ?", r.Name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return &ConflictError{Reason: fmt.Sprintf("router name %q already exists", r.Name)}
		}
		if err := aliasesFree(tx, r.Name, aliasStrings(r.Aliases)); err != nil {
			return err
		}
		if err := tx.Create(r).Error; err != nil {
			return err
		}
		return nil
	})
}

// DeleteRouter removes a Router and cascades to its aliases and providers.
func (s *Store) DeleteRouter(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Select("Aliases", "Providers").Delete(&Router{ID: id}).Error
}

// AddProvider validates type/vector/context compatibility and attaches p to
// its parent router.
func (s *Store) AddProvider(ctx context.Context, p *Provider) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var router Router
		if err := tx.Preload("Providers").First(&router, p.RouterID).Error; err != nil {
			return err
		}

		if !compatibleTypes[router.Type][p.Type] {
			return &InconsistencyError{Reason: fmt.Sprintf("provider type %q incompatible with router type %q", p.Type, router.Type)}
		}

		if s.probe != nil {
			vs, mcl, err := s.probe(ctx, p)
			if err == nil {
				if router.VectorSize == nil {
					router.VectorSize = vs
				} else if vs != nil && *vs != *router.VectorSize {
					return &InconsistencyError{Reason: "provider vector_size does not match router"}
				}
				if router.MaxContextLength == nil {
					router.MaxContextLength = mcl
				} else if mcl != nil && *mcl != *router.MaxContextLength {
					return &InconsistencyError{Reason: "provider max_context_length does not match router"}
				}
			} else {
				s.log.WarnContext(ctx, "registry: provider probe failed, skipping consistency check", "error", err)
			}
		}

		if err := tx.Save(&router).Error; err != nil {
			return err
		}
		return tx.Create(p).Error
	})
}

// AddAlias attaches a new globally-unique alias to an existing router.
func (s *Store) AddAlias(ctx context.Context, routerID int64, alias string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := aliasesFree(tx, "", []string{alias}); err != nil {
			return err
		}
		return tx.Create(&RouterAlias{RouterID: routerID, Alias: alias}).Error
	})
}

// aliasesFree verifies none of candidates collide with any router name or
// any existing alias (excluding excludeName, used when updating a router's
// own name list).
func aliasesFree(tx *gorm.DB, excludeName string, candidates []string) error {
	for _, a := range candidates {
		var nameCount int64
		q := tx.Model(&Router{}).Where("name = ?", a)
		if excludeName != "" {
			q = q.Where("name <> ?", excludeName)
		}
		if err := q.Count(&nameCount).Error; err != nil {
			return err
		}
		if nameCount > 0 {
			return &ConflictError{Reason: fmt.Sprintf("alias %q collides with an existing router name", a)}
		}

		var aliasCount int64
		if err := tx.Model(&RouterAlias{}).Where("alias = ?", a).Count(&aliasCount).Error; err != nil {
			return err
		}
		if aliasCount > 0 {
			return &ConflictError{Reason: fmt.Sprintf("alias %q already in use", a)}
		}
	}
	return nil
}

func aliasStrings(as []RouterAlias) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.Alias
	}
	return out
}
