package communities

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-community/relay/internal/models"
)

// InMemoryStore keeps scopes and bindings in process.
type InMemoryStore struct {
	mu       sync.RWMutex
	scopes   map[uuid.UUID]models.Scope
	slugs    map[string]uuid.UUID
	bindings []models.Binding
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		scopes: make(map[uuid.UUID]models.Scope),
		slugs:  make(map[string]uuid.UUID),
	}
}

func (s *InMemoryStore) CreateScope(_ context.Context, sc *models.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slugs[sc.Slug]; ok {
		return ErrSlugTaken
	}
	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	s.scopes[sc.ID] = *sc
	s.slugs[sc.Slug] = sc.ID
	return nil
}

func (s *InMemoryStore) GetScopeBySlug(_ context.Context, slug string) (*models.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.slugs[slug]
	if !ok {
		return nil, models.ErrNotFound
	}
	sc := s.scopes[id]
	return &sc, nil
}

func (s *InMemoryStore) GetScopeByID(_ context.Context, id uuid.UUID) (*models.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scopes[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &sc, nil
}

func (s *InMemoryStore) UpsertBinding(_ context.Context, b *models.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.bindings {
		if x.Active && x.Platform == b.Platform && x.Channel == b.Channel && x.ScopeID != b.ScopeID {
			return ErrChannelTaken
		}
	}
	now := time.Now().UTC()
	for i := range s.bindings {
		x := &s.bindings[i]
		if x.Active && x.ScopeID == b.ScopeID && x.Platform == b.Platform {
			x.Active = false
			x.UpdatedAt = now
		}
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.Active = true
	b.CreatedAt = now
	b.UpdatedAt = now
	s.bindings = append(s.bindings, *b)
	return nil
}

func (s *InMemoryStore) DeactivateBinding(_ context.Context, scopeID uuid.UUID, platform string) (*models.Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.bindings {
		x := &s.bindings[i]
		if x.Active && x.ScopeID == scopeID && x.Platform == platform {
			x.Active = false
			x.UpdatedAt = time.Now().UTC()
			out := *x
			return &out, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *InMemoryStore) ListActiveBindings(_ context.Context, scopeID uuid.UUID) ([]models.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Binding
	for _, x := range s.bindings {
		if x.Active && x.ScopeID == scopeID {
			out = append(out, x)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}

func (s *InMemoryStore) ScopeForChannel(_ context.Context, platform, channel string) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, x := range s.bindings {
		if x.Active && x.Platform == platform && x.Channel == channel {
			return x.ScopeID, nil
		}
	}
	return uuid.Nil, models.ErrNotFound
}
