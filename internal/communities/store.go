package communities

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/aura-community/relay/internal/models"
)

var (
	ErrSlugTaken    = errors.New("slug already taken")
	ErrChannelTaken = errors.New("channel already bound to another community")
)

// Store persists scopes and bindings. Lookups that miss return models.ErrNotFound.
type Store interface {
	CreateScope(ctx context.Context, s *models.Scope) error
	GetScopeBySlug(ctx context.Context, slug string) (*models.Scope, error)
	GetScopeByID(ctx context.Context, id uuid.UUID) (*models.Scope, error)
	// UpsertBinding deactivates the active binding for (scope, platform), if any, and
	// inserts b as the new active one.
	UpsertBinding(ctx context.Context, b *models.Binding) error
	DeactivateBinding(ctx context.Context, scopeID uuid.UUID, platform string) (*models.Binding, error)
	ListActiveBindings(ctx context.Context, scopeID uuid.UUID) ([]models.Binding, error)
	ScopeForChannel(ctx context.Context, platform, channel string) (uuid.UUID, error)
}
